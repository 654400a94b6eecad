// Package plugin loads and validates plugin manifests from a directory.
// A manifest is immutable after load; the identifier is the sole namespace
// prefix for tools, skills, and memory keys.
package plugin

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/frontclaw/backend/internal/permission"
)

// ManifestFile is the required manifest filename at each plugin root.
const ManifestFile = "frontclaw.json"

const (
	defaultPriority = 100
	maxPriority     = 1000
)

var (
	idPattern      = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// Author identifies the plugin author.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Manifest is the static declaration of a plugin: identity, permissions,
// and entry point. Required fields: id, name, version, main, permissions.
type Manifest struct {
	ID                  string                 `json:"id"`
	Name                string                 `json:"name"`
	Version             string                 `json:"version"`
	Description         string                 `json:"description,omitempty"`
	Author              *Author                `json:"author,omitempty"`
	Priority            *int                   `json:"priority,omitempty"`
	Main                string                 `json:"main"`
	Permissions         *permission.Grants     `json:"permissions"`
	ConfigSchema        map[string]interface{} `json:"configSchema,omitempty"`
	DefaultConfig       map[string]interface{} `json:"defaultConfig,omitempty"`
	MinFrontclawVersion string                 `json:"minFrontclawVersion,omitempty"`
	Tags                []string               `json:"tags,omitempty"`
	Enabled             *bool                  `json:"enabled,omitempty"`
}

// EffectivePriority returns the declared priority or the default (100).
// Lower runs first; ties break on the identifier.
func (m *Manifest) EffectivePriority() int {
	if m.Priority == nil {
		return defaultPriority
	}
	return *m.Priority
}

// IsEnabled returns the enabled flag, defaulting to true.
func (m *Manifest) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Grants returns the permission block, never nil.
func (m *Manifest) Grants() *permission.Grants {
	if m.Permissions == nil {
		return &permission.Grants{}
	}
	return m.Permissions
}

// Validate checks every field and collects all problems into one error so a
// plugin author sees the full list at once.
func (m *Manifest) Validate() error {
	var problems []string
	add := func(path, msg string) {
		problems = append(problems, fmt.Sprintf("%s: %s", path, msg))
	}

	switch {
	case m.ID == "":
		add("id", "required")
	case !idPattern.MatchString(m.ID):
		add("id", "must match ^[a-z][a-z0-9-]*$")
	}
	if m.Name == "" {
		add("name", "required")
	}
	switch {
	case m.Version == "":
		add("version", "required")
	case !versionPattern.MatchString(m.Version):
		add("version", "must be MAJOR.MINOR.PATCH")
	}
	if m.Main == "" {
		add("main", "required")
	}
	if m.Permissions == nil {
		add("permissions", "required")
	}
	if m.Priority != nil && (*m.Priority < 0 || *m.Priority > maxPriority) {
		add("priority", fmt.Sprintf("must be between 0 and %d", maxPriority))
	}
	if m.Permissions != nil && m.Permissions.DB != nil {
		switch m.Permissions.DB.Access {
		case permission.DBReadOnly, permission.DBReadWrite:
		case "":
			add("permissions.db.access", "required when db grant is present")
		default:
			add("permissions.db.access", `must be "read-only" or "read-write"`)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid manifest: %s", strings.Join(problems, "; "))
}

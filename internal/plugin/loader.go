package plugin

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Loaded is one materialized plugin record: the manifest, its absolute
// directory and entry path, and the merged configuration. Created at
// orchestrator start, never mutated afterwards.
type Loaded struct {
	Manifest  *Manifest
	Dir       string
	EntryPath string
	Config    map[string]interface{}
}

// LoadOptions tune a directory scan.
type LoadOptions struct {
	// ConfigOverrides maps plugin id to user config merged atop defaults.
	ConfigOverrides map[string]map[string]interface{}
	// Deny lists plugin ids to drop even when their manifest enables them.
	Deny []string
	// Verifier, when set, runs after validation and may reject a plugin.
	// Left nil today; this is the signing hook.
	Verifier func(*Loaded) error
	// Logger receives per-plugin load failures. Defaults to the standard logger.
	Logger *log.Logger
}

// LoadDir scans every immediate subdirectory of dir as a plugin candidate.
// Errors in one plugin never prevent loading the others; they are logged and
// the candidate is skipped. The returned list is sorted by ascending
// priority, identifier breaking ties.
func LoadDir(dir string, opts LoadOptions) ([]*Loaded, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[PLUGIN-LOADER] ", log.LstdFlags)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugin directory %s: %w", dir, err)
	}

	denied := make(map[string]bool, len(opts.Deny))
	for _, id := range opts.Deny {
		denied[id] = true
	}

	seen := make(map[string]string) // id → dir, for duplicate detection
	var loaded []*Loaded
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir, err := filepath.Abs(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Printf("skipping %s: %v", entry.Name(), err)
			continue
		}

		rec, err := loadOne(pluginDir, opts)
		if err != nil {
			logger.Printf("skipping %s: %v", entry.Name(), err)
			continue
		}
		if rec == nil {
			continue // disabled, silently dropped
		}

		id := rec.Manifest.ID
		if prev, dup := seen[id]; dup {
			logger.Printf("skipping %s: duplicate plugin id %q (already loaded from %s)", entry.Name(), id, prev)
			continue
		}
		if denied[id] {
			continue
		}
		seen[id] = pluginDir
		loaded = append(loaded, rec)
	}

	sort.Slice(loaded, func(i, j int) bool {
		pi, pj := loaded[i].Manifest.EffectivePriority(), loaded[j].Manifest.EffectivePriority()
		if pi != pj {
			return pi < pj
		}
		return loaded[i].Manifest.ID < loaded[j].Manifest.ID
	})
	return loaded, nil
}

func loadOne(pluginDir string, opts LoadOptions) (*Loaded, error) {
	raw, err := os.ReadFile(filepath.Join(pluginDir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("no %s: %w", ManifestFile, err)
	}
	if !hasReadme(pluginDir) {
		return nil, fmt.Errorf("no readme file")
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if !m.IsEnabled() {
		return nil, nil
	}

	entryPath, err := resolveEntry(pluginDir, m.Main)
	if err != nil {
		return nil, err
	}

	config := make(map[string]interface{}, len(m.DefaultConfig))
	for k, v := range m.DefaultConfig {
		config[k] = v
	}
	for k, v := range opts.ConfigOverrides[m.ID] {
		config[k] = v
	}

	rec := &Loaded{Manifest: &m, Dir: pluginDir, EntryPath: entryPath, Config: config}
	if opts.Verifier != nil {
		if err := opts.Verifier(rec); err != nil {
			return nil, fmt.Errorf("verification failed: %w", err)
		}
	}
	return rec, nil
}

// resolveEntry joins the entry file against the plugin directory, rejects
// escapes, and checks existence.
func resolveEntry(pluginDir, main string) (string, error) {
	entry := filepath.Clean(filepath.Join(pluginDir, main))
	if entry != pluginDir && !strings.HasPrefix(entry, pluginDir+string(filepath.Separator)) {
		return "", fmt.Errorf("entry file %q escapes the plugin directory", main)
	}
	info, err := os.Stat(entry)
	if err != nil {
		return "", fmt.Errorf("entry file %q: %w", main, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("entry file %q is a directory", main)
	}
	return entry, nil
}

func hasReadme(pluginDir string) bool {
	entries, err := os.ReadDir(pluginDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if !e.IsDir() && (name == "readme.md" || name == "readme" || name == "readme.txt") {
			return true
		}
	}
	return false
}

package permission

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/frontclaw/backend/internal/fault"
)

// Error reports a failed permission check. It carries the plugin id, the
// dotted permission path that was consulted, and a human-readable action.
type Error struct {
	PluginID string
	Path     string
	Action   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("PERMISSION_DENIED: plugin %q lacks %s (%s)", e.PluginID, e.Path, e.Action)
}

// Code implements fault.Coder.
func (e *Error) Code() string { return fault.CodePermissionDenied }

func deny(pluginID, path, action string) *Error {
	return &Error{PluginID: pluginID, Path: path, Action: action}
}

// Guard evaluates capability checks against one plugin's grants. It is
// stateless and cheap to construct per call.
type Guard struct {
	pluginID string
	grants   *Grants
}

// NewGuard wraps the grants of the named plugin. A nil grants block behaves
// as deny-everything.
func NewGuard(pluginID string, grants *Grants) *Guard {
	if grants == nil {
		grants = &Grants{}
	}
	return &Guard{pluginID: pluginID, grants: grants}
}

// PluginID returns the guarded plugin's identifier.
func (g *Guard) PluginID() string { return g.pluginID }

// ---------------------------------------------------------------------------
// Database
// ---------------------------------------------------------------------------

// CheckDBAccess verifies that the plugin may touch the given table, and that
// writes are only performed under read-write access. Table "*" means the
// query's tables could not be determined and wildcard access is required.
func (g *Guard) CheckDBAccess(table string, write bool) error {
	db := g.grants.DB
	if db == nil || len(db.Tables) == 0 {
		return deny(g.pluginID, "db.tables", fmt.Sprintf("access table %q", table))
	}
	allowed := false
	for _, t := range db.Tables {
		if t == "*" || (table != "*" && t == table) {
			allowed = true
			break
		}
	}
	if !allowed {
		return deny(g.pluginID, "db.tables", fmt.Sprintf("access table %q", table))
	}
	if write && db.Access != DBReadWrite {
		return deny(g.pluginID, "db.access", fmt.Sprintf("write table %q", table))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Network
// ---------------------------------------------------------------------------

// CheckNetwork verifies that the URL's host is covered by the network grant.
func (g *Guard) CheckNetwork(rawURL string) error {
	net := g.grants.Network
	action := fmt.Sprintf("fetch %s", rawURL)
	if net == nil {
		return deny(g.pluginID, "network", action)
	}
	if net.AllowAll {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return deny(g.pluginID, "network.allowed_domains", action)
	}
	host := strings.ToLower(u.Hostname())
	for _, entry := range net.AllowedDomains {
		if domainMatches(host, strings.ToLower(entry)) {
			return nil
		}
	}
	return deny(g.pluginID, "network.allowed_domains", action)
}

// domainMatches reports whether host is equal to entry or, for "*.suffix"
// entries, is the suffix itself or any subdomain of it.
func domainMatches(host, entry string) bool {
	if entry == "*" {
		return true
	}
	if suffix, ok := strings.CutPrefix(entry, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == entry
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// CheckMemoryRead verifies read access to a key. Listing without a prefix
// passes "*" as the key, which only a wildcard grant satisfies.
func (g *Guard) CheckMemoryRead(key string) error {
	var patterns []string
	if g.grants.Memory != nil {
		patterns = g.grants.Memory.Read
	}
	if !keyMatches(key, patterns) {
		return deny(g.pluginID, "memory.read", fmt.Sprintf("read key %q", key))
	}
	return nil
}

// CheckMemoryWrite verifies write access to a key.
func (g *Guard) CheckMemoryWrite(key string) error {
	var patterns []string
	if g.grants.Memory != nil {
		patterns = g.grants.Memory.Write
	}
	if !keyMatches(key, patterns) {
		return deny(g.pluginID, "memory.write", fmt.Sprintf("write key %q", key))
	}
	return nil
}

// keyMatches implements the memory-key pattern language: "*" matches
// everything, "prefix:*" matches by literal prefix, anything else requires
// exact equality.
func keyMatches(key string, patterns []string) bool {
	for _, p := range patterns {
		switch {
		case p == "*":
			return true
		case strings.HasSuffix(p, ":*"):
			if key == "*" {
				continue
			}
			if strings.HasPrefix(key, p[:len(p)-1]) {
				return true
			}
		case p == key:
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Skills
// ---------------------------------------------------------------------------

// CheckSkill verifies access to a skill. The "plugin__name" namespace is
// stripped to the local name before matching; grant entries may themselves be
// namespaced ("other__name"), prefix-wildcarded ("other__*"), or "*".
func (g *Guard) CheckSkill(name string) error {
	local := name
	if idx := strings.Index(local, "__"); idx >= 0 {
		local = local[idx+2:]
	}
	for _, entry := range g.grants.Skills {
		switch {
		case entry == "*":
			return nil
		case strings.HasSuffix(entry, "__*"):
			if strings.HasPrefix(name, entry[:len(entry)-1]) {
				return nil
			}
		case entry == name || entry == local:
			return nil
		}
	}
	return deny(g.pluginID, "skills", fmt.Sprintf("invoke skill %q", name))
}

// ---------------------------------------------------------------------------
// API routes
// ---------------------------------------------------------------------------

// CheckAPIRoute verifies that the plugin may serve the given request path
// and verb. Matching follows the route-spec grammar: optional comma-separated
// verb list, then a pattern; patterns ending in "/*" match by prefix;
// trailing slashes are normalized away.
func (g *Guard) CheckAPIRoute(method, path string) error {
	api := g.grants.API
	action := fmt.Sprintf("serve %s %s", method, path)
	if api == nil || len(api.Routes) == 0 {
		return deny(g.pluginID, "api.routes", action)
	}
	method = strings.ToUpper(method)
	path = normalizePath(path)
	for _, spec := range api.Routes {
		verbs, pattern := parseRouteSpec(spec)
		if !patternMatches(pattern, path) {
			continue
		}
		if len(verbs) > 0 {
			if containsFold(verbs, method) {
				return nil
			}
			continue
		}
		if len(api.Methods) > 0 {
			if containsFold(api.Methods, method) {
				return nil
			}
			continue
		}
		return nil
	}
	return deny(g.pluginID, "api.routes", action)
}

// parseRouteSpec splits "<VERBS> <pattern>" into its parts. A spec with no
// recognized verb prefix is all pattern.
func parseRouteSpec(spec string) (verbs []string, pattern string) {
	spec = strings.TrimSpace(spec)
	fields := strings.SplitN(spec, " ", 2)
	if len(fields) == 2 {
		candidates := strings.Split(fields[0], ",")
		allVerbs := true
		for _, c := range candidates {
			if !isHTTPVerb(strings.TrimSpace(c)) {
				allVerbs = false
				break
			}
		}
		if allVerbs {
			for _, c := range candidates {
				verbs = append(verbs, strings.ToUpper(strings.TrimSpace(c)))
			}
			return verbs, strings.TrimSpace(fields[1])
		}
	}
	return nil, spec
}

func isHTTPVerb(s string) bool {
	switch strings.ToUpper(s) {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS":
		return true
	}
	return false
}

func patternMatches(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/*") {
		prefix := pattern[:len(pattern)-1] // keep the slash
		return strings.HasPrefix(path+"/", prefix) || strings.HasPrefix(path, prefix)
	}
	return normalizePath(pattern) == path
}

// normalizePath strips trailing slashes; the bare root stays "/".
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Socket
// ---------------------------------------------------------------------------

// CanInterceptSocket reports whether the plugin participates in the socket
// message pipeline at all.
func (g *Guard) CanInterceptSocket() bool {
	return g.grants.Socket != nil && g.grants.Socket.CanIntercept
}

// CanEmitSocket reports whether the plugin may emit socket events.
func (g *Guard) CanEmitSocket() bool {
	return g.grants.Socket != nil && g.grants.Socket.CanEmit
}

// SocketEventAllowed reports whether the named event is in the plugin's
// declared event list ("*" allowed).
func (g *Guard) SocketEventAllowed(event string) bool {
	if g.grants.Socket == nil {
		return false
	}
	for _, e := range g.grants.Socket.Events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// LLM + log
// ---------------------------------------------------------------------------

func (g *Guard) CanModifyPrompt() bool {
	return g.grants.LLM != nil && g.grants.LLM.CanModifyPrompt
}

func (g *Guard) CanModifySystemMessage() bool {
	return g.grants.LLM != nil && g.grants.LLM.CanModifySystemMessage
}

func (g *Guard) CanInterceptTask() bool {
	return g.grants.LLM != nil && g.grants.LLM.CanInterceptTask
}

func (g *Guard) CanModifyResponse() bool {
	return g.grants.LLM != nil && g.grants.LLM.CanModifyResponse
}

// CanLogAt reports whether the log syscall is permitted at the given level.
// An enabled grant with an empty level list permits every level.
func (g *Guard) CanLogAt(level string) bool {
	lg := g.grants.Log
	if lg == nil || !lg.Enabled {
		return false
	}
	if len(lg.Levels) == 0 {
		return true
	}
	return containsFold(lg.Levels, level)
}

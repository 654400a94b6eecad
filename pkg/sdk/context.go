package sdk

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Context is the hook's view of the host: identity, config, and the
// system-call surface. A fresh Context is handed to every hook invocation;
// all of them share the same underlying connection.
type Context struct {
	rt *runtime
}

// PluginID is the identity the host assigned in the INIT handshake.
func (c *Context) PluginID() string { return c.rt.pluginID }

// Config is the per-plugin configuration block from the host manifest
// overrides. It is nil before INIT and may be nil afterwards.
func (c *Context) Config() map[string]interface{} { return c.rt.config }

// Log sends a log line to the host. It never returns an error: the host
// drops lines above the granted level and logging must not fail a hook.
func (c *Context) Log(level, format string, args ...interface{}) {
	c.rt.call("log", map[string]interface{}{
		"level":   level,
		"message": fmt.Sprintf(format, args...),
	})
}

// FetchRequest describes one outbound HTTP request through the host.
type FetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// FetchResponse is the host's answer to a fetch.
type FetchResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Fetch performs an HTTP request via the host. The host enforces the
// plugin's network grants; a disallowed origin comes back PERMISSION_DENIED.
func (c *Context) Fetch(req FetchRequest) (*FetchResponse, error) {
	raw, err := c.rt.call("network.fetch", req)
	if err != nil {
		return nil, err
	}
	var resp FetchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode fetch response: %w", err)
	}
	return &resp, nil
}

// DB exposes the host's row store, scoped by the plugin's db grants.
func (c *Context) DB() *DBClient { return &DBClient{rt: c.rt} }

// Memory exposes the host's persistent key-value store. Keys without an
// explicit namespace are placed under the plugin's own.
func (c *Context) Memory() *MemoryClient { return &MemoryClient{rt: c.rt} }

// Skills invokes skills exported by other plugins, subject to grants.
func (c *Context) Skills() *SkillsClient { return &SkillsClient{rt: c.rt} }

// ---------------------------------------------------------------------------
// db
// ---------------------------------------------------------------------------

type DBClient struct {
	rt *runtime
}

// Query runs a parameterized SQL statement. The host audits the statement
// against the plugin's table grants before executing it.
func (d *DBClient) Query(sql string, params ...interface{}) ([]map[string]interface{}, error) {
	raw, err := d.rt.call("db.query", map[string]interface{}{"sql": sql, "params": params})
	if err != nil {
		return nil, err
	}
	return decodeRows(raw)
}

// GetItem fetches one row by id.
func (d *DBClient) GetItem(table, id string) (map[string]interface{}, error) {
	raw, err := d.rt.call("db.getItem", map[string]string{"table": table, "id": id})
	if err != nil {
		return nil, err
	}
	if isNullResult(raw) {
		return nil, nil
	}
	var row map[string]interface{}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return row, nil
}

// GetItems fetches rows matching an equality filter.
func (d *DBClient) GetItems(table string, where map[string]interface{}, limit, offset int) ([]map[string]interface{}, error) {
	raw, err := d.rt.call("db.getItems", map[string]interface{}{
		"table": table, "where": where, "limit": limit, "offset": offset,
	})
	if err != nil {
		return nil, err
	}
	return decodeRows(raw)
}

func decodeRows(raw json.RawMessage) ([]map[string]interface{}, error) {
	if isNullResult(raw) {
		return nil, nil
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}

// ---------------------------------------------------------------------------
// memory
// ---------------------------------------------------------------------------

type MemoryClient struct {
	rt *runtime
}

// scope prefixes bare keys with the plugin's own namespace. Keys that
// already carry a "namespace:" part pass through so cross-plugin grants
// stay expressible.
func (m *MemoryClient) scope(key string) string {
	if strings.Contains(key, ":") {
		return key
	}
	return m.rt.pluginID + ":" + key
}

// Get returns the value and whether the key exists.
func (m *MemoryClient) Get(key string) (string, bool, error) {
	raw, err := m.rt.call("memory.get", map[string]string{"key": m.scope(key)})
	if err != nil {
		return "", false, err
	}
	if isNullResult(raw) {
		return "", false, nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false, fmt.Errorf("decode memory value: %w", err)
	}
	return value, true, nil
}

// Set stores a value. ttlSeconds <= 0 means no expiry.
func (m *MemoryClient) Set(key, value string, ttlSeconds int64) error {
	_, err := m.rt.call("memory.set", map[string]interface{}{
		"key": m.scope(key), "value": value, "ttl": ttlSeconds,
	})
	return err
}

// Delete removes a key. Deleting an absent key is not an error.
func (m *MemoryClient) Delete(key string) error {
	_, err := m.rt.call("memory.delete", map[string]string{"key": m.scope(key)})
	return err
}

// List returns up to limit keys under the given prefix.
func (m *MemoryClient) List(prefix string, limit int) ([]string, error) {
	raw, err := m.rt.call("memory.list", map[string]interface{}{
		"prefix": m.scope(prefix), "limit": limit,
	})
	if err != nil {
		return nil, err
	}
	if isNullResult(raw) {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode key list: %w", err)
	}
	return keys, nil
}

// TTL returns the remaining lifetime in seconds, -1 when the key has no
// expiry, -2 when the key does not exist.
func (m *MemoryClient) TTL(key string) (int64, error) {
	raw, err := m.rt.call("memory.ttl", map[string]string{"key": m.scope(key)})
	if err != nil {
		return 0, err
	}
	var seconds int64
	if err := json.Unmarshal(raw, &seconds); err != nil {
		return 0, fmt.Errorf("decode ttl: %w", err)
	}
	return seconds, nil
}

// ---------------------------------------------------------------------------
// skills
// ---------------------------------------------------------------------------

type SkillsClient struct {
	rt *runtime
}

// Invoke calls another plugin's skill by its namespaced name, for example
// "weather__getForecast". The raw result is returned for the caller to
// interpret.
func (s *SkillsClient) Invoke(skill string, args map[string]interface{}) (json.RawMessage, error) {
	return s.rt.call("skills.invoke", map[string]interface{}{"skill": skill, "args": args})
}

func isNullResult(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

// Package syscall routes system calls from plugin sandboxes through the
// permission guard to the host backends. Every call is rate-limited and
// permission-checked before any backend is touched.
package syscall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/frontclaw/backend/internal/database"
	"github.com/frontclaw/backend/internal/fault"
	"github.com/frontclaw/backend/internal/memory"
	"github.com/frontclaw/backend/internal/monitoring"
	"github.com/frontclaw/backend/internal/permission"
)

// Caller identifies the plugin behind one syscall. The bridge fills this
// from its own loaded record; the sandbox cannot influence it.
type Caller struct {
	PluginID string
	Grants   *permission.Grants
}

// SkillInvoker re-enters the orchestrator's skill pipeline. The orchestrator
// implements this interface and is injected after construction, which keeps
// the dependency graph acyclic.
type SkillInvoker interface {
	InvokeSkill(ctx context.Context, skillName string, args map[string]interface{}) (interface{}, error)
}

// Handler services SYS_CALL envelopes. One handler is shared by every
// bridge; all per-plugin state lives in the quota.
type Handler struct {
	rows    database.RowStore
	mem     memory.Store
	quota   *Quota
	skills  SkillInvoker
	httpc   *http.Client
	logger  *log.Logger
	maxBody int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithHTTPClient replaces the outbound client used by network.fetch.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.httpc = c }
}

// WithQuota replaces the default 300/minute quota.
func WithQuota(q *Quota) Option {
	return func(h *Handler) { h.quota = q }
}

// WithLogger replaces the host logger that receives plugin log syscalls.
func WithLogger(l *log.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler builds a handler over the given backends. rows may be nil when
// the deployment runs without a database; db syscalls then fail cleanly.
func NewHandler(rows database.RowStore, mem memory.Store, opts ...Option) *Handler {
	h := &Handler{
		rows:    rows,
		mem:     mem,
		quota:   NewQuota(0, 0),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		logger:  log.New(log.Writer(), "[SYSCALL] ", log.LstdFlags),
		maxBody: 4 << 20,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetSkillInvoker wires the orchestrator in after both sides exist.
func (h *Handler) SetSkillInvoker(s SkillInvoker) { h.skills = s }

// Handle dispatches one syscall. The returned value is marshaled by the
// bridge into the RESPONSE envelope; errors come back coded.
func (h *Handler) Handle(ctx context.Context, caller Caller, method string, payload json.RawMessage) (result interface{}, err error) {
	defer func() {
		outcome := "ok"
		switch {
		case err == nil:
		case fault.CodeOf(err) == fault.CodeRateLimited:
			outcome = "rate_limited"
		case fault.CodeOf(err) == fault.CodePermissionDenied:
			outcome = "denied"
		default:
			outcome = "error"
		}
		monitoring.SyscallsTotal.WithLabelValues(caller.PluginID, method, outcome).Inc()
	}()

	if !h.quota.Allow(caller.PluginID) {
		return nil, fault.New(fault.CodeRateLimited, "plugin %q exceeded %d syscalls per minute", caller.PluginID, h.quota.limit)
	}

	guard := permission.NewGuard(caller.PluginID, caller.Grants)

	switch method {
	case "db.query":
		return h.dbQuery(ctx, guard, payload)
	case "db.getItems":
		return h.dbGetItems(ctx, guard, payload)
	case "db.getItem":
		return h.dbGetItem(ctx, guard, payload)
	case "network.fetch":
		return h.networkFetch(ctx, guard, payload)
	case "log":
		return h.log(guard, caller.PluginID, payload), nil
	case "memory.get", "memory.set", "memory.delete", "memory.list", "memory.ttl":
		return h.memoryOp(ctx, guard, strings.TrimPrefix(method, "memory."), payload)
	case "skills.invoke":
		return h.skillsInvoke(ctx, guard, payload)
	default:
		return nil, fault.New(fault.CodeUnknownSyscall, "unknown syscall %q", method)
	}
}

// ---------------------------------------------------------------------------
// db
// ---------------------------------------------------------------------------

func (h *Handler) dbQuery(ctx context.Context, guard *permission.Guard, payload json.RawMessage) (interface{}, error) {
	var req struct {
		SQL    string        `json:"sql"`
		Params []interface{} `json:"params"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("bad db.query payload: %w", err)
	}

	audit, err := permission.AuditSQL(req.SQL)
	if err != nil {
		return nil, &permission.Error{
			PluginID: guard.PluginID(),
			Path:     "db",
			Action:   err.Error(),
		}
	}
	for _, table := range audit.Tables {
		if err := guard.CheckDBAccess(table, audit.Write); err != nil {
			return nil, err
		}
	}
	if h.rows == nil {
		return nil, fmt.Errorf("no database configured")
	}
	return h.rows.Query(ctx, req.SQL, req.Params)
}

func (h *Handler) dbGetItems(ctx context.Context, guard *permission.Guard, payload json.RawMessage) (interface{}, error) {
	var req struct {
		Table  string                 `json:"table"`
		Where  map[string]interface{} `json:"where"`
		Limit  int                    `json:"limit"`
		Offset int                    `json:"offset"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("bad db.getItems payload: %w", err)
	}
	if err := guard.CheckDBAccess(req.Table, false); err != nil {
		return nil, err
	}
	if h.rows == nil {
		return nil, fmt.Errorf("no database configured")
	}
	return h.rows.GetItems(ctx, req.Table, database.ItemQuery{Where: req.Where, Limit: req.Limit, Offset: req.Offset})
}

func (h *Handler) dbGetItem(ctx context.Context, guard *permission.Guard, payload json.RawMessage) (interface{}, error) {
	var req struct {
		Table string `json:"table"`
		ID    string `json:"id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("bad db.getItem payload: %w", err)
	}
	if err := guard.CheckDBAccess(req.Table, false); err != nil {
		return nil, err
	}
	if h.rows == nil {
		return nil, fmt.Errorf("no database configured")
	}
	return h.rows.GetItem(ctx, req.Table, req.ID)
}

// ---------------------------------------------------------------------------
// network
// ---------------------------------------------------------------------------

// FetchResult is the wire shape of a network.fetch response.
type FetchResult struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

func (h *Handler) networkFetch(ctx context.Context, guard *permission.Guard, payload json.RawMessage) (interface{}, error) {
	var req struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("bad network.fetch payload: %w", err)
	}
	if err := guard.CheckNetwork(req.URL); err != nil {
		return nil, err
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &FetchResult{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    headers,
		Body:       string(raw),
	}, nil
}

// ---------------------------------------------------------------------------
// log
// ---------------------------------------------------------------------------

// log forwards a permitted log line to the host logger. It never raises:
// a disallowed level is silently dropped.
func (h *Handler) log(guard *permission.Guard, pluginID string, payload json.RawMessage) bool {
	var req struct {
		Level   string          `json:"level"`
		Message string          `json:"message"`
		Meta    json.RawMessage `json:"meta"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return false
	}
	if !guard.CanLogAt(req.Level) {
		return false
	}
	if len(req.Meta) > 0 && string(req.Meta) != "null" {
		h.logger.Printf("[%s] %s: %s %s", pluginID, strings.ToUpper(req.Level), req.Message, req.Meta)
	} else {
		h.logger.Printf("[%s] %s: %s", pluginID, strings.ToUpper(req.Level), req.Message)
	}
	return true
}

// ---------------------------------------------------------------------------
// memory
// ---------------------------------------------------------------------------

func (h *Handler) memoryOp(ctx context.Context, guard *permission.Guard, op string, payload json.RawMessage) (interface{}, error) {
	var req struct {
		Key    string `json:"key"`
		Value  string `json:"value"`
		TTL    int64  `json:"ttl"` // seconds
		Prefix string `json:"prefix"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("bad memory payload: %w", err)
	}

	switch op {
	case "get":
		if err := guard.CheckMemoryRead(req.Key); err != nil {
			return nil, err
		}
		value, ok, err := h.mem.Get(ctx, req.Key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return value, nil

	case "set":
		if err := guard.CheckMemoryWrite(req.Key); err != nil {
			return nil, err
		}
		return true, h.mem.Set(ctx, req.Key, req.Value, time.Duration(req.TTL)*time.Second)

	case "delete":
		if err := guard.CheckMemoryWrite(req.Key); err != nil {
			return nil, err
		}
		return true, h.mem.Delete(ctx, req.Key)

	case "list":
		// an unscoped listing requires the wildcard grant
		checkKey := req.Prefix
		if checkKey == "" {
			checkKey = "*"
		}
		if err := guard.CheckMemoryRead(checkKey); err != nil {
			return nil, err
		}
		return h.mem.List(ctx, req.Prefix, req.Limit)

	case "ttl":
		if err := guard.CheckMemoryRead(req.Key); err != nil {
			return nil, err
		}
		d, err := h.mem.TTL(ctx, req.Key)
		if err != nil {
			return nil, err
		}
		switch d {
		case memory.TTLNone:
			return int64(-1), nil
		case memory.TTLMissing:
			return int64(-2), nil
		}
		return int64(d / time.Second), nil
	}
	return nil, fault.New(fault.CodeUnknownSyscall, "unknown memory op %q", op)
}

// ---------------------------------------------------------------------------
// skills
// ---------------------------------------------------------------------------

func (h *Handler) skillsInvoke(ctx context.Context, guard *permission.Guard, payload json.RawMessage) (interface{}, error) {
	var req struct {
		Skill string                 `json:"skill"`
		Args  map[string]interface{} `json:"args"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("bad skills.invoke payload: %w", err)
	}
	if err := guard.CheckSkill(req.Skill); err != nil {
		return nil, err
	}
	if h.skills == nil {
		return nil, fmt.Errorf("skill pipeline not available")
	}
	return h.skills.InvokeSkill(ctx, req.Skill, req.Args)
}

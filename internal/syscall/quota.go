package syscall

import (
	"sync"
	"time"
)

// Quota defaults: 300 calls per rolling 60-second window, per plugin id.
const (
	DefaultQuotaLimit  = 300
	DefaultQuotaWindow = time.Minute
)

type quotaWindow struct {
	count       int
	windowStart time.Time
}

// Quota is a per-plugin sliding counter. Windows reset lazily on the next
// call after expiry; nothing sweeps in the background because the window set
// is bounded by the number of loaded plugins.
type Quota struct {
	mu      sync.Mutex
	windows map[string]*quotaWindow
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewQuota creates a quota with the given budget. Zero values take the
// defaults.
func NewQuota(limit int, window time.Duration) *Quota {
	if limit <= 0 {
		limit = DefaultQuotaLimit
	}
	if window <= 0 {
		window = DefaultQuotaWindow
	}
	return &Quota{
		windows: make(map[string]*quotaWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow records one call for the plugin and reports whether it is within
// budget.
func (q *Quota) Allow(pluginID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	w, ok := q.windows[pluginID]
	if !ok || now.Sub(w.windowStart) >= q.window {
		q.windows[pluginID] = &quotaWindow{count: 1, windowStart: now}
		return true
	}
	w.count++
	return w.count <= q.limit
}

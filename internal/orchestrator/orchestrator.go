// Package orchestrator owns the loaded plugin set and its worker bridges,
// and composes the staged pipelines that shape each chat request. Every
// pipeline walks the plugins in priority order, skips the ones missing the
// required permission, and interprets the hook's return.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/frontclaw/backend/internal/fault"
	"github.com/frontclaw/backend/internal/permission"
	"github.com/frontclaw/backend/internal/plugin"
)

// HookCaller is the bridge surface the orchestrator drives. The production
// implementation is bridge.Bridge; tests substitute in-memory fakes.
type HookCaller interface {
	PluginID() string
	Record() *plugin.Loaded
	CallHook(ctx context.Context, method string, payload interface{}) (json.RawMessage, error)
	Stop(ctx context.Context)
}

// BridgeFactory builds the bridge for one loaded plugin. The factory owns
// transport construction; the orchestrator only drives lifecycle.
type BridgeFactory func(rec *plugin.Loaded) (HookCaller, error)

// Orchestrator holds the ordered plugin list and one bridge per running
// plugin. Construction is cheap; Start spawns the sandboxes.
type Orchestrator struct {
	discovered []*plugin.Loaded
	factory    BridgeFactory
	logger     *log.Logger

	mu      sync.RWMutex
	order   []*plugin.Loaded      // started plugins, priority order
	bridges map[string]HookCaller // plugin id → bridge
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the component logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New builds an orchestrator over the loaded plugin list. The list must
// already be sorted by priority (plugin.LoadDir guarantees this).
func New(plugins []*plugin.Loaded, factory BridgeFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		discovered: plugins,
		factory:    factory,
		logger:     log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
		bridges:    make(map[string]HookCaller),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start spawns every plugin's sandbox concurrently. A plugin whose sandbox
// fails to come up is not registered; the orchestrator starts without it.
func (o *Orchestrator) Start(ctx context.Context) error {
	type started struct {
		rec    *plugin.Loaded
		bridge HookCaller
	}

	var mu sync.Mutex
	up := make(map[string]started, len(o.discovered))

	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range o.discovered {
		rec := rec
		g.Go(func() error {
			bridge, err := o.startOne(gctx, rec)
			if err != nil {
				o.logger.Printf("plugin %q not registered: %v", rec.Manifest.ID, err)
				return nil
			}
			mu.Lock()
			up[rec.Manifest.ID] = started{rec: rec, bridge: bridge}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.order = o.order[:0]
	for _, rec := range o.discovered {
		if s, ok := up[rec.Manifest.ID]; ok {
			o.order = append(o.order, s.rec)
			o.bridges[rec.Manifest.ID] = s.bridge
		}
	}
	o.logger.Printf("started %d of %d plugins", len(o.order), len(o.discovered))
	return nil
}

type starter interface {
	Start(ctx context.Context) error
}

func (o *Orchestrator) startOne(ctx context.Context, rec *plugin.Loaded) (HookCaller, error) {
	bridge, err := o.factory(rec)
	if err != nil {
		return nil, fmt.Errorf("build bridge: %w", err)
	}
	if s, ok := bridge.(starter); ok {
		if err := s.Start(ctx); err != nil {
			return nil, err
		}
	}
	return bridge, nil
}

// Stop shuts every bridge down concurrently and discards the plugin set.
// Pending hook calls across all bridges settle with WORKER_STOPPED.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	bridges := o.bridges
	o.bridges = make(map[string]HookCaller)
	o.order = nil
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range bridges {
		wg.Add(1)
		go func(b HookCaller) {
			defer wg.Done()
			b.Stop(ctx)
		}(b)
	}
	wg.Wait()
}

// Plugins returns the started plugins in priority order.
func (o *Orchestrator) Plugins() []*plugin.Loaded {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*plugin.Loaded, len(o.order))
	copy(out, o.order)
	return out
}

// active snapshots the started plugins with their bridges, priority order.
func (o *Orchestrator) active() []activePlugin {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]activePlugin, 0, len(o.order))
	for _, rec := range o.order {
		if b, ok := o.bridges[rec.Manifest.ID]; ok {
			out = append(out, activePlugin{rec: rec, bridge: b, guard: permission.NewGuard(rec.Manifest.ID, rec.Manifest.Grants())})
		}
	}
	return out
}

// lookup resolves one started plugin by id.
func (o *Orchestrator) lookup(pluginID string) (activePlugin, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	b, ok := o.bridges[pluginID]
	if !ok {
		return activePlugin{}, fault.New(fault.CodeWorkerStopped, "plugin %q is not running", pluginID)
	}
	for _, rec := range o.order {
		if rec.Manifest.ID == pluginID {
			return activePlugin{rec: rec, bridge: b, guard: permission.NewGuard(pluginID, rec.Manifest.Grants())}, nil
		}
	}
	return activePlugin{}, fault.New(fault.CodeWorkerStopped, "plugin %q is not running", pluginID)
}

type activePlugin struct {
	rec    *plugin.Loaded
	bridge HookCaller
	guard  *permission.Guard
}

func (a activePlugin) id() string { return a.rec.Manifest.ID }

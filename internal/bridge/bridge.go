// Package bridge owns one plugin sandbox: it spawns the worker, performs
// the ready/init handshake, tracks pending calls, and mediates both
// directions of traffic. Hook calls flow host → sandbox; sys-calls flow
// sandbox → host through the syscall handler.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/frontclaw/backend/internal/fault"
	"github.com/frontclaw/backend/internal/monitoring"
	"github.com/frontclaw/backend/internal/plugin"
	"github.com/frontclaw/backend/internal/protocol"
	"github.com/frontclaw/backend/internal/syscall"
)

// Default deadlines. Hook calls are short by contract; sys-calls may reach
// the network and get a longer budget.
const (
	DefaultHookTimeout    = 5 * time.Second
	DefaultReadyTimeout   = 5 * time.Second
	DefaultSyscallTimeout = 30 * time.Second
)

// SyscallHandler services SYS_CALL envelopes arriving from the sandbox.
type SyscallHandler interface {
	Handle(ctx context.Context, caller syscall.Caller, method string, payload json.RawMessage) (interface{}, error)
}

type pendingCall struct {
	ch    chan *protocol.Envelope
	timer *time.Timer
}

// Bridge is the host-side owner of one sandbox. At most one bridge exists
// per plugin id; all pending calls are settled before disposal.
type Bridge struct {
	rec       *plugin.Loaded
	transport Transport
	handler   SyscallHandler
	logger    *log.Logger

	hookTimeout    time.Duration
	readyTimeout   time.Duration
	syscallTimeout time.Duration

	writer *protocol.FrameWriter

	mu      sync.Mutex
	pending map[string]*pendingCall
	stopped bool

	ready        chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once
	done         chan struct{}
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeouts overrides the hook/ready/syscall deadlines; zero fields keep
// their defaults.
func WithTimeouts(hook, ready, syscallT time.Duration) Option {
	return func(b *Bridge) {
		if hook > 0 {
			b.hookTimeout = hook
		}
		if ready > 0 {
			b.readyTimeout = ready
		}
		if syscallT > 0 {
			b.syscallTimeout = syscallT
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// New creates a bridge for the loaded plugin over the given transport.
func New(rec *plugin.Loaded, transport Transport, handler SyscallHandler, opts ...Option) *Bridge {
	b := &Bridge{
		rec:            rec,
		transport:      transport,
		handler:        handler,
		logger:         log.New(log.Writer(), fmt.Sprintf("[BRIDGE %s] ", rec.Manifest.ID), log.LstdFlags),
		hookTimeout:    DefaultHookTimeout,
		readyTimeout:   DefaultReadyTimeout,
		syscallTimeout: DefaultSyscallTimeout,
		pending:        make(map[string]*pendingCall),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PluginID returns the owned plugin's identifier.
func (b *Bridge) PluginID() string { return b.rec.Manifest.ID }

// Record returns the loaded plugin record.
func (b *Bridge) Record() *plugin.Loaded { return b.rec }

// initPayload is the runtime context handed to the sandbox in INIT.
type initPayload struct {
	PluginID    string                 `json:"pluginId"`
	Config      map[string]interface{} `json:"config"`
	Permissions interface{}            `json:"permissions"`
}

// Start spawns the sandbox, waits for SANDBOX_READY bounded by the ready
// timeout, then completes the INIT round-trip bounded by the hook timeout.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.transport.Start(); err != nil {
		return fault.New(fault.CodeInitFailed, "spawn sandbox for %q: %v", b.PluginID(), err)
	}
	b.writer = protocol.NewFrameWriter(b.transport.Writer())
	go b.readLoop()

	select {
	case <-b.ready:
	case <-time.After(b.readyTimeout):
		b.shutdown()
		return fault.New(fault.CodeSandboxReadyTimeout, "sandbox for %q did not signal ready within %s", b.PluginID(), b.readyTimeout)
	case <-ctx.Done():
		b.shutdown()
		return ctx.Err()
	}

	_, err := b.roundTrip(ctx, protocol.TypeInit, "", initPayload{
		PluginID:    b.PluginID(),
		Config:      b.rec.Config,
		Permissions: b.rec.Manifest.Grants(),
	}, b.hookTimeout)
	if err != nil {
		b.shutdown()
		return fault.New(fault.CodeInitFailed, "init of %q failed: %v", b.PluginID(), err)
	}
	return nil
}

// CallHook invokes a named hook in the sandbox. A nil result means the hook
// returned nothing (or is not implemented). Timeouts reject with
// HOOK_TIMEOUT; the worker is left alive and late responses are dropped.
func (b *Bridge) CallHook(ctx context.Context, method string, payload interface{}) (json.RawMessage, error) {
	start := time.Now()
	defer func() {
		monitoring.HookDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()
	return b.roundTrip(ctx, protocol.TypeHook, method, payload, b.hookTimeout)
}

func (b *Bridge) roundTrip(ctx context.Context, t protocol.MessageType, method string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	env, err := protocol.NewRequest(t, method, payload)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{ch: make(chan *protocol.Envelope, 1)}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, fault.New(fault.CodeWorkerStopped, "worker for %q is stopped", b.PluginID())
	}
	b.pending[env.ID] = call
	b.mu.Unlock()

	if err := b.writer.Write(env); err != nil {
		b.unregister(env.ID)
		return nil, fmt.Errorf("write to sandbox %q: %w", b.PluginID(), err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-call.ch:
		if resp == nil {
			return nil, fault.New(fault.CodeWorkerStopped, "worker for %q stopped while call was pending", b.PluginID())
		}
		if resp.Type == protocol.TypeError {
			code, message := fault.CodeHookError, "hook failed"
			if resp.Error != nil {
				if resp.Error.Code != "" {
					code = resp.Error.Code
				}
				message = resp.Error.Message
			}
			return nil, fault.New(code, "%s", message)
		}
		return resp.Result, nil
	case <-timer.C:
		b.unregister(env.ID)
		return nil, fault.New(fault.CodeHookTimeout, "hook %q on plugin %q timed out after %s", method, b.PluginID(), timeout)
	case <-ctx.Done():
		b.unregister(env.ID)
		return nil, ctx.Err()
	}
}

func (b *Bridge) unregister(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// readLoop is the only reader of the transport. It settles responses,
// signals readiness, and fans sys-calls out to the handler.
func (b *Bridge) readLoop() {
	reader := protocol.NewFrameReader(b.transport.Reader())
	var readyOnce sync.Once
	for {
		env, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Printf("read loop ended: %v", err)
			}
			b.failAllPending()
			return
		}

		switch env.Type {
		case protocol.TypeSandboxReady:
			readyOnce.Do(func() { close(b.ready) })

		case protocol.TypeResponse, protocol.TypeError:
			b.mu.Lock()
			call, ok := b.pending[env.ID]
			if ok {
				delete(b.pending, env.ID)
			}
			b.mu.Unlock()
			if ok {
				call.ch <- env
			}
			// late or unknown responses are dropped

		case protocol.TypeSysCall:
			go b.serveSyscall(env)

		default:
			b.logger.Printf("unexpected frame type %q from sandbox", env.Type)
		}
	}
}

// serveSyscall runs one SYS_CALL through the handler and writes the answer.
// Error stacks never cross back: only code and message do.
func (b *Bridge) serveSyscall(env *protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), b.syscallTimeout)
	defer cancel()

	caller := syscall.Caller{PluginID: b.PluginID(), Grants: b.rec.Manifest.Grants()}
	result, err := b.handler.Handle(ctx, caller, env.Method, env.Payload)

	var resp *protocol.Envelope
	if err != nil {
		code := fault.CodeOf(err)
		if code == "" {
			code = fault.CodeHookError
		}
		b.logger.Printf("syscall %s denied/failed: %v", env.Method, err)
		resp = protocol.NewErrorResponse(env.ID, code, fault.MessageOf(err))
	} else {
		resp, err = protocol.NewResponse(env.ID, result)
		if err != nil {
			resp = protocol.NewErrorResponse(env.ID, fault.CodeHookError, "unserializable syscall result")
		}
	}
	resp.StripStack()
	if err := b.writer.Write(resp); err != nil {
		b.logger.Printf("write syscall response: %v", err)
	}
}

// failAllPending settles every pending call with WORKER_STOPPED.
func (b *Bridge) failAllPending() {
	b.mu.Lock()
	b.stopped = true
	pending := b.pending
	b.pending = make(map[string]*pendingCall)
	b.mu.Unlock()

	for _, call := range pending {
		call.ch <- nil
	}
}

// Stop performs a best-effort onUnload hook, cancels all pending calls with
// WORKER_STOPPED, and terminates the worker. Idempotent.
func (b *Bridge) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		unloadCtx, cancel := context.WithTimeout(ctx, b.hookTimeout)
		defer cancel()
		if _, err := b.CallHook(unloadCtx, "onUnload", nil); err != nil {
			b.logger.Printf("onUnload: %v", err)
		}
		b.shutdown()
	})
}

func (b *Bridge) shutdown() {
	b.shutdownOnce.Do(func() {
		b.failAllPending()
		if err := b.transport.Close(); err != nil {
			b.logger.Printf("transport close: %v", err)
		}
		close(b.done)
	})
}

package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frontclaw/backend/internal/fault"
	"github.com/frontclaw/backend/internal/permission"
	"github.com/frontclaw/backend/internal/plugin"
	"github.com/frontclaw/backend/internal/protocol"
	"github.com/frontclaw/backend/internal/syscall"
)

// pipeTransport adapts an in-memory duplex connection so tests can play the
// sandbox side of the protocol without spawning a process.
type pipeTransport struct {
	conn net.Conn
}

func (p *pipeTransport) Start() error     { return nil }
func (p *pipeTransport) Reader() io.Reader { return p.conn }
func (p *pipeTransport) Writer() io.Writer { return p.conn }
func (p *pipeTransport) Close() error      { return p.conn.Close() }

// fakeSandbox drives the far end of the transport: it signals readiness,
// answers INIT, and delegates hook handling to a callback.
type fakeSandbox struct {
	reader *protocol.FrameReader
	writer *protocol.FrameWriter

	mu       sync.Mutex
	initSeen *protocol.Envelope

	// responses receives RESPONSE/ERROR frames arriving from the host,
	// i.e. answers to sys-calls the fake sandbox issued.
	responses chan *protocol.Envelope

	onHook func(env *protocol.Envelope) *protocol.Envelope // nil return = stay silent
}

func startFakeSandbox(t *testing.T, conn net.Conn, sendReady bool) *fakeSandbox {
	t.Helper()
	fs := &fakeSandbox{
		reader:    protocol.NewFrameReader(conn),
		writer:    protocol.NewFrameWriter(conn),
		responses: make(chan *protocol.Envelope, 16),
	}
	go func() {
		if sendReady {
			ready, _ := protocol.NewRequest(protocol.TypeSandboxReady, "", nil)
			fs.writer.Write(ready)
		}
		for {
			env, err := fs.reader.Read()
			if err != nil {
				return
			}
			switch env.Type {
			case protocol.TypeInit:
				fs.mu.Lock()
				fs.initSeen = env
				fs.mu.Unlock()
				resp, _ := protocol.NewResponse(env.ID, true)
				fs.writer.Write(resp)
			case protocol.TypeHook:
				if fs.onHook != nil {
					if resp := fs.onHook(env); resp != nil {
						fs.writer.Write(resp)
					}
				} else {
					resp, _ := protocol.NewResponse(env.ID, nil)
					fs.writer.Write(resp)
				}
			case protocol.TypeResponse, protocol.TypeError:
				fs.responses <- env
			}
		}
	}()
	return fs
}

type recordingHandler struct {
	mu     sync.Mutex
	calls  []string
	result interface{}
	err    error
}

func (r *recordingHandler) Handle(_ context.Context, caller syscall.Caller, method string, payload json.RawMessage) (interface{}, error) {
	r.mu.Lock()
	r.calls = append(r.calls, caller.PluginID+":"+method)
	r.mu.Unlock()
	return r.result, r.err
}

func testRecord(id string) *plugin.Loaded {
	return &plugin.Loaded{
		Manifest: &plugin.Manifest{
			ID: id, Name: id, Version: "1.0.0", Main: "main",
			Permissions: &permission.Grants{},
		},
		Config: map[string]interface{}{"mode": "test"},
	}
}

func newTestBridge(t *testing.T, handler SyscallHandler, sendReady bool) (*Bridge, *fakeSandbox) {
	t.Helper()
	hostSide, sandboxSide := net.Pipe()
	fs := startFakeSandbox(t, sandboxSide, sendReady)
	b := New(testRecord("worker-a"), &pipeTransport{conn: hostSide}, handler,
		WithTimeouts(200*time.Millisecond, 200*time.Millisecond, time.Second),
		WithLogger(log.New(io.Discard, "", 0)))
	return b, fs
}

func TestBridge_StartHandshake(t *testing.T) {
	b, fs := newTestBridge(t, &recordingHandler{}, true)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	fs.mu.Lock()
	init := fs.initSeen
	fs.mu.Unlock()
	require.NotNil(t, init)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(init.Payload, &payload))
	assert.Equal(t, "worker-a", payload["pluginId"])
	assert.Equal(t, map[string]interface{}{"mode": "test"}, payload["config"])
	assert.Contains(t, payload, "permissions")
}

func TestBridge_ReadyTimeout(t *testing.T) {
	b, _ := newTestBridge(t, &recordingHandler{}, false)
	err := b.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.CodeSandboxReadyTimeout, fault.CodeOf(err))
}

func TestBridge_CallHook(t *testing.T) {
	b, fs := newTestBridge(t, &recordingHandler{}, true)
	fs.onHook = func(env *protocol.Envelope) *protocol.Envelope {
		assert.Equal(t, "onPromptReceived", env.Method)
		resp, _ := protocol.NewResponse(env.ID, "rewritten prompt")
		return resp
	}
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	res, err := b.CallHook(context.Background(), "onPromptReceived", map[string]string{"prompt": "hi"})
	require.NoError(t, err)
	var got string
	require.NoError(t, json.Unmarshal(res, &got))
	assert.Equal(t, "rewritten prompt", got)
}

func TestBridge_HookErrorPreservesCode(t *testing.T) {
	b, fs := newTestBridge(t, &recordingHandler{}, true)
	fs.onHook = func(env *protocol.Envelope) *protocol.Envelope {
		if env.Method == "onUnload" {
			resp, _ := protocol.NewResponse(env.ID, nil)
			return resp
		}
		return protocol.NewErrorResponse(env.ID, "SECURITY_VIOLATION", "prompt injection detected")
	}
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	_, err := b.CallHook(context.Background(), "onPromptReceived", nil)
	require.Error(t, err)
	assert.Equal(t, "SECURITY_VIOLATION", fault.CodeOf(err))
	assert.Contains(t, err.Error(), "prompt injection detected")
}

func TestBridge_HookTimeoutAndLateResponseDropped(t *testing.T) {
	var silenced *protocol.Envelope
	var mu sync.Mutex
	b, fs := newTestBridge(t, &recordingHandler{}, true)
	fs.onHook = func(env *protocol.Envelope) *protocol.Envelope {
		if env.Method == "slowHook" {
			mu.Lock()
			silenced = env
			mu.Unlock()
			return nil // never answer in time
		}
		resp, _ := protocol.NewResponse(env.ID, "ok")
		return resp
	}
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	_, err := b.CallHook(context.Background(), "slowHook", nil)
	require.Error(t, err)
	assert.Equal(t, fault.CodeHookTimeout, fault.CodeOf(err))

	// deliver the late response; the bridge must drop it and keep working
	mu.Lock()
	late, _ := protocol.NewResponse(silenced.ID, "too late")
	mu.Unlock()
	require.NoError(t, fs.writer.Write(late))

	res, err := b.CallHook(context.Background(), "fastHook", nil)
	require.NoError(t, err)
	var got string
	require.NoError(t, json.Unmarshal(res, &got))
	assert.Equal(t, "ok", got)
}

func TestBridge_ServesSyscalls(t *testing.T) {
	handler := &recordingHandler{result: map[string]string{"value": "v"}}
	b, fs := newTestBridge(t, handler, true)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	sysReq, err := protocol.NewRequest(protocol.TypeSysCall, "memory.get", map[string]string{"key": "k"})
	require.NoError(t, err)
	require.NoError(t, fs.writer.Write(sysReq))

	select {
	case resp := <-fs.responses:
		require.Equal(t, sysReq.ID, resp.ID)
		assert.Equal(t, protocol.TypeResponse, resp.Type)
		assert.JSONEq(t, `{"value":"v"}`, string(resp.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("no syscall response")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []string{"worker-a:memory.get"}, handler.calls)
}

func TestBridge_SyscallErrorStripsStack(t *testing.T) {
	handler := &recordingHandler{err: fault.New(fault.CodeRateLimited, "too many calls")}
	b, fs := newTestBridge(t, handler, true)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	sysReq, err := protocol.NewRequest(protocol.TypeSysCall, "log", nil)
	require.NoError(t, err)
	require.NoError(t, fs.writer.Write(sysReq))

	select {
	case resp := <-fs.responses:
		require.Equal(t, sysReq.ID, resp.ID)
		assert.Equal(t, protocol.TypeError, resp.Type)
		require.NotNil(t, resp.Error)
		assert.Equal(t, fault.CodeRateLimited, resp.Error.Code)
		assert.Empty(t, resp.Error.Stack)
	case <-time.After(2 * time.Second):
		t.Fatal("no syscall response")
	}
}

func TestBridge_StopCancelsPending(t *testing.T) {
	b, fs := newTestBridge(t, &recordingHandler{}, true)
	fs.onHook = func(env *protocol.Envelope) *protocol.Envelope {
		if env.Method == "onUnload" {
			resp, _ := protocol.NewResponse(env.ID, nil)
			return resp
		}
		return nil // leave hooks hanging
	}
	require.NoError(t, b.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := b.CallHook(context.Background(), "hangingHook", nil)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	b.Stop(context.Background())

	select {
	case err := <-errCh:
		require.Error(t, err)
		code := fault.CodeOf(err)
		assert.Contains(t, []string{fault.CodeWorkerStopped, fault.CodeHookTimeout}, code)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never settled")
	}

	// idempotent, and calls after stop fail fast
	b.Stop(context.Background())
	_, err := b.CallHook(context.Background(), "afterStop", nil)
	assert.Equal(t, fault.CodeWorkerStopped, fault.CodeOf(err))
}

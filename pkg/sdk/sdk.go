// Package sdk is the toolkit plugin authors embed to run inside a frontclaw
// sandbox. A plugin registers hook handlers and calls Serve; the SDK speaks
// the host's framed envelope protocol over stdio and exposes the system-call
// surface (db, fetch, log, memory, skills) through the hook Context.
//
// Quick start:
//
//	func main() {
//	    p := sdk.New()
//	    p.Hook("onPromptReceived", func(ctx *sdk.Context, payload json.RawMessage) (interface{}, error) {
//	        var in struct{ Prompt string `json:"prompt"` }
//	        if err := json.Unmarshal(payload, &in); err != nil {
//	            return nil, err
//	        }
//	        if looksHostile(in.Prompt) {
//	            return nil, sdk.Errorf("SECURITY_VIOLATION", "prompt injection detected")
//	        }
//	        return in.Prompt, nil
//	    })
//	    if err := p.Serve(); err != nil {
//	        os.Exit(1)
//	    }
//	}
package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/frontclaw/backend/internal/protocol"
)

// syscallTimeout bounds one round-trip to the host. The host's own budget is
// 30 seconds; the extra slack keeps the host side the one that decides.
const syscallTimeout = 35 * time.Second

// HookFunc handles one hook invocation. Returning nil means "nothing to
// contribute"; the host treats it as a skip.
type HookFunc func(ctx *Context, payload json.RawMessage) (interface{}, error)

// HookError carries a stable code back to the host. Plain errors are boxed
// as HOOK_ERROR.
type HookError struct {
	ErrCode string
	Message string
}

func (e *HookError) Error() string { return fmt.Sprintf("%s: %s", e.ErrCode, e.Message) }

// Errorf builds a coded hook error.
func Errorf(code, format string, args ...interface{}) *HookError {
	return &HookError{ErrCode: code, Message: fmt.Sprintf(format, args...)}
}

// Intercept wraps a hook return value so the pipeline stops here and uses
// result as its final value.
func Intercept(result interface{}) interface{} {
	return map[string]interface{}{"intercepted": true, "result": result}
}

// ToolOK is a successful executeTool/executeSkill return.
func ToolOK(result interface{}) interface{} {
	return map[string]interface{}{"success": true, "result": result}
}

// ToolError is a failed executeTool/executeSkill return.
func ToolError(message string) interface{} {
	return map[string]interface{}{"success": false, "error": message}
}

// EndRequest terminates the model loop: response becomes the final
// assistant reply.
func EndRequest(response string) interface{} {
	return map[string]interface{}{"success": true, "endRequest": true, "response": response}
}

// Plugin is a hook registry plus the serve loop.
type Plugin struct {
	hooks map[string]HookFunc
}

// New builds an empty plugin.
func New() *Plugin {
	return &Plugin{hooks: make(map[string]HookFunc)}
}

// Hook registers a handler for the named hook. Chaining is allowed.
func (p *Plugin) Hook(name string, fn HookFunc) *Plugin {
	p.hooks[name] = fn
	return p
}

// Serve runs the sandbox side of the protocol over stdin/stdout until the
// host closes the stream. It must be called from main after registration.
func (p *Plugin) Serve() error {
	return p.serve(os.Stdin, os.Stdout)
}

// runtime is the shared connection state: one writer, one pending-call
// table for in-flight syscalls.
type runtime struct {
	writer *protocol.FrameWriter

	mu      sync.Mutex
	pending map[string]chan *protocol.Envelope

	pluginID    string
	config      map[string]interface{}
	permissions json.RawMessage
}

func (p *Plugin) serve(r io.Reader, w io.Writer) error {
	rt := &runtime{
		writer:  protocol.NewFrameWriter(w),
		pending: make(map[string]chan *protocol.Envelope),
	}

	ready, err := protocol.NewRequest(protocol.TypeSandboxReady, "", nil)
	if err != nil {
		return err
	}
	if err := rt.writer.Write(ready); err != nil {
		return fmt.Errorf("signal ready: %w", err)
	}

	reader := protocol.NewFrameReader(r)
	for {
		env, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		switch env.Type {
		case protocol.TypeInit:
			p.handleInit(rt, env)
		case protocol.TypeHook:
			go p.dispatch(rt, env)
		case protocol.TypeResponse, protocol.TypeError:
			rt.settle(env)
		}
	}
}

// handleInit captures the runtime identity inline, before any later frame is
// read, then finishes the handshake in a goroutine: an onLoad hook may issue
// syscalls, and their responses are only delivered while the read loop is
// free to keep reading.
func (p *Plugin) handleInit(rt *runtime, env *protocol.Envelope) {
	var init struct {
		PluginID    string                 `json:"pluginId"`
		Config      map[string]interface{} `json:"config"`
		Permissions json.RawMessage        `json:"permissions"`
	}
	if err := json.Unmarshal(env.Payload, &init); err != nil {
		rt.writer.Write(protocol.NewErrorResponse(env.ID, "INIT_FAILED", "malformed init payload"))
		return
	}
	rt.pluginID = init.PluginID
	rt.config = init.Config
	rt.permissions = init.Permissions

	go func() {
		if fn, ok := p.hooks["onLoad"]; ok {
			if _, err := fn(&Context{rt: rt}, env.Payload); err != nil {
				rt.writer.Write(protocol.NewErrorResponse(env.ID, "INIT_FAILED", err.Error()))
				return
			}
		}
		resp, _ := protocol.NewResponse(env.ID, true)
		rt.writer.Write(resp)
	}()
}

func (p *Plugin) dispatch(rt *runtime, env *protocol.Envelope) {
	fn, ok := p.hooks[env.Method]
	if !ok {
		resp, _ := protocol.NewResponse(env.ID, nil)
		rt.writer.Write(resp)
		return
	}

	result, err := fn(&Context{rt: rt}, env.Payload)
	if err != nil {
		code := "HOOK_ERROR"
		var he *HookError
		if errors.As(err, &he) {
			code = he.ErrCode
		}
		rt.writer.Write(protocol.NewErrorResponse(env.ID, code, err.Error()))
		return
	}

	resp, merr := protocol.NewResponse(env.ID, result)
	if merr != nil {
		rt.writer.Write(protocol.NewErrorResponse(env.ID, "HOOK_ERROR", "unserializable hook result"))
		return
	}
	rt.writer.Write(resp)
}

// call performs one syscall round-trip.
func (rt *runtime) call(method string, payload interface{}) (json.RawMessage, error) {
	env, err := protocol.NewRequest(protocol.TypeSysCall, method, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Envelope, 1)
	rt.mu.Lock()
	rt.pending[env.ID] = ch
	rt.mu.Unlock()

	if err := rt.writer.Write(env); err != nil {
		rt.unregister(env.ID)
		return nil, fmt.Errorf("write syscall: %w", err)
	}

	timer := time.NewTimer(syscallTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Type == protocol.TypeError {
			code, message := "HOOK_ERROR", "syscall failed"
			if resp.Error != nil {
				code, message = resp.Error.Code, resp.Error.Message
			}
			return nil, &HookError{ErrCode: code, Message: message}
		}
		return resp.Result, nil
	case <-timer.C:
		rt.unregister(env.ID)
		return nil, fmt.Errorf("syscall %q timed out", method)
	}
}

func (rt *runtime) settle(env *protocol.Envelope) {
	rt.mu.Lock()
	ch, ok := rt.pending[env.ID]
	if ok {
		delete(rt.pending, env.ID)
	}
	rt.mu.Unlock()
	if ok {
		ch <- env
	}
}

func (rt *runtime) unregister(id string) {
	rt.mu.Lock()
	delete(rt.pending, id)
	rt.mu.Unlock()
}

// Package protocol defines the wire envelope exchanged between the host and
// a plugin sandbox. The envelope is the only shape that crosses the trust
// boundary: no shared memory, no native handles, no stack traces.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType tags each envelope with its role in the conversation.
type MessageType string

const (
	TypeHook         MessageType = "HOOK"          // host → sandbox: invoke a named hook
	TypeSysCall      MessageType = "SYS_CALL"      // sandbox → host: request an effectful operation
	TypeResponse     MessageType = "RESPONSE"      // answer to a HOOK or SYS_CALL, success path
	TypeError        MessageType = "ERROR"         // answer to a HOOK or SYS_CALL, failure path
	TypeInit         MessageType = "INIT"          // host → sandbox: runtime context handoff
	TypeSandboxReady MessageType = "SANDBOX_READY" // sandbox → host: handshake signal
)

// WireError is the only error shape allowed across the trust boundary.
// Stack is populated only in development mode and is stripped by the bridge
// before a frame leaves the host.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Envelope is one framed message. Requests carry Method and Payload;
// responses echo the request id and carry Result or Error.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
}

// NewRequest builds a request envelope of the given type with a fresh
// cryptographic id. Payload is marshaled in place; a nil payload is legal.
func NewRequest(t MessageType, method string, payload interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		Method:    method,
		Payload:   raw,
	}, nil
}

// NewResponse builds the success answer to a request.
func NewResponse(requestID string, result interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{
		ID:        requestID,
		Type:      TypeResponse,
		Timestamp: time.Now().UnixMilli(),
		Result:    raw,
	}, nil
}

// NewErrorResponse builds the failure answer to a request. Callers that
// forward host errors must strip the stack first; StripStack is idempotent.
func NewErrorResponse(requestID, code, message string) *Envelope {
	return &Envelope{
		ID:        requestID,
		Type:      TypeError,
		Timestamp: time.Now().UnixMilli(),
		Error:     &WireError{Code: code, Message: message},
	}
}

// StripStack removes development-mode stack text before the envelope is
// written to the other side of the boundary.
func (e *Envelope) StripStack() {
	if e.Error != nil {
		e.Error.Stack = ""
	}
}

// IsResponse reports whether the envelope answers a pending request.
func (e *Envelope) IsResponse() bool {
	return e.Type == TypeResponse || e.Type == TypeError
}

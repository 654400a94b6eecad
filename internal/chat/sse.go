package chat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// SSEStream frames server-sent events over an HTTP response. The stream is
// closed exactly once; sends after Close are silent no-ops, so a plugin hook
// finishing after the client went away cannot corrupt anything.
type SSEStream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
}

// NewSSEStream prepares the response for event streaming. It fails when the
// writer cannot flush incrementally.
func NewSSEStream(w http.ResponseWriter) (*SSEStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEStream{w: w, flusher: flusher}, nil
}

// Send writes one "event: <name>\ndata: <json>\n\n" frame and flushes.
func (s *SSEStream) Send(event string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, raw)
	s.flusher.Flush()
}

// Close marks the stream done. Idempotent.
func (s *SSEStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Emitter receives the incremental events of one chat request.
type Emitter interface {
	Meta(conversationID, userMessageID string)
	Delta(text string)
	ToolStart(name string, args map[string]interface{}, startedAt int64)
	ToolResult(name, source string, durationMs int64, preview string)
	ToolError(name string, durationMs int64, message string)
}

// NopEmitter discards every event. The non-streaming JSON path uses it.
type NopEmitter struct{}

func (NopEmitter) Meta(string, string)                             {}
func (NopEmitter) Delta(string)                                    {}
func (NopEmitter) ToolStart(string, map[string]interface{}, int64) {}
func (NopEmitter) ToolResult(string, string, int64, string)        {}
func (NopEmitter) ToolError(string, int64, string)                 {}

// SSEEmitter forwards driver events onto an SSE stream.
type SSEEmitter struct {
	Stream *SSEStream
}

func (e *SSEEmitter) Meta(conversationID, userMessageID string) {
	e.Stream.Send("meta", map[string]string{
		"conversationId": conversationID,
		"userMessageId":  userMessageID,
	})
}

func (e *SSEEmitter) Delta(text string) {
	e.Stream.Send("delta", map[string]string{"text": text})
}

func (e *SSEEmitter) ToolStart(name string, args map[string]interface{}, startedAt int64) {
	e.Stream.Send("tool_start", map[string]interface{}{
		"toolName":  name,
		"args":      args,
		"startedAt": startedAt,
	})
}

func (e *SSEEmitter) ToolResult(name, source string, durationMs int64, preview string) {
	e.Stream.Send("tool_result", map[string]interface{}{
		"toolName":   name,
		"source":     source,
		"durationMs": durationMs,
		"result":     preview,
	})
}

func (e *SSEEmitter) ToolError(name string, durationMs int64, message string) {
	e.Stream.Send("tool_error", map[string]interface{}{
		"toolName":   name,
		"durationMs": durationMs,
		"message":    message,
	})
}

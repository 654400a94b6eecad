package chat

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEStream_Framing(t *testing.T) {
	rec := httptest.NewRecorder()
	stream, err := NewSSEStream(rec)
	require.NoError(t, err)

	stream.Send("meta", map[string]string{"conversationId": "c-1"})
	stream.Send("delta", map[string]string{"text": "hi"})
	stream.Close()

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: meta\ndata: {\"conversationId\":\"c-1\"}\n\n")
	assert.Contains(t, body, "event: delta\ndata: {\"text\":\"hi\"}\n\n")
}

func TestSSEStream_SendAfterCloseIsNoop(t *testing.T) {
	rec := httptest.NewRecorder()
	stream, err := NewSSEStream(rec)
	require.NoError(t, err)

	stream.Close()
	stream.Close() // idempotent
	before := rec.Body.Len()
	stream.Send("delta", map[string]string{"text": "late"})
	assert.Equal(t, before, rec.Body.Len())
}

func TestSSEEmitter_ForwardsEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	stream, err := NewSSEStream(rec)
	require.NoError(t, err)
	e := &SSEEmitter{Stream: stream}

	e.Meta("c-1", "m-1")
	e.Delta("chunk")
	e.ToolStart("c__search", map[string]interface{}{"q": "x"}, 123)
	e.ToolResult("c__search", "tool", 45, "preview")
	e.ToolError("c__broken", 12, "boom")
	stream.Close()

	body := rec.Body.String()
	for _, event := range []string{"event: meta", "event: delta", "event: tool_start", "event: tool_result", "event: tool_error"} {
		assert.Contains(t, body, event)
	}
	assert.Contains(t, body, `"userMessageId":"m-1"`)
	assert.Contains(t, body, `"toolName":"c__search"`)
}

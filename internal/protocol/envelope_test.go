package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		env, err := NewRequest(TypeHook, "onPromptReceived", map[string]string{"prompt": "hi"})
		require.NoError(t, err)
		assert.False(t, seen[env.ID], "request ids must not collide")
		seen[env.ID] = true
	}
}

func TestResponseEchoesID(t *testing.T) {
	req, err := NewRequest(TypeSysCall, "db.query", nil)
	require.NoError(t, err)

	resp, err := NewResponse(req.ID, map[string]int{"rows": 3})
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, TypeResponse, resp.Type)
	assert.True(t, resp.IsResponse())

	errResp := NewErrorResponse(req.ID, "PERMISSION_DENIED", "table not allowed")
	assert.Equal(t, req.ID, errResp.ID)
	assert.Equal(t, TypeError, errResp.Type)
	assert.True(t, errResp.IsResponse())
}

func TestStripStack(t *testing.T) {
	env := NewErrorResponse("abc", "HOOK_ERROR", "boom")
	env.Error.Stack = "goroutine 1 [running]: ..."
	env.StripStack()
	assert.Empty(t, env.Error.Stack)
	// idempotent
	env.StripStack()
	assert.Empty(t, env.Error.Stack)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	r := NewFrameReader(&buf)

	first, err := NewRequest(TypeHook, "getTools", nil)
	require.NoError(t, err)
	second, err := NewRequest(TypeSysCall, "memory.get", map[string]string{"key": "profile:42"})
	require.NoError(t, err)

	require.NoError(t, w.Write(first))
	require.NoError(t, w.Write(second))

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, TypeHook, got.Type)
	assert.Equal(t, "getTools", got.Method)

	got, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.JSONEq(t, `{"key":"profile:42"}`, string(got.Payload))
}

func TestFrameReader_CleanEOF(t *testing.T) {
	r := NewFrameReader(bytes.NewReader(nil))
	_, err := r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReader_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	r := NewFrameReader(&buf)
	_, err := r.Read()
	assert.ErrorContains(t, err, "frame too large")
}

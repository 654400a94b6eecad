package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{
			name:   "plain sentence",
			prompt: "How do I configure the memory backend?",
			want:   "How do I configure the memory backend",
		},
		{
			name:   "prefers first sentence",
			prompt: "Explain goroutine leaks. Then show me an example with channels and timers.",
			want:   "Explain goroutine leaks",
		},
		{
			name:   "short first sentence is skipped",
			prompt: "Hi. Can you summarize the last deployment incident for me?",
			want:   "Hi. Can you summarize the last deployment incident for me",
		},
		{
			name:   "strips code fences",
			prompt: "Fix this:\n```go\nfunc main() { panic(\"x\") }\n```\nplease and explain the root cause",
			want:   "Fix this: please and explain the root cause",
		},
		{
			name:   "strips markdown and links",
			prompt: "**Compare** [the docs](https://example.com/docs) with _the RFC_ at https://example.com/rfc",
			want:   "Compare the docs with the RFC at",
		},
		{
			name:   "empty after stripping",
			prompt: "```\ncode only\n```",
			want:   "New conversation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveTitle(tt.prompt))
		})
	}
}

func TestDeriveTitle_CapsLength(t *testing.T) {
	long := strings.Repeat("wordy ", 60) // no sentence boundary
	got := DeriveTitle(long)
	assert.LessOrEqual(t, len([]rune(got)), 150)
	assert.NotEmpty(t, got)
	assert.False(t, strings.HasSuffix(got, " "))
}

// Package llm defines the provider contract the chat driver consumes: a
// non-streaming completion and a delta-stream completion with tool calling.
// Provider internals (vendor SDKs, retries, auth) stay behind this interface.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
}

// ToolCall is a model-requested tool invocation. Arguments is the raw JSON
// string exactly as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec advertises one callable tool to the model. Names are already
// namespaced ("pluginId__localName") by the orchestrator.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is one completion request.
type Request struct {
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// ToolOutcome is what the executor reports back for one tool call. An
// EndRequest outcome terminates the model loop and makes Response the final
// assistant reply (the control envelope, as a named variant rather than a
// magic field).
type ToolOutcome struct {
	Success    bool
	Result     interface{}
	Error      string
	Source     string // "tool" or "skill"
	EndRequest bool
	Response   string
}

// ToolExecutor runs one tool call on behalf of the model.
type ToolExecutor func(ctx context.Context, name string, args map[string]interface{}) ToolOutcome

// Callbacks carries the streaming hooks for one request.
type Callbacks struct {
	// OnDelta receives each text fragment in order. May be nil.
	OnDelta func(text string)
	// Execute services tool calls. Required when Request.Tools is non-empty.
	Execute ToolExecutor
}

// Result is the terminal state of one completion.
type Result struct {
	// Text is the final assistant text (empty when the model only called
	// tools and produced no prose).
	Text string
	// EndRequest is set when a tool outcome terminated the loop; Text then
	// holds the tool-chosen reply.
	EndRequest bool
	// ToolRounds counts model→tool→model iterations that ran.
	ToolRounds int
}

// Provider is the LLM client contract.
type Provider interface {
	// Complete performs a single non-streaming completion without tools.
	Complete(ctx context.Context, req Request) (*Result, error)
	// Stream performs a completion, delivering deltas and running the tool
	// loop through the callbacks until the model stops calling tools, a tool
	// ends the request, or the round limit is hit.
	Stream(ctx context.Context, req Request, cb Callbacks) (*Result, error)
}

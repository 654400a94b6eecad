package orchestrator

import (
	"encoding/json"
	"strings"
)

// Status tags the outcome of an interceptable pipeline.
type Status string

const (
	// StatusContinued means every plugin ran (or was skipped) and the carried
	// value is the final transformed one.
	StatusContinued Status = "continued"
	// StatusIntercepted means a plugin replaced the pipeline's final value
	// and suppressed the remaining plugins.
	StatusIntercepted Status = "intercepted"
	// StatusFailed means a plugin aborted the pipeline with an error.
	StatusFailed Status = "failed"
)

// PromptResult is the outcome of the prompt pipeline.
type PromptResult struct {
	Status Status
	// Prompt carries the transformed prompt when Status is StatusContinued.
	Prompt string
	// Response carries the final reply text when Status is StatusIntercepted.
	Response string
	// PluginID names the intercepting or failing plugin.
	PluginID string
	Code     string
	Message  string
}

// MessagesResult is the outcome of the before-LLM pipeline.
type MessagesResult struct {
	Status   Status
	Messages []PipelineMessage
	Response string
	PluginID string
	Code     string
	Message  string
}

// PipelineMessage is the conversation-turn shape the pipelines pass to
// plugins. It mirrors the provider message but stays wire-friendly.
type PipelineMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// interceptEnvelope is the explicit wire tag a hook returns to intercept a
// pipeline.
type interceptEnvelope struct {
	Intercepted bool            `json:"intercepted"`
	Result      json.RawMessage `json:"result"`
}

// decodeIntercept reports whether raw is an intercept envelope and returns
// the carried result when it is.
func decodeIntercept(raw json.RawMessage) (json.RawMessage, bool) {
	if isNull(raw) {
		return nil, false
	}
	var env interceptEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || !env.Intercepted {
		return nil, false
	}
	return env.Result, true
}

// isNull reports whether a hook returned nothing.
func isNull(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	return strings.TrimSpace(string(raw)) == "null"
}

// rawToText renders an intercept result as reply text: JSON strings are
// unwrapped, anything else is kept as compact JSON.
func rawToText(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

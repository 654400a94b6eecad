package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/frontclaw/backend/internal/fault"
	"github.com/frontclaw/backend/internal/llm"
	"github.com/frontclaw/backend/internal/monitoring"
	"github.com/frontclaw/backend/internal/orchestrator"
)

const (
	defaultSystemPrompt = "You are a helpful assistant."
	defaultHistoryLimit = 50
	toolPreviewLimit    = 400
)

// Code for a missing conversation; the HTTP layer maps it to 404.
const CodeConversationNotFound = "CONVERSATION_NOT_FOUND"

// Pipelines is the orchestrator surface the driver consumes; tests fake it.
type Pipelines interface {
	ProcessPrompt(ctx context.Context, prompt string) orchestrator.PromptResult
	TransformSystemMessage(ctx context.Context, msg string) string
	BeforeLLMCall(ctx context.Context, messages []orchestrator.PipelineMessage) orchestrator.MessagesResult
	AfterLLMCall(ctx context.Context, response string) string
	CollectTools(ctx context.Context) []llm.ToolSpec
	CollectSkills(ctx context.Context) []llm.ToolSpec
	Execute(ctx context.Context, name string, args map[string]interface{}) llm.ToolOutcome
}

// PipelineError is a request aborted by a plugin. It keeps the plugin id so
// the HTTP layer can report blockedBy.
type PipelineError struct {
	BlockedBy string
	ErrCode   string
	Message   string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: plugin %q: %s", e.ErrCode, e.BlockedBy, e.Message)
}

// Code implements fault.Coder.
func (e *PipelineError) Code() string { return e.ErrCode }

// Request is one inbound chat request.
type Request struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	ProfileID      string `json:"profileId,omitempty"`
	Title          string `json:"title,omitempty"`
	SystemPrompt   string `json:"systemPrompt,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
}

// ToolCallRecord summarizes one executed tool or skill for the done event
// and message metadata.
type ToolCallRecord struct {
	Name       string `json:"name"`
	Source     string `json:"source"`
	DurationMs int64  `json:"durationMs"`
	Success    bool   `json:"success"`
	Preview    string `json:"preview,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Result is the terminal state of one chat request.
type Result struct {
	ConversationID     string           `json:"conversationId"`
	UserMessageID      string           `json:"userMessageId"`
	AssistantMessageID string           `json:"assistantMessageId"`
	Response           string           `json:"response"`
	InterceptedBy      string           `json:"interceptedBy,omitempty"`
	ToolCalls          []ToolCallRecord `json:"toolCalls,omitempty"`
	Tools              []string         `json:"tools,omitempty"`
	Skills             []string         `json:"skills,omitempty"`
}

// Driver runs the end-to-end chat flow of one request.
type Driver struct {
	pipelines    Pipelines
	provider     llm.Provider
	store        ConversationStore
	logger       *log.Logger
	systemPrompt string
	historyLimit int
	maxTokens    int
	temperature  float64
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithSystemPrompt sets the base system prompt.
func WithSystemPrompt(p string) DriverOption {
	return func(d *Driver) {
		if p != "" {
			d.systemPrompt = p
		}
	}
}

// WithCompletionLimits sets the per-request token cap and temperature.
func WithCompletionLimits(maxTokens int, temperature float64) DriverOption {
	return func(d *Driver) {
		d.maxTokens = maxTokens
		d.temperature = temperature
	}
}

// WithHistoryLimit caps how many stored messages are replayed to the model.
func WithHistoryLimit(n int) DriverOption {
	return func(d *Driver) {
		if n > 0 {
			d.historyLimit = n
		}
	}
}

// WithDriverLogger overrides the component logger.
func WithDriverLogger(l *log.Logger) DriverOption {
	return func(d *Driver) { d.logger = l }
}

// NewDriver wires the chat flow together.
func NewDriver(pipelines Pipelines, provider llm.Provider, store ConversationStore, opts ...DriverOption) *Driver {
	d := &Driver{
		pipelines:    pipelines,
		provider:     provider,
		store:        store,
		logger:       log.New(log.Writer(), "[CHAT] ", log.LstdFlags),
		systemPrompt: defaultSystemPrompt,
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes one chat request, emitting incremental events as it goes.
// Pipeline aborts surface as *PipelineError; a missing conversation as a
// CONVERSATION_NOT_FOUND coded error.
func (d *Driver) Run(ctx context.Context, req Request, emit Emitter) (result *Result, err error) {
	defer func() {
		outcome := "ok"
		switch {
		case err != nil && fault.CodeOf(err) == fault.CodePermissionDenied:
			outcome = "blocked"
		case err != nil:
			if _, blocked := err.(*PipelineError); blocked {
				outcome = "blocked"
			} else {
				outcome = "error"
			}
		case result != nil && result.InterceptedBy != "":
			outcome = "intercepted"
		}
		monitoring.ChatRequests.WithLabelValues(outcome).Inc()
	}()

	conv, history, err := d.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	userMsgID, err := d.store.Append(ctx, &Message{
		ConversationID: conv.ID,
		Role:           llm.RoleUser,
		Content:        req.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	emit.Meta(conv.ID, userMsgID)

	promptRes := d.pipelines.ProcessPrompt(ctx, req.Message)
	if promptRes.Status == orchestrator.StatusFailed {
		return nil, &PipelineError{BlockedBy: promptRes.PluginID, ErrCode: promptRes.Code, Message: promptRes.Message}
	}

	if conv.Title == "" {
		title := DeriveTitle(req.Message)
		if err := d.store.SetTitle(ctx, conv.ID, title); err != nil {
			d.logger.Printf("set title for %s: %v", conv.ID, err)
		}
	}

	if promptRes.Status == orchestrator.StatusIntercepted {
		return d.finishIntercepted(ctx, conv.ID, userMsgID, promptRes.Response, promptRes.PluginID)
	}
	prompt := promptRes.Prompt

	tools := d.pipelines.CollectTools(ctx)
	skills := d.pipelines.CollectSkills(ctx)
	advertised := append(append([]llm.ToolSpec{}, tools...), skills...)

	system := d.systemPrompt
	if req.SystemPrompt != "" {
		system = req.SystemPrompt
	}
	system += advertisedToolsBlock(advertised)
	system = d.pipelines.TransformSystemMessage(ctx, system)

	pipelineMsgs := make([]orchestrator.PipelineMessage, 0, len(history)+2)
	pipelineMsgs = append(pipelineMsgs, orchestrator.PipelineMessage{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		if m.Role == llm.RoleUser || m.Role == llm.RoleAssistant {
			pipelineMsgs = append(pipelineMsgs, orchestrator.PipelineMessage{Role: m.Role, Content: m.Content})
		}
	}
	pipelineMsgs = append(pipelineMsgs, orchestrator.PipelineMessage{Role: llm.RoleUser, Content: prompt})

	beforeRes := d.pipelines.BeforeLLMCall(ctx, pipelineMsgs)
	switch beforeRes.Status {
	case orchestrator.StatusFailed:
		return nil, &PipelineError{BlockedBy: beforeRes.PluginID, ErrCode: beforeRes.Code, Message: beforeRes.Message}
	case orchestrator.StatusIntercepted:
		return d.finishIntercepted(ctx, conv.ID, userMsgID, beforeRes.Response, beforeRes.PluginID)
	}

	llmReq := llm.Request{
		Messages:    toProviderMessages(beforeRes.Messages),
		Tools:       advertised,
		MaxTokens:   d.maxTokens,
		Temperature: d.temperature,
	}

	var (
		recordsMu sync.Mutex
		records   []ToolCallRecord
	)
	executor := func(ctx context.Context, name string, args map[string]interface{}) llm.ToolOutcome {
		start := time.Now()
		emit.ToolStart(name, args, start.UnixMilli())
		out := d.pipelines.Execute(ctx, name, args)
		duration := time.Since(start).Milliseconds()

		rec := ToolCallRecord{Name: name, Source: out.Source, DurationMs: duration, Success: out.Success || out.EndRequest}
		if rec.Success {
			rec.Preview = previewOf(out)
			emit.ToolResult(name, out.Source, duration, rec.Preview)
		} else {
			rec.Error = out.Error
			emit.ToolError(name, duration, out.Error)
		}
		recordsMu.Lock()
		records = append(records, rec)
		recordsMu.Unlock()
		return out
	}

	streamRes, err := d.provider.Stream(ctx, llmReq, llm.Callbacks{
		OnDelta: emit.Delta,
		Execute: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("llm stream: %w", err)
	}

	finalText := streamRes.Text
	if !streamRes.EndRequest && finalText == "" && len(records) > 0 {
		finalText, err = d.synthesize(ctx, llmReq.Messages, records)
		if err != nil {
			return nil, fmt.Errorf("synthesis call: %w", err)
		}
	}

	finalText = d.pipelines.AfterLLMCall(ctx, finalText)

	var metadata map[string]interface{}
	if len(records) > 0 {
		metadata = map[string]interface{}{"toolCalls": records}
	}
	assistantID, err := d.store.Append(ctx, &Message{
		ConversationID: conv.ID,
		Role:           llm.RoleAssistant,
		Content:        finalText,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}

	return &Result{
		ConversationID:     conv.ID,
		UserMessageID:      userMsgID,
		AssistantMessageID: assistantID,
		Response:           finalText,
		ToolCalls:          records,
		Tools:              specNames(tools),
		Skills:             specNames(skills),
	}, nil
}

// resolveConversation loads or creates the conversation and returns the
// history as of before this request's user message.
func (d *Driver) resolveConversation(ctx context.Context, req Request) (*Conversation, []Message, error) {
	if req.ConversationID != "" {
		conv, err := d.store.Get(ctx, req.ConversationID)
		if err != nil {
			return nil, nil, fmt.Errorf("load conversation: %w", err)
		}
		if conv == nil {
			return nil, nil, fault.New(CodeConversationNotFound, "conversation %q not found", req.ConversationID)
		}
		history, err := d.store.History(ctx, conv.ID, d.historyLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("load history: %w", err)
		}
		return conv, history, nil
	}
	conv, err := d.store.Create(ctx, req.Title, req.ProfileID)
	if err != nil {
		return nil, nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil, nil
}

// finishIntercepted persists the intercepting plugin's reply as the
// assistant message and short-circuits the request.
func (d *Driver) finishIntercepted(ctx context.Context, convID, userMsgID, response, pluginID string) (*Result, error) {
	assistantID, err := d.store.Append(ctx, &Message{
		ConversationID: convID,
		Role:           llm.RoleAssistant,
		Content:        response,
		Metadata:       map[string]interface{}{"interceptedBy": pluginID},
	})
	if err != nil {
		return nil, fmt.Errorf("persist intercepted reply: %w", err)
	}
	return &Result{
		ConversationID:     convID,
		UserMessageID:      userMsgID,
		AssistantMessageID: assistantID,
		Response:           response,
		InterceptedBy:      pluginID,
	}, nil
}

// synthesize runs a follow-up non-streaming completion when the model
// executed tools but produced no prose.
func (d *Driver) synthesize(ctx context.Context, messages []llm.Message, records []ToolCallRecord) (string, error) {
	outputs, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	followUp := append(append([]llm.Message{}, messages...),
		llm.Message{Role: llm.RoleAssistant, Content: "(tool calls executed)"},
		llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
			"The following tools were executed with these results:\n%s\nProduce the final answer for the user based on these results.", outputs)},
	)
	res, err := d.provider.Complete(ctx, llm.Request{Messages: followUp, MaxTokens: d.maxTokens, Temperature: d.temperature})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// advertisedToolsBlock renders the tool list appended to the system prompt.
func advertisedToolsBlock(specs []llm.ToolSpec) string {
	if len(specs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nYou can call the following tools when they help answer the user:\n")
	for _, s := range specs {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	return b.String()
}

func toProviderMessages(msgs []orchestrator.PipelineMessage) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func specNames(specs []llm.ToolSpec) []string {
	if len(specs) == 0 {
		return nil
	}
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// previewOf renders a tool outcome preview capped at 400 characters.
func previewOf(out llm.ToolOutcome) string {
	var text string
	switch {
	case out.EndRequest:
		text = out.Response
	case out.Result == nil:
		return ""
	default:
		raw, err := json.Marshal(out.Result)
		if err != nil {
			return ""
		}
		text = string(raw)
	}
	runes := []rune(text)
	if len(runes) > toolPreviewLimit {
		return string(runes[:toolPreviewLimit])
	}
	return text
}

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/frontclaw/backend/internal/fault"
	"github.com/frontclaw/backend/internal/llm"
	"github.com/frontclaw/backend/internal/monitoring"
)

// ---------------------------------------------------------------------------
// Prompt pipelines
// ---------------------------------------------------------------------------

// ProcessPrompt walks plugins with llm.can_modify_prompt, letting each
// rewrite the prompt. A plugin may intercept, which suppresses the rest of
// the pipeline and the LLM call; a thrown error aborts the request.
func (o *Orchestrator) ProcessPrompt(ctx context.Context, prompt string) PromptResult {
	for _, p := range o.active() {
		if !p.guard.CanModifyPrompt() {
			continue
		}
		raw, err := p.bridge.CallHook(ctx, "onPromptReceived", map[string]string{"prompt": prompt})
		if err != nil {
			monitoring.PipelineFailures.WithLabelValues("processPrompt", p.id()).Inc()
			return PromptResult{Status: StatusFailed, PluginID: p.id(), Code: failureCode(err), Message: fault.MessageOf(err)}
		}
		if result, ok := decodeIntercept(raw); ok {
			return PromptResult{Status: StatusIntercepted, Response: rawToText(result), PluginID: p.id()}
		}
		if isNull(raw) {
			continue
		}
		var next string
		if err := json.Unmarshal(raw, &next); err == nil && next != "" {
			prompt = next
		}
	}
	return PromptResult{Status: StatusContinued, Prompt: prompt}
}

// TransformSystemMessage walks plugins with llm.can_modify_system_message.
// This pipeline cannot fail: hook errors are logged and the plugin skipped.
func (o *Orchestrator) TransformSystemMessage(ctx context.Context, msg string) string {
	for _, p := range o.active() {
		if !p.guard.CanModifySystemMessage() {
			continue
		}
		raw, err := p.bridge.CallHook(ctx, "transformSystemMessage", map[string]string{"message": msg})
		if err != nil {
			o.logger.Printf("transformSystemMessage: plugin %q skipped: %v", p.id(), err)
			continue
		}
		var next string
		if err := json.Unmarshal(raw, &next); err == nil && next != "" {
			msg = next
		}
	}
	return msg
}

// BeforeLLMCall walks plugins with llm.can_intercept_task over the assembled
// message list. Interception works like ProcessPrompt.
func (o *Orchestrator) BeforeLLMCall(ctx context.Context, messages []PipelineMessage) MessagesResult {
	for _, p := range o.active() {
		if !p.guard.CanInterceptTask() {
			continue
		}
		raw, err := p.bridge.CallHook(ctx, "beforeLLMCall", map[string]interface{}{"messages": messages})
		if err != nil {
			monitoring.PipelineFailures.WithLabelValues("beforeLLMCall", p.id()).Inc()
			return MessagesResult{Status: StatusFailed, PluginID: p.id(), Code: failureCode(err), Message: fault.MessageOf(err)}
		}
		if result, ok := decodeIntercept(raw); ok {
			return MessagesResult{Status: StatusIntercepted, Response: rawToText(result), PluginID: p.id()}
		}
		if isNull(raw) {
			continue
		}
		var next []PipelineMessage
		if err := json.Unmarshal(raw, &next); err == nil && len(next) > 0 {
			messages = next
		}
	}
	return MessagesResult{Status: StatusContinued, Messages: messages}
}

// AfterLLMCall walks plugins with llm.can_modify_response, letting each
// rewrite the assistant text. Hook errors are logged and skipped.
func (o *Orchestrator) AfterLLMCall(ctx context.Context, response string) string {
	for _, p := range o.active() {
		if !p.guard.CanModifyResponse() {
			continue
		}
		raw, err := p.bridge.CallHook(ctx, "afterLLMCall", map[string]string{"response": response})
		if err != nil {
			o.logger.Printf("afterLLMCall: plugin %q skipped: %v", p.id(), err)
			continue
		}
		var next string
		if err := json.Unmarshal(raw, &next); err == nil && next != "" {
			response = next
		}
	}
	return response
}

// ---------------------------------------------------------------------------
// Tools and skills
// ---------------------------------------------------------------------------

// hookCapability is the wire shape of one declared tool or skill.
type hookCapability struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// hookToolResult is the wire shape a tool or skill execution returns. The
// end-request variant terminates the model loop with Response as the final
// assistant reply.
type hookToolResult struct {
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	EndRequest bool            `json:"endRequest,omitempty"`
	Response   string          `json:"response,omitempty"`
}

// CollectTools asks every plugin for its tools and namespaces each as
// "pluginId__localName". Hook errors drop that plugin's tools only.
func (o *Orchestrator) CollectTools(ctx context.Context) []llm.ToolSpec {
	var specs []llm.ToolSpec
	for _, p := range o.active() {
		raw, err := p.bridge.CallHook(ctx, "getTools", nil)
		if err != nil || isNull(raw) {
			if err != nil {
				o.logger.Printf("getTools: plugin %q skipped: %v", p.id(), err)
			}
			continue
		}
		var caps []hookCapability
		if err := json.Unmarshal(raw, &caps); err != nil {
			o.logger.Printf("getTools: plugin %q returned malformed tools: %v", p.id(), err)
			continue
		}
		for _, c := range caps {
			if c.Name == "" {
				continue
			}
			specs = append(specs, llm.ToolSpec{
				Name:        p.id() + "__" + c.Name,
				Description: c.Description,
				Parameters:  c.Parameters,
			})
		}
	}
	return specs
}

// CollectSkills is like CollectTools but each declared skill must also be
// covered by its own plugin's skill grant.
func (o *Orchestrator) CollectSkills(ctx context.Context) []llm.ToolSpec {
	var specs []llm.ToolSpec
	for _, p := range o.active() {
		raw, err := p.bridge.CallHook(ctx, "getSkills", nil)
		if err != nil || isNull(raw) {
			if err != nil {
				o.logger.Printf("getSkills: plugin %q skipped: %v", p.id(), err)
			}
			continue
		}
		var caps []hookCapability
		if err := json.Unmarshal(raw, &caps); err != nil {
			o.logger.Printf("getSkills: plugin %q returned malformed skills: %v", p.id(), err)
			continue
		}
		for _, c := range caps {
			if c.Name == "" || p.guard.CheckSkill(c.Name) != nil {
				continue
			}
			specs = append(specs, llm.ToolSpec{
				Name:        p.id() + "__" + c.Name,
				Description: c.Description,
				Parameters:  c.Parameters,
			})
		}
	}
	return specs
}

// ExecuteTool routes a namespaced tool call to its owning plugin.
func (o *Orchestrator) ExecuteTool(ctx context.Context, fullName string, args map[string]interface{}) llm.ToolOutcome {
	return o.executeCapability(ctx, "tool", "executeTool", fullName, args)
}

// ExecuteSkill routes a namespaced skill call to its owning plugin after a
// grant check against the owner's own skill list.
func (o *Orchestrator) ExecuteSkill(ctx context.Context, fullName string, args map[string]interface{}) llm.ToolOutcome {
	return o.executeCapability(ctx, "skill", "executeSkill", fullName, args)
}

func (o *Orchestrator) executeCapability(ctx context.Context, source, hook, fullName string, args map[string]interface{}) llm.ToolOutcome {
	fail := func(msg string) llm.ToolOutcome {
		monitoring.ToolInvocations.WithLabelValues(source, "error").Inc()
		return llm.ToolOutcome{Success: false, Error: msg, Source: source}
	}

	pluginID, local, err := splitNamespaced(fullName)
	if err != nil {
		return fail(err.Error())
	}
	p, err := o.lookup(pluginID)
	if err != nil {
		return fail(err.Error())
	}
	if source == "skill" {
		if err := p.guard.CheckSkill(local); err != nil {
			return fail(err.Error())
		}
	}

	payload := map[string]interface{}{"args": args}
	if source == "skill" {
		payload["skill"] = local
	} else {
		payload["tool"] = local
	}
	raw, err := p.bridge.CallHook(ctx, hook, payload)
	if err != nil {
		return fail(fault.MessageOf(err))
	}
	if isNull(raw) {
		return fail(fmt.Sprintf("%s %q is not implemented by plugin %q", source, local, pluginID))
	}

	var res hookToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fail(fmt.Sprintf("malformed %s result from plugin %q", source, pluginID))
	}
	if res.EndRequest {
		monitoring.ToolInvocations.WithLabelValues(source, "end_request").Inc()
		return llm.ToolOutcome{Success: true, Source: source, EndRequest: true, Response: res.Response}
	}
	if !res.Success {
		return fail(res.Error)
	}

	monitoring.ToolInvocations.WithLabelValues(source, "ok").Inc()
	var value interface{}
	if !isNull(res.Result) {
		if err := json.Unmarshal(res.Result, &value); err != nil {
			value = string(res.Result)
		}
	}
	return llm.ToolOutcome{Success: true, Result: value, Source: source}
}

// Execute is the tool-executor handed to the LLM driver: skills win over
// tools of the same name, and either may end the request.
func (o *Orchestrator) Execute(ctx context.Context, name string, args map[string]interface{}) llm.ToolOutcome {
	if out := o.ExecuteSkill(ctx, name, args); out.Success || out.EndRequest {
		return out
	}
	return o.ExecuteTool(ctx, name, args)
}

// InvokeSkill re-enters the skill pipeline on behalf of a sandbox syscall.
// It implements syscall.SkillInvoker.
func (o *Orchestrator) InvokeSkill(ctx context.Context, skillName string, args map[string]interface{}) (interface{}, error) {
	out := o.ExecuteSkill(ctx, skillName, args)
	if out.EndRequest {
		// a nested skill cannot end the outer request; hand back its text
		return out.Response, nil
	}
	if !out.Success {
		return nil, fault.New(fault.CodeHookError, "%s", out.Error)
	}
	return out.Result, nil
}

// splitNamespaced splits "pluginId__localName" on the first "__".
func splitNamespaced(fullName string) (pluginID, local string, err error) {
	idx := strings.Index(fullName, "__")
	if idx <= 0 || idx+2 >= len(fullName) {
		return "", "", fmt.Errorf("name %q is not namespaced as pluginId__name", fullName)
	}
	return fullName[:idx], fullName[idx+2:], nil
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

// Search invokes onSearch in priority order and returns the first non-empty
// result set. Hook errors are logged and skipped.
func (o *Orchestrator) Search(ctx context.Context, options map[string]interface{}) []json.RawMessage {
	for _, p := range o.active() {
		raw, err := p.bridge.CallHook(ctx, "onSearch", options)
		if err != nil {
			o.logger.Printf("onSearch: plugin %q skipped: %v", p.id(), err)
			continue
		}
		if isNull(raw) {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			o.logger.Printf("onSearch: plugin %q returned malformed results: %v", p.id(), err)
			continue
		}
		if len(items) > 0 {
			return items
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Plugin HTTP routes
// ---------------------------------------------------------------------------

// HTTPRequest is the request shape forwarded to onHTTPRequest. Path is the
// sub-path after the plugin mount prefix was stripped.
type HTTPRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPResponse is what a plugin route returns.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

var defaultSecurityHeaders = map[string]string{
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'",
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "no-referrer",
}

// RouteHTTPRequest resolves the plugin, checks its api grant against the
// request, calls onHTTPRequest, and fills in the default security headers
// for any name the plugin did not set itself (case-insensitive).
func (o *Orchestrator) RouteHTTPRequest(ctx context.Context, pluginID string, req HTTPRequest) (*HTTPResponse, error) {
	p, err := o.lookup(pluginID)
	if err != nil {
		return nil, err
	}
	if err := p.guard.CheckAPIRoute(req.Method, req.Path); err != nil {
		return nil, err
	}

	raw, err := p.bridge.CallHook(ctx, "onHTTPRequest", req)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, fault.New(fault.CodeHookError, "plugin %q did not answer the request", pluginID)
	}
	var resp HTTPResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.New(fault.CodeHookError, "plugin %q returned a malformed response", pluginID)
	}
	if resp.Status == 0 {
		resp.Status = 200
	}
	if resp.Headers == nil {
		resp.Headers = make(map[string]string, len(defaultSecurityHeaders))
	}
	for name, value := range defaultSecurityHeaders {
		if !hasHeaderFold(resp.Headers, name) {
			resp.Headers[name] = value
		}
	}
	return &resp, nil
}

func hasHeaderFold(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Socket pipelines
// ---------------------------------------------------------------------------

// SocketMessageResult is the outcome of the socket message pipeline. Data
// carries the (possibly rewritten) payload on the continued path.
type SocketMessageResult struct {
	Status   Status
	Data     json.RawMessage
	Response json.RawMessage
	PluginID string
	Code     string
	Message  string
}

// SocketConnect fans the connect event out to every plugin with a socket
// grant covering it. Fan-out hooks cannot fail the pipeline.
func (o *Orchestrator) SocketConnect(ctx context.Context, socketID string) {
	o.socketFanOut(ctx, "onSocketConnect", socketID)
}

// SocketDisconnect fans the disconnect event out.
func (o *Orchestrator) SocketDisconnect(ctx context.Context, socketID string) {
	o.socketFanOut(ctx, "onSocketDisconnect", socketID)
}

func (o *Orchestrator) socketFanOut(ctx context.Context, hook, socketID string) {
	for _, p := range o.active() {
		if p.rec.Manifest.Grants().Socket == nil {
			continue
		}
		if _, err := p.bridge.CallHook(ctx, hook, map[string]string{"socketId": socketID}); err != nil {
			o.logger.Printf("%s: plugin %q: %v", hook, p.id(), err)
		}
	}
}

// SocketMessage runs the interception-style message pipeline, filtered by
// each plugin's can_intercept flag and declared event list.
func (o *Orchestrator) SocketMessage(ctx context.Context, socketID, event string, data json.RawMessage) SocketMessageResult {
	for _, p := range o.active() {
		if !p.guard.CanInterceptSocket() || !p.guard.SocketEventAllowed(event) {
			continue
		}
		raw, err := p.bridge.CallHook(ctx, "onSocketMessage", map[string]interface{}{
			"socketId": socketID,
			"event":    event,
			"data":     data,
		})
		if err != nil {
			monitoring.PipelineFailures.WithLabelValues("socketMessage", p.id()).Inc()
			return SocketMessageResult{Status: StatusFailed, PluginID: p.id(), Code: failureCode(err), Message: fault.MessageOf(err)}
		}
		if result, ok := decodeIntercept(raw); ok {
			return SocketMessageResult{Status: StatusIntercepted, Response: result, PluginID: p.id()}
		}
		if !isNull(raw) {
			data = raw
		}
	}
	return SocketMessageResult{Status: StatusContinued, Data: data}
}

// failureCode maps a hook error to its stable code, defaulting to HOOK_ERROR
// for plugin-thrown errors that carry none.
func failureCode(err error) string {
	if code := fault.CodeOf(err); code != "" {
		return code
	}
	return fault.CodeHookError
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/frontclaw/backend/internal/chat"
	"github.com/frontclaw/backend/internal/fault"
	"github.com/frontclaw/backend/internal/orchestrator"
	"github.com/frontclaw/backend/internal/permission"
)

const maxPluginBodyBytes = 1 << 20

// errorBody is the JSON error shape of the REST surface.
type errorBody struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	BlockedBy string `json:"blockedBy,omitempty"`
}

// chatBody is the non-streaming chat response; optional fields are omitted
// when empty.
type chatBody struct {
	Success        bool                  `json:"success"`
	ConversationID string                `json:"conversationId"`
	Response       string                `json:"response"`
	InterceptedBy  string                `json:"interceptedBy,omitempty"`
	Tools          []string              `json:"tools,omitempty"`
	Skills         []string              `json:"skills,omitempty"`
	ToolCalls      []chat.ToolCallRecord `json:"toolCalls,omitempty"`
	Messages       chatMessageIDs        `json:"messages"`
}

type chatMessageIDs struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// chatDoneBody is the terminal SSE event of a streamed chat.
type chatDoneBody struct {
	ConversationID     string                `json:"conversationId"`
	UserMessageID      string                `json:"userMessageId"`
	AssistantMessageID string                `json:"assistantMessageId"`
	Response           string                `json:"response"`
	InterceptedBy      string                `json:"interceptedBy,omitempty"`
	ToolCalls          []chat.ToolCallRecord `json:"toolCalls,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "invalid request body", Code: "BAD_REQUEST"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "message must not be empty", Code: "BAD_REQUEST"})
		return
	}

	if req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.handleChatStream(w, r, req)
		return
	}

	result, err := s.driver.Run(r.Context(), req, chat.NopEmitter{})
	if err != nil {
		status, body := chatErrorBody(err)
		if status >= 500 {
			s.logger.Printf("chat request failed: %v", err)
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, chatBody{
		Success:        true,
		ConversationID: result.ConversationID,
		Response:       result.Response,
		InterceptedBy:  result.InterceptedBy,
		Tools:          result.Tools,
		Skills:         result.Skills,
		ToolCalls:      result.ToolCalls,
		Messages: chatMessageIDs{
			User:      result.UserMessageID,
			Assistant: result.AssistantMessageID,
		},
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, req chat.Request) {
	stream, err := chat.NewSSEStream(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "streaming unsupported", Code: "INTERNAL"})
		return
	}
	defer stream.Close()

	result, err := s.driver.Run(r.Context(), req, &chat.SSEEmitter{Stream: stream})
	if err != nil {
		status, body := chatErrorBody(err)
		if status >= 500 {
			s.logger.Printf("chat stream failed: %v", err)
		}
		stream.Send("error", body)
		return
	}
	stream.Send("done", chatDoneBody{
		ConversationID:     result.ConversationID,
		UserMessageID:      result.UserMessageID,
		AssistantMessageID: result.AssistantMessageID,
		Response:           result.Response,
		InterceptedBy:      result.InterceptedBy,
		ToolCalls:          result.ToolCalls,
	})
}

// chatErrorBody maps a driver error to its HTTP status and wire shape. Only
// coded messages reach the client; internals are logged server-side.
func chatErrorBody(err error) (int, errorBody) {
	var pe *chat.PipelineError
	if errors.As(err, &pe) {
		return http.StatusForbidden, errorBody{Message: pe.Message, Code: pe.ErrCode, BlockedBy: pe.BlockedBy}
	}
	switch fault.CodeOf(err) {
	case chat.CodeConversationNotFound:
		return http.StatusNotFound, errorBody{Message: fault.MessageOf(err), Code: chat.CodeConversationNotFound}
	case fault.CodePermissionDenied:
		body := errorBody{Message: fault.MessageOf(err), Code: fault.CodePermissionDenied}
		var perr *permission.Error
		if errors.As(err, &perr) {
			body.BlockedBy = perr.PluginID
		}
		return http.StatusForbidden, body
	}
	return http.StatusInternalServerError, errorBody{Message: "internal error", Code: "INTERNAL"}
}

// handlePluginRoute forwards /api/v1/p/{pluginId}/* to the plugin's
// onHTTPRequest hook, with the mount prefix stripped from the path.
func (s *Server) handlePluginRoute(w http.ResponseWriter, r *http.Request) {
	pluginID := mux.Vars(r)["pluginId"]
	prefix := "/api/v1/p/" + pluginID
	subPath := strings.TrimPrefix(r.URL.Path, prefix)
	if subPath == "" {
		subPath = "/"
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPluginBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "unreadable request body", Code: "BAD_REQUEST"})
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	query := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}

	resp, err := s.router.RouteHTTPRequest(r.Context(), pluginID, orchestrator.HTTPRequest{
		Method:  r.Method,
		Path:    subPath,
		Query:   query,
		Headers: headers,
		Body:    string(body),
	})
	if err != nil {
		switch fault.CodeOf(err) {
		case fault.CodePermissionDenied:
			writeJSON(w, http.StatusForbidden, errorBody{Message: fault.MessageOf(err), Code: fault.CodePermissionDenied, BlockedBy: pluginID})
		case fault.CodeWorkerStopped:
			writeJSON(w, http.StatusNotFound, errorBody{Message: fault.MessageOf(err), Code: "PLUGIN_NOT_FOUND"})
		default:
			s.logger.Printf("plugin route %s %s: %v", r.Method, r.URL.Path, err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Message: "plugin request failed", Code: fault.CodeHookError})
		}
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	io.WriteString(w, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

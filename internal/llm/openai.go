package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// maxToolRounds bounds the model→tool→model loop for one request.
const maxToolRounds = 8

// OpenAIProvider implements Provider against any OpenAI-compatible chat
// completions endpoint.
type OpenAIProvider struct {
	client oai.Client
	model  string
}

// NewOpenAIProvider builds a provider. baseURL may be empty for the default
// endpoint; any OpenAI-compatible server works.
func NewOpenAIProvider(apiKey, model, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Result, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}
	return &Result{Text: resp.Choices[0].Message.Content}, nil
}

// Stream implements Provider. Each round streams deltas through cb.OnDelta;
// accumulated tool calls are executed through cb.Execute and their outputs
// fed back as tool messages until the model stops asking.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request, cb Callbacks) (*Result, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	finalText := ""
	for round := 0; round < maxToolRounds; round++ {
		text, toolCalls, err := p.streamRound(ctx, params, cb)
		if err != nil {
			return nil, err
		}
		if text != "" {
			finalText = text
		}
		if len(toolCalls) == 0 {
			return &Result{Text: finalText, ToolRounds: round}, nil
		}

		// echo the assistant turn with its tool calls, then the outputs
		asst := oai.ChatCompletionAssistantMessageParam{}
		if text != "" {
			asst.Content.OfString = oai.String(text)
		}
		for _, tc := range toolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		params.Messages = append(params.Messages, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})

		for _, tc := range toolCalls {
			if cb.Execute == nil {
				return nil, fmt.Errorf("openai: model called tool %q but no executor is wired", tc.Name)
			}
			args := map[string]interface{}{}
			if tc.Arguments != "" {
				// tolerate malformed arguments; the tool sees an empty map
				_ = json.Unmarshal([]byte(tc.Arguments), &args)
			}
			outcome := cb.Execute(ctx, tc.Name, args)
			if outcome.EndRequest {
				return &Result{Text: outcome.Response, EndRequest: true, ToolRounds: round + 1}, nil
			}
			params.Messages = append(params.Messages, oai.ToolMessage(toolOutputJSON(outcome), tc.ID))
		}
	}
	return &Result{Text: finalText, ToolRounds: maxToolRounds}, nil
}

// streamRound runs one streaming completion, returning the text and any
// accumulated tool calls.
func (p *OpenAIProvider) streamRound(ctx context.Context, params oai.ChatCompletionNewParams, cb Callbacks) (string, []ToolCall, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	text := ""
	accum := map[int]*ToolCall{}
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text += delta.Content
			if cb.OnDelta != nil {
				cb.OnDelta(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := int(tc.Index)
			existing, ok := accum[idx]
			if !ok {
				existing = &ToolCall{}
				accum[idx] = existing
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			existing.Arguments += tc.Function.Arguments
		}
	}
	if err := stream.Err(); err != nil {
		return "", nil, fmt.Errorf("openai: stream: %w", err)
	}

	var toolCalls []ToolCall
	for i := 0; i < len(accum); i++ {
		if tc, ok := accum[i]; ok {
			toolCalls = append(toolCalls, *tc)
		}
	}
	return text, toolCalls, nil
}

func (p *OpenAIProvider) buildParams(req Request) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return params, nil
}

func convertMessage(m Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case RoleUser:
		return oai.UserMessage(m.Content), nil
	case RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	case RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

// toolOutputJSON renders a tool outcome for the model.
func toolOutputJSON(o ToolOutcome) string {
	payload := map[string]interface{}{"success": o.Success}
	if o.Success {
		payload["result"] = o.Result
	} else {
		payload["error"] = o.Error
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return `{"success":false,"error":"unserializable tool result"}`
	}
	return string(raw)
}

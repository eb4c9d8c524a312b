package perception

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// OpenAIClient implements types.LLMClient over the OpenAI chat completions
// API. A custom BaseURL points it at any OpenAI-compatible server.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client from config, filling defaults.
func NewOpenAIClient(cfg ClientConfig) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		model:  model,
	}
}

// Complete sends a bare prompt and returns the completion text.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a system + user prompt pair.
func (c *OpenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	thread := types.Thread{}
	if systemPrompt != "" {
		thread = append(thread, types.Message{Role: types.RoleSystem, Content: systemPrompt})
	}
	thread = append(thread, types.Message{Role: types.RoleUser, Content: userPrompt})

	resp, err := c.CompleteThread(ctx, types.CompletionRequest{Thread: thread})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// CompleteThread sends a full thread with optional tool schemas.
func (c *OpenAIClient) CompleteThread(ctx context.Context, req types.CompletionRequest) (*types.LLMToolResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}

	oreq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    buildOpenAIMessages(req.Thread),
		Temperature: float32(req.Temperature),
		Stop:        req.Stop,
	}
	if req.MaxTokens > 0 {
		oreq.MaxTokens = req.MaxTokens
	}
	for _, t := range req.Tools {
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	if req.ResponseFormat != nil {
		oreq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	logging.APIDebug("[openai] CompleteThread model=%s messages=%d tools=%d", model, len(oreq.Messages), len(oreq.Tools))

	oresp, err := c.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return nil, fmt.Errorf("%w: openai: %v", ErrProvider, err)
	}
	if len(oresp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai returned no choices", ErrProvider)
	}

	choice := oresp.Choices[0]
	out := &types.LLMToolResponse{
		Text:         choice.Message.Content,
		FinishReason: mapOpenAIFinishReason(choice.FinishReason),
		Model:        oresp.Model,
		Usage: types.UsageMetadata{
			PromptTokens:     oresp.Usage.PromptTokens,
			CompletionTokens: oresp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("%w: malformed tool arguments for %s: %v", ErrProvider, tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: args,
		})
	}

	logging.API("[openai] completed in %v text_len=%d tool_calls=%d finish=%s",
		time.Since(start), len(out.Text), len(out.ToolCalls), choice.FinishReason)
	return out, nil
}

func buildOpenAIMessages(thread types.Thread) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(thread))
	for _, m := range thread {
		om := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case types.RoleSystem:
			om.Role = openai.ChatMessageRoleSystem
		case types.RoleAssistant:
			om.Role = openai.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Input)
				om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
		case types.RoleTool:
			om.Role = openai.ChatMessageRoleTool
			om.Name = m.Name
			om.ToolCallID = m.ToolCallID
		default:
			om.Role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, om)
	}
	return msgs
}

func mapOpenAIFinishReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonStop:
		return types.FinishEndTurn
	case openai.FinishReasonLength:
		return types.FinishMaxTokens
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return types.FinishToolUse
	case openai.FinishReasonContentFilter:
		return types.FinishSafety
	default:
		return types.FinishOther
	}
}

package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// AnthropicClient implements types.LLMClient against the Anthropic messages
// API. The adapter is hand-rolled over net/http; there is no official SDK
// dependency to carry for one endpoint.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig(apiKey string) ClientConfig {
	return ClientConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.anthropic.com/v1",
		Model:   "claude-sonnet-4-5",
		Timeout: 60 * time.Second,
	}
}

// NewAnthropicClient creates a client from config, filling defaults.
func NewAnthropicClient(cfg ClientConfig) *AnthropicClient {
	def := DefaultAnthropicConfig(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Complete sends a bare prompt and returns the completion text.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a system + user prompt pair.
func (c *AnthropicClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.CompleteThread(ctx, types.CompletionRequest{
		Thread: types.Thread{
			{Role: types.RoleSystem, Content: systemPrompt},
			{Role: types.RoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// CompleteThread sends a full thread with optional tool schemas.
func (c *AnthropicClient) CompleteThread(ctx context.Context, req types.CompletionRequest) (*types.LLMToolResponse, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	start := time.Now()
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: anthropic API key not configured", ErrProvider)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		StopSeqs:    req.Stop,
	}
	body.System, body.Messages = buildAnthropicMessages(req.Thread)
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrProvider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrProvider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	logging.APIDebug("[anthropic] CompleteThread model=%s messages=%d tools=%d", model, len(body.Messages), len(body.Tools))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrProvider, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrProvider, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, httpResp.StatusCode, string(respBody))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrProvider, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrProvider, parsed.Error.Message)
	}

	out := &types.LLMToolResponse{
		FinishReason: mapAnthropicStopReason(parsed.StopReason),
		Model:        parsed.Model,
		Usage: types.UsageMetadata{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	out.Text = strings.TrimSpace(text.String())

	logging.API("[anthropic] completed in %v text_len=%d tool_calls=%d stop=%s",
		time.Since(start), len(out.Text), len(out.ToolCalls), parsed.StopReason)
	return out, nil
}

// buildAnthropicMessages converts a thread to the wire shape: system prompts
// are lifted into the top-level system field, tool results become
// tool_result blocks inside user messages.
func buildAnthropicMessages(thread types.Thread) (string, []anthropicMessage) {
	var system strings.Builder
	var msgs []anthropicMessage

	for _, m := range thread {
		switch m.Role {
		case types.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case types.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				msgs = append(msgs, anthropicMessage{Role: "assistant", Content: m.Content})
				continue
			}
			var blocks []anthropicContentBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Input,
				})
			}
			msgs = append(msgs, anthropicMessage{Role: "assistant", Content: blocks})
		case types.RoleTool:
			msgs = append(msgs, anthropicMessage{Role: "user", Content: []anthropicContentBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}}})
		default:
			msgs = append(msgs, anthropicMessage{Role: "user", Content: m.Content})
		}
	}
	return system.String(), msgs
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return types.FinishEndTurn
	case "max_tokens":
		return types.FinishMaxTokens
	case "tool_use":
		return types.FinishToolUse
	default:
		return types.FinishOther
	}
}

package perception

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// GeminiClient implements types.LLMClient over the google genai SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a client from config, filling defaults.
func NewGeminiClient(ctx context.Context, cfg ClientConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key not configured", ErrProvider)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("%w: create gemini client: %v", ErrProvider, err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Complete sends a bare prompt and returns the completion text.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a system + user prompt pair.
func (c *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
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
func (c *GeminiClient) CompleteThread(ctx context.Context, req types.CompletionRequest) (*types.LLMToolResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}

	contents, system := buildGeminiContents(req.Thread)
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if len(req.Stop) > 0 {
		config.StopSequences = req.Stop
	}
	for _, t := range req.Tools {
		config.Tools = append(config.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGeminiSchema(t.InputSchema),
			}},
		})
	}
	if req.ResponseFormat != nil {
		config.ResponseMIMEType = "application/json"
		if req.ResponseFormat.Schema != nil {
			config.ResponseSchema = toGeminiSchema(req.ResponseFormat.Schema)
		}
	}

	logging.APIDebug("[gemini] CompleteThread model=%s contents=%d tools=%d", model, len(contents), len(config.Tools))

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: %v", ErrProvider, err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: gemini returned no candidates", ErrProvider)
	}

	candidate := resp.Candidates[0]
	out := &types.LLMToolResponse{
		FinishReason: mapGeminiFinishReason(candidate.FinishReason),
		Model:        model,
	}
	if resp.UsageMetadata != nil {
		out.Usage = types.UsageMetadata{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				out.ToolCalls = append(out.ToolCalls, types.ToolCall{
					ID:    part.FunctionCall.ID,
					Name:  part.FunctionCall.Name,
					Input: part.FunctionCall.Args,
				})
			}
		}
	}
	out.Text = strings.TrimSpace(text.String())
	if len(out.ToolCalls) > 0 && out.FinishReason == types.FinishEndTurn {
		out.FinishReason = types.FinishToolUse
	}

	logging.API("[gemini] completed in %v text_len=%d tool_calls=%d finish=%s",
		time.Since(start), len(out.Text), len(out.ToolCalls), candidate.FinishReason)
	return out, nil
}

// buildGeminiContents converts a thread to genai contents; system prompts
// are concatenated into the system instruction.
func buildGeminiContents(thread types.Thread) ([]*genai.Content, string) {
	var system strings.Builder
	var contents []*genai.Content

	for _, m := range thread {
		switch m.Role {
		case types.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case types.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: tc.Input,
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}
		case types.RoleTool:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{
				FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.Name,
					Response: map[string]any{"result": m.Content},
				},
			}}})
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, system.String()
}

// toGeminiSchema converts a JSON schema map to the genai schema type.
func toGeminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGeminiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

func mapGeminiFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return types.FinishEndTurn
	case genai.FinishReasonMaxTokens:
		return types.FinishMaxTokens
	case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
		return types.FinishSafety
	default:
		return types.FinishOther
	}
}

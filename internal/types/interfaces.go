package types

import (
	"context"
)

// =============================================================================
// LLM ADAPTER CONTRACT
// =============================================================================

// Finish reasons normalized across providers.
const (
	FinishEndTurn   = "end_turn"
	FinishMaxTokens = "max_tokens"
	FinishToolUse   = "tool_use"
	FinishSafety    = "safety"
	FinishOther     = "other"
)

// ResponseFormat requests structured output from providers that support it.
type ResponseFormat struct {
	Type   string         `json:"type"` // "json_schema"
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
}

// CompletionRequest is the provider-neutral request shape. Adapters translate
// it to their wire format.
type CompletionRequest struct {
	Model          string           `json:"model,omitempty"`
	Thread         Thread           `json:"thread"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	Temperature    float64          `json:"temperature,omitempty"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	ResponseFormat *ResponseFormat  `json:"response_format,omitempty"`
	Stop           []string         `json:"stop,omitempty"`
}

// UsageMetadata captures token usage metrics from the LLM.
type UsageMetadata struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt + completion tokens.
func (u UsageMetadata) Total() int { return u.PromptTokens + u.CompletionTokens }

// LLMToolResponse contains both text response and tool calls from the LLM.
type LLMToolResponse struct {
	Text         string        `json:"text"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	FinishReason string        `json:"finish_reason"`
	Usage        UsageMetadata `json:"usage"`
	Model        string        `json:"model,omitempty"`
}

// LLMClient defines the interface for LLM providers. All methods forward the
// context to the provider adapter so cancellation reaches the wire.
type LLMClient interface {
	// Complete sends a bare prompt and returns the text response.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSystem sends a system + user prompt pair.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// CompleteThread sends a full thread with optional tool schemas and
	// structured-output format. This is the call the executor and task loop
	// use; Complete and CompleteWithSystem are conveniences over it.
	CompleteThread(ctx context.Context, req CompletionRequest) (*LLMToolResponse, error)
}

// =============================================================================
// TOOL SERVER CONTRACT
// =============================================================================

// ToolDefinition describes a tool that the LLM can invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"` // JSON Schema for parameters
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolInvoker is the consumed tool-server contract: discovery once at
// startup, string-result invocation per call.
type ToolInvoker interface {
	// Discover returns the tool catalog keyed by tool name.
	Discover(ctx context.Context) (map[string]ToolDefinition, error)

	// Invoke runs a tool and returns the content for the tool message body.
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

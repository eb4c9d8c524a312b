package perception

import (
	"context"
	"fmt"
	"sync"

	"cortex/internal/types"
)

// MockClient is a scripted LLM client for tests and offline runs. Responses
// are consumed in order; when the script runs out the last response repeats.
type MockClient struct {
	mu        sync.Mutex
	responses []*types.LLMToolResponse
	requests  []types.CompletionRequest
	err       error
}

// NewMockClient creates a mock that answers every call with text.
func NewMockClient(text string) *MockClient {
	return &MockClient{responses: []*types.LLMToolResponse{{
		Text:         text,
		FinishReason: types.FinishEndTurn,
	}}}
}

// NewScriptedClient creates a mock that plays through the given responses.
func NewScriptedClient(responses ...*types.LLMToolResponse) *MockClient {
	return &MockClient{responses: responses}
}

// Fail makes every subsequent call return err.
func (c *MockClient) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Requests returns a copy of every request seen so far.
func (c *MockClient) Requests() []types.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.CompletionRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

// Calls returns how many completions were requested.
func (c *MockClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Complete implements types.LLMClient.
func (c *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem implements types.LLMClient.
func (c *MockClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
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

// CompleteThread implements types.LLMClient.
func (c *MockClient) CompleteThread(ctx context.Context, req types.CompletionRequest) (*types.LLMToolResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)

	if c.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, c.err)
	}
	if len(c.responses) == 0 {
		return &types.LLMToolResponse{Text: "", FinishReason: types.FinishEndTurn}, nil
	}

	idx := len(c.requests) - 1
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	resp := *c.responses[idx]
	return &resp, nil
}

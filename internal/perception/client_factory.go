package perception

import (
	"context"
	"fmt"

	"cortex/internal/config"
	"cortex/internal/logging"
	"cortex/internal/types"
)

// NewClient builds the LLM client named by config. The mock provider needs
// no credentials and answers with canned text; it keeps the pipeline usable
// offline.
func NewClient(ctx context.Context, cfg config.LLMConfig) (types.LLMClient, error) {
	cc := ClientConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
	}

	logging.Boot("creating LLM client provider=%s model=%s", cfg.Provider, cfg.Model)

	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIClient(cc), nil
	case "anthropic":
		return NewAnthropicClient(cc), nil
	case "gemini":
		return NewGeminiClient(ctx, cc)
	case "mock":
		return NewMockClient("Understood."), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

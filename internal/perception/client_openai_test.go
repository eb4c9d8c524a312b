package perception

import (
	"testing"
	"time"
)

func TestNewOpenAIClient_Defaults(t *testing.T) {
	c := NewOpenAIClient(ClientConfig{APIKey: "test-key"})
	if c == nil || c.client == nil {
		t.Fatal("client not constructed")
	}
	if c.model == "" {
		t.Error("model default not applied")
	}
}

func TestNewOpenAIClient_TimeoutAndBaseURL(t *testing.T) {
	c := NewOpenAIClient(ClientConfig{
		APIKey:  "test-key",
		Model:   "gpt-4o",
		BaseURL: "http://localhost:8080/v1",
		Timeout: 30 * time.Second,
	})
	if c.model != "gpt-4o" {
		t.Errorf("model = %q", c.model)
	}
}

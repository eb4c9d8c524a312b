package types

import "time"

// =============================================================================
// MESSAGE THREAD
// =============================================================================

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Semantic tags attached to composed messages so external consumers can
// navigate the thread without parsing prompt text.
const (
	TagFrame           = "frame"
	TagSystem          = "system-instruction"
	TagTaskAlignment   = "task-alignment"
	TagPrimary         = "primary"
	TagTee             = "tee"
	TagInput           = "input"
	TagContinue        = "continue"
	TagToolResult      = "tool-result"
	TagToolDenial      = "tool-denial"
	TagSynthesisPrompt = "synthesis-prompt"
)

// Message is one entry in a conversation thread.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Name       string     `json:"name,omitempty"`         // tool name for role=tool messages
	ToolCallID string     `json:"tool_call_id,omitempty"` // id of the call a tool message answers
	Tag        string     `json:"tag,omitempty"`          // semantic position tag
}

// Thread is an ordered sequence of messages.
type Thread []Message

// LastUser returns the most recent user message content, or "" when the
// thread has none.
func (t Thread) LastUser() string {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role == RoleUser {
			return t[i].Content
		}
	}
	return ""
}

// RecentContext returns up to n of the most recent messages (oldest first).
func (t Thread) RecentContext(n int) Thread {
	if n <= 0 || len(t) == 0 {
		return nil
	}
	if len(t) <= n {
		return t
	}
	return t[len(t)-n:]
}

// Append returns a new thread with msg added. Threads are treated as
// append-only within a cycle; callers never mutate earlier entries.
func (t Thread) Append(msg Message) Thread {
	out := make(Thread, len(t), len(t)+1)
	copy(out, t)
	return append(out, msg)
}

// =============================================================================
// RESPONSE
// =============================================================================

// ResponseMetadata is attached to every turn response. Successful turns carry
// strategy/role/duration; fallback responses add the error code.
type ResponseMetadata struct {
	Strategy     string        `json:"strategy,omitempty"`
	Role         string        `json:"role,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Fallback     bool          `json:"fallback,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	Recovered    bool          `json:"recovered,omitempty"`
	Interrupted  bool          `json:"interrupted,omitempty"`
	Usage        UsageMetadata `json:"usage,omitempty"`
}

// Response is the single user-visible result of a turn.
type Response struct {
	Text     string           `json:"text"`
	Metadata ResponseMetadata `json:"metadata"`
}

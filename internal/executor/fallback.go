package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cortex/internal/logging"
	"cortex/internal/perception"
	"cortex/internal/rules"
	"cortex/internal/types"
)

// =============================================================================
// ERROR CODES
// =============================================================================

// Fallback error codes. Depth, fanout, and children codes are shared with the
// policy rules so blocked plans surface the same identifiers.
const (
	CodeDepth    = rules.CodeDepth
	CodeFanout   = rules.CodeFanout
	CodeChildren = rules.CodeChildren
	CodeProvider = "E_PROVIDER"
	CodeTimeout  = "E_TIMEOUT"
	CodeAbort    = "E_ABORT"
	CodeSchema   = "E_SCHEMA"
	CodeRuleLoop = "E_RULE_LOOP"
	CodeUnknown  = "E_UNKNOWN"
)

// CodedError carries a fallback code alongside the underlying error.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

// Coded wraps err with a fallback code, preserving an existing code if err
// already carries one.
func Coded(code string, err error) error {
	var ce *CodedError
	if errors.As(err, &ce) {
		return err
	}
	return &CodedError{Code: code, Err: err}
}

// ClassifyError maps an error to its fallback code.
func ClassifyError(err error) string {
	var ce *CodedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.Code
	case errors.Is(err, context.Canceled):
		return CodeAbort
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, perception.ErrProvider):
		return CodeProvider
	case errors.Is(err, rules.ErrRuleLoop):
		return CodeRuleLoop
	default:
		return CodeUnknown
	}
}

// fallbackReasons are the user-facing explanations per code.
var fallbackReasons = map[string]string{
	CodeDepth:    "the request would nest executions deeper than allowed",
	CodeFanout:   "the plan asked for more parallel branches than allowed",
	CodeChildren: "the plan asked for more sequential steps than allowed",
	CodeProvider: "the language model provider returned an error",
	CodeTimeout:  "the task ran out of time",
	CodeAbort:    "the request was cancelled",
	CodeSchema:   "a response or tool argument did not match its expected shape",
	CodeRuleLoop: "plan derivation did not settle",
	CodeUnknown:  "an unexpected internal error occurred",
}

// =============================================================================
// FALLBACK
// =============================================================================

// Fallback produces the response of last resort. When the provider is still
// reachable and the failure was not the provider itself, it makes one small
// recovery call; otherwise it returns a static coded message.
type Fallback struct {
	client types.LLMClient
}

// NewFallback creates a fallback executor. client may be nil.
func NewFallback(client types.LLMClient) *Fallback {
	return &Fallback{client: client}
}

const recoverySystemPrompt = "An internal error interrupted your previous processing. " +
	"Acknowledge briefly that you could not complete the request, mention the reason in plain language, and suggest the user retry or rephrase. Two sentences at most."

// Respond turns an escaped error into the turn's response. It never fails.
func (f *Fallback) Respond(ctx context.Context, err error) *types.Response {
	code := ClassifyError(err)
	if code == "" {
		code = CodeUnknown
	}
	reason := fallbackReasons[code]
	if reason == "" {
		reason = fallbackReasons[CodeUnknown]
	}
	logging.Executor("fallback engaged: code=%s err=%v", code, err)

	meta := types.ResponseMetadata{
		Fallback:    true,
		ErrorCode:   code,
		Interrupted: code == CodeAbort,
	}

	if f.client != nil && code != CodeProvider && ctx.Err() == nil {
		prompt := fmt.Sprintf("The failure reason: %s.", reason)
		if text, rerr := f.client.CompleteWithSystem(ctx, recoverySystemPrompt, prompt); rerr == nil && text != "" {
			meta.Recovered = true
			return &types.Response{Text: text, Metadata: meta}
		}
		logging.ExecutorDebug("recovery call failed, using static message")
	}

	var sb strings.Builder
	sb.WriteString("I could not complete this request.\n")
	fmt.Fprintf(&sb, "- what happened: %s\n", reason)
	fmt.Fprintf(&sb, "- error code: %s\n", code)
	sb.WriteString("- what to try: rephrase the request or try again")
	return &types.Response{Text: sb.String(), Metadata: meta}
}

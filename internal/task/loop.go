// Package task runs the multi-cycle tool-use loop: LLM calls interleaved with
// approved tool invocations, bounded by a resolution envelope, terminated by a
// completion affirmation or a forced synthesis cycle.
package task

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"cortex/internal/approval"
	"cortex/internal/compose"
	"cortex/internal/events"
	"cortex/internal/logging"
	"cortex/internal/types"
)

// =============================================================================
// STATES
// =============================================================================

// State is the task run's lifecycle position.
type State string

const (
	StateStarting         State = "starting"
	StateCycling          State = "cycling"
	StateAwaitingApproval State = "awaiting-approval"
	StateSynthesizing     State = "synthesizing"

	// Terminal states.
	StateComplete       State = "complete"
	StateInterrupted    State = "interrupted"
	StateFailed         State = "failed"
	StateForcedComplete State = "forced-complete"
)

// ContinueNudge is appended when the model stops without affirming
// completion and without calling tools.
const ContinueNudge = "Continue."

// SynthesisPrompt requests the final narrative answer.
const SynthesisPrompt = "What did you discover?"

// DeniedMessage is the tool-result body for a denied call.
const DeniedMessage = "Tool call denied. Do not retry this call; work with what you have."

// BudgetExhaustedMessage answers tool calls past the envelope's budget.
const BudgetExhaustedMessage = "Tool call budget exhausted. Do not request more tools; work with what you have."

var completionRe = regexp.MustCompile(`(?i)\bI have completed my task\b`)

// =============================================================================
// LOOP
// =============================================================================

// Loop drives one task-strategy run.
type Loop struct {
	client    types.LLMClient
	invoker   types.ToolInvoker
	approvals *approval.Coordinator
	stream    *events.Stream
}

// New creates a task loop. stream may be nil.
func New(client types.LLMClient, invoker types.ToolInvoker, approvals *approval.Coordinator, stream *events.Stream) *Loop {
	return &Loop{client: client, invoker: invoker, approvals: approvals, stream: stream}
}

// Result is the outcome of one task run.
type Result struct {
	Text      string
	State     State
	Cycles    int
	ToolCalls int
	Usage     types.UsageMetadata
}

// Run executes the loop until completion, envelope breach, or interruption.
// The thread grows append-only; every envelope check happens at a cycle edge.
func (l *Loop) Run(ctx context.Context, ins *compose.Instructions, tools []types.ToolDefinition, res types.Resolution, parent *events.Boundary) (*Result, error) {
	thread := ins.Thread
	deadline := time.Now().Add(res.Timeout)
	result := &Result{}
	affirmed := false
	forced := false
	lastText := ""

	l.transition(parent, StateStarting, StateCycling)
	for {
		if ctx.Err() != nil {
			result.Text = lastText
			result.State = StateInterrupted
			logging.Task("run interrupted after %d cycles", result.Cycles)
			return result, nil
		}

		// Envelope checks. Cycle and tool-call budgets are hard; the
		// timeout is soft and forces a synthesis cycle.
		if result.Cycles >= res.MaxCycles ||
			result.ToolCalls >= res.MaxToolCalls ||
			result.Usage.Total() >= res.MaxTokens {
			forced = !affirmed
			break
		}
		if res.Timeout != 0 && time.Now().After(deadline) {
			forced = !affirmed
			logging.Task("timeout crossed at cycle edge, forcing synthesis")
			break
		}
		if affirmed {
			break
		}

		cycle := l.stream.Begin(events.BoundaryCycle, "execution.cycle", parent, map[string]any{
			"cycle": result.Cycles + 1,
		})

		resp, err := l.exchange(ctx, thread, tools, ins, cycle)
		if err != nil {
			cycle.End(map[string]any{"error": err.Error()})
			result.State = StateFailed
			return result, err
		}
		result.Cycles++
		result.Usage.PromptTokens += resp.Usage.PromptTokens
		result.Usage.CompletionTokens += resp.Usage.CompletionTokens

		if len(resp.ToolCalls) > 0 {
			thread = thread.Append(types.Message{
				Role:      types.RoleAssistant,
				Content:   resp.Text,
				ToolCalls: resp.ToolCalls,
			})
			l.transition(parent, StateCycling, StateAwaitingApproval)
			thread, err = l.runToolCalls(ctx, thread, resp.ToolCalls, cycle, result, res.MaxToolCalls)
			l.transition(parent, StateAwaitingApproval, StateCycling)
			if err != nil {
				cycle.End(map[string]any{"error": err.Error()})
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					result.Text = lastText
					result.State = StateInterrupted
					return result, nil
				}
				result.State = StateFailed
				return result, err
			}
			cycle.End(map[string]any{"toolCalls": len(resp.ToolCalls)})
			continue
		}

		// No tool calls: candidate completion.
		thread = thread.Append(types.Message{Role: types.RoleAssistant, Content: resp.Text})
		lastText = resp.Text
		cycle.End(nil)

		if completionRe.MatchString(resp.Text) || resp.Text == "" {
			affirmed = true
			continue
		}
		thread = thread.Append(types.Message{
			Role:    types.RoleUser,
			Content: ContinueNudge,
			Tag:     types.TagContinue,
		})
	}

	// Synthesis cycle: one final call without tools for the narrative answer.
	l.transition(parent, StateCycling, StateSynthesizing)
	thread = thread.Append(types.Message{
		Role:    types.RoleUser,
		Content: SynthesisPrompt,
		Tag:     types.TagSynthesisPrompt,
	})

	cycle := l.stream.Begin(events.BoundaryCycle, "execution.cycle", parent, map[string]any{
		"cycle":     result.Cycles + 1,
		"synthesis": true,
	})
	resp, err := l.exchange(ctx, thread, nil, ins, cycle)
	cycle.End(nil)
	if err != nil {
		if lastText != "" {
			// The synthesis call failed but the model already produced
			// usable text; degrade rather than fail the run.
			result.Text = lastText
			result.State = StateForcedComplete
			logging.Task("synthesis failed, returning last cycle text: %v", err)
			return result, nil
		}
		result.State = StateFailed
		return result, err
	}
	result.Usage.PromptTokens += resp.Usage.PromptTokens
	result.Usage.CompletionTokens += resp.Usage.CompletionTokens

	result.Text = resp.Text
	if forced {
		result.State = StateForcedComplete
	} else {
		result.State = StateComplete
	}
	logging.Task("run %s: %d cycles, %d tool calls, %d tokens",
		result.State, result.Cycles, result.ToolCalls, result.Usage.Total())
	return result, nil
}

// transition records a state change on the event stream and in the logs.
func (l *Loop) transition(parent *events.Boundary, from, to State) {
	logging.TaskDebug("state %s -> %s", from, to)
	if parent != nil {
		parent.Point("execution.task.state", map[string]any{"from": string(from), "to": string(to)})
	}
}

// exchange performs one LLM call inside an llm_exchange boundary.
func (l *Loop) exchange(ctx context.Context, thread types.Thread, tools []types.ToolDefinition, ins *compose.Instructions, parent *events.Boundary) (*types.LLMToolResponse, error) {
	ex := l.stream.Begin(events.BoundaryLLMExchange, "execution.llm", parent, map[string]any{
		"messages": len(thread),
	})
	resp, err := l.client.CompleteThread(ctx, types.CompletionRequest{
		Thread:      thread,
		MaxTokens:   ins.MaxTokens,
		Temperature: ins.Role.Temperature,
		Tools:       tools,
	})
	if err != nil {
		ex.End(map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("task llm call: %w", err)
	}
	ex.End(map[string]any{
		"finishReason": resp.FinishReason,
		"tokens":       resp.Usage.Total(),
	})
	return resp, nil
}

// runToolCalls gates each call through the approval coordinator, invokes
// approved ones, and appends the outcomes as tool messages in resolution
// order. Denials and tool errors become tool messages; the loop continues.
// The budget is checked per call: a response carrying more calls than the
// envelope allows gets budget-exhausted messages for the remainder.
func (l *Loop) runToolCalls(ctx context.Context, thread types.Thread, calls []types.ToolCall, cycle *events.Boundary, result *Result, maxToolCalls int) (types.Thread, error) {
	for _, call := range calls {
		if result.ToolCalls >= maxToolCalls {
			cycle.Point("execution.tool.budget-exhausted", map[string]any{"tool": call.Name})
			thread = thread.Append(types.Message{
				Role:       types.RoleTool,
				Content:    BudgetExhaustedMessage,
				Name:       call.Name,
				ToolCallID: call.ID,
				Tag:        types.TagToolDenial,
			})
			continue
		}
		approved, err := l.approvals.Ask(ctx, call.Name, call.Input)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return thread, err
		}

		if !approved {
			content := DeniedMessage
			if err != nil {
				content = fmt.Sprintf("%s (%v)", DeniedMessage, err)
			}
			cycle.Point("execution.tool.denied", map[string]any{"tool": call.Name})
			thread = thread.Append(types.Message{
				Role:       types.RoleTool,
				Content:    content,
				Name:       call.Name,
				ToolCallID: call.ID,
				Tag:        types.TagToolDenial,
			})
			continue
		}

		result.ToolCalls++
		output, err := l.invoker.Invoke(ctx, call.Name, call.Input)
		if err != nil {
			if ctx.Err() != nil {
				return thread, ctx.Err()
			}
			output = fmt.Sprintf("tool error: %v", err)
		}
		cycle.Point("execution.tool.invoked", map[string]any{"tool": call.Name})
		thread = thread.Append(types.Message{
			Role:       types.RoleTool,
			Content:    output,
			Name:       call.Name,
			ToolCallID: call.ID,
			Tag:        types.TagToolResult,
		})
	}
	return thread, nil
}

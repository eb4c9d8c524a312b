// Package executor dispatches a selected execution plan: one direct LLM call,
// a sequential chain of role steps, a parallel fanout, or a tool-using task
// run. Every dispatch is wrapped in an execution boundary on the event stream;
// escaped errors carry fallback codes for the recovery path.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"cortex/internal/approval"
	"cortex/internal/compose"
	"cortex/internal/config"
	"cortex/internal/events"
	"cortex/internal/logging"
	"cortex/internal/perception"
	"cortex/internal/task"
	"cortex/internal/types"
)

// ToolSource provides tool schemas and invocation. *tools.Registry satisfies
// it; tests substitute fakes.
type ToolSource interface {
	types.ToolInvoker
	Definitions(names ...string) []types.ToolDefinition
}

// =============================================================================
// EXECUTOR
// =============================================================================

// Executor runs selected plans.
type Executor struct {
	client    types.LLMClient
	composer  *compose.Composer
	tools     ToolSource
	approvals *approval.Coordinator
	limits    config.PolicyLimits
	stream    *events.Stream
}

// New creates an executor. stream may be nil.
func New(client types.LLMClient, composer *compose.Composer, tools ToolSource, approvals *approval.Coordinator, limits config.PolicyLimits, stream *events.Stream) *Executor {
	return &Executor{
		client:    client,
		composer:  composer,
		tools:     tools,
		approvals: approvals,
		limits:    limits,
		stream:    stream,
	}
}

// Request carries one plan execution.
type Request struct {
	Plan    *types.ExecutionPlan
	FactMap types.FactMap
	Input   string
	Frame   *compose.Frame
	CWD     string
	Parent  *events.Boundary
}

// Execute dispatches by strategy and returns the turn's response text with
// strategy metadata. Errors escape to the caller's fallback path.
func (e *Executor) Execute(ctx context.Context, req Request) (*types.Response, error) {
	if req.Plan == nil {
		return nil, Coded(CodeUnknown, fmt.Errorf("execute: nil plan"))
	}

	boundary := e.stream.Begin(events.BoundaryExecution, "execution", req.Parent, map[string]any{
		"plan":     req.Plan.Name,
		"strategy": req.Plan.Strategy,
	})
	logging.Executor("executing plan %q (%s)", req.Plan.Name, req.Plan.Strategy)

	var resp *types.Response
	var err error
	switch req.Plan.Strategy {
	case types.StrategyDirect:
		resp, err = e.direct(ctx, req, boundary)
	case types.StrategySequential:
		resp, err = e.sequential(ctx, req, boundary)
	case types.StrategyParallel:
		resp, err = e.parallel(ctx, req, boundary)
	case types.StrategyTask:
		resp, err = e.task(ctx, req, boundary)
	default:
		err = Coded(CodeUnknown, fmt.Errorf("unknown strategy %q", req.Plan.Strategy))
	}

	if err != nil {
		boundary.End(map[string]any{"error": err.Error()})
		if ctx.Err() != nil {
			return nil, Coded(CodeAbort, err)
		}
		return nil, err
	}
	resp.Metadata.Strategy = req.Plan.Strategy
	// A synthesized fallback plan carries the code that blocked the original
	// plan; surface it so callers can see why the turn was downgraded.
	if req.Plan.BlockedCode != "" {
		resp.Metadata.ErrorCode = req.Plan.BlockedCode
	}
	boundary.End(map[string]any{"finishReason": resp.Metadata.FinishReason})
	return resp, nil
}

// =============================================================================
// DIRECT
// =============================================================================

func (e *Executor) direct(ctx context.Context, req Request, parent *events.Boundary) (*types.Response, error) {
	defs := e.tools.Definitions(req.Plan.Tools...)
	ins, err := e.composer.Compose(compose.Request{
		Plan:    req.Plan,
		FactMap: req.FactMap,
		Input:   req.Input,
		Frame:   req.Frame,
		Type:    compose.TypeDefault,
		CWD:     req.CWD,
		Tools:   defs,
	})
	if err != nil {
		return nil, Coded(CodeUnknown, err)
	}

	resp, err := e.call(ctx, ins.Thread, defs, ins, parent)
	if err != nil {
		return nil, err
	}
	return &types.Response{
		Text: resp.Text,
		Metadata: types.ResponseMetadata{
			Role:         ins.Role.Name,
			FinishReason: resp.FinishReason,
			Usage:        resp.Usage,
		},
	}, nil
}

// call performs one LLM exchange with a single retry on provider errors.
func (e *Executor) call(ctx context.Context, thread types.Thread, defs []types.ToolDefinition, ins *compose.Instructions, parent *events.Boundary) (*types.LLMToolResponse, error) {
	attempt := func() (*types.LLMToolResponse, error) {
		ex := e.stream.Begin(events.BoundaryLLMExchange, "execution.llm", parent, map[string]any{
			"messages": len(thread),
		})
		resp, err := e.client.CompleteThread(ctx, types.CompletionRequest{
			Thread:      thread,
			MaxTokens:   ins.MaxTokens,
			Temperature: ins.Role.Temperature,
			Tools:       defs,
		})
		if err != nil {
			ex.End(map[string]any{"error": err.Error()})
			return nil, err
		}
		ex.End(map[string]any{"tokens": resp.Usage.Total()})
		return resp, nil
	}

	resp, err := attempt()
	if err != nil && errors.Is(err, perception.ErrProvider) && ctx.Err() == nil {
		logging.Executor("provider error, retrying once: %v", err)
		resp, err = attempt()
	}
	if err != nil {
		return nil, Coded(CodeProvider, err)
	}
	return resp, nil
}

// =============================================================================
// SEQUENTIAL
// =============================================================================

func (e *Executor) sequential(ctx context.Context, req Request, parent *events.Boundary) (*types.Response, error) {
	steps := req.Plan.Sequence
	if len(steps) == 0 {
		return nil, Coded(CodeUnknown, fmt.Errorf("sequential plan %q has no steps", req.Plan.Name))
	}
	if len(steps) > e.limits.MaxChildren {
		return nil, Coded(CodeChildren, fmt.Errorf("%d steps exceed limit %d", len(steps), e.limits.MaxChildren))
	}

	type stepResult struct {
		role string
		text string
	}
	var (
		results []stepResult
		built   types.Thread
		usage   types.UsageMetadata
		role    string
	)

	for i, step := range steps {
		sb := e.stream.Begin(events.BoundaryStep, "execution.step", parent, map[string]any{
			"step": i,
			"role": step.Role,
		})

		defs := e.tools.Definitions(step.Tools...)
		creq := compose.Request{
			Plan:          req.Plan,
			FactMap:       req.FactMap,
			Type:          compose.TypeDefault,
			Input:         req.Input,
			Frame:         req.Frame,
			CWD:           req.CWD,
			RoleName:      step.Role,
			AdaptationKey: step.AdaptationKey,
			Tools:         defs,
		}
		// Later steps can continue the accumulated thread instead of
		// re-composing from scratch.
		if step.BuildThread && i > 0 {
			creq.Type = compose.TypeContinuation
			creq.Built = built
			creq.Input = ""
			creq.Frame = nil
		}

		ins, err := e.composer.Compose(creq)
		if err != nil {
			sb.End(map[string]any{"error": err.Error()})
			return nil, Coded(CodeUnknown, err)
		}

		var (
			stepText  string
			stepUsage types.UsageMetadata
		)
		switch step.Strategy {
		case "", types.StrategyDirect:
			resp, err := e.call(ctx, ins.Thread, defs, ins, sb)
			if err != nil {
				sb.End(map[string]any{"error": err.Error()})
				return nil, err
			}
			stepText = resp.Text
			stepUsage = resp.Usage
		case types.StrategyTask:
			res := types.DefaultResolution()
			if req.Plan.Resolution != nil {
				res = *req.Plan.Resolution
			}
			tres, err := task.New(e.client, e.tools, e.approvals, e.stream).Run(ctx, ins, defs, res, sb)
			if err != nil {
				sb.End(map[string]any{"error": err.Error()})
				return nil, Coded(ClassifyError(err), err)
			}
			stepText = tres.Text
			stepUsage = tres.Usage
		default:
			err := Coded(CodeUnknown, fmt.Errorf("step %d: unsupported step strategy %q", i, step.Strategy))
			sb.End(map[string]any{"error": err.Error()})
			return nil, err
		}
		sb.End(map[string]any{"tokens": stepUsage.Total()})

		built = ins.Thread.Append(types.Message{Role: types.RoleAssistant, Content: stepText})
		results = append(results, stepResult{role: ins.Role.Name, text: stepText})
		usage.PromptTokens += stepUsage.PromptTokens
		usage.CompletionTokens += stepUsage.CompletionTokens
		role = ins.Role.Name
	}

	var text string
	switch req.Plan.ResultStrategy {
	case types.ResultConcat:
		var parts []string
		for _, r := range results {
			parts = append(parts, r.text)
		}
		text = strings.Join(parts, "\n\n")
	case types.ResultLabel:
		var parts []string
		for _, r := range results {
			parts = append(parts, fmt.Sprintf("## %s\n%s", r.role, r.text))
		}
		text = strings.Join(parts, "\n\n")
	default: // last
		text = results[len(results)-1].text
	}

	return &types.Response{
		Text:     text,
		Metadata: types.ResponseMetadata{Role: role, Usage: usage, FinishReason: types.FinishEndTurn},
	}, nil
}

// =============================================================================
// PARALLEL
// =============================================================================

func (e *Executor) parallel(ctx context.Context, req Request, parent *events.Boundary) (*types.Response, error) {
	roles := req.Plan.Roles
	if len(roles) == 0 {
		return nil, Coded(CodeUnknown, fmt.Errorf("parallel plan %q has no roles", req.Plan.Name))
	}
	if len(roles) > e.limits.MaxFanout {
		return nil, Coded(CodeFanout, fmt.Errorf("%d branches exceed limit %d", len(roles), e.limits.MaxFanout))
	}

	type branchResult struct {
		role  string
		text  string
		usage types.UsageMetadata
	}
	results := make([]branchResult, len(roles))
	defs := e.tools.Definitions(req.Plan.Tools...)

	g, gctx := errgroup.WithContext(ctx)
	for i, roleName := range roles {
		g.Go(func() error {
			bb := e.stream.Begin(events.BoundaryBranch, "execution.branch", parent, map[string]any{
				"branch": i,
				"role":   roleName,
			})

			// Branches read from their own snapshot so no branch observes
			// another's fact mutations.
			ins, err := e.composer.Compose(compose.Request{
				Plan:     req.Plan,
				FactMap:  snapshotFacts(req.FactMap),
				Type:     compose.TypeDefault,
				Input:    req.Input,
				Frame:    req.Frame,
				CWD:      req.CWD,
				RoleName: roleName,
				Tools:    defs,
			})
			if err != nil {
				bb.End(map[string]any{"error": err.Error()})
				return Coded(CodeUnknown, err)
			}

			resp, err := e.call(gctx, ins.Thread, defs, ins, bb)
			if err != nil {
				bb.End(map[string]any{"error": err.Error()})
				return err
			}
			bb.End(map[string]any{"tokens": resp.Usage.Total()})
			results[i] = branchResult{role: ins.Role.Name, text: resp.Text, usage: resp.Usage}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var usage types.UsageMetadata
	var parts []string
	for _, r := range results {
		usage.PromptTokens += r.usage.PromptTokens
		usage.CompletionTokens += r.usage.CompletionTokens
		switch req.Plan.ResultStrategy {
		case types.ResultConcat:
			parts = append(parts, r.text)
		default: // label
			parts = append(parts, fmt.Sprintf("## %s\n%s", r.role, r.text))
		}
	}

	return &types.Response{
		Text: strings.Join(parts, "\n\n"),
		Metadata: types.ResponseMetadata{
			Role:         strings.Join(roles, "+"),
			Usage:        usage,
			FinishReason: types.FinishEndTurn,
		},
	}, nil
}

// snapshotFacts gives each branch its own kind-indexed view of the fact map.
func snapshotFacts(fm types.FactMap) types.FactMap {
	out := make(types.FactMap, len(fm))
	for kind, facts := range fm {
		cp := make([]types.Fact, len(facts))
		copy(cp, facts)
		out[kind] = cp
	}
	return out
}

// =============================================================================
// TASK
// =============================================================================

func (e *Executor) task(ctx context.Context, req Request, parent *events.Boundary) (*types.Response, error) {
	defs := e.tools.Definitions(req.Plan.Tools...)
	ins, err := e.composer.Compose(compose.Request{
		Plan:    req.Plan,
		FactMap: req.FactMap,
		Input:   req.Input,
		Frame:   req.Frame,
		Type:    compose.TypeDefault,
		CWD:     req.CWD,
		Tools:   defs,
	})
	if err != nil {
		return nil, Coded(CodeUnknown, err)
	}

	res := types.DefaultResolution()
	if req.Plan.Resolution != nil {
		res = *req.Plan.Resolution
	}

	loop := task.New(e.client, e.tools, e.approvals, e.stream)
	result, err := loop.Run(ctx, ins, defs, res, parent)
	if err != nil {
		return nil, Coded(ClassifyError(err), err)
	}

	meta := types.ResponseMetadata{
		Role:         ins.Role.Name,
		Usage:        result.Usage,
		FinishReason: types.FinishEndTurn,
		Interrupted:  result.State == task.StateInterrupted,
	}
	text := result.Text
	if meta.Interrupted && text == "" {
		text = "The task was interrupted before it produced a result."
	}
	return &types.Response{Text: text, Metadata: meta}, nil
}

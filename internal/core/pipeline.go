// Package core wires the turn pipeline: classify the latest user turn into
// signal facts, derive and select an execution plan through the rules engine,
// compose instructions, execute, and trap any escaped error into the fallback
// response.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cortex/internal/approval"
	"cortex/internal/compose"
	"cortex/internal/config"
	"cortex/internal/events"
	"cortex/internal/executor"
	"cortex/internal/logging"
	"cortex/internal/module"
	"cortex/internal/perception"
	"cortex/internal/rules"
	"cortex/internal/tools"
	"cortex/internal/types"
)

// =============================================================================
// PIPELINE
// =============================================================================

// Options configures a pipeline. Config and Client are required; everything
// else defaults.
type Options struct {
	Config *config.Config
	Client types.LLMClient
	Module *module.Module
	Tools  executor.ToolSource
	Stream *events.Stream
}

// Pipeline drives complete turns. One pipeline serves one session; turns are
// processed one at a time.
type Pipeline struct {
	cfg       *config.Config
	client    types.LLMClient
	module    *module.Module
	bank      *perception.Bank
	executor  *executor.Executor
	fallback  *executor.Fallback
	approvals *approval.Coordinator
	tools     executor.ToolSource
	stream    *events.Stream
	session   *events.Boundary
	turn      int
}

// New assembles a pipeline from options.
func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("core: config is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("core: llm client is required")
	}

	mod := opts.Module
	if mod == nil {
		mod = module.Default()
	}
	stream := opts.Stream

	toolSource := opts.Tools
	if toolSource == nil {
		toolSource = tools.NewRegistry(opts.Config.Tools)
	}

	approvals := approval.New(approval.Mode(opts.Config.Tools.ApprovalMode), stream)
	composer := compose.New(mod)

	bankCfg := perception.DefaultBankConfig()
	bankCfg.Enhance = opts.Config.LLM.EnhanceClassifiers

	return &Pipeline{
		cfg:       opts.Config,
		client:    opts.Client,
		module:    mod,
		bank:      perception.NewBank(opts.Client, bankCfg),
		executor:  executor.New(opts.Client, composer, toolSource, approvals, opts.Config.Limits, stream),
		fallback:  executor.NewFallback(opts.Client),
		approvals: approvals,
		tools:     toolSource,
		stream:    stream,
	}, nil
}

// Approvals exposes the coordinator so an external resolver (CLI, UI) can
// answer tool-call requests.
func (p *Pipeline) Approvals() *approval.Coordinator { return p.approvals }

// Start opens the session boundary and discovers the tool catalog.
func (p *Pipeline) Start(ctx context.Context) error {
	p.session = p.stream.Begin(events.BoundarySession, "session", nil, nil)
	if _, err := p.tools.Discover(ctx); err != nil {
		return fmt.Errorf("tool discovery: %w", err)
	}
	return nil
}

// Close denies outstanding approvals and ends the session boundary.
func (p *Pipeline) Close() {
	p.approvals.Close()
	p.session.End(nil)
}

// RunTurn processes one user turn and always returns a response: a successful
// execution result or a fallback message carrying the error code.
func (p *Pipeline) RunTurn(ctx context.Context, thread types.Thread) *types.Response {
	start := time.Now()
	p.turn++

	pb := p.stream.Begin(events.BoundaryPipeline, "pipeline", p.session, map[string]any{
		"turn": p.turn,
	})

	resp, err := p.runTurn(ctx, thread, pb)
	if err != nil {
		logging.Session("turn %d failed, engaging fallback: %v", p.turn, err)
		resp = p.fallback.Respond(ctx, err)
	}
	resp.Metadata.Duration = time.Since(start)

	pb.End(map[string]any{
		"fallback": resp.Metadata.Fallback,
		"strategy": resp.Metadata.Strategy,
	})
	logging.Session("turn %d done in %s (strategy=%s fallback=%v)",
		p.turn, resp.Metadata.Duration.Round(time.Millisecond), resp.Metadata.Strategy, resp.Metadata.Fallback)
	return resp
}

func (p *Pipeline) runTurn(ctx context.Context, thread types.Thread, pb *events.Boundary) (*types.Response, error) {
	signals, err := p.bank.Classify(ctx, thread, p.turn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, executor.Coded(executor.CodeAbort, fmt.Errorf("classification: %w", err))
		}
		return nil, executor.Coded(executor.CodeSchema, fmt.Errorf("classification: %w", err))
	}
	pb.Point("pipeline.classified", map[string]any{"signals": len(signals)})

	factMap, err := p.evaluate(signals)
	if err != nil {
		return nil, err
	}

	selected := factMap.Selected()
	if selected == nil || selected.Plan == nil {
		return nil, executor.Coded(executor.CodeUnknown, fmt.Errorf("evaluation produced no selected plan"))
	}
	pb.Point("pipeline.selected", map[string]any{
		"plan":      selected.Plan.Name,
		"rationale": selected.Plan.Rationale,
	})

	return p.executor.Execute(ctx, executor.Request{
		Plan:    selected.Plan,
		FactMap: factMap,
		Input:   thread.LastUser(),
		CWD:     p.cfg.Tools.WorkspaceRoot,
		Parent:  pb,
	})
}

// evaluate runs the rules engine over the turn's signals: module rules first,
// then generated policy rules, then the system enforcement/validation/
// selection rules.
func (p *Pipeline) evaluate(signals []*types.Signal) (types.FactMap, error) {
	engine := rules.New()
	engine.AddRules(p.module.Rules())
	engine.AddRules(rules.GeneratePolicyRules(p.cfg.Limits))
	engine.AddRules(rules.SystemRules(rules.DefaultSystemConfig()))

	engine.InsertFact(&types.TurnContext{CurrentTurnIndex: p.turn})
	for _, s := range signals {
		engine.InsertFact(s)
	}

	factMap, err := engine.Run()
	if err != nil {
		if errors.Is(err, rules.ErrRuleLoop) {
			return nil, executor.Coded(executor.CodeRuleLoop, err)
		}
		return nil, executor.Coded(executor.CodeUnknown, err)
	}
	return factMap, nil
}

package rules

import (
	"fmt"

	"cortex/internal/config"
	"cortex/internal/logging"
	"cortex/internal/types"
)

// =============================================================================
// POLICY RULES
// =============================================================================

// Policy violation codes carried on blocked plans.
const (
	CodeDepth    = "E_DEPTH"
	CodeFanout   = "E_FANOUT"
	CodeChildren = "E_CHILDREN"
)

// Blocking is the one sanctioned status mark on an already-inserted fact:
// policy rules set PolicyBlocked/BlockedCode on offending plans instead of
// emitting duplicate copies, so every later reader of the plan set sees the
// same verdict. Everything else about a fact stays immutable after insertion.

// GeneratePolicyRules builds limit-enforcement rules from configured policy
// limits. Violating plans are marked blocked, never deleted; selection skips
// them and error surfacing reports the code.
func GeneratePolicyRules(limits config.PolicyLimits) []Rule {
	return []Rule{
		{
			Name:     "policy-max-fanout",
			Salience: SaliencePolicy,
			When: All(
				CollectAll("plans", types.KindExecutionPlan, func(f types.Fact) bool {
					p, ok := f.(*types.ExecutionPlan)
					return ok && !p.PolicyBlocked &&
						p.Strategy == types.StrategyParallel &&
						len(p.Roles) > limits.MaxFanout
				}),
				Where(func(b Bindings) bool { return len(b.Facts("plans")) > 0 }),
			),
			Then: blockPlans(CodeFanout, func(p *types.ExecutionPlan) string {
				return fmt.Sprintf("parallel fanout %d exceeds limit %d", len(p.Roles), limits.MaxFanout)
			}),
		},
		{
			Name:     "policy-max-children",
			Salience: SaliencePolicy,
			When: All(
				CollectAll("plans", types.KindExecutionPlan, func(f types.Fact) bool {
					p, ok := f.(*types.ExecutionPlan)
					return ok && !p.PolicyBlocked &&
						p.Strategy == types.StrategySequential &&
						len(p.Sequence) > limits.MaxChildren
				}),
				Where(func(b Bindings) bool { return len(b.Facts("plans")) > 0 }),
			),
			Then: blockPlans(CodeChildren, func(p *types.ExecutionPlan) string {
				return fmt.Sprintf("sequence length %d exceeds limit %d", len(p.Sequence), limits.MaxChildren)
			}),
		},
		{
			// Nested executions insert a Derived execution-depth fact.
			// Once the next level would exceed MaxDepth, every plan that
			// spawns further work is blocked; only direct plans survive.
			Name:     "policy-max-depth",
			Salience: SaliencePolicy,
			When: All(
				Test(func(m Memory) bool {
					return executionDepth(m)+1 >= limits.MaxDepth
				}),
				CollectAll("plans", types.KindExecutionPlan, func(f types.Fact) bool {
					p, ok := f.(*types.ExecutionPlan)
					return ok && !p.PolicyBlocked && p.Strategy != types.StrategyDirect
				}),
				Where(func(b Bindings) bool { return len(b.Facts("plans")) > 0 }),
			),
			Then: blockPlans(CodeDepth, func(p *types.ExecutionPlan) string {
				return fmt.Sprintf("strategy %q would exceed depth limit %d", p.Strategy, limits.MaxDepth)
			}),
		},
	}
}

// blockPlans marks every bound plan blocked with the given code and records
// the violation as a derived fact.
func blockPlans(code string, reason func(*types.ExecutionPlan) string) Action {
	return func(e *Engine, b Bindings) error {
		for _, f := range b.Facts("plans") {
			p, ok := f.(*types.ExecutionPlan)
			if !ok {
				continue
			}
			p.PolicyBlocked = true
			p.BlockedCode = code
			logging.Plans("policy blocked plan %q: %s (%s)", p.Name, reason(p), code)
			e.AddFact(&types.Derived{
				Key:   "policy-violation",
				Value: fmt.Sprintf("%s plan=%s: %s", code, p.Name, reason(p)),
			})
		}
		return nil
	}
}

// executionDepth reads the nesting depth recorded by the executor when a
// task cycle re-enters the pipeline. Top-level turns run at depth 0.
func executionDepth(m Memory) int {
	depth := 0
	for _, f := range m.FactsOfKind(types.KindDerived) {
		d, ok := f.(*types.Derived)
		if !ok || d.Key != "execution-depth" {
			continue
		}
		if n, ok := d.Value.(int); ok && n > depth {
			depth = n
		}
	}
	return depth
}

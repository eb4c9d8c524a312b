package rules

import (
	"cortex/internal/logging"
	"cortex/internal/types"
)

// =============================================================================
// SYSTEM RULES
// =============================================================================

// SystemConfig parameterizes the built-in system rules.
type SystemConfig struct {
	// DefaultRole is used by the synthesized fallback plan when every
	// module plan was blocked or none was emitted.
	DefaultRole string

	// AckConfidence is the contract-signal threshold for the ack
	// enforcement rule.
	AckConfidence float64
}

// DefaultSystemConfig returns the standard system-rule parameters.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		DefaultRole:   "assistant",
		AckConfidence: 0.75,
	}
}

// SystemRules returns enforcement, validation, and plan-selection rules.
// Validation and selection run as final rules so they see the quiesced plan
// set; enforcement chains with module rules.
func SystemRules(cfg SystemConfig) []Rule {
	return []Rule{
		ackEnforcementRule(cfg),
		validatePrecedenceRule(),
		validatePlanNamesRule(),
		validateResultStrategyRule(),
		planSelectionRule(cfg),
	}
}

// -----------------------------------------------------------------------------
// Enforcement
// -----------------------------------------------------------------------------

// ackEnforcementRule guarantees that a high-confidence acknowledgement turn
// gets a brief direct plan and a halved token budget, whether or not the
// module emitted its own ack plan.
func ackEnforcementRule(cfg SystemConfig) Rule {
	return Rule{
		Name:     "system-ack-enforcement",
		Salience: SalienceEnforce,
		When: All(
			SignalAt(types.DimContract, "ack-only", cfg.AckConfidence),
		),
		Then: func(e *Engine, b Bindings) error {
			e.AddFact(&types.TokenMultiplier{
				Factor: 0.5,
				Reason: "ack-only contract",
			})
			for _, p := range e.Plans() {
				if p.Matches("ack-only-direct") {
					return nil
				}
			}
			e.AddFact(&types.ExecutionPlan{
				ID:          "ack-only-direct",
				Name:        "ack-only-direct",
				Strategy:    types.StrategyDirect,
				Role:        cfg.DefaultRole,
				LengthLevel: "brief",
				Rationale:   "Acknowledgement turn; respond briefly without orchestration",
			})
			return nil
		},
	}
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

// validatePrecedenceRule throws when more than one PlanPrecedence fact was
// emitted in a single evaluation.
func validatePrecedenceRule() Rule {
	return Rule{
		Name:     "system-validate-precedence",
		Salience: SalienceValidate,
		Final:    true,
		When: All(
			CollectAll("precedence", types.KindPlanPrecedence, nil),
			Where(func(b Bindings) bool { return len(b.Facts("precedence")) > 1 }),
		),
		Then: func(e *Engine, b Bindings) error {
			return &ValidationError{
				Reason:    "multiple plan precedence facts in one evaluation",
				Producers: producersOf(b.Facts("precedence")),
			}
		},
	}
}

// validatePlanNamesRule throws when any emitted plan lacks a name.
func validatePlanNamesRule() Rule {
	return Rule{
		Name:     "system-validate-plan-names",
		Salience: SalienceValidate,
		Final:    true,
		When: All(
			CollectAll("unnamed", types.KindExecutionPlan, func(f types.Fact) bool {
				p, ok := f.(*types.ExecutionPlan)
				return ok && p.Name == ""
			}),
			Where(func(b Bindings) bool { return len(b.Facts("unnamed")) > 0 }),
		),
		Then: func(e *Engine, b Bindings) error {
			return &ValidationError{
				Reason:    "execution plan emitted without a name",
				Producers: producersOf(b.Facts("unnamed")),
			}
		},
	}
}

// validateResultStrategyRule throws on parallel plans declaring the "last"
// result strategy, which is ambiguous under concurrent completion.
func validateResultStrategyRule() Rule {
	return Rule{
		Name:     "system-validate-result-strategy",
		Salience: SalienceValidate,
		Final:    true,
		When: All(
			CollectAll("ambiguous", types.KindExecutionPlan, func(f types.Fact) bool {
				p, ok := f.(*types.ExecutionPlan)
				return ok && p.Strategy == types.StrategyParallel &&
					p.ResultStrategy == types.ResultLast
			}),
			Where(func(b Bindings) bool { return len(b.Facts("ambiguous")) > 0 }),
		),
		Then: func(e *Engine, b Bindings) error {
			return &ValidationError{
				Reason:    `parallel plans cannot use result strategy "last"`,
				Producers: producersOf(b.Facts("ambiguous")),
			}
		},
	}
}

func producersOf(facts []types.Fact) []string {
	var out []string
	seen := map[string]bool{}
	for _, f := range facts {
		p := f.Meta().Provenance.Producer
		if p == "" {
			p = "unknown"
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Plan selection
// -----------------------------------------------------------------------------

// FallbackRationale marks the synthesized plan chosen when policy blocked
// everything. Error surfacing checks for it to report blocked codes.
const FallbackRationale = "No plans available after policy enforcement"

// planSelectionRule picks exactly one plan once evaluation has quiesced:
// drop blocked plans, walk the precedence list preferring tool-bearing
// matches, then fall back to the first tool-bearing plan, then the first
// plan, then a synthesized direct plan.
func planSelectionRule(cfg SystemConfig) Rule {
	return Rule{
		Name:     "system-plan-selection",
		Salience: SalienceSelection,
		Final:    true,
		When: All(
			Test(func(m Memory) bool {
				return len(m.FactsOfKind(types.KindSelectedPlan)) == 0
			}),
			CollectAll("plans", types.KindExecutionPlan, nil),
			CollectAll("precedence", types.KindPlanPrecedence, nil),
		),
		Then: func(e *Engine, b Bindings) error {
			plan := selectPlan(cfg, b.Facts("plans"), b.Facts("precedence"))
			logging.Plans("selected plan %q (strategy=%s, rationale=%s)", plan.Name, plan.Strategy, plan.Rationale)
			e.AddFact(&types.SelectedPlan{Plan: plan})
			return nil
		},
	}
}

func selectPlan(cfg SystemConfig, planFacts, precedenceFacts []types.Fact) *types.ExecutionPlan {
	var eligible []*types.ExecutionPlan
	blocked := 0
	for _, f := range planFacts {
		p, ok := f.(*types.ExecutionPlan)
		if !ok {
			continue
		}
		if p.PolicyBlocked {
			blocked++
			continue
		}
		eligible = append(eligible, p)
	}

	if len(eligible) == 0 {
		rationale := FallbackRationale
		code := ""
		if blocked > 0 {
			for _, f := range planFacts {
				if p, ok := f.(*types.ExecutionPlan); ok && p.PolicyBlocked {
					code = p.BlockedCode
					break
				}
			}
		}
		return &types.ExecutionPlan{
			ID:          "fallback-direct",
			Name:        "fallback-direct",
			Strategy:    types.StrategyDirect,
			Role:        cfg.DefaultRole,
			Rationale:   rationale,
			BlockedCode: code,
		}
	}

	// Precedence walk. Duplicate names keep their first occurrence.
	for _, f := range precedenceFacts {
		prec, ok := f.(*types.PlanPrecedence)
		if !ok {
			continue
		}
		seen := map[string]bool{}
		for _, name := range prec.Names {
			if seen[name] {
				logging.Get(logging.CategoryPlans).Warn("plan %q listed twice in precedence, keeping first occurrence", name)
				continue
			}
			seen[name] = true

			var matches []*types.ExecutionPlan
			for _, p := range eligible {
				if p.Matches(name) {
					matches = append(matches, p)
				}
			}
			if len(matches) == 0 {
				continue
			}
			for _, p := range matches {
				if p.HasTools() {
					return p
				}
			}
			return matches[0]
		}
	}

	// No precedence hit: prefer the first tool-bearing plan.
	for _, p := range eligible {
		if p.HasTools() {
			return p
		}
	}
	return eligible[0]
}

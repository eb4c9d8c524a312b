package module

import (
	"cortex/internal/rules"
	"cortex/internal/types"
)

// =============================================================================
// DOMAIN RULES
// =============================================================================

// Plan names emitted by the default module, in precedence order.
var planPrecedence = []string{
	"ack-only-direct",
	"investigate-task",
	"execute-task",
	"red-team-forecast",
	"explore-analyze-par",
	"clarify-direct",
}

// investigateTools is the tool set granted to investigation tasks.
var investigateTools = []string{"list_directory", "read_file", "search"}

// executeTools additionally allows writes.
var executeTools = []string{"list_directory", "read_file", "search", "write_file"}

// Rules returns the default module's domain rules. They map signal
// combinations to execution plans, role selections, and token multipliers;
// policy, validation, and selection belong to the rules package.
func (m *Module) Rules() []rules.Rule {
	return []rules.Rule{
		{
			Name:     "ack-only-direct",
			Salience: rules.SalienceModule,
			When:     rules.SignalAt(types.DimContract, "ack-only", 0.75),
			Then: func(e *rules.Engine, b rules.Bindings) error {
				e.AddFact(&types.ExecutionPlan{
					ID:          "ack-only-direct",
					Name:        "ack-only-direct",
					Strategy:    types.StrategyDirect,
					Role:        m.DefaultRole,
					LengthLevel: "brief",
					Rationale:   "Acknowledgement turn; a brief direct reply suffices",
				})
				return nil
			},
		},
		{
			Name:     "investigate-task",
			Salience: rules.SalienceModule,
			When:     rules.Signal(types.DimIntent, "investigate"),
			Then: func(e *rules.Engine, b rules.Bindings) error {
				res := types.DefaultResolution()
				e.AddFact(&types.ExecutionPlan{
					ID:         "investigate-task",
					Name:       "investigate-task",
					Strategy:   types.StrategyTask,
					Role:       "researcher",
					Tools:      investigateTools,
					Resolution: &res,
					Rationale:  "Investigation intent; gather facts with read-only tools",
				})
				e.AddFact(&types.RoleSelection{Role: "researcher", Reason: "investigate intent"})
				return nil
			},
		},
		{
			Name:     "execute-task",
			Salience: rules.SalienceModule,
			When:     rules.Signal(types.DimIntent, "execute"),
			Then: func(e *rules.Engine, b rules.Bindings) error {
				res := types.DefaultResolution()
				e.AddFact(&types.ExecutionPlan{
					ID:         "execute-task",
					Name:       "execute-task",
					Strategy:   types.StrategyTask,
					Role:       "executor",
					Tools:      executeTools,
					Resolution: &res,
					Rationale:  "Execution intent; carry out the task with workspace tools",
				})
				e.AddFact(&types.RoleSelection{Role: "executor", Reason: "execute intent"})
				return nil
			},
		},
		{
			Name:     "red-team-forecast",
			Salience: rules.SalienceModule,
			When: rules.All(
				rules.Signal(types.DimClaim, "forecast"),
				rules.Signal(types.DimCalibration, "high-certainty"),
			),
			Then: func(e *rules.Engine, b rules.Bindings) error {
				e.AddFact(&types.ExecutionPlan{
					ID:             "red-team-forecast",
					Name:           "red-team-forecast",
					Strategy:       types.StrategyParallel,
					Roles:          []string{"planner", "critic"},
					ResultStrategy: types.ResultLabel,
					Rationale:      "Confident forecast; run planner and critic in parallel",
				})
				e.AddFact(&types.TokenMultiplier{
					Factor: 1.1,
					Reason: "forecast scrutiny",
				})
				return nil
			},
		},
		{
			Name:     "explore-analyze-par",
			Salience: rules.SalienceModule,
			When:     rules.Signal(types.DimIntent, "explore"),
			Then: func(e *rules.Engine, b rules.Bindings) error {
				e.AddFact(&types.ExecutionPlan{
					ID:             "explore-analyze-par",
					Name:           "explore-analyze-par",
					Strategy:       types.StrategyParallel,
					Roles:          []string{"researcher", "critic"},
					ResultStrategy: types.ResultLabel,
					Rationale:      "Open-ended exploration; survey and critique concurrently",
				})
				return nil
			},
		},
		{
			Name:     "clarify-direct",
			Salience: rules.SalienceModule,
			When:     rules.Signal(types.DimIntent, "clarify"),
			Then: func(e *rules.Engine, b rules.Bindings) error {
				e.AddFact(&types.ExecutionPlan{
					ID:        "clarify-direct",
					Name:      "clarify-direct",
					Strategy:  types.StrategyDirect,
					Role:      m.DefaultRole,
					Rationale: "Ambiguous request; ask a clarifying question",
				})
				e.AddFact(&types.Adaptation{Key: "clarify"})
				return nil
			},
		},
		{
			// Exactly one precedence fact per evaluation.
			Name:     "plan-precedence",
			Salience: rules.SalienceModule - 1,
			When:     rules.Test(func(m rules.Memory) bool { return true }),
			Then: func(e *rules.Engine, b rules.Bindings) error {
				e.AddFact(&types.PlanPrecedence{Names: planPrecedence})
				return nil
			},
		},
	}
}

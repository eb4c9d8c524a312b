package rules

import (
	"errors"
	"testing"

	"cortex/internal/config"
	"cortex/internal/types"
)

func signal(dim, label string, conf float64, turn int) *types.Signal {
	s := &types.Signal{Dimension: dim, Signal: label, Confidence: conf}
	s.Provenance.Source = "classifier"
	s.Provenance.Producer = dim
	s.Provenance.TurnIndex = turn
	return s
}

func emitPlan(p *types.ExecutionPlan) Action {
	return func(e *Engine, b Bindings) error {
		e.AddFact(p)
		return nil
	}
}

func TestSalienceOrderingWithInsertionTiebreak(t *testing.T) {
	e := New()
	var order []string
	record := func(name string) Action {
		return func(*Engine, Bindings) error {
			order = append(order, name)
			return nil
		}
	}

	e.AddRule(Rule{Name: "low", Salience: 1, When: Test(func(Memory) bool { return true }), Then: record("low")})
	e.AddRule(Rule{Name: "high-a", Salience: 10, When: Test(func(Memory) bool { return true }), Then: record("high-a")})
	e.AddRule(Rule{Name: "high-b", Salience: 10, When: Test(func(Memory) bool { return true }), Then: record("high-b")})

	if _, err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"high-a", "high-b", "low"}
	for i, name := range want {
		if i >= len(order) || order[i] != name {
			t.Fatalf("firing order = %v, want %v", order, want)
		}
	}
}

func TestChainingAcrossCycles(t *testing.T) {
	e := New()
	e.InsertFact(&types.TurnContext{CurrentTurnIndex: 1})
	e.InsertFact(signal(types.DimIntent, "investigate", 0.9, 1))

	e.AddRule(Rule{
		Name:     "derive-need",
		Salience: SalienceModule,
		When:     Signal(types.DimIntent, "investigate"),
		Then: func(e *Engine, b Bindings) error {
			e.AddFact(&types.Derived{Key: "needs-tools", Value: true})
			return nil
		},
	})
	e.AddRule(Rule{
		Name:     "plan-from-need",
		Salience: SalienceModule,
		When: Test(func(m Memory) bool {
			for _, f := range m.FactsOfKind(types.KindDerived) {
				if d, ok := f.(*types.Derived); ok && d.Key == "needs-tools" {
					return true
				}
			}
			return false
		}),
		Then: emitPlan(&types.ExecutionPlan{Name: "investigate-task", Strategy: types.StrategyTask, Tools: []string{"search"}}),
	})
	e.AddRules(SystemRules(DefaultSystemConfig()))

	fm, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sel := fm.Selected()
	if sel == nil || sel.Plan.Name != "investigate-task" {
		t.Fatalf("Selected = %+v, want investigate-task", sel)
	}
}

func TestRefraction_RuleFiresOncePerBinding(t *testing.T) {
	e := New()
	fires := 0
	e.AddRule(Rule{
		Name: "count-fires",
		When: Test(func(Memory) bool { return true }),
		Then: func(e *Engine, b Bindings) error {
			fires++
			e.AddFact(&types.Derived{Key: "noise"})
			return nil
		},
	})

	if _, err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fires != 1 {
		t.Errorf("rule fired %d times, want 1", fires)
	}
}

func TestCycleCapReturnsAccruedFacts(t *testing.T) {
	e := New()
	n := 0
	// Accumulator binding changes each cycle, so the rule refires forever.
	e.AddRule(Rule{
		Name: "runaway",
		When: All(
			IncrementalCount("n", types.KindDerived, nil),
		),
		Then: func(e *Engine, b Bindings) error {
			n++
			e.AddFact(&types.Derived{Key: "spin", Value: n})
			return nil
		},
	})

	fm, err := e.Run()
	if !errors.Is(err, ErrRuleLoop) {
		t.Fatalf("err = %v, want ErrRuleLoop", err)
	}
	if len(fm[types.KindDerived]) == 0 {
		t.Error("accrued facts were not returned with the loop error")
	}
}

func TestProvenanceInjectionOnEmit(t *testing.T) {
	e := New()
	e.InsertFact(&types.TurnContext{CurrentTurnIndex: 7})
	e.AddRule(Rule{
		Name: "emitter",
		When: Test(func(Memory) bool { return true }),
		Then: func(e *Engine, b Bindings) error {
			e.AddFact(&types.Derived{Key: "stamped"})
			return nil
		},
	})

	fm, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	d := fm[types.KindDerived][0]
	prov := d.Meta().Provenance
	if prov.Source != "rule" || prov.Producer != "emitter" || prov.TurnIndex != 7 {
		t.Errorf("provenance = %+v", prov)
	}
}

func TestSignalsScopedToCurrentTurn(t *testing.T) {
	e := New()
	e.InsertFact(&types.TurnContext{CurrentTurnIndex: 3})
	e.InsertFact(signal(types.DimIntent, "stale", 0.9, 2))
	e.InsertFact(signal(types.DimIntent, "fresh", 0.9, 3))

	if e.HasSignal(types.DimIntent, "stale", 0.6) {
		t.Error("signal from a previous turn matched")
	}
	if !e.HasSignal(types.DimIntent, "fresh", 0.6) {
		t.Error("current-turn signal did not match")
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidation_MultiplePrecedence(t *testing.T) {
	e := New()
	e.AddRule(Rule{
		Name: "prec-a", Salience: SalienceModule,
		When: Test(func(Memory) bool { return true }),
		Then: func(e *Engine, b Bindings) error {
			e.AddFact(&types.PlanPrecedence{Names: []string{"x"}})
			return nil
		},
	})
	e.AddRule(Rule{
		Name: "prec-b", Salience: SalienceModule,
		When: Test(func(Memory) bool { return true }),
		Then: func(e *Engine, b Bindings) error {
			e.AddFact(&types.PlanPrecedence{Names: []string{"y"}})
			return nil
		},
	})
	e.AddRules(SystemRules(DefaultSystemConfig()))

	_, err := e.Run()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(verr.Producers) != 2 {
		t.Errorf("Producers = %v, want both emitting rules", verr.Producers)
	}
}

func TestValidation_UnnamedPlan(t *testing.T) {
	e := New()
	e.AddRule(Rule{
		Name: "bad-plan", Salience: SalienceModule,
		When: Test(func(Memory) bool { return true }),
		Then: emitPlan(&types.ExecutionPlan{Strategy: types.StrategyDirect}),
	})
	e.AddRules(SystemRules(DefaultSystemConfig()))

	_, err := e.Run()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(verr.Producers) != 1 || verr.Producers[0] != "bad-plan" {
		t.Errorf("Producers = %v, want [bad-plan]", verr.Producers)
	}
}

func TestValidation_ParallelLastForbidden(t *testing.T) {
	e := New()
	e.AddRule(Rule{
		Name: "ambiguous-plan", Salience: SalienceModule,
		When: Test(func(Memory) bool { return true }),
		Then: emitPlan(&types.ExecutionPlan{
			Name:           "race",
			Strategy:       types.StrategyParallel,
			Roles:          []string{"planner", "critic"},
			ResultStrategy: types.ResultLast,
		}),
	})
	e.AddRules(SystemRules(DefaultSystemConfig()))

	if _, err := e.Run(); err == nil {
		t.Fatal("expected validation error for parallel + last")
	}
}

// =============================================================================
// POLICY
// =============================================================================

func TestPolicy_FanoutBlocked(t *testing.T) {
	limits := config.PolicyLimits{MaxDepth: 4, MaxFanout: 3, MaxChildren: 6}
	e := New()
	e.AddRule(Rule{
		Name: "wide-plan", Salience: SalienceModule,
		When: Test(func(Memory) bool { return true }),
		Then: emitPlan(&types.ExecutionPlan{
			Name:     "wide",
			Strategy: types.StrategyParallel,
			Roles:    []string{"a", "b", "c", "d"},
		}),
	})
	e.AddRules(GeneratePolicyRules(limits))
	e.AddRules(SystemRules(DefaultSystemConfig()))

	fm, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	plans := fm.Plans()
	var wide *types.ExecutionPlan
	for _, p := range plans {
		if p.Name == "wide" {
			wide = p
		}
	}
	if wide == nil || !wide.PolicyBlocked || wide.BlockedCode != CodeFanout {
		t.Fatalf("wide plan not blocked: %+v", wide)
	}

	sel := fm.Selected()
	if sel == nil {
		t.Fatal("no plan selected")
	}
	if sel.Plan.Name != "fallback-direct" {
		t.Errorf("selected %q, want synthesized fallback", sel.Plan.Name)
	}
	if sel.Plan.Rationale != FallbackRationale {
		t.Errorf("rationale = %q", sel.Plan.Rationale)
	}
	if sel.Plan.BlockedCode != CodeFanout {
		t.Errorf("fallback should carry the blocking code, got %q", sel.Plan.BlockedCode)
	}
}

func TestPolicy_ChildrenBlocked(t *testing.T) {
	limits := config.PolicyLimits{MaxDepth: 4, MaxFanout: 3, MaxChildren: 2}
	steps := []types.PlanStep{{Role: "a"}, {Role: "b"}, {Role: "c"}}

	e := New()
	e.AddRule(Rule{
		Name: "long-plan", Salience: SalienceModule,
		When: Test(func(Memory) bool { return true }),
		Then: emitPlan(&types.ExecutionPlan{Name: "long", Strategy: types.StrategySequential, Sequence: steps}),
	})
	e.AddRules(GeneratePolicyRules(limits))
	e.AddRules(SystemRules(DefaultSystemConfig()))

	fm, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	p := fm.Plans()[0]
	if !p.PolicyBlocked || p.BlockedCode != CodeChildren {
		t.Errorf("plan = %+v, want blocked with %s", p, CodeChildren)
	}
}

func TestPolicy_DepthBlocksNonDirect(t *testing.T) {
	limits := config.PolicyLimits{MaxDepth: 2, MaxFanout: 3, MaxChildren: 6}

	e := New()
	depth := &types.Derived{Key: "execution-depth", Value: 1}
	e.InsertFact(depth)
	e.AddRule(Rule{
		Name: "nested-task", Salience: SalienceModule,
		When: Test(func(Memory) bool { return true }),
		Then: emitPlan(&types.ExecutionPlan{Name: "deep", Strategy: types.StrategyTask, Tools: []string{"search"}}),
	})
	e.AddRules(GeneratePolicyRules(limits))
	e.AddRules(SystemRules(DefaultSystemConfig()))

	fm, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	p := fm.Plans()[0]
	if !p.PolicyBlocked || p.BlockedCode != CodeDepth {
		t.Errorf("plan = %+v, want blocked with %s", p, CodeDepth)
	}
}

// =============================================================================
// ENFORCEMENT + SELECTION
// =============================================================================

func TestAckEnforcement(t *testing.T) {
	e := New()
	e.InsertFact(&types.TurnContext{CurrentTurnIndex: 1})
	e.InsertFact(signal(types.DimContract, "ack-only", 0.8, 1))
	e.AddRules(SystemRules(DefaultSystemConfig()))

	fm, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	sel := fm.Selected()
	if sel == nil || sel.Plan.Name != "ack-only-direct" {
		t.Fatalf("Selected = %+v, want ack-only-direct", sel)
	}
	if sel.Plan.Strategy != types.StrategyDirect || sel.Plan.LengthLevel != "brief" {
		t.Errorf("ack plan = %+v", sel.Plan)
	}

	mults := fm.Multipliers()
	if len(mults) != 1 || mults[0].Factor != 0.5 {
		t.Errorf("multipliers = %+v, want one 0.5", mults)
	}
}

func TestAckEnforcement_BelowThresholdIgnored(t *testing.T) {
	e := New()
	e.InsertFact(&types.TurnContext{CurrentTurnIndex: 1})
	e.InsertFact(signal(types.DimContract, "ack-only", 0.65, 1))
	e.AddRules(SystemRules(DefaultSystemConfig()))

	fm, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fm.Multipliers()) != 0 {
		t.Error("ack multiplier emitted below the 0.75 threshold")
	}
}

func TestSelection_PrecedencePrefersTools(t *testing.T) {
	e := New()
	e.AddRule(Rule{
		Name: "plans", Salience: SalienceModule,
		When: Test(func(Memory) bool { return true }),
		Then: func(e *Engine, b Bindings) error {
			e.AddFact(&types.ExecutionPlan{Name: "chat", Strategy: types.StrategyDirect})
			e.AddFact(&types.ExecutionPlan{Name: "dig", Strategy: types.StrategyTask, Tools: []string{"read_file"}})
			e.AddFact(&types.PlanPrecedence{Names: []string{"chat", "dig"}})
			return nil
		},
	})
	e.AddRules(SystemRules(DefaultSystemConfig()))

	fm, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// "chat" comes first in precedence and wins: the tools preference applies
	// among plans matching one precedence entry, not across entries.
	if sel := fm.Selected(); sel.Plan.Name != "chat" {
		t.Errorf("selected %q, want chat", sel.Plan.Name)
	}
}

func TestSelection_DuplicatePrecedenceKeepsFirst(t *testing.T) {
	e := New()
	e.AddRule(Rule{
		Name: "plans", Salience: SalienceModule,
		When: Test(func(Memory) bool { return true }),
		Then: func(e *Engine, b Bindings) error {
			e.AddFact(&types.ExecutionPlan{Name: "explore-analyze-par", Strategy: types.StrategyParallel, Roles: []string{"planner", "critic"}, ResultStrategy: types.ResultLabel})
			e.AddFact(&types.PlanPrecedence{Names: []string{"explore-analyze-par", "explore-analyze-par"}})
			return nil
		},
	})
	e.AddRules(SystemRules(DefaultSystemConfig()))

	fm, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sel := fm.Selected(); sel.Plan.Name != "explore-analyze-par" {
		t.Errorf("selected %q", sel.Plan.Name)
	}
}

func TestSelection_NoPrecedencePrefersToolBearing(t *testing.T) {
	e := New()
	e.AddRule(Rule{
		Name: "plans", Salience: SalienceModule,
		When: Test(func(Memory) bool { return true }),
		Then: func(e *Engine, b Bindings) error {
			e.AddFact(&types.ExecutionPlan{Name: "plain", Strategy: types.StrategyDirect})
			e.AddFact(&types.ExecutionPlan{Name: "tooled", Strategy: types.StrategyTask, Tools: []string{"search"}})
			return nil
		},
	})
	e.AddRules(SystemRules(DefaultSystemConfig()))

	fm, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sel := fm.Selected(); sel.Plan.Name != "tooled" {
		t.Errorf("selected %q, want tooled", sel.Plan.Name)
	}
}

func TestSelection_EmptyMemorySynthesizesFallback(t *testing.T) {
	e := New()
	e.AddRules(SystemRules(DefaultSystemConfig()))

	fm, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sel := fm.Selected()
	if sel == nil {
		t.Fatal("no selected plan")
	}
	if sel.Plan.Strategy != types.StrategyDirect || sel.Plan.Role != "assistant" {
		t.Errorf("fallback plan = %+v", sel.Plan)
	}
}

func TestSelection_ExactlyOneSelectedPlan(t *testing.T) {
	e := New()
	e.AddRule(Rule{
		Name: "plans", Salience: SalienceModule,
		When: Test(func(Memory) bool { return true }),
		Then: func(e *Engine, b Bindings) error {
			e.AddFact(&types.ExecutionPlan{Name: "a", Strategy: types.StrategyDirect})
			e.AddFact(&types.ExecutionPlan{Name: "b", Strategy: types.StrategyDirect})
			return nil
		},
	})
	e.AddRules(SystemRules(DefaultSystemConfig()))

	fm, err := e.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(fm[types.KindSelectedPlan]); n != 1 {
		t.Errorf("selected plan count = %d, want 1", n)
	}
}

package rules

import (
	"cortex/internal/types"
)

// =============================================================================
// CONDITIONS
// =============================================================================

// Memory is the read surface conditions evaluate against. *Engine satisfies
// it; tests can substitute a fixture.
type Memory interface {
	Facts() []types.Fact
	FactsOfKind(kind string) []types.Fact
	Signals() []*types.Signal
	HasSignal(dimension, label string, minConfidence float64) bool
	Plans() []*types.ExecutionPlan
	CurrentTurn() int
}

// Condition is one clause of a rule's match. Accumulator conditions bind
// variables into b for the action to consume.
type Condition interface {
	Eval(m Memory, b Bindings) bool
}

type condFunc func(m Memory, b Bindings) bool

func (f condFunc) Eval(m Memory, b Bindings) bool { return f(m, b) }

// All matches when every sub-condition matches. Bindings from sub-conditions
// accumulate left to right.
func All(conds ...Condition) Condition {
	return condFunc(func(m Memory, b Bindings) bool {
		for _, c := range conds {
			if !c.Eval(m, b) {
				return false
			}
		}
		return true
	})
}

// Any matches when at least one sub-condition matches. Evaluation stops at
// the first match, so only that branch's bindings survive.
func Any(conds ...Condition) Condition {
	return condFunc(func(m Memory, b Bindings) bool {
		for _, c := range conds {
			if c.Eval(m, b) {
				return true
			}
		}
		return false
	})
}

// Not inverts a condition. Bindings made by the inner condition are dropped.
func Not(c Condition) Condition {
	return condFunc(func(m Memory, b Bindings) bool {
		scratch := Bindings{}
		return !c.Eval(m, scratch)
	})
}

// Test wraps an arbitrary predicate over working memory.
func Test(fn func(m Memory) bool) Condition {
	return condFunc(func(m Memory, b Bindings) bool {
		return fn(m)
	})
}

// Where wraps a predicate over the bindings accumulated so far. Place it
// after the accumulator conditions it inspects.
func Where(fn func(b Bindings) bool) Condition {
	return condFunc(func(m Memory, b Bindings) bool {
		return fn(b)
	})
}

// SignalAt matches a turn-scoped signal at or above minConfidence.
func SignalAt(dimension, label string, minConfidence float64) Condition {
	return condFunc(func(m Memory, b Bindings) bool {
		return m.HasSignal(dimension, label, minConfidence)
	})
}

// Signal matches a turn-scoped signal at the default confidence floor.
func Signal(dimension, label string) Condition {
	return SignalAt(dimension, label, types.MinSignalConfidence)
}

// NoPlanNamed matches while no plan with the given name exists.
func NoPlanNamed(name string) Condition {
	return condFunc(func(m Memory, b Bindings) bool {
		for _, p := range m.Plans() {
			if p.Matches(name) {
				return false
			}
		}
		return true
	})
}

// =============================================================================
// ACCUMULATORS
// =============================================================================

// CollectAll binds every fact of kind passing pred (nil matches all) under
// varName. It always matches, binding an empty group when nothing passes; the
// binding participates in refraction, so the rule refires when the group
// changes.
func CollectAll(varName, kind string, pred func(types.Fact) bool) Condition {
	return condFunc(func(m Memory, b Bindings) bool {
		group := make([]types.Fact, 0)
		for _, f := range m.FactsOfKind(kind) {
			if pred == nil || pred(f) {
				group = append(group, f)
			}
		}
		b[varName] = group
		return true
	})
}

// IncrementalCount binds the count of facts of kind passing pred under
// varName. Like CollectAll it always matches; pair with Where for
// threshold checks.
func IncrementalCount(varName, kind string, pred func(types.Fact) bool) Condition {
	return condFunc(func(m Memory, b Bindings) bool {
		n := 0
		for _, f := range m.FactsOfKind(kind) {
			if pred == nil || pred(f) {
				n++
			}
		}
		b[varName] = n
		return true
	})
}

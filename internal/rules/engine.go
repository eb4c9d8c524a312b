// Package rules implements the forward-chaining rules engine at the center of
// the turn pipeline. Rules match over a working memory of typed facts
// (internal/types) with salience ordering, accumulator conditions, refraction
// per (rule, binding) pair, and a hard cycle cap. Rule actions emit new facts
// through the engine handle, which injects rule provenance; facts are never
// mutated after insertion (policy blocking is the one documented status mark,
// see policy.go).
package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrRuleLoop is returned when evaluation exceeds the cycle cap. The
	// facts accrued before the overrun are still returned to the caller.
	ErrRuleLoop = errors.New("rule loop detected")
)

// MaxCycles is the hard evaluation cycle cap.
const MaxCycles = 32

// ValidationError is raised by system validation rules. It indicates a
// module authoring bug and must surface with the offending producers listed.
type ValidationError struct {
	Reason    string
	Producers []string
}

func (e *ValidationError) Error() string {
	if len(e.Producers) == 0 {
		return fmt.Sprintf("rule validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("rule validation failed: %s (producers: %s)",
		e.Reason, strings.Join(e.Producers, ", "))
}

// =============================================================================
// RULE MODEL
// =============================================================================

// Salience bands. Higher fires first; ties break by insertion order.
const (
	SalienceModule    = 100 // domain rules from the cognition module
	SaliencePolicy    = 50  // generated limit-enforcement rules
	SalienceEnforce   = 40  // system behavior enforcement
	SalienceValidate  = 20  // system validation (final pass)
	SalienceSelection = 10  // system plan selection (final pass)
)

// Bindings carries accumulator variables bound during condition evaluation.
type Bindings map[string]any

// Facts returns the fact group bound under name, or nil.
func (b Bindings) Facts(name string) []types.Fact {
	v, _ := b[name].([]types.Fact)
	return v
}

// Count returns the count bound under name, or 0.
func (b Bindings) Count(name string) int {
	v, _ := b[name].(int)
	return v
}

// Action is the impure body of a rule. It may emit facts through the engine
// handle; the engine injects Provenance{Source:"rule", Producer:<rule name>}.
// A returned error aborts evaluation and surfaces to the caller.
type Action func(e *Engine, b Bindings) error

// Rule is one forward-chaining rule.
type Rule struct {
	Name     string
	Salience int
	When     Condition
	Then     Action

	// Final rules only become eligible once no regular rule can fire.
	// Validation and plan selection run as final rules so they observe the
	// quiesced plan set.
	Final bool
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine owns one turn's working memory and rule set. It is not safe for
// concurrent use; each turn (and each parallel branch) gets its own engine
// over its own fact snapshot.
type Engine struct {
	rules   []Rule
	facts   []types.Fact
	fired   map[string]bool
	current string // name of the rule being fired, for provenance
	turn    int
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{fired: make(map[string]bool)}
}

// AddRule appends a rule. Insertion order is the salience tiebreak.
func (e *Engine) AddRule(r Rule) {
	e.rules = append(e.rules, r)
}

// AddRules appends rules in order.
func (e *Engine) AddRules(rs []Rule) {
	e.rules = append(e.rules, rs...)
}

// InsertFact adds an externally produced fact (classifier output, turn
// context) to working memory, applying the default namespace and type.
func (e *Engine) InsertFact(f types.Fact) {
	meta := f.Meta()
	if meta.Namespace == "" {
		meta.Namespace = types.DefaultNamespace
	}
	if meta.Type == "" {
		meta.Type = f.Kind()
	}
	if tc, ok := f.(*types.TurnContext); ok {
		e.turn = tc.CurrentTurnIndex
	}
	e.facts = append(e.facts, f)
}

// AddFact is the emission path for rule actions. Provenance for the firing
// rule is merged before insertion.
func (e *Engine) AddFact(f types.Fact) {
	meta := f.Meta()
	meta.Provenance.Merge(types.Provenance{
		Source:    "rule",
		Producer:  e.current,
		TurnIndex: e.turn,
	})
	e.InsertFact(f)
	logging.RulesDebug("rule %q emitted %s fact", e.current, f.Kind())
}

// Facts returns the live working memory (read-only by convention).
func (e *Engine) Facts() []types.Fact {
	return e.facts
}

// FactsOfKind returns facts of one kind in insertion order.
func (e *Engine) FactsOfKind(kind string) []types.Fact {
	var out []types.Fact
	for _, f := range e.facts {
		if f.Kind() == kind {
			out = append(out, f)
		}
	}
	return out
}

// CurrentTurn returns the turn index from the TurnContext fact (0 if unset).
func (e *Engine) CurrentTurn() int {
	return e.turn
}

// Signals returns signal facts scoped to the current turn. Rules ignore
// signals stamped with another turn index.
func (e *Engine) Signals() []*types.Signal {
	var out []*types.Signal
	for _, f := range e.FactsOfKind(types.KindSignal) {
		s, ok := f.(*types.Signal)
		if !ok {
			continue
		}
		if s.Provenance.TurnIndex != 0 && s.Provenance.TurnIndex != e.turn {
			continue
		}
		out = append(out, s)
	}
	return out
}

// HasSignal reports a turn-scoped signal at or above minConfidence.
func (e *Engine) HasSignal(dimension, label string, minConfidence float64) bool {
	for _, s := range e.Signals() {
		if s.Dimension == dimension && s.Signal == label && s.Confidence >= minConfidence {
			return true
		}
	}
	return false
}

// Plans returns execution plan facts in insertion order.
func (e *Engine) Plans() []*types.ExecutionPlan {
	var out []*types.ExecutionPlan
	for _, f := range e.FactsOfKind(types.KindExecutionPlan) {
		if p, ok := f.(*types.ExecutionPlan); ok {
			out = append(out, p)
		}
	}
	return out
}

// FactMap snapshots working memory grouped by kind.
func (e *Engine) FactMap() types.FactMap {
	m := types.FactMap{}
	for _, f := range e.facts {
		m.Add(f)
	}
	return m
}

// =============================================================================
// EVALUATION
// =============================================================================

// sortedRules returns rules ordered by salience descending, insertion order
// preserved within a salience level.
func sortedRules(rs []Rule) []Rule {
	out := make([]Rule, len(rs))
	copy(out, rs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Salience > out[j].Salience
	})
	return out
}

// Run evaluates the rule set to quiescence. Regular rules chain first; final
// rules (validation, selection) fire only in cycles where no regular rule
// fired. On cycle-cap overrun the accrued FactMap is returned alongside
// ErrRuleLoop so callers can still report what was derived.
func (e *Engine) Run() (types.FactMap, error) {
	timer := logging.StartTimer(logging.CategoryRules, "rules.Run")
	defer timer.Stop()

	var regular, final []Rule
	for _, r := range sortedRules(e.rules) {
		if r.Final {
			final = append(final, r)
		} else {
			regular = append(regular, r)
		}
	}

	for cycle := 1; ; cycle++ {
		if cycle > MaxCycles {
			logging.Get(logging.CategoryRules).Error("cycle cap %d exceeded, aborting evaluation", MaxCycles)
			return e.FactMap(), fmt.Errorf("%w: exceeded %d cycles", ErrRuleLoop, MaxCycles)
		}

		fired, err := e.firePass(regular)
		if err != nil {
			return e.FactMap(), err
		}
		if fired {
			continue
		}

		fired, err = e.firePass(final)
		if err != nil {
			return e.FactMap(), err
		}
		if !fired {
			logging.RulesDebug("quiesced after %d cycles, %d facts", cycle, len(e.facts))
			return e.FactMap(), nil
		}
	}
}

// firePass evaluates rules in order against live memory, firing each
// activation whose (rule, binding) pair has not fired before. Conditions are
// re-evaluated at fire time so earlier firings in the same pass are visible.
func (e *Engine) firePass(rs []Rule) (bool, error) {
	anyFired := false
	for _, r := range rs {
		b := Bindings{}
		if r.When != nil && !r.When.Eval(e, b) {
			continue
		}
		fp := r.Name + "|" + fingerprint(b)
		if e.fired[fp] {
			continue
		}
		e.fired[fp] = true
		anyFired = true

		e.current = r.Name
		err := r.Then(e, b)
		e.current = ""
		if err != nil {
			return anyFired, err
		}
		logging.RulesDebug("fired rule %q (salience %d)", r.Name, r.Salience)
	}
	return anyFired, nil
}

// fingerprint produces a stable identity for a binding tuple so refraction
// can distinguish activations over different fact groups.
func fingerprint(b Bindings) string {
	if len(b) == 0 {
		return ""
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		switch v := b[k].(type) {
		case []types.Fact:
			for _, f := range v {
				fmt.Fprintf(&sb, "%p,", f)
			}
		default:
			fmt.Fprintf(&sb, "%v", v)
		}
		sb.WriteByte(';')
	}
	return sb.String()
}

// Package types provides the shared fact model and type definitions used
// across cortex packages. This package exists to break import cycles between
// perception, rules, compose, and executor. Types here are foundational data
// structures with no complex dependencies.
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// PROVENANCE
// =============================================================================

// Provenance records where a fact came from. The rules engine injects it when
// rule actions emit facts; the classifier bank stamps its own.
type Provenance struct {
	Source     string `json:"source"`                // "classifier", "rule", "system", "policy"
	Producer   string `json:"producer"`              // classifier dimension or rule name
	TurnIndex  int    `json:"turn_index"`            // turn the fact belongs to
	Profile    string `json:"profile,omitempty"`     // optional module profile
	DurationMS int64  `json:"duration_ms,omitempty"` // time spent producing the fact
}

// Merge fills empty provenance fields from other without overwriting
// anything the producer already set.
func (p *Provenance) Merge(other Provenance) {
	if p.Source == "" {
		p.Source = other.Source
	}
	if p.Producer == "" {
		p.Producer = other.Producer
	}
	if p.TurnIndex == 0 {
		p.TurnIndex = other.TurnIndex
	}
	if p.Profile == "" {
		p.Profile = other.Profile
	}
}

// =============================================================================
// FACT MODEL
// =============================================================================

// Fact is an immutable record in the turn's working memory. Implementations
// are the typed fact structs below; Meta gives the engine uniform access to
// namespace, type, and provenance.
type Fact interface {
	Meta() *FactMeta
	Kind() string
}

// FactMeta carries the namespaced identity shared by every fact.
type FactMeta struct {
	Namespace  string     `json:"namespace"`
	Type       string     `json:"type"`
	Provenance Provenance `json:"provenance"`
}

// Fact kind constants. Kind doubles as FactMeta.Type when the producer does
// not override it.
const (
	KindSignal          = "signal"
	KindExecutionPlan   = "execution-plan"
	KindPlanPrecedence  = "plan-precedence"
	KindSelectedPlan    = "selected-plan"
	KindRoleSelection   = "role-selection"
	KindTokenMultiplier = "token-multiplier"
	KindDerived         = "derived"
	KindAdaptation      = "adaptation"
	KindCapability      = "capability"
	KindTurnContext     = "turn-context"
)

// DefaultNamespace is applied to facts emitted without an explicit namespace.
const DefaultNamespace = "cortex"

// =============================================================================
// SIGNALS
// =============================================================================

// Classification dimensions. Every Signal fact names one of these.
const (
	DimClaim       = "claim"
	DimSupport     = "support"
	DimCalibration = "calibration"
	DimTemporal    = "temporal"
	DimContract    = "contract"
	DimIntent      = "intent"
)

// Dimensions lists all classification dimensions in canonical order.
var Dimensions = []string{DimClaim, DimSupport, DimCalibration, DimTemporal, DimContract, DimIntent}

// MinSignalConfidence is the floor below which signal facts are dropped.
const MinSignalConfidence = 0.6

// Signal is a (dimension, label, confidence) triple produced by a classifier.
type Signal struct {
	FactMeta
	Dimension  string  `json:"dimension"`
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence"` // [0.6, 1.0] after filtering
}

func (s *Signal) Meta() *FactMeta { return &s.FactMeta }
func (s *Signal) Kind() string    { return KindSignal }

// Valid reports whether the signal's confidence is inside the accepted range.
func (s *Signal) Valid() bool {
	return s.Confidence >= MinSignalConfidence && s.Confidence <= 1.0
}

func (s *Signal) String() string {
	return fmt.Sprintf("%s/%s@%.2f", s.Dimension, s.Signal, s.Confidence)
}

// =============================================================================
// EXECUTION PLANS
// =============================================================================

// Execution strategies.
const (
	StrategyDirect     = "direct"
	StrategySequential = "sequential"
	StrategyParallel   = "parallel"
	StrategyTask       = "task"
)

// Result aggregation strategies for multi-call plans.
const (
	ResultLast   = "last"
	ResultConcat = "concat"
	ResultLabel  = "label"
)

// Resolution bounds a task-strategy run. All four limits are checked at
// cycle edges; cycles and tool calls are hard caps, the timeout is soft.
type Resolution struct {
	MaxCycles    int           `json:"max_cycles" yaml:"max_cycles"`
	MaxTokens    int           `json:"max_tokens" yaml:"max_tokens"`
	MaxToolCalls int           `json:"max_tool_calls" yaml:"max_tool_calls"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultResolution returns the envelope applied when a task plan omits one.
func DefaultResolution() Resolution {
	return Resolution{
		MaxCycles:    5,
		MaxTokens:    8000,
		MaxToolCalls: 10,
		Timeout:      2 * time.Minute,
	}
}

// PlanStep is one entry in a sequential plan.
type PlanStep struct {
	Role          string   `json:"role" yaml:"role"`
	Strategy      string   `json:"strategy" yaml:"strategy"`
	AdaptationKey string   `json:"adaptation_key,omitempty" yaml:"adaptation_key,omitempty"`
	Tools         []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	BuildThread   bool     `json:"build_thread,omitempty" yaml:"build_thread,omitempty"`
}

// ExecutionPlan is a named recipe for producing the turn's response.
// Name is required; validation fails on unnamed plans.
type ExecutionPlan struct {
	FactMeta
	ID             string      `json:"id,omitempty"`
	Name           string      `json:"name"`
	Strategy       string      `json:"strategy"`
	Role           string      `json:"role,omitempty"`
	Tools          []string    `json:"tools,omitempty"`
	Sequence       []PlanStep  `json:"sequence,omitempty"`
	Roles          []string    `json:"roles,omitempty"`
	Resolution     *Resolution `json:"resolution,omitempty"`
	LengthLevel    string      `json:"length_level,omitempty"`
	Rationale      string      `json:"rationale,omitempty"`
	ResultStrategy string      `json:"result_strategy,omitempty"`

	// PolicyBlocked marks plans that violate depth/fanout/children limits.
	// Blocked plans stay in working memory but are skipped by selection.
	PolicyBlocked bool   `json:"policy_blocked,omitempty"`
	BlockedCode   string `json:"blocked_code,omitempty"`
}

func (p *ExecutionPlan) Meta() *FactMeta { return &p.FactMeta }
func (p *ExecutionPlan) Kind() string    { return KindExecutionPlan }

// HasTools reports whether the plan declares tool requirements anywhere
// (top-level or inside sequential steps).
func (p *ExecutionPlan) HasTools() bool {
	if len(p.Tools) > 0 {
		return true
	}
	for _, step := range p.Sequence {
		if len(step.Tools) > 0 {
			return true
		}
	}
	return false
}

// Matches reports whether the plan answers to the given precedence entry.
func (p *ExecutionPlan) Matches(name string) bool {
	return p.Name == name || (p.ID != "" && p.ID == name)
}

// PlanPrecedence is an ordered list of plan names. At most one per
// evaluation; a second one is a fatal validation error.
type PlanPrecedence struct {
	FactMeta
	Names []string `json:"names"`
}

func (p *PlanPrecedence) Meta() *FactMeta { return &p.FactMeta }
func (p *PlanPrecedence) Kind() string    { return KindPlanPrecedence }

// SelectedPlan wraps the single plan chosen by the selection rule.
type SelectedPlan struct {
	FactMeta
	Plan *ExecutionPlan `json:"plan"`
}

func (s *SelectedPlan) Meta() *FactMeta { return &s.FactMeta }
func (s *SelectedPlan) Kind() string    { return KindSelectedPlan }

// =============================================================================
// AUXILIARY FACTS
// =============================================================================

// RoleSelection proposes a role for instruction composition.
type RoleSelection struct {
	FactMeta
	Role   string `json:"role"`
	Reason string `json:"reason,omitempty"`
}

func (r *RoleSelection) Meta() *FactMeta { return &r.FactMeta }
func (r *RoleSelection) Kind() string    { return KindRoleSelection }

// TokenMultiplier scales the composed token budget.
type TokenMultiplier struct {
	FactMeta
	Factor float64 `json:"factor"`
	Reason string  `json:"reason,omitempty"`
}

func (t *TokenMultiplier) Meta() *FactMeta { return &t.FactMeta }
func (t *TokenMultiplier) Kind() string    { return KindTokenMultiplier }

// Derived is a generic key/value fact produced by rules for later rules or
// for the composer.
type Derived struct {
	FactMeta
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
}

func (d *Derived) Meta() *FactMeta { return &d.FactMeta }
func (d *Derived) Kind() string    { return KindDerived }

// Adaptation names a prompt adaptation to splice into the composed
// instructions.
type Adaptation struct {
	FactMeta
	Key string `json:"key"`
}

func (a *Adaptation) Meta() *FactMeta { return &a.FactMeta }
func (a *Adaptation) Kind() string    { return KindAdaptation }

// Capability declares an available capability (tool group, provider feature).
type Capability struct {
	FactMeta
	Name string `json:"name"`
}

func (c *Capability) Meta() *FactMeta { return &c.FactMeta }
func (c *Capability) Kind() string    { return KindCapability }

// TurnContext scopes rule matching to the current turn. Rules ignore signals
// stamped with a different turn index.
type TurnContext struct {
	FactMeta
	CurrentTurnIndex int `json:"current_turn_index"`
}

func (t *TurnContext) Meta() *FactMeta { return &t.FactMeta }
func (t *TurnContext) Kind() string    { return KindTurnContext }

// =============================================================================
// FACT MAP
// =============================================================================

// FactMap groups facts by kind for rule matching and composer lookups.
// Insertion order within a kind is preserved.
type FactMap map[string][]Fact

// Add appends a fact under its kind.
func (m FactMap) Add(f Fact) {
	m[f.Kind()] = append(m[f.Kind()], f)
}

// Signals returns all signal facts in insertion order.
func (m FactMap) Signals() []*Signal {
	var out []*Signal
	for _, f := range m[KindSignal] {
		if s, ok := f.(*Signal); ok {
			out = append(out, s)
		}
	}
	return out
}

// Plans returns all execution plan facts in insertion order.
func (m FactMap) Plans() []*ExecutionPlan {
	var out []*ExecutionPlan
	for _, f := range m[KindExecutionPlan] {
		if p, ok := f.(*ExecutionPlan); ok {
			out = append(out, p)
		}
	}
	return out
}

// Selected returns the selected plan, or nil if selection has not run.
func (m FactMap) Selected() *SelectedPlan {
	facts := m[KindSelectedPlan]
	if len(facts) == 0 {
		return nil
	}
	sp, _ := facts[0].(*SelectedPlan)
	return sp
}

// Multipliers returns all token multiplier facts.
func (m FactMap) Multipliers() []*TokenMultiplier {
	var out []*TokenMultiplier
	for _, f := range m[KindTokenMultiplier] {
		if t, ok := f.(*TokenMultiplier); ok {
			out = append(out, t)
		}
	}
	return out
}

// HasSignal reports whether a signal with the given dimension and label is
// present at or above the given confidence.
func (m FactMap) HasSignal(dimension, label string, minConfidence float64) bool {
	for _, s := range m.Signals() {
		if s.Dimension == dimension && s.Signal == label && s.Confidence >= minConfidence {
			return true
		}
	}
	return false
}

// String renders a compact one-line summary for logging.
func (m FactMap) String() string {
	var parts []string
	for kind, facts := range m {
		parts = append(parts, fmt.Sprintf("%s=%d", kind, len(facts)))
	}
	return strings.Join(parts, " ")
}

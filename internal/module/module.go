// Package module defines the default cognition module: the role table, prompt
// tables, token multipliers, and domain rules the pipeline evaluates each
// turn. The core accepts a Module as a plain dependency; swapping modules
// swaps the system's behavioral repertoire without touching the engine.
package module

// =============================================================================
// ROLES
// =============================================================================

// Role configures one persona an execution plan can run under.
type Role struct {
	Name          string  `yaml:"name"`
	SystemPrompt  string  `yaml:"system_prompt"`
	PrimaryPrompt string  `yaml:"primary_prompt"`
	BaseTokens    int     `yaml:"base_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

// DefaultBaseTokens applies when a role omits its token budget.
const DefaultBaseTokens = 500

// Module bundles everything the pipeline needs from a cognition profile.
type Module struct {
	Name        string
	DefaultRole string

	Roles map[string]Role

	// Adaptations maps adaptation keys to instruction fragments spliced
	// into composed prompts.
	Adaptations map[string]string

	// LengthGuidance maps a plan's lengthLevel to response-length text.
	LengthGuidance map[string]string

	// SignalAdaptations maps "dimension/signal" to an adaptation key.
	SignalAdaptations map[string]string

	// SignalMultipliers maps "dimension/signal" to a token budget factor.
	// Signals that already drive a TokenMultiplier-emitting rule must not
	// appear here or the factor would apply twice.
	SignalMultipliers map[string]float64
}

// Role returns the named role, falling back to the default role and then to
// a bare assistant so composition never fails on a missing entry.
func (m *Module) Role(name string) Role {
	if r, ok := m.Roles[name]; ok {
		return r
	}
	if r, ok := m.Roles[m.DefaultRole]; ok {
		return r
	}
	return Role{Name: name, BaseTokens: DefaultBaseTokens, Temperature: 0.7}
}

// =============================================================================
// DEFAULT MODULE
// =============================================================================

// Default returns the built-in cognition module.
func Default() *Module {
	return &Module{
		Name:        "default",
		DefaultRole: "assistant",
		Roles: map[string]Role{
			"assistant": {
				Name:          "assistant",
				SystemPrompt:  "You are a careful, direct assistant. Answer plainly and keep claims proportionate to your evidence.",
				PrimaryPrompt: "Respond to the user's message.",
				BaseTokens:    500,
				Temperature:   0.7,
			},
			"planner": {
				Name:          "planner",
				SystemPrompt:  "You are a planner. Break the problem into concrete steps, name assumptions, and state what would change your plan.",
				PrimaryPrompt: "Produce a plan for the user's request.",
				BaseTokens:    700,
				Temperature:   0.4,
			},
			"critic": {
				Name:          "critic",
				SystemPrompt:  "You are a critic. Probe the claim for weak evidence, hidden assumptions, and overconfident framing. Be specific.",
				PrimaryPrompt: "Critique the user's claim or plan.",
				BaseTokens:    600,
				Temperature:   0.3,
			},
			"executor": {
				Name:          "executor",
				SystemPrompt:  "You are an executor working inside a workspace. Use the available tools to carry out the task. Verify results before declaring completion.",
				PrimaryPrompt: "Carry out the user's task using the tools provided.",
				BaseTokens:    800,
				Temperature:   0.2,
			},
			"researcher": {
				Name:          "researcher",
				SystemPrompt:  "You are a researcher working inside a workspace. Use the available tools to gather facts before answering. Cite what you found.",
				PrimaryPrompt: "Investigate the user's question using the tools provided.",
				BaseTokens:    800,
				Temperature:   0.3,
			},
		},
		Adaptations: map[string]string{
			"forecast-rigor":   "The user is making a prediction. Separate what is known from what is projected, and attach rough likelihoods.",
			"evidence-request": "The claim arrived without support. Ask for or supply the evidence before building on it.",
			"calibrate":        "The phrasing is highly certain. Restate the claim with calibrated language and note the failure modes.",
			"clarify":          "The request is ambiguous. Ask one focused clarifying question before committing to an answer.",
			"urgency":          "The user signaled time pressure. Lead with the actionable answer; defer background.",
		},
		LengthGuidance: map[string]string{
			"brief":    "Keep the response to one or two sentences.",
			"standard": "Keep the response focused; a few short paragraphs at most.",
			"detailed": "A thorough response is appropriate; structure it with short sections.",
		},
		SignalAdaptations: map[string]string{
			"claim/forecast":               "forecast-rigor",
			"support/unsupported":          "evidence-request",
			"calibration/high-certainty":   "calibrate",
			"intent/clarify":               "clarify",
			"temporal/urgent":              "urgency",
		},
		SignalMultipliers: map[string]float64{
			"temporal/urgent":    0.9,
			"calibration/hedged": 0.9,
		},
	}
}

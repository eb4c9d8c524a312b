// Package compose builds the structured instruction thread for one LLM
// execution: frame, system instruction, task alignment, primary prompt, tee
// prompt, and user input, plus the token budget derived from role config and
// multiplier facts.
package compose

import (
	"fmt"
	"strings"

	"cortex/internal/logging"
	"cortex/internal/module"
	"cortex/internal/types"
)

// =============================================================================
// COMPOSITION REQUEST / RESULT
// =============================================================================

// Type selects how the thread is assembled.
type Type string

const (
	// TypeDefault builds a fresh thread from scratch.
	TypeDefault Type = "default"
	// TypeContinuation reuses an already-built thread and appends new input.
	TypeContinuation Type = "continuation"
	// TypeAccumulation appends a new system+primary pair to accumulated
	// history without new user input (synthesis steps).
	TypeAccumulation Type = "accumulation"
)

// TeePrompt separates the primary instruction from the user's input.
const TeePrompt = "The following is your primary instruction for this session:"

// FrameAck is the assistant half of the frame exchange.
const FrameAck = "Understood. I will maintain this context for the session."

// Frame is an optional initial user/assistant exchange establishing context.
type Frame struct {
	User      string
	Assistant string
}

// Request carries everything composition needs for one execution.
type Request struct {
	Plan    *types.ExecutionPlan
	FactMap types.FactMap
	Input   string
	Frame   *Frame
	Type    Type
	CWD     string

	// RoleName overrides the plan's role (sequential steps run under their
	// own roles).
	RoleName string

	// AdaptationKey adds a step-specific adaptation on top of the
	// signal-derived ones.
	AdaptationKey string

	// Tools are the definitions granted to this execution; they drive the
	// tool-instructions section.
	Tools []types.ToolDefinition

	// Built is the existing thread for continuation/accumulation.
	Built types.Thread
}

// Instructions is the composed result handed to the executor.
type Instructions struct {
	Thread           types.Thread
	Indices          map[string]int // semantic tag -> position in Thread
	Adaptations      string
	LengthGuidance   string
	ToolInstructions string
	MaxTokens        int
	Role             module.Role

	// Metadata describes how the thread was composed: composition type,
	// role, multiplier product, and the resulting budget.
	Metadata map[string]any
}

// =============================================================================
// COMPOSER
// =============================================================================

// Composer assembles instruction threads from a cognition module's prompt
// tables.
type Composer struct {
	module *module.Module
}

// New creates a composer over a module.
func New(m *module.Module) *Composer {
	return &Composer{module: m}
}

// Compose builds the instruction thread for one execution.
func (c *Composer) Compose(req Request) (*Instructions, error) {
	if req.Plan == nil {
		return nil, fmt.Errorf("compose: nil plan")
	}

	roleName := req.RoleName
	if roleName == "" {
		roleName = req.Plan.Role
	}
	if roleName == "" {
		roleName = c.module.DefaultRole
	}
	role := c.module.Role(roleName)

	out := &Instructions{
		Indices:          map[string]int{},
		Adaptations:      c.adaptations(req),
		LengthGuidance:   c.lengthGuidance(req.Plan),
		ToolInstructions: toolInstructions(req.Tools),
		MaxTokens:        TokenBudget(role.BaseTokens, req.FactMap, c.module.SignalMultipliers),
		Role:             role,
	}
	compType := req.Type
	if compType == "" {
		compType = TypeDefault
	}
	out.Metadata = map[string]any{
		"compositionType": string(compType),
		"role":            role.Name,
		"multiplier":      MultiplierProduct(req.FactMap, c.module.SignalMultipliers),
		"maxTokens":       out.MaxTokens,
	}

	switch req.Type {
	case TypeContinuation:
		out.Thread = req.Built
		if req.Input != "" {
			out.Thread = out.Thread.Append(types.Message{
				Role:    types.RoleUser,
				Content: req.Input,
				Tag:     types.TagContinue,
			})
		}
	case TypeAccumulation:
		out.Thread = req.Built
		out.Thread = out.Thread.Append(types.Message{
			Role:    types.RoleSystem,
			Content: c.systemInstruction(role, out),
			Tag:     types.TagSystem,
		})
		out.Thread = out.Thread.Append(types.Message{
			Role:    types.RoleUser,
			Content: role.PrimaryPrompt,
			Tag:     types.TagPrimary,
		})
	default:
		c.composeDefault(req, role, out)
	}

	c.reindex(out)
	logging.ComposeDebug("composed %s thread: %d messages, role=%s, maxTokens=%d",
		req.Type, len(out.Thread), role.Name, out.MaxTokens)
	return out, nil
}

// composeDefault builds the full thread: frame → system → task alignment →
// primary → tee → input.
func (c *Composer) composeDefault(req Request, role module.Role, out *Instructions) {
	if req.Frame != nil {
		ack := req.Frame.Assistant
		if ack == "" {
			ack = FrameAck
		}
		out.Thread = out.Thread.Append(types.Message{Role: types.RoleUser, Content: req.Frame.User, Tag: types.TagFrame})
		out.Thread = out.Thread.Append(types.Message{Role: types.RoleAssistant, Content: ack, Tag: types.TagFrame})
	}

	out.Thread = out.Thread.Append(types.Message{
		Role:    types.RoleSystem,
		Content: c.systemInstruction(role, out),
		Tag:     types.TagSystem,
	})

	if req.Plan.Strategy == types.StrategyTask {
		out.Thread = out.Thread.Append(types.Message{
			Role:    types.RoleUser,
			Content: "We are beginning a tool-use task. Work it with the tools provided and say \"I have completed my task\" when you are done.",
			Tag:     types.TagTaskAlignment,
		})
		out.Thread = out.Thread.Append(types.Message{
			Role:    types.RoleAssistant,
			Content: "Ready. I will work the task and report completion.",
			Tag:     types.TagTaskAlignment,
		})
	}

	primary := role.PrimaryPrompt
	if req.CWD != "" {
		primary = fmt.Sprintf("%s\nWorking directory: %s", primary, req.CWD)
	}
	out.Thread = out.Thread.Append(types.Message{Role: types.RoleUser, Content: primary, Tag: types.TagPrimary})
	out.Thread = out.Thread.Append(types.Message{Role: types.RoleUser, Content: TeePrompt, Tag: types.TagTee})
	out.Thread = out.Thread.Append(types.Message{Role: types.RoleUser, Content: req.Input, Tag: types.TagInput})
}

// systemInstruction augments the role's system prompt with adaptations,
// length guidance, and tool instructions.
func (c *Composer) systemInstruction(role module.Role, out *Instructions) string {
	var sb strings.Builder
	sb.WriteString(role.SystemPrompt)
	if out.Adaptations != "" {
		sb.WriteString("\n\n")
		sb.WriteString(out.Adaptations)
	}
	if out.LengthGuidance != "" {
		sb.WriteString("\n\n")
		sb.WriteString(out.LengthGuidance)
	}
	if out.ToolInstructions != "" {
		sb.WriteString("\n\n")
		sb.WriteString(out.ToolInstructions)
	}
	return sb.String()
}

// reindex records the last position of every tagged message.
func (c *Composer) reindex(out *Instructions) {
	for i, m := range out.Thread {
		if m.Tag != "" {
			out.Indices[m.Tag] = i
		}
	}
}

// adaptations resolves adaptation keys from signals (insertion order,
// de-duplicated), Adaptation facts, and the step key, then joins their texts.
func (c *Composer) adaptations(req Request) string {
	seen := map[string]bool{}
	var keys []string

	add := func(key string) {
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		keys = append(keys, key)
	}

	for _, s := range req.FactMap.Signals() {
		add(c.module.SignalAdaptations[s.Dimension+"/"+s.Signal])
	}
	for _, f := range req.FactMap[types.KindAdaptation] {
		if a, ok := f.(*types.Adaptation); ok {
			add(a.Key)
		}
	}
	add(req.AdaptationKey)

	var texts []string
	for _, key := range keys {
		if text, ok := c.module.Adaptations[key]; ok {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n")
}

func (c *Composer) lengthGuidance(plan *types.ExecutionPlan) string {
	level := plan.LengthLevel
	if level == "" {
		level = "standard"
	}
	return c.module.LengthGuidance[level]
}

// toolInstructions renders the granted tool set into the system instruction.
func toolInstructions(tools []types.ToolDefinition) string {
	if len(tools) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("You have access to the following tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
	}
	sb.WriteString("Invoke a tool whenever it gets you closer to the answer; do not guess at workspace contents.")
	return sb.String()
}

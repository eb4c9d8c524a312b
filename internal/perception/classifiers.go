// Package perception implements the classifier bank: per-dimension analyzers
// that turn the latest user message into typed signal facts. Every dimension
// runs a regex pass; when an LLM client is configured and the dimension's
// gate agrees, a short structured completion refines the candidates. LLM
// failure is never fatal; regex results stand on their own.
package perception

import (
	"regexp"

	"cortex/internal/types"
)

// =============================================================================
// CLASSIFIER MODEL
// =============================================================================

// Candidate is one (signal, confidence) pair proposed by a classifier pass.
type Candidate struct {
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence"`
}

// Pattern maps a compiled regex to a signal with a hand-calibrated confidence.
type Pattern struct {
	Regexp     *regexp.Regexp
	Signal     string
	Confidence float64
}

// Classifier analyzes one dimension. Patterns always run; Custom (optional)
// contributes candidates the pattern table cannot express; Gate (optional)
// decides whether LLM enhancement is worthwhile; ShortCircuit (optional)
// suppresses enhancement entirely.
type Classifier struct {
	Dimension string
	Signals   []string // allowed label set; enhancement output outside it is rejected
	Patterns  []Pattern
	Custom    func(last string, context types.Thread) []Candidate
	Gate      func(last string, context types.Thread) bool
	// ShortCircuit skips LLM enhancement when the regex verdict is already
	// trustworthy (e.g. trivially short ack turns).
	ShortCircuit func(last string) bool
}

// regexPass runs the pattern table and custom analyzer over the last user
// message, keeping the highest confidence per signal.
func (c *Classifier) regexPass(last string, context types.Thread) []Candidate {
	best := map[string]float64{}
	var order []string

	consider := func(signal string, conf float64) {
		if prev, ok := best[signal]; ok {
			if conf > prev {
				best[signal] = conf
			}
			return
		}
		best[signal] = conf
		order = append(order, signal)
	}

	for _, p := range c.Patterns {
		if p.Regexp.MatchString(last) {
			consider(p.Signal, p.Confidence)
		}
	}
	if c.Custom != nil {
		for _, cand := range c.Custom(last, context) {
			consider(cand.Signal, cand.Confidence)
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, signal := range order {
		out = append(out, Candidate{Signal: signal, Confidence: best[signal]})
	}
	return out
}

// allows reports whether a signal label belongs to the dimension's set.
func (c *Classifier) allows(signal string) bool {
	for _, s := range c.Signals {
		if s == signal {
			return true
		}
	}
	return false
}

// =============================================================================
// DEFAULT CLASSIFIERS
// =============================================================================

// AckShortCircuitRunes is the input length at or below which the contract
// classifier trusts its regex verdict and skips LLM enhancement. The value
// is a heuristic carried over from observed ack turns, not a contract.
const AckShortCircuitRunes = 20

var (
	reForecast = regexp.MustCompile(`(?i)\b(will|going to|by q[1-4]|next (year|month|quarter|week)|forecast|predict(s|ed)?|projection)\b`)
	reOpinion  = regexp.MustCompile(`(?i)\b(i think|i believe|in my opinion|imo|personally)\b`)
	reFactual  = regexp.MustCompile(`(?i)\b(\d+(\.\d+)?%|according to|the data|measured|benchmark)\b`)

	reSupported   = regexp.MustCompile(`(?i)\b(because|according to|the data|studies show|evidence|source:|as measured)\b`)
	reBareAssert  = regexp.MustCompile(`(?i)\b(everyone knows|obviously|clearly|always|never|\d+(\.\d+)?%)\b`)

	reHighCertainty = regexp.MustCompile(`(?i)\b(definitely|certainly|absolutely|without a doubt|guaranteed|100%|no question|for sure)\b`)
	reHedged        = regexp.MustCompile(`(?i)\b(maybe|perhaps|might|possibly|i guess|not sure|could be)\b`)

	reUrgent         = regexp.MustCompile(`(?i)\b(urgent(ly)?|asap|right now|immediately|by today|deadline)\b`)
	reRetrospective  = regexp.MustCompile(`(?i)\b(last (week|month|year)|previously|in the past|yesterday|used to)\b`)
	reForwardLooking = regexp.MustCompile(`(?i)\b(next (week|month|year|quarter)|upcoming|soon|tomorrow|by q[1-4])\b`)

	reAckOnly   = regexp.MustCompile(`(?i)^\s*(ok(ay)?|yes|yep|yeah|sure|thanks|thank you|got it|sounds good|ack|k|kk|cool|great|perfect|will do|done|noted)\s*[.!]*\s*$`)
	reQuestion  = regexp.MustCompile(`\?\s*$`)
	reDirective = regexp.MustCompile(`(?i)^\s*(please\s+)?(create|make|write|add|remove|delete|update|fix|find|list|show|run|build|rename)\b`)

	reInvestigate = regexp.MustCompile(`(?i)\b(find( all)?|search|look up|locate|investigate|where (is|are)|which files|list all|grep)\b`)
	reExecute     = regexp.MustCompile(`(?i)\b(create|write|make|add|generate|modify|update|delete|remove|rename)\b.*\b(file|directory|folder|code|function|test|config)\b`)
	reExplore     = regexp.MustCompile(`(?i)\b(explore|survey|overview|options|brainstorm|compare approaches|what could)\b`)
	reVaguePron   = regexp.MustCompile(`(?i)^\s*(do|fix|handle|deal with|sort out)\s+(it|this|that|them)\s*[.!]?\s*$`)
	reExplain     = regexp.MustCompile(`(?i)\b(explain|why (does|is|do)|how (does|do)|what is|describe)\b`)
)

// DefaultClassifiers returns the six-dimension bank.
func DefaultClassifiers() []*Classifier {
	return []*Classifier{
		{
			Dimension: types.DimClaim,
			Signals:   []string{"forecast", "factual", "opinion"},
			Patterns: []Pattern{
				{reForecast, "forecast", 0.7},
				{reFactual, "factual", 0.65},
				{reOpinion, "opinion", 0.75},
			},
			Gate: func(last string, _ types.Thread) bool { return len(last) > 12 },
		},
		{
			Dimension: types.DimSupport,
			Signals:   []string{"supported", "unsupported"},
			Patterns: []Pattern{
				{reSupported, "supported", 0.7},
			},
			// A bare assertion marker without any support marker reads as
			// unsupported; pure patterns cannot express the absence.
			Custom: func(last string, _ types.Thread) []Candidate {
				if reBareAssert.MatchString(last) && !reSupported.MatchString(last) {
					return []Candidate{{Signal: "unsupported", Confidence: 0.65}}
				}
				return nil
			},
			Gate: func(last string, _ types.Thread) bool { return len(last) > 24 },
		},
		{
			Dimension: types.DimCalibration,
			Signals:   []string{"high-certainty", "hedged"},
			Patterns: []Pattern{
				{reHighCertainty, "high-certainty", 0.75},
				{reHedged, "hedged", 0.7},
			},
		},
		{
			Dimension: types.DimTemporal,
			Signals:   []string{"urgent", "retrospective", "forward-looking"},
			Patterns: []Pattern{
				{reUrgent, "urgent", 0.75},
				{reRetrospective, "retrospective", 0.65},
				{reForwardLooking, "forward-looking", 0.65},
			},
		},
		{
			Dimension: types.DimContract,
			Signals:   []string{"ack-only", "question", "directive"},
			Patterns: []Pattern{
				{reAckOnly, "ack-only", 0.85},
				{reQuestion, "question", 0.7},
				{reDirective, "directive", 0.7},
			},
			ShortCircuit: func(last string) bool {
				return len([]rune(last)) <= AckShortCircuitRunes
			},
		},
		{
			Dimension: types.DimIntent,
			Signals:   []string{"investigate", "execute", "explore", "clarify", "explain"},
			Patterns: []Pattern{
				{reInvestigate, "investigate", 0.75},
				{reExecute, "execute", 0.7},
				{reExplore, "explore", 0.7},
				{reVaguePron, "clarify", 0.7},
				{reExplain, "explain", 0.65},
			},
		},
	}
}

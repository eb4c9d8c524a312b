package compose

import (
	"math"

	"cortex/internal/logging"
	"cortex/internal/module"
	"cortex/internal/types"
)

// Token budget bounds. Budgets outside this range are clamped.
const (
	MinTokenBudget = 50
	MaxTokenBudget = 4000
)

// TokenBudget computes round(base × ∏multipliers) clamped to
// [MinTokenBudget, MaxTokenBudget]. Multipliers come from the module's
// signal-indexed table (one application per distinct signal) and from every
// TokenMultiplier fact.
func TokenBudget(base int, factMap types.FactMap, table map[string]float64) int {
	if base <= 0 {
		base = module.DefaultBaseTokens
	}

	product := MultiplierProduct(factMap, table)
	budget := int(math.Round(float64(base) * product))
	switch {
	case budget < MinTokenBudget:
		budget = MinTokenBudget
	case budget > MaxTokenBudget:
		budget = MaxTokenBudget
	}

	logging.ComposeDebug("token budget: base=%d product=%.3f -> %d", base, product, budget)
	return budget
}

// MultiplierProduct folds the signal-table and TokenMultiplier factors into
// one number. One application per distinct signal.
func MultiplierProduct(factMap types.FactMap, table map[string]float64) float64 {
	product := 1.0
	seen := map[string]bool{}
	for _, s := range factMap.Signals() {
		key := s.Dimension + "/" + s.Signal
		if seen[key] {
			continue
		}
		seen[key] = true
		if factor, ok := table[key]; ok {
			product *= factor
		}
	}
	for _, m := range factMap.Multipliers() {
		product *= m.Factor
	}
	return product
}

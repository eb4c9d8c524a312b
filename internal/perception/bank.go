package perception

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// =============================================================================
// BANK CONFIG
// =============================================================================

// BankConfig holds classifier bank configuration.
type BankConfig struct {
	// SoftBudget is the per-classifier duration that triggers a performance
	// warning when exceeded. Classifiers are never cancelled for exceeding it.
	SoftBudget time.Duration

	// Enhance enables LLM enhancement when a client is available.
	Enhance bool

	// ContextMessages is how many recent messages classifiers see beyond
	// the last user message.
	ContextMessages int
}

// DefaultBankConfig returns sensible defaults.
func DefaultBankConfig() BankConfig {
	return BankConfig{
		SoftBudget:      2 * time.Second,
		Enhance:         true,
		ContextMessages: 3,
	}
}

// =============================================================================
// CLASSIFIER BANK
// =============================================================================

// Bank runs all dimension classifiers concurrently over a thread and merges
// their output into signal facts. A nil client puts the bank in regex-only
// mode.
type Bank struct {
	classifiers []*Classifier
	client      types.LLMClient
	config      BankConfig
}

// NewBank creates a bank over the default classifiers.
func NewBank(client types.LLMClient, cfg BankConfig) *Bank {
	return &Bank{
		classifiers: DefaultClassifiers(),
		client:      client,
		config:      cfg,
	}
}

// Classify runs every dimension classifier and returns signal facts stamped
// source=classifier, producer=<dimension>, filtered to the confidence floor.
// The returned error only reflects context cancellation; per-dimension LLM
// failures degrade to regex results.
func (b *Bank) Classify(ctx context.Context, thread types.Thread, turnIndex int) ([]*types.Signal, error) {
	timer := logging.StartTimer(logging.CategoryPerception, "Bank.Classify")
	defer timer.Stop()

	last := thread.LastUser()
	recent := thread.RecentContext(b.config.ContextMessages)

	var (
		mu      sync.Mutex
		signals []*types.Signal
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range b.classifiers {
		c := c
		g.Go(func() error {
			start := time.Now()
			cands := b.classifyDimension(gctx, c, last, recent)
			elapsed := time.Since(start)
			if elapsed > b.config.SoftBudget {
				logging.Get(logging.CategoryPerception).Warn(
					"classifier %s took %v (soft budget %v)", c.Dimension, elapsed, b.config.SoftBudget)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, cand := range cands {
				s := &types.Signal{
					Dimension:  c.Dimension,
					Signal:     cand.Signal,
					Confidence: cand.Confidence,
				}
				if !s.Valid() {
					logging.PerceptionDebug("dropping out-of-range signal %s", s)
					continue
				}
				s.Provenance = types.Provenance{
					Source:     "classifier",
					Producer:   c.Dimension,
					TurnIndex:  turnIndex,
					DurationMS: elapsed.Milliseconds(),
				}
				signals = append(signals, s)
			}
			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	logging.Perception("classified %d signals from %d dimensions", len(signals), len(b.classifiers))
	return signals, nil
}

// classifyDimension runs the regex pass and, when eligible, merges in LLM
// enhancement results.
func (b *Bank) classifyDimension(ctx context.Context, c *Classifier, last string, recent types.Thread) []Candidate {
	cands := c.regexPass(last, recent)

	if !b.shouldEnhance(c, last, recent) {
		return cands
	}

	enhanced, err := b.enhance(ctx, c, last)
	if err != nil {
		logging.PerceptionDebug("enhancement failed for %s, keeping regex results: %v", c.Dimension, err)
		return cands
	}
	return mergeCandidates(cands, enhanced)
}

func (b *Bank) shouldEnhance(c *Classifier, last string, recent types.Thread) bool {
	if b.client == nil || !b.config.Enhance || last == "" {
		return false
	}
	if c.ShortCircuit != nil && c.ShortCircuit(last) {
		logging.PerceptionDebug("%s classifier short-circuited enhancement", c.Dimension)
		return false
	}
	if c.Gate != nil && !c.Gate(last, recent) {
		return false
	}
	return true
}

// mergeCandidates overlays LLM results onto regex results: signal-by-signal
// the higher confidence prevails, new signals are appended. Merge order does
// not change the outcome.
func mergeCandidates(regex, llm []Candidate) []Candidate {
	out := make([]Candidate, len(regex))
	copy(out, regex)

	for _, cand := range llm {
		found := false
		for i := range out {
			if out[i].Signal == cand.Signal {
				if cand.Confidence > out[i].Confidence {
					out[i].Confidence = cand.Confidence
				}
				found = true
				break
			}
		}
		if !found {
			out = append(out, cand)
		}
	}
	return out
}

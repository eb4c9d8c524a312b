package perception

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"cortex/internal/logging"
)

// =============================================================================
// LLM ENHANCEMENT
// =============================================================================

// enhancementSchema constrains the model's output shape. Signal-set and
// confidence-range checks happen after validation because the allowed labels
// differ per dimension.
const enhancementSchema = `{
	"type": "object",
	"required": ["detected"],
	"properties": {
		"detected": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["signal", "confidence"],
				"properties": {
					"signal": {"type": "string"},
					"confidence": {"type": "number"}
				}
			}
		}
	}
}`

var enhancementCompiled = mustCompileSchema(enhancementSchema)

func mustCompileSchema(doc string) *jsonschema.Schema {
	var schemaDoc any
	if err := json.Unmarshal([]byte(doc), &schemaDoc); err != nil {
		panic(fmt.Sprintf("perception: bad enhancement schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("enhancement.json", schemaDoc); err != nil {
		panic(fmt.Sprintf("perception: add schema resource: %v", err))
	}
	schema, err := c.Compile("enhancement.json")
	if err != nil {
		panic(fmt.Sprintf("perception: compile schema: %v", err))
	}
	return schema
}

type enhancementResult struct {
	Detected []Candidate `json:"detected"`
}

// enhance asks the LLM for a strict-JSON classification of one dimension and
// parses the result. Entries outside the dimension's signal set or outside
// [0.6, 1.0] are rejected individually.
func (b *Bank) enhance(ctx context.Context, c *Classifier, last string) ([]Candidate, error) {
	system := fmt.Sprintf(
		`You classify one utterance along the %q dimension. The only valid signals are: %s. `+
			`Respond with JSON only, shaped as {"detected": [{"signal": "...", "confidence": 0.0}]}. `+
			`Report only signals you detect with confidence between 0.6 and 1.0; an empty list is valid.`,
		c.Dimension, strings.Join(c.Signals, ", "))

	raw, err := b.client.CompleteWithSystem(ctx, system, last)
	if err != nil {
		return nil, fmt.Errorf("enhancement call: %w", err)
	}

	return parseEnhancement(c, raw)
}

// parseEnhancement validates the model output against the schema and filters
// entries to the dimension's signal set and confidence range.
func parseEnhancement(c *Classifier, raw string) ([]Candidate, error) {
	raw = stripFences(raw)

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("malformed enhancement output: %w", err)
	}
	if err := enhancementCompiled.Validate(doc); err != nil {
		return nil, fmt.Errorf("enhancement output failed schema: %w", err)
	}

	var result enhancementResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decode enhancement output: %w", err)
	}

	var out []Candidate
	for _, cand := range result.Detected {
		if !c.allows(cand.Signal) {
			logging.PerceptionDebug("%s enhancement proposed unknown signal %q, rejected", c.Dimension, cand.Signal)
			continue
		}
		if cand.Confidence < 0.6 || cand.Confidence > 1.0 {
			logging.PerceptionDebug("%s enhancement confidence %.2f out of range, rejected", c.Dimension, cand.Confidence)
			continue
		}
		out = append(out, cand)
	}
	return out, nil
}

// stripFences removes markdown code fences some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

package pathextract

import (
	"fmt"
	"time"
)

// Shape is a normalized trigger condition shape, e.g. consecutive
// absences compared with gte. The concrete threshold value is not part
// of the shape; observed values form a distribution the rule compiler
// extracts thresholds from.
type Shape struct {
	// TriggerType is the fact type class the shape applies to.
	TriggerType string `json:"trigger_type"`

	// Field is the payload field the condition inspects.
	Field string `json:"field"`

	// Op is the comparison operator: equals, gte or lte.
	Op string `json:"op"`
}

// Path is a mined (trigger shape → action → outcome) correlation. It is
// a derived aggregate, always recomputed from intervention records and
// never persisted as ground truth.
type Path struct {
	Shape

	// ID is deterministic over (shape, action): re-extraction of the
	// same correlation yields the same ID.
	ID string `json:"id"`

	// ActionCode is the action the interventions in this group took.
	ActionCode string `json:"action_code"`

	// Frequency is the number of intervention records in the group.
	Frequency int `json:"frequency"`

	// SuccessRate is the recency-weighted fraction of resolved records
	// whose outcome equals the success label for the trigger class.
	SuccessRate float64 `json:"success_rate"`

	// ObservedValues are the trigger values seen across the group,
	// used by the compiler for threshold extraction.
	ObservedValues []float64 `json:"observed_values,omitempty"`

	// LastUpdated is the most recent record time in the group.
	LastUpdated time.Time `json:"last_updated"`
}

// PathID builds the deterministic identifier for a shape/action pair.
func PathID(s Shape, actionCode string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.TriggerType, s.Field, s.Op, actionCode)
}

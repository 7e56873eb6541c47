package shadow

import (
	"strings"
	"time"
)

// MatchResult is the resolution state of a shadow proposal.
type MatchResult string

const (
	// ResultPending means no qualifying intervention has arrived yet.
	ResultPending MatchResult = "pending"

	// ResultMatch means a same-category action occurred inside the
	// match window.
	ResultMatch MatchResult = "match"

	// ResultMismatch means a different-category action occurred inside
	// the match window.
	ResultMismatch MatchResult = "mismatch"

	// ResultUnknown means the proposal aged out of the grace window
	// unmatched. Unknowns are excluded from the accuracy denominator.
	ResultUnknown MatchResult = "unknown"
)

// Observation is one logged shadow proposal and its eventual pairing
// with an observed intervention.
type Observation struct {
	// ID is the unique observation identifier (UUID).
	ID string `json:"id"`

	// RuleID and RuleVersion identify the exact rule version that
	// proposed, so accuracy stays attributable across recompilations.
	RuleID      string `json:"rule_id"`
	RuleVersion int    `json:"rule_version"`

	// EntityID is the entity the proposal concerns.
	EntityID string `json:"entity_id"`

	// ProposedAction is the action the rule would have taken.
	ProposedAction string `json:"proposed_action"`

	// ProposedAt is when the qualifying fact was evaluated.
	ProposedAt time.Time `json:"proposed_at"`

	// MatchedInterventionID is set when a qualifying intervention
	// resolved this observation.
	MatchedInterventionID string `json:"matched_intervention_id,omitempty"`

	// MatchResult is pending until resolved.
	MatchResult MatchResult `json:"match_result"`
}

// Accuracy summarizes a rule version's rolling shadow performance.
type Accuracy struct {
	RuleID      string  `json:"rule_id"`
	RuleVersion int     `json:"rule_version"`
	Matches     int     `json:"matches"`
	Mismatches  int     `json:"mismatches"`
	Unknown     int     `json:"unknown"`
	SampleCount int     `json:"sample_count"`
	Accuracy    float64 `json:"accuracy"`
}

// ActionCategory normalizes an action code to its category: the prefix
// before the first dot, or the whole code when it has none. Proposal
// pairing compares categories, not exact codes.
func ActionCategory(actionCode string) string {
	if i := strings.IndexByte(actionCode, '.'); i > 0 {
		return actionCode[:i]
	}
	return actionCode
}

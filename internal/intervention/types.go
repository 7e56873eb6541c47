package intervention

import "time"

// Mode distinguishes who performed an action.
type Mode string

const (
	// ModeManual marks an action taken by a human operator.
	ModeManual Mode = "manual"

	// ModeAuto marks an action dispatched by a promoted rule. Auto
	// records always carry the rule identity that produced them.
	ModeAuto Mode = "auto"
)

// Record is an intervention: an action taken on an entity, with the
// outcome attached later once a correlated downstream fact is observed.
type Record struct {
	// ID is the unique intervention identifier (UUID).
	ID string `json:"id"`

	// EntityID identifies the entity acted on.
	EntityID string `json:"entity_id"`

	// ActorID identifies who acted: an operator ID for manual mode, a
	// system identity for auto mode.
	ActorID string `json:"actor_id"`

	// ActionCode names the action taken (e.g. "outreach.call").
	ActionCode string `json:"action_code"`

	// Mode is manual or auto.
	Mode Mode `json:"mode"`

	// ContextSnapshot captures the trigger context at action time. The
	// path extractor reads the trigger_* keys from it.
	ContextSnapshot map[string]any `json:"context_snapshot,omitempty"`

	// RuleID and RuleVersion identify the rule that produced an auto
	// action. Empty for manual records.
	RuleID      string `json:"rule_id,omitempty"`
	RuleVersion int    `json:"rule_version,omitempty"`

	// Outcome is attached asynchronously; empty until then.
	Outcome   string     `json:"outcome,omitempty"`
	OutcomeAt *time.Time `json:"outcome_at,omitempty"`

	// RecordedAt is when the action was recorded.
	RecordedAt time.Time `json:"recorded_at"`
}

// Resolved reports whether an outcome has been attached.
func (r *Record) Resolved() bool { return r.Outcome != "" }

// RecordRequest is the input for Service.Record.
type RecordRequest struct {
	EntityID        string         `json:"entity_id"`
	ActorID         string         `json:"actor_id"`
	ActionCode      string         `json:"action_code"`
	Mode            Mode           `json:"mode"`
	ContextSnapshot map[string]any `json:"context_snapshot,omitempty"`
	RuleID          string         `json:"rule_id,omitempty"`
	RuleVersion     int            `json:"rule_version,omitempty"`
}

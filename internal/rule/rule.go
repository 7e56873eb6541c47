// Package rule defines compiled rules, their versioned registry and the
// compiler that builds them from mined standard paths.
package rule

import (
	"errors"
	"time"
)

// Mode is a rule's execution mode.
type Mode string

const (
	// ModeShadow logs proposals without executing anything.
	ModeShadow Mode = "shadow"

	// ModeAuto executes actions under safety constraints. A rule only
	// reaches auto through the promotion gate.
	ModeAuto Mode = "auto"

	// ModeDisabled stops all evaluation for the rule. Only operators
	// disable rules, and disabled always wins over queued decisions.
	ModeDisabled Mode = "disabled"
)

// ValidMode reports whether m is a known mode.
func ValidMode(m Mode) bool {
	return m == ModeShadow || m == ModeAuto || m == ModeDisabled
}

// Rule is an immutable compiled version of a standard path.
//
// A rule ID is stable across recompilations; each compile or promotion
// creates version N+1 rather than mutating an existing version, so
// shadow accuracy history stays attributable to the exact version that
// produced it.
type Rule struct {
	// ID is stable per trigger-class/action correlation.
	ID string `json:"id"`

	// Version is monotonic per ID, starting at 1.
	Version int `json:"version"`

	// TriggerType is the fact type the rule evaluates.
	TriggerType string `json:"trigger_type"`

	// Trigger is the compiled condition tree.
	Trigger *Condition `json:"trigger_condition"`

	// ActionCode references the action in the external catalog; its
	// executable semantics live outside this core.
	ActionCode string `json:"action_code"`

	// Thresholds are the values extracted from the path's condition
	// distribution, keyed by payload field.
	Thresholds map[string]float64 `json:"thresholds,omitempty"`

	// Mode is shadow, auto or disabled.
	Mode Mode `json:"mode"`

	// CreatedFromPath is the mined path this version was compiled from.
	CreatedFromPath string `json:"created_from_path"`

	// CreatedAt is when this version was compiled.
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the rule's structural invariants.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule ID must not be empty")
	}
	if r.Version < 1 {
		return errors.New("rule version must be >= 1")
	}
	if r.TriggerType == "" {
		return errors.New("rule trigger type must not be empty")
	}
	if r.ActionCode == "" {
		return errors.New("rule action code must not be empty")
	}
	if !ValidMode(r.Mode) {
		return errors.New("rule mode must be shadow, auto or disabled")
	}
	if err := r.Trigger.Validate(); err != nil {
		return err
	}
	return nil
}

// Matches reports whether a fact of the given type and payload
// satisfies the rule's trigger condition.
func (r *Rule) Matches(factType string, payload map[string]any) bool {
	if factType != r.TriggerType {
		return false
	}
	return r.Trigger.Eval(payload)
}

// Clone returns a deep-enough copy for building the next version.
// Trigger trees are immutable after compilation and shared.
func (r *Rule) Clone() *Rule {
	out := *r
	if r.Thresholds != nil {
		out.Thresholds = make(map[string]float64, len(r.Thresholds))
		for k, v := range r.Thresholds {
			out.Thresholds[k] = v
		}
	}
	return &out
}

package executor

import (
	"context"
	"time"
)

// Status is the terminal state of an automated execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// ExecutionRecord is the audit record of one automated dispatch.
type ExecutionRecord struct {
	// ID is the unique execution identifier (UUID).
	ID string `json:"id"`

	// RuleID and RuleVersion identify the auto-mode rule version that
	// dispatched.
	RuleID      string `json:"rule_id"`
	RuleVersion int    `json:"rule_version"`

	// EntityID is the entity acted on.
	EntityID string `json:"entity_id"`

	// ActionCode is the dispatched action.
	ActionCode string `json:"action_code"`

	// DispatchedAt is when the dispatch completed (or finally failed).
	DispatchedAt time.Time `json:"dispatched_at"`

	// ExternalRef is the reference returned by the dispatch boundary.
	ExternalRef string `json:"external_ref,omitempty"`

	// Status is success, failed or pending.
	Status Status `json:"status"`

	// Attempts is how many dispatch attempts were made.
	Attempts int `json:"attempts"`

	// Error holds the final error text for failed executions.
	Error string `json:"error,omitempty"`
}

// Escalation is an operator-visible entry for an execution that failed
// after exhausting retries. Failures escalate; they are never silently
// dropped.
type Escalation struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id"`
	RuleVersion int       `json:"rule_version"`
	EntityID    string    `json:"entity_id"`
	ActionCode  string    `json:"action_code"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// DispatchResult is what the external action channel returns.
type DispatchResult struct {
	// Status is "success" or "failure".
	Status string `json:"status"`

	// ExternalRef is the channel's reference for the delivered action.
	ExternalRef string `json:"external_ref,omitempty"`
}

// Dispatcher is the opaque external action-dispatch boundary. The
// actual channel (messaging, paging, ticketing) is out of scope; the
// core only relies on this contract.
type Dispatcher interface {
	Dispatch(ctx context.Context, actionCode, entityID string, parameters map[string]any) (*DispatchResult, error)
}

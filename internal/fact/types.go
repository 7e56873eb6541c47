package fact

import "time"

// Fact is an immutable, timestamped observation about an entity.
//
// Facts are append-only: once written they are never mutated. The triple
// (entity_id, fact_type, external_ref) is unique, which makes re-ingestion
// of the same upstream event idempotent.
type Fact struct {
	// ID is the unique fact identifier (UUID).
	ID string `json:"id"`

	// EntityID identifies the entity this fact describes.
	EntityID string `json:"entity_id"`

	// FactType classifies the observation (e.g. "attendance.missed").
	FactType string `json:"fact_type"`

	// Payload carries the observation values.
	Payload map[string]any `json:"payload,omitempty"`

	// ExternalRef is the upstream reference used for idempotent
	// re-ingestion. Empty when the source has no stable reference.
	ExternalRef string `json:"external_ref,omitempty"`

	// Timestamp is when the observation occurred.
	Timestamp time.Time `json:"timestamp"`

	// Seq is the store-assigned logical sequence. Ordering per entity
	// uses Seq, never wall time.
	Seq int64 `json:"seq,omitempty"`
}

// AppendRequest is the input for Service.Append.
type AppendRequest struct {
	EntityID    string         `json:"entity_id"`
	FactType    string         `json:"fact_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	ExternalRef string         `json:"external_ref,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Package audit records an append-only trail of identity-graph mutations.
// The resolver emits one event per mutation through a Publisher; stores and
// sinks fan out from there so embedding applications can pick durability
// (in-memory, PostgreSQL, Kafka) without touching resolution logic.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action names a kind of graph mutation.
type Action string

const (
	// ActionEntityCreated marks a record that seeded a new entity.
	ActionEntityCreated Action = "entity_created"

	// ActionEntityMatched marks a record merged into an existing entity via
	// similarity scoring or the email fast path.
	ActionEntityMatched Action = "entity_matched"

	// ActionSourceRefRefreshed marks an exact source hit that only bumped
	// the ref's last-seen time.
	ActionSourceRefRefreshed Action = "source_ref_refreshed"

	// ActionEntitiesMerged marks a manual or automatic union of two
	// entities.
	ActionEntitiesMerged Action = "entities_merged"

	// ActionAttributeSet marks a direct attribute write outside resolve.
	ActionAttributeSet Action = "attribute_set"
)

// Event is emitted from resolution logic to capture one mutation. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`

	// EntityID is the canonical entity the mutation landed on.
	EntityID string `json:"entity_id"`
	// RetiredID is the entity deleted by a merge, empty otherwise.
	RetiredID string `json:"retired_id,omitempty"`

	SourceID   string `json:"source_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`

	// Attribute is the key written by an attribute_set event.
	Attribute string `json:"attribute,omitempty"`

	// Confidence is the score that justified the mutation, 1.0 for exact
	// hits and new entities.
	Confidence float64 `json:"confidence,omitempty"`
}

// EntityIDs returns every entity the event touches, primary first. Stores
// index on this so a retired entity's trail remains queryable after merge.
func (e Event) EntityIDs() []string {
	ids := []string{e.EntityID}
	if e.RetiredID != "" {
		ids = append(ids, e.RetiredID)
	}
	return ids
}

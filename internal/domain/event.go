package domain

import (
	"encoding/json"
	"time"
)

// EventType names an entry in the audit event stream. The vocabulary is
// stable; consumers may rely on these strings.
type EventType string

const (
	EventProposed      EventType = "proposed"
	EventPlanned       EventType = "planned"
	EventCheckedOut    EventType = "checked-out"
	EventLeased        EventType = "leased"
	EventInProgress    EventType = "in-progress"
	EventHeartbeat     EventType = "heartbeat"
	EventSubmitted     EventType = "submitted"
	EventPartSubmitted EventType = "part-submitted"
	EventPartValidated EventType = "part-validated"
	EventPartRejected  EventType = "part-rejected"
	EventFinalized     EventType = "finalized"
	EventAccepted      EventType = "accepted"
	EventApproved      EventType = "approved"
	EventApplied       EventType = "applied"
	EventApplyFailed   EventType = "apply-failed"
	EventRejected      EventType = "rejected"
	EventLeaseExpired  EventType = "lease-expired"
	EventReleased      EventType = "released"
	EventFailed        EventType = "failed"
	EventCompleted     EventType = "completed"
	EventDeadLettered  EventType = "dead-lettered"
	EventStaleDetected EventType = "stale-detected"
)

// Event is one immutable audit trail entry. An event without an item id
// is order-level; with an item id it is item-level, linked to the owning
// order.
type Event struct {
	ID      int64     `json:"id"`
	OrderID string    `json:"order_id"`
	ItemID  string    `json:"item_id,omitempty"`
	Event   EventType `json:"event"`

	ActorType ActorType `json:"actor_type,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
	Diff    json.RawMessage `json:"diff,omitempty"`
	Message string          `json:"message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Provenance records agent and request metadata associated with an
// operation: who called, with which client idempotency key, and the
// request fingerprint.
type Provenance struct {
	ID                 string          `json:"id"`
	OrderID            string          `json:"order_id,omitempty"`
	ItemID             string          `json:"item_id,omitempty"`
	IdempotencyKey     string          `json:"idempotency_key,omitempty"`
	AgentName          string          `json:"agent_name,omitempty"`
	AgentVersion       string          `json:"agent_version,omitempty"`
	RequestFingerprint string          `json:"request_fingerprint,omitempty"`
	Extra              json.RawMessage `json:"extra,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// IdempotencyRecord is one (scope, key_hash) reservation with its cached
// response snapshot. The snapshot is never overwritten once stored.
type IdempotencyRecord struct {
	ID               string          `json:"id"`
	Scope            string          `json:"scope"`
	KeyHash          string          `json:"key_hash"`
	ResponseSnapshot json.RawMessage `json:"response_snapshot,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

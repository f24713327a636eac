// Package domain holds the Foreman data model: orders, items, parts,
// audit events, provenance, and the declarative state transition tables.
//
// Entities are plain value aggregates. Relationships are carried as ids;
// repositories load them explicitly. Nothing in this package touches
// storage.
package domain

import (
	"encoding/json"
	"time"
)

// OrderState is the lifecycle state of an Order.
type OrderState string

const (
	OrderQueued       OrderState = "queued"
	OrderCheckedOut   OrderState = "checked_out"
	OrderInProgress   OrderState = "in_progress"
	OrderSubmitted    OrderState = "submitted"
	OrderApproved     OrderState = "approved"
	OrderApplied      OrderState = "applied"
	OrderRejected     OrderState = "rejected"
	OrderFailed       OrderState = "failed"
	OrderCompleted    OrderState = "completed"
	OrderDeadLettered OrderState = "dead_lettered"
)

// Terminal reports whether the state has no outgoing transitions.
func (s OrderState) Terminal() bool {
	return s == OrderCompleted || s == OrderDeadLettered
}

// ActorType identifies who performed an operation. Used for audit only,
// never for authorization.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// Actor describes the principal behind an operation.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// SystemActor is the actor stamped on engine-initiated transitions
// (reclamation, dead-lettering, cascades).
var SystemActor = Actor{Type: ActorSystem, ID: "foreman"}

// Order is a typed work contract: the unit of approval and apply.
type Order struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	State    OrderState      `json:"state"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Meta     json.RawMessage `json:"meta,omitempty"`

	RequestedByType ActorType `json:"requested_by_type,omitempty"`
	RequestedByID   string    `json:"requested_by_id,omitempty"`

	AppliedAt         *time.Time `json:"applied_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	LastTransitionedAt time.Time `json:"last_transitioned_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	// Items is populated on demand by repositories; nil means not loaded.
	Items []*Item `json:"items,omitempty"`

	// ItemsCount is the aggregate loaded by the list-orders query surface.
	ItemsCount int `json:"items_count,omitempty"`
}

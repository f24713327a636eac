package domain

import (
	"encoding/json"
	"time"
)

// ItemState is the lifecycle state of an Item.
type ItemState string

const (
	ItemQueued       ItemState = "queued"
	ItemLeased       ItemState = "leased"
	ItemInProgress   ItemState = "in_progress"
	ItemSubmitted    ItemState = "submitted"
	ItemAccepted     ItemState = "accepted"
	ItemRejected     ItemState = "rejected"
	ItemCompleted    ItemState = "completed"
	ItemFailed       ItemState = "failed"
	ItemDeadLettered ItemState = "dead_lettered"
)

// Terminal reports whether the state has no outgoing transitions.
func (s ItemState) Terminal() bool {
	return s == ItemCompleted || s == ItemDeadLettered
}

// Item is a leasable sub-unit of an order: the unit of worker assignment.
type Item struct {
	ID      string    `json:"id"`
	OrderID string    `json:"order_id"`
	Type    string    `json:"type"`
	State   ItemState `json:"state"`

	Input           json.RawMessage `json:"input,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	AssembledResult json.RawMessage `json:"assembled_result,omitempty"`

	// PartsRequired is the set of part keys the type expects before a
	// strict finalize; empty when partial submissions are not in use.
	PartsRequired []string `json:"parts_required,omitempty"`

	// PartsState is the materialized summary of the latest part per key.
	PartsState map[string]PartSummary `json:"parts_state,omitempty"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	LeasedBy        string     `json:"leased_by,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	AcceptedAt *time.Time `json:"accepted_at,omitempty"`

	Error json.RawMessage `json:"error,omitempty"`

	LastTransitionedAt time.Time `json:"last_transitioned_at"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// LeaseLive reports whether the item carries a non-expired lease at now.
func (i *Item) LeaseLive(now time.Time) bool {
	return i.LeasedBy != "" && i.LeaseExpiresAt != nil && i.LeaseExpiresAt.After(now)
}

// ItemSpec is what a type planner returns from Plan: the blueprint for
// one Item materialized inside the propose transaction.
type ItemSpec struct {
	Type          string          `json:"type"`
	Input         json.RawMessage `json:"input,omitempty"`
	MaxAttempts   int             `json:"max_attempts,omitempty"`
	PartsRequired []string        `json:"parts_required,omitempty"`
}

// PartStatus is the validation status of an ItemPart row.
type PartStatus string

const (
	PartDraft     PartStatus = "draft"
	PartValidated PartStatus = "validated"
	PartRejected  PartStatus = "rejected"
)

// ItemPart is one incremental contribution to an item's result,
// namespaced by part key. Rows are append-only: supersession is by later
// rows, never in-place update.
type ItemPart struct {
	ID      string `json:"id"`
	ItemID  string `json:"item_id"`
	PartKey string `json:"part_key"`
	Seq     *int   `json:"seq,omitempty"`

	Status   PartStatus      `json:"status"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Evidence json.RawMessage `json:"evidence,omitempty"`
	Notes    string          `json:"notes,omitempty"`
	Errors   json.RawMessage `json:"errors,omitempty"`

	// Checksum is the SHA-256 of the payload, hex-encoded.
	Checksum string `json:"checksum,omitempty"`

	SubmittedBy        string `json:"submitted_by,omitempty"`
	IdempotencyKeyHash string `json:"idempotency_key_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// PartSummary is the per-key entry of an item's parts_state summary.
type PartSummary struct {
	PartID    string     `json:"part_id"`
	Status    PartStatus `json:"status"`
	Seq       *int       `json:"seq,omitempty"`
	Checksum  string     `json:"checksum,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// FinalizeMode selects how finalize treats missing required parts.
type FinalizeMode string

const (
	FinalizeStrict     FinalizeMode = "strict"
	FinalizeBestEffort FinalizeMode = "best_effort"
)

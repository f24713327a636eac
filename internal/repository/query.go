package repository

import (
	"time"

	"wo-foreman.io/foreman/internal/domain"
)

// Comparison operators accepted by range filters.
type Op string

const (
	OpEq  Op = "eq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// IntFilter is an integer comparison (priority filter).
type IntFilter struct {
	Op    Op
	Value int
}

// TimeFilter is a timestamp comparison (created_at filter).
type TimeFilter struct {
	Op    Op
	Value time.Time
}

// SortField names a sortable list-orders column.
type SortField string

const (
	SortPriority           SortField = "priority"
	SortCreatedAt          SortField = "created_at"
	SortLastTransitionedAt SortField = "last_transitioned_at"
	SortAppliedAt          SortField = "applied_at"
	SortCompletedAt        SortField = "completed_at"
	SortItemsCount         SortField = "items_count"
)

// Sort is one ordering term.
type Sort struct {
	Field SortField
	Desc  bool
}

// MaxPageSize caps list-orders pagination.
const MaxPageSize = 100

// OrderQuery is the validated list-orders query executed by the store.
// Construction and validation live in internal/query; unknown names are
// rejected there before a query ever reaches a Store.
type OrderQuery struct {
	States          []domain.OrderState
	Types           []string
	Priority        *IntFilter
	RequestedByType domain.ActorType
	CreatedAt       *TimeFilter

	// HasAvailableItems selects orders with at least one queued item
	// whose lease is absent or expired.
	HasAvailableItems bool

	// MetaContains is a JSON-containment predicate on meta.
	MetaContains map[string]interface{}

	// ItemState is the relation filter on items.state.
	ItemState domain.ItemState

	// Sorts defaults to priority DESC, created_at ASC.
	Sorts []Sort

	Page     int
	PageSize int

	IncludeItems      bool
	IncludeEvents     bool
	EventsLimit       int
	IncludeItemsCount bool

	// Now anchors the lease-liveness predicate.
	Now time.Time
}

// Normalize applies defaults and caps.
func (q *OrderQuery) Normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 20
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	if len(q.Sorts) == 0 {
		q.Sorts = []Sort{
			{Field: SortPriority, Desc: true},
			{Field: SortCreatedAt, Desc: false},
		}
	}
	if q.EventsLimit <= 0 {
		q.EventsLimit = 50
	}
	if q.Now.IsZero() {
		q.Now = time.Now().UTC()
	}
}

// Package repository defines the persistence contract for the engine.
//
// Every multi-row operation in the engine names its transactional scope
// explicitly by running inside WithinTx; the Store passed to the
// callback is bound to that transaction. Implementations:
// repository/postgres (pgx) and repository/memory (dev mode and tests).
package repository

import (
	"context"
	"time"

	"wo-foreman.io/foreman/internal/domain"
)

// Store combines the per-entity stores with the transaction contract.
type Store interface {
	OrderStore
	ItemStore
	PartStore
	EventStore
	ProvenanceStore
	IdempotencyStore

	// WithinTx runs fn inside one atomic unit. The Store handed to fn is
	// scoped to the transaction; returning an error rolls back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// OrderStore persists orders.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	// GetOrder returns apperrors.ErrNotFound (wrapped) when absent.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	// UpdateOrder persists the mutable fields of the row (state, stamps,
	// meta) and refreshes updated_at.
	UpdateOrder(ctx context.Context, order *domain.Order) error
	// ListOrders executes the list-orders query surface.
	ListOrders(ctx context.Context, q OrderQuery) ([]*domain.Order, int, error)
	// OrdersInStateBefore returns orders in the given state whose last
	// transition is older than the cutoff (dead-letter, stale sweep).
	OrdersInStateBefore(ctx context.Context, state domain.OrderState, cutoff time.Time) ([]*domain.Order, error)
	// StaleOrders returns non-terminal orders created before the cutoff.
	StaleOrders(ctx context.Context, cutoff time.Time) ([]*domain.Order, error)
}

// ItemStore persists items, including the lease columns.
type ItemStore interface {
	CreateItem(ctx context.Context, item *domain.Item) error
	GetItem(ctx context.Context, id string) (*domain.Item, error)
	// GetItemForUpdate locks the row for the enclosing transaction.
	GetItemForUpdate(ctx context.Context, id string) (*domain.Item, error)
	UpdateItem(ctx context.Context, item *domain.Item) error
	ItemsByOrder(ctx context.Context, orderID string) ([]*domain.Item, error)
	// ItemStateCounts summarizes the order's items for readiness checks.
	ItemStateCounts(ctx context.Context, orderID string) (map[domain.ItemState]int, error)

	// NextQueuedItems returns up to limit checkout candidates matching
	// the filter, ordered by owning-order priority DESC, item created_at
	// ASC, id ASC. Postgres locks the candidates with SKIP LOCKED.
	NextQueuedItems(ctx context.Context, f ItemFilter, limit int) ([]*domain.Item, error)

	// ExpiredLeaseItems returns items whose lease expired before now.
	ExpiredLeaseItems(ctx context.Context, now time.Time) ([]*domain.Item, error)
	// ItemsInStateBefore returns items in the state with
	// last_transitioned_at older than the cutoff.
	ItemsInStateBefore(ctx context.Context, state domain.ItemState, cutoff time.Time) ([]*domain.Item, error)
	CountLiveLeasesByAgent(ctx context.Context, agentID string, now time.Time) (int, error)
	CountLiveLeasesByType(ctx context.Context, itemType string, now time.Time) (int, error)

	// Lease CAS primitives backing the durable lease backend. Each is a
	// single conditional write, atomic against concurrent callers.
	AcquireItemLease(ctx context.Context, itemID, owner string, expiresAt, now time.Time) (bool, error)
	ExtendItemLease(ctx context.Context, itemID, owner string, expiresAt, now time.Time) (bool, error)
	ReleaseItemLease(ctx context.Context, itemID, owner string) (bool, error)
}

// PartStore persists the append-only item parts.
type PartStore interface {
	CreatePart(ctx context.Context, part *domain.ItemPart) error
	PartsByItem(ctx context.Context, itemID string) ([]*domain.ItemPart, error)
	// LatestValidatedParts returns, per part key, the newest validated
	// part (created_at DESC, id DESC tie-break).
	LatestValidatedParts(ctx context.Context, itemID string) (map[string]*domain.ItemPart, error)
	CountParts(ctx context.Context, itemID string) (int, error)
}

// EventStore persists the immutable audit trail.
type EventStore interface {
	// AppendEvent assigns the monotone id and created_at.
	AppendEvent(ctx context.Context, event *domain.Event) error
	EventsByOrder(ctx context.Context, orderID string, limit int) ([]*domain.Event, error)
	EventsByItem(ctx context.Context, itemID string, limit int) ([]*domain.Event, error)
}

// ProvenanceStore persists operation provenance.
type ProvenanceStore interface {
	CreateProvenance(ctx context.Context, p *domain.Provenance) error
}

// IdempotencyStore persists (scope, key_hash) reservations.
type IdempotencyStore interface {
	// InsertIdempotencyRecord reserves (scope, key_hash). When the pair
	// already exists it returns inserted=false with the existing record.
	InsertIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) (bool, *domain.IdempotencyRecord, error)
	// StoreIdempotencySnapshot writes the response snapshot once; it is
	// never overwritten.
	StoreIdempotencySnapshot(ctx context.Context, scope, keyHash string, snapshot []byte) error
	GetIdempotencyRecord(ctx context.Context, scope, keyHash string) (*domain.IdempotencyRecord, error)
}

// ItemFilter narrows checkout candidate selection. Zero values mean "no
// constraint".
type ItemFilter struct {
	OrderID     string
	ItemType    string
	MinPriority *int

	// MetaContains is a JSON-containment predicate on the owning
	// order's meta (tenant scoping and similar domain predicates).
	MetaContains map[string]interface{}

	// Now is the instant used to judge lease liveness.
	Now time.Time

	// RetryEligibleBefore excludes previously-attempted items whose
	// last transition is newer than this cutoff (retry backoff).
	// Zero disables the predicate.
	RetryEligibleBefore time.Time
}

// Package registry holds the order-type contract and the process-wide
// type registry. The contract is the only coupling between the engine
// and domain logic: the engine is pure coordination.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
)

// OrderType is the contract every plugged-in order type must provide.
//
// Apply must be idempotent: the executor may invoke it again after a
// partial failure, and the idempotency guard may replay the surrounding
// request.
type OrderType interface {
	// TypeID returns the stable registry key.
	TypeID() string

	// Schema returns the declarative payload schema the Allocator
	// validates proposals against.
	Schema() *openapi3.Schema

	// Plan materializes the order into item specifications. Called
	// inside the propose transaction.
	Plan(ctx context.Context, order *domain.Order) ([]domain.ItemSpec, error)

	// ValidateSubmission checks a worker-submitted result. Return an
	// AppError with code VALIDATION_FAILED (carrying field errors) to
	// reject; any other error is treated as a validation failure too.
	ValidateSubmission(ctx context.Context, item *domain.Item, result json.RawMessage) error

	// ReadyForApproval is the cross-item readiness predicate consulted
	// by approve and by auto-approval.
	ReadyForApproval(ctx context.Context, order *domain.Order) (bool, error)

	// Apply performs the domain mutation and returns a before/after
	// diff. The engine stores the diff verbatim and never inspects it.
	Apply(ctx context.Context, order *domain.Order) (json.RawMessage, error)
}

// PartialType is the optional partial-submission extension, discovered
// by type assertion.
type PartialType interface {
	// RequiredParts lists the part keys a strict finalize demands.
	RequiredParts(ctx context.Context, item *domain.Item) ([]string, error)

	// ValidatePart checks one incremental contribution before it is
	// recorded as validated.
	ValidatePart(ctx context.Context, item *domain.Item, partKey string, payload json.RawMessage, seq *int) error

	// Assemble combines the latest validated part per key into a
	// candidate result.
	Assemble(ctx context.Context, item *domain.Item, latest map[string]*domain.ItemPart) (json.RawMessage, error)

	// ValidateAssembled checks the assembled candidate result.
	ValidateAssembled(ctx context.Context, item *domain.Item, result json.RawMessage) error
}

// LifecycleHooks is the optional before/after apply extension.
type LifecycleHooks interface {
	BeforeApply(ctx context.Context, order *domain.Order) error
	AfterApply(ctx context.Context, order *domain.Order, diff json.RawMessage) error
}

// AutoApprover marks types whose orders are approved automatically once
// every item is submitted and ReadyForApproval holds.
type AutoApprover interface {
	AutoApprove() bool
}

// Registry maps type ids to contract implementations. It is populated at
// startup and effectively read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	types map[string]OrderType
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{types: make(map[string]OrderType)}
}

// Register adds a type. Registering the same id twice panics: that is a
// wiring bug, not a runtime condition.
func (r *Registry) Register(t OrderType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := t.TypeID()
	if _, exists := r.types[id]; exists {
		panic("registry: duplicate order type " + id)
	}
	r.types[id] = t
}

// Resolve looks up a type by id.
func (r *Registry) Resolve(typeID string) (OrderType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[typeID]
	if !ok {
		return nil, apperrors.TypeNotFound(typeID)
	}
	return t, nil
}

// TypeIDs returns the registered ids, sorted.
func (r *Registry) TypeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.types))
	for id := range r.types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

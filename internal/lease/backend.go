// Package lease issues, extends, and reclaims item leases. The Service
// owns the lifecycle policy (caps, retry backoff, state transitions);
// a Backend is only the compare-and-swap authority deciding who holds
// which lease. Deployments select the backend once in configuration,
// callers never see the difference.
package lease

import (
	"context"
	"time"

	"wo-foreman.io/foreman/internal/repository"
)

// Backend arbitrates lease ownership. Acquire and Extend report false
// on lost races and expired holds rather than returning an error; the
// Service translates the outcome into the caller-facing taxonomy.
//
// The tx argument is the store bound to the caller's transaction. The
// durable backend writes through it; the Redis backend ignores it.
type Backend interface {
	Acquire(ctx context.Context, tx repository.Store, itemID, owner string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, tx repository.Store, itemID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, tx repository.Store, itemID, owner string) (bool, error)
	Name() string
}

// StoreBackend is the durable backend: lease ownership lives in the
// item row itself and every operation is a single conditional UPDATE,
// atomic under the enclosing transaction.
type StoreBackend struct {
	now func() time.Time
}

// NewStoreBackend creates the durable row-CAS backend.
func NewStoreBackend() *StoreBackend {
	return &StoreBackend{now: time.Now}
}

// WithClock overrides the time source. Test hook.
func (b *StoreBackend) WithClock(now func() time.Time) *StoreBackend {
	b.now = now
	return b
}

func (b *StoreBackend) Name() string { return "store" }

func (b *StoreBackend) Acquire(ctx context.Context, tx repository.Store, itemID, owner string, ttl time.Duration) (bool, error) {
	now := b.now().UTC()
	return tx.AcquireItemLease(ctx, itemID, owner, now.Add(ttl), now)
}

func (b *StoreBackend) Extend(ctx context.Context, tx repository.Store, itemID, owner string, ttl time.Duration) (bool, error) {
	now := b.now().UTC()
	return tx.ExtendItemLease(ctx, itemID, owner, now.Add(ttl), now)
}

func (b *StoreBackend) Release(ctx context.Context, tx repository.Store, itemID, owner string) (bool, error) {
	return tx.ReleaseItemLease(ctx, itemID, owner)
}

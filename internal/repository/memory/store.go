// Package memory provides an in-process Store implementation with the
// same semantics as the Postgres store. It backs dev mode and the engine
// test suites; it is not meant for multi-process deployments.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"wo-foreman.io/foreman/internal/domain"
	"wo-foreman.io/foreman/internal/repository"
)

// Store is a mutex-guarded in-memory repository.Store.
//
// WithinTx snapshots the maps and restores them when the callback
// errors, so error paths observe the same "no partial mutation"
// guarantee the Postgres store gets from transactions.
type Store struct {
	mu sync.Mutex

	orders      map[string]domain.Order
	items       map[string]domain.Item
	parts       map[string]domain.ItemPart
	events      []domain.Event
	eventSeq    int64
	provenances map[string]domain.Provenance
	idem        map[string]domain.IdempotencyRecord

	// now is injectable for tests; defaults to time.Now UTC.
	now func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		orders:      make(map[string]domain.Order),
		items:       make(map[string]domain.Item),
		parts:       make(map[string]domain.ItemPart),
		provenances: make(map[string]domain.Provenance),
		idem:        make(map[string]domain.IdempotencyRecord),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the store clock (tests).
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// WithinTx runs fn under the store lock with snapshot rollback.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx, &txStore{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshotState struct {
	orders      map[string]domain.Order
	items       map[string]domain.Item
	parts       map[string]domain.ItemPart
	events      []domain.Event
	eventSeq    int64
	provenances map[string]domain.Provenance
	idem        map[string]domain.IdempotencyRecord
}

func (s *Store) snapshot() snapshotState {
	return snapshotState{
		orders:      copyMap(s.orders),
		items:       copyMap(s.items),
		parts:       copyMap(s.parts),
		events:      append([]domain.Event(nil), s.events...),
		eventSeq:    s.eventSeq,
		provenances: copyMap(s.provenances),
		idem:        copyMap(s.idem),
	}
}

func (s *Store) restore(snap snapshotState) {
	s.orders = snap.orders
	s.items = snap.items
	s.parts = snap.parts
	s.events = snap.events
	s.eventSeq = snap.eventSeq
	s.provenances = snap.provenances
	s.idem = snap.idem
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// txStore is the transaction-scoped view: the outer lock is already
// held, so it forwards to the unlocked implementations.
type txStore struct {
	s *Store
}

var _ repository.Store = (*txStore)(nil)

// WithinTx inside a transaction joins the enclosing scope.
func (t *txStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Store) error) error {
	return fn(ctx, t)
}

func idemKey(scope, keyHash string) string {
	return scope + "\x00" + keyHash
}

func matchesMeta(meta map[string]interface{}, contains map[string]interface{}) bool {
	for k, want := range contains {
		got, ok := meta[k]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual compares JSON-decoded scalars without fussing over number
// types.
func looseEqual(a, b interface{}) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.EqualFold(as, bs)
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

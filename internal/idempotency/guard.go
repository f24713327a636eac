// Package idempotency deduplicates mutating requests by client key.
//
// The guard reserves (scope, key_hash) inside the same transaction that
// runs the operation, so a failed operation rolls its reservation back
// and the client may retry with the same key. A replay returns the
// stored response snapshot byte for byte.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/pkg/metrics"
	"wo-foreman.io/foreman/internal/repository"
)

// errPending marks a reservation whose first execution has not stored
// its snapshot yet. Internal to the wait loop.
var errPending = errors.New("idempotency reservation pending")

// Op is the guarded operation. It runs inside the guard's transaction;
// its return value becomes the stored response snapshot.
type Op func(ctx context.Context, tx repository.Store) (interface{}, error)

// Guard is the request deduplication layer.
type Guard struct {
	store   repository.Store
	cfg     config.IdempotencyConfig
	metrics *metrics.Engine
}

// NewGuard creates a Guard over the store.
func NewGuard(store repository.Store, cfg config.IdempotencyConfig, m *metrics.Engine) *Guard {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Guard{store: store, cfg: cfg, metrics: m}
}

// Required reports whether the endpoint rejects requests without a key.
func (g *Guard) Required(endpoint string) bool {
	return g.cfg.Enforced(endpoint)
}

// KeyHash returns the salted hash stored for a client key. Raw keys
// never touch the database.
func (g *Guard) KeyHash(scope, key string) string {
	sum := sha256.Sum256([]byte(g.cfg.Salt + "\x00" + scope + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// Do executes op exactly once per (scope, key) and returns the response
// snapshot plus whether it was served from a previous execution.
//
// An empty key bypasses the guard: op runs in its own transaction with
// no reservation. Callers enforce key presence before calling Do.
func (g *Guard) Do(ctx context.Context, scope, key string, op Op) (json.RawMessage, bool, error) {
	if key == "" {
		var snapshot json.RawMessage
		err := g.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			result, err := op(ctx, tx)
			if err != nil {
				return err
			}
			snapshot, err = marshalSnapshot(result)
			return err
		})
		if err != nil {
			return nil, false, err
		}
		return snapshot, false, nil
	}

	keyHash := g.KeyHash(scope, key)
	snapshot, replayed, err := g.attempt(ctx, scope, keyHash, op)
	if err == nil {
		return snapshot, replayed, nil
	}
	if !errors.Is(err, errPending) {
		return nil, false, err
	}

	// A reservation without a snapshot means the first execution is
	// still in flight (or died mid-way). Wait a bounded interval for
	// the snapshot before reporting the conflict.
	deadline := time.Now().Add(g.cfg.PendingWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(g.cfg.PendingInterval):
		}
		rec, err := g.store.GetIdempotencyRecord(ctx, scope, keyHash)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				// The first execution rolled back; take over the key.
				snapshot, replayed, err := g.attempt(ctx, scope, keyHash, op)
				if err == nil || !errors.Is(err, errPending) {
					return snapshot, replayed, err
				}
				continue
			}
			return nil, false, err
		}
		if len(rec.ResponseSnapshot) > 0 {
			g.metrics.IdempotencyHits.WithLabelValues("replay").Inc()
			return rec.ResponseSnapshot, true, nil
		}
	}
	g.metrics.IdempotencyHits.WithLabelValues("conflict").Inc()
	return nil, false, apperrors.IdempotencyConflict(scope)
}

// attempt reserves the key and runs op in one transaction. Losing the
// reservation to a finished execution replays its snapshot; losing it
// to an in-flight one returns errPending.
func (g *Guard) attempt(ctx context.Context, scope, keyHash string, op Op) (json.RawMessage, bool, error) {
	var (
		snapshot json.RawMessage
		replayed bool
	)
	err := g.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		inserted, existing, err := tx.InsertIdempotencyRecord(ctx, &domain.IdempotencyRecord{
			ID:      uuid.Must(uuid.NewV7()).String(),
			Scope:   scope,
			KeyHash: keyHash,
		})
		if err != nil {
			return err
		}
		if !inserted {
			if len(existing.ResponseSnapshot) == 0 {
				return errPending
			}
			snapshot = existing.ResponseSnapshot
			replayed = true
			return nil
		}

		g.metrics.IdempotencyHits.WithLabelValues("miss").Inc()
		result, err := op(ctx, tx)
		if err != nil {
			return err
		}
		snapshot, err = marshalSnapshot(result)
		if err != nil {
			return err
		}
		return tx.StoreIdempotencySnapshot(ctx, scope, keyHash, snapshot)
	})
	if err != nil {
		return nil, false, err
	}
	if replayed {
		g.metrics.IdempotencyHits.WithLabelValues("replay").Inc()
	}
	return snapshot, replayed, nil
}

func marshalSnapshot(result interface{}) (json.RawMessage, error) {
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	blob, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal response snapshot: %w", err)
	}
	return blob, nil
}

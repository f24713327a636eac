package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/repository"
)

func (t *txStore) CreateItem(ctx context.Context, item *domain.Item) error {
	if _, exists := t.s.items[item.ID]; exists {
		return fmt.Errorf("item %s: %w", item.ID, apperrors.ErrAlreadyExists)
	}
	now := t.s.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.LastTransitionedAt.IsZero() {
		item.LastTransitionedAt = now
	}
	t.s.items[item.ID] = *item
	return nil
}

func (t *txStore) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	it, ok := t.s.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, apperrors.ErrNotFound)
	}
	out := it
	return &out, nil
}

// GetItemForUpdate is GetItem here: the store lock already serializes.
func (t *txStore) GetItemForUpdate(ctx context.Context, id string) (*domain.Item, error) {
	return t.GetItem(ctx, id)
}

func (t *txStore) UpdateItem(ctx context.Context, item *domain.Item) error {
	if _, ok := t.s.items[item.ID]; !ok {
		return fmt.Errorf("item %s: %w", item.ID, apperrors.ErrNotFound)
	}
	item.UpdatedAt = t.s.now()
	t.s.items[item.ID] = *item
	return nil
}

func (t *txStore) ItemsByOrder(ctx context.Context, orderID string) ([]*domain.Item, error) {
	var out []*domain.Item
	for _, it := range t.s.items {
		if it.OrderID == orderID {
			c := it
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *txStore) ItemStateCounts(ctx context.Context, orderID string) (map[domain.ItemState]int, error) {
	counts := make(map[domain.ItemState]int)
	for _, it := range t.s.items {
		if it.OrderID == orderID {
			counts[it.State]++
		}
	}
	return counts, nil
}

func (t *txStore) NextQueuedItems(ctx context.Context, f repository.ItemFilter, limit int) ([]*domain.Item, error) {
	now := f.Now
	if now.IsZero() {
		now = t.s.now()
	}

	var candidates []*domain.Item
	for _, it := range t.s.items {
		if it.State != domain.ItemQueued {
			continue
		}
		if it.LeaseLive(now) {
			continue
		}
		if f.OrderID != "" && it.OrderID != f.OrderID {
			continue
		}
		if f.ItemType != "" && it.Type != f.ItemType {
			continue
		}
		order, ok := t.s.orders[it.OrderID]
		if !ok {
			continue
		}
		if f.MinPriority != nil && order.Priority < *f.MinPriority {
			continue
		}
		if len(f.MetaContains) > 0 {
			var meta map[string]interface{}
			if len(order.Meta) == 0 || json.Unmarshal(order.Meta, &meta) != nil {
				continue
			}
			if !matchesMeta(meta, f.MetaContains) {
				continue
			}
		}
		if !f.RetryEligibleBefore.IsZero() && it.Attempts > 0 &&
			it.LastTransitionedAt.After(f.RetryEligibleBefore) {
			continue
		}
		c := it
		candidates = append(candidates, &c)
	}

	// Strict weak order: owning-order priority DESC, item created_at
	// ASC, id ASC.
	sort.SliceStable(candidates, func(i, j int) bool {
		pi := t.s.orders[candidates[i].OrderID].Priority
		pj := t.s.orders[candidates[j].OrderID].Priority
		if pi != pj {
			return pi > pj
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (t *txStore) ExpiredLeaseItems(ctx context.Context, now time.Time) ([]*domain.Item, error) {
	var out []*domain.Item
	for _, it := range t.s.items {
		if it.LeasedBy != "" && it.LeaseExpiresAt != nil && !it.LeaseExpiresAt.After(now) {
			c := it
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *txStore) ItemsInStateBefore(ctx context.Context, state domain.ItemState, cutoff time.Time) ([]*domain.Item, error) {
	var out []*domain.Item
	for _, it := range t.s.items {
		if it.State == state && it.LastTransitionedAt.Before(cutoff) {
			c := it
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *txStore) CountLiveLeasesByAgent(ctx context.Context, agentID string, now time.Time) (int, error) {
	n := 0
	for _, it := range t.s.items {
		if it.LeasedBy == agentID && it.LeaseLive(now) {
			n++
		}
	}
	return n, nil
}

func (t *txStore) CountLiveLeasesByType(ctx context.Context, itemType string, now time.Time) (int, error) {
	n := 0
	for _, it := range t.s.items {
		if it.Type == itemType && it.LeaseLive(now) {
			n++
		}
	}
	return n, nil
}

func (t *txStore) AcquireItemLease(ctx context.Context, itemID, owner string, expiresAt, now time.Time) (bool, error) {
	it, ok := t.s.items[itemID]
	if !ok {
		return false, fmt.Errorf("item %s: %w", itemID, apperrors.ErrNotFound)
	}
	if it.LeaseLive(now) {
		return false, nil
	}
	it.LeasedBy = owner
	exp := expiresAt
	it.LeaseExpiresAt = &exp
	hb := now
	it.LastHeartbeatAt = &hb
	it.UpdatedAt = t.s.now()
	t.s.items[itemID] = it
	return true, nil
}

func (t *txStore) ExtendItemLease(ctx context.Context, itemID, owner string, expiresAt, now time.Time) (bool, error) {
	it, ok := t.s.items[itemID]
	if !ok {
		return false, fmt.Errorf("item %s: %w", itemID, apperrors.ErrNotFound)
	}
	if it.LeasedBy != owner || !it.LeaseLive(now) {
		return false, nil
	}
	exp := expiresAt
	it.LeaseExpiresAt = &exp
	hb := now
	it.LastHeartbeatAt = &hb
	it.UpdatedAt = t.s.now()
	t.s.items[itemID] = it
	return true, nil
}

func (t *txStore) ReleaseItemLease(ctx context.Context, itemID, owner string) (bool, error) {
	it, ok := t.s.items[itemID]
	if !ok {
		return false, fmt.Errorf("item %s: %w", itemID, apperrors.ErrNotFound)
	}
	if it.LeasedBy != owner {
		return false, nil
	}
	it.LeasedBy = ""
	it.LeaseExpiresAt = nil
	it.LastHeartbeatAt = nil
	it.UpdatedAt = t.s.now()
	t.s.items[itemID] = it
	return true, nil
}

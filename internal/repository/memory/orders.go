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

func (t *txStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	if _, exists := t.s.orders[order.ID]; exists {
		return fmt.Errorf("order %s: %w", order.ID, apperrors.ErrAlreadyExists)
	}
	now := t.s.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.LastTransitionedAt.IsZero() {
		order.LastTransitionedAt = now
	}
	stored := *order
	stored.Items = nil
	t.s.orders[order.ID] = stored
	return nil
}

func (t *txStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, apperrors.ErrNotFound)
	}
	out := o
	return &out, nil
}

func (t *txStore) UpdateOrder(ctx context.Context, order *domain.Order) error {
	if _, ok := t.s.orders[order.ID]; !ok {
		return fmt.Errorf("order %s: %w", order.ID, apperrors.ErrNotFound)
	}
	order.UpdatedAt = t.s.now()
	stored := *order
	stored.Items = nil
	t.s.orders[order.ID] = stored
	return nil
}

func (t *txStore) OrdersInStateBefore(ctx context.Context, state domain.OrderState, cutoff time.Time) ([]*domain.Order, error) {
	var out []*domain.Order
	for _, o := range t.s.orders {
		if o.State == state && o.LastTransitionedAt.Before(cutoff) {
			c := o
			out = append(out, &c)
		}
	}
	sortOrdersByCreated(out)
	return out, nil
}

func (t *txStore) StaleOrders(ctx context.Context, cutoff time.Time) ([]*domain.Order, error) {
	var out []*domain.Order
	for _, o := range t.s.orders {
		if !o.State.Terminal() && o.CreatedAt.Before(cutoff) {
			c := o
			out = append(out, &c)
		}
	}
	sortOrdersByCreated(out)
	return out, nil
}

func (t *txStore) ListOrders(ctx context.Context, q repository.OrderQuery) ([]*domain.Order, int, error) {
	q.Normalize()

	var matched []*domain.Order
	for _, o := range t.s.orders {
		if !t.orderMatches(o, q) {
			continue
		}
		c := o
		matched = append(matched, &c)
	}

	counts := make(map[string]int, len(matched))
	for _, o := range matched {
		counts[o.ID] = t.countItems(o.ID)
	}
	sortOrders(matched, q.Sorts, counts)

	total := len(matched)
	start := (q.Page - 1) * q.PageSize
	if start > total {
		start = total
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}
	page := matched[start:end]

	for _, o := range page {
		if q.IncludeItemsCount || q.IncludeItems {
			o.ItemsCount = counts[o.ID]
		}
		if q.IncludeItems {
			items, err := t.ItemsByOrder(ctx, o.ID)
			if err != nil {
				return nil, 0, err
			}
			o.Items = items
		}
	}
	return page, total, nil
}

func (t *txStore) orderMatches(o domain.Order, q repository.OrderQuery) bool {
	if len(q.States) > 0 && !containsOrderState(q.States, o.State) {
		return false
	}
	if len(q.Types) > 0 && !containsString(q.Types, o.Type) {
		return false
	}
	if q.RequestedByType != "" && o.RequestedByType != q.RequestedByType {
		return false
	}
	if q.Priority != nil && !compareInt(o.Priority, q.Priority.Op, q.Priority.Value) {
		return false
	}
	if q.CreatedAt != nil && !compareTime(o.CreatedAt, q.CreatedAt.Op, q.CreatedAt.Value) {
		return false
	}
	if len(q.MetaContains) > 0 {
		var meta map[string]interface{}
		if len(o.Meta) == 0 || json.Unmarshal(o.Meta, &meta) != nil {
			return false
		}
		if !matchesMeta(meta, q.MetaContains) {
			return false
		}
	}
	if q.ItemState != "" && !t.orderHasItemInState(o.ID, q.ItemState) {
		return false
	}
	if q.HasAvailableItems && !t.orderHasAvailableItem(o.ID, q.Now) {
		return false
	}
	return true
}

func (t *txStore) orderHasItemInState(orderID string, state domain.ItemState) bool {
	for _, it := range t.s.items {
		if it.OrderID == orderID && it.State == state {
			return true
		}
	}
	return false
}

func (t *txStore) orderHasAvailableItem(orderID string, now time.Time) bool {
	for _, it := range t.s.items {
		if it.OrderID == orderID && it.State == domain.ItemQueued && !it.LeaseLive(now) {
			return true
		}
	}
	return false
}

func (t *txStore) countItems(orderID string) int {
	n := 0
	for _, it := range t.s.items {
		if it.OrderID == orderID {
			n++
		}
	}
	return n
}

func sortOrders(orders []*domain.Order, sorts []repository.Sort, counts map[string]int) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		for _, s := range sorts {
			cmp := compareOrderField(a, b, s.Field, counts)
			if cmp == 0 {
				continue
			}
			if s.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return a.ID < b.ID
	})
}

func compareOrderField(a, b *domain.Order, field repository.SortField, counts map[string]int) int {
	switch field {
	case repository.SortPriority:
		return a.Priority - b.Priority
	case repository.SortCreatedAt:
		return compareTimes(a.CreatedAt, b.CreatedAt)
	case repository.SortLastTransitionedAt:
		return compareTimes(a.LastTransitionedAt, b.LastTransitionedAt)
	case repository.SortAppliedAt:
		return compareTimePtrs(a.AppliedAt, b.AppliedAt)
	case repository.SortCompletedAt:
		return compareTimePtrs(a.CompletedAt, b.CompletedAt)
	case repository.SortItemsCount:
		return counts[a.ID] - counts[b.ID]
	}
	return 0
}

func sortOrdersByCreated(orders []*domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func compareTimePtrs(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return compareTimes(*a, *b)
}

func compareInt(v int, op repository.Op, want int) bool {
	switch op {
	case repository.OpEq:
		return v == want
	case repository.OpGt:
		return v > want
	case repository.OpGte:
		return v >= want
	case repository.OpLt:
		return v < want
	case repository.OpLte:
		return v <= want
	}
	return false
}

func compareTime(v time.Time, op repository.Op, want time.Time) bool {
	switch op {
	case repository.OpEq:
		return v.Equal(want)
	case repository.OpGt:
		return v.After(want)
	case repository.OpGte:
		return !v.Before(want)
	case repository.OpLt:
		return v.Before(want)
	case repository.OpLte:
		return !v.After(want)
	}
	return false
}

func containsOrderState(states []domain.OrderState, s domain.OrderState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

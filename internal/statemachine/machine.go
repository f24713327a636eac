// Package statemachine is the single gate for state mutation. Every
// order or item state change in the engine flows through a Machine
// method, which validates the edge against the transition tables,
// stamps the lifecycle timestamps, persists the row, and appends the
// audit event inside the caller's transaction.
package statemachine

import (
	"context"
	"encoding/json"
	"time"

	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/pkg/metrics"
	"wo-foreman.io/foreman/internal/repository"
)

// Change carries the audit details of one transition. Event may be left
// empty for edges with an unambiguous default name; edges into queued
// (release, rework, retry) must name the event explicitly.
type Change struct {
	Event   domain.EventType
	Payload json.RawMessage
	Diff    json.RawMessage
	Message string
}

// Machine validates and records transitions. It is stateless apart from
// the tables and is safe for concurrent use.
type Machine struct {
	orders  domain.OrderTransitions
	items   domain.ItemTransitions
	metrics *metrics.Engine
	now     func() time.Time
}

// New builds a Machine over explicit transition tables.
func New(orders domain.OrderTransitions, items domain.ItemTransitions, m *metrics.Engine) *Machine {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Machine{orders: orders, items: items, metrics: m, now: time.Now}
}

// NewDefault builds a Machine over the built-in tables.
func NewDefault(m *metrics.Engine) *Machine {
	return New(domain.DefaultOrderTransitions(), domain.DefaultItemTransitions(), m)
}

// WithClock overrides the time source. Test hook.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// TransitionOrder moves order to the target state, stamping applied_at
// and completed_at on the way, and appends the audit event. The order
// row must already be loaded (and locked where the caller needs it).
func (m *Machine) TransitionOrder(ctx context.Context, tx repository.Store, order *domain.Order, to domain.OrderState, actor domain.Actor, change Change) error {
	if !m.orders.Can(order.State, to) {
		return apperrors.IllegalTransition("order", string(order.State), string(to))
	}
	now := m.now().UTC()
	order.State = to
	order.LastTransitionedAt = now
	switch to {
	case domain.OrderApplied:
		order.AppliedAt = &now
	case domain.OrderCompleted:
		order.CompletedAt = &now
	}
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return err
	}

	event := change.Event
	if event == "" {
		event = defaultOrderEvent(to)
	}
	m.metrics.Transitions.WithLabelValues("order", string(to)).Inc()
	return m.append(ctx, tx, &domain.Event{
		OrderID:   order.ID,
		Event:     event,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		Payload:   change.Payload,
		Diff:      change.Diff,
		Message:   change.Message,
		CreatedAt: now,
	})
}

// TransitionItem moves item to the target state and appends the audit
// event, linked to both the item and its owning order.
func (m *Machine) TransitionItem(ctx context.Context, tx repository.Store, item *domain.Item, to domain.ItemState, actor domain.Actor, change Change) error {
	if !m.items.Can(item.State, to) {
		return apperrors.IllegalTransition("item", string(item.State), string(to))
	}
	now := m.now().UTC()
	item.State = to
	item.LastTransitionedAt = now
	if to == domain.ItemAccepted {
		item.AcceptedAt = &now
	}
	if err := tx.UpdateItem(ctx, item); err != nil {
		return err
	}

	event := change.Event
	if event == "" {
		event = defaultItemEvent(to)
	}
	m.metrics.Transitions.WithLabelValues("item", string(to)).Inc()
	return m.append(ctx, tx, &domain.Event{
		OrderID:   item.OrderID,
		ItemID:    item.ID,
		Event:     event,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		Payload:   change.Payload,
		Diff:      change.Diff,
		Message:   change.Message,
		CreatedAt: now,
	})
}

// RecordOrderEvent appends an order-level event without a state change
// (proposed, planned, approved-then-apply-failed, stale-detected).
func (m *Machine) RecordOrderEvent(ctx context.Context, tx repository.Store, orderID string, event domain.EventType, actor domain.Actor, change Change) error {
	return m.append(ctx, tx, &domain.Event{
		OrderID:   orderID,
		Event:     event,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		Payload:   change.Payload,
		Diff:      change.Diff,
		Message:   change.Message,
		CreatedAt: m.now().UTC(),
	})
}

// RecordItemEvent appends an item-level event without a state change
// (heartbeat, part-submitted, part-validated, part-rejected, finalized).
func (m *Machine) RecordItemEvent(ctx context.Context, tx repository.Store, orderID, itemID string, event domain.EventType, actor domain.Actor, change Change) error {
	return m.append(ctx, tx, &domain.Event{
		OrderID:   orderID,
		ItemID:    itemID,
		Event:     event,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		Payload:   change.Payload,
		Diff:      change.Diff,
		Message:   change.Message,
		CreatedAt: m.now().UTC(),
	})
}

// CanOrder reports edge legality without mutating anything.
func (m *Machine) CanOrder(from, to domain.OrderState) bool {
	return m.orders.Can(from, to)
}

// CanItem reports edge legality without mutating anything.
func (m *Machine) CanItem(from, to domain.ItemState) bool {
	return m.items.Can(from, to)
}

func (m *Machine) append(ctx context.Context, tx repository.Store, event *domain.Event) error {
	if err := tx.AppendEvent(ctx, event); err != nil {
		return err
	}
	m.metrics.Events.WithLabelValues(string(event.Event)).Inc()
	return nil
}

func defaultOrderEvent(to domain.OrderState) domain.EventType {
	switch to {
	case domain.OrderCheckedOut:
		return domain.EventCheckedOut
	case domain.OrderInProgress:
		return domain.EventInProgress
	case domain.OrderSubmitted:
		return domain.EventSubmitted
	case domain.OrderApproved:
		return domain.EventApproved
	case domain.OrderApplied:
		return domain.EventApplied
	case domain.OrderRejected:
		return domain.EventRejected
	case domain.OrderFailed:
		return domain.EventFailed
	case domain.OrderCompleted:
		return domain.EventCompleted
	case domain.OrderDeadLettered:
		return domain.EventDeadLettered
	default:
		// Edges into queued carry caller-specific events.
		return domain.EventType(string(to))
	}
}

func defaultItemEvent(to domain.ItemState) domain.EventType {
	switch to {
	case domain.ItemLeased:
		return domain.EventLeased
	case domain.ItemInProgress:
		return domain.EventInProgress
	case domain.ItemSubmitted:
		return domain.EventSubmitted
	case domain.ItemAccepted:
		return domain.EventAccepted
	case domain.ItemRejected:
		return domain.EventRejected
	case domain.ItemFailed:
		return domain.EventFailed
	case domain.ItemCompleted:
		return domain.EventCompleted
	case domain.ItemDeadLettered:
		return domain.EventDeadLettered
	default:
		return domain.EventType(string(to))
	}
}

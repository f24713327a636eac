package executor

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/internal/registry"
	"wo-foreman.io/foreman/internal/repository"
	"wo-foreman.io/foreman/internal/statemachine"
)

// ApproveRequest asks for an order to be approved and applied.
type ApproveRequest struct {
	OrderID string       `json:"order_id"`
	Actor   domain.Actor `json:"actor"`
}

// ApproveResult reports the approval outcome. A failed apply leaves the
// order approved and fills ApplyError; the approval itself stands, so
// the operation still succeeds and a later Approve call retries the
// apply alone.
type ApproveResult struct {
	Order      *domain.Order   `json:"order"`
	Diff       json.RawMessage `json:"diff,omitempty"`
	ApplyError string          `json:"apply_error,omitempty"`
}

// Approve moves a submitted order through approved and applied, runs
// the type's apply hook, and cascades item acceptance. Calling it on an
// already-approved order retries the apply.
func (s *Service) Approve(ctx context.Context, tx repository.Store, req ApproveRequest) (*ApproveResult, error) {
	order, err := tx.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	orderType, err := s.registry.Resolve(order.Type)
	if err != nil {
		return nil, err
	}

	switch order.State {
	case domain.OrderSubmitted:
		ready, err := orderType.ReadyForApproval(ctx, order)
		if err != nil {
			return nil, err
		}
		if !ready {
			return nil, apperrors.NotReady(order.ID)
		}
		if err := s.machine.TransitionOrder(ctx, tx, order, domain.OrderApproved, req.Actor, statemachine.Change{}); err != nil {
			return nil, err
		}
	case domain.OrderApproved:
		// Apply retry after a previous failure.
	default:
		return nil, apperrors.IllegalTransition("order", string(order.State), string(domain.OrderApproved))
	}

	return s.apply(ctx, tx, order, orderType, req.Actor)
}

// apply runs the type hooks and, on success, moves the order to applied
// and cascades item acceptance. An apply failure is recorded as an
// event and reported in the result, never as an operation error: the
// committed approval must survive it.
func (s *Service) apply(ctx context.Context, tx repository.Store, order *domain.Order, orderType registry.OrderType, actor domain.Actor) (*ApproveResult, error) {
	hooks, hasHooks := orderType.(registry.LifecycleHooks)
	if hasHooks {
		if err := hooks.BeforeApply(ctx, order); err != nil {
			return s.recordApplyFailure(ctx, tx, order, actor, err)
		}
	}

	start := s.now()
	diff, err := orderType.Apply(ctx, order)
	s.metrics.ApplyDuration.Observe(s.now().Sub(start).Seconds())
	if err != nil {
		return s.recordApplyFailure(ctx, tx, order, actor, err)
	}

	if err := s.machine.TransitionOrder(ctx, tx, order, domain.OrderApplied, actor, statemachine.Change{
		Diff: diff,
	}); err != nil {
		return nil, err
	}
	if err := s.cascadeAcceptance(ctx, tx, order); err != nil {
		return nil, err
	}
	if err := s.maybeCompleteOrder(ctx, tx, order); err != nil {
		return nil, err
	}

	if hasHooks {
		if err := hooks.AfterApply(ctx, order, diff); err != nil {
			logger.Warn("AfterApply hook failed",
				zap.String("order_id", order.ID),
				zap.String("type", order.Type),
				zap.Error(err),
			)
		}
	}
	return &ApproveResult{Order: order, Diff: diff}, nil
}

func (s *Service) recordApplyFailure(ctx context.Context, tx repository.Store, order *domain.Order, actor domain.Actor, applyErr error) (*ApproveResult, error) {
	if err := s.machine.RecordOrderEvent(ctx, tx, order.ID, domain.EventApplyFailed, actor, statemachine.Change{
		Message: applyErr.Error(),
	}); err != nil {
		return nil, err
	}
	logger.Error("Order apply failed",
		zap.String("order_id", order.ID),
		zap.String("type", order.Type),
		zap.Error(applyErr),
	)
	return &ApproveResult{Order: order, ApplyError: applyErr.Error()}, nil
}

// cascadeAcceptance accepts and completes every submitted item of an
// applied order.
func (s *Service) cascadeAcceptance(ctx context.Context, tx repository.Store, order *domain.Order) error {
	items, err := tx.ItemsByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.State != domain.ItemSubmitted {
			continue
		}
		if err := s.machine.TransitionItem(ctx, tx, item, domain.ItemAccepted, domain.SystemActor, statemachine.Change{}); err != nil {
			return err
		}
		if err := s.machine.TransitionItem(ctx, tx, item, domain.ItemCompleted, domain.SystemActor, statemachine.Change{}); err != nil {
			return err
		}
	}
	return nil
}

// maybeCompleteOrder closes an applied order once every item reached a
// terminal state.
func (s *Service) maybeCompleteOrder(ctx context.Context, tx repository.Store, order *domain.Order) error {
	if order.State != domain.OrderApplied {
		return nil
	}
	counts, err := tx.ItemStateCounts(ctx, order.ID)
	if err != nil {
		return err
	}
	open := 0
	for state, n := range counts {
		if !state.Terminal() {
			open += n
		}
	}
	if open > 0 {
		return nil
	}
	return s.machine.TransitionOrder(ctx, tx, order, domain.OrderCompleted, domain.SystemActor, statemachine.Change{})
}

// RejectRequest rejects a submitted order, optionally re-queueing it
// for rework.
type RejectRequest struct {
	OrderID string       `json:"order_id"`
	Actor   domain.Actor `json:"actor"`
	Reason  string       `json:"reason,omitempty"`
	Rework  bool         `json:"rework,omitempty"`
}

// Reject moves the order (and its submitted items) to rejected. With
// Rework, order and items return to queued with their results kept, so
// a later holder can correct instead of redo.
func (s *Service) Reject(ctx context.Context, tx repository.Store, req RejectRequest) (*domain.Order, error) {
	order, err := tx.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if err := s.machine.TransitionOrder(ctx, tx, order, domain.OrderRejected, req.Actor, statemachine.Change{
		Message: req.Reason,
	}); err != nil {
		return nil, err
	}

	items, err := tx.ItemsByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.State != domain.ItemSubmitted {
			continue
		}
		if err := s.machine.TransitionItem(ctx, tx, item, domain.ItemRejected, req.Actor, statemachine.Change{
			Message: req.Reason,
		}); err != nil {
			return nil, err
		}
	}

	if !req.Rework {
		return order, nil
	}

	for _, item := range items {
		if item.State != domain.ItemRejected {
			continue
		}
		// Result survives the requeue so rework can amend it.
		if err := s.machine.TransitionItem(ctx, tx, item, domain.ItemQueued, req.Actor, statemachine.Change{
			Event:   domain.EventReleased,
			Message: "re-queued for rework",
		}); err != nil {
			return nil, err
		}
	}
	if err := s.machine.TransitionOrder(ctx, tx, order, domain.OrderQueued, req.Actor, statemachine.Change{
		Event:   domain.EventReleased,
		Message: "re-queued for rework",
	}); err != nil {
		return nil, err
	}
	return order, nil
}

// FailRequest is the operator escape hatch for a stuck order.
type FailRequest struct {
	OrderID string       `json:"order_id"`
	Actor   domain.Actor `json:"actor"`
	Reason  string       `json:"reason,omitempty"`
}

// Fail moves the order to failed.
func (s *Service) Fail(ctx context.Context, tx repository.Store, req FailRequest) (*domain.Order, error) {
	order, err := tx.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if err := s.machine.TransitionOrder(ctx, tx, order, domain.OrderFailed, req.Actor, statemachine.Change{
		Message: req.Reason,
	}); err != nil {
		return nil, err
	}
	return order, nil
}

// evaluateOrderProgress promotes the order as its items advance: the
// first submission moves a checked_out order to in_progress, and once
// every item is submitted or beyond the order becomes submitted. Types
// opting into auto-approval are approved and applied on the spot.
func (s *Service) evaluateOrderProgress(ctx context.Context, tx repository.Store, order *domain.Order, actor domain.Actor) error {
	if order.State == domain.OrderCheckedOut {
		if err := s.machine.TransitionOrder(ctx, tx, order, domain.OrderInProgress, actor, statemachine.Change{}); err != nil {
			return err
		}
	}
	if order.State != domain.OrderInProgress {
		return nil
	}

	counts, err := tx.ItemStateCounts(ctx, order.ID)
	if err != nil {
		return err
	}
	done := counts[domain.ItemSubmitted] + counts[domain.ItemAccepted] + counts[domain.ItemCompleted]
	open := 0
	for state, n := range counts {
		switch state {
		case domain.ItemSubmitted, domain.ItemAccepted, domain.ItemCompleted:
		default:
			open += n
		}
	}
	if open > 0 || done == 0 {
		return nil
	}
	if err := s.machine.TransitionOrder(ctx, tx, order, domain.OrderSubmitted, actor, statemachine.Change{}); err != nil {
		return err
	}

	orderType, err := s.registry.Resolve(order.Type)
	if err != nil {
		return err
	}
	auto, ok := orderType.(registry.AutoApprover)
	if !ok || !auto.AutoApprove() {
		return nil
	}
	_, err = s.Approve(ctx, tx, ApproveRequest{OrderID: order.ID, Actor: domain.SystemActor})
	if apperrors.HasCode(err, apperrors.CodeNotReady) {
		// Auto-approval waits; a later explicit approve can still land.
		return nil
	}
	return err
}

// Package maintenance implements the periodic background sweep: expired
// lease reclamation, dead-lettering of aged-out failures, and stale
// order detection.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/domain"
	"wo-foreman.io/foreman/internal/lease"
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/internal/repository"
	"wo-foreman.io/foreman/internal/statemachine"
)

// staleScanLimit bounds the per-order event scan used to suppress
// repeated stale-detected events across sweeps.
const staleScanLimit = 500

// Report summarizes one sweep.
type Report struct {
	LeasesReclaimed    int `json:"leases_reclaimed"`
	ItemsDeadLettered  int `json:"items_dead_lettered"`
	OrdersDeadLettered int `json:"orders_dead_lettered"`
	StaleOrdersFlagged int `json:"stale_orders_flagged"`
}

// Runner executes sweeps. It is driven by the job queue in production
// and called directly in tests.
type Runner struct {
	store   repository.Store
	leases  *lease.Service
	machine *statemachine.Machine
	cfg     config.MaintenanceConfig
	now     func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(store repository.Store, leases *lease.Service, machine *statemachine.Machine, cfg config.MaintenanceConfig) *Runner {
	return &Runner{
		store:   store,
		leases:  leases,
		machine: machine,
		cfg:     cfg,
		now:     time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Sweep runs one full maintenance pass. Each sub-task is independent;
// the sweep keeps going when one of them fails.
func (r *Runner) Sweep(ctx context.Context) (Report, error) {
	now := r.now().UTC()
	var report Report
	var firstErr error

	reclaimed, err := r.leases.ReclaimExpired(ctx, now)
	if err != nil {
		firstErr = fmt.Errorf("reclaim expired leases: %w", err)
	}
	report.LeasesReclaimed = reclaimed

	n, err := r.deadLetterItems(ctx, now)
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("dead-letter items: %w", err)
	}
	report.ItemsDeadLettered = n

	n, err = r.deadLetterOrders(ctx, now)
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("dead-letter orders: %w", err)
	}
	report.OrdersDeadLettered = n

	n, err = r.flagStaleOrders(ctx, now)
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flag stale orders: %w", err)
	}
	report.StaleOrdersFlagged = n

	logger.Info("maintenance sweep completed",
		zap.Int("leases_reclaimed", report.LeasesReclaimed),
		zap.Int("items_dead_lettered", report.ItemsDeadLettered),
		zap.Int("orders_dead_lettered", report.OrdersDeadLettered),
		zap.Int("stale_orders_flagged", report.StaleOrdersFlagged),
	)
	return report, firstErr
}

// deadLetterItems parks failed items that have sat past the threshold.
func (r *Runner) deadLetterItems(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.cfg.DeadLetterAfter())
	items, err := r.store.ItemsInStateBefore(ctx, domain.ItemFailed, cutoff)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, candidate := range items {
		err := r.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			item, err := tx.GetItemForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if item.State != domain.ItemFailed || !item.LastTransitionedAt.Before(cutoff) {
				return nil
			}
			return r.machine.TransitionItem(ctx, tx, item, domain.ItemDeadLettered, domain.SystemActor, statemachine.Change{
				Message: fmt.Sprintf("failed for more than %s", r.cfg.DeadLetterAfter()),
			})
		})
		if err != nil {
			logger.Error("Failed to dead-letter item",
				zap.String("item_id", candidate.ID),
				zap.Error(err),
			)
			continue
		}
		moved++
	}
	return moved, nil
}

// deadLetterOrders parks failed and rejected orders past the threshold.
func (r *Runner) deadLetterOrders(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.cfg.DeadLetterAfter())
	moved := 0
	for _, state := range []domain.OrderState{domain.OrderFailed, domain.OrderRejected} {
		orders, err := r.store.OrdersInStateBefore(ctx, state, cutoff)
		if err != nil {
			return moved, err
		}
		for _, candidate := range orders {
			err := r.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
				order, err := tx.GetOrder(ctx, candidate.ID)
				if err != nil {
					return err
				}
				if order.State != state || !order.LastTransitionedAt.Before(cutoff) {
					return nil
				}
				return r.machine.TransitionOrder(ctx, tx, order, domain.OrderDeadLettered, domain.SystemActor, statemachine.Change{
					Message: fmt.Sprintf("%s for more than %s", state, r.cfg.DeadLetterAfter()),
				})
			})
			if err != nil {
				logger.Error("Failed to dead-letter order",
					zap.String("order_id", candidate.ID),
					zap.Error(err),
				)
				continue
			}
			moved++
		}
	}
	return moved, nil
}

// flagStaleOrders appends one stale-detected event per old non-terminal
// order. Detection only; no state is changed.
func (r *Runner) flagStaleOrders(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.cfg.StaleOrderThreshold())
	orders, err := r.store.StaleOrders(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, order := range orders {
		already, err := r.alreadyFlagged(ctx, order.ID)
		if err != nil {
			logger.Error("Failed to check stale flag",
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
			continue
		}
		if already {
			continue
		}
		err = r.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			return r.machine.RecordOrderEvent(ctx, tx, order.ID, domain.EventStaleDetected, domain.SystemActor, statemachine.Change{
				Message: fmt.Sprintf("no terminal state after %s", r.cfg.StaleOrderThreshold()),
			})
		})
		if err != nil {
			logger.Error("Failed to flag stale order",
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
			continue
		}
		flagged++
	}
	return flagged, nil
}

func (r *Runner) alreadyFlagged(ctx context.Context, orderID string) (bool, error) {
	events, err := r.store.EventsByOrder(ctx, orderID, staleScanLimit)
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ev.Event == domain.EventStaleDetected {
			return true, nil
		}
	}
	return false, nil
}

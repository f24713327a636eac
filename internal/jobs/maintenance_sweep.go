// Package jobs defines the River Queue job types driving background
// processing.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"wo-foreman.io/foreman/internal/maintenance"
	"wo-foreman.io/foreman/internal/pkg/logger"
)

// MaintenanceSweepArgs is the periodic engine sweep: lease reclamation,
// dead-lettering, stale detection.
type MaintenanceSweepArgs struct{}

// Kind returns the job kind identifier for the maintenance sweep.
func (MaintenanceSweepArgs) Kind() string { return "maintenance_sweep" }

// InsertOpts keeps at most one sweep enqueued per minute.
func (MaintenanceSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// MaintenanceSweepWorker runs the sweep.
type MaintenanceSweepWorker struct {
	river.WorkerDefaults[MaintenanceSweepArgs]
	runner *maintenance.Runner
}

// NewMaintenanceSweepWorker creates a sweep worker.
func NewMaintenanceSweepWorker(runner *maintenance.Runner) *MaintenanceSweepWorker {
	return &MaintenanceSweepWorker{runner: runner}
}

// Work executes one sweep pass.
func (w *MaintenanceSweepWorker) Work(ctx context.Context, _ *river.Job[MaintenanceSweepArgs]) error {
	if w == nil || w.runner == nil {
		return fmt.Errorf("maintenance sweep worker is not initialized")
	}

	report, err := w.runner.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("maintenance sweep: %w", err)
	}

	logger.Debug("maintenance sweep job finished",
		zap.Int("leases_reclaimed", report.LeasesReclaimed),
		zap.Int("items_dead_lettered", report.ItemsDeadLettered),
		zap.Int("orders_dead_lettered", report.OrdersDeadLettered),
		zap.Int("stale_orders_flagged", report.StaleOrdersFlagged),
	)
	return nil
}

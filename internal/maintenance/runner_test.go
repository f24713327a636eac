package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/domain"
	"wo-foreman.io/foreman/internal/lease"
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/internal/repository/memory"
	"wo-foreman.io/foreman/internal/statemachine"
)

func init() {
	_ = logger.Init("error", "json")
}

func newRunner(store *memory.Store, at time.Time) *Runner {
	clock := func() time.Time { return at }
	machine := statemachine.NewDefault(nil).WithClock(clock)
	leaseCfg := config.LeaseConfig{TTLSeconds: 600, HeartbeatEverySeconds: 120, Backend: "store"}
	retryCfg := config.RetryConfig{DefaultMaxAttempts: 3, BackoffSeconds: 30}
	leases := lease.NewService(store, lease.NewStoreBackend().WithClock(clock), machine, leaseCfg, retryCfg, nil).WithClock(clock)
	cfg := config.MaintenanceConfig{DeadLetterAfterHours: 24, StaleOrderThresholdHours: 72}
	return NewRunner(store, leases, machine, cfg).WithClock(clock)
}

func TestSweepReclaimsExpiredLeases(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expiredAt := now.Add(-time.Minute)
	require.NoError(t, store.CreateOrder(ctx, &domain.Order{
		ID: "ord-1", Type: "echo", State: domain.OrderCheckedOut,
	}))
	require.NoError(t, store.CreateItem(ctx, &domain.Item{
		ID: "itm-1", OrderID: "ord-1", Type: "echo",
		State: domain.ItemLeased, MaxAttempts: 3,
		LeasedBy: "agent-1", LeaseExpiresAt: &expiredAt,
	}))

	report, err := newRunner(store, now).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LeasesReclaimed)

	item, err := store.GetItem(ctx, "itm-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ItemQueued, item.State)
	assert.Equal(t, 1, item.Attempts)
}

func TestSweepDeadLettersAgedFailures(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)
	require.NoError(t, store.CreateOrder(ctx, &domain.Order{
		ID: "ord-old", Type: "echo", State: domain.OrderFailed,
		LastTransitionedAt: old, CreatedAt: old,
	}))
	require.NoError(t, store.CreateOrder(ctx, &domain.Order{
		ID: "ord-recent", Type: "echo", State: domain.OrderFailed,
		LastTransitionedAt: recent, CreatedAt: recent,
	}))
	require.NoError(t, store.CreateItem(ctx, &domain.Item{
		ID: "itm-old", OrderID: "ord-old", Type: "echo",
		State: domain.ItemFailed, MaxAttempts: 3,
		LastTransitionedAt: old, CreatedAt: old,
	}))

	report, err := newRunner(store, now).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ItemsDeadLettered)
	assert.Equal(t, 1, report.OrdersDeadLettered)

	order, err := store.GetOrder(ctx, "ord-old")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderDeadLettered, order.State)

	order, err = store.GetOrder(ctx, "ord-recent")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFailed, order.State)

	item, err := store.GetItem(ctx, "itm-old")
	require.NoError(t, err)
	assert.Equal(t, domain.ItemDeadLettered, item.State)
}

func TestSweepFlagsStaleOrdersOnce(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	old := now.Add(-96 * time.Hour)
	require.NoError(t, store.CreateOrder(ctx, &domain.Order{
		ID: "ord-stale", Type: "echo", State: domain.OrderInProgress,
		CreatedAt: old, LastTransitionedAt: now.Add(-time.Hour),
	}))

	runner := newRunner(store, now)
	report, err := runner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleOrdersFlagged)

	// Detection only: the state is untouched.
	order, err := store.GetOrder(ctx, "ord-stale")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderInProgress, order.State)

	// The second sweep does not flag the same order again.
	report, err = runner.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.StaleOrdersFlagged)

	events, err := store.EventsByOrder(ctx, "ord-stale", 50)
	require.NoError(t, err)
	stale := 0
	for _, ev := range events {
		if ev.Event == domain.EventStaleDetected {
			stale++
		}
	}
	assert.Equal(t, 1, stale)
}

func TestSweepIgnoresTerminalOrders(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	old := now.Add(-96 * time.Hour)
	require.NoError(t, store.CreateOrder(ctx, &domain.Order{
		ID: "ord-done", Type: "echo", State: domain.OrderCompleted,
		CreatedAt: old, LastTransitionedAt: old,
	}))

	report, err := newRunner(store, now).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.StaleOrdersFlagged)
	assert.Zero(t, report.OrdersDeadLettered)
}

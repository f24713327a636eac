package lease

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/repository/memory"
	"wo-foreman.io/foreman/internal/statemachine"
)

func testConfig() (config.LeaseConfig, config.RetryConfig) {
	return config.LeaseConfig{
			TTLSeconds:            600,
			HeartbeatEverySeconds: 120,
			Backend:               "store",
		}, config.RetryConfig{
			DefaultMaxAttempts: 3,
			BackoffSeconds:     30,
			JitterSeconds:      0,
		}
}

func newTestService(store *memory.Store, at time.Time) *Service {
	leaseCfg, retryCfg := testConfig()
	clock := func() time.Time { return at }
	machine := statemachine.NewDefault(nil).WithClock(clock)
	backend := NewStoreBackend().WithClock(clock)
	return NewService(store, backend, machine, leaseCfg, retryCfg, nil).WithClock(clock)
}

func seedOrderWithItem(t *testing.T, store *memory.Store, orderID, itemID string, priority int, itemType string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateOrder(ctx, &domain.Order{
		ID:       orderID,
		Type:     "echo",
		State:    domain.OrderQueued,
		Priority: priority,
	}))
	require.NoError(t, store.CreateItem(ctx, &domain.Item{
		ID:          itemID,
		OrderID:     orderID,
		Type:        itemType,
		State:       domain.ItemQueued,
		MaxAttempts: 3,
	}))
}

func TestCheckoutLeasesHighestPriorityFirst(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(store, now)

	seedOrderWithItem(t, store, "ord-low", "itm-low", 1, "echo")
	seedOrderWithItem(t, store, "ord-high", "itm-high", 9, "echo")

	grant, err := svc.Checkout(context.Background(), "agent-1", Filters{})
	require.NoError(t, err)
	assert.Equal(t, "itm-high", grant.Item.ID)
	assert.Equal(t, domain.ItemLeased, grant.Item.State)
	assert.Equal(t, "agent-1", grant.Item.LeasedBy)
	assert.Equal(t, now.Add(600*time.Second), grant.LeaseExpiresAt)
	assert.Equal(t, 120*time.Second, grant.HeartbeatEvery)

	order, err := store.GetOrder(context.Background(), "ord-high")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCheckedOut, order.State)
}

func TestCheckoutSkipsHeldItems(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(store, now)

	seedOrderWithItem(t, store, "ord-1", "itm-1", 5, "echo")
	seedOrderWithItem(t, store, "ord-2", "itm-2", 5, "echo")

	first, err := svc.Checkout(context.Background(), "agent-1", Filters{})
	require.NoError(t, err)
	second, err := svc.Checkout(context.Background(), "agent-2", Filters{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Item.ID, second.Item.ID)

	_, err = svc.Checkout(context.Background(), "agent-3", Filters{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoItemsAvailable))
}

func TestCheckoutItemTypeFilter(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(store, now)

	seedOrderWithItem(t, store, "ord-1", "itm-echo", 9, "echo")
	seedOrderWithItem(t, store, "ord-2", "itm-scan", 1, "scan")

	grant, err := svc.Checkout(context.Background(), "agent-1", Filters{ItemType: "scan"})
	require.NoError(t, err)
	assert.Equal(t, "itm-scan", grant.Item.ID)
}

func TestCheckoutAgentCap(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(store, now)
	svc.cfg.MaxLeasesPerAgent = 1

	seedOrderWithItem(t, store, "ord-1", "itm-1", 5, "echo")
	seedOrderWithItem(t, store, "ord-2", "itm-2", 5, "echo")

	_, err := svc.Checkout(context.Background(), "agent-1", Filters{})
	require.NoError(t, err)

	_, err = svc.Checkout(context.Background(), "agent-1", Filters{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLeaseError))
}

func TestHeartbeatExtendsLease(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(store, now)

	seedOrderWithItem(t, store, "ord-1", "itm-1", 5, "echo")
	grant, err := svc.Checkout(context.Background(), "agent-1", Filters{})
	require.NoError(t, err)

	later := now.Add(2 * time.Minute)
	svc = newTestService(store, later)

	hb, err := svc.Heartbeat(context.Background(), grant.Item.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, later.Add(600*time.Second), hb.LeaseExpiresAt)

	events, err := store.EventsByItem(context.Background(), grant.Item.ID, 10)
	require.NoError(t, err)
	var sawHeartbeat bool
	for _, e := range events {
		if e.Event == domain.EventHeartbeat {
			sawHeartbeat = true
		}
	}
	assert.True(t, sawHeartbeat)
}

func TestHeartbeatByNonHolder(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(store, now)

	seedOrderWithItem(t, store, "ord-1", "itm-1", 5, "echo")
	grant, err := svc.Checkout(context.Background(), "agent-1", Filters{})
	require.NoError(t, err)

	_, err = svc.Heartbeat(context.Background(), grant.Item.ID, "agent-2")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLeaseError))
}

func TestHeartbeatAfterExpiry(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(store, now)

	seedOrderWithItem(t, store, "ord-1", "itm-1", 5, "echo")
	grant, err := svc.Checkout(context.Background(), "agent-1", Filters{})
	require.NoError(t, err)

	// Past the TTL the conditional extend no longer matches.
	svc = newTestService(store, now.Add(11*time.Minute))
	_, err = svc.Heartbeat(context.Background(), grant.Item.ID, "agent-1")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLeaseError))
}

func TestReleaseRequeuesWithoutChargingAttempt(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(store, now)

	seedOrderWithItem(t, store, "ord-1", "itm-1", 5, "echo")
	grant, err := svc.Checkout(context.Background(), "agent-1", Filters{})
	require.NoError(t, err)

	require.NoError(t, svc.Release(context.Background(), grant.Item.ID, "agent-1"))

	item, err := store.GetItem(context.Background(), grant.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemQueued, item.State)
	assert.Empty(t, item.LeasedBy)
	assert.Zero(t, item.Attempts)

	order, err := store.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderQueued, order.State)
}

func TestReclaimExpiredRequeuesWithAttempt(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(store, now)

	seedOrderWithItem(t, store, "ord-1", "itm-1", 5, "echo")
	grant, err := svc.Checkout(context.Background(), "agent-1", Filters{})
	require.NoError(t, err)

	later := now.Add(11 * time.Minute)
	svc = newTestService(store, later)
	reclaimed, err := svc.ReclaimExpired(context.Background(), later)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	item, err := store.GetItem(context.Background(), grant.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemQueued, item.State)
	assert.Equal(t, 1, item.Attempts)
	assert.Empty(t, item.LeasedBy)

	events, err := store.EventsByItem(context.Background(), grant.Item.ID, 10)
	require.NoError(t, err)
	var sawExpired bool
	for _, e := range events {
		if e.Event == domain.EventLeaseExpired {
			sawExpired = true
		}
	}
	assert.True(t, sawExpired)
}

func TestReclaimExhaustedAttemptsFailsItem(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateOrder(ctx, &domain.Order{
		ID: "ord-1", Type: "echo", State: domain.OrderQueued, Priority: 5,
	}))
	require.NoError(t, store.CreateItem(ctx, &domain.Item{
		ID: "itm-1", OrderID: "ord-1", Type: "echo",
		State: domain.ItemQueued, MaxAttempts: 1,
	}))

	svc := newTestService(store, now)
	_, err := svc.Checkout(ctx, "agent-1", Filters{})
	require.NoError(t, err)

	later := now.Add(11 * time.Minute)
	svc = newTestService(store, later)
	reclaimed, err := svc.ReclaimExpired(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	item, err := store.GetItem(ctx, "itm-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ItemFailed, item.State)
	assert.Equal(t, 1, item.Attempts)
}

func TestCheckoutRespectsRetryBackoff(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateOrder(ctx, &domain.Order{
		ID: "ord-1", Type: "echo", State: domain.OrderQueued, Priority: 5,
	}))
	require.NoError(t, store.CreateItem(ctx, &domain.Item{
		ID: "itm-1", OrderID: "ord-1", Type: "echo",
		State: domain.ItemQueued, Attempts: 1, MaxAttempts: 3,
		LastTransitionedAt: now.Add(-10 * time.Second),
	}))

	// Inside the 30s backoff window the item is invisible.
	svc := newTestService(store, now)
	_, err := svc.Checkout(ctx, "agent-1", Filters{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoItemsAvailable))

	// Once the window passes the item is eligible again.
	svc = newTestService(store, now.Add(time.Minute))
	grant, err := svc.Checkout(ctx, "agent-1", Filters{})
	require.NoError(t, err)
	assert.Equal(t, "itm-1", grant.Item.ID)
}

func TestCheckoutMinPriorityFilter(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(store, now)

	seedOrderWithItem(t, store, "ord-low", "itm-low", 2, "echo")
	seedOrderWithItem(t, store, "ord-high", "itm-high", 7, "echo")

	floor := 5
	grant, err := svc.Checkout(context.Background(), "agent-1", Filters{MinPriority: &floor})
	require.NoError(t, err)
	assert.Equal(t, "itm-high", grant.Item.ID)

	// Only work below the floor remains.
	_, err = svc.Checkout(context.Background(), "agent-2", Filters{MinPriority: &floor})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoItemsAvailable))

	// Dropping the filter picks the low-priority item up.
	grant, err = svc.Checkout(context.Background(), "agent-2", Filters{})
	require.NoError(t, err)
	assert.Equal(t, "itm-low", grant.Item.ID)
}

func TestConcurrentCheckoutGrantsAreDisjoint(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(store, now)

	const items = 4
	for i := 0; i < items; i++ {
		seedOrderWithItem(t, store,
			fmt.Sprintf("ord-%d", i), fmt.Sprintf("itm-%d", i), 5, "echo")
	}

	const agents = 8
	type outcome struct {
		itemID string
		err    error
	}
	results := make(chan outcome, agents)
	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			grant, err := svc.Checkout(context.Background(), fmt.Sprintf("agent-%d", n), Filters{})
			if err != nil {
				results <- outcome{err: err}
				return
			}
			results <- outcome{itemID: grant.Item.ID}
		}(i)
	}
	wg.Wait()
	close(results)

	granted := make(map[string]bool)
	for res := range results {
		if res.err != nil {
			assert.True(t, apperrors.HasCode(res.err, apperrors.CodeNoItemsAvailable))
			continue
		}
		assert.False(t, granted[res.itemID], "item leased twice: %s", res.itemID)
		granted[res.itemID] = true
	}
	assert.Len(t, granted, items)
}

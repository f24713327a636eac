package lease

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/internal/pkg/metrics"
	"wo-foreman.io/foreman/internal/repository"
	"wo-foreman.io/foreman/internal/statemachine"
)

// checkoutBatch bounds how many locked candidates one checkout scans
// before giving up; lost acquire races move on to the next candidate.
const checkoutBatch = 10

// Filters narrows what an agent is willing to work on.
type Filters struct {
	OrderID      string                 `json:"order_id,omitempty"`
	ItemType     string                 `json:"item_type,omitempty"`
	MinPriority  *int                   `json:"min_priority,omitempty"`
	MetaContains map[string]interface{} `json:"meta_contains,omitempty"`
}

// Checkout is the grant returned to a winning agent.
type Checkout struct {
	Item           *domain.Item  `json:"item"`
	Order          *domain.Order `json:"order"`
	LeaseExpiresAt time.Time     `json:"lease_expires_at"`
	HeartbeatEvery time.Duration `json:"heartbeat_every"`
}

// Heartbeat is the extension confirmation returned to the holder.
type Heartbeat struct {
	LeaseExpiresAt time.Time     `json:"lease_expires_at"`
	HeartbeatEvery time.Duration `json:"heartbeat_every"`
}

// Service implements the lease lifecycle on top of a Backend.
type Service struct {
	store   repository.Store
	backend Backend
	machine *statemachine.Machine
	cfg     config.LeaseConfig
	retry   config.RetryConfig
	metrics *metrics.Engine
	now     func() time.Time
}

// NewService creates the lease service.
func NewService(store repository.Store, backend Backend, machine *statemachine.Machine, cfg config.LeaseConfig, retry config.RetryConfig, m *metrics.Engine) *Service {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Service{
		store:   store,
		backend: backend,
		machine: machine,
		cfg:     cfg,
		retry:   retry,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// HeartbeatEvery returns the advisory heartbeat interval for grants.
func (s *Service) HeartbeatEvery() time.Duration {
	return time.Duration(s.cfg.HeartbeatEverySeconds) * time.Second
}

// Checkout leases the best matching queued item to the agent, moving
// the item to leased and its order to checked_out when still queued.
// No match returns NO_ITEMS_AVAILABLE.
func (s *Service) Checkout(ctx context.Context, agentID string, f Filters) (*Checkout, error) {
	now := s.now().UTC()

	if s.cfg.MaxLeasesPerAgent > 0 {
		n, err := s.store.CountLiveLeasesByAgent(ctx, agentID, now)
		if err != nil {
			return nil, err
		}
		if n >= s.cfg.MaxLeasesPerAgent {
			return nil, apperrors.Conflict(apperrors.CodeLeaseError, "agent concurrent lease cap reached").
				WithParams(map[string]interface{}{
					"agent_id": agentID,
					"cap":      s.cfg.MaxLeasesPerAgent,
				})
		}
	}

	filter := repository.ItemFilter{
		OrderID:             f.OrderID,
		ItemType:            f.ItemType,
		MinPriority:         f.MinPriority,
		MetaContains:        f.MetaContains,
		Now:                 now,
		RetryEligibleBefore: s.retryCutoff(now),
	}

	var grant *Checkout
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		candidates, err := tx.NextQueuedItems(ctx, filter, checkoutBatch)
		if err != nil {
			return err
		}
		for _, item := range candidates {
			if s.cfg.MaxLeasesPerType > 0 {
				n, err := tx.CountLiveLeasesByType(ctx, item.Type, now)
				if err != nil {
					return err
				}
				if n >= s.cfg.MaxLeasesPerType {
					continue
				}
			}

			ok, err := s.backend.Acquire(ctx, tx, item.ID, agentID, s.cfg.TTL())
			if err != nil {
				return err
			}
			if !ok {
				s.metrics.LeaseAcquires.WithLabelValues("lost_race").Inc()
				continue
			}

			expiresAt := now.Add(s.cfg.TTL())
			item.LeasedBy = agentID
			item.LeaseExpiresAt = &expiresAt
			item.LastHeartbeatAt = &now

			actor := domain.Actor{Type: domain.ActorAgent, ID: agentID}
			if err := s.machine.TransitionItem(ctx, tx, item, domain.ItemLeased, actor, statemachine.Change{}); err != nil {
				return err
			}

			order, err := tx.GetOrder(ctx, item.OrderID)
			if err != nil {
				return err
			}
			if order.State == domain.OrderQueued {
				if err := s.machine.TransitionOrder(ctx, tx, order, domain.OrderCheckedOut, actor, statemachine.Change{}); err != nil {
					return err
				}
			}

			s.metrics.LeaseAcquires.WithLabelValues("acquired").Inc()
			grant = &Checkout{
				Item:           item,
				Order:          order,
				LeaseExpiresAt: expiresAt,
				HeartbeatEvery: s.HeartbeatEvery(),
			}
			return nil
		}
		s.metrics.CheckoutMisses.Inc()
		return apperrors.NoItemsAvailable()
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// Heartbeat extends the holder's lease by one TTL. A non-holder gets a
// LEASE_ERROR with reason not_holder; an expired hold gets reason
// expired, after which the item is only reachable again via checkout.
func (s *Service) Heartbeat(ctx context.Context, itemID, agentID string) (*Heartbeat, error) {
	now := s.now().UTC()

	var result *Heartbeat
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		item, err := tx.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		if item.LeasedBy != agentID {
			return apperrors.LeaseNotHolder(itemID, item.LeasedBy, agentID)
		}

		ok, err := s.backend.Extend(ctx, tx, itemID, agentID, s.cfg.TTL())
		if err != nil {
			return err
		}
		if !ok {
			expiredAt := ""
			if item.LeaseExpiresAt != nil {
				expiredAt = item.LeaseExpiresAt.Format(time.RFC3339)
			}
			return apperrors.LeaseExpired(itemID, agentID, expiredAt)
		}

		expiresAt := now.Add(s.cfg.TTL())
		item.LeaseExpiresAt = &expiresAt
		item.LastHeartbeatAt = &now
		if err := tx.UpdateItem(ctx, item); err != nil {
			return err
		}

		actor := domain.Actor{Type: domain.ActorAgent, ID: agentID}
		if err := s.machine.RecordItemEvent(ctx, tx, item.OrderID, item.ID, domain.EventHeartbeat, actor, statemachine.Change{}); err != nil {
			return err
		}
		result = &Heartbeat{LeaseExpiresAt: expiresAt, HeartbeatEvery: s.HeartbeatEvery()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Release voluntarily returns the item to the queue without consuming
// an attempt. The backend release is best-effort: a Redis key that
// already expired does not block the row cleanup.
func (s *Service) Release(ctx context.Context, itemID, agentID string) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		item, err := tx.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		if item.LeasedBy != agentID {
			return apperrors.LeaseNotHolder(itemID, item.LeasedBy, agentID)
		}

		if _, err := s.backend.Release(ctx, tx, itemID, agentID); err != nil {
			return err
		}

		item.LeasedBy = ""
		item.LeaseExpiresAt = nil
		item.LastHeartbeatAt = nil

		actor := domain.Actor{Type: domain.ActorAgent, ID: agentID}
		if err := s.machine.TransitionItem(ctx, tx, item, domain.ItemQueued, actor, statemachine.Change{
			Event:   domain.EventReleased,
			Message: "released by lease holder",
		}); err != nil {
			return err
		}
		return s.maybeRequeueOrder(ctx, tx, item.OrderID, actor)
	})
}

// maybeRequeueOrder moves a checked_out order back to queued when no
// item is being worked on anymore.
func (s *Service) maybeRequeueOrder(ctx context.Context, tx repository.Store, orderID string, actor domain.Actor) error {
	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.State != domain.OrderCheckedOut {
		return nil
	}
	counts, err := tx.ItemStateCounts(ctx, orderID)
	if err != nil {
		return err
	}
	active := counts[domain.ItemLeased] + counts[domain.ItemInProgress] + counts[domain.ItemSubmitted]
	if active > 0 {
		return nil
	}
	return s.machine.TransitionOrder(ctx, tx, order, domain.OrderQueued, actor, statemachine.Change{
		Event:   domain.EventReleased,
		Message: "all items returned to queue",
	})
}

// ReclaimExpired sweeps items whose row-visible lease expired before
// now, charging one attempt each. An item with attempts left goes back
// to queued; an exhausted one goes to failed. Returns the number of
// leases reclaimed; per-item failures are logged and skipped.
func (s *Service) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ExpiredLeaseItems(ctx, now)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, candidate := range expired {
		var did bool
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			item, err := tx.GetItemForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			// Re-check under lock: a heartbeat or release may have won.
			if item.LeasedBy == "" || item.LeaseLive(now) {
				return nil
			}
			if item.State != domain.ItemLeased && item.State != domain.ItemInProgress {
				return nil
			}
			did = true

			holder := item.LeasedBy
			item.LeasedBy = ""
			item.LeaseExpiresAt = nil
			item.LastHeartbeatAt = nil
			item.Attempts++

			message := fmt.Sprintf("lease held by %s expired", holder)
			if item.Attempts >= item.MaxAttempts {
				if err := s.machine.RecordItemEvent(ctx, tx, item.OrderID, item.ID, domain.EventLeaseExpired, domain.SystemActor, statemachine.Change{Message: message}); err != nil {
					return err
				}
				return s.machine.TransitionItem(ctx, tx, item, domain.ItemFailed, domain.SystemActor, statemachine.Change{
					Message: fmt.Sprintf("attempts exhausted (%d/%d)", item.Attempts, item.MaxAttempts),
				})
			}
			return s.machine.TransitionItem(ctx, tx, item, domain.ItemQueued, domain.SystemActor, statemachine.Change{
				Event:   domain.EventLeaseExpired,
				Message: message,
			})
		})
		if err != nil {
			logger.Error("Failed to reclaim expired lease",
				zap.String("item_id", candidate.ID),
				zap.Error(err),
			)
			continue
		}
		if did {
			reclaimed++
			s.metrics.LeaseReclaims.Inc()
		}
	}
	return reclaimed, nil
}

// retryCutoff computes the freshness bound a previously attempted item
// must be older than to be eligible again. Jitter spreads retry storms
// across sweeps.
func (s *Service) retryCutoff(now time.Time) time.Time {
	backoff := time.Duration(s.retry.BackoffSeconds) * time.Second
	if s.retry.JitterSeconds > 0 {
		backoff += time.Duration(rand.Int64N(int64(s.retry.JitterSeconds)+1)) * time.Second
	}
	return now.Add(-backoff)
}

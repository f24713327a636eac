package memory

// Lock-acquiring delegations for use outside a transaction. The logic
// lives on txStore; these take the store lock and forward.

import (
	"context"
	"time"

	"wo-foreman.io/foreman/internal/domain"
	"wo-foreman.io/foreman/internal/repository"
)

func (s *Store) CreateOrder(ctx context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).CreateOrder(ctx, order)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).GetOrder(ctx, id)
}

func (s *Store) UpdateOrder(ctx context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).UpdateOrder(ctx, order)
}

func (s *Store) ListOrders(ctx context.Context, q repository.OrderQuery) ([]*domain.Order, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).ListOrders(ctx, q)
}

func (s *Store) OrdersInStateBefore(ctx context.Context, state domain.OrderState, cutoff time.Time) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).OrdersInStateBefore(ctx, state, cutoff)
}

func (s *Store) StaleOrders(ctx context.Context, cutoff time.Time) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).StaleOrders(ctx, cutoff)
}

func (s *Store) CreateItem(ctx context.Context, item *domain.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).CreateItem(ctx, item)
}

func (s *Store) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).GetItem(ctx, id)
}

func (s *Store) GetItemForUpdate(ctx context.Context, id string) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).GetItemForUpdate(ctx, id)
}

func (s *Store) UpdateItem(ctx context.Context, item *domain.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).UpdateItem(ctx, item)
}

func (s *Store) ItemsByOrder(ctx context.Context, orderID string) ([]*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).ItemsByOrder(ctx, orderID)
}

func (s *Store) ItemStateCounts(ctx context.Context, orderID string) (map[domain.ItemState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).ItemStateCounts(ctx, orderID)
}

func (s *Store) NextQueuedItems(ctx context.Context, f repository.ItemFilter, limit int) ([]*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).NextQueuedItems(ctx, f, limit)
}

func (s *Store) ExpiredLeaseItems(ctx context.Context, now time.Time) ([]*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).ExpiredLeaseItems(ctx, now)
}

func (s *Store) ItemsInStateBefore(ctx context.Context, state domain.ItemState, cutoff time.Time) ([]*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).ItemsInStateBefore(ctx, state, cutoff)
}

func (s *Store) CountLiveLeasesByAgent(ctx context.Context, agentID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).CountLiveLeasesByAgent(ctx, agentID, now)
}

func (s *Store) CountLiveLeasesByType(ctx context.Context, itemType string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).CountLiveLeasesByType(ctx, itemType, now)
}

func (s *Store) AcquireItemLease(ctx context.Context, itemID, owner string, expiresAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).AcquireItemLease(ctx, itemID, owner, expiresAt, now)
}

func (s *Store) ExtendItemLease(ctx context.Context, itemID, owner string, expiresAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).ExtendItemLease(ctx, itemID, owner, expiresAt, now)
}

func (s *Store) ReleaseItemLease(ctx context.Context, itemID, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).ReleaseItemLease(ctx, itemID, owner)
}

func (s *Store) CreatePart(ctx context.Context, part *domain.ItemPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).CreatePart(ctx, part)
}

func (s *Store) PartsByItem(ctx context.Context, itemID string) ([]*domain.ItemPart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).PartsByItem(ctx, itemID)
}

func (s *Store) LatestValidatedParts(ctx context.Context, itemID string) (map[string]*domain.ItemPart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).LatestValidatedParts(ctx, itemID)
}

func (s *Store) CountParts(ctx context.Context, itemID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).CountParts(ctx, itemID)
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).AppendEvent(ctx, event)
}

func (s *Store) EventsByOrder(ctx context.Context, orderID string, limit int) ([]*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).EventsByOrder(ctx, orderID, limit)
}

func (s *Store) EventsByItem(ctx context.Context, itemID string, limit int) ([]*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).EventsByItem(ctx, itemID, limit)
}

func (s *Store) CreateProvenance(ctx context.Context, p *domain.Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).CreateProvenance(ctx, p)
}

func (s *Store) InsertIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) (bool, *domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).InsertIdempotencyRecord(ctx, rec)
}

func (s *Store) StoreIdempotencySnapshot(ctx context.Context, scope, keyHash string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).StoreIdempotencySnapshot(ctx, scope, keyHash, snapshot)
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, scope, keyHash string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&txStore{s: s}).GetIdempotencyRecord(ctx, scope, keyHash)
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/repository"
)

const itemColumns = `id, order_id, type, state, input, result, assembled_result,
	parts_required, parts_state, attempts, max_attempts,
	leased_by, lease_expires_at, last_heartbeat_at, accepted_at, error,
	last_transitioned_at, created_at, updated_at`

func (s *Store) CreateItem(ctx context.Context, item *domain.Item) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.LastTransitionedAt.IsZero() {
		item.LastTransitionedAt = now
	}
	partsRequired, partsState, err := marshalItemParts(item)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO items (id, order_id, type, state, input, result, assembled_result,
			parts_required, parts_state, attempts, max_attempts,
			leased_by, lease_expires_at, last_heartbeat_at, accepted_at, error,
			last_transitioned_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19)`,
		item.ID, item.OrderID, item.Type, string(item.State),
		nullJSON(item.Input), nullJSON(item.Result), nullJSON(item.AssembledResult),
		partsRequired, partsState, item.Attempts, item.MaxAttempts,
		nullString(item.LeasedBy), item.LeaseExpiresAt, item.LastHeartbeatAt,
		item.AcceptedAt, nullJSON(item.Error),
		item.LastTransitionedAt, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("item %s: %w", item.ID, apperrors.ErrAlreadyExists)
		}
		return fmt.Errorf("insert item %s: %w", item.ID, err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	return s.getItem(ctx, id, "")
}

func (s *Store) GetItemForUpdate(ctx context.Context, id string) (*domain.Item, error) {
	return s.getItem(ctx, id, " FOR UPDATE")
}

func (s *Store) getItem(ctx context.Context, id, lock string) (*domain.Item, error) {
	row := s.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`+lock, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("item %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return item, nil
}

func (s *Store) UpdateItem(ctx context.Context, item *domain.Item) error {
	item.UpdatedAt = time.Now().UTC()
	partsRequired, partsState, err := marshalItemParts(item)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE items SET
			state = $2, input = $3, result = $4, assembled_result = $5,
			parts_required = $6, parts_state = $7, attempts = $8, max_attempts = $9,
			leased_by = $10, lease_expires_at = $11, last_heartbeat_at = $12,
			accepted_at = $13, error = $14, last_transitioned_at = $15, updated_at = $16
		WHERE id = $1`,
		item.ID, string(item.State),
		nullJSON(item.Input), nullJSON(item.Result), nullJSON(item.AssembledResult),
		partsRequired, partsState, item.Attempts, item.MaxAttempts,
		nullString(item.LeasedBy), item.LeaseExpiresAt, item.LastHeartbeatAt,
		item.AcceptedAt, nullJSON(item.Error), item.LastTransitionedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update item %s: %w", item.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s: %w", item.ID, apperrors.ErrNotFound)
	}
	return nil
}

func (s *Store) ItemsByOrder(ctx context.Context, orderID string) ([]*domain.Item, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE order_id = $1 ORDER BY created_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("items by order %s: %w", orderID, err)
	}
	return scanItems(rows)
}

func (s *Store) ItemStateCounts(ctx context.Context, orderID string) (map[domain.ItemState]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT state, count(*) FROM items WHERE order_id = $1 GROUP BY state`, orderID)
	if err != nil {
		return nil, fmt.Errorf("item state counts for order %s: %w", orderID, err)
	}
	defer rows.Close()

	counts := make(map[domain.ItemState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan item state count: %w", err)
		}
		counts[domain.ItemState(state)] = n
	}
	return counts, rows.Err()
}

func (s *Store) NextQueuedItems(ctx context.Context, f repository.ItemFilter, limit int) ([]*domain.Item, error) {
	now := f.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var (
		where = []string{
			"i.state = 'queued'",
			"(i.leased_by IS NULL OR i.lease_expires_at IS NULL OR i.lease_expires_at <= $1)",
		}
		args = []any{now}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.OrderID != "" {
		where = append(where, "i.order_id = "+arg(f.OrderID))
	}
	if f.ItemType != "" {
		where = append(where, "i.type = "+arg(f.ItemType))
	}
	if f.MinPriority != nil {
		where = append(where, "o.priority >= "+arg(*f.MinPriority))
	}
	if len(f.MetaContains) > 0 {
		blob, err := json.Marshal(f.MetaContains)
		if err != nil {
			return nil, fmt.Errorf("marshal meta predicate: %w", err)
		}
		where = append(where, "o.meta @> "+arg(string(blob))+"::jsonb")
	}
	if !f.RetryEligibleBefore.IsZero() {
		where = append(where, "(i.attempts = 0 OR i.last_transitioned_at <= "+arg(f.RetryEligibleBefore)+")")
	}

	query := `
		SELECT ` + prefixColumns(itemColumns, "i.") + `
		FROM items i JOIN orders o ON o.id = i.order_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY o.priority DESC, i.created_at ASC, i.id ASC
		LIMIT ` + arg(limit) + `
		FOR UPDATE OF i SKIP LOCKED`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("next queued items: %w", err)
	}
	return scanItems(rows)
}

func (s *Store) ExpiredLeaseItems(ctx context.Context, now time.Time) ([]*domain.Item, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE leased_by IS NOT NULL AND lease_expires_at <= $1
		ORDER BY id ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("expired lease items: %w", err)
	}
	return scanItems(rows)
}

func (s *Store) ItemsInStateBefore(ctx context.Context, state domain.ItemState, cutoff time.Time) ([]*domain.Item, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE state = $1 AND last_transitioned_at < $2
		ORDER BY id ASC`, string(state), cutoff)
	if err != nil {
		return nil, fmt.Errorf("items in state %s: %w", state, err)
	}
	return scanItems(rows)
}

func (s *Store) CountLiveLeasesByAgent(ctx context.Context, agentID string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM items
		WHERE leased_by = $1 AND lease_expires_at > $2`, agentID, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count leases by agent %s: %w", agentID, err)
	}
	return n, nil
}

func (s *Store) CountLiveLeasesByType(ctx context.Context, itemType string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM items
		WHERE type = $1 AND leased_by IS NOT NULL AND lease_expires_at > $2`,
		itemType, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count leases by type %s: %w", itemType, err)
	}
	return n, nil
}

// AcquireItemLease is a single conditional UPDATE: the row-level lock
// makes it atomic against concurrent acquirers.
func (s *Store) AcquireItemLease(ctx context.Context, itemID, owner string, expiresAt, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE items SET
			leased_by = $2, lease_expires_at = $3, last_heartbeat_at = $4, updated_at = $4
		WHERE id = $1
			AND (leased_by IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= $4)`,
		itemID, owner, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("acquire lease on item %s: %w", itemID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ExtendItemLease(ctx context.Context, itemID, owner string, expiresAt, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE items SET
			lease_expires_at = $3, last_heartbeat_at = $4, updated_at = $4
		WHERE id = $1 AND leased_by = $2 AND lease_expires_at > $4`,
		itemID, owner, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("extend lease on item %s: %w", itemID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseItemLease(ctx context.Context, itemID, owner string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE items SET
			leased_by = NULL, lease_expires_at = NULL, last_heartbeat_at = NULL,
			updated_at = now()
		WHERE id = $1 AND leased_by = $2`,
		itemID, owner)
	if err != nil {
		return false, fmt.Errorf("release lease on item %s: %w", itemID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func marshalItemParts(item *domain.Item) (*string, *string, error) {
	var partsRequired, partsState *string
	if len(item.PartsRequired) > 0 {
		blob, err := json.Marshal(item.PartsRequired)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal parts_required: %w", err)
		}
		s := string(blob)
		partsRequired = &s
	}
	if len(item.PartsState) > 0 {
		blob, err := json.Marshal(item.PartsState)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal parts_state: %w", err)
		}
		s := string(blob)
		partsState = &s
	}
	return partsRequired, partsState, nil
}

func scanItem(row pgx.Row) (*domain.Item, error) {
	var (
		it                         domain.Item
		state                      string
		input, result, assembled   []byte
		partsRequired, partsState  []byte
		leasedBy                   *string
		errBlob                    []byte
	)
	err := row.Scan(&it.ID, &it.OrderID, &it.Type, &state,
		&input, &result, &assembled, &partsRequired, &partsState,
		&it.Attempts, &it.MaxAttempts, &leasedBy,
		&it.LeaseExpiresAt, &it.LastHeartbeatAt, &it.AcceptedAt, &errBlob,
		&it.LastTransitionedAt, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	it.State = domain.ItemState(state)
	it.Input = input
	it.Result = result
	it.AssembledResult = assembled
	it.Error = errBlob
	if leasedBy != nil {
		it.LeasedBy = *leasedBy
	}
	if len(partsRequired) > 0 {
		if err := json.Unmarshal(partsRequired, &it.PartsRequired); err != nil {
			return nil, fmt.Errorf("unmarshal parts_required: %w", err)
		}
	}
	if len(partsState) > 0 {
		if err := json.Unmarshal(partsState, &it.PartsState); err != nil {
			return nil, fmt.Errorf("unmarshal parts_state: %w", err)
		}
	}
	return &it, nil
}

func scanItems(rows pgx.Rows) ([]*domain.Item, error) {
	defer rows.Close()
	var out []*domain.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan items: %w", err)
	}
	return out, nil
}

// prefixColumns rewrites "a, b, c" into "p.a, p.b, p.c".
func prefixColumns(cols, prefix string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

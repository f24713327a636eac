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

const orderColumns = `id, type, state, priority, payload, meta,
	requested_by_type, requested_by_id, applied_at, completed_at,
	last_transitioned_at, created_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, order *domain.Order) error {
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.LastTransitionedAt.IsZero() {
		order.LastTransitionedAt = now
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO orders (id, type, state, priority, payload, meta,
			requested_by_type, requested_by_id, applied_at, completed_at,
			last_transitioned_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		order.ID, order.Type, string(order.State), order.Priority,
		nullJSON(order.Payload), nullJSON(order.Meta),
		nullString(string(order.RequestedByType)), nullString(order.RequestedByID),
		order.AppliedAt, order.CompletedAt,
		order.LastTransitionedAt, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", order.ID, apperrors.ErrAlreadyExists)
		}
		return fmt.Errorf("insert order %s: %w", order.ID, err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return order, nil
}

func (s *Store) UpdateOrder(ctx context.Context, order *domain.Order) error {
	order.UpdatedAt = time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE orders SET
			state = $2, priority = $3, payload = $4, meta = $5,
			applied_at = $6, completed_at = $7,
			last_transitioned_at = $8, updated_at = $9
		WHERE id = $1`,
		order.ID, string(order.State), order.Priority,
		nullJSON(order.Payload), nullJSON(order.Meta),
		order.AppliedAt, order.CompletedAt,
		order.LastTransitionedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", order.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", order.ID, apperrors.ErrNotFound)
	}
	return nil
}

func (s *Store) OrdersInStateBefore(ctx context.Context, state domain.OrderState, cutoff time.Time) ([]*domain.Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE state = $1 AND last_transitioned_at < $2
		ORDER BY created_at ASC, id ASC`,
		string(state), cutoff)
	if err != nil {
		return nil, fmt.Errorf("orders in state %s: %w", state, err)
	}
	return scanOrders(rows)
}

func (s *Store) StaleOrders(ctx context.Context, cutoff time.Time) ([]*domain.Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE state NOT IN ('completed', 'dead_lettered') AND created_at < $1
		ORDER BY created_at ASC, id ASC`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale orders: %w", err)
	}
	return scanOrders(rows)
}

func (s *Store) ListOrders(ctx context.Context, q repository.OrderQuery) ([]*domain.Order, int, error) {
	q.Normalize()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(q.States) > 0 {
		states := make([]string, len(q.States))
		for i, st := range q.States {
			states[i] = string(st)
		}
		where = append(where, "o.state = ANY("+arg(states)+")")
	}
	if len(q.Types) > 0 {
		where = append(where, "o.type = ANY("+arg(q.Types)+")")
	}
	if q.RequestedByType != "" {
		where = append(where, "o.requested_by_type = "+arg(string(q.RequestedByType)))
	}
	if q.Priority != nil {
		where = append(where, "o.priority "+sqlOp(q.Priority.Op)+" "+arg(q.Priority.Value))
	}
	if q.CreatedAt != nil {
		where = append(where, "o.created_at "+sqlOp(q.CreatedAt.Op)+" "+arg(q.CreatedAt.Value))
	}
	if len(q.MetaContains) > 0 {
		blob, err := json.Marshal(q.MetaContains)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal meta predicate: %w", err)
		}
		where = append(where, "o.meta @> "+arg(string(blob))+"::jsonb")
	}
	if q.ItemState != "" {
		where = append(where, `EXISTS (
			SELECT 1 FROM items i WHERE i.order_id = o.id AND i.state = `+arg(string(q.ItemState))+`)`)
	}
	if q.HasAvailableItems {
		where = append(where, `EXISTS (
			SELECT 1 FROM items i WHERE i.order_id = o.id AND i.state = 'queued'
			AND (i.leased_by IS NULL OR i.lease_expires_at IS NULL OR i.lease_expires_at <= `+arg(q.Now)+`))`)
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRow(ctx, "SELECT count(*) FROM orders o"+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	orderSQL := buildOrderBy(q.Sorts)
	offset := (q.Page - 1) * q.PageSize
	listSQL := `SELECT o.id, o.type, o.state, o.priority, o.payload, o.meta,
			o.requested_by_type, o.requested_by_id, o.applied_at, o.completed_at,
			o.last_transitioned_at, o.created_at, o.updated_at,
			(SELECT count(*) FROM items i WHERE i.order_id = o.id) AS items_count
		FROM orders o` + whereSQL + orderSQL +
		" LIMIT " + arg(q.PageSize) + " OFFSET " + arg(offset)

	rows, err := s.db.Query(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrderWithCount(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list orders rows: %w", err)
	}

	if q.IncludeItems {
		for _, order := range orders {
			items, err := s.ItemsByOrder(ctx, order.ID)
			if err != nil {
				return nil, 0, err
			}
			order.Items = items
		}
	}
	return orders, total, nil
}

func buildOrderBy(sorts []repository.Sort) string {
	terms := make([]string, 0, len(sorts)+1)
	for _, srt := range sorts {
		col := ""
		switch srt.Field {
		case repository.SortPriority:
			col = "o.priority"
		case repository.SortCreatedAt:
			col = "o.created_at"
		case repository.SortLastTransitionedAt:
			col = "o.last_transitioned_at"
		case repository.SortAppliedAt:
			col = "o.applied_at"
		case repository.SortCompletedAt:
			col = "o.completed_at"
		case repository.SortItemsCount:
			col = "items_count"
		default:
			continue
		}
		dir := " ASC"
		if srt.Desc {
			dir = " DESC"
		}
		terms = append(terms, col+dir)
	}
	terms = append(terms, "o.id ASC")
	return " ORDER BY " + strings.Join(terms, ", ")
}

func sqlOp(op repository.Op) string {
	switch op {
	case repository.OpGt:
		return ">"
	case repository.OpGte:
		return ">="
	case repository.OpLt:
		return "<"
	case repository.OpLte:
		return "<="
	default:
		return "="
	}
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o               domain.Order
		state           string
		payload, meta   []byte
		reqType, reqID  *string
	)
	err := row.Scan(&o.ID, &o.Type, &state, &o.Priority, &payload, &meta,
		&reqType, &reqID, &o.AppliedAt, &o.CompletedAt,
		&o.LastTransitionedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.State = domain.OrderState(state)
	o.Payload = payload
	o.Meta = meta
	if reqType != nil {
		o.RequestedByType = domain.ActorType(*reqType)
	}
	if reqID != nil {
		o.RequestedByID = *reqID
	}
	return &o, nil
}

func scanOrderWithCount(row pgx.Row) (*domain.Order, error) {
	var (
		o              domain.Order
		state          string
		payload, meta  []byte
		reqType, reqID *string
	)
	err := row.Scan(&o.ID, &o.Type, &state, &o.Priority, &payload, &meta,
		&reqType, &reqID, &o.AppliedAt, &o.CompletedAt,
		&o.LastTransitionedAt, &o.CreatedAt, &o.UpdatedAt, &o.ItemsCount)
	if err != nil {
		return nil, err
	}
	o.State = domain.OrderState(state)
	o.Payload = payload
	o.Meta = meta
	if reqType != nil {
		o.RequestedByType = domain.ActorType(*reqType)
	}
	if reqID != nil {
		o.RequestedByID = *reqID
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]*domain.Order, error) {
	defer rows.Close()
	var out []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan orders: %w", err)
	}
	return out, nil
}

// nullString maps "" to NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullJSON maps empty raw JSON to NULL.
func nullJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

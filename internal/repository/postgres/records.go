package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
)

func (s *Store) CreatePart(ctx context.Context, part *domain.ItemPart) error {
	if part.CreatedAt.IsZero() {
		part.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO item_parts (id, item_id, part_key, seq, status, payload,
			evidence, notes, errors, checksum, submitted_by,
			idempotency_key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		part.ID, part.ItemID, part.PartKey, part.Seq, string(part.Status),
		nullJSON(part.Payload), nullJSON(part.Evidence), nullString(part.Notes),
		nullJSON(part.Errors), nullString(part.Checksum),
		nullString(part.SubmittedBy), nullString(part.IdempotencyKeyHash),
		part.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("part (%s,%s): %w", part.ItemID, part.PartKey, apperrors.ErrAlreadyExists)
		}
		return fmt.Errorf("insert part %s: %w", part.ID, err)
	}
	return nil
}

const partColumns = `id, item_id, part_key, seq, status, payload, evidence,
	notes, errors, checksum, submitted_by, idempotency_key_hash, created_at`

func (s *Store) PartsByItem(ctx context.Context, itemID string) ([]*domain.ItemPart, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+partColumns+` FROM item_parts
		WHERE item_id = $1 ORDER BY created_at ASC, id ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("parts by item %s: %w", itemID, err)
	}
	return scanParts(rows)
}

func (s *Store) LatestValidatedParts(ctx context.Context, itemID string) (map[string]*domain.ItemPart, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT ON (part_key) `+partColumns+`
		FROM item_parts
		WHERE item_id = $1 AND status = 'validated'
		ORDER BY part_key, created_at DESC, id DESC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("latest parts by item %s: %w", itemID, err)
	}
	parts, err := scanParts(rows)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]*domain.ItemPart, len(parts))
	for _, p := range parts {
		latest[p.PartKey] = p
	}
	return latest, nil
}

func (s *Store) CountParts(ctx context.Context, itemID string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM item_parts WHERE item_id = $1`, itemID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count parts for item %s: %w", itemID, err)
	}
	return n, nil
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO events (order_id, item_id, event, actor_type, actor_id,
			payload, diff, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		event.OrderID, nullString(event.ItemID), string(event.Event),
		nullString(string(event.ActorType)), nullString(event.ActorID),
		nullJSON(event.Payload), nullJSON(event.Diff), nullString(event.Message),
		event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("append event %s for order %s: %w", event.Event, event.OrderID, err)
	}
	return nil
}

const eventColumns = `id, order_id, item_id, event, actor_type, actor_id,
	payload, diff, message, created_at`

func (s *Store) EventsByOrder(ctx context.Context, orderID string, limit int) ([]*domain.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE order_id = $1 ORDER BY id ASC LIMIT $2`, orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("events by order %s: %w", orderID, err)
	}
	return scanEvents(rows)
}

func (s *Store) EventsByItem(ctx context.Context, itemID string, limit int) ([]*domain.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE item_id = $1 ORDER BY id ASC LIMIT $2`, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("events by item %s: %w", itemID, err)
	}
	return scanEvents(rows)
}

func (s *Store) CreateProvenance(ctx context.Context, p *domain.Provenance) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO provenances (id, order_id, item_id, idempotency_key,
			agent_name, agent_version, request_fingerprint, extra, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, nullString(p.OrderID), nullString(p.ItemID),
		nullString(p.IdempotencyKey), nullString(p.AgentName),
		nullString(p.AgentVersion), nullString(p.RequestFingerprint),
		nullJSON(p.Extra), p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("provenance idempotency key: %w", apperrors.ErrAlreadyExists)
		}
		return fmt.Errorf("insert provenance %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) InsertIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) (bool, *domain.IdempotencyRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO idempotency_records (id, scope, key_hash, response_snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, key_hash) DO NOTHING`,
		rec.ID, rec.Scope, rec.KeyHash, nullJSON(rec.ResponseSnapshot), rec.CreatedAt,
	)
	if err != nil {
		return false, nil, fmt.Errorf("insert idempotency record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}
	existing, err := s.GetIdempotencyRecord(ctx, rec.Scope, rec.KeyHash)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *Store) StoreIdempotencySnapshot(ctx context.Context, scope, keyHash string, snapshot []byte) error {
	// The snapshot is write-once: the predicate keeps an existing one
	// intact.
	_, err := s.db.Exec(ctx, `
		UPDATE idempotency_records SET response_snapshot = $3
		WHERE scope = $1 AND key_hash = $2 AND response_snapshot IS NULL`,
		scope, keyHash, string(snapshot))
	if err != nil {
		return fmt.Errorf("store idempotency snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, scope, keyHash string) (*domain.IdempotencyRecord, error) {
	var (
		rec      domain.IdempotencyRecord
		snapshot []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, scope, key_hash, response_snapshot, created_at
		FROM idempotency_records WHERE scope = $1 AND key_hash = $2`,
		scope, keyHash,
	).Scan(&rec.ID, &rec.Scope, &rec.KeyHash, &snapshot, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("idempotency record (%s): %w", scope, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	rec.ResponseSnapshot = snapshot
	return &rec, nil
}

func scanParts(rows pgx.Rows) ([]*domain.ItemPart, error) {
	defer rows.Close()
	var out []*domain.ItemPart
	for rows.Next() {
		var (
			p                          domain.ItemPart
			status                     string
			payload, evidence, errBlob []byte
			notes, checksum            *string
			submittedBy, keyHash       *string
		)
		err := rows.Scan(&p.ID, &p.ItemID, &p.PartKey, &p.Seq, &status,
			&payload, &evidence, &notes, &errBlob, &checksum,
			&submittedBy, &keyHash, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		p.Status = domain.PartStatus(status)
		p.Payload = payload
		p.Evidence = evidence
		p.Errors = errBlob
		if notes != nil {
			p.Notes = *notes
		}
		if checksum != nil {
			p.Checksum = *checksum
		}
		if submittedBy != nil {
			p.SubmittedBy = *submittedBy
		}
		if keyHash != nil {
			p.IdempotencyKeyHash = *keyHash
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan parts: %w", err)
	}
	return out, nil
}

func scanEvents(rows pgx.Rows) ([]*domain.Event, error) {
	defer rows.Close()
	var out []*domain.Event
	for rows.Next() {
		var (
			e                  domain.Event
			itemID             *string
			event              string
			actorType, actorID *string
			payload, diff      []byte
			message            *string
		)
		err := rows.Scan(&e.ID, &e.OrderID, &itemID, &event, &actorType,
			&actorID, &payload, &diff, &message, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Event = domain.EventType(event)
		e.Payload = payload
		e.Diff = diff
		if itemID != nil {
			e.ItemID = *itemID
		}
		if actorType != nil {
			e.ActorType = domain.ActorType(*actorType)
		}
		if actorID != nil {
			e.ActorID = *actorID
		}
		if message != nil {
			e.Message = *message
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

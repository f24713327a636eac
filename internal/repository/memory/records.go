package memory

import (
	"context"
	"fmt"
	"sort"

	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
)

func (t *txStore) CreatePart(ctx context.Context, part *domain.ItemPart) error {
	if _, exists := t.s.parts[part.ID]; exists {
		return fmt.Errorf("part %s: %w", part.ID, apperrors.ErrAlreadyExists)
	}
	// (item_id, part_key, seq) is unique.
	if part.Seq != nil {
		for _, p := range t.s.parts {
			if p.ItemID == part.ItemID && p.PartKey == part.PartKey &&
				p.Seq != nil && *p.Seq == *part.Seq {
				return fmt.Errorf("part (%s,%s,%d): %w",
					part.ItemID, part.PartKey, *part.Seq, apperrors.ErrAlreadyExists)
			}
		}
	}
	if part.CreatedAt.IsZero() {
		part.CreatedAt = t.s.now()
	}
	t.s.parts[part.ID] = *part
	return nil
}

func (t *txStore) PartsByItem(ctx context.Context, itemID string) ([]*domain.ItemPart, error) {
	var out []*domain.ItemPart
	for _, p := range t.s.parts {
		if p.ItemID == itemID {
			c := p
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *txStore) LatestValidatedParts(ctx context.Context, itemID string) (map[string]*domain.ItemPart, error) {
	latest := make(map[string]*domain.ItemPart)
	for _, p := range t.s.parts {
		if p.ItemID != itemID || p.Status != domain.PartValidated {
			continue
		}
		c := p
		cur, ok := latest[p.PartKey]
		if !ok || c.CreatedAt.After(cur.CreatedAt) ||
			(c.CreatedAt.Equal(cur.CreatedAt) && c.ID > cur.ID) {
			latest[p.PartKey] = &c
		}
	}
	return latest, nil
}

func (t *txStore) CountParts(ctx context.Context, itemID string) (int, error) {
	n := 0
	for _, p := range t.s.parts {
		if p.ItemID == itemID {
			n++
		}
	}
	return n, nil
}

func (t *txStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	t.s.eventSeq++
	event.ID = t.s.eventSeq
	if event.CreatedAt.IsZero() {
		event.CreatedAt = t.s.now()
	}
	t.s.events = append(t.s.events, *event)
	return nil
}

func (t *txStore) EventsByOrder(ctx context.Context, orderID string, limit int) ([]*domain.Event, error) {
	var out []*domain.Event
	for i := range t.s.events {
		if t.s.events[i].OrderID == orderID {
			c := t.s.events[i]
			out = append(out, &c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *txStore) EventsByItem(ctx context.Context, itemID string, limit int) ([]*domain.Event, error) {
	var out []*domain.Event
	for i := range t.s.events {
		if t.s.events[i].ItemID == itemID {
			c := t.s.events[i]
			out = append(out, &c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *txStore) CreateProvenance(ctx context.Context, p *domain.Provenance) error {
	if _, exists := t.s.provenances[p.ID]; exists {
		return fmt.Errorf("provenance %s: %w", p.ID, apperrors.ErrAlreadyExists)
	}
	// idempotency_key is globally unique when present.
	if p.IdempotencyKey != "" {
		for _, existing := range t.s.provenances {
			if existing.IdempotencyKey == p.IdempotencyKey {
				return fmt.Errorf("provenance idempotency key: %w", apperrors.ErrAlreadyExists)
			}
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = t.s.now()
	}
	t.s.provenances[p.ID] = *p
	return nil
}

func (t *txStore) InsertIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) (bool, *domain.IdempotencyRecord, error) {
	key := idemKey(rec.Scope, rec.KeyHash)
	if existing, ok := t.s.idem[key]; ok {
		c := existing
		return false, &c, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.s.now()
	}
	t.s.idem[key] = *rec
	return true, nil, nil
}

func (t *txStore) StoreIdempotencySnapshot(ctx context.Context, scope, keyHash string, snapshot []byte) error {
	key := idemKey(scope, keyHash)
	rec, ok := t.s.idem[key]
	if !ok {
		return fmt.Errorf("idempotency record (%s): %w", scope, apperrors.ErrNotFound)
	}
	if rec.ResponseSnapshot != nil {
		// Never overwritten once stored.
		return nil
	}
	rec.ResponseSnapshot = append([]byte(nil), snapshot...)
	t.s.idem[key] = rec
	return nil
}

func (t *txStore) GetIdempotencyRecord(ctx context.Context, scope, keyHash string) (*domain.IdempotencyRecord, error) {
	rec, ok := t.s.idem[idemKey(scope, keyHash)]
	if !ok {
		return nil, fmt.Errorf("idempotency record (%s): %w", scope, apperrors.ErrNotFound)
	}
	c := rec
	return &c, nil
}

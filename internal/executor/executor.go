// Package executor owns the work lifecycle after checkout: result
// submission, partial submissions and finalize, approval and apply,
// rejection, and the order-progress evaluation that follows each item
// change.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/pkg/metrics"
	"wo-foreman.io/foreman/internal/registry"
	"wo-foreman.io/foreman/internal/repository"
	"wo-foreman.io/foreman/internal/statemachine"
)

// Service coordinates submissions and approvals. Every method runs in
// the caller's transaction, so the idempotency guard can make a whole
// operation atomic with its reservation.
type Service struct {
	registry *registry.Registry
	machine  *statemachine.Machine
	partials config.PartialsConfig
	metrics  *metrics.Engine
	now      func() time.Time
}

// NewService creates the executor.
func NewService(reg *registry.Registry, machine *statemachine.Machine, partials config.PartialsConfig, m *metrics.Engine) *Service {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Service{
		registry: reg,
		machine:  machine,
		partials: partials,
		metrics:  m,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubmitRequest carries a complete item result from the lease holder.
type SubmitRequest struct {
	ItemID  string          `json:"item_id"`
	AgentID string          `json:"agent_id"`
	Result  json.RawMessage `json:"result"`
}

// Submit records the holder's result, moves the item to submitted, and
// re-evaluates the owning order. The lease is consumed by submission.
func (s *Service) Submit(ctx context.Context, tx repository.Store, req SubmitRequest) (*domain.Item, error) {
	item, order, err := s.lockHeldItem(ctx, tx, req.ItemID, req.AgentID)
	if err != nil {
		return nil, err
	}
	orderType, err := s.registry.Resolve(order.Type)
	if err != nil {
		return nil, err
	}

	if err := orderType.ValidateSubmission(ctx, item, req.Result); err != nil {
		return nil, asValidationError(err)
	}

	actor := domain.Actor{Type: domain.ActorAgent, ID: req.AgentID}
	if err := s.startWork(ctx, tx, item, actor); err != nil {
		return nil, err
	}

	item.Result = req.Result
	s.clearLease(item)
	if err := s.machine.TransitionItem(ctx, tx, item, domain.ItemSubmitted, actor, statemachine.Change{
		Payload: req.Result,
	}); err != nil {
		return nil, err
	}

	if err := s.evaluateOrderProgress(ctx, tx, order, actor); err != nil {
		return nil, err
	}
	return item, nil
}

// FailItemRequest carries a holder-reported item failure.
type FailItemRequest struct {
	ItemID  string          `json:"item_id"`
	AgentID string          `json:"agent_id"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// FailItem records a failed attempt by the lease holder. The attempt is
// charged; exhausted items move to failed, others return to queued and
// become checkout-eligible after the retry backoff window.
func (s *Service) FailItem(ctx context.Context, tx repository.Store, req FailItemRequest) (*domain.Item, error) {
	item, _, err := s.lockHeldItem(ctx, tx, req.ItemID, req.AgentID)
	if err != nil {
		return nil, err
	}

	actor := domain.Actor{Type: domain.ActorAgent, ID: req.AgentID}
	s.clearLease(item)
	item.Attempts++
	item.Error = req.Error

	target := domain.ItemQueued
	if item.Attempts >= item.MaxAttempts {
		target = domain.ItemFailed
	}
	if err := s.machine.TransitionItem(ctx, tx, item, target, actor, statemachine.Change{
		Event:   domain.EventFailed,
		Payload: req.Error,
		Message: fmt.Sprintf("attempt %d of %d failed", item.Attempts, item.MaxAttempts),
	}); err != nil {
		return nil, err
	}
	return item, nil
}

// SubmitPartRequest carries one incremental contribution.
type SubmitPartRequest struct {
	ItemID  string          `json:"item_id"`
	AgentID string          `json:"agent_id"`
	PartKey string          `json:"part_key"`
	Seq     *int            `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload"`

	Evidence json.RawMessage `json:"evidence,omitempty"`
	Notes    string          `json:"notes,omitempty"`

	// IdempotencyKeyHash links the part row back to the guarded request
	// that created it.
	IdempotencyKeyHash string `json:"-"`
}

// SubmitPart appends one part row and refreshes the item's parts_state
// summary. Parts are append-only: the same (part_key, seq) can never be
// written twice, and a later row supersedes earlier ones per key.
//
// A part that fails validation is still written, with status rejected
// and structured errors. The call then returns the part together with
// a validation-failed error; the caller must commit the transaction
// whenever the returned part is non-nil.
func (s *Service) SubmitPart(ctx context.Context, tx repository.Store, req SubmitPartRequest) (*domain.ItemPart, error) {
	if !s.partials.Enabled {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed, "partial submissions are disabled")
	}
	if req.PartKey == "" {
		return nil, apperrors.ValidationFailed("part_key is required", []apperrors.FieldError{
			{Field: "part_key", Message: "must not be empty"},
		})
	}
	if s.partials.MaxPayloadBytes > 0 && len(req.Payload) > s.partials.MaxPayloadBytes {
		return nil, apperrors.PartLimitExceeded(req.ItemID, s.partials.MaxPayloadBytes)
	}

	item, order, err := s.lockHeldItem(ctx, tx, req.ItemID, req.AgentID)
	if err != nil {
		return nil, err
	}
	if s.partials.MaxPartsPerItem > 0 {
		n, err := tx.CountParts(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if n >= s.partials.MaxPartsPerItem {
			return nil, apperrors.PartLimitExceeded(item.ID, s.partials.MaxPartsPerItem)
		}
	}

	actor := domain.Actor{Type: domain.ActorAgent, ID: req.AgentID}
	if err := s.startWork(ctx, tx, item, actor); err != nil {
		return nil, err
	}

	part := &domain.ItemPart{
		ID:                 uuid.Must(uuid.NewV7()).String(),
		ItemID:             item.ID,
		PartKey:            req.PartKey,
		Seq:                req.Seq,
		Status:             domain.PartValidated,
		Payload:            req.Payload,
		Evidence:           req.Evidence,
		Notes:              req.Notes,
		Checksum:           payloadChecksum(req.Payload),
		SubmittedBy:        req.AgentID,
		IdempotencyKeyHash: req.IdempotencyKeyHash,
	}

	var validationErr error
	if partial, ok := s.partialType(order.Type); ok {
		validationErr = partial.ValidatePart(ctx, item, req.PartKey, req.Payload, req.Seq)
	}
	if validationErr != nil {
		part.Status = domain.PartRejected
		blob, err := json.Marshal(map[string]string{"error": validationErr.Error()})
		if err != nil {
			return nil, err
		}
		part.Errors = blob
	}

	if err := tx.CreatePart(ctx, part); err != nil {
		return nil, err
	}
	if err := s.machine.RecordItemEvent(ctx, tx, order.ID, item.ID, domain.EventPartSubmitted, actor, statemachine.Change{
		Message: req.PartKey,
	}); err != nil {
		return nil, err
	}

	outcome := domain.EventPartValidated
	if part.Status == domain.PartRejected {
		outcome = domain.EventPartRejected
	}
	if err := s.machine.RecordItemEvent(ctx, tx, order.ID, item.ID, outcome, actor, statemachine.Change{
		Message: req.PartKey,
		Payload: part.Errors,
	}); err != nil {
		return nil, err
	}

	if item.PartsState == nil {
		item.PartsState = make(map[string]domain.PartSummary)
	}
	item.PartsState[part.PartKey] = domain.PartSummary{
		PartID:    part.ID,
		Status:    part.Status,
		Seq:       part.Seq,
		Checksum:  part.Checksum,
		UpdatedAt: s.now().UTC(),
	}
	if err := tx.UpdateItem(ctx, item); err != nil {
		return nil, err
	}

	if part.Status == domain.PartRejected {
		// The rejected row and its events must survive the commit: the
		// caller keeps the transaction alive when part is non-nil and
		// reports the validation error to the client.
		return part, apperrors.ValidationFailed("part payload rejected", []apperrors.FieldError{
			{Field: "payload", Code: "invalid", Message: validationErr.Error()},
		}).WithParams(map[string]interface{}{
			"part_id":  part.ID,
			"part_key": part.PartKey,
		})
	}
	return part, nil
}

// FinalizeRequest asks for the item's parts to be assembled into its
// result.
type FinalizeRequest struct {
	ItemID  string              `json:"item_id"`
	AgentID string              `json:"agent_id"`
	Mode    domain.FinalizeMode `json:"mode"`
}

// Finalize assembles the latest validated part per key into the item
// result and submits it. Strict mode demands every required part;
// best-effort assembles whatever validated.
func (s *Service) Finalize(ctx context.Context, tx repository.Store, req FinalizeRequest) (*domain.Item, error) {
	if !s.partials.Enabled {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed, "partial submissions are disabled")
	}
	mode := req.Mode
	if mode == "" {
		mode = domain.FinalizeStrict
	}

	item, order, err := s.lockHeldItem(ctx, tx, req.ItemID, req.AgentID)
	if err != nil {
		return nil, err
	}

	latest, err := tx.LatestValidatedParts(ctx, item.ID)
	if err != nil {
		return nil, err
	}

	partial, isPartial := s.partialType(order.Type)

	required := item.PartsRequired
	if len(required) == 0 && isPartial {
		required, err = partial.RequiredParts(ctx, item)
		if err != nil {
			return nil, err
		}
	}
	if mode == domain.FinalizeStrict {
		var missing []apperrors.FieldError
		for _, key := range required {
			if _, ok := latest[key]; !ok {
				missing = append(missing, apperrors.FieldError{
					Field:   key,
					Message: "required part has no validated submission",
				})
			}
		}
		if len(missing) > 0 {
			return nil, apperrors.ValidationFailed("required parts are missing", missing)
		}
	}

	var assembled json.RawMessage
	if isPartial {
		assembled, err = partial.Assemble(ctx, item, latest)
		if err != nil {
			return nil, asValidationError(err)
		}
		if err := partial.ValidateAssembled(ctx, item, assembled); err != nil {
			return nil, asValidationError(err)
		}
	} else {
		assembled, err = defaultAssembly(latest)
		if err != nil {
			return nil, err
		}
	}

	actor := domain.Actor{Type: domain.ActorAgent, ID: req.AgentID}
	if err := s.startWork(ctx, tx, item, actor); err != nil {
		return nil, err
	}

	item.AssembledResult = assembled
	item.Result = assembled
	s.clearLease(item)

	if err := s.machine.RecordItemEvent(ctx, tx, order.ID, item.ID, domain.EventFinalized, actor, statemachine.Change{
		Message: string(mode),
	}); err != nil {
		return nil, err
	}
	if err := s.machine.TransitionItem(ctx, tx, item, domain.ItemSubmitted, actor, statemachine.Change{
		Payload: assembled,
	}); err != nil {
		return nil, err
	}

	if err := s.evaluateOrderProgress(ctx, tx, order, actor); err != nil {
		return nil, err
	}
	return item, nil
}

// lockHeldItem loads the item row under lock and verifies the caller
// holds a live lease on it.
func (s *Service) lockHeldItem(ctx context.Context, tx repository.Store, itemID, agentID string) (*domain.Item, *domain.Order, error) {
	item, err := tx.GetItemForUpdate(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}
	if item.State != domain.ItemLeased && item.State != domain.ItemInProgress {
		return nil, nil, apperrors.IllegalTransition("item", string(item.State), string(domain.ItemSubmitted))
	}
	if item.LeasedBy != agentID {
		return nil, nil, apperrors.LeaseNotHolder(itemID, item.LeasedBy, agentID)
	}
	if !item.LeaseLive(s.now().UTC()) {
		expiredAt := ""
		if item.LeaseExpiresAt != nil {
			expiredAt = item.LeaseExpiresAt.Format(time.RFC3339)
		}
		return nil, nil, apperrors.LeaseExpired(itemID, agentID, expiredAt)
	}
	order, err := tx.GetOrder(ctx, item.OrderID)
	if err != nil {
		return nil, nil, err
	}
	return item, order, nil
}

// startWork moves a leased item to in_progress on its first activity.
func (s *Service) startWork(ctx context.Context, tx repository.Store, item *domain.Item, actor domain.Actor) error {
	if item.State != domain.ItemLeased {
		return nil
	}
	return s.machine.TransitionItem(ctx, tx, item, domain.ItemInProgress, actor, statemachine.Change{})
}

func (s *Service) clearLease(item *domain.Item) {
	item.LeasedBy = ""
	item.LeaseExpiresAt = nil
	item.LastHeartbeatAt = nil
}

func (s *Service) partialType(orderTypeID string) (registry.PartialType, bool) {
	t, err := s.registry.Resolve(orderTypeID)
	if err != nil {
		return nil, false
	}
	partial, ok := t.(registry.PartialType)
	return partial, ok
}

// defaultAssembly maps part key to latest validated payload when the
// type does not implement its own assembler.
func defaultAssembly(latest map[string]*domain.ItemPart) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage, len(latest))
	for key, part := range latest {
		merged[key] = part.Payload
	}
	blob, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("assemble parts: %w", err)
	}
	return blob, nil
}

func payloadChecksum(payload json.RawMessage) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// asValidationError keeps AppErrors intact and folds anything else
// into the validation taxonomy.
func asValidationError(err error) error {
	if _, ok := apperrors.IsAppError(err); ok {
		return err
	}
	return apperrors.ValidationFailed(err.Error(), nil)
}

// Package allocator materializes proposals: validate the typed payload,
// create the order, plan it into items, and record provenance, all in
// one transaction.
package allocator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/registry"
	"wo-foreman.io/foreman/internal/repository"
	"wo-foreman.io/foreman/internal/statemachine"
)

// ProposeRequest is a validated-and-typed order proposal.
type ProposeRequest struct {
	Type     string          `json:"type"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
	Meta     json.RawMessage `json:"meta,omitempty"`

	Actor      domain.Actor     `json:"actor"`
	Provenance *ProvenanceInput `json:"provenance,omitempty"`
}

// ProvenanceInput carries agent metadata recorded alongside the order.
type ProvenanceInput struct {
	AgentName          string          `json:"agent_name,omitempty"`
	AgentVersion       string          `json:"agent_version,omitempty"`
	IdempotencyKey     string          `json:"idempotency_key,omitempty"`
	RequestFingerprint string          `json:"request_fingerprint,omitempty"`
	Extra              json.RawMessage `json:"extra,omitempty"`
}

// Service plans proposals into orders and items.
type Service struct {
	registry *registry.Registry
	machine  *statemachine.Machine
	retry    config.RetryConfig
}

// NewService creates the allocator.
func NewService(reg *registry.Registry, machine *statemachine.Machine, retry config.RetryConfig) *Service {
	return &Service{registry: reg, machine: machine, retry: retry}
}

// Propose validates the proposal against the type schema and creates
// the order with its planned items. It runs inside the caller's
// transaction; the idempotency guard typically owns that transaction.
func (s *Service) Propose(ctx context.Context, tx repository.Store, req ProposeRequest) (*domain.Order, error) {
	orderType, err := s.registry.Resolve(req.Type)
	if err != nil {
		return nil, err
	}
	if err := s.validatePayload(orderType, req.Payload); err != nil {
		return nil, err
	}
	if err := validateMeta(req.Meta); err != nil {
		return nil, err
	}

	order := &domain.Order{
		ID:              uuid.Must(uuid.NewV7()).String(),
		Type:            req.Type,
		State:           domain.OrderQueued,
		Priority:        req.Priority,
		Payload:         req.Payload,
		Meta:            req.Meta,
		RequestedByType: req.Actor.Type,
		RequestedByID:   req.Actor.ID,
	}
	if err := tx.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	if err := s.machine.RecordOrderEvent(ctx, tx, order.ID, domain.EventProposed, req.Actor, statemachine.Change{
		Payload: req.Payload,
	}); err != nil {
		return nil, err
	}

	specs, err := orderType.Plan(ctx, order)
	if err != nil {
		return nil, err
	}
	items := make([]*domain.Item, 0, len(specs))
	for _, spec := range specs {
		maxAttempts := spec.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = s.retry.DefaultMaxAttempts
		}
		item := &domain.Item{
			ID:            uuid.Must(uuid.NewV7()).String(),
			OrderID:       order.ID,
			Type:          spec.Type,
			State:         domain.ItemQueued,
			Input:         spec.Input,
			MaxAttempts:   maxAttempts,
			PartsRequired: spec.PartsRequired,
		}
		if err := tx.CreateItem(ctx, item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	planned, err := json.Marshal(map[string]interface{}{"items_count": len(items)})
	if err != nil {
		return nil, err
	}
	if err := s.machine.RecordOrderEvent(ctx, tx, order.ID, domain.EventPlanned, req.Actor, statemachine.Change{
		Payload: planned,
	}); err != nil {
		return nil, err
	}

	if req.Provenance != nil {
		if err := tx.CreateProvenance(ctx, &domain.Provenance{
			ID:                 uuid.Must(uuid.NewV7()).String(),
			OrderID:            order.ID,
			IdempotencyKey:     req.Provenance.IdempotencyKey,
			AgentName:          req.Provenance.AgentName,
			AgentVersion:       req.Provenance.AgentVersion,
			RequestFingerprint: req.Provenance.RequestFingerprint,
			Extra:              req.Provenance.Extra,
		}); err != nil {
			return nil, err
		}
	}

	order.Items = items
	order.ItemsCount = len(items)
	return order, nil
}

// validatePayload checks the payload against the type's declared schema.
func (s *Service) validatePayload(orderType registry.OrderType, payload json.RawMessage) error {
	schema := orderType.Schema()
	if schema == nil {
		return nil
	}
	var value interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &value); err != nil {
			return apperrors.ValidationFailed("payload is not valid JSON", nil)
		}
	}
	err := schema.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return apperrors.ValidationFailed("payload does not match the type schema", schemaFieldErrors(err))
}

func validateMeta(meta json.RawMessage) error {
	if len(meta) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(meta, &m); err != nil {
		return apperrors.ValidationFailed("meta must be a JSON object", nil)
	}
	return nil
}

// schemaFieldErrors flattens kin-openapi validation errors into the
// field-error shape of the error taxonomy.
func schemaFieldErrors(err error) []apperrors.FieldError {
	var out []apperrors.FieldError
	var collect func(error)
	collect = func(e error) {
		if multi, ok := e.(openapi3.MultiError); ok {
			for _, sub := range multi {
				collect(sub)
			}
			return
		}
		var se *openapi3.SchemaError
		if errors.As(e, &se) {
			out = append(out, apperrors.FieldError{
				Field:   strings.Join(se.JSONPointer(), "."),
				Message: se.Reason,
			})
			return
		}
		out = append(out, apperrors.FieldError{Message: e.Error()})
	}
	collect(err)
	return out
}

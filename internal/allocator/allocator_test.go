package allocator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/registry"
	"wo-foreman.io/foreman/internal/repository"
	"wo-foreman.io/foreman/internal/repository/memory"
	"wo-foreman.io/foreman/internal/statemachine"
)

type echoType struct {
	specs   []domain.ItemSpec
	planErr error
}

func (t *echoType) TypeID() string { return "echo" }

func (t *echoType) Schema() *openapi3.Schema {
	schema := openapi3.NewObjectSchema().
		WithProperty("message", openapi3.NewStringSchema())
	schema.Required = []string{"message"}
	return schema
}

func (t *echoType) Plan(ctx context.Context, order *domain.Order) ([]domain.ItemSpec, error) {
	if t.planErr != nil {
		return nil, t.planErr
	}
	if t.specs != nil {
		return t.specs, nil
	}
	return []domain.ItemSpec{{Type: "echo", Input: order.Payload}}, nil
}

func (t *echoType) ValidateSubmission(ctx context.Context, item *domain.Item, result json.RawMessage) error {
	return nil
}

func (t *echoType) ReadyForApproval(ctx context.Context, order *domain.Order) (bool, error) {
	return true, nil
}

func (t *echoType) Apply(ctx context.Context, order *domain.Order) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func newAllocator(types ...registry.OrderType) *Service {
	reg := registry.New()
	for _, t := range types {
		reg.Register(t)
	}
	machine := statemachine.NewDefault(nil)
	return NewService(reg, machine, config.RetryConfig{DefaultMaxAttempts: 3})
}

func propose(t *testing.T, store *memory.Store, svc *Service, req ProposeRequest) (*domain.Order, error) {
	t.Helper()
	var order *domain.Order
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Store) error {
		var err error
		order, err = svc.Propose(ctx, tx, req)
		return err
	})
	return order, err
}

func TestProposeCreatesOrderAndItems(t *testing.T) {
	store := memory.New()
	svc := newAllocator(&echoType{specs: []domain.ItemSpec{
		{Type: "echo", Input: json.RawMessage(`{"n":1}`)},
		{Type: "echo", Input: json.RawMessage(`{"n":2}`), MaxAttempts: 5},
	}})

	order, err := propose(t, store, svc, ProposeRequest{
		Type:     "echo",
		Priority: 7,
		Payload:  json.RawMessage(`{"message":"hi"}`),
		Actor:    domain.Actor{Type: domain.ActorUser, ID: "user-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderQueued, order.State)
	assert.Equal(t, 7, order.Priority)
	require.Len(t, order.Items, 2)
	assert.Equal(t, domain.ItemQueued, order.Items[0].State)
	assert.Equal(t, 3, order.Items[0].MaxAttempts)
	assert.Equal(t, 5, order.Items[1].MaxAttempts)

	got, err := store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderQueued, got.State)

	events, err := store.EventsByOrder(context.Background(), order.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventProposed, events[0].Event)
	assert.Equal(t, domain.EventPlanned, events[1].Event)
}

func TestProposeUnknownType(t *testing.T) {
	store := memory.New()
	svc := newAllocator(&echoType{})

	_, err := propose(t, store, svc, ProposeRequest{
		Type:    "nope",
		Payload: json.RawMessage(`{}`),
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeTypeNotFound))
}

func TestProposeSchemaValidation(t *testing.T) {
	store := memory.New()
	svc := newAllocator(&echoType{})

	_, err := propose(t, store, svc, ProposeRequest{
		Type:    "echo",
		Payload: json.RawMessage(`{"unexpected":true}`),
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.NotEmpty(t, appErr.FieldErrors)
}

func TestProposePlanErrorRollsBack(t *testing.T) {
	store := memory.New()
	svc := newAllocator(&echoType{planErr: errors.New("planner down")})

	_, err := propose(t, store, svc, ProposeRequest{
		Type:    "echo",
		Payload: json.RawMessage(`{"message":"hi"}`),
	})
	require.Error(t, err)

	orders, total, err := store.ListOrders(context.Background(), repository.OrderQuery{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, orders)
}

func TestProposeRecordsProvenance(t *testing.T) {
	store := memory.New()
	svc := newAllocator(&echoType{})

	order, err := propose(t, store, svc, ProposeRequest{
		Type:    "echo",
		Payload: json.RawMessage(`{"message":"hi"}`),
		Actor:   domain.Actor{Type: domain.ActorAgent, ID: "agent-1"},
		Provenance: &ProvenanceInput{
			AgentName:      "planner",
			AgentVersion:   "1.4.0",
			IdempotencyKey: "key-1",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, order)

	// A second proposal reusing the provenance idempotency key violates
	// the uniqueness guarantee.
	_, err = propose(t, store, svc, ProposeRequest{
		Type:    "echo",
		Payload: json.RawMessage(`{"message":"again"}`),
		Provenance: &ProvenanceInput{
			IdempotencyKey: "key-1",
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
}

func TestProposeInvalidMeta(t *testing.T) {
	store := memory.New()
	svc := newAllocator(&echoType{})

	_, err := propose(t, store, svc, ProposeRequest{
		Type:    "echo",
		Payload: json.RawMessage(`{"message":"hi"}`),
		Meta:    json.RawMessage(`[1,2]`),
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))
}

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wo-foreman.io/foreman/internal/allocator"
	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/domain"
	"wo-foreman.io/foreman/internal/lease"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/internal/registry"
	"wo-foreman.io/foreman/internal/repository"
	"wo-foreman.io/foreman/internal/repository/memory"
	"wo-foreman.io/foreman/internal/statemachine"
)

func init() {
	_ = logger.Init("error", "json")
}

// plainType is a minimal order type without the partial extension.
type plainType struct {
	ready       bool
	autoApprove bool
	applyErr    error
	applyCalls  int
	validateErr error
}

func (t *plainType) TypeID() string           { return "plain" }
func (t *plainType) Schema() *openapi3.Schema { return openapi3.NewObjectSchema() }
func (t *plainType) AutoApprove() bool        { return t.autoApprove }

func (t *plainType) Plan(ctx context.Context, order *domain.Order) ([]domain.ItemSpec, error) {
	return []domain.ItemSpec{{Type: "plain", Input: order.Payload}}, nil
}

func (t *plainType) ValidateSubmission(ctx context.Context, item *domain.Item, result json.RawMessage) error {
	return t.validateErr
}

func (t *plainType) ReadyForApproval(ctx context.Context, order *domain.Order) (bool, error) {
	return t.ready, nil
}

func (t *plainType) Apply(ctx context.Context, order *domain.Order) (json.RawMessage, error) {
	t.applyCalls++
	if t.applyErr != nil {
		return nil, t.applyErr
	}
	return json.RawMessage(`{"applied":true}`), nil
}

// partType adds the partial-submission extension.
type partType struct {
	plainType
	required      []string
	rejectPartKey string
}

func (t *partType) TypeID() string { return "parted" }

func (t *partType) Plan(ctx context.Context, order *domain.Order) ([]domain.ItemSpec, error) {
	return []domain.ItemSpec{{Type: "parted", Input: order.Payload, PartsRequired: t.required}}, nil
}

func (t *partType) RequiredParts(ctx context.Context, item *domain.Item) ([]string, error) {
	return t.required, nil
}

func (t *partType) ValidatePart(ctx context.Context, item *domain.Item, partKey string, payload json.RawMessage, seq *int) error {
	if partKey == t.rejectPartKey {
		return errors.New("part payload rejected")
	}
	return nil
}

func (t *partType) Assemble(ctx context.Context, item *domain.Item, latest map[string]*domain.ItemPart) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage, len(latest))
	for key, part := range latest {
		merged[key] = part.Payload
	}
	return json.Marshal(merged)
}

func (t *partType) ValidateAssembled(ctx context.Context, item *domain.Item, result json.RawMessage) error {
	return nil
}

type engine struct {
	store *memory.Store
	exec  *Service
	alloc *allocator.Service
	lease *lease.Service
}

func newEngine(t *testing.T, types ...registry.OrderType) *engine {
	t.Helper()
	reg := registry.New()
	for _, ot := range types {
		reg.Register(ot)
	}
	store := memory.New()
	machine := statemachine.NewDefault(nil)
	leaseCfg := config.LeaseConfig{TTLSeconds: 600, HeartbeatEverySeconds: 120, Backend: "store"}
	retryCfg := config.RetryConfig{DefaultMaxAttempts: 3, BackoffSeconds: 30}
	partials := config.PartialsConfig{Enabled: true, MaxPartsPerItem: 200, MaxPayloadBytes: 1 << 20}
	return &engine{
		store: store,
		exec:  NewService(reg, machine, partials, nil),
		alloc: allocator.NewService(reg, machine, retryCfg),
		lease: lease.NewService(store, lease.NewStoreBackend(), machine, leaseCfg, retryCfg, nil),
	}
}

func (e *engine) propose(t *testing.T, typeID string) *domain.Order {
	t.Helper()
	var order *domain.Order
	err := e.store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Store) error {
		var err error
		order, err = e.alloc.Propose(ctx, tx, allocator.ProposeRequest{
			Type:    typeID,
			Payload: json.RawMessage(`{}`),
			Actor:   domain.Actor{Type: domain.ActorUser, ID: "user-1"},
		})
		return err
	})
	require.NoError(t, err)
	return order
}

func (e *engine) checkout(t *testing.T, agentID string) *lease.Checkout {
	t.Helper()
	grant, err := e.lease.Checkout(context.Background(), agentID, lease.Filters{})
	require.NoError(t, err)
	return grant
}

func (e *engine) submit(itemID, agentID string, result json.RawMessage) (*domain.Item, error) {
	var item *domain.Item
	err := e.store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Store) error {
		var err error
		item, err = e.exec.Submit(ctx, tx, SubmitRequest{ItemID: itemID, AgentID: agentID, Result: result})
		return err
	})
	return item, err
}

func (e *engine) approve(orderID string) (*ApproveResult, error) {
	var result *ApproveResult
	err := e.store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Store) error {
		var err error
		result, err = e.exec.Approve(ctx, tx, ApproveRequest{
			OrderID: orderID,
			Actor:   domain.Actor{Type: domain.ActorUser, ID: "approver-1"},
		})
		return err
	})
	return result, err
}

func TestHappyPathOrderLifecycle(t *testing.T) {
	ot := &plainType{ready: true}
	e := newEngine(t, ot)
	ctx := context.Background()

	order := e.propose(t, "plain")
	grant := e.checkout(t, "agent-1")
	require.Equal(t, order.ID, grant.Item.OrderID)

	item, err := e.submit(grant.Item.ID, "agent-1", json.RawMessage(`{"answer":42}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ItemSubmitted, item.State)
	assert.Empty(t, item.LeasedBy)

	got, err := e.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSubmitted, got.State)

	result, err := e.approve(order.ID)
	require.NoError(t, err)
	assert.Empty(t, result.ApplyError)
	assert.JSONEq(t, `{"applied":true}`, string(result.Diff))
	assert.Equal(t, domain.OrderCompleted, result.Order.State)

	finalItem, err := e.store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemCompleted, finalItem.State)
	require.NotNil(t, finalItem.AcceptedAt)

	events, err := e.store.EventsByOrder(ctx, order.ID, 50)
	require.NoError(t, err)
	var names []domain.EventType
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	assert.Contains(t, names, domain.EventProposed)
	assert.Contains(t, names, domain.EventPlanned)
	assert.Contains(t, names, domain.EventLeased)
	assert.Contains(t, names, domain.EventSubmitted)
	assert.Contains(t, names, domain.EventApproved)
	assert.Contains(t, names, domain.EventApplied)
	assert.Contains(t, names, domain.EventCompleted)
}

func TestSubmitValidationFailureRollsBack(t *testing.T) {
	ot := &plainType{ready: true, validateErr: errors.New("result malformed")}
	e := newEngine(t, ot)

	e.propose(t, "plain")
	grant := e.checkout(t, "agent-1")

	_, err := e.submit(grant.Item.ID, "agent-1", json.RawMessage(`{"bad":true}`))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))

	// The item is untouched and still leased to the agent.
	item, err := e.store.GetItem(context.Background(), grant.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemLeased, item.State)
	assert.Equal(t, "agent-1", item.LeasedBy)
}

func TestSubmitByNonHolder(t *testing.T) {
	e := newEngine(t, &plainType{ready: true})

	e.propose(t, "plain")
	grant := e.checkout(t, "agent-1")

	_, err := e.submit(grant.Item.ID, "agent-2", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLeaseError))
}

func TestApplyFailureLeavesOrderApproved(t *testing.T) {
	ot := &plainType{ready: true, applyErr: errors.New("downstream unavailable")}
	e := newEngine(t, ot)
	ctx := context.Background()

	order := e.propose(t, "plain")
	grant := e.checkout(t, "agent-1")
	_, err := e.submit(grant.Item.ID, "agent-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	result, err := e.approve(order.ID)
	require.NoError(t, err)
	assert.Equal(t, "downstream unavailable", result.ApplyError)
	assert.Equal(t, domain.OrderApproved, result.Order.State)

	events, err := e.store.EventsByOrder(ctx, order.ID, 50)
	require.NoError(t, err)
	var sawApplyFailed bool
	for _, ev := range events {
		if ev.Event == domain.EventApplyFailed {
			sawApplyFailed = true
		}
	}
	assert.True(t, sawApplyFailed)

	// A later approve retries the apply alone.
	ot.applyErr = nil
	result, err = e.approve(order.ID)
	require.NoError(t, err)
	assert.Empty(t, result.ApplyError)
	assert.Equal(t, domain.OrderCompleted, result.Order.State)
	assert.Equal(t, 2, ot.applyCalls)
}

func TestApproveNotReady(t *testing.T) {
	e := newEngine(t, &plainType{ready: false})

	order := e.propose(t, "plain")
	grant := e.checkout(t, "agent-1")
	_, err := e.submit(grant.Item.ID, "agent-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = e.approve(order.ID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotReady))

	got, err := e.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSubmitted, got.State)
}

func TestApproveFromQueuedIsIllegal(t *testing.T) {
	e := newEngine(t, &plainType{ready: true})
	order := e.propose(t, "plain")

	_, err := e.approve(order.ID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeIllegalTransition))
}

func TestAutoApproveCompletesOnSubmit(t *testing.T) {
	e := newEngine(t, &plainType{ready: true, autoApprove: true})
	ctx := context.Background()

	order := e.propose(t, "plain")
	grant := e.checkout(t, "agent-1")
	_, err := e.submit(grant.Item.ID, "agent-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	got, err := e.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, got.State)

	item, err := e.store.GetItem(ctx, grant.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemCompleted, item.State)
}

func TestRejectWithReworkPreservesResults(t *testing.T) {
	e := newEngine(t, &plainType{ready: true})
	ctx := context.Background()

	order := e.propose(t, "plain")
	grant := e.checkout(t, "agent-1")
	_, err := e.submit(grant.Item.ID, "agent-1", json.RawMessage(`{"draft":1}`))
	require.NoError(t, err)

	err = e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		_, err := e.exec.Reject(ctx, tx, RejectRequest{
			OrderID: order.ID,
			Actor:   domain.Actor{Type: domain.ActorUser, ID: "reviewer-1"},
			Reason:  "numbers do not add up",
			Rework:  true,
		})
		return err
	})
	require.NoError(t, err)

	got, err := e.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderQueued, got.State)

	item, err := e.store.GetItem(ctx, grant.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemQueued, item.State)
	assert.JSONEq(t, `{"draft":1}`, string(item.Result))

	// The reworked item can be checked out again.
	regrant, err := e.lease.Checkout(ctx, "agent-2", lease.Filters{})
	require.NoError(t, err)
	assert.Equal(t, grant.Item.ID, regrant.Item.ID)
}

func TestRejectWithoutRework(t *testing.T) {
	e := newEngine(t, &plainType{ready: true})
	ctx := context.Background()

	order := e.propose(t, "plain")
	grant := e.checkout(t, "agent-1")
	_, err := e.submit(grant.Item.ID, "agent-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	err = e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		_, err := e.exec.Reject(ctx, tx, RejectRequest{
			OrderID: order.ID,
			Actor:   domain.Actor{Type: domain.ActorUser, ID: "reviewer-1"},
			Reason:  "not wanted",
		})
		return err
	})
	require.NoError(t, err)

	got, err := e.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejected, got.State)
}

func TestPartialSubmissionFlow(t *testing.T) {
	pt := &partType{plainType: plainType{ready: true}, required: []string{"summary", "details"}}
	e := newEngine(t, pt)
	ctx := context.Background()

	order := e.propose(t, "parted")
	grant := e.checkout(t, "agent-1")
	itemID := grant.Item.ID

	submitPart := func(key string, payload string) (*domain.ItemPart, error) {
		var part *domain.ItemPart
		err := e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			var err error
			part, err = e.exec.SubmitPart(ctx, tx, SubmitPartRequest{
				ItemID:  itemID,
				AgentID: "agent-1",
				PartKey: key,
				Payload: json.RawMessage(payload),
			})
			return err
		})
		return part, err
	}
	finalize := func(mode domain.FinalizeMode) (*domain.Item, error) {
		var item *domain.Item
		err := e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			var err error
			item, err = e.exec.Finalize(ctx, tx, FinalizeRequest{
				ItemID: itemID, AgentID: "agent-1", Mode: mode,
			})
			return err
		})
		return item, err
	}

	part, err := submitPart("summary", `{"text":"first"}`)
	require.NoError(t, err)
	assert.Equal(t, domain.PartValidated, part.Status)
	assert.NotEmpty(t, part.Checksum)

	// Strict finalize refuses while a required part is missing.
	_, err = finalize(domain.FinalizeStrict)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))

	// A later submission for the same key supersedes the first.
	_, err = submitPart("summary", `{"text":"revised"}`)
	require.NoError(t, err)
	_, err = submitPart("details", `{"rows":3}`)
	require.NoError(t, err)

	item, err := finalize(domain.FinalizeStrict)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemSubmitted, item.State)
	assert.JSONEq(t, `{"summary":{"text":"revised"},"details":{"rows":3}}`, string(item.AssembledResult))

	got, err := e.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSubmitted, got.State)
}

func TestFinalizeBestEffortAllowsMissingParts(t *testing.T) {
	pt := &partType{plainType: plainType{ready: true}, required: []string{"summary", "details"}}
	e := newEngine(t, pt)
	ctx := context.Background()

	e.propose(t, "parted")
	grant := e.checkout(t, "agent-1")

	err := e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		_, err := e.exec.SubmitPart(ctx, tx, SubmitPartRequest{
			ItemID: grant.Item.ID, AgentID: "agent-1",
			PartKey: "summary", Payload: json.RawMessage(`{"text":"only"}`),
		})
		return err
	})
	require.NoError(t, err)

	var item *domain.Item
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		var err error
		item, err = e.exec.Finalize(ctx, tx, FinalizeRequest{
			ItemID: grant.Item.ID, AgentID: "agent-1", Mode: domain.FinalizeBestEffort,
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ItemSubmitted, item.State)
	assert.JSONEq(t, `{"summary":{"text":"only"}}`, string(item.AssembledResult))
}

func TestSubmitPartRejectedIsRecorded(t *testing.T) {
	pt := &partType{plainType: plainType{ready: true}, required: []string{"summary"}, rejectPartKey: "summary"}
	e := newEngine(t, pt)
	ctx := context.Background()

	e.propose(t, "parted")
	grant := e.checkout(t, "agent-1")

	var part *domain.ItemPart
	var rejection error
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		part, rejection = e.exec.SubmitPart(ctx, tx, SubmitPartRequest{
			ItemID: grant.Item.ID, AgentID: "agent-1",
			PartKey: "summary", Payload: json.RawMessage(`{"text":"bad"}`),
		})
		if part != nil {
			return nil
		}
		return rejection
	})
	require.NoError(t, err)
	require.Error(t, rejection)
	assert.True(t, apperrors.HasCode(rejection, apperrors.CodeValidationFailed))
	assert.Equal(t, domain.PartRejected, part.Status)
	assert.NotEmpty(t, part.Errors)

	// The rejected row survives the commit despite the error return.
	parts, err := e.store.PartsByItem(ctx, grant.Item.ID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, domain.PartRejected, parts[0].Status)

	// Rejected parts never count as validated for finalize.
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		_, err := e.exec.Finalize(ctx, tx, FinalizeRequest{
			ItemID: grant.Item.ID, AgentID: "agent-1", Mode: domain.FinalizeStrict,
		})
		return err
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))

	events, err := e.store.EventsByItem(ctx, grant.Item.ID, 20)
	require.NoError(t, err)
	var sawRejected bool
	for _, ev := range events {
		if ev.Event == domain.EventPartRejected {
			sawRejected = true
		}
	}
	assert.True(t, sawRejected)
}

func TestSubmitPartDuplicateSeq(t *testing.T) {
	pt := &partType{plainType: plainType{ready: true}, required: []string{"summary"}}
	e := newEngine(t, pt)
	ctx := context.Background()

	e.propose(t, "parted")
	grant := e.checkout(t, "agent-1")

	seq := 1
	submit := func() error {
		return e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			_, err := e.exec.SubmitPart(ctx, tx, SubmitPartRequest{
				ItemID: grant.Item.ID, AgentID: "agent-1",
				PartKey: "summary", Seq: &seq, Payload: json.RawMessage(`{}`),
			})
			return err
		})
	}
	require.NoError(t, submit())
	err := submit()
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
}

func TestSubmitPartLimits(t *testing.T) {
	pt := &partType{plainType: plainType{ready: true}, required: []string{"summary"}}
	e := newEngine(t, pt)
	e.exec.partials.MaxPartsPerItem = 1
	ctx := context.Background()

	e.propose(t, "parted")
	grant := e.checkout(t, "agent-1")

	submit := func(key string) error {
		return e.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			_, err := e.exec.SubmitPart(ctx, tx, SubmitPartRequest{
				ItemID: grant.Item.ID, AgentID: "agent-1",
				PartKey: key, Payload: json.RawMessage(`{}`),
			})
			return err
		})
	}
	require.NoError(t, submit("summary"))
	err := submit("details")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodePartLimitExceeded))
}

func TestMultiItemOrderSubmitsWhenAllItemsDone(t *testing.T) {
	reg := registry.New()
	multi := &multiItemType{count: 2}
	reg.Register(multi)

	store := memory.New()
	machine := statemachine.NewDefault(nil)
	leaseCfg := config.LeaseConfig{TTLSeconds: 600, HeartbeatEverySeconds: 120, Backend: "store"}
	retryCfg := config.RetryConfig{DefaultMaxAttempts: 3, BackoffSeconds: 30}
	e := &engine{
		store: store,
		exec:  NewService(reg, machine, config.PartialsConfig{Enabled: true}, nil),
		alloc: allocator.NewService(reg, machine, retryCfg),
		lease: lease.NewService(store, lease.NewStoreBackend(), machine, leaseCfg, retryCfg, nil),
	}
	ctx := context.Background()

	order := e.propose(t, "multi")
	first := e.checkout(t, "agent-1")
	second := e.checkout(t, "agent-2")

	_, err := e.submit(first.Item.ID, "agent-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	got, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderInProgress, got.State)

	_, err = e.submit(second.Item.ID, "agent-2", json.RawMessage(`{}`))
	require.NoError(t, err)

	got, err = store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSubmitted, got.State)
}

type multiItemType struct {
	plainType
	count int
}

func (t *multiItemType) TypeID() string { return "multi" }

func (t *multiItemType) Plan(ctx context.Context, order *domain.Order) ([]domain.ItemSpec, error) {
	specs := make([]domain.ItemSpec, t.count)
	for i := range specs {
		specs[i] = domain.ItemSpec{Type: "multi", Input: order.Payload}
	}
	return specs, nil
}

func (t *multiItemType) ReadyForApproval(ctx context.Context, order *domain.Order) (bool, error) {
	return true, nil
}

func (e *engine) failItem(itemID, agentID string, reason json.RawMessage) (*domain.Item, error) {
	var item *domain.Item
	err := e.store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Store) error {
		var err error
		item, err = e.exec.FailItem(ctx, tx, FailItemRequest{ItemID: itemID, AgentID: agentID, Error: reason})
		return err
	})
	return item, err
}

func TestFailItemRequeuesWithAttemptCharged(t *testing.T) {
	e := newEngine(t, &plainType{ready: true})
	e.propose(t, "plain")
	grant := e.checkout(t, "agent-1")

	item, err := e.failItem(grant.Item.ID, "agent-1", json.RawMessage(`{"reason":"flaky upstream"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ItemQueued, item.State)
	assert.Equal(t, 1, item.Attempts)
	assert.Empty(t, item.LeasedBy)
	assert.JSONEq(t, `{"reason":"flaky upstream"}`, string(item.Error))

	events, err := e.store.EventsByItem(context.Background(), item.ID, 50)
	require.NoError(t, err)
	var names []domain.EventType
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	assert.Contains(t, names, domain.EventFailed)
}

func TestFailItemExhaustsAttempts(t *testing.T) {
	e := newEngine(t, &plainType{ready: true})
	order := e.propose(t, "plain")
	require.Len(t, order.Items, 1)

	// Pin max attempts to one so the first failure is terminal.
	item, err := e.store.GetItem(context.Background(), order.Items[0].ID)
	require.NoError(t, err)
	item.MaxAttempts = 1
	require.NoError(t, e.store.UpdateItem(context.Background(), item))

	grant := e.checkout(t, "agent-1")
	failed, err := e.failItem(grant.Item.ID, "agent-1", json.RawMessage(`{"reason":"permanent"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ItemFailed, failed.State)
	assert.Equal(t, 1, failed.Attempts)
}

func TestFailItemByNonHolder(t *testing.T) {
	e := newEngine(t, &plainType{ready: true})
	e.propose(t, "plain")
	grant := e.checkout(t, "agent-1")

	_, err := e.failItem(grant.Item.ID, "agent-2", nil)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLeaseError))
}

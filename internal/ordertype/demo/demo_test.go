package demo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
)

func TestPlanHonorsCopies(t *testing.T) {
	echo := New()
	ctx := context.Background()

	specs, err := echo.Plan(ctx, &domain.Order{Payload: json.RawMessage(`{"message":"hi"}`)})
	require.NoError(t, err)
	assert.Len(t, specs, 1)
	assert.Equal(t, []string{"body"}, specs[0].PartsRequired)

	specs, err = echo.Plan(ctx, &domain.Order{Payload: json.RawMessage(`{"message":"hi","copies":3}`)})
	require.NoError(t, err)
	assert.Len(t, specs, 3)
}

func TestValidateSubmissionRequiresEcho(t *testing.T) {
	echo := New()
	ctx := context.Background()
	item := &domain.Item{ID: "itm-1"}

	require.NoError(t, echo.ValidateSubmission(ctx, item, json.RawMessage(`{"echo":"hi"}`)))

	err := echo.ValidateSubmission(ctx, item, json.RawMessage(`{"other":1}`))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))

	err = echo.ValidateSubmission(ctx, item, json.RawMessage(`[]`))
	require.Error(t, err)
}

func TestAssembleMergesLatestParts(t *testing.T) {
	echo := New()
	ctx := context.Background()
	item := &domain.Item{ID: "itm-1", Input: json.RawMessage(`{"message":"hi"}`)}

	blob, err := echo.Assemble(ctx, item, map[string]*domain.ItemPart{
		"body": {PartKey: "body", Payload: json.RawMessage(`{"text":"done"}`)},
	})
	require.NoError(t, err)

	var assembled map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &assembled))
	assert.Contains(t, assembled, "echo")
	assert.Contains(t, assembled, "body")

	require.NoError(t, echo.ValidateAssembled(ctx, item, blob))
}

func TestSchemaBoundsCopies(t *testing.T) {
	schema := New().Schema()
	assert.Contains(t, schema.Required, "message")
	require.Contains(t, schema.Properties, "copies")
}

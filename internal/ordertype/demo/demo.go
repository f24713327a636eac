// Package demo ships the built-in "demo.echo" order type. It exists so a
// fresh deployment has something to propose against before real types
// are plugged in, and so the partial-submission path stays exercised.
package demo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
)

// Part keys a strict finalize demands.
var requiredParts = []string{"body"}

// EchoType plans one item per proposal and applies by echoing the
// payload back as the diff.
type EchoType struct{}

// New creates the demo type.
func New() *EchoType {
	return &EchoType{}
}

func (t *EchoType) TypeID() string { return "demo.echo" }

func (t *EchoType) Schema() *openapi3.Schema {
	schema := openapi3.NewObjectSchema().
		WithProperty("message", openapi3.NewStringSchema()).
		WithProperty("copies", openapi3.NewIntegerSchema().WithMin(1).WithMax(10))
	schema.Required = []string{"message"}
	return schema
}

// Plan creates one echo item per requested copy (default one).
func (t *EchoType) Plan(ctx context.Context, order *domain.Order) ([]domain.ItemSpec, error) {
	var payload struct {
		Copies int `json:"copies"`
	}
	if err := json.Unmarshal(order.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode echo payload: %w", err)
	}
	if payload.Copies < 1 {
		payload.Copies = 1
	}

	specs := make([]domain.ItemSpec, 0, payload.Copies)
	for i := 0; i < payload.Copies; i++ {
		specs = append(specs, domain.ItemSpec{
			Type:          "demo.echo",
			Input:         order.Payload,
			PartsRequired: requiredParts,
		})
	}
	return specs, nil
}

// ValidateSubmission accepts any JSON object with an "echo" field.
func (t *EchoType) ValidateSubmission(ctx context.Context, item *domain.Item, result json.RawMessage) error {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(result, &body); err != nil {
		return apperrors.ValidationFailed("result must be a JSON object", nil)
	}
	if _, ok := body["echo"]; !ok {
		return apperrors.ValidationFailed("result is missing required fields", []apperrors.FieldError{
			{Field: "/echo", Code: "required", Message: "property is missing"},
		})
	}
	return nil
}

func (t *EchoType) ReadyForApproval(ctx context.Context, order *domain.Order) (bool, error) {
	return true, nil
}

// Apply echoes the order payload back as the diff.
func (t *EchoType) Apply(ctx context.Context, order *domain.Order) (json.RawMessage, error) {
	diff, err := json.Marshal(map[string]json.RawMessage{
		"before": json.RawMessage(`null`),
		"after":  order.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal echo diff: %w", err)
	}
	return diff, nil
}

// RequiredParts implements the partial-submission extension.
func (t *EchoType) RequiredParts(ctx context.Context, item *domain.Item) ([]string, error) {
	return requiredParts, nil
}

// ValidatePart accepts any JSON object for known part keys.
func (t *EchoType) ValidatePart(ctx context.Context, item *domain.Item, partKey string, payload json.RawMessage, seq *int) error {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return apperrors.ValidationFailed("part payload must be a JSON object", nil)
	}
	return nil
}

// Assemble merges the latest validated parts under their keys and adds
// the echo marker expected by ValidateSubmission.
func (t *EchoType) Assemble(ctx context.Context, item *domain.Item, latest map[string]*domain.ItemPart) (json.RawMessage, error) {
	assembled := map[string]json.RawMessage{
		"echo": item.Input,
	}
	for key, part := range latest {
		assembled[key] = part.Payload
	}
	blob, err := json.Marshal(assembled)
	if err != nil {
		return nil, fmt.Errorf("marshal assembled echo result: %w", err)
	}
	return blob, nil
}

func (t *EchoType) ValidateAssembled(ctx context.Context, item *domain.Item, result json.RawMessage) error {
	return t.ValidateSubmission(ctx, item, result)
}

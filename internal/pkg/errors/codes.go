package errors

import "net/http"

// Stable error codes for the engine taxonomy.
// Errors contain code + params; callers branch on the code, never on the
// message text.
const (
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeIllegalTransition   = "ILLEGAL_TRANSITION"
	CodeLeaseError          = "LEASE_ERROR"
	CodeIdempotencyRequired = "IDEMPOTENCY_REQUIRED"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeTypeNotFound        = "TYPE_NOT_FOUND"
	CodeNotReady            = "NOT_READY"
	CodeNoItemsAvailable    = "NO_ITEMS_AVAILABLE"
	CodeInvalidQuery        = "INVALID_QUERY"
	CodeOrderNotFound       = "ORDER_NOT_FOUND"
	CodeItemNotFound        = "ITEM_NOT_FOUND"
	CodeApplyFailed         = "APPLY_FAILED"
	CodePartLimitExceeded   = "PART_LIMIT_EXCEEDED"
)

// Lease error reasons, carried in Params["reason"].
const (
	LeaseReasonConflict  = "conflict"
	LeaseReasonExpired   = "expired"
	LeaseReasonNotHolder = "not_holder"
)

// ValidationFailed creates a validation error with field-level details.
func ValidationFailed(message string, fieldErrors []FieldError) *AppError {
	return UnprocessableEntity(CodeValidationFailed, message).
		WithFieldErrors(fieldErrors)
}

// IllegalTransition reports a transition not present in the state table.
func IllegalTransition(entity, from, to string) *AppError {
	return Conflict(CodeIllegalTransition, "illegal state transition").
		WithParams(map[string]interface{}{
			"entity": entity,
			"from":   from,
			"to":     to,
		})
}

// LeaseConflict reports an acquire attempt on an item already held.
func LeaseConflict(itemID, holder, caller string) *AppError {
	return Conflict(CodeLeaseError, "item lease is held by another agent").
		WithParams(map[string]interface{}{
			"item_id": itemID,
			"reason":  LeaseReasonConflict,
			"holder":  holder,
			"caller":  caller,
		})
}

// LeaseExpired reports an operation on a lease past its TTL.
func LeaseExpired(itemID, caller string, expiredAt string) *AppError {
	return Conflict(CodeLeaseError, "item lease has expired").
		WithParams(map[string]interface{}{
			"item_id":    itemID,
			"reason":     LeaseReasonExpired,
			"caller":     caller,
			"expired_at": expiredAt,
		})
}

// LeaseNotHolder reports an operation by an agent that does not hold the lease.
func LeaseNotHolder(itemID, holder, caller string) *AppError {
	return Conflict(CodeLeaseError, "caller does not hold the item lease").
		WithParams(map[string]interface{}{
			"item_id": itemID,
			"reason":  LeaseReasonNotHolder,
			"holder":  holder,
			"caller":  caller,
		})
}

// IdempotencyRequired reports a missing client key on a guarded endpoint.
func IdempotencyRequired(endpoint string) *AppError {
	return BadRequest(CodeIdempotencyRequired, "idempotency key is required").
		WithParams(map[string]interface{}{"endpoint": endpoint})
}

// IdempotencyConflict reports a key whose first execution is still in flight.
func IdempotencyConflict(scope string) *AppError {
	return Conflict(CodeIdempotencyConflict, "concurrent request with the same idempotency key is still executing").
		WithParams(map[string]interface{}{"scope": scope})
}

// TypeNotFound reports an unknown order type id.
func TypeNotFound(typeID string) *AppError {
	return NotFound(CodeTypeNotFound, "order type is not registered").
		WithParams(map[string]interface{}{"type": typeID})
}

// NotReady reports an approve attempt on an order the type considers unready.
func NotReady(orderID string) *AppError {
	return Conflict(CodeNotReady, "order is not ready for approval").
		WithParams(map[string]interface{}{"order_id": orderID})
}

// NoItemsAvailable reports a checkout whose filters matched nothing.
func NoItemsAvailable() *AppError {
	return NotFound(CodeNoItemsAvailable, "no items match the checkout filters")
}

// InvalidQuery reports an unknown filter, sort, or include name.
func InvalidQuery(message string, params map[string]interface{}) *AppError {
	return BadRequest(CodeInvalidQuery, message).WithParams(params)
}

// OrderNotFound creates an order lookup error.
func OrderNotFound(orderID string) *AppError {
	return NotFound(CodeOrderNotFound, "order not found").
		WithParams(map[string]interface{}{"order_id": orderID})
}

// ItemNotFound creates an item lookup error.
func ItemNotFound(itemID string) *AppError {
	return NotFound(CodeItemNotFound, "item not found").
		WithParams(map[string]interface{}{"item_id": itemID})
}

// ApplyFailed wraps a type apply hook failure; the order stays approved.
func ApplyFailed(orderID string, err error) *AppError {
	return Wrap(err, CodeApplyFailed, "order apply failed", http.StatusBadGateway).
		WithParams(map[string]interface{}{"order_id": orderID})
}

// PartLimitExceeded reports a part submission beyond the configured bounds.
func PartLimitExceeded(itemID string, limit int) *AppError {
	return UnprocessableEntity(CodePartLimitExceeded, "part submission exceeds configured limits").
		WithParams(map[string]interface{}{"item_id": itemID, "limit": limit})
}

package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeCircuitOpen     = "APILINKER_CIRCUIT_OPEN"
	TextCodeRetryExhausted  = "APILINKER_RETRY_EXHAUSTED"
	TextCodeOperationFailed = "APILINKER_OPERATION_FAILED"
)

// CircuitOpenError is returned without calling the protected operation while
// a breaker is open or its half-open trial slots are taken.
type CircuitOpenError struct {
	Resource     string
	State        State
	OpenedAt     time.Time
	RetryAfter   time.Duration
	LastCategory Category
}

func (e *CircuitOpenError) Error() string {
	if e == nil {
		return ""
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("resilience: circuit %q is %s, retry after %s", e.Resource, e.State, e.RetryAfter)
	}
	return fmt.Sprintf("resilience: circuit %q is %s", e.Resource, e.State)
}

func (e *CircuitOpenError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	metadata := map[string]any{
		"resource": e.Resource,
		"state":    e.State.String(),
	}
	if !e.OpenedAt.IsZero() {
		metadata["opened_at"] = e.OpenedAt.UTC().Format(time.RFC3339Nano)
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(TextCodeCircuitOpen).
		WithMetadata(metadata)
}

func IsCircuitOpen(err error) bool {
	var circuitErr *CircuitOpenError
	return errors.As(err, &circuitErr)
}

// OperationError is the final failure of a retried operation.
type OperationError struct {
	Resource    string
	Category    Category
	Attempts    int
	Exhausted   bool
	CircuitOpen bool
	Err         error
}

func (e *OperationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("resilience: %s failed after %d attempt(s) [%s]: %v", e.resourceLabel(), e.Attempts, e.Category, e.Err)
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *OperationError) ErrorCategory() string {
	if e == nil {
		return string(CategoryUnknown)
	}
	return string(e.Category)
}

func (e *OperationError) resourceLabel() string {
	if e.Resource == "" {
		return "operation"
	}
	return fmt.Sprintf("%q", e.Resource)
}

func (e *OperationError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	var circuitErr *CircuitOpenError
	if errors.As(e.Err, &circuitErr) {
		return circuitErr.ToServiceError()
	}
	textCode := TextCodeOperationFailed
	if e.Exhausted {
		textCode = TextCodeRetryExhausted
	}
	return goerrors.Wrap(e, serviceCategory(e.Category), e.Error()).
		WithCode(serviceStatus(e.Category)).
		WithTextCode(textCode).
		WithMetadata(map[string]any{
			"resource": e.Resource,
			"category": string(e.Category),
			"attempts": e.Attempts,
		})
}

func serviceCategory(category Category) goerrors.Category {
	switch category {
	case CategoryRateLimit:
		return goerrors.CategoryRateLimit
	case CategoryAuthentication:
		return goerrors.CategoryAuth
	case CategoryValidation, CategoryMapping, CategoryClient:
		return goerrors.CategoryBadInput
	case CategoryNetwork, CategoryTimeout, CategoryServer:
		return goerrors.CategoryExternal
	default:
		return goerrors.CategoryInternal
	}
}

func serviceStatus(category Category) int {
	switch category {
	case CategoryRateLimit:
		return http.StatusTooManyRequests
	case CategoryAuthentication:
		return http.StatusUnauthorized
	case CategoryValidation, CategoryMapping, CategoryClient:
		return http.StatusUnprocessableEntity
	case CategoryTimeout:
		return http.StatusGatewayTimeout
	case CategoryNetwork, CategoryServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfterHint is implemented by errors that carry a server supplied wait.
type RetryAfterHint interface {
	RetryAfter() time.Duration
}

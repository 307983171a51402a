package core

import (
	"errors"
	"net/http"
	"strings"

	"github.com/goliatone/go-apilinker/dlq"
	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput           = "APILINKER_BAD_INPUT"
	ErrorConfigInvalid      = "APILINKER_CONFIG_INVALID"
	ErrorNotConfigured      = "APILINKER_NOT_CONFIGURED"
	ErrorMappingNotFound    = "APILINKER_MAPPING_NOT_FOUND"
	ErrorDeadLetterNotFound = "APILINKER_DEAD_LETTER_NOT_FOUND"
	ErrorUnauthorized       = "APILINKER_UNAUTHORIZED"
	ErrorRateLimited        = "APILINKER_RATE_LIMITED"
	ErrorUpstreamFailure    = "APILINKER_UPSTREAM_FAILURE"
	ErrorInternal           = "APILINKER_INTERNAL_ERROR"
)

var (
	ErrNotConfigured   = errors.New("core: component not configured")
	ErrMappingNotFound = errors.New("core: mapping not found")
)

type serviceErrorRenderer interface {
	ToServiceError() *goerrors.Error
}

// MapError converts any error into a go-errors envelope with an APILINKER
// text code and HTTP status.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}
	var renderer serviceErrorRenderer
	if errors.As(err, &renderer) {
		if rendered := renderer.ToServiceError(); rendered != nil {
			return ensureErrorEnvelope(rendered)
		}
	}

	switch {
	case errors.Is(err, dlq.ErrEntryNotFound):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, ErrorDeadLetterNotFound)
	case errors.Is(err, ErrMappingNotFound):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, ErrorMappingNotFound)
	case errors.Is(err, ErrNotConfigured):
		return newServiceError(err.Error(), goerrors.CategoryOperation, ErrorNotConfigured)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newServiceError(err.Error(), goerrors.CategoryRateLimit, ErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "unsupported"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return MapError(err)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = errorHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorDeadLetterNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorUnauthorized
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryExternal:
		return ErrorUpstreamFailure
	case goerrors.CategoryOperation:
		return ErrorNotConfigured
	default:
		return ErrorInternal
	}
}

func errorHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	case goerrors.CategoryOperation:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

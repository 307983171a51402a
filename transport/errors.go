package transport

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput        = "APILINKER_TRANSPORT_BAD_INPUT"
	ErrorUnauthorized    = "APILINKER_TRANSPORT_UNAUTHORIZED"
	ErrorForbidden       = "APILINKER_TRANSPORT_FORBIDDEN"
	ErrorRateLimited     = "APILINKER_TRANSPORT_RATE_LIMITED"
	ErrorExternalFailure = "APILINKER_TRANSPORT_EXTERNAL_FAILURE"
	ErrorUpstreamStatus  = "APILINKER_UPSTREAM_STATUS"
	ErrorInternal        = "APILINKER_TRANSPORT_INTERNAL"
)

const maxErrorBodyBytes = 512

// HTTPError reports an upstream response with status >= 400.
type HTTPError struct {
	Resource   string
	Method     string
	URL        string
	StatusCode int
	Body       string
	Headers    map[string]string
	Wait       time.Duration
}

func newHTTPError(resource string, req Request, res Response, wait time.Duration) *HTTPError {
	body := string(res.Body)
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes] + "..."
	}
	return &HTTPError{
		Resource:   resource,
		Method:     req.Method,
		URL:        req.URL,
		StatusCode: res.StatusCode,
		Body:       body,
		Headers:    res.Headers,
		Wait:       wait,
	}
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "transport: upstream error"
	}
	message := fmt.Sprintf("transport: %s %s returned %d", e.Method, e.URL, e.StatusCode)
	if body := strings.TrimSpace(e.Body); body != "" {
		message += ": " + body
	}
	return message
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// RetryAfter is the server supplied wait from the Retry-After header, if any.
func (e *HTTPError) RetryAfter() time.Duration {
	if e == nil {
		return 0
	}
	return e.Wait
}

func (e *HTTPError) ToServiceError() *goerrors.Error {
	category := goerrors.CategoryExternal
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		category = goerrors.CategoryRateLimit
	case e.StatusCode == http.StatusUnauthorized:
		category = goerrors.CategoryAuth
	case e.StatusCode == http.StatusForbidden:
		category = goerrors.CategoryAuthz
	}
	metadata := map[string]any{
		"resource":    e.Resource,
		"method":      e.Method,
		"url":         e.URL,
		"status_code": e.StatusCode,
	}
	if e.Wait > 0 {
		metadata["retry_after_ms"] = e.Wait.Milliseconds()
	}
	return goerrors.New(e.Error(), category).
		WithCode(e.StatusCode).
		WithTextCode(ErrorUpstreamStatus).
		WithMetadata(metadata)
}

func transportError(
	message string,
	category goerrors.Category,
	code int,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	metadata map[string]any,
) error {
	if source == nil {
		return transportError(message, category, code, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryAuth:
		return ErrorUnauthorized
	case goerrors.CategoryAuthz:
		return ErrorForbidden
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryExternal:
		return ErrorExternalFailure
	default:
		return ErrorInternal
	}
}

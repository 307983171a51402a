package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"

	goerrors "github.com/goliatone/go-errors"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatusCode() int
}

// Categorized is implemented by errors that know their own category, such as
// mapping and transform failures.
type Categorized interface {
	ErrorCategory() string
}

// Classify maps an error onto a Category. A nil error classifies as
// CategoryUnknown.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) {
		if circuitErr.LastCategory != "" {
			return circuitErr.LastCategory
		}
		return CategoryServer
	}

	var categorized Categorized
	if errors.As(err, &categorized) {
		if category, ok := ParseCategory(categorized.ErrorCategory()); ok {
			return category
		}
	}

	if errors.Is(err, context.Canceled) {
		return CategoryUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CategoryTimeout
	}

	var status StatusCoder
	if errors.As(err, &status) {
		if category := ClassifyStatus(status.HTTPStatusCode()); category != CategoryUnknown {
			return category
		}
	}

	if isTimeout(err) {
		return CategoryTimeout
	}
	if isNetworkFailure(err) {
		return CategoryNetwork
	}

	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return classifyServiceError(rich)
	}
	return CategoryUnknown
}

// ClassifyStatus maps an HTTP status code. Codes below 400 are CategoryUnknown.
func ClassifyStatus(code int) Category {
	switch {
	case code == http.StatusTooManyRequests:
		return CategoryRateLimit
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return CategoryAuthentication
	case code >= 500 && code <= 599:
		return CategoryServer
	case code >= 400 && code <= 499:
		return CategoryClient
	default:
		return CategoryUnknown
	}
}

func classifyServiceError(rich *goerrors.Error) Category {
	switch rich.Category {
	case goerrors.CategoryRateLimit:
		return CategoryRateLimit
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return CategoryAuthentication
	case goerrors.CategoryValidation, goerrors.CategoryBadInput:
		return CategoryValidation
	case goerrors.CategoryNotFound, goerrors.CategoryConflict:
		return CategoryClient
	}
	if category := ClassifyStatus(rich.Code); category != CategoryUnknown {
		return category
	}
	if rich.Category == goerrors.CategoryExternal {
		return CategoryNetwork
	}
	return CategoryUnknown
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetworkFailure(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	for _, target := range []error{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.EPIPE,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
		net.ErrClosed,
		io.ErrUnexpectedEOF,
		io.EOF,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

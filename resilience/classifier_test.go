package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

type categorizedErr string

func (e categorizedErr) Error() string         { return string(e) }
func (e categorizedErr) ErrorCategory() string { return string(e) }

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Category{
		429: CategoryRateLimit,
		500: CategoryServer,
		503: CategoryServer,
		401: CategoryAuthentication,
		403: CategoryAuthentication,
		400: CategoryClient,
		404: CategoryClient,
		422: CategoryClient,
		200: CategoryUnknown,
	}
	for code, want := range cases {
		if got := ClassifyStatus(code); got != want {
			t.Fatalf("status %d: expected %s, got %s", code, want, got)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Category
	}{
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, CategoryNetwork},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), CategoryNetwork},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.invalid"}, CategoryNetwork},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), CategoryTimeout},
		{"dns timeout", &net.DNSError{Err: "timeout", IsTimeout: true}, CategoryTimeout},
		{"status", fmt.Errorf("wrapped: %w", &fakeStatusError{code: 502}), CategoryServer},
		{"mapping", categorizedErr("mapping"), CategoryMapping},
		{"plugin", categorizedErr("plugin"), CategoryPlugin},
		{"rate limit envelope", goerrors.New("slow down", goerrors.CategoryRateLimit), CategoryRateLimit},
		{"auth envelope", goerrors.New("nope", goerrors.CategoryAuth), CategoryAuthentication},
		{"validation envelope", goerrors.New("bad", goerrors.CategoryValidation), CategoryValidation},
		{"envelope with status", goerrors.New("bad gateway", goerrors.CategoryOperation).WithCode(503), CategoryServer},
		{"canceled", context.Canceled, CategoryUnknown},
		{"plain", errors.New("???"), CategoryUnknown},
		{"nil", nil, CategoryUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestCategory_Transient(t *testing.T) {
	for _, category := range AllCategories() {
		expected := category == CategoryNetwork || category == CategoryTimeout ||
			category == CategoryRateLimit || category == CategoryServer
		if category.Transient() != expected {
			t.Fatalf("unexpected transient flag for %s", category)
		}
	}
}

func TestCircuitOpenError_ToServiceError(t *testing.T) {
	err := (&CircuitOpenError{Resource: "api", State: StateOpen}).ToServiceError()
	if err.TextCode != TextCodeCircuitOpen || err.Code != 503 {
		t.Fatalf("unexpected envelope %#v", err)
	}
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const ErrorRateLimited = "APILINKER_RATE_LIMITED"

// ResponseMeta is the slice of an HTTP response the adaptive policy reads.
type ResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
}

// ThrottledError is returned before a call when the resource is inside a
// throttle window.
type ThrottledError struct {
	Key  Key
	Wait time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: resource %q throttled for %s", e.Key.String(), e.Wait)
}

func (e ThrottledError) RetryAfter() time.Duration {
	return e.Wait
}

func (e ThrottledError) ErrorCategory() string {
	return "rate_limit"
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"resource": e.Key.Resource,
	}
	if e.Key.Bucket != "" {
		metadata["bucket"] = e.Key.Bucket
	}
	if e.Wait > 0 {
		metadata["retry_after_ms"] = e.Wait.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(ErrorRateLimited).
		WithMetadata(metadata)
}

// AdaptivePolicy tracks upstream rate-limit headers per Key and refuses calls
// while a throttle window is open.
type AdaptivePolicy struct {
	Store            StateStore
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DefaultRetryHint time.Duration
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	return &AdaptivePolicy{
		Store:            store,
		Now:              func() time.Time { return time.Now().UTC() },
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
		DefaultRetryHint: 5 * time.Second,
	}
}

func (p *AdaptivePolicy) BeforeCall(ctx context.Context, key Key) error {
	if p == nil || p.Store == nil {
		return nil
	}
	state, err := p.Store.Get(ctx, normalizeKey(key))
	if errors.Is(err, ErrStateNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return ThrottledError{Key: state.Key, Wait: until.Sub(now)}
	}
	if reset := state.ResetAt; state.Remaining == 0 && reset != nil && now.Before(*reset) {
		return ThrottledError{Key: state.Key, Wait: reset.Sub(now)}
	}
	return nil
}

func (p *AdaptivePolicy) AfterCall(ctx context.Context, key Key, res ResponseMeta) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = normalizeKey(key)
	now := p.now()
	state, err := p.Store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrStateNotFound):
		state = State{Key: key}
	case err != nil:
		return err
	}

	state.LastStatus = res.StatusCode
	state.UpdatedAt = now
	state.Metadata = cloneMap(state.Metadata)
	for k, v := range res.Metadata {
		state.Metadata[k] = v
	}

	window := readWindow(res, now)
	if window.hasLimit {
		state.Limit = window.limit
	}
	if window.hasRemaining {
		state.Remaining = window.remaining
	}
	if window.hasResetAt {
		resetAt := window.resetAt
		state.ResetAt = &resetAt
	}
	state.RetryAfter = nil
	if window.hasRetryAfter {
		retryAfter := window.retryAfter
		state.RetryAfter = &retryAfter
	}

	if !window.throttled(res.StatusCode, state.Remaining) {
		state.Attempts = 0
		state.ThrottledUntil = nil
		return p.Store.Upsert(ctx, state)
	}

	state.Attempts++
	delay := window.retryAfter
	if !window.hasRetryAfter {
		delay = p.nextBackoff(state.Attempts)
	}
	until := now.Add(delay)
	state.ThrottledUntil = &until
	return p.Store.Upsert(ctx, state)
}

func (p *AdaptivePolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// nextBackoff doubles InitialBackoff per consecutive throttled response,
// capped at MaxBackoff.
func (p *AdaptivePolicy) nextBackoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maximum := p.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	delay := initial
	for i := 1; i < attempt && delay < maximum; i++ {
		delay *= 2
	}
	if delay <= 0 {
		return p.defaultRetryHint()
	}
	return min(delay, maximum)
}

func (p *AdaptivePolicy) defaultRetryHint() time.Duration {
	if p != nil && p.DefaultRetryHint > 0 {
		return p.DefaultRetryHint
	}
	return 5 * time.Second
}

type rateWindow struct {
	limit         int
	remaining     int
	resetAt       time.Time
	retryAfter    time.Duration
	hasLimit      bool
	hasRemaining  bool
	hasResetAt    bool
	hasRetryAfter bool
}

func readWindow(res ResponseMeta, now time.Time) rateWindow {
	var window rateWindow
	window.limit, window.hasLimit = parseHeaderInt(res.Headers, "x-ratelimit-limit")
	window.remaining, window.hasRemaining = parseHeaderInt(res.Headers, "x-ratelimit-remaining")
	window.resetAt, window.hasResetAt = parseHeaderResetAt(res.Headers)
	window.retryAfter, window.hasRetryAfter = parseRetryAfter(res, now)
	return window
}

// throttled reports a 429, or an exhausted quota announced by any rate-limit
// header on a non-5xx response.
func (w rateWindow) throttled(statusCode int, remaining int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if statusCode >= 500 {
		return false
	}
	announced := w.hasRemaining || w.hasResetAt || w.hasLimit || w.hasRetryAfter
	return remaining == 0 && announced
}

func parseRetryAfter(res ResponseMeta, now time.Time) (time.Duration, bool) {
	if res.RetryAfter != nil && *res.RetryAfter > 0 {
		return *res.RetryAfter, true
	}
	return ParseRetryAfterHeader(headerValue(res.Headers, "retry-after"), now)
}

// ParseRetryAfterHeader reads a Retry-After value given either as delta
// seconds or as an HTTP date.
func ParseRetryAfterHeader(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := http.ParseTime(raw); err == nil && retryAt.After(now) {
		return retryAt.Sub(now), true
	}
	return 0, false
}

func parseHeaderInt(headers map[string]string, key string) (int, bool) {
	value := headerValue(headers, key)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseHeaderResetAt(headers map[string]string) (time.Time, bool) {
	unix, err := strconv.ParseInt(headerValue(headers, "x-ratelimit-reset"), 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

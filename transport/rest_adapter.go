package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const KindREST = "rest"

const (
	defaultRESTClientTimeout = 30 * time.Second
	defaultRESTResponseLimit = int64(10 << 20)
	defaultRESTUserAgent     = "go-apilinker"
	jsonContentType          = "application/json"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RESTAdapter exchanges JSON documents with connector endpoints. Error
// statuses come back as responses so the connector can classify them; only
// transport failures are errors.
type RESTAdapter struct {
	Client HTTPDoer
	// Headers go on every request. Request headers override them.
	Headers       map[string]string
	ResponseLimit int64
	Now           func() time.Time
}

func NewRESTAdapter(client HTTPDoer) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultRESTClientTimeout}
	}
	return &RESTAdapter{
		Client: client,
		Headers: map[string]string{
			"Accept":     jsonContentType,
			"User-Agent": defaultRESTUserAgent,
		},
		ResponseLimit: defaultRESTResponseLimit,
		Now:           time.Now,
	}
}

func (*RESTAdapter) Kind() string {
	return KindREST
}

func (a *RESTAdapter) Do(ctx context.Context, req Request) (Response, error) {
	if a == nil || a.Client == nil {
		return Response{}, transportError(
			"transport: rest adapter requires an http client",
			goerrors.CategoryInternal,
			http.StatusInternalServerError,
			map[string]any{"adapter": KindREST},
		)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := a.newHTTPRequest(ctx, req)
	if err != nil {
		return Response{}, err
	}

	startedAt := a.now()
	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		return Response{}, transportWrapError(
			err,
			goerrors.CategoryExternal,
			"transport: execute http request",
			http.StatusBadGateway,
			map[string]any{"adapter": KindREST, "method": httpReq.Method, "host": httpReq.URL.Host},
		)
	}
	defer httpRes.Body.Close()

	body, err := readResponseBody(httpRes, responseLimit(req.MaxResponseBodyBytes, a.ResponseLimit))
	if err != nil {
		return Response{}, err
	}
	return Response{
		StatusCode: httpRes.StatusCode,
		Headers:    flattenHeaders(httpRes.Header),
		Body:       body,
		Metadata: map[string]any{
			"kind":        KindREST,
			"method":      httpReq.Method,
			"duration_ms": a.now().Sub(startedAt).Milliseconds(),
		},
	}, nil
}

// newHTTPRequest layers headers as adapter defaults, then the JSON content
// type when a body is present, then the request's own headers.
func (a *RESTAdapter) newHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target, err := requestURL(req)
	if err != nil {
		return nil, err
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, transportWrapError(
			err,
			goerrors.CategoryBadInput,
			"transport: create http request",
			http.StatusBadRequest,
			map[string]any{"adapter": KindREST, "method": method},
		)
	}
	setHeaders(httpReq.Header, a.Headers)
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", jsonContentType)
	}
	setHeaders(httpReq.Header, req.Headers)
	return httpReq, nil
}

func (a *RESTAdapter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// requestURL merges req.Query into req.URL. A URL without extra query
// parameters is passed through untouched.
func requestURL(req Request) (string, error) {
	raw := strings.TrimSpace(req.URL)
	if raw == "" {
		return "", transportError(
			"transport: request url is required",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			map[string]any{"adapter": KindREST},
		)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", transportWrapError(
			err,
			goerrors.CategoryBadInput,
			"transport: invalid request url",
			http.StatusBadRequest,
			map[string]any{"adapter": KindREST, "url": raw},
		)
	}
	if len(req.Query) == 0 {
		return parsed.String(), nil
	}
	query := parsed.Query()
	for key, value := range req.Query {
		if key = strings.TrimSpace(key); key != "" {
			query.Set(key, strings.TrimSpace(value))
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func setHeaders(dst http.Header, src map[string]string) {
	for key, value := range src {
		if key = strings.TrimSpace(key); key != "" {
			dst.Set(key, strings.TrimSpace(value))
		}
	}
}

func readResponseBody(res *http.Response, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(res.Body, limit+1))
	if err != nil {
		return nil, transportWrapError(
			err,
			goerrors.CategoryExternal,
			"transport: read response body",
			http.StatusBadGateway,
			map[string]any{"adapter": KindREST, "status_code": res.StatusCode},
		)
	}
	if int64(len(body)) > limit {
		return nil, transportError(
			fmt.Sprintf("transport: response body exceeds limit of %d bytes", limit),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			map[string]any{
				"adapter":          KindREST,
				"status_code":      res.StatusCode,
				"response_limit_b": limit,
			},
		)
	}
	return body, nil
}

// flattenHeaders joins repeated values with commas.
func flattenHeaders(headers http.Header) map[string]string {
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

func responseLimit(requestLimit, adapterLimit int64) int64 {
	switch {
	case requestLimit > 0:
		return requestLimit
	case adapterLimit > 0:
		return adapterLimit
	default:
		return defaultRESTResponseLimit
	}
}

var _ Adapter = (*RESTAdapter)(nil)

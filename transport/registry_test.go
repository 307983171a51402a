package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type staticAdapter struct {
	kind string
}

func (a staticAdapter) Kind() string { return a.kind }

func (a staticAdapter) Do(context.Context, Request) (Response, error) {
	return Response{StatusCode: 200}, nil
}

type recordingSink struct {
	records []map[string]any
}

func (s *recordingSink) Send(_ context.Context, _ string, record map[string]any) error {
	s.records = append(s.records, record)
	return nil
}

func TestRegistry_RegisterGetAndListDeterministic(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(staticAdapter{kind: "soap"}); err != nil {
		t.Fatalf("register soap adapter: %v", err)
	}
	if err := registry.Register(staticAdapter{kind: "rest"}); err != nil {
		t.Fatalf("register rest adapter: %v", err)
	}

	if _, ok := registry.Get("REST"); !ok {
		t.Fatalf("expected rest adapter to be registered")
	}

	listed := registry.List()
	if len(listed) != 2 {
		t.Fatalf("expected 2 adapters, got %d", len(listed))
	}
	if listed[0].Kind() != "rest" || listed[1].Kind() != "soap" {
		t.Fatalf("expected deterministic sorted order, got %q and %q", listed[0].Kind(), listed[1].Kind())
	}

	if err := registry.Register(staticAdapter{kind: "rest"}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestRegistry_DefaultSinkKinds(t *testing.T) {
	kinds := NewDefaultRegistry().SinkKinds()
	if strings.Join(kinds, ",") != "kafka,rest" {
		t.Fatalf("unexpected sink kinds %v", kinds)
	}
}

func TestRegistry_BuildSinkUsesCustomFactory(t *testing.T) {
	registry := NewRegistry()
	sink := &recordingSink{}
	if err := registry.RegisterSink("memory", func(TargetConfig, Dependencies) (Sink, error) {
		return sink, nil
	}); err != nil {
		t.Fatalf("register sink: %v", err)
	}
	built, err := registry.BuildSink(TargetConfig{Kind: " Memory "}, Dependencies{})
	if err != nil {
		t.Fatalf("build sink: %v", err)
	}
	if err := built.Send(context.Background(), "any", map[string]any{"id": 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected custom sink to receive the record")
	}

	if _, err := registry.BuildSink(TargetConfig{Kind: "ftp"}, Dependencies{}); err == nil {
		t.Fatalf("expected unknown sink kind error")
	}
	if err := registry.RegisterSink("memory", func(TargetConfig, Dependencies) (Sink, error) { return sink, nil }); err == nil {
		t.Fatalf("expected duplicate sink registration error")
	}
}

func TestRegistry_BuildSinkDefaultsToRESTConnector(t *testing.T) {
	var received string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = r.Method + " " + r.URL.Path + " " + string(body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	registry := NewDefaultRegistry()
	sink, err := registry.BuildSink(TargetConfig{
		Connector: ConnectorConfig{
			Name:    "target",
			BaseURL: server.URL,
			Endpoints: map[string]EndpointConfig{
				"create_issue": {Path: "/issues"},
			},
		},
	}, Dependencies{HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("build rest sink: %v", err)
	}
	if err := sink.Send(context.Background(), "create_issue", map[string]any{"title": "a"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if received != `POST /issues {"title":"a"}` {
		t.Fatalf("unexpected request %q", received)
	}
}

func TestRESTAdapter_DoSendsMethodHeadersAndQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if got := r.URL.Query().Get("q"); got != "search" {
			t.Errorf("expected query value, got %q", got)
		}
		if got := r.Header.Get("X-Test"); got != "value" {
			t.Errorf("expected header value, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("expected json content type, got %q", got)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		if string(body) != `{"a":1}` {
			t.Errorf("unexpected request body %q", body)
		}
		w.Header().Set("X-Server", "ok")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("done"))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	result, err := adapter.Do(context.Background(), Request{
		Method:  "post",
		URL:     server.URL,
		Query:   map[string]string{"q": "search"},
		Headers: map[string]string{"X-Test": "value"},
		Body:    []byte(`{"a":1}`),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("perform rest request: %v", err)
	}
	if result.StatusCode != http.StatusAccepted {
		t.Fatalf("expected accepted status, got %d", result.StatusCode)
	}
	if string(result.Body) != "done" {
		t.Fatalf("unexpected response body: %q", string(result.Body))
	}
	if result.Headers["X-Server"] != "ok" {
		t.Fatalf("expected response header")
	}
}

func TestRESTAdapter_ErrorStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	result, err := NewRESTAdapter(server.Client()).Do(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("expected response, got error %v", err)
	}
	if result.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", result.StatusCode)
	}
}

func TestNewRESTAdapter_DefaultClientTimeout(t *testing.T) {
	adapter := NewRESTAdapter(nil)
	httpClient, ok := adapter.Client.(*http.Client)
	if !ok {
		t.Fatalf("expected default http client implementation")
	}
	if httpClient.Timeout != defaultRESTClientTimeout {
		t.Fatalf("expected default timeout %s, got %s", defaultRESTClientTimeout, httpClient.Timeout)
	}
	if adapter.ResponseLimit != defaultRESTResponseLimit {
		t.Fatalf("expected default response body limit %d, got %d", defaultRESTResponseLimit, adapter.ResponseLimit)
	}
	if adapter.Headers["Accept"] != "application/json" || adapter.Headers["User-Agent"] != "go-apilinker" {
		t.Fatalf("unexpected default headers %v", adapter.Headers)
	}
}

func TestRESTAdapter_HeaderLayering(t *testing.T) {
	var seen []http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Clone())
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	adapter.Headers["X-Tenant"] = " acme "
	steps := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, int(250*time.Millisecond), time.UTC),
	}
	adapter.Now = func() time.Time {
		next := steps[0]
		if len(steps) > 1 {
			steps = steps[1:]
		}
		return next
	}

	res, err := adapter.Do(context.Background(), Request{URL: server.URL + "/tickets?state=open"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Metadata["duration_ms"] != int64(250) || res.Metadata["method"] != http.MethodGet {
		t.Fatalf("unexpected metadata %v", res.Metadata)
	}

	_, err = adapter.Do(context.Background(), Request{
		Method:  http.MethodPost,
		URL:     server.URL,
		Headers: map[string]string{"Accept": "application/vnd.api+json"},
		Body:    []byte(`{"id":1}`),
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected two requests, got %d", len(seen))
	}
	get, post := seen[0], seen[1]
	if get.Get("Accept") != "application/json" || get.Get("Content-Type") != "" || get.Get("X-Tenant") != "acme" {
		t.Fatalf("unexpected GET headers %v", get)
	}
	if get.Get("User-Agent") != "go-apilinker" {
		t.Fatalf("expected adapter user agent, got %q", get.Get("User-Agent"))
	}
	if post.Get("Accept") != "application/vnd.api+json" || post.Get("Content-Type") != "application/json" {
		t.Fatalf("expected request headers to override defaults, got %v", post)
	}
}

func TestRESTAdapter_RequiresURL(t *testing.T) {
	_, err := NewRESTAdapter(nil).Do(context.Background(), Request{URL: "  "})
	if err == nil || !strings.Contains(err.Error(), "request url is required") {
		t.Fatalf("expected missing url error, got %v", err)
	}
}

func TestRESTAdapter_RequestBodyLimitOverridesAdapterLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("12345"))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	adapter.ResponseLimit = 1024

	_, err := adapter.Do(context.Background(), Request{
		Method:               "GET",
		URL:                  server.URL,
		MaxResponseBodyBytes: 4,
	})
	if err == nil {
		t.Fatalf("expected response body limit error")
	}
	if !strings.Contains(err.Error(), "response body exceeds limit of 4 bytes") {
		t.Fatalf("unexpected error: %v", err)
	}
}

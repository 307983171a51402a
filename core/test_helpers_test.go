package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-apilinker/resilience"
	"github.com/goliatone/go-apilinker/transport"
)

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}

// apiFixture serves a source that lists issues and a target that records
// created tickets. Titles listed in fail get a 503 from the target.
type apiFixture struct {
	mu       sync.Mutex
	issues   []map[string]any
	created  []map[string]any
	fail     map[string]bool
	fetches  int
	source   *httptest.Server
	target   *httptest.Server
	clock    *resilience.ManualClock
	sequence int
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	fx := &apiFixture{
		fail:  map[string]bool{},
		clock: resilience.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	fx.source = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/issues" {
			t.Errorf("unexpected source path %s", r.URL.Path)
		}
		fx.mu.Lock()
		fx.fetches++
		body := map[string]any{"data": fx.issues}
		fx.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	fx.target = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tickets" {
			t.Errorf("unexpected target request %s %s", r.Method, r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		record := map[string]any{}
		if err := json.Unmarshal(raw, &record); err != nil {
			t.Errorf("decode target body: %v", err)
		}
		fx.mu.Lock()
		defer fx.mu.Unlock()
		if title, _ := record["summary"].(string); fx.fail[title] {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fx.created = append(fx.created, record)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(func() {
		fx.source.Close()
		fx.target.Close()
	})
	return fx
}

func (fx *apiFixture) config() Config {
	return Config{
		Source: transport.ConnectorConfig{
			Name:    "tracker",
			BaseURL: fx.source.URL,
			Endpoints: map[string]transport.EndpointConfig{
				"list_issues": {Path: "/issues", ResponsePath: "data"},
			},
		},
		Target: transport.TargetConfig{
			Kind: transport.KindREST,
			Connector: transport.ConnectorConfig{
				Name:    "helpdesk",
				BaseURL: fx.target.URL,
				Endpoints: map[string]transport.EndpointConfig{
					"create_ticket": {Path: "/tickets", Method: http.MethodPost},
				},
			},
		},
		Mappings: []MappingConfig{{
			Name:   "issues",
			Source: "list_issues",
			Target: "create_ticket",
			Fields: []map[string]any{
				{"source": "id", "target": "external_id"},
				{"source": "title", "target": "summary", "transform": "trim"},
				{"source": "state", "target": "status", "transform": "lowercase"},
			},
		}},
	}
}

func (fx *apiFixture) options() []Option {
	return []Option{
		WithClock(fx.clock),
		WithRandom(func() float64 { return 0 }),
		WithLogger(stubLogger{}),
		WithCorrelationIDs(func() string {
			fx.mu.Lock()
			defer fx.mu.Unlock()
			fx.sequence++
			return fmt.Sprintf("corr-%d", fx.sequence)
		}),
	}
}

func (fx *apiFixture) createdRecords() []map[string]any {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]map[string]any(nil), fx.created...)
}

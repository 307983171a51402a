package apilinker_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	apilinker "github.com/goliatone/go-apilinker"
	lcommand "github.com/goliatone/go-apilinker/command"
	lquery "github.com/goliatone/go-apilinker/query"
	"github.com/goliatone/go-apilinker/resilience"
	lsync "github.com/goliatone/go-apilinker/sync"
	"github.com/goliatone/go-apilinker/transport"
	gocmd "github.com/goliatone/go-command"
	glog "github.com/goliatone/go-logger/glog"
)

func TestDownstreamComposition_PaginatedSyncWithRetriedSend(t *testing.T) {
	var (
		mu          sync.Mutex
		authHeaders []string
		created     []map[string]any
		failedOnce  = map[string]bool{}
	)
	pages := map[string]map[string]any{
		"": {
			"items": []map[string]any{{"id": "o_1", "total": "12.50"}, {"id": "o_2", "total": "3"}},
			"meta":  map[string]any{"next": "c2"},
		},
		"c2": {
			"items": []map[string]any{{"id": "o_3", "total": "7.25"}},
			"meta":  map[string]any{},
		},
	}
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))
		mu.Unlock()
		page, ok := pages[r.URL.Query().Get("cursor")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer source.Close()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		record := map[string]any{}
		_ = json.Unmarshal(raw, &record)
		id, _ := record["order_ref"].(string)

		mu.Lock()
		defer mu.Unlock()
		if id == "o_2" && !failedOnce[id] {
			failedOnce[id] = true
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		created = append(created, record)
		w.WriteHeader(http.StatusCreated)
	}))
	defer target.Close()

	cfg := apilinker.DefaultConfig()
	cfg.Source = transport.ConnectorConfig{
		Name:    "shop",
		BaseURL: source.URL,
		Auth:    transport.AuthConfig{Type: "bearer", Token: "token_abc"},
		Endpoints: map[string]transport.EndpointConfig{
			"list_orders": {
				Path: "/orders",
				Pagination: &transport.PaginationConfig{
					DataPath:     "items",
					NextPagePath: "meta.next",
					PageParam:    "cursor",
				},
			},
		},
	}
	cfg.Target = transport.TargetConfig{
		Kind: transport.KindREST,
		Connector: transport.ConnectorConfig{
			Name:    "ledger",
			BaseURL: target.URL,
			Endpoints: map[string]transport.EndpointConfig{
				"create_entry": {Path: "/entries", Method: http.MethodPost},
			},
		},
	}
	cfg.Mappings = []apilinker.MappingConfig{{
		Name:   "orders",
		Source: "list_orders",
		Target: "create_entry",
		Fields: []map[string]any{
			{"source": "id", "target": "order_ref"},
			{"source": "total", "target": "amount", "transform": "to_float"},
			{"target": "origin", "static_value": "shop"},
		},
	}}

	clock := resilience.NewManualClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	linker, err := apilinker.New(cfg,
		apilinker.WithLogger(glog.Nop()),
		apilinker.WithClock(clock),
		apilinker.WithRandom(func() float64 { return 0 }),
	)
	if err != nil {
		t.Fatalf("new linker: %v", err)
	}
	defer linker.Close()

	facade, err := apilinker.NewFacade(linker)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}

	ctx := context.Background()
	result := runSync(t, ctx, facade)
	if len(result) != 1 {
		t.Fatalf("expected one report, got %d", len(result))
	}
	report := result[0]
	if report.Fetched != 3 || report.Sent != 3 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if sleeps := clock.Sleeps(); len(sleeps) != 1 {
		t.Fatalf("expected one backoff sleep for the retried send, got %v", sleeps)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(authHeaders) != 2 {
		t.Fatalf("expected two page fetches, got %d", len(authHeaders))
	}
	for _, header := range authHeaders {
		if header != "Bearer token_abc" {
			t.Fatalf("expected bearer auth on every page, got %q", header)
		}
	}
	if len(created) != 3 {
		t.Fatalf("expected three created entries, got %d", len(created))
	}
	for _, record := range created {
		if record["origin"] != "shop" {
			t.Fatalf("expected static origin, got %#v", record)
		}
		if _, ok := record["amount"].(float64); !ok {
			t.Fatalf("expected numeric amount, got %#v", record)
		}
	}

	page, err := facade.Queries().ListDeadLetters.Query(ctx, lquery.ListDeadLettersMessage{})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if page.Total != 0 {
		t.Fatalf("expected no dead letters after a recovered send, got %d", page.Total)
	}
	breaker, err := facade.Queries().BreakerState.Query(ctx, lquery.BreakerStateMessage{Resource: "ledger.create_entry"})
	if err != nil {
		t.Fatalf("breaker state: %v", err)
	}
	if breaker.State != resilience.StateClosed {
		t.Fatalf("expected closed breaker, got %s", breaker.StateName)
	}
}

func runSync(t *testing.T, ctx context.Context, facade *apilinker.Facade) []lsync.Report {
	t.Helper()
	collector := gocmd.NewResult[[]lsync.Report]()
	ctx = gocmd.ContextWithResult(ctx, collector)
	if err := facade.Commands().RunSync.Execute(ctx, lcommand.RunSyncMessage{}); err != nil {
		t.Fatalf("run sync: %v", err)
	}
	reports, _ := collector.Load()
	return reports
}

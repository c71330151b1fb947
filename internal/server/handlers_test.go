package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/cache"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/config"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/liquidation"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/refresh"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/stream"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/upstream"
)

type fakeFetcher struct {
	mu          sync.Mutex
	fetchPage   func(q upstream.Query) (*upstream.Page, error)
	fetchRecent func(q upstream.Query) (*upstream.Page, error)
	pageCalls   []upstream.Query
	recentCalls []upstream.Query
}

func (f *fakeFetcher) FetchPage(_ context.Context, q upstream.Query) (*upstream.Page, error) {
	f.mu.Lock()
	f.pageCalls = append(f.pageCalls, q)
	fn := f.fetchPage
	f.mu.Unlock()
	if fn == nil {
		return &upstream.Page{}, nil
	}
	return fn(q)
}

func (f *fakeFetcher) FetchRecentPage(_ context.Context, q upstream.Query) (*upstream.Page, error) {
	f.mu.Lock()
	f.recentCalls = append(f.recentCalls, q)
	fn := f.fetchRecent
	f.mu.Unlock()
	if fn == nil {
		return &upstream.Page{}, nil
	}
	return fn(q)
}

func (f *fakeFetcher) BreakerState() string { return "closed" }

func (f *fakeFetcher) recentCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recentCalls)
}

type stubRefresher struct{ status refresh.Status }

func (s stubRefresher) Status() refresh.Status { return s.status }

func testConfig() *config.Config {
	return &config.Config{
		Addr:                ":0",
		UpstreamURL:         "http://upstream.invalid",
		UpstreamTimeout:     time.Second,
		MaxWeightPerMinute:  1200,
		RequestWeight:       20,
		BroadcastBackend:    "redis",
		RefreshInterval:     time.Minute,
		InitialRefreshDelay: time.Second,
		PageDelay:           time.Millisecond,
		MaxPages:            5,
		PageLimit:           1000,
		CacheTTL:            time.Minute,
		RecentCacheTTL:      time.Minute,
		MaxConnections:      100,
		MaxPerIP:            3,
		HeartbeatInterval:   time.Minute,
		WriteTimeout:        time.Second,
		MissedDataLimit:     100,
		LogLevel:            "info",
		LogFormat:           "json",
		MetricsInterval:     time.Minute,
		ShutdownTimeout:     time.Second,
	}
}

func newTestServer(cfg *config.Config) (*Server, *fakeFetcher, *cache.Cache, *stream.Registry) {
	store := cache.New(
		cache.NewMemoryBackend(time.Minute, time.Minute),
		cache.NewMemoryBackend(time.Minute, time.Minute),
		zerolog.Nop(),
	)
	registry := stream.NewRegistry(stream.Limits{MaxTotal: cfg.MaxConnections, MaxPerIP: cfg.MaxPerIP}, zerolog.Nop())
	fetcher := &fakeFetcher{}
	srv := New(Deps{
		Config:    cfg,
		Logger:    zerolog.Nop(),
		Store:     store,
		Upstream:  fetcher,
		Registry:  registry,
		Refresher: stubRefresher{status: refresh.Status{LastOutcome: "ok"}},
	})
	return srv, fetcher, store, registry
}

func doRequest(srv *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code          string `json:"code"`
			CorrelationID string `json:"correlationId"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("error envelope: %v (%s)", err, rec.Body.String())
	}
	if env.Error.CorrelationID == "" {
		t.Error("error envelope missing correlationId")
	}
	return env.Error.Code
}

func TestStatsAllNotReadyThenServed(t *testing.T) {
	srv, _, store, _ := newTestServer(testConfig())

	rec := doRequest(srv, http.MethodGet, "/liquidations/stats/all")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeDataNotReady {
		t.Fatalf("code = %q, want %s", code, CodeDataNotReady)
	}

	views := liquidation.BuildViews(nil, time.Now())
	if err := store.SetJSON(context.Background(), cache.KeyStatsAll, views.Stats, time.Minute); err != nil {
		t.Fatal(err)
	}

	rec = doRequest(srv, http.MethodGet, "/liquidations/stats/all")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	var stats liquidation.StatsAll
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if len(stats.Periods) != len(liquidation.Periods) {
		t.Errorf("periods = %d, want %d", len(stats.Periods), len(liquidation.Periods))
	}
	if stats.Periods["2h"].TopCoin != "N/A" {
		t.Errorf("empty-window topCoin = %q, want N/A", stats.Periods["2h"].TopCoin)
	}
}

func TestChartDataValidation(t *testing.T) {
	srv, _, store, _ := newTestServer(testConfig())

	rec := doRequest(srv, http.MethodGet, "/liquidations/chart-data?period=3h")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeValidationFailed {
		t.Fatalf("code = %q, want %s", code, CodeValidationFailed)
	}

	rec = doRequest(srv, http.MethodGet, "/liquidations/chart-data?period=4h")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status on miss = %d, want 503", rec.Code)
	}

	views := liquidation.BuildViews(nil, time.Now())
	if err := store.SetJSON(context.Background(), cache.KeyChart("4h"), views.Charts["4h"], time.Minute); err != nil {
		t.Fatal(err)
	}
	rec = doRequest(srv, http.MethodGet, "/liquidations/chart-data?period=4h")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var chart liquidation.ChartData
	if err := json.Unmarshal(rec.Body.Bytes(), &chart); err != nil {
		t.Fatal(err)
	}
	if chart.Period != "4h" || len(chart.Buckets) != 48 {
		t.Errorf("chart = %s with %d buckets, want 4h with 48", chart.Period, len(chart.Buckets))
	}
}

func TestAllDataServedFromCache(t *testing.T) {
	srv, _, store, _ := newTestServer(testConfig())
	views := liquidation.BuildViews(nil, time.Now())
	if err := store.SetJSON(context.Background(), cache.KeyAllData, views.All, time.Minute); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(srv, http.MethodGet, "/liquidations/data")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var all liquidation.AllData
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatal(err)
	}
	if len(all.Periods) != 5 {
		t.Errorf("periods = %d, want 5", len(all.Periods))
	}
}

func TestRecentServedFromCache(t *testing.T) {
	srv, fetcher, store, _ := newTestServer(testConfig())
	seeded := upstream.Page{Data: []liquidation.Event{{Tid: 9, Coin: "BTC", Dir: "Long", Notional: 10}}}
	key := cache.KeyRecent(cache.DefaultRecentHours, cache.DefaultRecentLimit)
	if err := store.SetJSON(context.Background(), key, seeded, time.Minute); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(srv, http.MethodGet, "/liquidations/recent")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var page upstream.Page
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Data) != 1 || page.Data[0].Tid != 9 {
		t.Fatalf("page = %+v, want the seeded slice", page)
	}
	if fetcher.recentCallCount() != 0 {
		t.Error("cache hit must not call upstream")
	}
}

func TestRecentFallsBackToUpstreamAndWritesBack(t *testing.T) {
	srv, fetcher, store, _ := newTestServer(testConfig())
	fetcher.fetchRecent = func(q upstream.Query) (*upstream.Page, error) {
		return &upstream.Page{Data: []liquidation.Event{{Tid: 4, Coin: "ETH", Dir: "Short", Notional: 5}}}, nil
	}

	rec := doRequest(srv, http.MethodGet, "/liquidations/recent")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if fetcher.recentCallCount() != 1 {
		t.Fatalf("upstream calls = %d, want 1", fetcher.recentCallCount())
	}
	fetcher.mu.Lock()
	q := fetcher.recentCalls[0]
	fetcher.mu.Unlock()
	if q.Hours != cache.DefaultRecentHours || q.Limit != cache.DefaultRecentLimit {
		t.Errorf("upstream query = %+v, want default hours/limit", q)
	}

	// Cache-aside: the fetched page now backs the next request.
	var cached upstream.Page
	found, err := store.GetJSON(context.Background(), cache.KeyRecent(cache.DefaultRecentHours, cache.DefaultRecentLimit), &cached)
	if err != nil || !found || len(cached.Data) != 1 {
		t.Errorf("write-back missing: (%v, %v, %+v)", found, err, cached)
	}
}

func TestRecentCustomQueryBypassesCache(t *testing.T) {
	srv, fetcher, store, _ := newTestServer(testConfig())
	seeded := upstream.Page{Data: []liquidation.Event{{Tid: 9, Coin: "BTC", Dir: "Long", Notional: 10}}}
	key := cache.KeyRecent(cache.DefaultRecentHours, cache.DefaultRecentLimit)
	if err := store.SetJSON(context.Background(), key, seeded, time.Minute); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(srv, http.MethodGet, "/liquidations/recent?coin=BTC")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if fetcher.recentCallCount() != 1 {
		t.Fatal("filtered query must go to upstream")
	}
	fetcher.mu.Lock()
	q := fetcher.recentCalls[0]
	fetcher.mu.Unlock()
	if q.Coin != "BTC" {
		t.Errorf("upstream query coin = %q, want BTC", q.Coin)
	}
}

func TestRecentHoursValidation(t *testing.T) {
	srv, _, _, _ := newTestServer(testConfig())
	for _, target := range []string{
		"/liquidations/recent?hours=0",
		"/liquidations/recent?hours=169",
		"/liquidations/recent?hours=abc",
	} {
		rec := doRequest(srv, http.MethodGet, target)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestListPassesQueryThrough(t *testing.T) {
	srv, fetcher, _, _ := newTestServer(testConfig())
	fetcher.fetchPage = func(q upstream.Query) (*upstream.Page, error) {
		return &upstream.Page{HasMore: true}, nil
	}

	rec := doRequest(srv, http.MethodGet, "/liquidations?coin=BTC&limit=50&order=asc&start_time=1700000000000")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	fetcher.mu.Lock()
	q := fetcher.pageCalls[0]
	fetcher.mu.Unlock()
	if q.Coin != "BTC" || q.Limit != 50 || !strings.EqualFold(q.Order, "ASC") || q.StartTime != 1700000000000 {
		t.Errorf("upstream query = %+v", q)
	}
}

func TestListValidation(t *testing.T) {
	srv, _, _, _ := newTestServer(testConfig())
	for _, target := range []string{
		"/liquidations?limit=1001",
		"/liquidations?start_time=abc",
		"/liquidations?order=sideways",
		"/liquidations?amount_dollars=-5",
	} {
		rec := doRequest(srv, http.MethodGet, target)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
			continue
		}
		if code := errorCode(t, rec); code != CodeValidationFailed {
			t.Errorf("%s: code = %q", target, code)
		}
	}
}

func TestListUpstreamErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"rate limited", upstream.ErrRateLimited, http.StatusTooManyRequests, CodeUpstreamRateLimited},
		{"unavailable", upstream.ErrUnavailable, http.StatusServiceUnavailable, CodeUpstreamUnavailable},
		{"rejected", upstream.ErrValidation, http.StatusBadRequest, CodeValidationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, fetcher, _, _ := newTestServer(testConfig())
			fetcher.fetchPage = func(upstream.Query) (*upstream.Page, error) {
				return nil, fmt.Errorf("wrapped: %w", tc.err)
			}
			rec := doRequest(srv, http.MethodGet, "/liquidations")
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if code := errorCode(t, rec); code != tc.wantCode {
				t.Errorf("code = %q, want %q", code, tc.wantCode)
			}
			if tc.wantStatus == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
				t.Error("429 must carry Retry-After")
			}
		})
	}
}

func TestStreamStats(t *testing.T) {
	srv, _, _, registry := newTestServer(testConfig())
	registry.Attach("10.0.0.1", liquidation.Filter{}, 0)
	registry.Attach("10.0.0.1", liquidation.Filter{}, 0)
	registry.Attach("10.0.0.2", liquidation.Filter{}, 0)

	rec := doRequest(srv, http.MethodGet, "/liquidations/stream/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats struct {
		TotalConnections int `json:"totalConnections"`
		UniqueIps        int `json:"uniqueIps"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalConnections != 3 || stats.UniqueIps != 2 {
		t.Errorf("stats = %+v, want 3 connections over 2 ips", stats)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _, _ := newTestServer(testConfig())
	rec := doRequest(srv, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["breaker"] != "closed" {
		t.Errorf("health = %v", body)
	}
}

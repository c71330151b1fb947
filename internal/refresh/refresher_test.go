package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/bus"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/cache"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/liquidation"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/upstream"
)

var testNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type pageResult struct {
	page *upstream.Page
	err  error
}

type fakePager struct {
	mu      sync.Mutex
	pages   []pageResult
	repeat  *upstream.Page
	calls   int
	queries []upstream.Query
	block   chan struct{}
}

func (f *fakePager) FetchRecentPage(_ context.Context, q upstream.Query) (*upstream.Page, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.queries = append(f.queries, q)
	if len(f.pages) > 0 {
		res := f.pages[0]
		f.pages = f.pages[1:]
		return res.page, res.err
	}
	if f.repeat != nil {
		return f.repeat, nil
	}
	return &upstream.Page{}, nil
}

func (f *fakePager) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []bus.Message
	err  error
}

func (f *fakeBus) Publish(_ context.Context, m bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeBus) published() []bus.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.Message(nil), f.msgs...)
}

func (f *fakeBus) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestRefresher(p Pager, b Publisher) (*Refresher, *cache.Cache) {
	store := cache.New(
		cache.NewMemoryBackend(time.Minute, time.Minute),
		cache.NewMemoryBackend(time.Minute, time.Minute),
		zerolog.Nop(),
	)
	r := New(p, store, b, Config{
		Interval:     time.Hour,
		InitialDelay: 0,
		PageDelay:    time.Millisecond,
		MaxPages:     5,
		PageLimit:    1000,
		CacheTTL:     time.Minute,
		RecentTTL:    time.Minute,
		ResumeLimit:  cache.DefaultRecentLimit,
	}, zerolog.Nop())
	r.now = func() time.Time { return testNow }
	return r, store
}

func rawEvent(tid int64, age time.Duration, coin, dir string, notional float64) liquidation.Event {
	return liquidation.Event{
		Tid:      tid,
		Time:     testNow.Add(-age).UTC().Format(time.RFC3339Nano),
		Coin:     coin,
		Dir:      dir,
		Notional: notional,
	}
}

func strPtr(s string) *string { return &s }

func TestPassPublishesAscendingDelta(t *testing.T) {
	pager := &fakePager{pages: []pageResult{{page: &upstream.Page{
		Data: []liquidation.Event{
			rawEvent(300, 5*time.Minute, "BTC", "Long", 100),
			rawEvent(100, 20*time.Minute, "ETH", "Short", 50),
			rawEvent(200, 10*time.Minute, "SOL", "Long", 75),
		},
	}}}}
	b := &fakeBus{}
	r, store := newTestRefresher(pager, b)

	r.RefreshNow(context.Background())

	msgs := b.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	var tids []int64
	for _, e := range msgs[0].Events {
		tids = append(tids, e.Tid)
	}
	want := []int64{100, 200, 300}
	if len(tids) != len(want) {
		t.Fatalf("delta tids = %v, want %v", tids, want)
	}
	for i := range want {
		if tids[i] != want[i] {
			t.Fatalf("delta tids = %v, want %v", tids, want)
		}
	}

	if got := r.Status().LastTid; got != 300 {
		t.Errorf("LastTid = %d, want 300", got)
	}
	raw, found, err := store.Get(context.Background(), cache.KeyLastTid)
	if err != nil || !found || string(raw) != "300" {
		t.Errorf("stored marker = (%q, %v, %v), want 300", raw, found, err)
	}
}

func TestMarkerNeverDecreases(t *testing.T) {
	pager := &fakePager{pages: []pageResult{
		{page: &upstream.Page{Data: []liquidation.Event{
			rawEvent(5, time.Minute, "BTC", "Long", 10),
			rawEvent(4, 2*time.Minute, "BTC", "Long", 10),
		}}},
		{page: &upstream.Page{Data: []liquidation.Event{
			rawEvent(3, 3*time.Minute, "BTC", "Long", 10),
		}}},
	}}
	b := &fakeBus{}
	r, _ := newTestRefresher(pager, b)
	ctx := context.Background()

	r.RefreshNow(ctx)
	if got := r.Status().LastTid; got != 5 {
		t.Fatalf("after first pass LastTid = %d, want 5", got)
	}

	// Second pass sees only older events: no delta, marker unchanged.
	r.RefreshNow(ctx)
	if got := r.Status().LastTid; got != 5 {
		t.Errorf("after second pass LastTid = %d, want 5", got)
	}
	if n := len(b.published()); n != 1 {
		t.Errorf("published %d messages, want 1 (empty delta must not publish)", n)
	}
}

func TestFirstPageFailureLeavesStateUnchanged(t *testing.T) {
	pager := &fakePager{pages: []pageResult{
		{page: &upstream.Page{Data: []liquidation.Event{rawEvent(7, time.Minute, "BTC", "Long", 42)}}},
		{err: upstream.ErrUnavailable},
	}}
	b := &fakeBus{}
	r, store := newTestRefresher(pager, b)
	ctx := context.Background()

	r.RefreshNow(ctx)

	var before liquidation.AllData
	if found, err := store.GetJSON(ctx, cache.KeyAllData, &before); err != nil || !found {
		t.Fatalf("all-data after first pass: (%v, %v)", found, err)
	}

	// Second pass hits the outage on its first page. Advance the clock so a
	// rewrite would be visible in GeneratedAt.
	r.now = func() time.Time { return testNow.Add(time.Minute) }
	r.RefreshNow(ctx)

	var after liquidation.AllData
	if found, err := store.GetJSON(ctx, cache.KeyAllData, &after); err != nil || !found {
		t.Fatalf("all-data after outage: (%v, %v)", found, err)
	}
	if after.GeneratedAt != before.GeneratedAt {
		t.Error("cached views must survive a failed pass unchanged")
	}
	if got := r.Status().LastTid; got != 7 {
		t.Errorf("LastTid = %d, want 7", got)
	}
	if n := len(b.published()); n != 1 {
		t.Errorf("published %d messages, want 1 (failed pass must not broadcast)", n)
	}
	if got := r.Status().LastOutcome; got != "failed" {
		t.Errorf("LastOutcome = %q, want failed", got)
	}
}

func TestMidwayFailureUsesPartialWindow(t *testing.T) {
	pager := &fakePager{pages: []pageResult{
		{page: &upstream.Page{
			Data:       []liquidation.Event{rawEvent(20, time.Minute, "BTC", "Long", 10), rawEvent(19, 2*time.Minute, "ETH", "Short", 5)},
			NextCursor: strPtr("c1"),
			HasMore:    true,
		}},
		{err: upstream.ErrUnavailable},
	}}
	b := &fakeBus{}
	r, store := newTestRefresher(pager, b)
	ctx := context.Background()

	r.RefreshNow(ctx)

	if got := r.Status().LastOutcome; got != "partial" {
		t.Fatalf("LastOutcome = %q, want partial", got)
	}
	var all liquidation.AllData
	if found, err := store.GetJSON(ctx, cache.KeyAllData, &all); err != nil || !found {
		t.Fatalf("views must be built from the partial window: (%v, %v)", found, err)
	}
	msgs := b.published()
	if len(msgs) != 1 || len(msgs[0].Events) != 2 {
		t.Fatalf("published = %+v, want one message with both events", msgs)
	}
	if got := r.Status().LastTid; got != 20 {
		t.Errorf("LastTid = %d, want 20", got)
	}
}

func TestOverlappingTicksCoalesce(t *testing.T) {
	pager := &fakePager{block: make(chan struct{})}
	b := &fakeBus{}
	r, _ := newTestRefresher(pager, b)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		r.RefreshNow(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !r.Status().Refreshing {
		if time.Now().After(deadline) {
			t.Fatal("first pass never started")
		}
		time.Sleep(time.Millisecond)
	}

	// Overlapping tick must return without fetching.
	r.RefreshNow(ctx)

	close(pager.block)
	<-done
	if n := pager.callCount(); n != 1 {
		t.Errorf("upstream fetches = %d, want 1", n)
	}
}

func TestPublishFailureKeepsMarker(t *testing.T) {
	page := &upstream.Page{Data: []liquidation.Event{rawEvent(11, time.Minute, "BTC", "Long", 10)}}
	pager := &fakePager{pages: []pageResult{{page: page}, {page: page}}}
	b := &fakeBus{}
	b.setErr(errors.New("channel down"))
	r, _ := newTestRefresher(pager, b)
	ctx := context.Background()

	r.RefreshNow(ctx)
	if got := r.Status().LastTid; got != 0 {
		t.Fatalf("LastTid = %d after failed publish, want 0", got)
	}

	// Next pass re-delivers the same delta once the bus recovers.
	b.setErr(nil)
	r.RefreshNow(ctx)
	msgs := b.published()
	if len(msgs) != 1 || len(msgs[0].Events) != 1 || msgs[0].Events[0].Tid != 11 {
		t.Fatalf("published = %+v, want re-delivery of tid 11", msgs)
	}
	if got := r.Status().LastTid; got != 11 {
		t.Errorf("LastTid = %d, want 11", got)
	}
}

func TestPageBudgetCapsPagination(t *testing.T) {
	pager := &fakePager{repeat: &upstream.Page{
		Data:       []liquidation.Event{rawEvent(1, time.Minute, "BTC", "Long", 10)},
		NextCursor: strPtr("more"),
		HasMore:    true,
	}}
	b := &fakeBus{}
	r, _ := newTestRefresher(pager, b)

	r.RefreshNow(context.Background())

	if n := pager.callCount(); n != 5 {
		t.Errorf("upstream fetches = %d, want MaxPages", n)
	}
	if got := r.Status().LastOutcome; got != "ok" {
		t.Errorf("LastOutcome = %q, want ok (budget cap is not a failure)", got)
	}
}

func TestPassWritesRecentSlices(t *testing.T) {
	pager := &fakePager{pages: []pageResult{{page: &upstream.Page{
		Data: []liquidation.Event{
			rawEvent(2, 30*time.Minute, "BTC", "Long", 10),
			rawEvent(1, 90*time.Minute, "ETH", "Short", 5),
		},
	}}}}
	r, store := newTestRefresher(pager, &fakeBus{})
	ctx := context.Background()

	r.RefreshNow(ctx)

	var def upstream.Page
	if found, err := store.GetJSON(ctx, cache.KeyRecent(cache.DefaultRecentHours, cache.DefaultRecentLimit), &def); err != nil || !found {
		t.Fatalf("default recent slice: (%v, %v)", found, err)
	}
	if len(def.Data) != 2 || def.Data[0].Tid != 2 {
		t.Fatalf("default slice = %+v, want both events newest first", def.Data)
	}

	var resume upstream.Page
	if found, err := store.GetJSON(ctx, cache.KeyRecent(cache.ResumeRecentHours, cache.DefaultRecentLimit), &resume); err != nil || !found {
		t.Fatalf("resume recent slice: (%v, %v)", found, err)
	}
	if len(resume.Data) != 1 || resume.Data[0].Tid != 2 {
		t.Fatalf("resume slice = %+v, want only the event inside 1h", resume.Data)
	}
}

func TestPassQueriesFullWindow(t *testing.T) {
	pager := &fakePager{}
	r, _ := newTestRefresher(pager, &fakeBus{})

	r.RefreshNow(context.Background())

	pager.mu.Lock()
	defer pager.mu.Unlock()
	if len(pager.queries) != 1 {
		t.Fatalf("queries = %d, want 1", len(pager.queries))
	}
	q := pager.queries[0]
	if q.Hours != 24 || q.Limit != 1000 || q.Order != "DESC" || q.Cursor != "" {
		t.Errorf("query = %+v, want 24h DESC page of 1000", q)
	}
}

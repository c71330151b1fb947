// Package refresh drives the single-writer polling loop: it drains the
// rolling window from upstream, rebuilds the derived views, and broadcasts
// the newly observed events. One pass runs at a time per process; overlapping
// ticks coalesce.
package refresh

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/bus"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/cache"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/liquidation"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/monitoring"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/upstream"
)

// windowHours is the rolling window the refresh loop maintains.
const windowHours = 24

// Pager fetches one page of the rolling window.
type Pager interface {
	FetchRecentPage(ctx context.Context, q upstream.Query) (*upstream.Page, error)
}

// Publisher broadcasts one new-events batch.
type Publisher interface {
	Publish(ctx context.Context, msg bus.Message) error
}

type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	PageDelay    time.Duration
	MaxPages     int
	PageLimit    int
	CacheTTL     time.Duration
	RecentTTL    time.Duration
	ResumeLimit  int
}

// Status is a point-in-time view of the loop for health reporting.
type Status struct {
	Refreshing  bool      `json:"refreshing"`
	LastRun     time.Time `json:"lastRun"`
	LastOutcome string    `json:"lastOutcome"`
	WindowSize  int       `json:"windowSize"`
	LastTid     int64     `json:"lastTid"`
}

type Refresher struct {
	pager  Pager
	store  *cache.Cache
	pub    Publisher
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	refreshing atomic.Bool
	// lastTid mirrors the durable marker so it survives a cache flush and
	// never moves backwards within the process.
	lastTid atomic.Int64

	mu          sync.Mutex
	lastRun     time.Time
	lastOutcome string
	windowSize  int
}

func New(pager Pager, store *cache.Cache, pub Publisher, cfg Config, logger zerolog.Logger) *Refresher {
	return &Refresher{
		pager:  pager,
		store:  store,
		pub:    pub,
		cfg:    cfg,
		logger: logger.With().Str("component", "refresh").Logger(),
		now:    time.Now,
	}
}

// Run executes passes until ctx is canceled: the first after InitialDelay,
// then every Interval.
func (r *Refresher) Run(ctx context.Context) error {
	timer := time.NewTimer(r.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		r.RefreshNow(ctx)
		timer.Reset(r.cfg.Interval)
	}
}

// RefreshNow executes one pass unless one is already running, in which case
// the call coalesces into the running pass.
func (r *Refresher) RefreshNow(ctx context.Context) {
	if !r.refreshing.CompareAndSwap(false, true) {
		monitoring.RefreshPassesTotal.WithLabelValues("skipped").Inc()
		r.logger.Debug().Msg("Refresh already in progress, skipping tick")
		return
	}
	defer r.refreshing.Store(false)
	r.runPass(ctx)
}

func (r *Refresher) runPass(ctx context.Context) {
	defer monitoring.RecoverPanic(r.logger, "refresh")
	start := time.Now()

	window, dropped, complete, err := r.fetchWindow(ctx)
	if err != nil {
		outcome := "failed"
		switch {
		case errors.Is(err, context.Canceled):
			r.logger.Debug().Msg("Refresh pass aborted by shutdown")
		case errors.Is(err, upstream.ErrRateLimited):
			outcome = "rate_limited"
			r.logger.Warn().Err(err).Msg("Refresh pass rate limited, retrying next tick")
		default:
			r.logger.Error().Err(err).Msg("Refresh pass failed, cached state unchanged")
		}
		monitoring.RefreshPassesTotal.WithLabelValues(outcome).Inc()
		r.noteOutcome(outcome, -1)
		return
	}

	now := r.now()
	marker := r.loadMarker(ctx)
	delta := liquidation.NewerThan(window, marker)

	views := liquidation.BuildViews(window, now)
	r.writeViews(ctx, views, window, now)

	if len(delta) > 0 {
		msg := bus.NewMessage(delta, now.UnixMilli())
		if err := r.pub.Publish(ctx, msg); err != nil {
			// Marker stays put so the next pass re-delivers; subscribers
			// absorb duplicates via the tid guard.
			r.logger.Error().Err(err).Int("events", len(delta)).Msg("Broadcast publish failed")
		} else {
			r.storeMarker(ctx, liquidation.MaxTid(window))
		}
	}

	outcome := "ok"
	if !complete {
		outcome = "partial"
	}
	monitoring.RefreshPassesTotal.WithLabelValues(outcome).Inc()
	monitoring.RefreshDurationSeconds.Observe(time.Since(start).Seconds())
	monitoring.RefreshWindowSize.Set(float64(len(window)))
	monitoring.RefreshDeltaEvents.Observe(float64(len(delta)))
	if dropped > 0 {
		monitoring.RefreshEventsDroppedTotal.Add(float64(dropped))
	}
	monitoring.RefreshLastSuccessTimestamp.Set(float64(now.Unix()))
	r.noteOutcome(outcome, len(window))

	r.logger.Info().
		Int("window", len(window)).
		Int("delta", len(delta)).
		Int("dropped", dropped).
		Bool("complete", complete).
		Dur("took", time.Since(start)).
		Msg("Refresh pass finished")
}

// fetchWindow drains up to MaxPages of the 24h window, newest first. A
// failure on the first page fails the whole pass; a failure midway returns
// the partial window with complete=false.
func (r *Refresher) fetchWindow(ctx context.Context) (window []liquidation.Event, dropped int, complete bool, err error) {
	var raw []liquidation.Event
	cursor := ""

	for page := 0; page < r.cfg.MaxPages; page++ {
		if page > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, false, ctx.Err()
			case <-time.After(r.cfg.PageDelay):
			}
		}

		p, ferr := r.pager.FetchRecentPage(ctx, upstream.Query{
			Hours:  windowHours,
			Limit:  r.cfg.PageLimit,
			Cursor: cursor,
			Order:  "DESC",
		})
		if ferr != nil {
			if page == 0 {
				return nil, 0, false, ferr
			}
			r.logger.Warn().Err(ferr).Int("page", page+1).Msg("Pagination failed midway, using partial window")
			window, dropped = liquidation.Normalize(raw)
			return window, dropped, false, nil
		}

		raw = append(raw, p.Data...)
		cursor = p.Cursor()
		if !p.HasMore || cursor == "" {
			break
		}
	}

	// Either the listing is exhausted or the page budget is; the budget is
	// the window's soft cap, so both count as a complete pass.
	window, dropped = liquidation.Normalize(raw)
	return window, dropped, true, nil
}

func (r *Refresher) writeViews(ctx context.Context, views liquidation.ViewSet, window []liquidation.Event, now time.Time) {
	set := func(key string, v any, ttl time.Duration) {
		if err := r.store.SetJSON(ctx, key, v, ttl); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("Cache write failed")
		}
	}

	set(cache.KeyAllData, views.All, r.cfg.CacheTTL)
	set(cache.KeyStatsAll, views.Stats, r.cfg.CacheTTL)
	for name, chart := range views.Charts {
		set(cache.KeyChart(name), chart, r.cfg.CacheTTL)
	}

	// Recent slices: the default one backs GET /liquidations/recent, the
	// one-hour one bounds stream resume replay.
	r.writeRecent(ctx, window, cache.DefaultRecentHours, cache.DefaultRecentLimit, now)
	r.writeRecent(ctx, window, cache.ResumeRecentHours, r.cfg.ResumeLimit, now)
}

func (r *Refresher) writeRecent(ctx context.Context, window []liquidation.Event, hours, limit int, now time.Time) {
	events, hasMore := liquidation.RecentSlice(window, hours, limit, now)
	page := upstream.Page{Data: events, HasMore: hasMore}
	if err := r.store.SetJSON(ctx, cache.KeyRecent(hours, limit), &page, r.cfg.RecentTTL); err != nil {
		r.logger.Warn().Err(err).Int("hours", hours).Msg("Recent slice write failed")
	}
}

// loadMarker returns the high-water marker, preferring the larger of the
// cached value and the in-process mirror.
func (r *Refresher) loadMarker(ctx context.Context) int64 {
	mirror := r.lastTid.Load()

	raw, found, err := r.store.Get(ctx, cache.KeyLastTid)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Marker read failed, using in-process value")
		return mirror
	}
	if !found {
		return mirror
	}
	v, perr := strconv.ParseInt(string(raw), 10, 64)
	if perr != nil {
		r.logger.Warn().Str("value", string(raw)).Msg("Unparseable marker in cache, using in-process value")
		return mirror
	}
	if v > mirror {
		return v
	}
	return mirror
}

func (r *Refresher) storeMarker(ctx context.Context, tid int64) {
	if tid <= r.lastTid.Load() {
		return
	}
	r.lastTid.Store(tid)
	// No TTL: the marker must outlive any refresh cadence.
	if err := r.store.Set(ctx, cache.KeyLastTid, []byte(strconv.FormatInt(tid, 10)), 0); err != nil {
		r.logger.Warn().Err(err).Int64("tid", tid).Msg("Marker write failed, in-process mirror retained")
	}
}

func (r *Refresher) noteOutcome(outcome string, windowSize int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRun = time.Now()
	r.lastOutcome = outcome
	if windowSize >= 0 {
		r.windowSize = windowSize
	}
}

func (r *Refresher) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Refreshing:  r.refreshing.Load(),
		LastRun:     r.lastRun,
		LastOutcome: r.lastOutcome,
		WindowSize:  r.windowSize,
		LastTid:     r.lastTid.Load(),
	}
}

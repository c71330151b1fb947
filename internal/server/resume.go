package server

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/cache"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/liquidation"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/upstream"
)

// ResumeSource provides the backlog for resuming stream sessions: the cached
// one-hour slice the refresh loop maintains, or one bounded upstream call
// when the cache has nothing.
type ResumeSource struct {
	store    *cache.Cache
	upstream Fetcher
	limit    int
	logger   zerolog.Logger
}

func NewResumeSource(store *cache.Cache, up Fetcher, limit int, logger zerolog.Logger) *ResumeSource {
	return &ResumeSource{
		store:    store,
		upstream: up,
		limit:    limit,
		logger:   logger.With().Str("component", "resume").Logger(),
	}
}

// Missed returns recent events for replay and whether the source may not
// cover the whole gap.
func (rs *ResumeSource) Missed(ctx context.Context) ([]liquidation.Event, bool) {
	var page upstream.Page
	found, err := rs.store.GetJSON(ctx, cache.KeyRecent(cache.ResumeRecentHours, rs.limit), &page)
	if err == nil && found {
		return page.Data, page.HasMore
	}

	p, ferr := rs.upstream.FetchRecentPage(ctx, upstream.Query{
		Hours: cache.ResumeRecentHours,
		Limit: rs.limit,
		Order: "DESC",
	})
	if ferr != nil {
		rs.logger.Warn().Err(ferr).Msg("Resume backlog unavailable")
		return nil, true
	}
	return p.Data, p.HasMore
}

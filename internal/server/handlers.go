package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/cache"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/liquidation"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/upstream"
)

// handleList passes a validated listing query through to upstream.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, err.Error())
		return
	}

	page, err := s.upstream.FetchPage(r.Context(), q)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleRecent serves the cached recent slice when the query matches what
// the refresh loop maintains, and falls back to a single upstream call
// otherwise (cache-aside for the unfiltered shape).
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, err.Error())
		return
	}
	if raw := r.URL.Query().Get("hours"); raw != "" {
		h, herr := strconv.Atoi(raw)
		if herr != nil || h < 1 || h > 168 {
			writeError(w, http.StatusBadRequest, CodeValidationFailed, "hours must be an integer in [1,168]")
			return
		}
		q.Hours = h
	} else {
		q.Hours = cache.DefaultRecentHours
	}
	if q.Limit == 0 {
		q.Limit = cache.DefaultRecentLimit
	}

	ctx := r.Context()
	cacheable := q.Coin == "" && q.User == "" && q.MinNotional == 0 && q.Cursor == "" &&
		(q.Order == "" || strings.EqualFold(q.Order, "DESC")) && q.StartTime == 0 && q.EndTime == 0

	if cacheable {
		var page upstream.Page
		if found, gerr := s.store.GetJSON(ctx, cache.KeyRecent(q.Hours, q.Limit), &page); gerr == nil && found {
			writeJSON(w, http.StatusOK, page)
			return
		}
	}

	page, err := s.upstream.FetchRecentPage(ctx, q)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	if cacheable {
		if serr := s.store.SetJSON(ctx, cache.KeyRecent(q.Hours, q.Limit), page, s.cfg.RecentCacheTTL); serr != nil {
			s.logger.Warn().Err(serr).Msg("Recent cache-aside write failed")
		}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleStatsAll(w http.ResponseWriter, r *http.Request) {
	var stats liquidation.StatsAll
	s.serveCached(w, r, cache.KeyStatsAll, &stats)
}

func (s *Server) handleAllData(w http.ResponseWriter, r *http.Request) {
	var all liquidation.AllData
	s.serveCached(w, r, cache.KeyAllData, &all)
}

func (s *Server) handleChartData(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if _, ok := liquidation.PeriodByName(period); !ok {
		writeError(w, http.StatusBadRequest, CodeValidationFailed,
			fmt.Sprintf("period must be one of %s", periodNames()))
		return
	}
	var chart liquidation.ChartData
	s.serveCached(w, r, cache.KeyChart(period), &chart)
}

func (s *Server) handleStreamStats(w http.ResponseWriter, _ *http.Request) {
	total, ips := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]int{
		"totalConnections": total,
		"uniqueIps":        ips,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	total, _ := s.registry.Stats()
	body := map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"connections": total,
		"refresh":     s.refresher.Status(),
		"breaker":     s.upstream.BreakerState(),
	}
	if s.monitor != nil {
		sys := s.monitor.Snapshot()
		body["system"] = map[string]any{
			"cpuPercent": sys.CPUPercent,
			"memoryMb":   sys.MemoryMB,
			"goroutines": sys.Goroutines,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// serveCached serves a derived blob from the snapshot cache. The cache is
// authoritative for these keys: a miss means the refresh loop has not
// completed yet and the client should retry, never a rebuild on the request
// path.
func (s *Server) serveCached(w http.ResponseWriter, r *http.Request, key string, dst any) {
	found, err := s.store.GetJSON(r.Context(), key, dst)
	if err != nil {
		id := writeError(w, http.StatusServiceUnavailable, CodeDataNotReady, "cached data unavailable, retry shortly")
		s.logger.Warn().Err(err).Str("key", key).Str("correlation_id", id).Msg("Cache read failed on request path")
		return
	}
	if !found {
		writeError(w, http.StatusServiceUnavailable, CodeDataNotReady, "data not ready yet, retry shortly")
		return
	}
	writeJSON(w, http.StatusOK, dst)
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var id string
	switch {
	case errors.Is(err, upstream.ErrValidation):
		id = writeError(w, http.StatusBadRequest, CodeValidationFailed, "upstream rejected the query parameters")
	case errors.Is(err, upstream.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		id = writeError(w, http.StatusTooManyRequests, CodeUpstreamRateLimited, "upstream rate limit reached, retry later")
	default:
		id = writeError(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "upstream temporarily unavailable")
	}
	s.logger.Warn().Err(err).Str("path", r.URL.Path).Str("correlation_id", id).Msg("Upstream request failed")
}

func parseListQuery(v url.Values) (upstream.Query, error) {
	q := upstream.Query{
		Coin:   v.Get("coin"),
		User:   v.Get("user"),
		Cursor: v.Get("cursor"),
		Order:  v.Get("order"),
	}

	var err error
	if q.StartTime, err = int64Param(v, "start_time"); err != nil {
		return q, err
	}
	if q.EndTime, err = int64Param(v, "end_time"); err != nil {
		return q, err
	}
	if raw := v.Get("amount_dollars"); raw != "" {
		f, perr := strconv.ParseFloat(raw, 64)
		if perr != nil || f < 0 {
			return q, fmt.Errorf("amount_dollars must be a non-negative number")
		}
		q.MinNotional = f
	}
	if raw := v.Get("limit"); raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil || n < 1 || n > 1000 {
			return q, fmt.Errorf("limit must be an integer in [1,1000]")
		}
		q.Limit = n
	}
	switch strings.ToUpper(q.Order) {
	case "", "ASC", "DESC":
	default:
		return q, fmt.Errorf("order must be ASC or DESC")
	}
	return q, nil
}

func int64Param(v url.Values, name string) (int64, error) {
	raw := v.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func periodNames() string {
	names := make([]string, len(liquidation.Periods))
	for i, p := range liquidation.Periods {
		names[i] = p.Name
	}
	return strings.Join(names, ", ")
}

// Package server exposes the cached views, the pass-through listing, and the
// SSE stream over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/cache"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/config"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/monitoring"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/refresh"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/stream"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/upstream"
)

// Fetcher is the slice of the upstream client the HTTP layer uses.
type Fetcher interface {
	FetchPage(ctx context.Context, q upstream.Query) (*upstream.Page, error)
	FetchRecentPage(ctx context.Context, q upstream.Query) (*upstream.Page, error)
	BreakerState() string
}

// Refresher reports the polling loop's health.
type Refresher interface {
	Status() refresh.Status
}

type Deps struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Store     *cache.Cache
	Upstream  Fetcher
	Registry  *stream.Registry
	Refresher Refresher
	Monitor   *monitoring.SystemMonitor
}

type Server struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     *cache.Cache
	upstream  Fetcher
	registry  *stream.Registry
	refresher Refresher
	monitor   *monitoring.SystemMonitor
	resume    *ResumeSource
	http      *http.Server
	startedAt time.Time
}

func New(d Deps) *Server {
	s := &Server{
		cfg:       d.Config,
		logger:    d.Logger.With().Str("component", "server").Logger(),
		store:     d.Store,
		upstream:  d.Upstream,
		registry:  d.Registry,
		refresher: d.Refresher,
		monitor:   d.Monitor,
		resume:    NewResumeSource(d.Store, d.Upstream, d.Config.MissedDataLimit, d.Logger),
		startedAt: time.Now(),
	}

	s.http = &http.Server{
		Addr:    d.Config.Addr,
		Handler: s.routes(),
		// No global write timeout: stream responses stay open for the whole
		// session and enforce per-frame deadlines instead.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/liquidations", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Get("/recent", s.handleRecent)
		r.Get("/stats/all", s.handleStatsAll)
		r.Get("/chart-data", s.handleChartData)
		r.Get("/data", s.handleAllData)
		r.Get("/stream", s.handleStream)
		r.Get("/stream/stats", s.handleStreamStats)
	})

	return r
}

// Run serves until ctx is canceled, then drains stream sessions and shuts
// the listener down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down HTTP server")
	s.registry.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.http.Close()
		return err
	}
	return nil
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("Request handled")
	})
}

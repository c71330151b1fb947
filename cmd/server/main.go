// Command server runs the liquidations service: a refresh loop that keeps
// derived snapshots warm in the cache, a broadcast bus that fans new events
// out to every replica, and the HTTP surface serving REST reads and the SSE
// stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/bus"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/cache"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/config"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/monitoring"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/refresh"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/server"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/stream"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/upstream"
)

// natsSubject is the dot-separated equivalent of the Redis broadcast
// channel, used when BROADCAST_BACKEND=nats.
const natsSubject = "liquidations.sse.broadcast"

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	if err := run(*debug); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(debug bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	store := cache.New(
		cache.NewRedisBackend(redisClient),
		cache.NewMemoryBackend(cfg.CacheTTL, cfg.CacheTTL),
		logger,
	)
	defer store.Close()

	var broadcast bus.Bus
	switch cfg.BroadcastBackend {
	case "nats":
		broadcast, err = bus.NewNATSBus(cfg.NATSURL, natsSubject, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
	default:
		broadcast = bus.NewRedisBus(redisClient, cache.ChannelBroadcast, logger)
	}
	defer broadcast.Close()

	up := upstream.New(upstream.Config{
		BaseURL:            cfg.UpstreamURL,
		APIKey:             cfg.UpstreamAPIKey,
		Timeout:            cfg.UpstreamTimeout,
		MaxWeightPerMinute: cfg.MaxWeightPerMinute,
		RequestWeight:      cfg.RequestWeight,
	}, logger)

	refresher := refresh.New(up, store, broadcast, refresh.Config{
		Interval:     cfg.RefreshInterval,
		InitialDelay: cfg.InitialRefreshDelay,
		PageDelay:    cfg.PageDelay,
		MaxPages:     cfg.MaxPages,
		PageLimit:    cfg.PageLimit,
		CacheTTL:     cfg.CacheTTL,
		RecentTTL:    cfg.RecentCacheTTL,
		ResumeLimit:  cfg.MissedDataLimit,
	}, logger)

	registry := stream.NewRegistry(stream.Limits{
		MaxTotal: cfg.MaxConnections,
		MaxPerIP: cfg.MaxPerIP,
	}, logger)

	monitor := monitoring.NewSystemMonitor(cfg.MetricsInterval, logger)

	srv := server.New(server.Deps{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Upstream:  up,
		Registry:  registry,
		Refresher: refresher,
		Monitor:   monitor,
	})

	// Every replica receives every delta, including its own publishes, so
	// local fan-out goes through the same path regardless of which replica
	// ran the refresh pass.
	if err := broadcast.Subscribe(ctx, func(msg bus.Message) {
		registry.BroadcastLocal(msg.Events)
	}); err != nil {
		return fmt.Errorf("subscribe broadcast bus: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return refresher.Run(gctx) })
	g.Go(func() error { return registry.RunHeartbeat(gctx, cfg.HeartbeatInterval) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	logger.Info().Str("addr", cfg.Addr).Msg("Liquidations service started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Liquidations service stopped")
	return nil
}

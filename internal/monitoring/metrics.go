package monitoring

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the whole service, registered once at init.
// Refresh metrics describe the polling writer, upstream metrics the indexer
// client, stream metrics the SSE fan-out.
var (
	RefreshPassesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquidations_refresh_passes_total",
		Help: "Refresh passes by outcome (ok, partial, failed, rate_limited, skipped).",
	}, []string{"outcome"})

	RefreshDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "liquidations_refresh_duration_seconds",
		Help:    "Wall time of one refresh pass including pagination delays.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	RefreshWindowSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liquidations_refresh_window_events",
		Help: "Events in the rolling window after the last pass.",
	})

	RefreshDeltaEvents = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "liquidations_refresh_delta_events",
		Help:    "Newly observed events per pass.",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
	})

	RefreshEventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "liquidations_refresh_events_dropped_total",
		Help: "Malformed upstream events dropped during normalization.",
	})

	RefreshLastSuccessTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liquidations_refresh_last_success_timestamp_seconds",
		Help: "Unix time of the last successful refresh pass.",
	})

	UpstreamRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquidations_upstream_requests_total",
		Help: "Upstream fetches by endpoint and outcome (ok, rate_limited, unavailable, rejected).",
	}, []string{"endpoint", "outcome"})

	UpstreamRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "liquidations_upstream_request_duration_seconds",
		Help:    "Latency of successful upstream fetches.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"endpoint"})

	UpstreamBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liquidations_upstream_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	})

	CacheErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquidations_cache_errors_total",
		Help: "Primary cache failures by operation.",
	}, []string{"op"})

	BusPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "liquidations_bus_published_total",
		Help: "Broadcast messages published.",
	})

	BusPublishErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "liquidations_bus_publish_errors_total",
		Help: "Broadcast publishes that failed.",
	})

	BusReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "liquidations_bus_received_total",
		Help: "Broadcast messages received on the subscription.",
	})

	StreamConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liquidations_stream_connections_active",
		Help: "Currently attached SSE sessions.",
	})

	StreamConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "liquidations_stream_connections_total",
		Help: "SSE sessions ever attached.",
	})

	StreamRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquidations_stream_rejected_total",
		Help: "Stream admissions denied by reason (total, per_ip, shutdown).",
	}, []string{"reason"})

	StreamEventsDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "liquidations_stream_events_delivered_total",
		Help: "Liquidation frames queued to sessions.",
	})

	StreamSessionsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquidations_stream_sessions_dropped_total",
		Help: "Sessions removed by the server, by reason (slow_consumer, write_error, shutdown).",
	}, []string{"reason"})

	StreamHeartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "liquidations_stream_heartbeats_total",
		Help: "Heartbeat ticks delivered to the session set.",
	})

	SystemCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liquidations_system_cpu_percent",
		Help: "Process host CPU utilization sampled by the system monitor.",
	})

	SystemMemoryMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liquidations_system_memory_mb",
		Help: "Heap in use, megabytes.",
	})

	SystemGoroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liquidations_system_goroutines",
		Help: "Goroutine count sampled by the system monitor.",
	})
)

func init() {
	prometheus.MustRegister(
		RefreshPassesTotal,
		RefreshDurationSeconds,
		RefreshWindowSize,
		RefreshDeltaEvents,
		RefreshEventsDroppedTotal,
		RefreshLastSuccessTimestamp,
		UpstreamRequestsTotal,
		UpstreamRequestDuration,
		UpstreamBreakerState,
		CacheErrorsTotal,
		BusPublishedTotal,
		BusPublishErrorsTotal,
		BusReceivedTotal,
		StreamConnectionsActive,
		StreamConnectionsTotal,
		StreamRejectedTotal,
		StreamEventsDeliveredTotal,
		StreamSessionsDroppedTotal,
		StreamHeartbeatsTotal,
		SystemCPUPercent,
		SystemMemoryMB,
		SystemGoroutines,
	)
}

package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemMetrics is one sample of process resource usage.
type SystemMetrics struct {
	CPUPercent float64
	MemoryMB   float64
	Goroutines int
	Timestamp  time.Time
}

// SystemMonitor samples CPU, heap and goroutine counts on a fixed interval
// and mirrors them into Prometheus gauges. One instance serves the whole
// process; health handlers read the latest sample through Snapshot.
type SystemMonitor struct {
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics
}

// NewSystemMonitor builds a monitor sampling every interval.
func NewSystemMonitor(interval time.Duration, logger zerolog.Logger) *SystemMonitor {
	return &SystemMonitor{
		interval: interval,
		logger:   logger.With().Str("component", "system_monitor").Logger(),
	}
}

// Run samples until ctx is cancelled.
func (sm *SystemMonitor) Run(ctx context.Context) error {
	defer RecoverPanic(sm.logger, "system_monitor")

	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	sm.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sm.sample(ctx)
		}
	}
}

func (sm *SystemMonitor) sample(ctx context.Context) {
	var cpuPercent float64
	// interval 0 measures since the previous call, so the first sample is 0
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		sm.logger.Debug().Err(err).Msg("CPU sample failed")
	} else if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memMB := float64(mem.Alloc) / (1024 * 1024)
	goroutines := runtime.NumGoroutine()

	sm.mu.Lock()
	sm.metrics = SystemMetrics{
		CPUPercent: cpuPercent,
		MemoryMB:   memMB,
		Goroutines: goroutines,
		Timestamp:  time.Now(),
	}
	sm.mu.Unlock()

	SystemCPUPercent.Set(cpuPercent)
	SystemMemoryMB.Set(memMB)
	SystemGoroutines.Set(float64(goroutines))
}

// Snapshot returns the most recent sample.
func (sm *SystemMonitor) Snapshot() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// Package monitor samples process resource usage and scheduler counters
// on an interval.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/model"
)

const metricsSubject = "metrics.scheduler"

// StatsProvider exposes the scheduler's service-wide counters
type StatsProvider interface {
	GetStats() model.ServiceStats
}

// Snapshot is one metrics sample
type Snapshot struct {
	Timestamp   time.Time          `json:"timestamp"`
	CPUUsage    float64            `json:"cpu_usage"`
	MemoryUsage float64            `json:"memory_usage"`
	Scheduler   model.ServiceStats `json:"scheduler"`
}

// MetricsCollector periodically samples system CPU/memory alongside the
// scheduler counters, logs the sample, and publishes it to JetStream
// when a context is provided.
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	stats    StatsProvider
	interval time.Duration

	mu     sync.RWMutex
	latest Snapshot

	stop chan struct{}
}

// NewMetricsCollector creates a collector. js may be nil; samples are
// then only logged and retained in memory.
func NewMetricsCollector(stats StatsProvider, js nats.JetStreamContext, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		stats:    stats,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector",
		zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
}

// Stop stops the collection loop
func (c *MetricsCollector) Stop() {
	c.logger.Info("Stopping metrics collector")
	close(c.stop)
}

// Latest returns the most recent sample
func (c *MetricsCollector) Latest() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *MetricsCollector) collect() {
	snapshot := Snapshot{
		Timestamp: time.Now(),
		Scheduler: c.stats.GetStats(),
	}

	if cpuPercent, err := cpu.Percent(0, false); err != nil {
		c.logger.Error("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		snapshot.CPUUsage = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemory(); err != nil {
		c.logger.Error("Failed to get memory usage", zap.Error(err))
	} else {
		snapshot.MemoryUsage = memInfo.UsedPercent
	}

	c.mu.Lock()
	c.latest = snapshot
	c.mu.Unlock()

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage),
		zap.Uint64("running_tasks", snapshot.Scheduler.Running),
		zap.Int("task_count", snapshot.Scheduler.TaskCount))

	if c.js == nil {
		return
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}
	if _, err := c.js.Publish(metricsSubject, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
	}
}

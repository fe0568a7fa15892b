package telemetry

import (
	"sync"
	"time"
)

// StatsProvider is implemented by components that own live streams
type StatsProvider interface {
	LiveStreams() int
}

// MetricsCollector periodically samples stream stats and updates telemetry gauges
type MetricsCollector struct {
	providers []StatsProvider
	interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	gauge     Gauge
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(interval time.Duration, providers ...StatsProvider) *MetricsCollector {
	return &MetricsCollector{
		providers: providers,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector; safe to call more than once
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	total := 0
	for _, p := range mc.providers {
		if p == nil {
			continue
		}
		total += p.LiveStreams()
	}

	// SessionStreams is swapped by InitMetrics, so resolve it per sample.
	g := mc.gauge
	if g == nil {
		g = SessionStreams
	}
	g.Set(float64(total))
}

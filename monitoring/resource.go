package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/allaunthefox/NoDupeLabs-sub001/pool"
)

// Collector samples process resource usage for the worker pool monitor.
// Memory and goroutine figures come from the Go runtime; CPU usage is
// injected by the host process, which owns platform-specific probing.
type Collector struct {
	mu         sync.Mutex
	cpuPercent float64
	memLimit   uint64

	memPercent float64
	heapAlloc  uint64
	goroutines int
	gcPause    time.Duration

	lastGC runtime.MemStats
	gcSeen bool

	cpuGauge       prometheus.Gauge
	heapGauge      prometheus.Gauge
	goroutineGauge prometheus.Gauge
	gcPauseGauge   prometheus.Gauge
}

var _ pool.Sampler = (*Collector)(nil)

// NewCollector creates a resource collector. Gauges are registered on
// reg; a nil reg leaves them unregistered.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		cpuGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedup",
			Subsystem: "resource",
			Name:      "cpu_usage_percent",
			Help:      "CPU usage percentage (0-100)",
		}),
		heapGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedup",
			Subsystem: "resource",
			Name:      "heap_alloc_bytes",
			Help:      "Heap bytes currently allocated",
		}),
		goroutineGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedup",
			Subsystem: "resource",
			Name:      "goroutines_total",
			Help:      "Total number of goroutines",
		}),
		gcPauseGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dedup",
			Subsystem: "resource",
			Name:      "gc_pause_seconds",
			Help:      "Average GC pause since the previous sample",
		}),
	}
}

// SetCPUPercent updates the CPU usage reported by subsequent samples.
func (c *Collector) SetCPUPercent(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cpuPercent = v
}

// SetMemoryLimit fixes the denominator for the memory percentage. When
// zero, the runtime's reserved memory (MemStats.Sys) is used.
func (c *Collector) SetMemoryLimit(bytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.memLimit = bytes
}

// Sample implements the pool.Sampler interface.
func (c *Collector) Sample(ctx context.Context) (pool.Usage, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	c.mu.Lock()
	c.heapAlloc = ms.Alloc
	c.goroutines = runtime.NumGoroutine()

	if c.gcSeen && ms.NumGC > c.lastGC.NumGC {
		totalPause := ms.PauseTotalNs - c.lastGC.PauseTotalNs
		c.gcPause = time.Duration(totalPause / uint64(ms.NumGC-c.lastGC.NumGC))
	}
	c.gcSeen = true
	c.lastGC = ms

	limit := c.memLimit
	if limit == 0 {
		limit = ms.Sys
	}
	if limit > 0 {
		c.memPercent = float64(ms.Alloc) / float64(limit) * 100
	}

	u := pool.Usage{
		CPUPercent:    c.cpuPercent,
		MemoryPercent: c.memPercent,
	}
	goroutines := c.goroutines
	gcPause := c.gcPause
	c.mu.Unlock()

	c.cpuGauge.Set(u.CPUPercent)
	c.heapGauge.Set(float64(ms.Alloc))
	c.goroutineGauge.Set(float64(goroutines))
	c.gcPauseGauge.Set(gcPause.Seconds())

	return u, nil
}

// ResourceSnapshot is the usage observed by the most recent Sample.
type ResourceSnapshot struct {
	CPUPercent     float64       `json:"cpu_percent"`
	MemoryPercent  float64       `json:"memory_percent"`
	HeapAllocBytes uint64        `json:"heap_alloc_bytes"`
	Goroutines     int           `json:"goroutines"`
	AvgGCPause     time.Duration `json:"avg_gc_pause"`
}

// GetSnapshot returns the most recently sampled usage.
func (c *Collector) GetSnapshot() ResourceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ResourceSnapshot{
		CPUPercent:     c.cpuPercent,
		MemoryPercent:  c.memPercent,
		HeapAllocBytes: c.heapAlloc,
		Goroutines:     c.goroutines,
		AvgGCPause:     c.gcPause,
	}
}

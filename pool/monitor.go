package pool

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Usage is one sample of host resource consumption, both in percent.
type Usage struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Sampler provides resource usage to the monitor. Implemented by the
// monitoring package's collector; stubbed in tests.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// MonitorConfig tunes the pool monitor loop.
type MonitorConfig struct {
	// Interval between load samples.
	Interval time.Duration

	// Cooldown is the minimum time between applied adjustments. A
	// decision inside the cooldown window is deferred to a later tick.
	Cooldown time.Duration

	// OverloadCPU and OverloadMemory are utilization percentages above
	// which the pool shrinks.
	OverloadCPU    float64
	OverloadMemory float64

	// BacklogHighWater is the queue fill fraction counting as a high
	// backlog; BacklogTicks consecutive high samples trigger growth.
	BacklogHighWater float64
	BacklogTicks     int

	// ScaleUpFactor and ScaleDownFactor multiply the current worker
	// count when growing or shrinking.
	ScaleUpFactor   float64
	ScaleDownFactor float64
}

// DefaultMonitorConfig returns the stock monitor tuning.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:         10 * time.Second,
		Cooldown:         30 * time.Second,
		OverloadCPU:      85,
		OverloadMemory:   85,
		BacklogHighWater: 0.75,
		BacklogTicks:     2,
		ScaleUpFactor:    1.5,
		ScaleDownFactor:  0.8,
	}
}

func (c *MonitorConfig) applyDefaults() {
	d := DefaultMonitorConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.OverloadCPU <= 0 {
		c.OverloadCPU = d.OverloadCPU
	}
	if c.OverloadMemory <= 0 {
		c.OverloadMemory = d.OverloadMemory
	}
	if c.BacklogHighWater <= 0 {
		c.BacklogHighWater = d.BacklogHighWater
	}
	if c.BacklogTicks <= 0 {
		c.BacklogTicks = d.BacklogTicks
	}
	if c.ScaleUpFactor <= 1 {
		c.ScaleUpFactor = d.ScaleUpFactor
	}
	if c.ScaleDownFactor <= 0 || c.ScaleDownFactor >= 1 {
		c.ScaleDownFactor = d.ScaleDownFactor
	}
}

// Monitor samples load on an interval and resizes its pool within the
// configured bounds. It shrinks under CPU or memory overload and grows on
// a sustained queue backlog, never faster than the cooldown allows.
type Monitor struct {
	pool    *Pool
	sampler Sampler
	cfg     MonitorConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	highTicks      int // consecutive samples with a high backlog
	lastAdjustment time.Time
}

// NewMonitor builds a monitor for the pool. Zero config fields take their
// defaults.
func NewMonitor(p *Pool, sampler Sampler, cfg MonitorConfig) *Monitor {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		pool:    p,
		sampler: sampler,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the sampling loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()
	log.Infof("pool monitor started (interval %s, cooldown %s)", m.cfg.Interval, m.cfg.Cooldown)
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	log.Info("pool monitor stopped")
}

func (m *Monitor) tick() {
	usage, err := m.sampler.Sample(m.ctx)
	if err != nil {
		// Sampling trouble must never take the pool down with it.
		log.Warnf("resource sampling failed, skipping adjustment: %v", err)
		return
	}

	stats := m.pool.Stats()
	m.mu.Lock()
	if float64(stats.QueuedTasks)/float64(stats.QueueCapacity) >= m.cfg.BacklogHighWater {
		m.highTicks++
	} else {
		m.highTicks = 0
	}
	streak := m.highTicks
	last := m.lastAdjustment
	m.mu.Unlock()

	target, reason := m.decide(usage, stats, streak)
	if target == stats.Workers {
		return
	}

	if since := time.Since(last); since < m.cfg.Cooldown {
		log.Debugf("deferring worker adjustment to %d (%s), cooldown has %s left",
			target, reason, m.cfg.Cooldown-since)
		return
	}

	applied := m.pool.Resize(target)
	m.mu.Lock()
	m.lastAdjustment = time.Now()
	m.highTicks = 0
	m.mu.Unlock()
	log.Infof("adjusted workers %d -> %d: %s", stats.Workers, applied, reason)
}

// decide returns the desired worker count for the sampled load. Overload
// wins over backlog; growth needs the backlog high for BacklogTicks
// consecutive samples with resources under their thresholds.
func (m *Monitor) decide(usage Usage, stats Stats, streak int) (int, string) {
	current := stats.Workers

	if usage.CPUPercent > m.cfg.OverloadCPU || usage.MemoryPercent > m.cfg.OverloadMemory {
		target := int(float64(current) * m.cfg.ScaleDownFactor)
		if target >= current {
			target = current - 1
		}
		return target, fmt.Sprintf("overloaded (cpu %.1f%%, mem %.1f%%)", usage.CPUPercent, usage.MemoryPercent)
	}

	if streak >= m.cfg.BacklogTicks {
		target := int(float64(current) * m.cfg.ScaleUpFactor)
		if target <= current {
			target = current + 1
		}
		return target, fmt.Sprintf("sustained backlog (%d/%d queued)", stats.QueuedTasks, stats.QueueCapacity)
	}

	return current, ""
}

// MonitorState describes the monitor-managed pool sizing.
type MonitorState struct {
	Workers        int
	MinWorkers     int
	MaxWorkers     int
	LastAdjustment time.Time
	BacklogStreak  int
}

// State returns the current sizing state.
func (m *Monitor) State() MonitorState {
	stats := m.pool.Stats()
	m.mu.Lock()
	last := m.lastAdjustment
	streak := m.highTicks
	m.mu.Unlock()
	return MonitorState{
		Workers:        stats.Workers,
		MinWorkers:     stats.MinWorkers,
		MaxWorkers:     stats.MaxWorkers,
		LastAdjustment: last,
		BacklogStreak:  streak,
	}
}

// Package monitoring observes cascade executions. It keeps a rolling
// per-operation baseline, raises threshold alerts into a queryable list,
// and mirrors every outcome into pluggable telemetry sinks (structured
// logs, Prometheus collectors).
package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/allaunthefox/NoDupeLabs-sub001/cascade"
)

const (
	// DefaultWindowSize bounds each operation's rolling outcome window.
	DefaultWindowSize = 256

	// DefaultRetention drops outcomes older than this from the window.
	DefaultRetention = 10 * time.Minute

	// DefaultBaselineInterval is how often the alert-comparison baseline
	// snapshot is refreshed from the rolling window.
	DefaultBaselineInterval = time.Minute

	// DefaultMinSamples gates degradation and failure-rate alerts until
	// the window holds this many outcomes.
	DefaultMinSamples = 20

	// shortWindow is the number of most recent outcomes averaged for the
	// degradation and response-time rules.
	shortWindow = 10
)

// AlertThresholds are the limits checked after every recorded outcome.
// A zero-valued field disables that rule.
type AlertThresholds struct {
	// Degradation is the maximum ratio of short-term average duration to
	// the baseline average duration.
	Degradation float64 `json:"degradation"`

	// FailureRate is the maximum failed fraction of the rolling window.
	FailureRate float64 `json:"failure_rate"`

	// ResponseTime is the maximum short-term average duration.
	ResponseTime time.Duration `json:"response_time"`
}

// DefaultAlertThresholds returns the limits used when none are configured.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		Degradation:  2.0,
		FailureRate:  0.5,
		ResponseTime: 30 * time.Second,
	}
}

// Config tunes the performance monitor.
type Config struct {
	// WindowSize bounds the number of outcomes kept per operation.
	WindowSize int

	// Retention prunes outcomes older than this from the window.
	Retention time.Duration

	// BaselineInterval is the minimum age of the baseline snapshot
	// before it is replaced with current window statistics.
	BaselineInterval time.Duration

	// MinSamples is the window population required before degradation
	// and failure-rate alerts may fire.
	MinSamples int

	// Thresholds are the alert limits.
	Thresholds AlertThresholds

	// Cooldown suppresses repeat alerts for the same operation and
	// metric.
	Cooldown time.Duration

	// Sinks receive one telemetry event per recorded outcome and per
	// raised alert. A Prometheus sink is always appended.
	Sinks []Sink
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.BaselineInterval <= 0 {
		c.BaselineInterval = DefaultBaselineInterval
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultAlertCooldown
	}
	if c.Thresholds == (AlertThresholds{}) {
		c.Thresholds = DefaultAlertThresholds()
	}
	return c
}

// Baseline summarizes one operation's rolling window.
type Baseline struct {
	Operation   string        `json:"operation"`
	SampleCount int           `json:"sample_count"`
	AvgDuration time.Duration `json:"avg_duration"`
	SuccessRate float64       `json:"success_rate"`
	Throughput  float64       `json:"throughput"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// PerformanceMonitor defines the interface for recording execution
// outcomes and analyzing them against rolling baselines. It satisfies
// cascade.Monitor, so a registry wired with it records every attempt.
type PerformanceMonitor interface {
	// Wrap times a single stage execution, records its outcome, and
	// returns the callee's result and error unchanged.
	Wrap(ctx context.Context, operation, stage string, tier cascade.QualityTier, fn func(context.Context) (any, error)) (any, cascade.ExecutionOutcome, error)

	// Record folds an already-produced outcome into the rolling window
	// and evaluates the alert rules.
	Record(outcome cascade.ExecutionOutcome)

	// GetBaseline returns the baseline derived from the most recent
	// window for one operation.
	GetBaseline(operation string) (Baseline, bool)

	// GetBaselines returns every operation's baseline, sorted by name.
	GetBaselines() []Baseline

	// ResetBaselines discards all windows, baseline snapshots, and alert
	// state. Called on configuration reload.
	ResetBaselines()

	// GetAlerts returns accumulated alerts, oldest first.
	GetAlerts() []Alert

	// ClearAlerts drops the accumulated alert list.
	ClearAlerts()

	// GetPrometheusRegistry returns the registry backing the built-in
	// Prometheus sink, for exposing via an HTTP handler.
	GetPrometheusRegistry() *prometheus.Registry
}

// performanceMonitor implements the PerformanceMonitor interface.
type performanceMonitor struct {
	cfg Config

	mu        sync.Mutex
	windows   map[string]*window
	baselines map[string]Baseline

	alerts *alertLog
	sinks  []Sink
	prom   *PromSink

	now func() time.Time
}

var _ cascade.Monitor = (*performanceMonitor)(nil)

// NewPerformanceMonitor creates a performance monitor with its own
// Prometheus registry.
func NewPerformanceMonitor(cfg Config) PerformanceMonitor {
	cfg = cfg.withDefaults()
	prom := NewPromSink()
	sinks := make([]Sink, 0, len(cfg.Sinks)+1)
	sinks = append(sinks, cfg.Sinks...)
	sinks = append(sinks, prom)
	return &performanceMonitor{
		cfg:       cfg,
		windows:   make(map[string]*window),
		baselines: make(map[string]Baseline),
		alerts:    newAlertLog(cfg.Cooldown),
		sinks:     sinks,
		prom:      prom,
		now:       time.Now,
	}
}

// Wrap times one stage execution and records its outcome.
func (pm *performanceMonitor) Wrap(ctx context.Context, operation, stage string, tier cascade.QualityTier, fn func(context.Context) (any, error)) (any, cascade.ExecutionOutcome, error) {
	start := pm.now()
	v, err := fn(ctx)
	outcome := cascade.ExecutionOutcome{
		Operation: operation,
		Stage:     stage,
		Tier:      tier,
		StartedAt: start,
		Duration:  pm.now().Sub(start),
		Success:   err == nil,
		Err:       err,
	}
	pm.Record(outcome)
	return v, outcome, err
}

// Record folds an outcome into the rolling window and evaluates alerts.
func (pm *performanceMonitor) Record(outcome cascade.ExecutionOutcome) {
	now := pm.now()

	pm.mu.Lock()
	w := pm.windows[outcome.Operation]
	if w == nil {
		w = &window{max: pm.cfg.WindowSize}
		pm.windows[outcome.Operation] = w
	}
	w.prune(now.Add(-pm.cfg.Retention))
	w.add(sample{at: now, duration: outcome.Duration, success: outcome.Success})

	current := w.stats(outcome.Operation, now)
	base, haveBase := pm.baselines[outcome.Operation]
	if !haveBase {
		pm.baselines[outcome.Operation] = current
	}
	pending := pm.evaluate(outcome.Operation, w, current, base, haveBase, now)
	if haveBase && now.Sub(base.UpdatedAt) >= pm.cfg.BaselineInterval {
		pm.baselines[outcome.Operation] = current
	}
	pm.mu.Unlock()

	pm.emit(outcomeEvent(outcome, now))
	for _, a := range pending {
		if pm.alerts.fire(a) {
			pm.emit(alertEvent(a))
		}
	}
}

// evaluate applies the alert rules to one operation. Caller holds mu.
func (pm *performanceMonitor) evaluate(operation string, w *window, current, base Baseline, haveBase bool, now time.Time) []Alert {
	t := pm.cfg.Thresholds
	var out []Alert

	if t.Degradation > 0 && haveBase && base.AvgDuration > 0 && current.SampleCount >= pm.cfg.MinSamples {
		short := w.shortAvg(shortWindow)
		ratio := float64(short) / float64(base.AvgDuration)
		if ratio > t.Degradation {
			out = append(out, Alert{
				Operation: operation,
				Metric:    MetricDegradation,
				Severity:  SeverityWarning,
				Observed:  ratio,
				Threshold: t.Degradation,
				Message:   fmt.Sprintf("recent executions %.1fx slower than baseline", ratio),
				CreatedAt: now,
			})
		}
	}

	if t.FailureRate > 0 && current.SampleCount >= pm.cfg.MinSamples {
		failed := 1 - current.SuccessRate
		if failed > t.FailureRate {
			out = append(out, Alert{
				Operation: operation,
				Metric:    MetricFailureRate,
				Severity:  SeverityCritical,
				Observed:  failed,
				Threshold: t.FailureRate,
				Message:   fmt.Sprintf("%.0f%% of recent executions failed", failed*100),
				CreatedAt: now,
			})
		}
	}

	if t.ResponseTime > 0 {
		short := w.shortAvg(shortWindow)
		if short > t.ResponseTime {
			out = append(out, Alert{
				Operation: operation,
				Metric:    MetricResponseTime,
				Severity:  SeverityWarning,
				Observed:  short.Seconds(),
				Threshold: t.ResponseTime.Seconds(),
				Message:   fmt.Sprintf("average duration %s exceeds %s", short, t.ResponseTime),
				CreatedAt: now,
			})
		}
	}

	return out
}

// GetBaseline computes the baseline for one operation from its current
// window contents.
func (pm *performanceMonitor) GetBaseline(operation string) (Baseline, bool) {
	now := pm.now()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	w := pm.windows[operation]
	if w == nil {
		return Baseline{}, false
	}
	w.prune(now.Add(-pm.cfg.Retention))
	if len(w.samples) == 0 {
		return Baseline{}, false
	}
	return w.stats(operation, now), true
}

// GetBaselines returns every operation's baseline, sorted by name.
func (pm *performanceMonitor) GetBaselines() []Baseline {
	now := pm.now()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	out := make([]Baseline, 0, len(pm.windows))
	for op, w := range pm.windows {
		w.prune(now.Add(-pm.cfg.Retention))
		if len(w.samples) == 0 {
			continue
		}
		out = append(out, w.stats(op, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// ResetBaselines discards all windows, baseline snapshots and alerts.
func (pm *performanceMonitor) ResetBaselines() {
	pm.mu.Lock()
	pm.windows = make(map[string]*window)
	pm.baselines = make(map[string]Baseline)
	pm.mu.Unlock()

	pm.alerts.reset()
}

// GetAlerts returns accumulated alerts, oldest first.
func (pm *performanceMonitor) GetAlerts() []Alert {
	return pm.alerts.list()
}

// ClearAlerts drops the accumulated alert list. Cooldown state is kept
// so clearing does not re-open the gate for alert storms.
func (pm *performanceMonitor) ClearAlerts() {
	pm.alerts.clear()
}

// GetPrometheusRegistry returns the registry backing the built-in sink.
func (pm *performanceMonitor) GetPrometheusRegistry() *prometheus.Registry {
	return pm.prom.Registry()
}

func (pm *performanceMonitor) emit(ev Event) {
	for _, s := range pm.sinks {
		s.Emit(ev)
	}
}

// sample is one recorded execution.
type sample struct {
	at       time.Time
	duration time.Duration
	success  bool
}

// window is a bounded per-operation sample buffer; oldest samples are
// shifted out once max is reached.
type window struct {
	samples []sample
	max     int
}

func (w *window) add(s sample) {
	if len(w.samples) >= w.max {
		copy(w.samples, w.samples[1:])
		w.samples[len(w.samples)-1] = s
	} else {
		w.samples = append(w.samples, s)
	}
}

// prune drops samples older than cutoff. Samples are appended in time
// order, so only a leading run can be stale.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

func (w *window) stats(operation string, now time.Time) Baseline {
	b := Baseline{Operation: operation, SampleCount: len(w.samples), UpdatedAt: now}
	if len(w.samples) == 0 {
		return b
	}
	var total time.Duration
	succeeded := 0
	for _, s := range w.samples {
		total += s.duration
		if s.success {
			succeeded++
		}
	}
	b.AvgDuration = total / time.Duration(len(w.samples))
	b.SuccessRate = float64(succeeded) / float64(len(w.samples))
	if span := now.Sub(w.samples[0].at); span > 0 {
		b.Throughput = float64(len(w.samples)) / span.Seconds()
	}
	return b
}

// shortAvg averages the most recent n samples.
func (w *window) shortAvg(n int) time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	if n > len(w.samples) {
		n = len(w.samples)
	}
	var total time.Duration
	for _, s := range w.samples[len(w.samples)-n:] {
		total += s.duration
	}
	return total / time.Duration(n)
}

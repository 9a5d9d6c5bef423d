package monitoring

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/allaunthefox/NoDupeLabs-sub001/cascade"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(t *testing.T, cfg Config) (*performanceMonitor, *fakeClock) {
	t.Helper()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	pm := NewPerformanceMonitor(cfg).(*performanceMonitor)
	pm.now = clk.Now
	return pm, clk
}

func recordOutcome(pm *performanceMonitor, operation string, d time.Duration, err error) {
	pm.Record(cascade.ExecutionOutcome{
		Operation: operation,
		Stage:     "stage",
		Tier:      cascade.TierGood,
		Duration:  d,
		Success:   err == nil,
		Err:       err,
	})
}

// captureSink records emitted events for inspection.
type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Emit(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *captureSink) byKind(kind EventKind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestPerformanceMonitorWrapReturnsCalleeResult(t *testing.T) {
	pm, clk := newTestMonitor(t, Config{})

	v, outcome, err := pm.Wrap(context.Background(), "hash", "blake3", cascade.TierBest, func(ctx context.Context) (any, error) {
		clk.Advance(25 * time.Millisecond)
		return "digest", nil
	})
	if err != nil {
		t.Fatalf("Wrap returned error: %v", err)
	}
	if v != "digest" {
		t.Errorf("Expected callee result %q, got %v", "digest", v)
	}
	if !outcome.Success {
		t.Error("Expected a successful outcome")
	}
	if outcome.Operation != "hash" || outcome.Stage != "blake3" || outcome.Tier != cascade.TierBest {
		t.Errorf("Outcome identity wrong: %+v", outcome)
	}
	if outcome.Duration != 25*time.Millisecond {
		t.Errorf("Expected duration 25ms, got %v", outcome.Duration)
	}

	baseline, ok := pm.GetBaseline("hash")
	if !ok {
		t.Fatal("Expected a baseline after one recorded outcome")
	}
	if baseline.SampleCount != 1 {
		t.Errorf("Expected 1 sample, got %d", baseline.SampleCount)
	}
	if baseline.AvgDuration != 25*time.Millisecond {
		t.Errorf("Expected avg duration 25ms, got %v", baseline.AvgDuration)
	}
}

func TestPerformanceMonitorWrapReturnsError(t *testing.T) {
	pm, _ := newTestMonitor(t, Config{})

	wantErr := errors.New("stage broke")
	v, outcome, err := pm.Wrap(context.Background(), "hash", "xxh64", cascade.TierGood, func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Expected the callee error back, got %v", err)
	}
	if v != nil {
		t.Errorf("Expected nil value on failure, got %v", v)
	}
	if outcome.Success {
		t.Error("Expected a failed outcome")
	}
	if outcome.Err == nil {
		t.Error("Expected outcome to carry the error")
	}
}

func TestPerformanceMonitorBaselineReflectsWindow(t *testing.T) {
	pm, clk := newTestMonitor(t, Config{})

	recordOutcome(pm, "hash", 10*time.Millisecond, nil)
	clk.Advance(time.Second)
	recordOutcome(pm, "hash", 20*time.Millisecond, nil)
	clk.Advance(time.Second)
	recordOutcome(pm, "hash", 30*time.Millisecond, nil)
	clk.Advance(time.Second)
	recordOutcome(pm, "hash", 20*time.Millisecond, errors.New("boom"))

	baseline, ok := pm.GetBaseline("hash")
	if !ok {
		t.Fatal("Expected a baseline")
	}
	if baseline.SampleCount != 4 {
		t.Errorf("Expected 4 samples, got %d", baseline.SampleCount)
	}
	if baseline.AvgDuration != 20*time.Millisecond {
		t.Errorf("Expected avg duration 20ms, got %v", baseline.AvgDuration)
	}
	if math.Abs(baseline.SuccessRate-0.75) > 1e-9 {
		t.Errorf("Expected success rate 0.75, got %f", baseline.SuccessRate)
	}
	if baseline.Throughput <= 0 {
		t.Errorf("Expected positive throughput, got %f", baseline.Throughput)
	}

	all := pm.GetBaselines()
	if len(all) != 1 || all[0].Operation != "hash" {
		t.Errorf("Expected one baseline for hash, got %+v", all)
	}

	if _, ok := pm.GetBaseline("missing"); ok {
		t.Error("Expected no baseline for an unknown operation")
	}
}

func TestPerformanceMonitorWindowBounded(t *testing.T) {
	pm, _ := newTestMonitor(t, Config{WindowSize: 4})

	for i := 0; i < 10; i++ {
		recordOutcome(pm, "hash", 10*time.Millisecond, nil)
	}

	baseline, ok := pm.GetBaseline("hash")
	if !ok {
		t.Fatal("Expected a baseline")
	}
	if baseline.SampleCount != 4 {
		t.Errorf("Expected window bounded at 4 samples, got %d", baseline.SampleCount)
	}
}

func TestPerformanceMonitorRetentionPrunesOldSamples(t *testing.T) {
	pm, clk := newTestMonitor(t, Config{Retention: time.Minute})

	recordOutcome(pm, "hash", 10*time.Millisecond, nil)
	clk.Advance(2 * time.Minute)
	recordOutcome(pm, "hash", 30*time.Millisecond, nil)

	baseline, ok := pm.GetBaseline("hash")
	if !ok {
		t.Fatal("Expected a baseline")
	}
	if baseline.SampleCount != 1 {
		t.Errorf("Expected stale sample pruned, got %d samples", baseline.SampleCount)
	}
	if baseline.AvgDuration != 30*time.Millisecond {
		t.Errorf("Expected only the fresh sample, avg %v", baseline.AvgDuration)
	}
}

func TestPerformanceMonitorBaselineExpiresWithRetention(t *testing.T) {
	pm, clk := newTestMonitor(t, Config{Retention: time.Minute})

	recordOutcome(pm, "hash", 10*time.Millisecond, nil)
	clk.Advance(2 * time.Minute)

	if _, ok := pm.GetBaseline("hash"); ok {
		t.Error("Expected baseline to expire once every sample aged out")
	}
}

func TestPerformanceMonitorDegradationAlert(t *testing.T) {
	pm, clk := newTestMonitor(t, Config{
		MinSamples:       1,
		BaselineInterval: time.Hour,
		Thresholds:       AlertThresholds{Degradation: 2.0},
	})

	recordOutcome(pm, "hash", 10*time.Millisecond, nil)
	for i := 0; i < 10; i++ {
		clk.Advance(time.Second)
		recordOutcome(pm, "hash", 100*time.Millisecond, nil)
	}

	alerts := pm.GetAlerts()
	if len(alerts) != 1 {
		t.Fatalf("Expected exactly one alert within cooldown, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Operation != "hash" || a.Metric != MetricDegradation {
		t.Errorf("Unexpected alert identity: %+v", a)
	}
	if a.Severity != SeverityWarning {
		t.Errorf("Expected warning severity, got %s", a.Severity)
	}
	if a.Observed <= a.Threshold {
		t.Errorf("Expected observed %f above threshold %f", a.Observed, a.Threshold)
	}
}

func TestPerformanceMonitorAlertCooldownExpires(t *testing.T) {
	pm, clk := newTestMonitor(t, Config{
		MinSamples:       1,
		BaselineInterval: time.Hour,
		Thresholds:       AlertThresholds{Degradation: 2.0},
	})

	recordOutcome(pm, "hash", 10*time.Millisecond, nil)
	clk.Advance(time.Second)
	recordOutcome(pm, "hash", 100*time.Millisecond, nil)

	if got := len(pm.GetAlerts()); got != 1 {
		t.Fatalf("Expected 1 alert before cooldown expiry, got %d", got)
	}

	clk.Advance(DefaultAlertCooldown)
	recordOutcome(pm, "hash", 100*time.Millisecond, nil)

	if got := len(pm.GetAlerts()); got != 2 {
		t.Errorf("Expected a second alert after cooldown expiry, got %d", got)
	}
}

func TestPerformanceMonitorFailureRateAlert(t *testing.T) {
	pm, _ := newTestMonitor(t, Config{
		MinSamples: 4,
		Thresholds: AlertThresholds{FailureRate: 0.5},
	})

	boom := errors.New("boom")
	recordOutcome(pm, "extract", 10*time.Millisecond, nil)
	recordOutcome(pm, "extract", 10*time.Millisecond, nil)
	recordOutcome(pm, "extract", 10*time.Millisecond, boom)
	recordOutcome(pm, "extract", 10*time.Millisecond, boom)
	recordOutcome(pm, "extract", 10*time.Millisecond, boom)

	alerts := pm.GetAlerts()
	if len(alerts) != 1 {
		t.Fatalf("Expected one failure-rate alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Metric != MetricFailureRate {
		t.Errorf("Expected failure_rate metric, got %s", a.Metric)
	}
	if a.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", a.Severity)
	}
	if math.Abs(a.Observed-0.6) > 1e-9 {
		t.Errorf("Expected observed failure rate 0.6, got %f", a.Observed)
	}
}

func TestPerformanceMonitorResponseTimeAlert(t *testing.T) {
	pm, _ := newTestMonitor(t, Config{
		Thresholds: AlertThresholds{ResponseTime: 50 * time.Millisecond},
	})

	recordOutcome(pm, "hash", 200*time.Millisecond, nil)

	alerts := pm.GetAlerts()
	if len(alerts) != 1 {
		t.Fatalf("Expected one response-time alert, got %d", len(alerts))
	}
	if alerts[0].Metric != MetricResponseTime {
		t.Errorf("Expected response_time metric, got %s", alerts[0].Metric)
	}
}

func TestPerformanceMonitorClearAlertsKeepsCooldown(t *testing.T) {
	pm, _ := newTestMonitor(t, Config{
		Thresholds: AlertThresholds{ResponseTime: 50 * time.Millisecond},
	})

	recordOutcome(pm, "hash", 200*time.Millisecond, nil)
	if got := len(pm.GetAlerts()); got != 1 {
		t.Fatalf("Expected 1 alert, got %d", got)
	}

	pm.ClearAlerts()
	recordOutcome(pm, "hash", 200*time.Millisecond, nil)

	if got := len(pm.GetAlerts()); got != 0 {
		t.Errorf("Expected cooldown to suppress the alert after clearing, got %d", got)
	}
}

func TestPerformanceMonitorResetBaselines(t *testing.T) {
	pm, _ := newTestMonitor(t, Config{
		Thresholds: AlertThresholds{ResponseTime: 50 * time.Millisecond},
	})

	recordOutcome(pm, "hash", 200*time.Millisecond, nil)
	pm.ResetBaselines()

	if _, ok := pm.GetBaseline("hash"); ok {
		t.Error("Expected baselines dropped after reset")
	}
	if got := len(pm.GetAlerts()); got != 0 {
		t.Errorf("Expected alerts dropped after reset, got %d", got)
	}

	// Reset also drops cooldown state, so the rule can fire again.
	recordOutcome(pm, "hash", 200*time.Millisecond, nil)
	if got := len(pm.GetAlerts()); got != 1 {
		t.Errorf("Expected alerting to restart after reset, got %d", got)
	}
}

func TestPerformanceMonitorSinkReceivesEvents(t *testing.T) {
	sink := &captureSink{}
	pm, _ := newTestMonitor(t, Config{
		Sinks:      []Sink{sink},
		Thresholds: AlertThresholds{ResponseTime: 50 * time.Millisecond},
	})

	recordOutcome(pm, "hash", 10*time.Millisecond, nil)
	recordOutcome(pm, "hash", 10*time.Millisecond, nil)
	recordOutcome(pm, "hash", 300*time.Millisecond, errors.New("slow and broken"))

	outcomes := sink.byKind(EventOutcome)
	if len(outcomes) != 3 {
		t.Fatalf("Expected one event per recorded outcome, got %d", len(outcomes))
	}
	last := outcomes[2]
	if last.Stage != "stage" || last.Tier != "good" {
		t.Errorf("Outcome event identity wrong: %+v", last)
	}
	if last.Success || last.Error == "" {
		t.Errorf("Expected failed outcome event with error text, got %+v", last)
	}

	alerts := sink.byKind(EventAlert)
	if len(alerts) != 1 {
		t.Fatalf("Expected one alert event, got %d", len(alerts))
	}
	if alerts[0].Metric != MetricResponseTime {
		t.Errorf("Expected response_time alert event, got %s", alerts[0].Metric)
	}
}

func TestPromSinkCountsEvents(t *testing.T) {
	s := NewPromSink()

	s.Emit(Event{Kind: EventOutcome, Operation: "hash", Stage: "blake3", Success: true, DurationNanos: int64(10 * time.Millisecond)})
	s.Emit(Event{Kind: EventOutcome, Operation: "hash", Stage: "blake3", Success: false, DurationNanos: int64(20 * time.Millisecond)})
	s.Emit(Event{Kind: EventAlert, Operation: "hash", Metric: MetricResponseTime})

	metricFamilies, err := s.Registry().Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	var executions, alerts float64
	var histogramSamples uint64
	for _, mf := range metricFamilies {
		switch *mf.Name {
		case "dedup_cascade_executions_total":
			for _, m := range mf.Metric {
				executions += *m.Counter.Value
			}
		case "dedup_cascade_execution_duration_seconds":
			for _, m := range mf.Metric {
				histogramSamples += *m.Histogram.SampleCount
			}
		case "dedup_performance_alerts_total":
			for _, m := range mf.Metric {
				alerts += *m.Counter.Value
			}
		}
	}

	if executions != 2 {
		t.Errorf("Expected 2 executions counted, got %f", executions)
	}
	if histogramSamples != 2 {
		t.Errorf("Expected 2 duration observations, got %d", histogramSamples)
	}
	if alerts != 1 {
		t.Errorf("Expected 1 alert counted, got %f", alerts)
	}
}

func BenchmarkPerformanceMonitorRecord(b *testing.B) {
	pm := NewPerformanceMonitor(Config{}).(*performanceMonitor)
	outcome := cascade.ExecutionOutcome{
		Operation: "hash",
		Stage:     "blake3",
		Tier:      cascade.TierBest,
		Duration:  10 * time.Millisecond,
		Success:   true,
	}

	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pm.Record(outcome)
		}
	})
}

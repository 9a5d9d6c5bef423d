package monitoring

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/allaunthefox/NoDupeLabs-sub001/cascade"
)

// EventKind distinguishes telemetry events.
type EventKind string

const (
	EventOutcome EventKind = "outcome"
	EventAlert   EventKind = "alert"
)

// Event is the structured telemetry record emitted for every attempted
// execution and every raised alert.
type Event struct {
	Kind          EventKind `json:"kind"`
	Operation     string    `json:"operation"`
	Stage         string    `json:"stage,omitempty"`
	Tier          string    `json:"tier,omitempty"`
	DurationNanos int64     `json:"duration_nanos,omitempty"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	Metric        string    `json:"metric,omitempty"`
	Observed      float64   `json:"observed,omitempty"`
	Threshold     float64   `json:"threshold,omitempty"`
	At            time.Time `json:"at"`
}

// Sink consumes telemetry events. Emit is called on the recording path
// and must not block.
type Sink interface {
	Emit(ev Event)
}

func outcomeEvent(outcome cascade.ExecutionOutcome, at time.Time) Event {
	ev := Event{
		Kind:          EventOutcome,
		Operation:     outcome.Operation,
		Stage:         outcome.Stage,
		Tier:          outcome.Tier.String(),
		DurationNanos: outcome.Duration.Nanoseconds(),
		Success:       outcome.Success,
		At:            at,
	}
	if outcome.Err != nil {
		ev.Error = outcome.Err.Error()
	}
	return ev
}

func alertEvent(a Alert) Event {
	return Event{
		Kind:      EventAlert,
		Operation: a.Operation,
		Metric:    a.Metric,
		Observed:  a.Observed,
		Threshold: a.Threshold,
		At:        a.CreatedAt,
	}
}

// SlogSink writes every telemetry event as one structured log line.
// Outcomes log at debug (info when failed); alerts log at warn.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink over the given logger, or slog.Default()
// when nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Emit implements the Sink interface.
func (s *SlogSink) Emit(ev Event) {
	switch ev.Kind {
	case EventAlert:
		s.logger.Warn("performance alert",
			slog.String("operation", ev.Operation),
			slog.String("metric", ev.Metric),
			slog.Float64("observed", ev.Observed),
			slog.Float64("threshold", ev.Threshold),
		)
	default:
		attrs := []any{
			slog.String("operation", ev.Operation),
			slog.String("stage", ev.Stage),
			slog.String("tier", ev.Tier),
			slog.Duration("duration", time.Duration(ev.DurationNanos)),
		}
		if ev.Success {
			s.logger.Debug("stage execution", attrs...)
		} else {
			s.logger.Info("stage execution failed", append(attrs, slog.String("error", ev.Error))...)
		}
	}
}

// PromSink mirrors telemetry events into Prometheus collectors on a
// private registry.
type PromSink struct {
	registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	alertsTotal       *prometheus.CounterVec
}

// NewPromSink creates a sink with its own Prometheus registry.
func NewPromSink() *PromSink {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &PromSink{
		registry: registry,

		executionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dedup",
			Subsystem: "cascade",
			Name:      "executions_total",
			Help:      "Total number of attempted stage executions",
		}, []string{"operation", "stage", "result"}),

		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dedup",
			Subsystem: "cascade",
			Name:      "execution_duration_seconds",
			Help:      "Stage execution duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}),

		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dedup",
			Subsystem: "performance",
			Name:      "alerts_total",
			Help:      "Total number of raised performance alerts",
		}, []string{"operation", "metric"}),
	}
}

// Emit implements the Sink interface.
func (s *PromSink) Emit(ev Event) {
	switch ev.Kind {
	case EventOutcome:
		result := "success"
		if !ev.Success {
			result = "failure"
		}
		s.executionsTotal.WithLabelValues(ev.Operation, ev.Stage, result).Inc()
		s.executionDuration.WithLabelValues(ev.Operation).Observe(time.Duration(ev.DurationNanos).Seconds())
	case EventAlert:
		s.alertsTotal.WithLabelValues(ev.Operation, ev.Metric).Inc()
	}
}

// Registry returns the registry for exposing via an HTTP handler.
func (s *PromSink) Registry() *prometheus.Registry {
	return s.registry
}

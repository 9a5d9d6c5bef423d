package monitoring

import (
	"sync"
	"time"
)

// DefaultAlertCooldown suppresses repeat alerts for the same operation
// and metric.
const DefaultAlertCooldown = 5 * time.Minute

// maxAlerts bounds the queryable alert list; the oldest entries are
// shifted out beyond it.
const maxAlerts = 128

// Severity classifies an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert metric identifiers.
const (
	MetricDegradation  = "degradation"
	MetricFailureRate  = "failure_rate"
	MetricResponseTime = "response_time"
)

// Alert is one threshold violation observed by the performance monitor.
// Alerts accumulate in a queryable list until cleared; they never
// interrupt execution.
type Alert struct {
	Operation string    `json:"operation"`
	Metric    string    `json:"metric"`
	Severity  Severity  `json:"severity"`
	Observed  float64   `json:"observed"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// alertLog accumulates alerts with a per-operation/metric cooldown.
type alertLog struct {
	mu        sync.Mutex
	alerts    []Alert
	lastFired map[string]time.Time
	cooldown  time.Duration
}

func newAlertLog(cooldown time.Duration) *alertLog {
	return &alertLog{
		lastFired: make(map[string]time.Time),
		cooldown:  cooldown,
	}
}

// fire appends the alert unless one with the same operation and metric
// fired within the cooldown window. Reports whether it was recorded.
func (l *alertLog) fire(a Alert) bool {
	key := a.Operation + "/" + a.Metric

	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.lastFired[key]; ok && a.CreatedAt.Sub(last) < l.cooldown {
		return false
	}
	l.lastFired[key] = a.CreatedAt

	if len(l.alerts) >= maxAlerts {
		copy(l.alerts, l.alerts[1:])
		l.alerts[len(l.alerts)-1] = a
	} else {
		l.alerts = append(l.alerts, a)
	}
	return true
}

// list returns the accumulated alerts, oldest first.
func (l *alertLog) list() []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Alert, len(l.alerts))
	copy(out, l.alerts)
	return out
}

// clear drops the alert list but keeps cooldown state.
func (l *alertLog) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.alerts = nil
}

// reset drops both the alert list and the cooldown state.
func (l *alertLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.alerts = nil
	l.lastFired = make(map[string]time.Time)
}

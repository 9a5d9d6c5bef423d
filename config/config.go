// Package config defines the runtime configuration tree for the
// deduplication engine: cascade behavior, worker pool bounds, performance
// monitoring and hash algorithm selection. Configurations are plain
// values; Manager adds validated hot swapping with change notification.
package config

import (
	"fmt"
	"time"

	"github.com/allaunthefox/NoDupeLabs-sub001/cascade"
)

// Config is the full configuration tree consumed by the engine. The zero
// value is not usable; start from DefaultConfig and override.
type Config struct {
	// AvailabilityTTL is how long a probed stage availability result
	// stays cached before the stage is asked again.
	AvailabilityTTL Duration `json:"availability_ttl" yaml:"availabilityTTL"`

	Cascade     CascadeConfig     `json:"cascade" yaml:"cascade"`
	ThreadPool  ThreadPoolConfig  `json:"thread_pool" yaml:"threadPool"`
	Performance PerformanceConfig `json:"performance" yaml:"performance"`
	Hashing     HashingConfig     `json:"hashing" yaml:"hashing"`
}

// CascadeConfig controls fallback execution.
type CascadeConfig struct {
	// Enabled turns cascading fallback on. When false the engine runs
	// only the optimal stage and surfaces its error directly.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// StageTimeout bounds a single stage attempt. Zero disables the
	// per-attempt timeout.
	StageTimeout Duration `json:"stage_timeout" yaml:"stageTimeout"`
}

// ThreadPoolConfig bounds the shared worker pool and tunes its monitor.
type ThreadPoolConfig struct {
	MinWorkers int `json:"min_workers" yaml:"minWorkers"`
	MaxWorkers int `json:"max_workers" yaml:"maxWorkers"`
	// QueueSize is the task queue capacity. FullQueue selects what
	// Submit does when the queue is full: "block" or "reject".
	QueueSize int    `json:"queue_size" yaml:"queueSize"`
	FullQueue string `json:"full_queue" yaml:"fullQueue"`
	// MonitoringInterval is the resource sampling period of the pool
	// monitor.
	MonitoringInterval Duration `json:"monitoring_interval" yaml:"monitoringInterval"`
	// DegradationThreshold is the per-stage error budget: after this
	// many failures a stage enters degraded mode.
	DegradationThreshold int `json:"degradation_threshold" yaml:"degradationThreshold"`
	// WorkerAdjustmentCooldown rate limits pool resizes; scaling
	// decisions made during the cooldown are deferred, not dropped.
	WorkerAdjustmentCooldown Duration `json:"worker_adjustment_cooldown" yaml:"workerAdjustmentCooldown"`
	// OverloadCPUThreshold and OverloadMemoryThreshold are utilization
	// percentages (0-100] above which the pool scales down.
	OverloadCPUThreshold    float64 `json:"overload_cpu_threshold" yaml:"overloadCpuThreshold"`
	OverloadMemoryThreshold float64 `json:"overload_memory_threshold" yaml:"overloadMemoryThreshold"`
}

// PerformanceConfig drives baseline tracking and alerting.
type PerformanceConfig struct {
	// BaselineUpdateInterval is how often the alerting snapshot of an
	// operation baseline is refreshed.
	BaselineUpdateInterval Duration `json:"baseline_update_interval" yaml:"baselineUpdateInterval"`
	// MetricsRetention caps the age of samples kept in the metric
	// windows.
	MetricsRetention Duration        `json:"metrics_retention" yaml:"metricsRetention"`
	AlertThresholds  AlertThresholds `json:"alert_thresholds" yaml:"alertThresholds"`
}

// AlertThresholds holds the alerting limits. A zero field disables that
// rule.
type AlertThresholds struct {
	// Degradation is the allowed ratio of short-term average duration
	// to the operation baseline.
	Degradation float64 `json:"degradation" yaml:"degradation"`
	// FailureRate is the allowed failed fraction of the sample window.
	FailureRate float64 `json:"failure_rate" yaml:"failureRate"`
	// ResponseTime is the allowed short-term average duration.
	ResponseTime Duration `json:"response_time" yaml:"responseTime"`
}

// HashingConfig selects the hash algorithms used for duplicate
// detection. "auto" lets the cascade pick the best available stage.
type HashingConfig struct {
	// QuickAlgorithm hashes the fixed-size file prefix during candidate
	// filtering.
	QuickAlgorithm string `json:"quick_algorithm" yaml:"quickAlgorithm"`
	// FullAlgorithm hashes entire file contents to confirm duplicates.
	FullAlgorithm string `json:"full_algorithm" yaml:"fullAlgorithm"`
}

// DefaultConfig returns the stock configuration. The values mirror the
// package defaults of cascade, pool and monitoring so that an engine
// built from DefaultConfig behaves like one built with no config at all.
func DefaultConfig() *Config {
	return &Config{
		AvailabilityTTL: Duration(30 * time.Second),
		Cascade: CascadeConfig{
			Enabled:      true,
			StageTimeout: 0, // no per-attempt timeout
		},
		ThreadPool: ThreadPoolConfig{
			MinWorkers:               2,
			MaxWorkers:               8,
			QueueSize:                64,
			FullQueue:                "block",
			MonitoringInterval:       Duration(10 * time.Second),
			DegradationThreshold:     5,
			WorkerAdjustmentCooldown: Duration(30 * time.Second),
			OverloadCPUThreshold:     85,
			OverloadMemoryThreshold:  85,
		},
		Performance: PerformanceConfig{
			BaselineUpdateInterval: Duration(time.Minute),
			MetricsRetention:       Duration(10 * time.Minute),
			AlertThresholds: AlertThresholds{
				Degradation:  2.0,
				FailureRate:  0.5,
				ResponseTime: Duration(30 * time.Second),
			},
		},
		Hashing: HashingConfig{
			QuickAlgorithm: "auto",
			FullAlgorithm:  "auto",
		},
	}
}

// hashAlgorithms lists the accepted values for HashingConfig fields.
// The names match the built-in hash stages plus "auto" for cascade
// selection.
var hashAlgorithms = map[string]bool{
	"auto":   true,
	"blake3": true,
	"xxh64":  true,
	"sha256": true,
}

// Validate checks the whole tree and returns a ConfigurationError naming
// the offending section. Validation is fatal at startup: an engine never
// runs on a config that failed it.
func (c *Config) Validate() error {
	if c.AvailabilityTTL <= 0 {
		return confErr("cascade", "availabilityTTL must be positive, got %s", c.AvailabilityTTL)
	}
	if err := c.Cascade.validate(); err != nil {
		return err
	}
	if err := c.ThreadPool.validate(); err != nil {
		return err
	}
	if err := c.Performance.validate(); err != nil {
		return err
	}
	if err := c.Hashing.validate(); err != nil {
		return err
	}
	return nil
}

func (c *CascadeConfig) validate() error {
	if c.StageTimeout < 0 {
		return confErr("cascade", "stageTimeout must not be negative, got %s", c.StageTimeout)
	}
	return nil
}

func (c *ThreadPoolConfig) validate() error {
	if c.MinWorkers < 1 {
		return confErr("threadPool", "minWorkers must be at least 1, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return confErr("threadPool", "maxWorkers %d below minWorkers %d", c.MaxWorkers, c.MinWorkers)
	}
	if c.QueueSize < 1 {
		return confErr("threadPool", "queueSize must be at least 1, got %d", c.QueueSize)
	}
	if c.FullQueue != "block" && c.FullQueue != "reject" {
		return confErr("threadPool", "fullQueue must be %q or %q, got %q", "block", "reject", c.FullQueue)
	}
	if c.MonitoringInterval <= 0 {
		return confErr("threadPool", "monitoringInterval must be positive, got %s", c.MonitoringInterval)
	}
	if c.DegradationThreshold < 1 {
		return confErr("threadPool", "degradationThreshold must be at least 1, got %d", c.DegradationThreshold)
	}
	if c.WorkerAdjustmentCooldown < 0 {
		return confErr("threadPool", "workerAdjustmentCooldown must not be negative, got %s", c.WorkerAdjustmentCooldown)
	}
	if c.OverloadCPUThreshold <= 0 || c.OverloadCPUThreshold > 100 {
		return confErr("threadPool", "overloadCpuThreshold must be in (0, 100], got %g", c.OverloadCPUThreshold)
	}
	if c.OverloadMemoryThreshold <= 0 || c.OverloadMemoryThreshold > 100 {
		return confErr("threadPool", "overloadMemoryThreshold must be in (0, 100], got %g", c.OverloadMemoryThreshold)
	}
	return nil
}

func (c *PerformanceConfig) validate() error {
	if c.BaselineUpdateInterval <= 0 {
		return confErr("performance", "baselineUpdateInterval must be positive, got %s", c.BaselineUpdateInterval)
	}
	if c.MetricsRetention <= 0 {
		return confErr("performance", "metricsRetention must be positive, got %s", c.MetricsRetention)
	}
	t := c.AlertThresholds
	if t.Degradation < 0 {
		return confErr("performance", "alertThresholds.degradation must not be negative, got %g", t.Degradation)
	}
	if t.FailureRate < 0 || t.FailureRate > 1 {
		return confErr("performance", "alertThresholds.failureRate must be in [0, 1], got %g", t.FailureRate)
	}
	if t.ResponseTime < 0 {
		return confErr("performance", "alertThresholds.responseTime must not be negative, got %s", t.ResponseTime)
	}
	return nil
}

func (c *HashingConfig) validate() error {
	if !hashAlgorithms[c.QuickAlgorithm] {
		return confErr("hashing", "unknown quickAlgorithm %q", c.QuickAlgorithm)
	}
	if !hashAlgorithms[c.FullAlgorithm] {
		return confErr("hashing", "unknown fullAlgorithm %q", c.FullAlgorithm)
	}
	return nil
}

func confErr(section, format string, args ...any) error {
	return &cascade.ConfigurationError{Op: section, Reason: fmt.Sprintf(format, args...)}
}

// Clone returns an independent copy. Config holds only value fields, so
// a shallow copy is a deep one.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

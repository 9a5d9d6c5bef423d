package cascade

import (
	"context"
	"time"
)

// ExecutionOutcome describes one attempted stage execution. Exactly one
// outcome is produced per attempt; skipped stages produce none.
type ExecutionOutcome struct {
	Operation string
	Stage     string
	Tier      QualityTier
	StartedAt time.Time
	Duration  time.Duration
	Success   bool
	Err       error
}

// Monitor wraps attempted executions to time them and feed telemetry.
// The Registry calls it once per attempt; implementations must invoke fn
// exactly once and return its error unchanged after recording.
type Monitor interface {
	Wrap(ctx context.Context, operation, stage string, tier QualityTier, fn func(context.Context) (any, error)) (any, ExecutionOutcome, error)
}

// nopMonitor times executions without recording them anywhere.
type nopMonitor struct{}

func (nopMonitor) Wrap(ctx context.Context, operation, stage string, tier QualityTier, fn func(context.Context) (any, error)) (any, ExecutionOutcome, error) {
	start := time.Now()
	v, err := fn(ctx)
	return v, ExecutionOutcome{
		Operation: operation,
		Stage:     stage,
		Tier:      tier,
		StartedAt: start,
		Duration:  time.Since(start),
		Success:   err == nil,
		Err:       err,
	}, err
}

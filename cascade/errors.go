package cascade

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownOperation is returned when no stage was ever registered
	// for the requested operation.
	ErrUnknownOperation = errors.New("cascade: unknown operation")

	// ErrNoStageAvailable is returned by selection when every registered
	// stage is ruled out by tier, requirements or availability.
	ErrNoStageAvailable = errors.New("cascade: no stage available")

	// ErrStageDisabled marks a stage that was shut off after repeated
	// failures and needs an explicit reset.
	ErrStageDisabled = errors.New("cascade: stage disabled")
)

// ConfigurationError reports a misuse of the registration API, detected
// eagerly so it surfaces during startup rather than at execution time.
type ConfigurationError struct {
	Op     string // operation being configured
	Stage  string // offending stage name, if any
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("cascade: configuration of %q: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("cascade: configuration of %q, stage %q: %s", e.Op, e.Stage, e.Reason)
}

// StageAttempt records one failed candidate during cascade execution.
type StageAttempt struct {
	Stage string
	Tier  QualityTier
	Err   error
}

// ExecutionError is returned when a cascade exhausted every eligible stage
// without success. Attempts lists the stages that ran and their errors;
// it is empty when no stage was eligible at all.
type ExecutionError struct {
	Op       string
	Attempts []StageAttempt
}

func (e *ExecutionError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("cascade: operation %q: no eligible stage", e.Op)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "cascade: operation %q failed after %d stage(s):", e.Op, len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, " %s(%s): %v;", a.Stage, a.Tier, a.Err)
	}
	return strings.TrimSuffix(b.String(), ";")
}

// Unwrap exposes the per-stage errors to errors.Is and errors.As.
func (e *ExecutionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

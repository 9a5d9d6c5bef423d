// Package degrade bounds the blast radius of a repeatedly failing
// component. A Controller tracks consecutive failures and walks the
// component through Normal -> Degraded -> Disabled, one way only: a broken
// component ends up cleanly disabled with a single critical log line
// instead of flapping and flooding the logs. Recovery requires an explicit
// Reset by an operator.
package degrade

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("degrade")

// Phase is the degradation phase of a guarded component.
type Phase int32

const (
	// PhaseNormal - operations run normally, failures are counted.
	PhaseNormal Phase = iota
	// PhaseDegraded - the component runs its reduced-functionality path.
	PhaseDegraded
	// PhaseDisabled - no real work is attempted; calls yield the fallback
	// value. Terminal until Reset.
	PhaseDisabled
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "normal"
	case PhaseDegraded:
		return "degraded"
	case PhaseDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// DefaultMaxErrors is the consecutive-failure budget before degrading.
const DefaultMaxErrors = 5

// Config configures a Controller.
type Config struct {
	// Name identifies the guarded component in logs.
	Name string

	// MaxErrors is how many consecutive failures are tolerated in Normal
	// before the controller degrades. Non-positive means DefaultMaxErrors.
	MaxErrors int

	// Fallback produces the deterministic value returned once Disabled.
	// nil means the zero value.
	Fallback func() any

	// OnTransition is called after every phase change, including Reset.
	OnTransition func(name string, from, to Phase)
}

// State is a point-in-time snapshot of a Controller.
type State struct {
	Phase      Phase
	ErrorCount int
	MaxErrors  int
	DegradedAt time.Time
	DisabledAt time.Time
}

// Controller is the degradation state machine. RecordSuccess and
// RecordFailure are safe to call concurrently from worker goroutines.
type Controller struct {
	name      string
	maxErrors int64
	fallback  func() any
	onChange  func(name string, from, to Phase)

	phase  atomic.Int32
	errors atomic.Int64

	mu         sync.Mutex // guards transitions and timestamps
	degradedAt time.Time
	disabledAt time.Time
}

// New builds a Controller in the Normal phase.
func New(cfg Config) *Controller {
	name := cfg.Name
	if name == "" {
		name = "component"
	}
	maxErrors := cfg.MaxErrors
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	return &Controller{
		name:      name,
		maxErrors: int64(maxErrors),
		fallback:  cfg.Fallback,
		onChange:  cfg.OnTransition,
	}
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

// Disabled reports whether the controller reached its terminal phase.
func (c *Controller) Disabled() bool {
	return c.Phase() == PhaseDisabled
}

// RecordSuccess notes a successful operation. The failure counter resets
// only while Normal; Degraded and Disabled are never left automatically.
func (c *Controller) RecordSuccess() {
	if c.Phase() == PhaseNormal {
		c.errors.Store(0)
	}
}

// RecordFailure notes a failed operation and returns the phase in effect
// afterwards. Crossing the failure budget while Normal degrades the
// component; any failure while Degraded disables it for good.
func (c *Controller) RecordFailure() Phase {
	n := c.errors.Add(1)
	switch c.Phase() {
	case PhaseNormal:
		if n >= c.maxErrors {
			c.transition(PhaseNormal, PhaseDegraded)
		}
	case PhaseDegraded:
		c.transition(PhaseDegraded, PhaseDisabled)
	}
	return c.Phase()
}

// transition moves from -> to if the controller is still in from; the
// check under the lock makes concurrent reporters race safely and keeps
// the per-transition log to a single line.
func (c *Controller) transition(from, to Phase) {
	c.mu.Lock()
	if Phase(c.phase.Load()) != from {
		c.mu.Unlock()
		return
	}
	c.phase.Store(int32(to))
	now := time.Now()
	switch to {
	case PhaseDegraded:
		c.degradedAt = now
	case PhaseDisabled:
		c.disabledAt = now
	}
	c.mu.Unlock()

	switch to {
	case PhaseDegraded:
		log.Warnf("%s degraded after %d consecutive failures, switching to fallback path", c.name, c.errors.Load())
	case PhaseDisabled:
		log.Errorf("%s disabled after failure in degraded mode; further calls return the fallback value until reset", c.name)
	}
	if c.onChange != nil {
		c.onChange(c.name, from, to)
	}
}

// Execute runs primary, or the degraded path once the component is
// Degraded, and reports the result to the state machine. Once Disabled no
// work is attempted and the fallback value is returned with a nil error;
// the same applies to the call whose failure causes the disable. While
// Normal, errors are returned to the caller unchanged.
func (c *Controller) Execute(ctx context.Context, primary, degraded func(context.Context) (any, error)) (any, error) {
	switch c.Phase() {
	case PhaseDisabled:
		return c.fallbackValue(), nil
	case PhaseDegraded:
		fn := degraded
		if fn == nil {
			fn = primary
		}
		v, err := fn(ctx)
		if err != nil {
			c.RecordFailure()
			return c.fallbackValue(), nil
		}
		c.RecordSuccess()
		return v, nil
	default:
		v, err := primary(ctx)
		if err != nil {
			c.RecordFailure()
			return v, err
		}
		c.RecordSuccess()
		return v, nil
	}
}

func (c *Controller) fallbackValue() any {
	if c.fallback == nil {
		return nil
	}
	return c.fallback()
}

// Reset returns the controller to Normal with a clean counter. This is
// the only way out of Disabled.
func (c *Controller) Reset() {
	c.mu.Lock()
	from := Phase(c.phase.Load())
	c.phase.Store(int32(PhaseNormal))
	c.errors.Store(0)
	c.degradedAt = time.Time{}
	c.disabledAt = time.Time{}
	c.mu.Unlock()

	if from != PhaseNormal {
		log.Infof("%s reset to normal", c.name)
		if c.onChange != nil {
			c.onChange(c.name, from, PhaseNormal)
		}
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Phase:      Phase(c.phase.Load()),
		ErrorCount: int(c.errors.Load()),
		MaxErrors:  int(c.maxErrors),
		DegradedAt: c.degradedAt,
		DisabledAt: c.disabledAt,
	}
}

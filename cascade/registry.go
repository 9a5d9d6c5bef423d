// Package cascade selects among interchangeable implementations of an
// operation and executes them with tiered fallback.
//
// Stages register under an operation name with a quality tier. Execution
// tries the best available stage first and falls through to lower tiers on
// failure, so a missing optional dependency or a flaky implementation
// degrades output quality instead of failing the operation. Availability
// probes are cached, and stages that keep failing are taken out of rotation
// by a degradation controller.
package cascade

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/allaunthefox/NoDupeLabs-sub001/degrade"
)

var log = logging.Logger("cascade")

// DefaultMaxStageErrors is the consecutive-failure budget a stage gets
// before its degradation controller steps in.
const DefaultMaxStageErrors = 5

type registeredStage struct {
	stage Stage
	ctrl  *degrade.Controller
	seq   int    // registration order, breaks ties between equal tiers
	key   string // operation-qualified name for the availability cache
}

// Registry holds stages grouped by operation and executes them with
// cascading fallback. Registration happens at startup; execution methods
// are safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	ops  map[string][]*registeredStage
	seq  int
	caps *CapabilitySet

	avail          *AvailabilityCache
	monitor        Monitor
	maxStageErrors int
	stageTimeout   time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithAvailabilityTTL sets how long probe results are cached.
func WithAvailabilityTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.avail = NewAvailabilityCache(ttl) }
}

// WithCapabilities sets the host capability set stages are matched against.
func WithCapabilities(cs *CapabilitySet) Option {
	return func(r *Registry) { r.caps = cs }
}

// WithMonitor installs the performance monitor that wraps every attempt.
func WithMonitor(m Monitor) Option {
	return func(r *Registry) {
		if m != nil {
			r.monitor = m
		}
	}
}

// WithMaxStageErrors sets the consecutive-failure budget per stage.
func WithMaxStageErrors(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxStageErrors = n
		}
	}
}

// WithStageTimeout bounds each execution attempt. A timed-out attempt is
// treated as a stage failure and the cascade moves on. Zero disables it.
func WithStageTimeout(d time.Duration) Option {
	return func(r *Registry) { r.stageTimeout = d }
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		ops:            make(map[string][]*registeredStage),
		caps:           NewCapabilitySet(),
		avail:          NewAvailabilityCache(DefaultAvailabilityTTL),
		monitor:        nopMonitor{},
		maxStageErrors: DefaultMaxStageErrors,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a stage under the operation name. Stage names are unique
// per operation; equal tiers are allowed and tried in registration order.
func (r *Registry) Register(operation string, s Stage) error {
	if operation == "" {
		return &ConfigurationError{Op: operation, Reason: "empty operation name"}
	}
	if s == nil {
		return &ConfigurationError{Op: operation, Reason: "nil stage"}
	}
	name := s.Name()
	if name == "" {
		return &ConfigurationError{Op: operation, Reason: "stage with empty name"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rs := range r.ops[operation] {
		if rs.stage.Name() == name {
			return &ConfigurationError{Op: operation, Stage: name, Reason: "already registered"}
		}
	}

	key := operation + "/" + name
	rs := &registeredStage{
		stage: s,
		seq:   r.seq,
		key:   key,
	}
	rs.ctrl = degrade.New(degrade.Config{
		Name:      key,
		MaxErrors: r.maxStageErrors,
		OnTransition: func(_ string, _, to degrade.Phase) {
			if to == degrade.PhaseDisabled {
				r.avail.PinUnavailable(key)
			}
		},
	})
	r.seq++

	list := append(r.ops[operation], rs)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].stage.Tier() != list[j].stage.Tier() {
			return list[i].stage.Tier() > list[j].stage.Tier()
		}
		return list[i].seq < list[j].seq
	})
	r.ops[operation] = list

	log.Debugf("registered stage %s (tier %s) for operation %s", name, s.Tier(), operation)
	return nil
}

// candidates returns the registered stages for an operation, best first.
func (r *Registry) candidates(operation string) []*registeredStage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.ops[operation]
	out := make([]*registeredStage, len(list))
	copy(out, list)
	return out
}

// eligible reports whether the stage may run right now: not disabled, its
// static requirements hold, and its cached availability probe passes.
func (r *Registry) eligible(ctx context.Context, rs *registeredStage) bool {
	if rs.ctrl.Disabled() {
		return false
	}
	if rr, ok := rs.stage.(RequirementReporter); ok && !r.caps.Satisfies(rr.Requirements()) {
		return false
	}
	return r.avail.IsAvailable(ctx, rs.key, rs.stage.CanOperate)
}

// SelectOptimal returns the best available stage for the operation whose
// tier is at least minTier.
func (r *Registry) SelectOptimal(ctx context.Context, operation string, minTier QualityTier) (Stage, error) {
	list := r.candidates(operation)
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}
	for _, rs := range list {
		if rs.stage.Tier() < minTier {
			// Sorted best to worst, nothing below can qualify.
			break
		}
		if r.eligible(ctx, rs) {
			return rs.stage, nil
		}
	}
	return nil, fmt.Errorf("%w: %q (minimum tier %s)", ErrNoStageAvailable, operation, minTier)
}

// ExecuteCascade runs the operation through its stages from best to worst
// tier until one succeeds. Unavailable stages are skipped without an
// attempt; failing stages are recorded against their degradation
// controller and the next tier is tried. When every candidate is skipped
// or failed, an *ExecutionError listing the attempts is returned.
func (r *Registry) ExecuteCascade(ctx context.Context, operation string, req any) (any, ExecutionOutcome, error) {
	list := r.candidates(operation)
	if len(list) == 0 {
		return nil, ExecutionOutcome{}, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}

	var attempts []StageAttempt
	for _, rs := range list {
		if err := ctx.Err(); err != nil {
			return nil, ExecutionOutcome{}, err
		}
		if !r.eligible(ctx, rs) {
			continue
		}

		result, outcome, err := r.attempt(ctx, operation, rs, req)
		if err == nil {
			rs.ctrl.RecordSuccess()
			return result, outcome, nil
		}
		if ctx.Err() != nil {
			// Caller gave up; not the stage's fault.
			return nil, ExecutionOutcome{}, ctx.Err()
		}

		rs.ctrl.RecordFailure()
		log.Warnf("operation %s: stage %s (tier %s) failed, trying next: %v",
			operation, rs.stage.Name(), rs.stage.Tier(), err)
		attempts = append(attempts, StageAttempt{
			Stage: rs.stage.Name(),
			Tier:  rs.stage.Tier(),
			Err:   err,
		})
	}
	return nil, ExecutionOutcome{}, &ExecutionError{Op: operation, Attempts: attempts}
}

func (r *Registry) attempt(ctx context.Context, operation string, rs *registeredStage, req any) (any, ExecutionOutcome, error) {
	runCtx := ctx
	cancel := func() {}
	if r.stageTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.stageTimeout)
	}
	defer cancel()

	return r.monitor.Wrap(runCtx, operation, rs.stage.Name(), rs.stage.Tier(), func(c context.Context) (any, error) {
		return rs.stage.Execute(c, req)
	})
}

// ResetStage clears a stage's degradation state and unpins its
// availability so the next selection probes it afresh. This is the
// operator path back from Disabled.
func (r *Registry) ResetStage(operation, name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rs := range r.ops[operation] {
		if rs.stage.Name() == name {
			rs.ctrl.Reset()
			r.avail.Unpin(rs.key)
			log.Infof("stage %s reset for operation %s", name, operation)
			return nil
		}
	}
	return fmt.Errorf("%w: %q has no stage %q", ErrUnknownOperation, operation, name)
}

// Invalidate drops the cached availability for one stage of an operation.
func (r *Registry) Invalidate(operation, name string) {
	r.avail.Invalidate(operation + "/" + name)
}

// Operations lists the operation names with at least one registered stage.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ops))
	for op := range r.ops {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// Stages returns the stages registered for an operation, best tier first.
func (r *Registry) Stages(operation string) []Stage {
	list := r.candidates(operation)
	out := make([]Stage, len(list))
	for i, rs := range list {
		out[i] = rs.stage
	}
	return out
}

// StageHealth describes the runtime condition of one registered stage.
type StageHealth struct {
	Operation string
	Stage     string
	Tier      QualityTier
	Phase     degrade.Phase
	Errors    int
}

// Health reports the degradation condition of every registered stage.
func (r *Registry) Health() []StageHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []StageHealth
	for op, list := range r.ops {
		for _, rs := range list {
			st := rs.ctrl.Snapshot()
			out = append(out, StageHealth{
				Operation: op,
				Stage:     rs.stage.Name(),
				Tier:      rs.stage.Tier(),
				Phase:     st.Phase,
				Errors:    st.ErrorCount,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Operation != out[j].Operation {
			return out[i].Operation < out[j].Operation
		}
		return out[i].Tier > out[j].Tier
	})
	return out
}

package cascade

import (
	"context"
)

// Stage is one interchangeable implementation of an operation. Stages are
// registered with a Registry under an operation name and selected by tier.
//
// CanOperate is a potentially expensive environment probe (library presence,
// network reachability). The Registry caches its result; implementations do
// not need to cache internally.
type Stage interface {
	// Name identifies the stage uniquely within its operation.
	Name() string

	// Tier reports the stage's quality ranking among its siblings.
	Tier() QualityTier

	// CanOperate reports whether the stage can currently run.
	CanOperate(ctx context.Context) bool

	// Execute runs the stage against the request. The request and result
	// types are operation-specific and agreed between registrant and caller.
	Execute(ctx context.Context, req any) (any, error)
}

// Requirements are static preconditions a stage declares up front so the
// Registry can rule it out without invoking its probe.
type Requirements struct {
	// Network marks stages that need outbound network access.
	Network bool

	// Capabilities lists identifiers (library names, codec support) that
	// must all be present in the Registry's capability set.
	Capabilities []string
}

// RequirementReporter is implemented by stages that declare static
// requirements. Stages without it are assumed to have none.
type RequirementReporter interface {
	Requirements() Requirements
}

// StageFunc adapts plain functions into a Stage. The zero value is not
// usable; StageName, StageTier and Run must be set.
type StageFunc struct {
	StageName string
	StageTier QualityTier

	// Probe reports availability. nil means always available.
	Probe func(ctx context.Context) bool

	// Run performs the work.
	Run func(ctx context.Context, req any) (any, error)

	// Needs holds static requirements, if any.
	Needs Requirements
}

var _ Stage = (*StageFunc)(nil)
var _ RequirementReporter = (*StageFunc)(nil)

func (s *StageFunc) Name() string      { return s.StageName }
func (s *StageFunc) Tier() QualityTier { return s.StageTier }

func (s *StageFunc) CanOperate(ctx context.Context) bool {
	if s.Probe == nil {
		return true
	}
	return s.Probe(ctx)
}

func (s *StageFunc) Execute(ctx context.Context, req any) (any, error) {
	return s.Run(ctx, req)
}

func (s *StageFunc) Requirements() Requirements { return s.Needs }

// CapabilitySet is the host environment description the Registry checks
// stage requirements against.
type CapabilitySet struct {
	network      bool
	capabilities map[string]struct{}
}

// NewCapabilitySet builds a set with the given capability identifiers.
// Network access defaults to enabled.
func NewCapabilitySet(capabilities ...string) *CapabilitySet {
	cs := &CapabilitySet{
		network:      true,
		capabilities: make(map[string]struct{}, len(capabilities)),
	}
	for _, c := range capabilities {
		cs.capabilities[c] = struct{}{}
	}
	return cs
}

// WithoutNetwork marks the environment as offline and returns the set.
func (cs *CapabilitySet) WithoutNetwork() *CapabilitySet {
	cs.network = false
	return cs
}

// Has reports whether the capability identifier is present.
func (cs *CapabilitySet) Has(capability string) bool {
	if cs == nil {
		return false
	}
	_, ok := cs.capabilities[capability]
	return ok
}

// Satisfies reports whether all of the stage requirements hold.
func (cs *CapabilitySet) Satisfies(req Requirements) bool {
	if req.Network && (cs == nil || !cs.network) {
		return false
	}
	for _, c := range req.Capabilities {
		if !cs.Has(c) {
			return false
		}
	}
	return true
}

package dedup

import (
	"context"
	"fmt"

	"github.com/allaunthefox/NoDupeLabs-sub001/cascade"
)

// ScanRequest is the input type of OpScan stages.
type ScanRequest struct {
	Files []File
}

// progressiveStage runs the three-phase scan. It is the preferred
// duplicate-detection strategy.
type progressiveStage struct {
	det *Detector
}

var _ cascade.Stage = (*progressiveStage)(nil)

// NewProgressiveStage wraps det's three-phase scan as a cascade stage.
func NewProgressiveStage(det *Detector) cascade.Stage {
	return &progressiveStage{det: det}
}

func (s *progressiveStage) Name() string                        { return "progressive" }
func (s *progressiveStage) Tier() cascade.QualityTier           { return cascade.TierBest }
func (s *progressiveStage) CanOperate(ctx context.Context) bool { return true }

func (s *progressiveStage) Execute(ctx context.Context, req any) (any, error) {
	sr, ok := req.(*ScanRequest)
	if !ok {
		return nil, fmt.Errorf("dedup: scan stage wants *ScanRequest, got %T", req)
	}
	return s.det.Detect(ctx, sr.Files)
}

// exhaustiveStage full-hashes every candidate without the size and
// quick-hash pruning phases. It produces the same group membership as
// the progressive scan at a higher IO cost, and exists as the fallback
// tier when the progressive path is ruled out.
type exhaustiveStage struct {
	det *Detector
}

var _ cascade.Stage = (*exhaustiveStage)(nil)

// NewExhaustiveStage wraps det's full-hash-only scan as a cascade stage.
func NewExhaustiveStage(det *Detector) cascade.Stage {
	return &exhaustiveStage{det: det}
}

func (s *exhaustiveStage) Name() string                        { return "exhaustive" }
func (s *exhaustiveStage) Tier() cascade.QualityTier           { return cascade.TierAcceptable }
func (s *exhaustiveStage) CanOperate(ctx context.Context) bool { return true }

func (s *exhaustiveStage) Execute(ctx context.Context, req any) (any, error) {
	sr, ok := req.(*ScanRequest)
	if !ok {
		return nil, fmt.Errorf("dedup: scan stage wants *ScanRequest, got %T", req)
	}
	return s.det.exhaustive(ctx, sr.Files)
}

// RegisterScanStages registers the progressive and exhaustive scan
// stages for OpScan.
func RegisterScanStages(reg *cascade.Registry, det *Detector) error {
	if err := reg.Register(OpScan, NewProgressiveStage(det)); err != nil {
		return err
	}
	return reg.Register(OpScan, NewExhaustiveStage(det))
}

package cascade

// QualityTier ranks interchangeable stage implementations from least to most
// preferred. Higher values are tried first during cascade execution.
type QualityTier int

const (
	// TierMinimal - last-resort implementation, always expected to work
	TierMinimal QualityTier = iota
	// TierAcceptable - universally available implementation
	TierAcceptable
	// TierGood - well-supported, balanced implementation
	TierGood
	// TierBest - preferred implementation when its requirements hold
	TierBest
)

func (t QualityTier) String() string {
	switch t {
	case TierMinimal:
		return "minimal"
	case TierAcceptable:
		return "acceptable"
	case TierGood:
		return "good"
	case TierBest:
		return "best"
	default:
		return "unknown"
	}
}

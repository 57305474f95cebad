package ratelimit

// TierConfig holds the window applied to one workflow complexity tier
type TierConfig struct {
	Limit         int64 // execution starts allowed per window
	WindowSeconds int
}

// tierConfigs maps complexity tiers to their windows. Heavy workflows
// spend model tokens and spawn children, so their window is tightest.
var tierConfigs = map[WorkflowTier]TierConfig{
	TierSimple:   {Limit: 100, WindowSeconds: 60},
	TierStandard: {Limit: 20, WindowSeconds: 60},
	TierHeavy:    {Limit: 5, WindowSeconds: 60},
}

// GetLimitForTier returns the start limit for a tier. Unknown tiers get
// the heavy tier's limit.
func GetLimitForTier(tier WorkflowTier) int64 {
	if config, exists := tierConfigs[tier]; exists {
		return config.Limit
	}
	return tierConfigs[TierHeavy].Limit
}

// GetWindowForTier returns the window length for a tier in seconds
func GetWindowForTier(tier WorkflowTier) int {
	if config, exists := tierConfigs[tier]; exists {
		return config.WindowSeconds
	}
	return tierConfigs[TierHeavy].WindowSeconds
}

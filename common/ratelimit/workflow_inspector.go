package ratelimit

import (
	"strings"

	"github.com/lyzr/nodeflow/common/models"
)

// WorkflowTier represents the rate limit tier based on workflow complexity
type WorkflowTier string

const (
	TierSimple   WorkflowTier = "simple"   // No agent or subworkflow nodes
	TierStandard WorkflowTier = "standard" // 1-2 heavy nodes
	TierHeavy    WorkflowTier = "heavy"    // 3+ heavy nodes
)

// WorkflowProfile contains analysis of a workflow's complexity
type WorkflowProfile struct {
	Tier       WorkflowTier // Determined tier
	HeavyCount int          // Agent + subworkflow nodes
	TotalNodes int
}

// InspectWorkflow determines a workflow's complexity tier from its node list.
// Agent nodes call out to models; subworkflow nodes spawn whole child
// executions. Both count toward the heavy total.
func InspectWorkflow(nodes []models.WorkflowNode) WorkflowProfile {
	profile := WorkflowProfile{Tier: TierSimple, TotalNodes: len(nodes)}

	for _, node := range nodes {
		if isHeavyComponent(node.ComponentType) {
			profile.HeavyCount++
		}
	}

	profile.Tier = determineTier(profile.HeavyCount)
	return profile
}

func isHeavyComponent(componentType string) bool {
	if componentType == "subworkflow" {
		return true
	}
	return strings.HasPrefix(componentType, "agent")
}

// determineTier returns the appropriate tier based on heavy node count
func determineTier(heavyCount int) WorkflowTier {
	switch {
	case heavyCount == 0:
		return TierSimple
	case heavyCount <= 2:
		return TierStandard
	default: // 3+
		return TierHeavy
	}
}

// String returns a human-readable description of the tier
func (t WorkflowTier) String() string {
	switch t {
	case TierSimple:
		return "simple"
	case TierStandard:
		return "standard"
	case TierHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}

package components

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/nodeflow/cmd/engine/condition"
	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
)

// switchComponent evaluates ordered rules against state and routes to
// the first match. The graph author supplies a conditional edge per
// rule id (plus __other__ when fallback is on).
type switchComponent struct {
	nodeID         string
	rules          []condition.Rule
	enableFallback bool
	evaluator      *condition.Evaluator
}

func newSwitch(deps Deps, node *topology.NodeInfo, config map[string]interface{}) (Component, error) {
	if deps.Conditions == nil {
		return nil, Permanentf("switch node %s: no condition evaluator configured", node.NodeID)
	}

	rawRules, ok := configSlice(config, "rules")
	if !ok || len(rawRules) == 0 {
		return nil, Permanentf("switch node %s: config has no rules", node.NodeID)
	}

	encoded, err := json.Marshal(rawRules)
	if err != nil {
		return nil, Permanent(fmt.Errorf("switch node %s: invalid rules: %w", node.NodeID, err))
	}
	var rules []condition.Rule
	if err := json.Unmarshal(encoded, &rules); err != nil {
		return nil, Permanent(fmt.Errorf("switch node %s: invalid rules: %w", node.NodeID, err))
	}
	for i := range rules {
		if rules[i].ID == "" {
			return nil, Permanentf("switch node %s: rule %d has no id", node.NodeID, i)
		}
	}

	fallback := false
	if extra, ok := configMap(config, "extra_config"); ok {
		fallback = configBool(extra, "enable_fallback")
	}

	return &switchComponent{
		nodeID:         node.NodeID,
		rules:          rules,
		enableFallback: fallback,
		evaluator:      deps.Conditions,
	}, nil
}

func (c *switchComponent) Run(ctx context.Context, st *state.State) (map[string]interface{}, error) {
	doc, err := stateDoc(st)
	if err != nil {
		return nil, err
	}

	route, matched, err := c.evaluator.FirstMatch(c.rules, doc)
	if err != nil {
		return nil, fmt.Errorf("switch node %s: %w", c.nodeID, err)
	}
	if !matched {
		if c.enableFallback {
			route = FallbackRoute
		} else {
			route = ""
		}
	}

	return map[string]interface{}{KeyRoute: route}, nil
}

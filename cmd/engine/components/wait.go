package components

import (
	"context"

	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
)

// waitComponent delays advancement by config-specified seconds. The
// delay rides the queue's scheduled set, so the worker slot is freed
// immediately.
type waitComponent struct {
	seconds float64
}

func newWait(deps Deps, node *topology.NodeInfo, config map[string]interface{}) (Component, error) {
	seconds, ok := configNumber(config, "seconds")
	if !ok {
		seconds, ok = configNumber(config, "delay_seconds")
	}
	if !ok || seconds < 0 {
		return nil, Permanentf("wait node %s: config needs a non-negative seconds value", node.NodeID)
	}
	return &waitComponent{seconds: seconds}, nil
}

func (c *waitComponent) Run(ctx context.Context, st *state.State) (map[string]interface{}, error) {
	return map[string]interface{}{KeyDelaySeconds: c.seconds}, nil
}

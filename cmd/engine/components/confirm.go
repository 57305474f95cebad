package components

import (
	"context"
	"strings"

	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
)

// RouteConfirmed and RouteCancelled are the routes a confirm node emits
// once resumed; the graph author wires conditional edges for both.
const (
	RouteConfirmed = "confirmed"
	RouteCancelled = "cancelled"
)

// confirmComponent gates the flow on a human decision. Without resume
// input it signals an interrupt carrying the prompt; once the execution
// is resumed it interprets the user's answer and routes.
type confirmComponent struct {
	nodeID string
	prompt string
}

func newConfirm(deps Deps, node *topology.NodeInfo, config map[string]interface{}) (Component, error) {
	prompt, ok := configString(config, "prompt")
	if !ok {
		prompt = "Confirm to continue?"
	}
	return &confirmComponent{nodeID: node.NodeID, prompt: prompt}, nil
}

func (c *confirmComponent) Run(ctx context.Context, st *state.State) (map[string]interface{}, error) {
	input, ok := st.TakeResumeInput()
	if !ok {
		return map[string]interface{}{
			KeyInterrupt: map[string]interface{}{"prompt": c.prompt},
		}, nil
	}

	confirmed := isAffirmative(input)
	route := RouteCancelled
	if confirmed {
		route = RouteConfirmed
	}

	return map[string]interface{}{
		KeyRoute:    route,
		"confirmed": confirmed,
		"response":  input,
	}, nil
}

func isAffirmative(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "yes", "y", "true", "1", "ok", "confirm", "confirmed", "approve", "approved":
		return true
	}
	return false
}

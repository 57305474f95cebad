package components

import (
	"context"

	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
)

// transformComponent reshapes state into new port data by rendering a
// config template. The template is any JSON value; ${path} expressions
// resolve against the state blob.
type transformComponent struct {
	nodeID   string
	template interface{}
}

func newTransform(deps Deps, node *topology.NodeInfo, config map[string]interface{}) (Component, error) {
	template, ok := config["template"]
	if !ok {
		return nil, Permanentf("transform node %s: config needs a template", node.NodeID)
	}
	return &transformComponent{nodeID: node.NodeID, template: template}, nil
}

func (c *transformComponent) Run(ctx context.Context, st *state.State) (map[string]interface{}, error) {
	doc, err := stateDoc(st)
	if err != nil {
		return nil, err
	}

	rendered, err := renderValue(doc, c.template)
	if err != nil {
		return nil, err
	}

	if m, ok := rendered.(map[string]interface{}); ok {
		return m, nil
	}
	return map[string]interface{}{"value": rendered}, nil
}

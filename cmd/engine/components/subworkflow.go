package components

import (
	"context"

	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
)

// subworkflowComponent runs another workflow as a child execution in
// two phases. First invocation: launch the child and emit the
// _subworkflow suspend signal; the worker parks this node. Second
// invocation (re-enqueued by resume_from_child): pick up the child's
// final output left in _subworkflow_results and return it as port
// data.
type subworkflowComponent struct {
	nodeID   string
	launcher ChildLauncher

	slug         string
	inputMapping map[string]string
	source       string
	payloadPath  string
}

func newSubworkflow(deps Deps, node *topology.NodeInfo, config map[string]interface{}) (Component, error) {
	if deps.Subflows == nil {
		return nil, Permanentf("subworkflow node %s: no child launcher configured", node.NodeID)
	}

	slug, hasSlug := configString(config, "workflow_slug")
	source, hasSource := configString(config, "source")
	if !hasSlug && !hasSource {
		return nil, Permanentf("subworkflow node %s: config needs workflow_slug or source", node.NodeID)
	}

	mapping, _ := configStringMap(config, "input_mapping")
	payloadPath, _ := configString(config, "payload_path")

	return &subworkflowComponent{
		nodeID:       node.NodeID,
		launcher:     deps.Subflows,
		slug:         slug,
		inputMapping: mapping,
		source:       source,
		payloadPath:  payloadPath,
	}, nil
}

func (c *subworkflowComponent) Run(ctx context.Context, st *state.State) (map[string]interface{}, error) {
	if output, ok := st.TakeSubworkflowResult(c.nodeID); ok {
		return map[string]interface{}{"output": output}, nil
	}

	childID, err := c.launcher.Launch(ctx, LaunchRequest{
		ParentExecutionID: st.ExecutionID,
		ParentNodeID:      c.nodeID,
		WorkflowSlug:      c.slug,
		InputMapping:      c.inputMapping,
		Source:            c.source,
		PayloadPath:       c.payloadPath,
		State:             st,
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		KeySubworkflow: map[string]interface{}{"child_execution_id": childID},
	}, nil
}

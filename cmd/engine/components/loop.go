package components

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
)

// loopComponent produces the item list a loop node iterates over,
// either a literal from config or resolved from a state path. The
// scheduler owns the iteration machinery; this component only emits
// the _loop seed.
type loopComponent struct {
	nodeID    string
	items     []interface{}
	itemsPath string
}

func newLoop(deps Deps, node *topology.NodeInfo, config map[string]interface{}) (Component, error) {
	items, hasItems := configSlice(config, "items")
	itemsPath, hasPath := configString(config, "items_path")

	if !hasItems && !hasPath {
		return nil, Permanentf("loop node %s: config needs items or items_path", node.NodeID)
	}

	return &loopComponent{
		nodeID:    node.NodeID,
		items:     items,
		itemsPath: itemsPath,
	}, nil
}

func (c *loopComponent) Run(ctx context.Context, st *state.State) (map[string]interface{}, error) {
	items := c.items

	if c.itemsPath != "" {
		doc, err := stateDoc(st)
		if err != nil {
			return nil, err
		}
		result := gjson.GetBytes(doc, strings.TrimSpace(c.itemsPath))
		if !result.Exists() || !result.IsArray() {
			return nil, Permanentf("loop node %s: items_path %q is not an array in state", c.nodeID, c.itemsPath)
		}
		items = make([]interface{}, 0, len(result.Array()))
		for _, item := range result.Array() {
			items = append(items, item.Value())
		}
	}

	if items == nil {
		items = []interface{}{}
	}

	return map[string]interface{}{
		KeyLoop: map[string]interface{}{"items": items},
	}, nil
}

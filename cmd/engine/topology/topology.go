package topology

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/lyzr/nodeflow/common/models"
)

// Edge is one traversable hop in the main flow, keyed by source in
// EdgesBySource
type Edge struct {
	To             string `json:"to"`
	EdgeType       string `json:"edge_type"`
	ConditionValue string `json:"condition_value,omitempty"`
	Priority       int    `json:"priority"`
}

// SubComponent is a config provider (model, tool, parser) attached to a
// consumer node. Providers are never scheduled; the component factory
// loads their config at invocation time.
type SubComponent struct {
	NodeID            string     `json:"node_id"`
	ComponentType     string     `json:"component_type"`
	Label             string     `json:"label"`
	DBID              int64      `json:"db_id"`
	ComponentConfigID *uuid.UUID `json:"component_config_id,omitempty"`
}

// NodeInfo is the scheduling metadata for one executable node. Config
// holds the node-level overrides so workers only hit the database for
// the shared component defaults.
type NodeInfo struct {
	NodeID            string         `json:"node_id"`
	ComponentType     string         `json:"component_type"`
	DBID              int64          `json:"db_id"`
	ComponentConfigID *uuid.UUID     `json:"component_config_id,omitempty"`
	Config            map[string]any `json:"config,omitempty"`
	InterruptBefore   bool           `json:"interrupt_before"`
	InterruptAfter    bool           `json:"interrupt_after"`
	MaxRetries        *int           `json:"max_retries,omitempty"`
}

// Topology is the compiled routing view of a workflow graph, built once
// per execution and cached in Redis so workers never re-read the graph
// tables mid-flight.
//
// Triggers and pure-config sub-components are excluded: triggers only
// choose the entry nodes, providers are consumed by their consumer's
// factory. Main-flow routing uses EdgesBySource and IncomingCount only;
// loop plumbing and sub-component wiring live in separate collections
// and are invisible to fan-in accounting.
type Topology struct {
	WorkflowSlug string   `json:"workflow_slug"`
	EntryNodeIDs []string `json:"entry_node_ids"`

	Nodes         map[string]*NodeInfo `json:"nodes"`
	EdgesBySource map[string][]Edge    `json:"edges_by_source"`
	IncomingCount map[string]int       `json:"incoming_count"`

	// LoopBodies maps a loop node to the entry nodes of its body subgraph
	LoopBodies map[string][]string `json:"loop_bodies,omitempty"`
	// LoopReturnNodes maps a loop node to the body nodes that close back to it
	LoopReturnNodes map[string][]string `json:"loop_return_nodes,omitempty"`
	// LoopBodyAllNodes maps a loop node to every node inside its body;
	// completion of any of them is handled by the loop machinery, not
	// by normal advancement
	LoopBodyAllNodes map[string][]string `json:"loop_body_all_nodes,omitempty"`

	// SubComponents maps a consumer node to its attached config providers
	SubComponents map[string][]SubComponent `json:"sub_components,omitempty"`
}

// Build compiles workflow nodes and edges into a Topology scoped to the
// trigger that fired. triggerNodeID may be empty for direct starts
// (e.g. sub-workflow children); entries then fall back to zero-incoming
// nodes.
//
// Conditional edges must carry condition_value; the older
// condition_mapping form is rejected outright so stale graphs fail
// loudly at start instead of mis-routing mid-flight.
func Build(workflowSlug, triggerNodeID string, nodes []models.WorkflowNode, edges []models.WorkflowEdge) (*Topology, error) {
	t := &Topology{
		WorkflowSlug:     workflowSlug,
		Nodes:            make(map[string]*NodeInfo),
		EdgesBySource:    make(map[string][]Edge),
		IncomingCount:    make(map[string]int),
		LoopBodies:       make(map[string][]string),
		LoopReturnNodes:  make(map[string][]string),
		LoopBodyAllNodes: make(map[string][]string),
		SubComponents:    make(map[string][]SubComponent),
	}

	// 1. Classify nodes. Providers are recognized by type or by being
	// the source of a sub-component edge (tools have free-form types).
	byID := make(map[string]*models.WorkflowNode, len(nodes))
	providers := make(map[string]bool)
	triggers := make(map[string]bool)
	for i := range nodes {
		n := &nodes[i]
		if _, dup := byID[n.NodeID]; dup {
			return nil, fmt.Errorf("duplicate node id: %s", n.NodeID)
		}
		byID[n.NodeID] = n
		if n.IsSubComponent() {
			providers[n.NodeID] = true
		}
		if n.IsTrigger() {
			triggers[n.NodeID] = true
		}
	}
	for i := range edges {
		if edges[i].IsSubComponentEdge() {
			providers[edges[i].SourceNodeID] = true
		}
	}
	if triggerNodeID != "" && !triggers[triggerNodeID] {
		return nil, fmt.Errorf("trigger node not found in workflow: %s", triggerNodeID)
	}

	// 2. Index executable nodes only
	for i := range nodes {
		n := &nodes[i]
		if triggers[n.NodeID] || providers[n.NodeID] {
			continue
		}
		t.Nodes[n.NodeID] = &NodeInfo{
			NodeID:            n.NodeID,
			ComponentType:     n.ComponentType,
			DBID:              n.NodeDBID,
			ComponentConfigID: n.ComponentConfigID,
			Config:            n.Config,
			InterruptBefore:   n.InterruptBefore,
			InterruptAfter:    n.InterruptAfter,
			MaxRetries:        n.MaxRetries,
		}
	}

	// 3. Partition edges into entry selection, main flow, loop plumbing
	// and sub-component wiring
	for i := range edges {
		e := &edges[i]

		if _, ok := byID[e.SourceNodeID]; !ok {
			return nil, fmt.Errorf("edge %d references non-existent source node: %s", e.EdgeID, e.SourceNodeID)
		}
		if e.TargetNodeID != models.EndSentinel {
			if _, ok := byID[e.TargetNodeID]; !ok {
				return nil, fmt.Errorf("edge %d references non-existent target node: %s", e.EdgeID, e.TargetNodeID)
			}
		}
		if len(e.ConditionMapping) > 0 {
			return nil, fmt.Errorf("edge %s -> %s uses condition_mapping; re-save the workflow with condition_value edges",
				e.SourceNodeID, e.TargetNodeID)
		}

		if e.IsSubComponentEdge() {
			src := byID[e.SourceNodeID]
			t.SubComponents[e.TargetNodeID] = append(t.SubComponents[e.TargetNodeID], SubComponent{
				NodeID:            src.NodeID,
				ComponentType:     src.ComponentType,
				Label:             e.EdgeLabel,
				DBID:              src.NodeDBID,
				ComponentConfigID: src.ComponentConfigID,
			})
			continue
		}

		if triggers[e.SourceNodeID] {
			// Trigger edges only pick entries for the trigger that fired
			if e.SourceNodeID == triggerNodeID && e.TargetNodeID != models.EndSentinel {
				t.EntryNodeIDs = append(t.EntryNodeIDs, e.TargetNodeID)
			}
			continue
		}
		if e.TargetNodeID != models.EndSentinel && triggers[e.TargetNodeID] {
			return nil, fmt.Errorf("edge %s -> %s targets a trigger node", e.SourceNodeID, e.TargetNodeID)
		}
		if providers[e.SourceNodeID] || (e.TargetNodeID != models.EndSentinel && providers[e.TargetNodeID]) {
			return nil, fmt.Errorf("edge %s -> %s connects a sub-component outside provider wiring",
				e.SourceNodeID, e.TargetNodeID)
		}

		switch e.EdgeLabel {
		case models.EdgeLabelLoopBody:
			t.LoopBodies[e.SourceNodeID] = append(t.LoopBodies[e.SourceNodeID], e.TargetNodeID)

		case models.EdgeLabelLoopReturn:
			t.LoopReturnNodes[e.TargetNodeID] = append(t.LoopReturnNodes[e.TargetNodeID], e.SourceNodeID)

		default:
			if e.EdgeType == models.EdgeTypeConditional && e.ConditionValue == "" {
				return nil, fmt.Errorf("conditional edge %s -> %s has no condition_value",
					e.SourceNodeID, e.TargetNodeID)
			}
			t.EdgesBySource[e.SourceNodeID] = append(t.EdgesBySource[e.SourceNodeID], Edge{
				To:             e.TargetNodeID,
				EdgeType:       e.EdgeType,
				ConditionValue: e.ConditionValue,
				Priority:       e.Priority,
			})
			if e.TargetNodeID != models.EndSentinel {
				t.IncomingCount[e.TargetNodeID]++
			}
		}
	}

	// 4. Conditional edges fire in priority order
	for source := range t.EdgesBySource {
		out := t.EdgesBySource[source]
		sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	}

	// 5. Resolve loop membership before entry fallback so body entry
	// nodes (zero main-flow incoming) are not mistaken for entries
	if err := t.resolveLoopMembers(); err != nil {
		return nil, err
	}

	// 6. Entry fallback for direct starts: zero-incoming executable
	// nodes outside any loop body
	if triggerNodeID == "" {
		memberOf := make(map[string]bool)
		for _, members := range t.LoopBodyAllNodes {
			for _, m := range members {
				memberOf[m] = true
			}
		}
		for i := range nodes {
			n := &nodes[i]
			if _, executable := t.Nodes[n.NodeID]; !executable {
				continue
			}
			if t.IncomingCount[n.NodeID] > 0 || memberOf[n.NodeID] {
				continue
			}
			t.EntryNodeIDs = append(t.EntryNodeIDs, n.NodeID)
		}
		sort.Strings(t.EntryNodeIDs)
	}
	t.EntryNodeIDs = dedupe(t.EntryNodeIDs)

	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// resolveLoopMembers walks each loop body from its entry nodes along
// main-flow edges. The loop_return edge is not in EdgesBySource, so the
// walk naturally terminates at the body's last nodes.
func (t *Topology) resolveLoopMembers() error {
	for loopID, entries := range t.LoopBodies {
		node, ok := t.Nodes[loopID]
		if !ok {
			return fmt.Errorf("loop_body edge originates from non-executable node: %s", loopID)
		}
		if node.ComponentType != "loop" {
			return fmt.Errorf("node %s has loop_body edges but component type %q", loopID, node.ComponentType)
		}

		visited := make(map[string]bool)
		queue := append([]string(nil), entries...)
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			if current == models.EndSentinel || current == loopID || visited[current] {
				continue
			}
			visited[current] = true
			for _, edge := range t.EdgesBySource[current] {
				queue = append(queue, edge.To)
			}
		}

		members := make([]string, 0, len(visited))
		for id := range visited {
			members = append(members, id)
		}
		sort.Strings(members)
		t.LoopBodyAllNodes[loopID] = members
	}

	for loopID := range t.LoopReturnNodes {
		if _, ok := t.LoopBodies[loopID]; !ok {
			return fmt.Errorf("loop_return edges target %s which has no loop body", loopID)
		}
	}
	return nil
}

// validate checks the compiled topology for correctness
func (t *Topology) validate() error {
	// 1. Must have somewhere to start
	if len(t.EntryNodeIDs) == 0 {
		return fmt.Errorf("workflow has no entry nodes")
	}
	for _, entry := range t.EntryNodeIDs {
		if _, ok := t.Nodes[entry]; !ok {
			return fmt.Errorf("entry node %s is not an executable node", entry)
		}
	}

	// 2. Main flow must be acyclic; loops close their cycle through
	// loop_return edges which are excluded from EdgesBySource
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(nodeID string) bool
	hasCycle = func(nodeID string) bool {
		visited[nodeID] = true
		recStack[nodeID] = true
		for _, edge := range t.EdgesBySource[nodeID] {
			if edge.To == models.EndSentinel {
				continue
			}
			if !visited[edge.To] {
				if hasCycle(edge.To) {
					return true
				}
			} else if recStack[edge.To] {
				return true
			}
		}
		recStack[nodeID] = false
		return false
	}

	for nodeID := range t.Nodes {
		if !visited[nodeID] {
			if hasCycle(nodeID) {
				return fmt.Errorf("workflow contains a cycle outside loop constructs")
			}
		}
	}

	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Node returns metadata for an executable node id
func (t *Topology) Node(nodeID string) (*NodeInfo, bool) {
	n, ok := t.Nodes[nodeID]
	return n, ok
}

// Successors returns the main-flow edges leaving a node, in priority order
func (t *Topology) Successors(nodeID string) []Edge {
	return t.EdgesBySource[nodeID]
}

// LoopForMember returns the loop whose body contains the node, if any
func (t *Topology) LoopForMember(nodeID string) (string, bool) {
	for loopID, members := range t.LoopBodyAllNodes {
		for _, m := range members {
			if m == nodeID {
				return loopID, true
			}
		}
	}
	return "", false
}

// BodyTargets returns the immediate body entry nodes of a loop
func (t *Topology) BodyTargets(loopID string) []string {
	return t.LoopBodies[loopID]
}

// IterationSignalCount is the number of body completions that end one
// iteration: the loop_return nodes, or the body entry targets when the
// body declares no explicit return nodes.
func (t *Topology) IterationSignalCount(loopID string) int {
	if n := len(t.LoopReturnNodes[loopID]); n > 0 {
		return n
	}
	return len(t.LoopBodies[loopID])
}

package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/lyzr/nodeflow/cmd/engine/components"
	"github.com/lyzr/nodeflow/cmd/engine/state"
)

// outcome carries the orchestration signals stripped from a component
// result; everything else became port data already applied to state.
type outcome struct {
	portData  map[string]interface{}
	delay     time.Duration
	loopSeed  bool
	loopItems []interface{}
	suspend   map[string]interface{}
	interrupt map[string]interface{}
}

// applyResult folds a component result into state. A legacy result
// (top-level node_outputs key) merges wholesale under the typed merge
// rules; a typed result has its underscore keys stripped and
// interpreted, the remainder becoming the node's port data. An empty
// result changes nothing.
//
// Contract violations are permanent: a component returning a malformed
// signal will return it again on every retry.
func applyResult(st *state.State, nodeID string, result map[string]interface{}) (*outcome, error) {
	out := &outcome{}
	if len(result) == 0 {
		return out, nil
	}

	if _, legacy := result["node_outputs"]; legacy {
		if err := st.Merge(result); err != nil {
			return nil, fmt.Errorf("failed to merge result from node %s: %w", nodeID, err)
		}
		return out, nil
	}

	portData := make(map[string]interface{})
	for key, value := range result {
		switch key {
		case components.KeyRoute:
			route, ok := value.(string)
			if !ok {
				return nil, components.Permanentf("node %s returned a non-string _route", nodeID)
			}
			st.Route = route

		case components.KeyMessages:
			messages, err := state.ToMessages(value)
			if err != nil {
				return nil, components.Permanent(fmt.Errorf("node %s returned invalid _messages: %w", nodeID, err))
			}
			st.AppendMessages(messages...)

		case components.KeyStatePatch:
			patch, ok := value.(map[string]interface{})
			if !ok {
				return nil, components.Permanentf("node %s returned a non-object _state_patch", nodeID)
			}
			st.ApplyPatch(patch)

		case components.KeyDelaySeconds:
			out.delay = secondsToDuration(value)

		case components.KeySubworkflow:
			signal, ok := value.(map[string]interface{})
			if !ok {
				return nil, components.Permanentf("node %s returned a non-object _subworkflow", nodeID)
			}
			out.suspend = signal

		case components.KeyLoop:
			signal, ok := value.(map[string]interface{})
			if !ok {
				return nil, components.Permanentf("node %s returned a non-object _loop", nodeID)
			}
			items, ok := signal["items"].([]interface{})
			if !ok {
				return nil, components.Permanentf("node %s returned _loop without an items array", nodeID)
			}
			out.loopSeed = true
			out.loopItems = items

		case components.KeyUsage:
			usage, err := state.ToUsage(value)
			if err != nil {
				return nil, components.Permanent(fmt.Errorf("node %s returned invalid _usage: %w", nodeID, err))
			}
			st.TokenUsage.Add(usage)

		case components.KeyInterrupt:
			signal, _ := value.(map[string]interface{})
			if signal == nil {
				signal = map[string]interface{}{}
			}
			out.interrupt = signal

		default:
			if strings.HasPrefix(key, "_") {
				// Unknown orchestration keys must not leak into port data
				continue
			}
			portData[key] = value
		}
	}

	if len(portData) > 0 {
		st.SetNodeOutput(nodeID, portData)
		out.portData = portData
	}
	return out, nil
}

// secondsToDuration converts a JSON number of seconds into a duration,
// clamping negatives to zero
func secondsToDuration(value interface{}) time.Duration {
	var seconds float64
	switch v := value.(type) {
	case float64:
		seconds = v
	case int:
		seconds = float64(v)
	case int64:
		seconds = float64(v)
	}
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

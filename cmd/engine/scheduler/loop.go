package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/lyzr/nodeflow/cmd/engine/coordination"
	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
	"github.com/lyzr/nodeflow/common/redis"
)

// SeedLoop stores a freshly produced item list and schedules the first
// iteration's body. Empty item lists (or loops without body edges)
// short-circuit: the loop records an empty result set and control passes
// along its normal outbound edges. The loop node's own inflight slot is
// released on every path.
func (s *Scheduler) SeedLoop(ctx context.Context, executionID, loopID string, items []interface{}, topo *topology.Topology, st *state.State, delay time.Duration) error {
	bodyTargets := topo.BodyTargets(loopID)

	if len(items) == 0 || len(bodyTargets) == 0 {
		st.Loop = nil
		st.SetNodeOutput(loopID, map[string]interface{}{"results": []interface{}{}})
		if err := s.states.Save(ctx, executionID, st); err != nil {
			return err
		}
		return s.Advance(ctx, executionID, loopID, topo, st, delay)
	}

	lc := &coordination.LoopContext{
		Items:       items,
		Index:       0,
		Results:     []interface{}{},
		BodyTargets: bodyTargets,
	}
	if err := s.coord.SetLoopContext(ctx, executionID, loopID, lc); err != nil {
		return err
	}

	st.Loop = &state.LoopView{Index: 0, Item: items[0], Items: items}
	if err := s.states.Save(ctx, executionID, st); err != nil {
		return err
	}

	for _, target := range bodyTargets {
		if err := s.enqueueNode(ctx, executionID, target, delay); err != nil {
			return err
		}
	}

	s.logger.Info("loop seeded",
		"execution_id", executionID,
		"loop_id", loopID,
		"items", len(items),
		"body_targets", len(bodyTargets))

	return s.DecrementAndMaybeFinalize(ctx, executionID)
}

// loopBodyStep handles a completed loop-body member: its in-body successors
// advance normally, and when the member is an iteration signal the
// iteration-done counter moves. Reaching the signal count exactly once per
// iteration triggers loop_next_iteration; later stragglers overshoot the
// counter and change nothing.
func (s *Scheduler) loopBodyStep(ctx context.Context, executionID, loopID, fromNode string, topo *topology.Topology, st *state.State, delay time.Duration) error {
	enqueued, err := s.advanceEdges(ctx, executionID, fromNode, topo, st, delay)
	if err != nil {
		return err
	}
	if !iterationSignal(topo, loopID, fromNode, enqueued) {
		return nil
	}

	lc, err := s.coord.GetLoopContext(ctx, executionID, loopID)
	if errors.Is(err, redis.ErrKeyNotFound) {
		s.logger.Warn("loop context missing for body completion",
			"execution_id", executionID,
			"loop_id", loopID,
			"node_id", fromNode)
		return nil
	}
	if err != nil {
		return err
	}

	done, err := s.coord.IncrementIterationDone(ctx, executionID, loopID, lc.Index)
	if err != nil {
		return err
	}
	if done != int64(topo.IterationSignalCount(loopID)) {
		s.logger.Debug("loop iteration waiting for remaining body nodes",
			"execution_id", executionID,
			"loop_id", loopID,
			"index", lc.Index,
			"done", done)
		return nil
	}

	return s.loopNextIteration(ctx, executionID, loopID, topo, st, lc, delay)
}

// loopNextIteration records the finished iteration's results and either
// re-seeds the body for the next item or exits the loop through its normal
// outbound edges.
func (s *Scheduler) loopNextIteration(ctx context.Context, executionID, loopID string, topo *topology.Topology, st *state.State, lc *coordination.LoopContext, delay time.Duration) error {
	snapshot := make(map[string]interface{}, len(lc.BodyTargets)+1)
	for _, target := range lc.BodyTargets {
		if out, ok := st.NodeOutput(target); ok {
			snapshot[target] = out
		}
	}
	if errs := st.TakeLoopErrors(loopID); len(errs) > 0 {
		snapshot["_errors"] = errs
	}
	lc.Results = append(lc.Results, snapshot)
	lc.Index++

	if lc.Index < len(lc.Items) {
		if err := s.coord.SetLoopContext(ctx, executionID, loopID, lc); err != nil {
			return err
		}
		st.Loop = &state.LoopView{Index: lc.Index, Item: lc.Items[lc.Index], Items: lc.Items}
		if err := s.states.Save(ctx, executionID, st); err != nil {
			return err
		}
		// Body nodes must come out of the completed set or the next
		// iteration's advancement would dedupe them away.
		if err := s.coord.ClearCompleted(ctx, executionID, loopMembersTransitive(topo, loopID)...); err != nil {
			return err
		}
		for _, target := range lc.BodyTargets {
			if err := s.enqueueNode(ctx, executionID, target, delay); err != nil {
				return err
			}
		}

		s.logger.Debug("loop iteration advanced",
			"execution_id", executionID,
			"loop_id", loopID,
			"index", lc.Index,
			"total", len(lc.Items))
		return nil
	}

	st.Loop = enclosingLoopView(ctx, s, executionID, loopID, topo)
	st.SetNodeOutput(loopID, map[string]interface{}{"results": lc.Results})
	if err := s.states.Save(ctx, executionID, st); err != nil {
		return err
	}
	if err := s.coord.DeleteLoopContext(ctx, executionID, loopID); err != nil {
		return err
	}

	first, err := s.coord.MarkCompleted(ctx, executionID, loopID)
	if err != nil {
		return err
	}
	if !first {
		s.logger.Warn("loop already completed, skipping advancement",
			"execution_id", executionID,
			"loop_id", loopID)
		return nil
	}

	s.logger.Info("loop finished",
		"execution_id", executionID,
		"loop_id", loopID,
		"iterations", len(lc.Results))

	return s.routeAfter(ctx, executionID, loopID, topo, st, delay)
}

// iterationSignal reports whether a body member's completion counts toward
// the iteration-done threshold. Declared return nodes are the signals;
// a body without them signals from its chain tails, the members that
// scheduled no in-body successor.
func iterationSignal(topo *topology.Topology, loopID, fromNode string, enqueued int) bool {
	if returns := topo.LoopReturnNodes[loopID]; len(returns) > 0 {
		for _, r := range returns {
			if r == fromNode {
				return true
			}
		}
		return false
	}
	return enqueued == 0
}

// loopMembersTransitive lists a loop's body members plus the members of any
// loops nested inside that body, so a re-seed clears every completed mark
// the previous iteration could have left.
func loopMembersTransitive(topo *topology.Topology, loopID string) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(id string)
	walk = func(id string) {
		for _, m := range topo.LoopBodyAllNodes[id] {
			if seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
			if _, nested := topo.LoopBodyAllNodes[m]; nested {
				walk(m)
			}
		}
	}
	walk(loopID)
	return out
}

// enclosingLoopView restores the loop view of an enclosing loop when a
// nested loop exits, so later members of the outer body still see the
// outer iteration's item. Top-level loops clear the view.
func enclosingLoopView(ctx context.Context, s *Scheduler, executionID, loopID string, topo *topology.Topology) *state.LoopView {
	outerID, ok := topo.LoopForMember(loopID)
	if !ok {
		return nil
	}
	outer, err := s.coord.GetLoopContext(ctx, executionID, outerID)
	if err != nil || outer.Index >= len(outer.Items) {
		return nil
	}
	return &state.LoopView{Index: outer.Index, Item: outer.Items[outer.Index], Items: outer.Items}
}

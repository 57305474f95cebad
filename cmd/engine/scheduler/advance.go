package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
	"github.com/lyzr/nodeflow/common/models"
	"github.com/lyzr/nodeflow/common/queue"
)

// Advance routes control past a completed node: successors are scheduled
// along matching edges (loop-body members go through the loop machinery
// instead), then the node's inflight slot is released, finalizing the
// execution when that slot was the last.
//
// The completed-set mark makes a redelivered job a complete no-op: no
// successor enqueue, no decrement. Successor increments always happen
// before the completing node's decrement so the counter can never touch
// zero while work remains.
func (s *Scheduler) Advance(ctx context.Context, executionID, fromNode string, topo *topology.Topology, st *state.State, delay time.Duration) error {
	first, err := s.coord.MarkCompleted(ctx, executionID, fromNode)
	if err != nil {
		return err
	}
	if !first {
		s.logger.Warn("node already completed, skipping advancement",
			"execution_id", executionID,
			"node_id", fromNode)
		return nil
	}

	if err := s.routeAfter(ctx, executionID, fromNode, topo, st, delay); err != nil {
		return err
	}
	return s.DecrementAndMaybeFinalize(ctx, executionID)
}

// DecrementAndMaybeFinalize releases one inflight slot and finalizes the
// execution when nothing remains enqueued or running.
func (s *Scheduler) DecrementAndMaybeFinalize(ctx context.Context, executionID string) error {
	count, err := s.coord.DecrementInflight(ctx, executionID)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return s.Finalize(ctx, executionID)
}

// routeAfter schedules whatever follows a completed node: enclosing-loop
// accounting for body members, plain edge advancement for everything else.
// It never touches the completing node's inflight slot.
func (s *Scheduler) routeAfter(ctx context.Context, executionID, fromNode string, topo *topology.Topology, st *state.State, delay time.Duration) error {
	if loopID, ok := topo.LoopForMember(fromNode); ok {
		return s.loopBodyStep(ctx, executionID, loopID, fromNode, topo, st, delay)
	}
	_, err := s.advanceEdges(ctx, executionID, fromNode, topo, st, delay)
	return err
}

// advanceEdges schedules the main-flow successors of a node. Conditional
// edges fire only when their condition_value equals the current route; the
// __end__ sentinel contributes nothing. Returns how many targets were
// actually enqueued; fan-in arrivals still waiting on other branches do
// not count.
func (s *Scheduler) advanceEdges(ctx context.Context, executionID, fromNode string, topo *topology.Topology, st *state.State, delay time.Duration) (int, error) {
	edges := topo.Successors(fromNode)
	enqueued := 0
	for _, edge := range edges {
		if edge.EdgeType == models.EdgeTypeConditional && edge.ConditionValue != st.Route {
			continue
		}
		if edge.To == models.EndSentinel {
			continue
		}
		scheduled, err := s.scheduleTarget(ctx, executionID, edge.To, topo, delay)
		if err != nil {
			return enqueued, err
		}
		if scheduled {
			enqueued++
		}
	}

	if enqueued == 0 && len(edges) > 0 {
		s.logger.Debug("no successors scheduled",
			"execution_id", executionID,
			"node_id", fromNode,
			"route", st.Route)
	}
	return enqueued, nil
}

// scheduleTarget enqueues one successor, arming the fan-in counter first
// when the target joins multiple branches. Returns false while the target
// is still waiting on other parents.
func (s *Scheduler) scheduleTarget(ctx context.Context, executionID, nodeID string, topo *topology.Topology, delay time.Duration) (bool, error) {
	if incoming := topo.IncomingCount[nodeID]; incoming > 1 {
		arrivals, err := s.coord.IncrementFanin(ctx, executionID, nodeID)
		if err != nil {
			return false, err
		}
		if arrivals < int64(incoming) {
			s.logger.Debug("fan-in waiting for remaining branches",
				"execution_id", executionID,
				"node_id", nodeID,
				"arrivals", arrivals,
				"incoming", incoming)
			return false, nil
		}
		if err := s.coord.ClearFanin(ctx, executionID, nodeID); err != nil {
			return false, err
		}
	}

	if err := s.enqueueNode(ctx, executionID, nodeID, delay); err != nil {
		return false, err
	}
	return true, nil
}

// enqueueNode reserves an inflight slot and enqueues an execute_node job.
// A failed enqueue releases the slot again so the counter never leaks.
func (s *Scheduler) enqueueNode(ctx context.Context, executionID, nodeID string, delay time.Duration) error {
	if _, err := s.coord.IncrementInflight(ctx, executionID); err != nil {
		return err
	}

	job := &queue.Job{
		Type:        queue.TypeExecuteNode,
		ExecutionID: executionID,
		NodeID:      nodeID,
	}
	var err error
	if delay > 0 {
		err = s.queue.EnqueueIn(ctx, delay, job)
	} else {
		err = s.queue.Enqueue(ctx, job)
	}
	if err != nil {
		if _, derr := s.coord.DecrementInflight(ctx, executionID); derr != nil {
			s.logger.Error("failed to roll back inflight after enqueue failure",
				"execution_id", executionID,
				"node_id", nodeID,
				"error", derr)
		}
		return fmt.Errorf("failed to enqueue node %s: %w", nodeID, err)
	}
	return nil
}

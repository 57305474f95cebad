package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/nodeflow/cmd/engine/coordination"
	"github.com/lyzr/nodeflow/cmd/engine/events"
	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
	"github.com/lyzr/nodeflow/common/models"
	"github.com/lyzr/nodeflow/common/queue"
	"github.com/lyzr/nodeflow/common/redis"
	"github.com/lyzr/nodeflow/common/repository"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Info(msg string, keysAndValues ...interface{}) {}
func (l *testLogger) Error(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[ERROR] %s %v", msg, keysAndValues)
}
func (l *testLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[WARN] %s %v", msg, keysAndValues)
}
func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) {}

type fakeExecutions struct {
	mu    sync.Mutex
	execs map[uuid.UUID]*models.Execution
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{execs: make(map[uuid.UUID]*models.Execution)}
}

func (f *fakeExecutions) put(exec *models.Execution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs[exec.ExecutionID] = exec
}

func (f *fakeExecutions) setStatus(id uuid.UUID, status models.ExecutionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs[id].Status = status
}

func (f *fakeExecutions) get(t *testing.T, id uuid.UUID) *models.Execution {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	require.True(t, ok, "execution %s not found", id)
	cp := *exec
	return &cp
}

func (f *fakeExecutions) GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, repository.ErrNotFound)
	}
	cp := *exec
	return &cp, nil
}

func (f *fakeExecutions) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	if !ok || exec.Status != models.StatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	exec.Status = models.StatusRunning
	exec.StartedAt = &now
	return true, nil
}

func (f *fakeExecutions) MarkTerminal(ctx context.Context, id uuid.UUID, upd repository.TerminalUpdate) (bool, error) {
	if !upd.Status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", upd.Status)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	if !ok || exec.Status.IsTerminal() {
		return false, nil
	}
	now := time.Now().UTC()
	exec.Status = upd.Status
	exec.ErrorMessage = upd.ErrorMessage
	exec.FinalOutput = upd.FinalOutput
	exec.TotalInputTokens = upd.TotalInputTokens
	exec.TotalOutputTokens = upd.TotalOutputTokens
	exec.TotalTokens = upd.TotalTokens
	exec.TotalCostUSD = upd.TotalCostUSD
	exec.LLMCalls = upd.LLMCalls
	exec.CompletedAt = &now
	return true, nil
}

func (f *fakeExecutions) UpdateStatusIf(ctx context.Context, id uuid.UUID, to models.ExecutionStatus, from ...models.ExecutionStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	if !ok {
		return false, nil
	}
	for _, status := range from {
		if exec.Status == status {
			exec.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeExecutions) ListLiveChildren(ctx context.Context, parent uuid.UUID) ([]*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Execution
	for _, exec := range f.execs {
		if exec.ParentExecutionID != nil && *exec.ParentExecutionID == parent && !exec.Status.IsTerminal() {
			cp := *exec
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeWorkflows struct {
	workflows map[uuid.UUID]*models.Workflow
	nodes     map[uuid.UUID][]*models.WorkflowNode
	edges     map[uuid.UUID][]*models.WorkflowEdge
}

func newFakeWorkflows() *fakeWorkflows {
	return &fakeWorkflows{
		workflows: make(map[uuid.UUID]*models.Workflow),
		nodes:     make(map[uuid.UUID][]*models.WorkflowNode),
		edges:     make(map[uuid.UUID][]*models.WorkflowEdge),
	}
}

func (f *fakeWorkflows) GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	wf, ok := f.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, repository.ErrNotFound)
	}
	return wf, nil
}

func (f *fakeWorkflows) GetNodes(ctx context.Context, id uuid.UUID) ([]*models.WorkflowNode, error) {
	return f.nodes[id], nil
}

func (f *fakeWorkflows) GetEdges(ctx context.Context, id uuid.UUID) ([]*models.WorkflowEdge, error) {
	return f.edges[id], nil
}

type fakeTasks struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.PendingTask
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: make(map[uuid.UUID]*models.PendingTask)}
}

func (f *fakeTasks) put(task *models.PendingTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ExecutionID] = task
}

func (f *fakeTasks) GetByExecution(ctx context.Context, executionID uuid.UUID) (*models.PendingTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[executionID]
	if !ok {
		return nil, fmt.Errorf("pending task for execution %s: %w", executionID, repository.ErrNotFound)
	}
	return task, nil
}

func (f *fakeTasks) DeleteByExecution(ctx context.Context, executionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, executionID)
	return nil
}

type queuedJob struct {
	job   *queue.Job
	delay time.Duration
}

type fakeQueue struct {
	mu      sync.Mutex
	entries []queuedJob
	err     error
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	return q.add(job, 0)
}

func (q *fakeQueue) EnqueueIn(ctx context.Context, delay time.Duration, job *queue.Job) error {
	return q.add(job, delay)
}

func (q *fakeQueue) add(job *queue.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.entries = append(q.entries, queuedJob{job: job, delay: delay})
	return nil
}

func (q *fakeQueue) nodeIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, e := range q.entries {
		if e.job.Type == queue.TypeExecuteNode {
			ids = append(ids, e.job.NodeID)
		}
	}
	return ids
}

func (q *fakeQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

func (q *fakeQueue) last(t *testing.T) queuedJob {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.entries, "expected at least one enqueued job")
	return q.entries[len(q.entries)-1]
}

type recordingSpend struct {
	mu    sync.Mutex
	calls []state.Usage
}

func (r *recordingSpend) RecordSpend(ctx context.Context, exec *models.Execution, usage state.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, usage)
}

type recordingDeliverer struct {
	mu      sync.Mutex
	outputs []map[string]interface{}
}

func (r *recordingDeliverer) Deliver(ctx context.Context, exec *models.Execution, wf *models.Workflow, output map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, output)
	return nil
}

type recordingMemory struct {
	started   int
	completed []string
}

func (m *recordingMemory) StartEpisode(ctx context.Context, executionID, userProfileID string) (string, error) {
	m.started++
	return "ep-1", nil
}

func (m *recordingMemory) CompleteEpisode(ctx context.Context, episodeID string, finalOutput map[string]interface{}) error {
	m.completed = append(m.completed, episodeID)
	return nil
}

type fixture struct {
	sched      *Scheduler
	executions *fakeExecutions
	workflows  *fakeWorkflows
	tasks      *fakeTasks
	queue      *fakeQueue
	spend      *recordingSpend
	deliverer  *recordingDeliverer
	memory     *recordingMemory
	coord      *coordination.Coordinator
	states     *state.Store
	topos      *topology.Store
	redis      *redis.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), &testLogger{t})

	f := &fixture{
		executions: newFakeExecutions(),
		workflows:  newFakeWorkflows(),
		tasks:      newFakeTasks(),
		queue:      &fakeQueue{},
		spend:      &recordingSpend{},
		deliverer:  &recordingDeliverer{},
		memory:     &recordingMemory{},
		coord:      coordination.NewCoordinator(client, time.Hour, &testLogger{t}),
		states:     state.NewStore(client, time.Hour),
		topos:      topology.NewStore(client, time.Hour),
		redis:      client,
	}
	f.sched = New(Deps{
		Executions: f.executions,
		Workflows:  f.workflows,
		Tasks:      f.tasks,
		Coord:      f.coord,
		States:     f.states,
		Topos:      f.topos,
		Queue:      f.queue,
		Events:     events.NewPublisher(client, &testLogger{t}),
		Memory:     f.memory,
		Delivery:   f.deliverer,
		Budget:     f.spend,
		Logger:     &testLogger{t},
	})
	return f
}

func (f *fixture) addWorkflow(slug string, nodes []*models.WorkflowNode, edges []*models.WorkflowEdge) *models.Workflow {
	wf := &models.Workflow{
		WorkflowID:    uuid.New(),
		Slug:          slug,
		Name:          slug,
		UserProfileID: "user-1",
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}
	for i, n := range nodes {
		n.WorkflowID = wf.WorkflowID
		n.NodeDBID = int64(i + 1)
	}
	for i, e := range edges {
		e.WorkflowID = wf.WorkflowID
		e.EdgeID = int64(i + 1)
	}
	f.workflows.workflows[wf.WorkflowID] = wf
	f.workflows.nodes[wf.WorkflowID] = nodes
	f.workflows.edges[wf.WorkflowID] = edges
	return wf
}

func (f *fixture) newExecution(wf *models.Workflow, trigger map[string]any) *models.Execution {
	exec := &models.Execution{
		ExecutionID:    uuid.New(),
		WorkflowID:     wf.WorkflowID,
		UserProfileID:  "user-1",
		Status:         models.StatusPending,
		TriggerPayload: trigger,
		CreatedAt:      time.Now().UTC(),
	}
	f.executions.put(exec)
	return exec
}

// start runs StartExecution and returns the cached topology and state
func (f *fixture) start(t *testing.T, exec *models.Execution) (*topology.Topology, *state.State) {
	t.Helper()
	ctx := context.Background()
	executionID := exec.ExecutionID.String()
	require.NoError(t, f.sched.StartExecution(ctx, executionID))
	topo, err := f.topos.Load(ctx, executionID)
	require.NoError(t, err)
	st, err := f.states.Load(ctx, executionID)
	require.NoError(t, err)
	return topo, st
}

func (f *fixture) loadState(t *testing.T, exec *models.Execution) *state.State {
	t.Helper()
	st, err := f.states.Load(context.Background(), exec.ExecutionID.String())
	require.NoError(t, err)
	return st
}

func (f *fixture) saveState(t *testing.T, exec *models.Execution, st *state.State) {
	t.Helper()
	require.NoError(t, f.states.Save(context.Background(), exec.ExecutionID.String(), st))
}

func (f *fixture) inflight(t *testing.T, exec *models.Execution) int64 {
	t.Helper()
	count, err := f.coord.InflightCount(context.Background(), exec.ExecutionID.String())
	require.NoError(t, err)
	return count
}

func (f *fixture) executionKeys(t *testing.T, exec *models.Execution) []string {
	t.Helper()
	keys, err := f.redis.Keys(context.Background(), "execution:"+exec.ExecutionID.String()+":*")
	require.NoError(t, err)
	return keys
}

func codeNode(id string) *models.WorkflowNode {
	return &models.WorkflowNode{NodeID: id, ComponentType: "code"}
}

func directEdge(from, to string) *models.WorkflowEdge {
	return &models.WorkflowEdge{SourceNodeID: from, TargetNodeID: to, EdgeType: models.EdgeTypeDirect}
}

func condEdge(from, to, value string) *models.WorkflowEdge {
	return &models.WorkflowEdge{SourceNodeID: from, TargetNodeID: to, EdgeType: models.EdgeTypeConditional, ConditionValue: value}
}

func loopEdge(from, to, label string) *models.WorkflowEdge {
	return &models.WorkflowEdge{SourceNodeID: from, TargetNodeID: to, EdgeType: models.EdgeTypeDirect, EdgeLabel: label}
}

func TestStartExecutionSchedulesEntryNodes(t *testing.T) {
	f := newFixture(t)
	wf := f.addWorkflow("linear",
		[]*models.WorkflowNode{codeNode("a"), codeNode("b")},
		[]*models.WorkflowEdge{directEdge("a", "b")})
	exec := f.newExecution(wf, map[string]any{"text": "hello"})

	topo, st := f.start(t, exec)

	row := f.executions.get(t, exec.ExecutionID)
	assert.Equal(t, models.StatusRunning, row.Status)
	require.NotNil(t, row.StartedAt)

	assert.Equal(t, []string{"a"}, topo.EntryNodeIDs)
	assert.Equal(t, exec.ExecutionID.String(), st.ExecutionID)
	assert.Equal(t, "hello", st.Trigger["text"])

	assert.Equal(t, []string{"a"}, f.queue.nodeIDs())
	assert.Equal(t, int64(1), f.inflight(t, exec))

	assert.Equal(t, 1, f.memory.started)
	episodeID, err := f.coord.GetEpisodeID(context.Background(), exec.ExecutionID.String())
	require.NoError(t, err)
	assert.Equal(t, "ep-1", episodeID)
}

func TestStartExecutionScopesEntriesToTrigger(t *testing.T) {
	f := newFixture(t)
	wf := f.addWorkflow("two-triggers",
		[]*models.WorkflowNode{
			{NodeID: "t1", ComponentType: "trigger_http"},
			{NodeID: "t2", ComponentType: "trigger_cron"},
			codeNode("a"),
			codeNode("b"),
		},
		[]*models.WorkflowEdge{
			directEdge("t1", "a"),
			directEdge("t2", "b"),
		})
	exec := f.newExecution(wf, map[string]any{"source": "http"})
	trigger := "t1"
	exec.TriggerNodeID = &trigger
	f.executions.put(exec)

	topo, _ := f.start(t, exec)

	assert.Equal(t, []string{"a"}, topo.EntryNodeIDs)
	assert.Equal(t, []string{"a"}, f.queue.nodeIDs())
}

func TestStartExecutionDuplicateDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t)
	wf := f.addWorkflow("linear",
		[]*models.WorkflowNode{codeNode("a")},
		nil)
	exec := f.newExecution(wf, nil)
	f.executions.setStatus(exec.ExecutionID, models.StatusRunning)

	require.NoError(t, f.sched.StartExecution(context.Background(), exec.ExecutionID.String()))

	assert.Empty(t, f.queue.nodeIDs())
	assert.Equal(t, int64(0), f.inflight(t, exec))
}

func TestStartExecutionWorkflowMissingFails(t *testing.T) {
	f := newFixture(t)
	exec := &models.Execution{
		ExecutionID:   uuid.New(),
		WorkflowID:    uuid.New(),
		UserProfileID: "user-1",
		Status:        models.StatusPending,
	}
	f.executions.put(exec)

	require.NoError(t, f.sched.StartExecution(context.Background(), exec.ExecutionID.String()))

	row := f.executions.get(t, exec.ExecutionID)
	assert.Equal(t, models.StatusFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, "workflow not found", *row.ErrorMessage)
	assert.Empty(t, f.queue.nodeIDs())
}

func TestStartExecutionRejectsBadGraph(t *testing.T) {
	f := newFixture(t)
	badEdge := directEdge("a", "b")
	badEdge.EdgeType = models.EdgeTypeConditional
	badEdge.ConditionMapping = map[string]string{"yes": "b"}
	wf := f.addWorkflow("legacy",
		[]*models.WorkflowNode{codeNode("a"), codeNode("b")},
		[]*models.WorkflowEdge{badEdge})
	exec := f.newExecution(wf, nil)

	require.NoError(t, f.sched.StartExecution(context.Background(), exec.ExecutionID.String()))

	row := f.executions.get(t, exec.ExecutionID)
	assert.Equal(t, models.StatusFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "invalid workflow graph")
	assert.Empty(t, f.queue.nodeIDs())
}

func TestResumeNodeReenqueuesInterruptedNode(t *testing.T) {
	f := newFixture(t)
	wf := f.addWorkflow("confirm-flow",
		[]*models.WorkflowNode{codeNode("confirm"), codeNode("next")},
		[]*models.WorkflowEdge{directEdge("confirm", "next")})
	exec := f.newExecution(wf, nil)
	f.start(t, exec)
	f.queue.reset()

	// Simulate the worker's interrupt: bare decrement, interrupted status,
	// pending task row.
	_, err := f.coord.DecrementInflight(context.Background(), exec.ExecutionID.String())
	require.NoError(t, err)
	f.executions.setStatus(exec.ExecutionID, models.StatusInterrupted)
	f.tasks.put(&models.PendingTask{
		TaskID:      uuid.New(),
		ExecutionID: exec.ExecutionID,
		NodeID:      "confirm",
		Prompt:      "Proceed?",
	})

	require.NoError(t, f.sched.ResumeNode(context.Background(), exec.ExecutionID.String(), "yes"))

	row := f.executions.get(t, exec.ExecutionID)
	assert.Equal(t, models.StatusRunning, row.Status)

	st := f.loadState(t, exec)
	input, ok := st.TakeResumeInput()
	require.True(t, ok)
	assert.Equal(t, "yes", input)

	_, err = f.tasks.GetByExecution(context.Background(), exec.ExecutionID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	last := f.queue.last(t)
	assert.Equal(t, queue.TypeExecuteNode, last.job.Type)
	assert.Equal(t, "confirm", last.job.NodeID)
	assert.Equal(t, int64(1), f.inflight(t, exec))
}

func TestResumeNodeRequiresInterruptedStatus(t *testing.T) {
	f := newFixture(t)
	wf := f.addWorkflow("flow", []*models.WorkflowNode{codeNode("a")}, nil)
	exec := f.newExecution(wf, nil)
	f.start(t, exec)
	f.queue.reset()

	require.NoError(t, f.sched.ResumeNode(context.Background(), exec.ExecutionID.String(), "yes"))

	assert.Empty(t, f.queue.nodeIDs())
	assert.Equal(t, models.StatusRunning, f.executions.get(t, exec.ExecutionID).Status)
}

func TestResumeNodeWithoutPendingTaskIsDropped(t *testing.T) {
	f := newFixture(t)
	wf := f.addWorkflow("flow", []*models.WorkflowNode{codeNode("a")}, nil)
	exec := f.newExecution(wf, nil)
	f.start(t, exec)
	f.executions.setStatus(exec.ExecutionID, models.StatusInterrupted)
	f.queue.reset()

	require.NoError(t, f.sched.ResumeNode(context.Background(), exec.ExecutionID.String(), "yes"))

	assert.Empty(t, f.queue.nodeIDs())
	assert.Equal(t, models.StatusInterrupted, f.executions.get(t, exec.ExecutionID).Status)
}

func TestCancelExecutionCascadesToChildren(t *testing.T) {
	f := newFixture(t)
	wf := f.addWorkflow("parent-flow", []*models.WorkflowNode{codeNode("a")}, nil)
	parent := f.newExecution(wf, nil)
	f.start(t, parent)

	childWf := f.addWorkflow("child-flow", []*models.WorkflowNode{codeNode("x")}, nil)
	child := f.newExecution(childWf, nil)
	f.start(t, child)
	childRow := f.executions.get(t, child.ExecutionID)
	require.Equal(t, models.StatusRunning, childRow.Status)
	parentID := parent.ExecutionID
	parentNode := "sub_1"
	childRow.ParentExecutionID = &parentID
	childRow.ParentNodeID = &parentNode
	f.executions.put(childRow)

	f.tasks.put(&models.PendingTask{
		TaskID:      uuid.New(),
		ExecutionID: parent.ExecutionID,
		NodeID:      "a",
	})

	require.NoError(t, f.sched.CancelExecution(context.Background(), parent.ExecutionID.String(), "operator stop"))

	parentRow := f.executions.get(t, parent.ExecutionID)
	assert.Equal(t, models.StatusCancelled, parentRow.Status)
	require.NotNil(t, parentRow.ErrorMessage)
	assert.Equal(t, "operator stop", *parentRow.ErrorMessage)
	require.NotNil(t, parentRow.CompletedAt)

	childRow = f.executions.get(t, child.ExecutionID)
	assert.Equal(t, models.StatusCancelled, childRow.Status)
	require.NotNil(t, childRow.ErrorMessage)
	assert.Equal(t, "parent execution cancelled", *childRow.ErrorMessage)

	_, err := f.tasks.GetByExecution(context.Background(), parent.ExecutionID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	assert.Empty(t, f.executionKeys(t, parent))
	assert.Empty(t, f.executionKeys(t, child))
}

func TestCancelExecutionTerminalIsNoOp(t *testing.T) {
	f := newFixture(t)
	wf := f.addWorkflow("flow", []*models.WorkflowNode{codeNode("a")}, nil)
	exec := f.newExecution(wf, nil)
	f.executions.setStatus(exec.ExecutionID, models.StatusCompleted)

	require.NoError(t, f.sched.CancelExecution(context.Background(), exec.ExecutionID.String(), "too late"))

	row := f.executions.get(t, exec.ExecutionID)
	assert.Equal(t, models.StatusCompleted, row.Status)
	assert.Nil(t, row.ErrorMessage)
}

func TestFinalizePersistsUsageAndWakesParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parentWf := f.addWorkflow("parent-flow",
		[]*models.WorkflowNode{codeNode("sub_1"), codeNode("next")},
		[]*models.WorkflowEdge{directEdge("sub_1", "next")})
	parent := f.newExecution(parentWf, nil)
	f.start(t, parent)
	// Parent suspended on sub_1: slot already released, no finalize check.
	_, err := f.coord.DecrementInflight(ctx, parent.ExecutionID.String())
	require.NoError(t, err)
	f.queue.reset()

	childWf := f.addWorkflow("child-flow", []*models.WorkflowNode{codeNode("x")}, nil)
	child := f.newExecution(childWf, nil)
	parentID := parent.ExecutionID
	parentNode := "sub_1"
	childRow := f.executions.get(t, child.ExecutionID)
	childRow.ParentExecutionID = &parentID
	childRow.ParentNodeID = &parentNode
	f.executions.put(childRow)
	f.start(t, child)
	f.queue.reset()

	childID := child.ExecutionID.String()
	st := f.loadState(t, child)
	st.TokenUsage = state.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, CostUSD: 0.02, LLMCalls: 2}
	st.Output = map[string]any{"answer": 42}
	f.saveState(t, child, st)
	require.NoError(t, f.coord.SetEpisodeID(ctx, childID, "ep-child"))

	// The last child node's slot drains to zero and finalizes.
	require.NoError(t, f.sched.DecrementAndMaybeFinalize(ctx, childID))

	childRow = f.executions.get(t, child.ExecutionID)
	assert.Equal(t, models.StatusCompleted, childRow.Status)
	require.NotNil(t, childRow.CompletedAt)
	assert.Equal(t, map[string]any{"answer": float64(42)}, childRow.FinalOutput)
	assert.Equal(t, int64(10), childRow.TotalInputTokens)
	assert.Equal(t, int64(5), childRow.TotalOutputTokens)
	assert.Equal(t, int64(15), childRow.TotalTokens)
	assert.InDelta(t, 0.02, childRow.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(2), childRow.LLMCalls)

	require.Len(t, f.spend.calls, 1)
	assert.Equal(t, int64(15), f.spend.calls[0].TotalTokens)
	assert.Equal(t, []string{"ep-child"}, f.memory.completed)
	require.Len(t, f.deliverer.outputs, 1)

	parentState := f.loadState(t, parent)
	childOutput, ok := parentState.TakeSubworkflowResult("sub_1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"answer": float64(42)}, childOutput)

	last := f.queue.last(t)
	assert.Equal(t, queue.TypeExecuteNode, last.job.Type)
	assert.Equal(t, "sub_1", last.job.NodeID)
	assert.Equal(t, parent.ExecutionID.String(), last.job.ExecutionID)
	assert.Equal(t, int64(1), f.inflight(t, parent))

	assert.Empty(t, f.executionKeys(t, child))
}

func TestFinalizeTerminalExecutionIsNoOp(t *testing.T) {
	f := newFixture(t)
	wf := f.addWorkflow("flow", []*models.WorkflowNode{codeNode("a")}, nil)
	exec := f.newExecution(wf, nil)
	f.start(t, exec)
	f.executions.setStatus(exec.ExecutionID, models.StatusCompleted)

	require.NoError(t, f.sched.Finalize(context.Background(), exec.ExecutionID.String()))

	assert.Empty(t, f.spend.calls)
	assert.Empty(t, f.deliverer.outputs)
	// Idempotent finalize still reclaims leftover keys
	assert.Empty(t, f.executionKeys(t, exec))
}

func TestFinalizeFailureMarksExecutionFailed(t *testing.T) {
	f := newFixture(t)
	wf := f.addWorkflow("flow", []*models.WorkflowNode{codeNode("a")}, nil)
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	// Losing the state blob makes step one of finalization blow up.
	require.NoError(t, f.states.Delete(context.Background(), exec.ExecutionID.String()))

	err := f.sched.Finalize(context.Background(), exec.ExecutionID.String())
	require.Error(t, err)

	row := f.executions.get(t, exec.ExecutionID)
	assert.Equal(t, models.StatusFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "Finalization error:")
	assert.Empty(t, f.executionKeys(t, exec))
}

func TestResumeFromChildParentNotRunning(t *testing.T) {
	f := newFixture(t)
	wf := f.addWorkflow("flow", []*models.WorkflowNode{codeNode("sub_1")}, nil)
	parent := f.newExecution(wf, nil)
	f.start(t, parent)
	f.executions.setStatus(parent.ExecutionID, models.StatusFailed)
	f.queue.reset()

	err := f.sched.ResumeFromChild(context.Background(), parent.ExecutionID, "sub_1", map[string]interface{}{"x": 1})
	require.NoError(t, err)

	assert.Empty(t, f.queue.nodeIDs())
}

func TestFailExecutionPersistsUsageAndCancelsChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf := f.addWorkflow("flow", []*models.WorkflowNode{codeNode("a")}, nil)
	parent := f.newExecution(wf, nil)
	f.start(t, parent)

	st := f.loadState(t, parent)
	st.TokenUsage = state.Usage{TotalTokens: 7, CostUSD: 0.01, LLMCalls: 1}
	f.saveState(t, parent, st)

	childWf := f.addWorkflow("child-flow", []*models.WorkflowNode{codeNode("x")}, nil)
	child := f.newExecution(childWf, nil)
	f.start(t, child)
	childRow := f.executions.get(t, child.ExecutionID)
	parentID := parent.ExecutionID
	node := "sub_1"
	childRow.ParentExecutionID = &parentID
	childRow.ParentNodeID = &node
	f.executions.put(childRow)

	parentRow := f.executions.get(t, parent.ExecutionID)
	require.NoError(t, f.sched.FailExecution(ctx, parentRow, "flow", "component exploded"))

	parentRow = f.executions.get(t, parent.ExecutionID)
	assert.Equal(t, models.StatusFailed, parentRow.Status)
	require.NotNil(t, parentRow.ErrorMessage)
	assert.Equal(t, "component exploded", *parentRow.ErrorMessage)
	assert.Equal(t, int64(7), parentRow.TotalTokens)

	childRow = f.executions.get(t, child.ExecutionID)
	assert.Equal(t, models.StatusCancelled, childRow.Status)

	require.Len(t, f.spend.calls, 1)
	assert.Empty(t, f.executionKeys(t, parent))
}

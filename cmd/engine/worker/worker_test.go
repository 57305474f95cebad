package worker

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

	"github.com/lyzr/nodeflow/cmd/engine/components"
	"github.com/lyzr/nodeflow/cmd/engine/coordination"
	"github.com/lyzr/nodeflow/cmd/engine/events"
	"github.com/lyzr/nodeflow/cmd/engine/scheduler"
	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
	"github.com/lyzr/nodeflow/common/config"
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
	configs   map[uuid.UUID]*models.ComponentConfig
}

func newFakeWorkflows() *fakeWorkflows {
	return &fakeWorkflows{
		workflows: make(map[uuid.UUID]*models.Workflow),
		nodes:     make(map[uuid.UUID][]*models.WorkflowNode),
		edges:     make(map[uuid.UUID][]*models.WorkflowEdge),
		configs:   make(map[uuid.UUID]*models.ComponentConfig),
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

func (f *fakeWorkflows) GetComponentConfig(ctx context.Context, id uuid.UUID) (*models.ComponentConfig, error) {
	cfg, ok := f.configs[id]
	if !ok {
		return nil, fmt.Errorf("component config %s: %w", id, repository.ErrNotFound)
	}
	return cfg, nil
}

type fakeTasks struct {
	mu      sync.Mutex
	tasks   map[uuid.UUID]*models.PendingTask
	created int
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: make(map[uuid.UUID]*models.PendingTask)}
}

func (f *fakeTasks) Create(ctx context.Context, task *models.PendingTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	f.tasks[task.ExecutionID] = task
	return nil
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

func (f *fakeTasks) get(t *testing.T, executionID uuid.UUID) *models.PendingTask {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[executionID]
	require.True(t, ok, "pending task for execution %s not found", executionID)
	return task
}

type fakeLogs struct {
	mu   sync.Mutex
	rows []*models.ExecutionLog
}

func (l *fakeLogs) Append(ctx context.Context, entry *models.ExecutionLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, entry)
	return nil
}

func (l *fakeLogs) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

func (l *fakeLogs) byStatus(status string) []*models.ExecutionLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.ExecutionLog
	for _, row := range l.rows {
		if row.Status == status {
			out = append(out, row)
		}
	}
	return out
}

type queuedJob struct {
	job   *queue.Job
	delay time.Duration
}

type fakeQueue struct {
	mu      sync.Mutex
	entries []queuedJob
	drained []queuedJob
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
	q.entries = append(q.entries, queuedJob{job: job, delay: delay})
	return nil
}

// pop removes the oldest entry, ignoring its delay so pumped tests run
// delayed retries immediately
func (q *fakeQueue) pop() (*queue.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	q.drained = append(q.drained, e)
	return e.job, true
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

func (q *fakeQueue) delays() []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []time.Duration
	for _, e := range q.drained {
		out = append(out, e.delay)
	}
	return out
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

// fakeBudget serves both sides of budget accounting: the worker's
// post-node check and the scheduler's spend recording at finalization.
type fakeBudget struct {
	mu    sync.Mutex
	limit int64
	spend []state.Usage
}

func (b *fakeBudget) Check(ctx context.Context, exec *models.Execution, usage state.Usage) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && usage.TotalTokens >= b.limit {
		return fmt.Sprintf("token budget exceeded: %d >= %d", usage.TotalTokens, b.limit)
	}
	return ""
}

func (b *fakeBudget) RecordSpend(ctx context.Context, exec *models.Execution, usage state.Usage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spend = append(b.spend, usage)
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

type fakeLauncher struct {
	mu       sync.Mutex
	requests []components.LaunchRequest
}

func (l *fakeLauncher) Launch(ctx context.Context, req components.LaunchRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, req)
	return "child-1", nil
}

type componentFunc func(ctx context.Context, st *state.State) (map[string]interface{}, error)

func (f componentFunc) Run(ctx context.Context, st *state.State) (map[string]interface{}, error) {
	return f(ctx, st)
}

type fixture struct {
	worker     *Worker
	sched      *scheduler.Scheduler
	registry   *components.Registry
	executions *fakeExecutions
	workflows  *fakeWorkflows
	tasks      *fakeTasks
	logs       *fakeLogs
	queue      *fakeQueue
	budget     *fakeBudget
	launcher   *fakeLauncher
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
	pub := events.NewPublisher(client, &testLogger{t})

	f := &fixture{
		executions: newFakeExecutions(),
		workflows:  newFakeWorkflows(),
		tasks:      newFakeTasks(),
		logs:       &fakeLogs{},
		queue:      &fakeQueue{},
		budget:     &fakeBudget{},
		launcher:   &fakeLauncher{},
		deliverer:  &recordingDeliverer{},
		memory:     &recordingMemory{},
		coord:      coordination.NewCoordinator(client, time.Hour, &testLogger{t}),
		states:     state.NewStore(client, time.Hour),
		topos:      topology.NewStore(client, time.Hour),
		redis:      client,
	}
	f.registry = components.NewRegistry(components.Deps{
		Subflows: f.launcher,
		Logger:   &testLogger{t},
	})
	f.sched = scheduler.New(scheduler.Deps{
		Executions: f.executions,
		Workflows:  f.workflows,
		Tasks:      f.tasks,
		Coord:      f.coord,
		States:     f.states,
		Topos:      f.topos,
		Queue:      f.queue,
		Events:     pub,
		Memory:     f.memory,
		Delivery:   f.deliverer,
		Budget:     f.budget,
		Logger:     &testLogger{t},
	})
	f.worker = New(Deps{
		Executions: f.executions,
		Configs:    f.workflows,
		Tasks:      f.tasks,
		Logs:       f.logs,
		Registry:   f.registry,
		Sched:      f.sched,
		Coord:      f.coord,
		States:     f.states,
		Topos:      f.topos,
		Queue:      f.queue,
		Events:     pub,
		Budget:     f.budget,
		Engine: config.EngineConfig{
			MaxRetries:       3,
			RetryBackoffBase: 2 * time.Second,
			RetryBackoffCap:  time.Minute,
		},
		Logger: &testLogger{t},
	})
	return f
}

// register binds a stub component type and returns a pointer to its
// invocation counter
func (f *fixture) register(componentType string, fn componentFunc) *int {
	calls := new(int)
	f.registry.Register(componentType, func(deps components.Deps, node *topology.NodeInfo, cfg map[string]interface{}) (components.Component, error) {
		return componentFunc(func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
			*calls++
			return fn(ctx, st)
		}), nil
	})
	return calls
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

// start boots the execution through the scheduler and clears the entry
// job so tests drive the worker directly
func (f *fixture) start(t *testing.T, exec *models.Execution) {
	t.Helper()
	require.NoError(t, f.sched.StartExecution(context.Background(), exec.ExecutionID.String()))
	f.queue.reset()
}

func (f *fixture) loadState(t *testing.T, exec *models.Execution) *state.State {
	t.Helper()
	st, err := f.states.Load(context.Background(), exec.ExecutionID.String())
	require.NoError(t, err)
	return st
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

// run feeds one execute_node job through the worker
func (f *fixture) run(t *testing.T, exec *models.Execution, nodeID string) {
	t.Helper()
	require.NoError(t, f.worker.ExecuteNode(context.Background(), executeJob(exec, nodeID)))
}

// pump drains the queue through the worker until no jobs remain.
// Delayed jobs run immediately; retries terminate because attempts
// exhaust.
func (f *fixture) pump(t *testing.T) {
	t.Helper()
	for steps := 0; ; steps++ {
		require.Less(t, steps, 50, "queue did not drain")
		job, ok := f.queue.pop()
		if !ok {
			return
		}
		if job.Type != queue.TypeExecuteNode {
			continue
		}
		require.NoError(t, f.worker.ExecuteNode(context.Background(), job))
	}
}

func executeJob(exec *models.Execution, nodeID string) *queue.Job {
	return &queue.Job{Type: queue.TypeExecuteNode, ExecutionID: exec.ExecutionID.String(), NodeID: nodeID}
}

func stubNode(id, componentType string) *models.WorkflowNode {
	return &models.WorkflowNode{NodeID: id, ComponentType: componentType}
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

func intPtr(n int) *int { return &n }

func TestExecuteNodeAppliesPortDataAndAdvances(t *testing.T) {
	f := newFixture(t)
	calls := f.register("greet", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return map[string]interface{}{"greeting": "hello"}, nil
	})
	wf := f.addWorkflow("linear",
		[]*models.WorkflowNode{stubNode("a", "greet"), stubNode("b", "greet")},
		[]*models.WorkflowEdge{directEdge("a", "b")})
	exec := f.newExecution(wf, map[string]any{"text": "hi"})
	f.start(t, exec)

	f.run(t, exec, "a")

	assert.Equal(t, 1, *calls)
	assert.Equal(t, []string{"b"}, f.queue.nodeIDs())
	assert.Equal(t, int64(1), f.inflight(t, exec))
	assert.Equal(t, models.StatusRunning, f.executions.get(t, exec.ExecutionID).Status)

	st := f.loadState(t, exec)
	out, ok := st.NodeOutput("a")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"greeting": "hello"}, out)

	rows := f.logs.byStatus(models.AttemptCompleted)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].NodeID)
	assert.Equal(t, exec.ExecutionID, rows[0].ExecutionID)
	assert.Equal(t, map[string]any{"greeting": "hello"}, rows[0].Output)
	assert.GreaterOrEqual(t, rows[0].DurationMS, int64(0))
}

func TestExecuteNodeEmptyResultAdvances(t *testing.T) {
	f := newFixture(t)
	f.register("noop", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return nil, nil
	})
	wf := f.addWorkflow("noop-flow",
		[]*models.WorkflowNode{stubNode("a", "noop"), stubNode("b", "noop")},
		[]*models.WorkflowEdge{directEdge("a", "b")})
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "a")

	assert.Equal(t, []string{"b"}, f.queue.nodeIDs())
	st := f.loadState(t, exec)
	_, ok := st.NodeOutput("a")
	assert.False(t, ok)

	rows := f.logs.byStatus(models.AttemptCompleted)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Output)
}

func TestExecuteNodeLegacyResultUsesMergeRules(t *testing.T) {
	f := newFixture(t)
	f.register("legacy", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return map[string]interface{}{
			"node_outputs": map[string]interface{}{"a": map[string]interface{}{"x": 1}},
			"route":        "left",
		}, nil
	})
	wf := f.addWorkflow("branching",
		[]*models.WorkflowNode{stubNode("a", "legacy"), stubNode("b", "legacy"), stubNode("c", "legacy")},
		[]*models.WorkflowEdge{condEdge("a", "b", "left"), condEdge("a", "c", "right")})
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "a")

	assert.Equal(t, []string{"b"}, f.queue.nodeIDs())

	st := f.loadState(t, exec)
	assert.Equal(t, "left", st.Route)
	out, ok := st.NodeOutput("a")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"x": float64(1)}, out)

	rows := f.logs.byStatus(models.AttemptCompleted)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Output)
}

func TestExecuteNodeDropsFinishedExecution(t *testing.T) {
	f := newFixture(t)
	calls := f.register("noop", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return nil, nil
	})
	wf := f.addWorkflow("single", []*models.WorkflowNode{stubNode("a", "noop")}, nil)
	exec := f.newExecution(wf, nil)
	f.start(t, exec)
	f.executions.setStatus(exec.ExecutionID, models.StatusCompleted)

	f.run(t, exec, "a")

	assert.Equal(t, 0, *calls)
	assert.Empty(t, f.queue.nodeIDs())
	assert.Equal(t, 0, f.logs.count())
	assert.Equal(t, int64(0), f.inflight(t, exec))
}

func TestExecuteNodeUnknownExecutionCleansUp(t *testing.T) {
	f := newFixture(t)
	ghost := &models.Execution{ExecutionID: uuid.New()}

	f.run(t, ghost, "a")

	assert.Empty(t, f.queue.nodeIDs())
	assert.Equal(t, 0, f.logs.count())
	assert.Empty(t, f.executionKeys(t, ghost))
}

func TestExecuteNodeMissingTopologyReleasesSlot(t *testing.T) {
	f := newFixture(t)
	calls := f.register("noop", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return nil, nil
	})
	wf := f.addWorkflow("single", []*models.WorkflowNode{stubNode("a", "noop")}, nil)
	exec := f.newExecution(wf, nil)
	f.start(t, exec)
	executionID := exec.ExecutionID.String()
	require.NoError(t, f.redis.Delete(context.Background(), "execution:"+executionID+":topo"))

	f.run(t, exec, "a")

	// The slot is released without finalizing: the zombie sweeper owns
	// executions whose cache has expired.
	assert.Equal(t, 0, *calls)
	assert.Equal(t, models.StatusRunning, f.executions.get(t, exec.ExecutionID).Status)
	assert.Equal(t, int64(0), f.inflight(t, exec))
	assert.Empty(t, f.queue.nodeIDs())
	assert.Contains(t, f.executionKeys(t, exec), "execution:"+executionID+":state")
}

func TestExecuteNodeUnknownNodeFinalizes(t *testing.T) {
	f := newFixture(t)
	f.register("noop", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return nil, nil
	})
	wf := f.addWorkflow("single", []*models.WorkflowNode{stubNode("a", "noop")}, nil)
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "ghost")

	// The bad job held the only slot, so dropping it completes the
	// execution.
	assert.Equal(t, models.StatusCompleted, f.executions.get(t, exec.ExecutionID).Status)
	assert.Empty(t, f.executionKeys(t, exec))
}

func TestInterruptBeforeParksWithoutRunning(t *testing.T) {
	f := newFixture(t)
	calls := f.register("ping", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})
	approve := stubNode("approve", "ping")
	approve.InterruptBefore = true
	approve.Config = map[string]any{"prompt": "Approve?", "timeout_seconds": 60}
	wf := f.addWorkflow("gated",
		[]*models.WorkflowNode{approve, stubNode("done", "ping")},
		[]*models.WorkflowEdge{directEdge("approve", "done")})
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "approve")

	assert.Equal(t, 0, *calls)
	assert.Equal(t, models.StatusInterrupted, f.executions.get(t, exec.ExecutionID).Status)
	assert.Equal(t, int64(0), f.inflight(t, exec))
	assert.Equal(t, 0, f.logs.count())
	assert.Empty(t, f.queue.nodeIDs())

	task := f.tasks.get(t, exec.ExecutionID)
	assert.Equal(t, "approve", task.NodeID)
	assert.Equal(t, "Approve?", task.Prompt)
	require.NotNil(t, task.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(60*time.Second), *task.ExpiresAt, 5*time.Second)

	// A redelivered job finds the execution already parked and must not
	// release another slot or mint another task.
	f.run(t, exec, "approve")
	assert.Equal(t, 1, f.tasks.created)
	assert.Equal(t, int64(0), f.inflight(t, exec))
	assert.Equal(t, 0, *calls)

	// Resume re-arms the node, and the staged input suppresses the gate
	// exactly once.
	require.NoError(t, f.sched.ResumeNode(context.Background(), exec.ExecutionID.String(), "go"))
	assert.Equal(t, []string{"approve"}, f.queue.nodeIDs())
	f.queue.reset()

	f.run(t, exec, "approve")
	assert.Equal(t, 1, *calls)
	assert.Equal(t, []string{"done"}, f.queue.nodeIDs())
	assert.Equal(t, models.StatusRunning, f.executions.get(t, exec.ExecutionID).Status)
	assert.Nil(t, f.loadState(t, exec).ResumeInput)
}

func TestConfirmComponentInterruptsThenRoutes(t *testing.T) {
	f := newFixture(t)
	gate := stubNode("gate", "confirm")
	gate.Config = map[string]any{"prompt": "Ship it?"}
	wf := f.addWorkflow("confirm-flow",
		[]*models.WorkflowNode{gate, stubNode("yes", "confirm"), stubNode("no", "confirm")},
		[]*models.WorkflowEdge{
			condEdge("gate", "yes", components.RouteConfirmed),
			condEdge("gate", "no", components.RouteCancelled),
		})
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "gate")

	assert.Equal(t, models.StatusInterrupted, f.executions.get(t, exec.ExecutionID).Status)
	assert.Equal(t, "Ship it?", f.tasks.get(t, exec.ExecutionID).Prompt)
	assert.Equal(t, int64(0), f.inflight(t, exec))

	require.NoError(t, f.sched.ResumeNode(context.Background(), exec.ExecutionID.String(), "yes"))
	f.queue.reset()

	f.run(t, exec, "gate")

	assert.Equal(t, []string{"yes"}, f.queue.nodeIDs())
	st := f.loadState(t, exec)
	assert.Equal(t, components.RouteConfirmed, st.Route)
	out, ok := st.NodeOutput("gate")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"confirmed": true, "response": "yes"}, out)
	assert.Nil(t, st.ResumeInput)
}

func TestInterruptAfterParksAfterRunning(t *testing.T) {
	f := newFixture(t)
	calls := f.register("ping", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return map[string]interface{}{"sent": true}, nil
	})
	notify := stubNode("notify", "ping")
	notify.InterruptAfter = true
	wf := f.addWorkflow("post-gated",
		[]*models.WorkflowNode{notify, stubNode("done", "ping")},
		[]*models.WorkflowEdge{directEdge("notify", "done")})
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "notify")

	assert.Equal(t, 1, *calls)
	assert.Equal(t, models.StatusInterrupted, f.executions.get(t, exec.ExecutionID).Status)
	assert.Equal(t, int64(0), f.inflight(t, exec))
	assert.Empty(t, f.queue.nodeIDs())
	assert.Len(t, f.logs.byStatus(models.AttemptCompleted), 1)
	out, ok := f.loadState(t, exec).NodeOutput("notify")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"sent": true}, out)

	require.NoError(t, f.sched.ResumeNode(context.Background(), exec.ExecutionID.String(), "ok"))
	f.queue.reset()

	// The resumed attempt runs the node again but skips the gate.
	f.run(t, exec, "notify")
	assert.Equal(t, 2, *calls)
	assert.Equal(t, []string{"done"}, f.queue.nodeIDs())
	assert.Equal(t, models.StatusRunning, f.executions.get(t, exec.ExecutionID).Status)
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	f.register("flaky", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return nil, fmt.Errorf("boom")
	})
	wf := f.addWorkflow("retry-flow",
		[]*models.WorkflowNode{stubNode("a", "flaky"), stubNode("b", "flaky")},
		[]*models.WorkflowEdge{directEdge("a", "b")})
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "a")

	entry := f.queue.last(t)
	assert.Equal(t, queue.TypeExecuteNode, entry.job.Type)
	assert.Equal(t, "a", entry.job.NodeID)
	assert.Equal(t, 1, entry.job.RetryCount)
	assert.Equal(t, 2*time.Second, entry.delay)

	// The replacement job inherits the slot, so the counter is untouched.
	assert.Equal(t, int64(1), f.inflight(t, exec))
	assert.Equal(t, models.StatusRunning, f.executions.get(t, exec.ExecutionID).Status)

	rows := f.logs.byStatus(models.AttemptFailed)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Error)
	assert.Equal(t, "boom", *rows[0].Error)
	require.NotNil(t, rows[0].ErrorCode)
	assert.Equal(t, errCodeTransient, *rows[0].ErrorCode)
}

func TestRetryExhaustionFailsExecution(t *testing.T) {
	f := newFixture(t)
	f.register("flaky", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return nil, fmt.Errorf("boom")
	})
	wf := f.addWorkflow("doomed",
		[]*models.WorkflowNode{stubNode("a", "flaky")},
		nil)
	exec := f.newExecution(wf, nil)
	require.NoError(t, f.sched.StartExecution(context.Background(), exec.ExecutionID.String()))

	f.pump(t)

	row := f.executions.get(t, exec.ExecutionID)
	assert.Equal(t, models.StatusFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, "node a failed: boom", *row.ErrorMessage)

	// Initial attempt plus three retries, backoff doubling each time.
	assert.Len(t, f.logs.byStatus(models.AttemptFailed), 4)
	assert.Equal(t, []time.Duration{0, 2 * time.Second, 4 * time.Second, 8 * time.Second}, f.queue.delays())
	assert.Empty(t, f.executionKeys(t, exec))
}

func TestNodeMaxRetriesOverridesEngineDefault(t *testing.T) {
	f := newFixture(t)
	f.register("flaky", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return nil, fmt.Errorf("boom")
	})
	once := stubNode("a", "flaky")
	once.MaxRetries = intPtr(0)
	wf := f.addWorkflow("no-retries", []*models.WorkflowNode{once}, nil)
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "a")

	row := f.executions.get(t, exec.ExecutionID)
	assert.Equal(t, models.StatusFailed, row.Status)
	assert.Len(t, f.logs.byStatus(models.AttemptFailed), 1)
	assert.Empty(t, f.queue.nodeIDs())
}

func TestComponentPanicRetriesAsTransient(t *testing.T) {
	f := newFixture(t)
	f.register("bomb", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		panic("kaboom")
	})
	wf := f.addWorkflow("panicky", []*models.WorkflowNode{stubNode("a", "bomb")}, nil)
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "a")

	rows := f.logs.byStatus(models.AttemptFailed)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Error)
	assert.Contains(t, *rows[0].Error, "component panicked")
	require.NotNil(t, rows[0].ErrorCode)
	assert.Equal(t, errCodeTransient, *rows[0].ErrorCode)

	entry := f.queue.last(t)
	assert.Equal(t, 1, entry.job.RetryCount)
	assert.Equal(t, models.StatusRunning, f.executions.get(t, exec.ExecutionID).Status)
}

func TestUnknownComponentTypeFailsPermanently(t *testing.T) {
	f := newFixture(t)
	wf := f.addWorkflow("misconfigured", []*models.WorkflowNode{stubNode("a", "nonexistent")}, nil)
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "a")

	row := f.executions.get(t, exec.ExecutionID)
	assert.Equal(t, models.StatusFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "no component registered")
	assert.Empty(t, f.queue.nodeIDs())

	rows := f.logs.byStatus(models.AttemptFailed)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ErrorCode)
	assert.Equal(t, errCodePermanent, *rows[0].ErrorCode)
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	f := newFixture(t)
	f.register("doomed", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return nil, components.Permanentf("config invalid")
	})
	wf := f.addWorkflow("fatal", []*models.WorkflowNode{stubNode("a", "doomed")}, nil)
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "a")

	row := f.executions.get(t, exec.ExecutionID)
	assert.Equal(t, models.StatusFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, "node a failed: config invalid", *row.ErrorMessage)
	assert.Len(t, f.logs.byStatus(models.AttemptFailed), 1)
	assert.Empty(t, f.queue.nodeIDs())
	assert.Empty(t, f.executionKeys(t, exec))
}

func TestLoopBodyFailureContinuesIteration(t *testing.T) {
	f := newFixture(t)
	f.register("broken", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return nil, components.Permanentf("bad item")
	})
	f.register("tail", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return map[string]interface{}{"done": true}, nil
	})
	loopNode := stubNode("loop_1", "loop")
	loopNode.Config = map[string]any{"items": []any{"one", "two"}}
	wf := f.addWorkflow("looping",
		[]*models.WorkflowNode{loopNode, stubNode("work", "broken"), stubNode("after", "tail")},
		[]*models.WorkflowEdge{
			loopEdge("loop_1", "work", models.EdgeLabelLoopBody),
			loopEdge("work", "loop_1", models.EdgeLabelLoopReturn),
			directEdge("loop_1", "after"),
		})
	exec := f.newExecution(wf, nil)
	require.NoError(t, f.sched.StartExecution(context.Background(), exec.ExecutionID.String()))

	f.pump(t)

	// Both iterations fail permanently, yet the loop drains and the
	// execution completes with the failures recorded per iteration.
	row := f.executions.get(t, exec.ExecutionID)
	assert.Equal(t, models.StatusCompleted, row.Status)

	failed := f.logs.byStatus(models.AttemptFailed)
	require.Len(t, failed, 2)
	for _, r := range failed {
		assert.Equal(t, "work", r.NodeID)
		require.NotNil(t, r.ErrorCode)
		assert.Equal(t, errCodePermanent, *r.ErrorCode)
	}

	loopOut, ok := row.FinalOutput["loop_1"].(map[string]any)
	require.True(t, ok, "final output missing loop results: %v", row.FinalOutput)
	results, ok := loopOut["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	for _, r := range results {
		snapshot, ok := r.(map[string]any)
		require.True(t, ok)
		errs, ok := snapshot["_errors"].(map[string]any)
		require.True(t, ok, "iteration snapshot missing _errors: %v", snapshot)
		workErr, ok := errs["work"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "bad item", workErr["error"])
	}

	tailOut, ok := row.FinalOutput["after"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, tailOut["done"])
	assert.Empty(t, f.executionKeys(t, exec))
}

func TestBudgetExceededFailsExecution(t *testing.T) {
	f := newFixture(t)
	f.budget.limit = 5
	f.register("spender", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return map[string]interface{}{
			"_usage": map[string]interface{}{"total_tokens": 10, "llm_calls": 1},
			"answer": "x",
		}, nil
	})
	wf := f.addWorkflow("expensive",
		[]*models.WorkflowNode{stubNode("a", "spender"), stubNode("b", "spender")},
		[]*models.WorkflowEdge{directEdge("a", "b")})
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "a")

	row := f.executions.get(t, exec.ExecutionID)
	assert.Equal(t, models.StatusFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, "token budget exceeded: 10 >= 5", *row.ErrorMessage)
	assert.Equal(t, int64(10), row.TotalTokens)
	assert.Empty(t, f.queue.nodeIDs())
	assert.Empty(t, f.executionKeys(t, exec))
}

func TestUsageAccumulatesAcrossNodes(t *testing.T) {
	f := newFixture(t)
	f.register("spender", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return map[string]interface{}{
			"_usage": map[string]interface{}{
				"input_tokens":  2,
				"output_tokens": 3,
				"total_tokens":  5,
				"llm_calls":     1,
			},
			"answer": "x",
		}, nil
	})
	wf := f.addWorkflow("metered",
		[]*models.WorkflowNode{stubNode("a", "spender"), stubNode("b", "spender")},
		[]*models.WorkflowEdge{directEdge("a", "b")})
	exec := f.newExecution(wf, nil)
	require.NoError(t, f.sched.StartExecution(context.Background(), exec.ExecutionID.String()))

	f.pump(t)

	row := f.executions.get(t, exec.ExecutionID)
	assert.Equal(t, models.StatusCompleted, row.Status)
	assert.Equal(t, int64(4), row.TotalInputTokens)
	assert.Equal(t, int64(6), row.TotalOutputTokens)
	assert.Equal(t, int64(10), row.TotalTokens)
	assert.Equal(t, int64(2), row.LLMCalls)

	require.NotEmpty(t, f.budget.spend)
	assert.Equal(t, int64(10), f.budget.spend[len(f.budget.spend)-1].TotalTokens)
}

func TestSubworkflowSuspendAndResume(t *testing.T) {
	f := newFixture(t)
	f.register("tail", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})
	sub := stubNode("sub", "subworkflow")
	sub.Config = map[string]any{"workflow_slug": "child-flow"}
	wf := f.addWorkflow("parent",
		[]*models.WorkflowNode{sub, stubNode("done", "tail")},
		[]*models.WorkflowEdge{directEdge("sub", "done")})
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "sub")

	// Parked: slot released, execution still running, nothing scheduled.
	assert.Equal(t, models.StatusRunning, f.executions.get(t, exec.ExecutionID).Status)
	assert.Equal(t, int64(0), f.inflight(t, exec))
	assert.Empty(t, f.queue.nodeIDs())

	require.Len(t, f.launcher.requests, 1)
	req := f.launcher.requests[0]
	assert.Equal(t, exec.ExecutionID.String(), req.ParentExecutionID)
	assert.Equal(t, "sub", req.ParentNodeID)
	assert.Equal(t, "child-flow", req.WorkflowSlug)

	waiting := f.logs.byStatus(models.AttemptWaiting)
	require.Len(t, waiting, 1)
	assert.Equal(t, "sub", waiting[0].NodeID)

	// Child completion re-arms the node; the second attempt picks up the
	// staged result instead of launching again.
	require.NoError(t, f.sched.ResumeFromChild(context.Background(), exec.ExecutionID, "sub", map[string]interface{}{"answer": 42}))
	f.pump(t)

	row := f.executions.get(t, exec.ExecutionID)
	assert.Equal(t, models.StatusCompleted, row.Status)
	require.Len(t, f.launcher.requests, 1)

	subOut, ok := row.FinalOutput["sub"].(map[string]any)
	require.True(t, ok, "final output missing sub node: %v", row.FinalOutput)
	child, ok := subOut["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), child["answer"])
}

func TestWaitComponentDelaysSuccessor(t *testing.T) {
	f := newFixture(t)
	f.register("tail", func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
		return nil, nil
	})
	pause := stubNode("pause", "wait")
	pause.Config = map[string]any{"seconds": 3}
	wf := f.addWorkflow("delayed",
		[]*models.WorkflowNode{pause, stubNode("next", "tail")},
		[]*models.WorkflowEdge{directEdge("pause", "next")})
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "pause")

	entry := f.queue.last(t)
	assert.Equal(t, "next", entry.job.NodeID)
	assert.Equal(t, 3*time.Second, entry.delay)
}

func TestComponentDefaultsMergeIntoNodeConfig(t *testing.T) {
	f := newFixture(t)
	cfgID := uuid.New()
	f.workflows.configs[cfgID] = &models.ComponentConfig{
		ConfigID:      cfgID,
		ComponentType: "cfg_probe",
		Defaults:      map[string]any{"greeting": "hello", "x": float64(1)},
	}

	var got map[string]interface{}
	f.registry.Register("cfg_probe", func(deps components.Deps, node *topology.NodeInfo, cfg map[string]interface{}) (components.Component, error) {
		got = cfg
		return componentFunc(func(ctx context.Context, st *state.State) (map[string]interface{}, error) {
			return nil, nil
		}), nil
	})

	probe := stubNode("p", "cfg_probe")
	probe.ComponentConfigID = &cfgID
	probe.Config = map[string]any{"x": 2}
	wf := f.addWorkflow("configured", []*models.WorkflowNode{probe}, nil)
	exec := f.newExecution(wf, nil)
	f.start(t, exec)

	f.run(t, exec, "p")

	// Node overrides win over shared defaults.
	assert.Equal(t, map[string]interface{}{"greeting": "hello", "x": float64(2)}, got)
	assert.Equal(t, models.StatusCompleted, f.executions.get(t, exec.ExecutionID).Status)
}

func TestRetryBackoffGrowth(t *testing.T) {
	base, limit := 2*time.Second, time.Minute
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{3, 16 * time.Second},
		{4, 32 * time.Second},
		{5, time.Minute},
		{17, time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, retryBackoff(tc.retryCount, base, limit), "retry count %d", tc.retryCount)
	}
}

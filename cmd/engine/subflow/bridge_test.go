package subflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/nodeflow/cmd/engine/components"
	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/common/dispatch"
	"github.com/lyzr/nodeflow/common/models"
	"github.com/lyzr/nodeflow/common/queue"
	"github.com/lyzr/nodeflow/common/repository"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *testLogger) Error(msg string, keysAndValues ...interface{}) { l.t.Logf("[ERROR] %s %v", msg, keysAndValues) }
func (l *testLogger) Warn(msg string, keysAndValues ...interface{})  { l.t.Logf("[WARN] %s %v", msg, keysAndValues) }
func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) {}

type fakeWorkflows struct {
	bySlug map[string]*models.Workflow
}

func (f *fakeWorkflows) GetBySlug(ctx context.Context, slug string) (*models.Workflow, error) {
	wf, ok := f.bySlug[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return wf, nil
}

type fakeExecutions struct {
	byID    map[uuid.UUID]*models.Execution
	created []*models.Execution
}

func (f *fakeExecutions) GetByID(ctx context.Context, executionID uuid.UUID) (*models.Execution, error) {
	exec, ok := f.byID[executionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return exec, nil
}

func (f *fakeExecutions) Create(ctx context.Context, exec *models.Execution) error {
	f.created = append(f.created, exec)
	return nil
}

type fakeDispatcher struct {
	events  []dispatch.Event
	started []uuid.UUID
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, event dispatch.Event) ([]uuid.UUID, error) {
	f.events = append(f.events, event)
	return f.started, nil
}

type fakeEnqueuer struct {
	jobs []*queue.Job
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job *queue.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeEnqueuer) EnqueueIn(ctx context.Context, delay time.Duration, job *queue.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

type bridgeFixture struct {
	bridge     *Bridge
	workflows  *fakeWorkflows
	executions *fakeExecutions
	dispatcher *fakeDispatcher
	queue      *fakeEnqueuer
	parent     *models.Execution
}

func newFixture(t *testing.T) *bridgeFixture {
	t.Helper()

	epicID := "epic-1"
	parent := &models.Execution{
		ExecutionID:   uuid.New(),
		WorkflowID:    uuid.New(),
		UserProfileID: "user-1",
		EpicID:        &epicID,
		Status:        models.StatusRunning,
	}

	workflows := &fakeWorkflows{bySlug: map[string]*models.Workflow{
		"enrich": {WorkflowID: uuid.New(), Slug: "enrich", UserProfileID: "other-user", IsActive: true},
	}}
	executions := &fakeExecutions{byID: map[uuid.UUID]*models.Execution{parent.ExecutionID: parent}}
	dispatcher := &fakeDispatcher{}
	q := &fakeEnqueuer{}

	return &bridgeFixture{
		bridge:     NewBridge(workflows, executions, dispatcher, q, &testLogger{t}),
		workflows:  workflows,
		executions: executions,
		dispatcher: dispatcher,
		queue:      q,
		parent:     parent,
	}
}

func launchRequest(f *bridgeFixture, st *state.State) components.LaunchRequest {
	return components.LaunchRequest{
		ParentExecutionID: f.parent.ExecutionID.String(),
		ParentNodeID:      "sub_1",
		WorkflowSlug:      "enrich",
		State:             st,
	}
}

func TestLaunchImplicitCreatesChild(t *testing.T) {
	f := newFixture(t)
	st := state.New(f.parent.ExecutionID.String(), map[string]interface{}{"text": "hi"}, "user-1")

	childID, err := f.bridge.Launch(context.Background(), launchRequest(f, st))
	require.NoError(t, err)

	require.Len(t, f.executions.created, 1)
	child := f.executions.created[0]
	assert.Equal(t, childID, child.ExecutionID.String())
	assert.Equal(t, f.workflows.bySlug["enrich"].WorkflowID, child.WorkflowID)
	assert.Equal(t, models.StatusPending, child.Status)
	assert.Equal(t, f.parent.ExecutionID, *child.ParentExecutionID)
	assert.Equal(t, "sub_1", *child.ParentNodeID)
	assert.Equal(t, "user-1", child.UserProfileID)
	assert.Equal(t, "epic-1", *child.EpicID)

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, queue.TypeStartExecution, f.queue.jobs[0].Type)
	assert.Equal(t, childID, f.queue.jobs[0].ExecutionID)
}

func TestLaunchDefaultPayloadPassesTriggerAndOutputs(t *testing.T) {
	f := newFixture(t)
	st := state.New(f.parent.ExecutionID.String(), map[string]interface{}{"text": "hi"}, "user-1")
	st.SetNodeOutput("fetch", map[string]interface{}{"rows": float64(3)})

	_, err := f.bridge.Launch(context.Background(), launchRequest(f, st))
	require.NoError(t, err)

	payload := f.executions.created[0].TriggerPayload
	assert.Contains(t, payload, "trigger")
	assert.Contains(t, payload, "node_outputs")
}

func TestLaunchInputMappingPicksPaths(t *testing.T) {
	f := newFixture(t)
	st := state.New(f.parent.ExecutionID.String(), map[string]interface{}{"text": "hi"}, "user-1")
	st.SetNodeOutput("fetch", map[string]interface{}{"title": "Go"})

	req := launchRequest(f, st)
	req.InputMapping = map[string]string{
		"query": "trigger.text",
		"title": "node_outputs.fetch.title",
		"ghost": "node_outputs.missing",
	}

	_, err := f.bridge.Launch(context.Background(), req)
	require.NoError(t, err)

	payload := f.executions.created[0].TriggerPayload
	assert.Equal(t, "hi", payload["query"])
	assert.Equal(t, "Go", payload["title"])
	assert.NotContains(t, payload, "ghost")
}

func TestLaunchPayloadPathPortsSubDocument(t *testing.T) {
	f := newFixture(t)
	st := state.New(f.parent.ExecutionID.String(), map[string]interface{}{}, "user-1")
	st.SetNodeOutput("shape", map[string]interface{}{
		"request": map[string]interface{}{"kind": "enrich", "id": float64(7)},
	})

	req := launchRequest(f, st)
	req.PayloadPath = "node_outputs.shape.request"

	_, err := f.bridge.Launch(context.Background(), req)
	require.NoError(t, err)

	payload := f.executions.created[0].TriggerPayload
	assert.Equal(t, "enrich", payload["kind"])
}

func TestLaunchPayloadPathMustBeObject(t *testing.T) {
	f := newFixture(t)
	st := state.New(f.parent.ExecutionID.String(), map[string]interface{}{"text": "hi"}, "user-1")

	req := launchRequest(f, st)
	req.PayloadPath = "trigger.text"

	_, err := f.bridge.Launch(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an object")
}

func TestLaunchInactiveChildRejected(t *testing.T) {
	f := newFixture(t)
	f.workflows.bySlug["enrich"].IsActive = false
	st := state.New(f.parent.ExecutionID.String(), map[string]interface{}{}, "user-1")

	_, err := f.bridge.Launch(context.Background(), launchRequest(f, st))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not active")
}

func TestLaunchSelfRejected(t *testing.T) {
	f := newFixture(t)
	f.workflows.bySlug["enrich"].WorkflowID = f.parent.WorkflowID
	st := state.New(f.parent.ExecutionID.String(), map[string]interface{}{}, "user-1")

	_, err := f.bridge.Launch(context.Background(), launchRequest(f, st))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot launch itself")
}

func TestLaunchExplicitDispatchesWithParentLinkage(t *testing.T) {
	f := newFixture(t)
	childID := uuid.New()
	f.dispatcher.started = []uuid.UUID{childID}

	st := state.New(f.parent.ExecutionID.String(), map[string]interface{}{"text": "hi"}, "user-1")
	req := launchRequest(f, st)
	req.WorkflowSlug = ""
	req.Source = "internal"

	got, err := f.bridge.Launch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, childID.String(), got)

	require.Len(t, f.dispatcher.events, 1)
	event := f.dispatcher.events[0]
	assert.Equal(t, "internal", event.Source)
	assert.Equal(t, f.parent.ExecutionID, *event.ParentExecutionID)
	assert.Equal(t, "sub_1", *event.ParentNodeID)
	assert.Equal(t, "epic-1", *event.EpicID)
	assert.Equal(t, "user-1", event.UserProfileID)
}

func TestLaunchExplicitNoMatchIsError(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.started = nil

	st := state.New(f.parent.ExecutionID.String(), map[string]interface{}{}, "user-1")
	req := launchRequest(f, st)
	req.WorkflowSlug = ""
	req.Source = "internal"

	_, err := f.bridge.Launch(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active trigger matched")
}

func TestLaunchUnknownParentFails(t *testing.T) {
	f := newFixture(t)
	st := state.New("", map[string]interface{}{}, "user-1")

	req := launchRequest(f, st)
	req.ParentExecutionID = uuid.New().String()

	_, err := f.bridge.Launch(context.Background(), req)
	require.Error(t, err)
}

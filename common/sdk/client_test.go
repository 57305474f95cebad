package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/nodeflow/common/models"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *testLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (l *testLogger) Error(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[ERROR] %s %v", msg, keysAndValues)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(ts.URL, "alice", &testLogger{t})
}

func TestStartExecutionSendsUserAndPayload(t *testing.T) {
	executionID := uuid.New()
	epicID := "epic-7"

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/workflows/daily-report/executions", r.URL.Path)
		assert.Equal(t, "alice", r.Header.Get("X-User-ID"))

		var req StartExecutionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, map[string]interface{}{"city": "Berlin"}, req.TriggerPayload)
		require.NotNil(t, req.EpicID)
		assert.Equal(t, "epic-7", *req.EpicID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(StartExecutionResponse{ExecutionID: executionID})
	})

	got, err := client.StartExecution(context.Background(), "daily-report", StartExecutionRequest{
		TriggerPayload: map[string]interface{}{"city": "Berlin"},
		EpicID:         &epicID,
	})
	require.NoError(t, err)
	assert.Equal(t, executionID, got)
}

func TestExecutionDecodesModel(t *testing.T) {
	executionID := uuid.New()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/executions/"+executionID.String(), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.Execution{
			ExecutionID: executionID,
			Status:      models.StatusRunning,
			TotalTokens: 1200,
		})
	})

	exec, err := client.Execution(context.Background(), executionID)
	require.NoError(t, err)
	assert.Equal(t, executionID, exec.ExecutionID)
	assert.Equal(t, models.StatusRunning, exec.Status)
	assert.Equal(t, int64(1200), exec.TotalTokens)
}

func TestResumeAndCancelPostBodies(t *testing.T) {
	executionID := uuid.New()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case fmt.Sprintf("/api/v1/executions/%s/resume", executionID):
			var req ResumeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "approved", req.UserInput)
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(ExecutionActionResponse{ExecutionID: executionID, Status: "resuming"})
		case fmt.Sprintf("/api/v1/executions/%s/cancel", executionID):
			var req CancelRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "changed my mind", req.Reason)
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(ExecutionActionResponse{ExecutionID: executionID, Status: "cancelling"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	resumed, err := client.Resume(context.Background(), executionID, "approved")
	require.NoError(t, err)
	assert.Equal(t, "resuming", resumed.Status)

	cancelled, err := client.Cancel(context.Background(), executionID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, "cancelling", cancelled.Status)
}

func TestPostEventReturnsStartedExecutions(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/events", r.URL.Path)
		var req EventRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "github.push", req.Source)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(EventResponse{ExecutionIDs: ids})
	})

	got, err := client.PostEvent(context.Background(), EventRequest{
		Source:  "github.push",
		Payload: map[string]interface{}{"ref": "main"},
	})
	require.NoError(t, err)
	assert.Equal(t, ids, got)
}

func TestWorkflowExecutionsPassesLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/workflows/daily-report/executions", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ExecutionsResponse{
			Executions: []models.Execution{{Status: models.StatusCompleted}},
		})
	})

	execs, err := client.WorkflowExecutions(context.Background(), "daily-report", 5)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, models.StatusCompleted, execs[0].Status)
}

func TestErrorResponsesSurfaceStatusAndBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "workflow is not active"})
	})

	_, err := client.StartExecution(context.Background(), "daily-report", StartExecutionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "workflow is not active")
}

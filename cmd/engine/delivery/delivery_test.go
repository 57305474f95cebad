package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/nodeflow/common/models"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *testLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (l *testLogger) Error(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[ERROR] %s %v", msg, keysAndValues)
}

func testExecution() *models.Execution {
	completed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	return &models.Execution{
		ExecutionID: uuid.New(),
		WorkflowID:  uuid.New(),
		Status:      models.StatusCompleted,
		CompletedAt: &completed,
	}
}

func TestDeliverPostsToWorkflowURL(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exec := testExecution()
	url := server.URL
	wf := &models.Workflow{Slug: "support-triage", DeliveryURL: &url}

	d := NewWebhookDeliverer("", 0, &testLogger{t})
	err := d.Deliver(context.Background(), exec, wf, map[string]interface{}{"message": "done"})
	require.NoError(t, err)

	assert.Equal(t, exec.ExecutionID.String(), gotBody["execution_id"])
	assert.Equal(t, "support-triage", gotBody["workflow_slug"])
	assert.Equal(t, "completed", gotBody["status"])
	assert.Equal(t, map[string]interface{}{"message": "done"}, gotBody["output"])
	assert.Equal(t, "2026-08-25T12:00:00Z", gotBody["completed_at"])
}

func TestDeliverWorkflowURLOverridesDefault(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer server.Close()

	url := server.URL
	wf := &models.Workflow{DeliveryURL: &url}

	d := NewWebhookDeliverer("http://127.0.0.1:1/never", 0, &testLogger{t})
	err := d.Deliver(context.Background(), testExecution(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestDeliverSkipsWithoutURL(t *testing.T) {
	d := NewWebhookDeliverer("", 0, &testLogger{t})
	err := d.Deliver(context.Background(), testExecution(), &models.Workflow{}, nil)
	require.NoError(t, err)
}

func TestDeliverSurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rejected", http.StatusBadGateway)
	}))
	defer server.Close()

	d := NewWebhookDeliverer(server.URL, 0, &testLogger{t})
	err := d.Deliver(context.Background(), testExecution(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNoopDeliverer(t *testing.T) {
	var d Deliverer = Noop{}
	require.NoError(t, d.Deliver(context.Background(), testExecution(), nil, nil))
}

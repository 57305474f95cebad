package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/nodeflow/common/clients"
	"github.com/lyzr/nodeflow/common/models"
)

// Client talks to the nodeflow API on behalf of one user. The user ID
// travels as the X-User-ID header on every request.
type Client struct {
	baseURL string
	userID  string
	http    *clients.HTTPClient
}

// Option adjusts a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client, mainly for tests and
// callers that need custom transports.
func WithHTTPClient(httpClient *http.Client, logger clients.Logger) Option {
	return func(c *Client) {
		c.http = clients.NewHTTPClient(httpClient, logger)
	}
}

// New creates a client for the API at baseURL, acting as userID.
func New(baseURL, userID string, logger clients.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		userID:  userID,
		http:    clients.NewHTTPClient(&http.Client{Timeout: 30 * time.Second}, logger),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartExecution starts a run of the named workflow and returns the
// execution ID. The execution is processed asynchronously; poll
// Execution or subscribe to the fanout gateway for progress.
func (c *Client) StartExecution(ctx context.Context, slug string, req StartExecutionRequest) (uuid.UUID, error) {
	var resp StartExecutionResponse
	endpoint := fmt.Sprintf("%s/api/v1/workflows/%s/executions", c.baseURL, url.PathEscape(slug))
	if err := c.http.DoJSON(c.auth(ctx), http.MethodPost, endpoint, req, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.ExecutionID, nil
}

// Execution fetches the current state of one execution.
func (c *Client) Execution(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	var exec models.Execution
	endpoint := fmt.Sprintf("%s/api/v1/executions/%s", c.baseURL, id)
	if err := c.http.DoJSON(c.auth(ctx), http.MethodGet, endpoint, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ExecutionLogs lists the per-node attempt log of an execution.
func (c *Client) ExecutionLogs(ctx context.Context, id uuid.UUID) ([]models.ExecutionLog, error) {
	var resp LogsResponse
	endpoint := fmt.Sprintf("%s/api/v1/executions/%s/logs", c.baseURL, id)
	if err := c.http.DoJSON(c.auth(ctx), http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// PendingTask fetches the confirmation task an interrupted execution is
// waiting on. The API returns 404 when there is none.
func (c *Client) PendingTask(ctx context.Context, id uuid.UUID) (*models.PendingTask, error) {
	var task models.PendingTask
	endpoint := fmt.Sprintf("%s/api/v1/executions/%s/pending-task", c.baseURL, id)
	if err := c.http.DoJSON(c.auth(ctx), http.MethodGet, endpoint, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Resume feeds user input to an interrupted execution.
func (c *Client) Resume(ctx context.Context, id uuid.UUID, userInput string) (*ExecutionActionResponse, error) {
	var resp ExecutionActionResponse
	endpoint := fmt.Sprintf("%s/api/v1/executions/%s/resume", c.baseURL, id)
	if err := c.http.DoJSON(c.auth(ctx), http.MethodPost, endpoint, ResumeRequest{UserInput: userInput}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel requests cancellation of a live execution.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID, reason string) (*ExecutionActionResponse, error) {
	var resp ExecutionActionResponse
	endpoint := fmt.Sprintf("%s/api/v1/executions/%s/cancel", c.baseURL, id)
	if err := c.http.DoJSON(c.auth(ctx), http.MethodPost, endpoint, CancelRequest{Reason: reason}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostEvent publishes a trigger event and returns the executions it
// started. An empty slice means no active trigger matched.
func (c *Client) PostEvent(ctx context.Context, req EventRequest) ([]uuid.UUID, error) {
	var resp EventResponse
	endpoint := c.baseURL + "/api/v1/events"
	if err := c.http.DoJSON(c.auth(ctx), http.MethodPost, endpoint, req, &resp); err != nil {
		return nil, err
	}
	return resp.ExecutionIDs, nil
}

// Workflows lists the active workflows.
func (c *Client) Workflows(ctx context.Context) ([]models.Workflow, error) {
	var resp WorkflowsResponse
	endpoint := c.baseURL + "/api/v1/workflows"
	if err := c.http.DoJSON(c.auth(ctx), http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workflows, nil
}

// Workflow fetches one workflow by slug.
func (c *Client) Workflow(ctx context.Context, slug string) (*models.Workflow, error) {
	var wf models.Workflow
	endpoint := fmt.Sprintf("%s/api/v1/workflows/%s", c.baseURL, url.PathEscape(slug))
	if err := c.http.DoJSON(c.auth(ctx), http.MethodGet, endpoint, nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// WorkflowExecutions lists recent executions of a workflow, newest
// first. limit <= 0 uses the server default.
func (c *Client) WorkflowExecutions(ctx context.Context, slug string, limit int) ([]models.Execution, error) {
	endpoint := fmt.Sprintf("%s/api/v1/workflows/%s/executions", c.baseURL, url.PathEscape(slug))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp ExecutionsResponse
	if err := c.http.DoJSON(c.auth(ctx), http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

func (c *Client) auth(ctx context.Context) context.Context {
	return clients.WithUserID(ctx, c.userID)
}

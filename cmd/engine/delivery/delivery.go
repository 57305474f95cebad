package delivery

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lyzr/nodeflow/common/clients"
	"github.com/lyzr/nodeflow/common/models"
)

// Deliverer hands the final output of a completed execution to an external
// channel. Delivery is best-effort: the scheduler logs failures but never
// reverts the execution's terminal status.
type Deliverer interface {
	Deliver(ctx context.Context, exec *models.Execution, wf *models.Workflow, output map[string]interface{}) error
}

// WebhookDeliverer POSTs final output to the workflow's delivery URL,
// falling back to a globally configured default.
type WebhookDeliverer struct {
	defaultURL string
	http       *clients.HTTPClient
	logger     clients.Logger
}

// NewWebhookDeliverer creates a deliverer with an optional default URL.
// A non-positive timeout falls back to 15s.
func NewWebhookDeliverer(defaultURL string, timeout time.Duration, logger clients.Logger) *WebhookDeliverer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{
		Timeout: timeout,
	}

	return &WebhookDeliverer{
		defaultURL: defaultURL,
		http:       clients.NewHTTPClient(httpClient, logger),
		logger:     logger,
	}
}

// Deliver posts the execution's final output. Workflows without a delivery
// URL (and no default) are skipped silently.
func (d *WebhookDeliverer) Deliver(ctx context.Context, exec *models.Execution, wf *models.Workflow, output map[string]interface{}) error {
	url := d.defaultURL
	if wf != nil && wf.DeliveryURL != nil && *wf.DeliveryURL != "" {
		url = *wf.DeliveryURL
	}
	if url == "" {
		d.logger.Debug("no delivery url configured, skipping output delivery",
			"execution_id", exec.ExecutionID)
		return nil
	}

	payload := map[string]interface{}{
		"execution_id": exec.ExecutionID.String(),
		"workflow_id":  exec.WorkflowID.String(),
		"status":       exec.Status,
		"output":       output,
	}
	if wf != nil {
		payload["workflow_slug"] = wf.Slug
	}
	if exec.CompletedAt != nil {
		payload["completed_at"] = exec.CompletedAt.UTC().Format(time.RFC3339)
	}

	if err := d.http.DoJSON(ctx, http.MethodPost, url, payload, nil); err != nil {
		return fmt.Errorf("failed to deliver output: %w", err)
	}

	d.logger.Info("delivered execution output",
		"execution_id", exec.ExecutionID,
		"url", url)

	return nil
}

// Noop is used when output delivery is disabled
type Noop struct{}

func (Noop) Deliver(ctx context.Context, exec *models.Execution, wf *models.Workflow, output map[string]interface{}) error {
	return nil
}

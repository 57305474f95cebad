package memory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lyzr/nodeflow/common/clients"
)

// Client manages conversational memory episodes for executions. Episode ids
// are opaque to the engine: it stores them in coordination KV and hands them
// back at completion. Both calls are best-effort seams; callers log failures
// and keep going.
type Client interface {
	StartEpisode(ctx context.Context, executionID, userProfileID string) (string, error)
	CompleteEpisode(ctx context.Context, episodeID string, finalOutput map[string]interface{}) error
}

// HTTPClient talks to an external memory service over HTTP
type HTTPClient struct {
	baseURL string
	http    *clients.HTTPClient
	logger  clients.Logger
}

// NewHTTPClient creates a memory client for the given service base URL.
// A non-positive timeout falls back to 10s.
func NewHTTPClient(baseURL string, timeout time.Duration, logger clients.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{
		Timeout: timeout,
	}

	return &HTTPClient{
		baseURL: baseURL,
		http:    clients.NewHTTPClient(httpClient, logger),
		logger:  logger,
	}
}

// StartEpisode opens an episode for the execution and returns its id
func (c *HTTPClient) StartEpisode(ctx context.Context, executionID, userProfileID string) (string, error) {
	payload := map[string]interface{}{
		"execution_id":    executionID,
		"user_profile_id": userProfileID,
	}

	var resp struct {
		EpisodeID string `json:"episode_id"`
	}
	url := fmt.Sprintf("%s/api/v1/episodes", c.baseURL)
	if err := c.http.DoJSON(ctx, http.MethodPost, url, payload, &resp); err != nil {
		return "", fmt.Errorf("failed to start episode: %w", err)
	}
	if resp.EpisodeID == "" {
		return "", fmt.Errorf("memory service returned empty episode_id")
	}

	c.logger.Debug("started memory episode",
		"execution_id", executionID,
		"episode_id", resp.EpisodeID)

	return resp.EpisodeID, nil
}

// CompleteEpisode closes the episode with the execution's final output
func (c *HTTPClient) CompleteEpisode(ctx context.Context, episodeID string, finalOutput map[string]interface{}) error {
	payload := map[string]interface{}{
		"final_output": finalOutput,
	}

	url := fmt.Sprintf("%s/api/v1/episodes/%s/complete", c.baseURL, episodeID)
	if err := c.http.DoJSON(ctx, http.MethodPost, url, payload, nil); err != nil {
		return fmt.Errorf("failed to complete episode %s: %w", episodeID, err)
	}

	c.logger.Debug("completed memory episode", "episode_id", episodeID)
	return nil
}

// Noop is used when no memory service is configured
type Noop struct{}

func (Noop) StartEpisode(ctx context.Context, executionID, userProfileID string) (string, error) {
	return "", nil
}

func (Noop) CompleteEpisode(ctx context.Context, episodeID string, finalOutput map[string]interface{}) error {
	return nil
}

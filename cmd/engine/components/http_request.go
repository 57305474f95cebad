package components

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
)

// maxResponseBytes caps how much of an HTTP response is pulled into the
// state blob
const maxResponseBytes = 1 << 20

// httpRequestComponent performs one outbound HTTP call. URL, headers
// and body support ${path} templating against state; the resolved URL
// must pass SSRF validation on every attempt (templates can smuggle
// hosts that static config cannot).
type httpRequestComponent struct {
	nodeID  string
	deps    Deps
	url     string
	method  string
	headers map[string]string
	body    interface{}
	payload string
}

func newHTTPRequest(deps Deps, node *topology.NodeInfo, config map[string]interface{}) (Component, error) {
	if deps.HTTP == nil {
		return nil, Permanentf("http_request node %s: no http client configured", node.NodeID)
	}
	if deps.URLCheck == nil {
		return nil, Permanentf("http_request node %s: no url validator configured", node.NodeID)
	}

	url, ok := configString(config, "url")
	if !ok {
		return nil, Permanentf("http_request node %s: config needs url", node.NodeID)
	}

	method, ok := configString(config, "method")
	if !ok {
		method = http.MethodGet
	}

	headers, _ := configStringMap(config, "headers")
	payload, _ := configString(config, "payload")

	return &httpRequestComponent{
		nodeID:  node.NodeID,
		deps:    deps,
		url:     url,
		method:  strings.ToUpper(method),
		headers: headers,
		body:    config["body"],
		payload: payload,
	}, nil
}

func (c *httpRequestComponent) Run(ctx context.Context, st *state.State) (map[string]interface{}, error) {
	doc, err := stateDoc(st)
	if err != nil {
		return nil, err
	}

	url, err := renderString(doc, c.url)
	if err != nil {
		return nil, fmt.Errorf("http_request node %s: %w", c.nodeID, err)
	}
	urlStr, ok := url.(string)
	if !ok {
		return nil, Permanentf("http_request node %s: url template resolved to %T, want string", c.nodeID, url)
	}

	if err := c.deps.URLCheck.Validate(urlStr); err != nil {
		return nil, Permanent(fmt.Errorf("http_request node %s: %w", c.nodeID, err))
	}

	body, err := c.renderBody(doc)
	if err != nil {
		return nil, fmt.Errorf("http_request node %s: %w", c.nodeID, err)
	}

	start := time.Now()
	resp, err := c.do(ctx, urlStr, body, doc)
	duration := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("http_request node %s: request failed: %w", c.nodeID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("http_request node %s: failed to read response: %w", c.nodeID, err)
	}

	// Keep JSON responses structured, everything else as text
	var responseData interface{}
	if err := json.Unmarshal(respBody, &responseData); err != nil {
		responseData = string(respBody)
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"body":        responseData,
		"url":         urlStr,
		"method":      c.method,
		"duration_ms": duration.Milliseconds(),
	}, nil
}

func (c *httpRequestComponent) renderBody(doc []byte) ([]byte, error) {
	if c.payload != "" {
		rendered, err := renderString(doc, c.payload)
		if err != nil {
			return nil, err
		}
		return []byte(stringify(rendered)), nil
	}
	if c.body == nil {
		return nil, nil
	}

	rendered, err := renderValue(doc, c.body)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(rendered)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return encoded, nil
}

func (c *httpRequestComponent) do(ctx context.Context, url string, body, doc []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, c.method, url, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "nodeflow-engine/1.0")
	for key, value := range c.headers {
		rendered, err := renderString(doc, value)
		if err != nil {
			return nil, err
		}
		req.Header.Set(key, stringify(rendered))
	}

	return c.deps.HTTP.Do(req)
}

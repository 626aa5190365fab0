// Package client provides a Go SDK for the fleetmesh dispatch server.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/dispatch"
	"github.com/fleetmesh/fleetmesh/ledger"
)

// Client manages authenticated requests to a fleetmesh server instance
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	userAgent  string
}

// Config specifies connection parameters for Client instances
type Config struct {
	BaseURL   string        // fleetmesh server base URL
	APIKey    string        // bearer token, empty when the server runs open
	Timeout   time.Duration // request timeout
	UserAgent string        // custom user agent
}

// NewClient creates a new fleetmesh client with the provided configuration
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "fleetmesh-go-client/1.0.0"
	}

	return &Client{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		userAgent: config.UserAgent,
	}, nil
}

// DispatchResult mirrors the server's dispatch response body.
type DispatchResult struct {
	Response  *fleetmesh.Response `json:"response"`
	Provider  string              `json:"provider"`
	Tier      fleetmesh.Tier      `json:"tier"`
	LatencyMs int64               `json:"latency_ms"`
	Cached    bool                `json:"cached"`
}

// Dispatch submits one inference request to the fleet.
func (c *Client) Dispatch(ctx context.Context, request *fleetmesh.Request) (*DispatchResult, error) {
	var result DispatchResult
	if err := c.makeRequest(ctx, http.MethodPost, "/v1/dispatch", request, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthReport lists the tracked health record of every provider seen so far.
type HealthReport struct {
	Providers []fleetmesh.HealthRecord `json:"providers"`
}

func (c *Client) Health(ctx context.Context) (*HealthReport, error) {
	var report HealthReport
	if err := c.makeRequest(ctx, http.MethodGet, "/v1/health", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ResetHealth clears the failure streak and blacklist of one provider.
func (c *Client) ResetHealth(ctx context.Context, provider string) error {
	return c.makeRequest(ctx, http.MethodPost, "/v1/health/reset/"+provider, nil, nil)
}

// ResetAllHealth clears the failure streak and blacklist of every provider.
func (c *Client) ResetAllHealth(ctx context.Context) error {
	return c.makeRequest(ctx, http.MethodPost, "/v1/health/reset", nil, nil)
}

// CapabilityReport lists every learned provider and task type pairing.
type CapabilityReport struct {
	Cells []fleetmesh.CapabilityRecord `json:"cells"`
}

func (c *Client) Capabilities(ctx context.Context) (*CapabilityReport, error) {
	var report CapabilityReport
	if err := c.makeRequest(ctx, http.MethodGet, "/v1/capabilities", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Usage aggregates the cost ledger since the given time. The zero time
// means the start of the current month.
func (c *Client) Usage(ctx context.Context, since time.Time) (*ledger.Usage, error) {
	endpoint := "/v1/usage"
	if !since.IsZero() {
		endpoint += "?since=" + since.UTC().Format(time.RFC3339)
	}

	var usage ledger.Usage
	if err := c.makeRequest(ctx, http.MethodGet, endpoint, nil, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// Feedback records one quality note against a task type.
func (c *Client) Feedback(ctx context.Context, taskType, note string, severity int, sampleID string) (*fleetmesh.FeedbackRecord, error) {
	payload := map[string]any{
		"task_type": taskType,
		"note":      note,
		"severity":  severity,
		"sample_id": sampleID,
	}

	var record fleetmesh.FeedbackRecord
	if err := c.makeRequest(ctx, http.MethodPost, "/v1/feedback", payload, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// makeRequest is a helper method for making HTTP requests
func (c *Client) makeRequest(ctx context.Context, method, endpoint string, body any, response any) error {
	req, err := c.createRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleHTTPError(resp)
	}

	if response != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(response)
	}
	return nil
}

// createRequest creates an HTTP request with proper headers
func (c *Client) createRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	url := c.baseURL + endpoint

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", c.userAgent)

	return req, nil
}

// handleHTTPError handles HTTP error responses
func (c *Client) handleHTTPError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("HTTP %d: failed to read error response", resp.StatusCode)
	}

	var failure struct {
		Error    string             `json:"error"`
		Attempts []dispatch.Attempt `json:"attempts"`
	}
	if err := json.Unmarshal(body, &failure); err != nil || failure.Error == "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    failure.Error,
		Attempts:   failure.Attempts,
	}
}

// APIError represents an API error
type APIError struct {
	StatusCode int                `json:"status_code"`
	Message    string             `json:"message"`
	Attempts   []dispatch.Attempt `json:"attempts,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

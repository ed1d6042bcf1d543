package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/busybox42/mailq/internal/queue"
)

// Client talks to a running server's HTTP API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client. A bare host:port is given an http
// scheme.
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s (status code %d)", e.Message, e.StatusCode)
}

// Health returns the server health report. An unhealthy queue is reported
// through the body, not as an error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.do(ctx, "GET", "/health", nil, &resp, http.StatusServiceUnavailable)
	return &resp, err
}

// Stats returns the queue statistics
func (c *Client) Stats(ctx context.Context) (*QueueStats, error) {
	var stats QueueStats
	err := c.do(ctx, "GET", "/api/queue/stats", nil, &stats)
	return &stats, err
}

// DeadLetters lists the live dead-letter store
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]queue.Record, error) {
	path := "/api/queue/deadletter"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var records []queue.Record
	err := c.do(ctx, "GET", path, nil, &records)
	return records, err
}

// Enqueue submits a message
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResponse, error) {
	var resp EnqueueResponse
	err := c.do(ctx, "POST", "/api/queue/messages", req, &resp)
	return &resp, err
}

// Pause stops dequeues
func (c *Client) Pause(ctx context.Context) (*AdminResponse, error) {
	return c.admin(ctx, "/api/queue/pause", nil)
}

// Resume restarts dequeues
func (c *Client) Resume(ctx context.Context) (*AdminResponse, error) {
	return c.admin(ctx, "/api/queue/resume", nil)
}

// Reload asks the server to re-read its configuration file
func (c *Client) Reload(ctx context.Context) (*AdminResponse, error) {
	return c.admin(ctx, "/api/queue/reload", nil)
}

// Requeue moves dead letters back to the queue; no ids means all
func (c *Client) Requeue(ctx context.Context, ids []uint64) (*AdminResponse, error) {
	return c.admin(ctx, "/api/queue/requeue", RequeueRequest{IDs: ids})
}

func (c *Client) admin(ctx context.Context, path string, body interface{}) (*AdminResponse, error) {
	var resp AdminResponse
	err := c.do(ctx, "POST", path, body, &resp)
	return &resp, err
}

// do performs a request and decodes the JSON answer into result. Statuses
// listed in accept are decoded like a success.
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}, accept ...int) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	ok := resp.StatusCode < 400
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok {
		var e ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

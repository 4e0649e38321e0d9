// Package tui is the read-only status dashboard `process-herder status`
// renders over the agent's loopback status API. It is strictly an
// observation surface: every mutation stays on the JSON-RPC transport.
package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/health"
	"github.com/procherder/agent/internal/registry"
	"github.com/procherder/agent/internal/testrun"
)

// APIClient polls the agent's status endpoints.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a client for the status API at addr
// (host:port).
func NewAPIClient(addr string) *APIClient {
	return &APIClient{
		baseURL: "http://" + addr,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *APIClient) get(path string, out any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("status api %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status api %s: %s (%s)", path, resp.Status, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Processes fetches every process snapshot.
func (c *APIClient) Processes() ([]registry.Snapshot, error) {
	var out []registry.Snapshot
	err := c.get("/api/processes", &out)
	return out, err
}

// HealthSummary fetches the aggregate health view.
func (c *APIClient) HealthSummary() (HealthSummary, error) {
	var out HealthSummary
	err := c.get("/api/health-summary", &out)
	return out, err
}

// HealthSummary mirrors the agent's get-health-summary payload.
type HealthSummary struct {
	TotalProcesses   int                    `json:"totalProcesses"`
	LiveProcesses    int                    `json:"liveProcesses"`
	AverageScore     int                    `json:"averageScore"`
	NeedingAttention []health.ProcessHealth `json:"needingAttention"`
	System           health.SystemStats     `json:"system"`
}

// TestRuns fetches every retained test run.
func (c *APIClient) TestRuns() ([]testrun.Descriptor, error) {
	var out []testrun.Descriptor
	err := c.get("/api/test-runs", &out)
	return out, err
}

// Events fetches recent events, optionally filtered by category.
func (c *APIClient) Events(category string, limit int) ([]eventbus.Event, error) {
	q := url.Values{}
	if category != "" {
		q.Set("category", category)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []eventbus.Event
	err := c.get("/api/events?"+q.Encode(), &out)
	return out, err
}

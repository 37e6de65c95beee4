// Package wandb reports completed optimization trials to a Weights & Biases
// style experiment service: one run per study, one history row per trial.
package wandb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Mode selects how records leave the process.
type Mode string

const (
	// ModeOnline pushes records to the service as they are produced.
	ModeOnline Mode = "online"
	// ModeOffline appends records to a local spool file for a later Sync.
	ModeOffline Mode = "offline"
	// ModeDisabled drops all records.
	ModeDisabled Mode = "disabled"
)

// RunSettings identifies a run within the service.
type RunSettings struct {
	Project string `json:"project"`
	Group   string `json:"group,omitempty"`
	Entity  string `json:"entity,omitempty"`
	Name    string `json:"name,omitempty"`
	JobType string `json:"job_type,omitempty"`
}

// Client records runs, their config, and history rows.
type Client interface {
	// InitRun registers a run and returns its ID.
	InitRun(ctx context.Context, settings RunSettings) (string, error)
	// UpdateConfig merges config keys into the run's config.
	UpdateConfig(ctx context.Context, runID string, config map[string]any) error
	// LogHistory appends one history row at the given step.
	LogHistory(ctx context.Context, runID string, step int64, row map[string]any) error
	// Finish marks the run complete.
	Finish(ctx context.Context, runID string) error
}

// HTTPClient pushes records to the service over its JSON API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient returns a client for the service at baseURL. apiKey may be
// empty for unauthenticated deployments.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) InitRun(ctx context.Context, settings RunSettings) (string, error) {
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := c.post(ctx, "/api/v1/runs", settings, &out); err != nil {
		return "", err
	}
	if out.RunID == "" {
		return "", fmt.Errorf("wandb: service returned no run ID")
	}
	return out.RunID, nil
}

func (c *HTTPClient) UpdateConfig(ctx context.Context, runID string, config map[string]any) error {
	body := map[string]any{"config": config}
	return c.post(ctx, "/api/v1/runs/"+runID+"/config", body, nil)
}

func (c *HTTPClient) LogHistory(ctx context.Context, runID string, step int64, row map[string]any) error {
	body := map[string]any{"step": step, "row": row}
	return c.post(ctx, "/api/v1/runs/"+runID+"/history", body, nil)
}

func (c *HTTPClient) Finish(ctx context.Context, runID string) error {
	return c.post(ctx, "/api/v1/runs/"+runID+"/finish", map[string]any{}, nil)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("wandb: base URL is empty")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("wandb: %s returned %s: %s", path, resp.Status, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// noopClient drops everything; used for ModeDisabled.
type noopClient struct{}

func (noopClient) InitRun(context.Context, RunSettings) (string, error) { return "disabled", nil }
func (noopClient) UpdateConfig(context.Context, string, map[string]any) error {
	return nil
}
func (noopClient) LogHistory(context.Context, string, int64, map[string]any) error {
	return nil
}
func (noopClient) Finish(context.Context, string) error { return nil }

// NewClient returns the client for the given mode: online pushes over HTTP,
// offline spools to dir, disabled drops everything.
func NewClient(mode Mode, baseURL, apiKey, dir string, timeout time.Duration) (Client, error) {
	switch mode {
	case ModeOnline, "":
		return NewHTTPClient(baseURL, apiKey, timeout), nil
	case ModeOffline:
		return NewSpoolClient(dir)
	case ModeDisabled:
		return noopClient{}, nil
	default:
		return nil, fmt.Errorf("wandb: unknown mode %q", mode)
	}
}

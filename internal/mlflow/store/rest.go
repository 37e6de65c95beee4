package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"opttrack/internal/security"
)

const (
	defaultTimeout = 15 * time.Second
	apiPrefix      = "/api/2.0/mlflow"
	restMaxTries   = 4
)

// errNotFound marks a 404 from the tracking server (e.g. unknown experiment name).
var errNotFound = errors.New("not found")

// RESTStore records tracking data through the MLflow REST API (2.0).
type RESTStore struct {
	baseURL    string
	httpClient *http.Client
	tokens     *security.TokenSource
	limiter    *rate.Limiter
}

// NewRESTStore returns a store that talks to the tracking server at baseURL.
// tokens may be nil for unauthenticated servers; limiter may be nil for no throttle.
func NewRESTStore(baseURL string, tokens *security.TokenSource, timeout time.Duration, limiter *rate.Limiter) *RESTStore {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &RESTStore{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		limiter:    limiter,
	}
}

type restExperiment struct {
	ExperimentID string `json:"experiment_id"`
	Name         string `json:"name"`
}

type restTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type restMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// MarshalJSON renders non-finite values the way proto3 JSON spells them
// ("NaN", "Infinity"); encoding/json rejects them as bare numbers.
func (m restMetric) MarshalJSON() ([]byte, error) {
	var value string
	switch {
	case math.IsNaN(m.Value):
		value = `"NaN"`
	case math.IsInf(m.Value, 1):
		value = `"Infinity"`
	case math.IsInf(m.Value, -1):
		value = `"-Infinity"`
	default:
		value = strconv.FormatFloat(m.Value, 'g', -1, 64)
	}
	key, err := json.Marshal(m.Key)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(`{"key":%s,"value":%s,"timestamp":%d,"step":%d}`,
		key, value, m.Timestamp, m.Step)), nil
}

// GetExperimentByName returns the experiment, or nil when the server does not know the name.
func (s *RESTStore) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	q := url.Values{"experiment_name": []string{name}}
	var out struct {
		Experiment restExperiment `json:"experiment"`
	}
	err := s.do(ctx, http.MethodGet, "/experiments/get-by-name", q, nil, &out)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Experiment{ID: out.Experiment.ExperimentID, Name: out.Experiment.Name}, nil
}

// CreateExperiment creates an experiment named name and returns its ID.
func (s *RESTStore) CreateExperiment(ctx context.Context, name string) (string, error) {
	body := map[string]string{"name": name}
	var out struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := s.do(ctx, http.MethodPost, "/experiments/create", nil, body, &out); err != nil {
		return "", err
	}
	return out.ExperimentID, nil
}

// CreateRun starts a run in the experiment; tags are attached at creation.
func (s *RESTStore) CreateRun(ctx context.Context, experimentID, name string, startTime time.Time, tags []Tag) (*Run, error) {
	body := map[string]any{
		"experiment_id": experimentID,
		"run_name":      name,
		"start_time":    startTime.UnixMilli(),
		"tags":          restTags(tags),
	}
	var out struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	if err := s.do(ctx, http.MethodPost, "/runs/create", nil, body, &out); err != nil {
		return nil, err
	}
	return &Run{
		ID:           out.Run.Info.RunID,
		ExperimentID: experimentID,
		Name:         name,
		Status:       StatusRunning,
		StartTime:    startTime,
	}, nil
}

// LogBatch records metrics, params, and tags on the run in one request.
func (s *RESTStore) LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []Tag) error {
	ms := make([]restMetric, len(metrics))
	for i, m := range metrics {
		ms[i] = restMetric(m)
	}
	ps := make([]restTag, len(params))
	for i, p := range params {
		ps[i] = restTag{Key: p.Key, Value: p.Value}
	}
	body := map[string]any{
		"run_id":  runID,
		"metrics": ms,
		"params":  ps,
		"tags":    restTags(tags),
	}
	return s.do(ctx, http.MethodPost, "/runs/log-batch", nil, body, nil)
}

// SetTag records a single tag on the run.
func (s *RESTStore) SetTag(ctx context.Context, runID, key, value string) error {
	body := map[string]string{"run_id": runID, "key": key, "value": value}
	return s.do(ctx, http.MethodPost, "/runs/set-tag", nil, body, nil)
}

// EndRun marks the run terminated.
func (s *RESTStore) EndRun(ctx context.Context, runID string, status RunStatus, endTime time.Time) error {
	body := map[string]any{
		"run_id":   runID,
		"status":   string(status),
		"end_time": endTime.UnixMilli(),
	}
	return s.do(ctx, http.MethodPost, "/runs/update", nil, body, nil)
}

func restTags(tags []Tag) []restTag {
	out := make([]restTag, len(tags))
	for i, t := range tags {
		out[i] = restTag(t)
	}
	return out
}

// do issues one API request with throttling and retry on transient failures
// (network errors, 429, 5xx). 4xx responses are not retried; 404 maps to
// errNotFound so callers can treat missing resources as absence.
func (s *RESTStore) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	endpoint := s.baseURL + apiPrefix + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	attempt := func() ([]byte, error) {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if s.tokens != nil {
			auth, err := s.tokens.Authorization()
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			if auth != "" {
				req.Header.Set("Authorization", auth)
			}
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return raw, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(errNotFound)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, fmt.Errorf("mlflow: %s %s returned %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
		default:
			return nil, backoff.Permanent(fmt.Errorf("mlflow: %s %s returned %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw))))
		}
	}

	raw, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(restMaxTries),
	)
	if err != nil {
		return err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("mlflow: decode %s response: %w", path, err)
		}
	}
	return nil
}

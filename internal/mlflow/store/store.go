// Package store defines persistence for MLflow-style tracking data: experiments,
// runs, and their params/metrics/tags. Two backends exist: a REST store talking
// to a tracking server, and a Postgres store writing to a tracking database
// directly. The backend is picked from the tracking URI scheme.
package store

import (
	"context"
	"fmt"
	"net/url"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"opttrack/internal/db"
	"opttrack/internal/security"
)

// Service limits on recorded values. Anything longer is truncated before the
// write so one oversized user attribute cannot fail the whole trial report.
const (
	MaxTagValueLen   = 5000
	MaxParamValueLen = 500
)

// Well-known tag keys understood by the tracking service.
const (
	TagParentRunID = "mlflow.parentRunId"
	TagRunName     = "mlflow.runName"
)

// RunStatus is the terminal status recorded on a run.
type RunStatus string

const (
	StatusRunning  RunStatus = "RUNNING"
	StatusFinished RunStatus = "FINISHED"
	StatusFailed   RunStatus = "FAILED"
	StatusKilled   RunStatus = "KILLED"
)

// Experiment groups the runs of one study.
type Experiment struct {
	ID   string
	Name string
}

// Run is one recorded trial.
type Run struct {
	ID           string
	ExperimentID string
	Name         string
	Status       RunStatus
	StartTime    time.Time
}

// Param is a recorded hyperparameter value.
type Param struct {
	Key   string
	Value string
}

// Metric is a recorded objective value. Timestamp is unix milliseconds.
type Metric struct {
	Key       string
	Value     float64
	Timestamp int64
	Step      int64
}

// Tag is a recorded key/value annotation.
type Tag struct {
	Key   string
	Value string
}

// Store defines persistence for tracking data.
type Store interface {
	// GetExperimentByName returns the experiment, or nil if none exists.
	// It returns an error only for backend failures, not for missing experiments.
	GetExperimentByName(ctx context.Context, name string) (*Experiment, error)
	// CreateExperiment creates an experiment and returns its ID.
	CreateExperiment(ctx context.Context, name string) (string, error)
	// CreateRun starts a new run in the experiment with the given tags.
	CreateRun(ctx context.Context, experimentID, name string, startTime time.Time, tags []Tag) (*Run, error)
	// LogBatch records metrics, params, and tags on a run in one call.
	LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []Tag) error
	// SetTag records a single tag on a run.
	SetTag(ctx context.Context, runID, key, value string) error
	// EndRun marks the run terminated with the given status.
	EndRun(ctx context.Context, runID string, status RunStatus, endTime time.Time) error
}

// Options configures backend construction.
type Options struct {
	// Token is an optional bearer token for REST backends.
	Token string
	// Timeout is the per-request HTTP timeout; 0 means the REST default.
	Timeout time.Duration
	// RPS caps outbound REST requests per second; 0 means no limit.
	RPS float64
}

// FromURI returns the store for the given tracking URI: http(s) selects the
// REST backend, postgres(ql) opens the database directly.
func FromURI(uri string, opts Options) (Store, error) {
	if uri == "" {
		return nil, fmt.Errorf("store: tracking URI is empty")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("store: invalid tracking URI %q: %w", uri, err)
	}
	switch u.Scheme {
	case "http", "https":
		var limiter *rate.Limiter
		if opts.RPS > 0 {
			limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
		}
		return NewRESTStore(uri, security.NewTokenSource(opts.Token), opts.Timeout, limiter), nil
	case "postgres", "postgresql":
		conn, err := db.Open(uri)
		if err != nil {
			return nil, fmt.Errorf("store: open tracking database: %w", err)
		}
		return NewPostgresStore(conn), nil
	default:
		return nil, fmt.Errorf("store: unsupported tracking URI scheme %q", u.Scheme)
	}
}

// TruncateTagValue trims v to the service tag limit.
func TruncateTagValue(v string) string {
	return truncate(v, MaxTagValueLen)
}

// TruncateParamValue trims v to the service param limit.
func TruncateParamValue(v string) string {
	return truncate(v, MaxParamValueLen)
}

// truncate cuts v to at most limit bytes without splitting a multi-byte rune,
// so a truncated value is still valid UTF-8.
func truncate(v string, limit int) string {
	if len(v) <= limit {
		return v
	}
	for limit > 0 && !utf8.RuneStart(v[limit]) {
		limit--
	}
	return v[:limit]
}

package mlflow

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"opttrack/internal/mlflow/store"
	"opttrack/internal/study/domain"
)

// Integrator exposes the callback's mapping as separately callable operations,
// for drivers that manage runs themselves, e.g. an objective function that
// logs extra metrics into the trial's run while it executes.
type Integrator struct {
	session     *Session
	metricNames []string

	mu           sync.Mutex
	experimentID string
}

// NewIntegrator returns an integrator recording through the given session.
// metricNames may be empty; it defaults to ["value"].
func NewIntegrator(session *Session, metricNames []string) *Integrator {
	if len(metricNames) == 0 {
		metricNames = []string{"value"}
	}
	return &Integrator{session: session, metricNames: metricNames}
}

// InitializeExperiment resolves the experiment named after the study, creating
// it on first use, and pins it for subsequent runs.
func (i *Integrator) InitializeExperiment(ctx context.Context, s *domain.Study) error {
	id, err := i.session.GetOrCreateExperiment(ctx, s.Name)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.experimentID = id
	i.mu.Unlock()
	return nil
}

// ExperimentID returns the pinned experiment ID, or "" before InitializeExperiment.
func (i *Integrator) ExperimentID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.experimentID
}

// LogParams records the trial's parameter assignment and distribution tags on
// the active run.
func (i *Integrator) LogParams(ctx context.Context, trial *domain.FrozenTrial) error {
	params := make([]store.Param, 0, len(trial.Params))
	for _, k := range sortedKeys(trial.Params) {
		params = append(params, store.Param{
			Key:   k,
			Value: store.TruncateParamValue(formatValue(trial.Params[k])),
		})
	}
	var tags []store.Tag
	for _, k := range sortedKeys(trial.Distributions) {
		tags = append(tags, store.Tag{
			Key:   k + "_distribution",
			Value: store.TruncateTagValue(trial.Distributions[k].String()),
		})
	}
	return i.session.LogBatch(ctx, nil, params, tags)
}

// LogMetric records objective values on the active run under the configured
// metric names. A nil or short values slice records NaN for the missing names.
func (i *Integrator) LogMetric(ctx context.Context, values []float64) error {
	now := time.Now().UnixMilli()
	n := len(i.metricNames)
	if len(values) > n {
		n = len(values)
	}
	metrics := make([]store.Metric, 0, n)
	for idx := 0; idx < n; idx++ {
		var name string
		if idx < len(i.metricNames) {
			name = i.metricNames[idx]
		} else {
			name = fmt.Sprintf("%s_%d", i.metricNames[len(i.metricNames)-1], idx)
		}
		value := math.NaN()
		if idx < len(values) {
			value = values[idx]
		}
		metrics = append(metrics, store.Metric{Key: name, Value: value, Timestamp: now})
	}
	return i.session.LogBatch(ctx, metrics, nil, nil)
}

// RunTracked executes fn inside a run named runName in the pinned experiment,
// so fn can log params and metrics through the integrator. The run finishes
// FINISHED when fn returns nil and FAILED otherwise; fn's error is returned.
func (i *Integrator) RunTracked(ctx context.Context, runName string, fn func(ctx context.Context) error) error {
	expID := i.ExperimentID()
	if expID == "" {
		return fmt.Errorf("mlflow: experiment not initialized; call InitializeExperiment first")
	}
	if _, err := i.session.StartRun(ctx, expID, runName, true, nil); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		_ = i.session.EndRun(ctx, store.StatusFailed)
		return err
	}
	return i.session.EndRun(ctx, store.StatusFinished)
}

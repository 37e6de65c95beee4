package wandb

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"

	"opttrack/internal/policy/engine"
	"opttrack/internal/study/domain"
)

// Options configures the callback's run and its mapping of trials.
type Options struct {
	// MetricName names the recorded objective value. Empty defaults to "value".
	// Multi-objective studies record <MetricName>_0, <MetricName>_1, ...
	MetricName string
	// Settings identify the run created for the study.
	Settings RunSettings
	// Filter optionally holds back params/attrs from export.
	Filter engine.Filter
}

// Callback records every completed trial into one run: study-level facts go
// into the run config, each trial appends one history row at step = trial
// number. The run is initialized at construction, so all trials of the study
// share it.
type Callback struct {
	client     Client
	runID      string
	metricName string
	filter     engine.Filter
}

// NewCallback initializes a run through client and returns a callback
// recording into it.
func NewCallback(ctx context.Context, client Client, opts Options) (*Callback, error) {
	if opts.MetricName == "" {
		opts.MetricName = "value"
	}
	runID, err := client.InitRun(ctx, opts.Settings)
	if err != nil {
		return nil, fmt.Errorf("wandb: init run: %w", err)
	}
	return &Callback{
		client:     client,
		runID:      runID,
		metricName: opts.MetricName,
		filter:     opts.Filter,
	}, nil
}

// RunID returns the run all trials are recorded into.
func (c *Callback) RunID() string {
	return c.runID
}

// OnTrialComplete merges the trial's study-level facts into the run config and
// appends its params and objective value(s) as one history row.
func (c *Callback) OnTrialComplete(ctx context.Context, s *domain.Study, trial *domain.FrozenTrial) error {
	config := c.buildConfig(ctx, s, trial)
	if err := c.client.UpdateConfig(ctx, c.runID, config); err != nil {
		return fmt.Errorf("wandb: update config: %w", err)
	}

	row := c.buildRow(ctx, s, trial)
	if err := c.client.LogHistory(ctx, c.runID, int64(trial.Number), row); err != nil {
		return fmt.Errorf("wandb: log history: %w", err)
	}
	return nil
}

// Finish marks the run complete. Call it after the study is done.
func (c *Callback) Finish(ctx context.Context) error {
	return c.client.Finish(ctx, c.runID)
}

func (c *Callback) buildConfig(ctx context.Context, s *domain.Study, trial *domain.FrozenTrial) map[string]any {
	config := map[string]any{}
	if len(s.Directions) > 1 {
		names := make([]string, len(s.Directions))
		for i, d := range s.Directions {
			names[i] = d.String()
		}
		config["direction"] = names
	} else {
		config["direction"] = s.Direction().String()
	}
	config["trial_state"] = trial.State.String()
	for _, k := range sortedKeys(trial.Distributions) {
		config[k+"_distribution"] = trial.Distributions[k].String()
	}
	for k, v := range c.allowed(ctx, "config", s.Name, s.UserAttrs) {
		config[k] = v
	}
	return config
}

func (c *Callback) buildRow(ctx context.Context, s *domain.Study, trial *domain.FrozenTrial) map[string]any {
	row := map[string]any{}
	for k, v := range c.allowed(ctx, "param", s.Name, trial.Params) {
		row[k] = v
	}
	switch {
	case len(trial.Values) > 1:
		for i, v := range trial.Values {
			row[fmt.Sprintf("%s_%d", c.metricName, i)] = v
		}
	case len(trial.Values) == 1:
		row[c.metricName] = trial.Values[0]
	default:
		row[c.metricName] = math.NaN()
	}
	return row
}

// allowed applies the forwarding policy to attrs. On policy failure nothing is
// exported; a broken policy must not leak values.
func (c *Callback) allowed(ctx context.Context, kind, studyName string, attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	if c.filter == nil {
		return attrs
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	denied, err := c.filter.Denied(ctx, engine.ForwardInput{Kind: kind, Study: studyName, Keys: keys})
	if err != nil {
		log.Printf("wandb: forwarding policy failed, holding back %s keys: %v", kind, err)
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if !denied[k] {
			out[k] = v
		}
	}
	return out
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package mlflow

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"opttrack/internal/mlflow/store"
	"opttrack/internal/policy/engine"
	"opttrack/internal/study/domain"
)

// Options configures the callback's mapping of trials to runs.
type Options struct {
	// MetricNames names the recorded objective value(s), one per objective.
	// Empty defaults to ["value"].
	MetricNames []string
	// NestTrials records each trial as a child of the session's active run.
	NestTrials bool
	// TagStudyUserAttrs copies study user attributes into run tags.
	TagStudyUserAttrs bool
	// TagTrialUserAttrs copies trial user attributes into run tags (default true
	// when constructed via NewCallback).
	TagTrialUserAttrs bool
	// Filter optionally holds back params/attrs from export.
	Filter engine.Filter
}

// Callback records each completed trial as one tracking run: params from the
// trial's parameter assignment, metrics from its objective value(s), and tags
// for direction, state, distributions, and user attributes.
type Callback struct {
	session *Session
	opts    Options
}

// NewCallback returns a callback recording through the given session.
func NewCallback(session *Session, opts Options) *Callback {
	if len(opts.MetricNames) == 0 {
		opts.MetricNames = []string{"value"}
	}
	return &Callback{session: session, opts: opts}
}

// OnTrialComplete records the trial. The experiment is named after the study
// and created on first use. A failure to start the run (e.g. a non-nested run
// while another is active) is returned as-is.
func (c *Callback) OnTrialComplete(ctx context.Context, s *domain.Study, trial *domain.FrozenTrial) error {
	expID, err := c.session.GetOrCreateExperiment(ctx, s.Name)
	if err != nil {
		return err
	}

	if _, err := c.session.StartRun(ctx, expID, strconv.Itoa(trial.Number), c.opts.NestTrials, nil); err != nil {
		return err
	}

	params, err := c.buildParams(ctx, s, trial)
	if err == nil {
		err = c.session.LogBatch(ctx, buildMetrics(c.opts.MetricNames, trial), params, c.buildTags(ctx, s, trial))
	}
	if err != nil {
		_ = c.session.EndRun(ctx, store.StatusFailed)
		return err
	}

	return c.session.EndRun(ctx, runStatus(trial.State))
}

func (c *Callback) buildParams(ctx context.Context, s *domain.Study, trial *domain.FrozenTrial) ([]store.Param, error) {
	denied, err := c.denied(ctx, "param", s.Name, keysOf(trial.Params))
	if err != nil {
		return nil, err
	}
	params := make([]store.Param, 0, len(trial.Params))
	for _, k := range sortedKeys(trial.Params) {
		if denied[k] {
			continue
		}
		params = append(params, store.Param{
			Key:   k,
			Value: store.TruncateParamValue(formatValue(trial.Params[k])),
		})
	}
	return params, nil
}

func (c *Callback) buildTags(ctx context.Context, s *domain.Study, trial *domain.FrozenTrial) []store.Tag {
	tags := []store.Tag{
		{Key: "direction", Value: s.Direction().String()},
		{Key: "state", Value: trial.State.String()},
	}
	for _, k := range sortedKeys(trial.Distributions) {
		tags = append(tags, store.Tag{
			Key:   k + "_distribution",
			Value: store.TruncateTagValue(trial.Distributions[k].String()),
		})
	}
	if c.opts.TagTrialUserAttrs {
		tags = c.appendAttrTags(ctx, tags, s.Name, trial.UserAttrs)
	}
	if c.opts.TagStudyUserAttrs {
		tags = c.appendAttrTags(ctx, tags, s.Name, s.UserAttrs)
	}
	return tags
}

func (c *Callback) appendAttrTags(ctx context.Context, tags []store.Tag, studyName string, attrs map[string]any) []store.Tag {
	denied, err := c.denied(ctx, "tag", studyName, keysOf(attrs))
	if err != nil {
		// Fail closed: a broken policy must not leak attributes.
		log.Printf("mlflow: forwarding policy failed, holding back user attrs: %v", err)
		return tags
	}
	for _, k := range sortedKeys(attrs) {
		if denied[k] {
			continue
		}
		tags = append(tags, store.Tag{Key: k, Value: store.TruncateTagValue(formatValue(attrs[k]))})
	}
	return tags
}

func (c *Callback) denied(ctx context.Context, kind, studyName string, keys []string) (map[string]bool, error) {
	if c.opts.Filter == nil || len(keys) == 0 {
		return nil, nil
	}
	return c.opts.Filter.Denied(ctx, engine.ForwardInput{Kind: kind, Study: studyName, Keys: keys})
}

// buildMetrics zips metric names with the trial's objective values. A trial
// without values records NaN under each name, so the run still shows the
// metric existed.
func buildMetrics(names []string, trial *domain.FrozenTrial) []store.Metric {
	now := time.Now().UnixMilli()
	n := len(names)
	if len(trial.Values) > n {
		n = len(trial.Values)
	}
	metrics := make([]store.Metric, 0, n)
	for i := 0; i < n; i++ {
		var name string
		if i < len(names) {
			name = names[i]
		} else {
			name = fmt.Sprintf("%s_%d", names[len(names)-1], i)
		}
		value := math.NaN()
		if i < len(trial.Values) {
			value = trial.Values[i]
		}
		metrics = append(metrics, store.Metric{
			Key:       name,
			Value:     value,
			Timestamp: now,
			Step:      int64(trial.Number),
		})
	}
	return metrics
}

// runStatus maps the trial's terminal state onto a run status.
func runStatus(state domain.TrialState) store.RunStatus {
	switch state {
	case domain.StateComplete:
		return store.StatusFinished
	case domain.StatePruned:
		return store.StatusKilled
	case domain.StateFailed:
		return store.StatusFailed
	default:
		return store.StatusRunning
	}
}

// formatValue renders a param or attribute value the way the original tooling
// stringifies it: floats keep a decimal point, bools title-case.
func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	default:
		return fmt.Sprintf("%v", x)
	}
}

func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") && !math.IsInf(v, 0) && !math.IsNaN(v) {
		s += ".0"
	}
	return s
}

func keysOf[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := keysOf(m)
	sort.Strings(keys)
	return keys
}

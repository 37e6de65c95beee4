package mlflow

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"opttrack/internal/mlflow/store"
	"opttrack/internal/policy/engine"
	"opttrack/internal/study/domain"
)

// fakeRun is one run recorded by the fake tracking server.
type fakeRun struct {
	ExperimentID string
	Params       map[string]string
	Metrics      map[string]float64
	Tags         map[string]string
	Status       string
	Ended        bool
}

// fakeServer implements the tracking REST endpoints in memory.
type fakeServer struct {
	mu          sync.Mutex
	srv         *httptest.Server
	experiments map[string]string // name -> id
	runs        map[string]*fakeRun
	nextExpID   int
	nextRunID   int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		experiments: map[string]string{},
		runs:        map[string]*fakeRun{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/2.0/mlflow/experiments/get-by-name", f.getExperimentByName)
	mux.HandleFunc("/api/2.0/mlflow/experiments/create", f.createExperiment)
	mux.HandleFunc("/api/2.0/mlflow/runs/create", f.createRun)
	mux.HandleFunc("/api/2.0/mlflow/runs/log-batch", f.logBatch)
	mux.HandleFunc("/api/2.0/mlflow/runs/set-tag", f.setTag)
	mux.HandleFunc("/api/2.0/mlflow/runs/update", f.updateRun)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) getExperimentByName(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := r.URL.Query().Get("experiment_name")
	id, ok := f.experiments[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error_code":"RESOURCE_DOES_NOT_EXIST"}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"experiment": map[string]string{"experiment_id": id, "name": name},
	})
}

func (f *fakeServer) createExperiment(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.nextExpID++
	id := "exp-" + itoa(f.nextExpID)
	f.experiments[body.Name] = id
	_ = json.NewEncoder(w).Encode(map[string]string{"experiment_id": id})
}

func (f *fakeServer) createRun(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body struct {
		ExperimentID string `json:"experiment_id"`
		Tags         []struct{ Key, Value string }
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.nextRunID++
	id := "run-" + itoa(f.nextRunID)
	run := &fakeRun{
		ExperimentID: body.ExperimentID,
		Params:       map[string]string{},
		Metrics:      map[string]float64{},
		Tags:         map[string]string{},
		Status:       "RUNNING",
	}
	for _, tag := range body.Tags {
		run.Tags[tag.Key] = tag.Value
	}
	f.runs[id] = run
	_ = json.NewEncoder(w).Encode(map[string]any{
		"run": map[string]any{"info": map[string]string{"run_id": id}},
	})
}

func (f *fakeServer) logBatch(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body struct {
		RunID   string `json:"run_id"`
		Metrics []struct {
			Key   string `json:"key"`
			Value any    `json:"value"`
		} `json:"metrics"`
		Params []struct{ Key, Value string } `json:"params"`
		Tags   []struct{ Key, Value string } `json:"tags"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	run, ok := f.runs[body.RunID]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	for _, m := range body.Metrics {
		switch v := m.Value.(type) {
		case float64:
			run.Metrics[m.Key] = v
		case string:
			// proto3 JSON non-finite spellings
			switch v {
			case "NaN":
				run.Metrics[m.Key] = math.NaN()
			case "Infinity":
				run.Metrics[m.Key] = math.Inf(1)
			case "-Infinity":
				run.Metrics[m.Key] = math.Inf(-1)
			}
		}
	}
	for _, p := range body.Params {
		run.Params[p.Key] = p.Value
	}
	for _, tag := range body.Tags {
		run.Tags[tag.Key] = tag.Value
	}
	_, _ = w.Write([]byte(`{}`))
}

func (f *fakeServer) setTag(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body struct{ RunID, Key, Value string }
	var raw struct {
		RunID string `json:"run_id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	_ = json.NewDecoder(r.Body).Decode(&raw)
	body.RunID, body.Key, body.Value = raw.RunID, raw.Key, raw.Value
	if run, ok := f.runs[body.RunID]; ok {
		run.Tags[body.Key] = body.Value
	}
	_, _ = w.Write([]byte(`{}`))
}

func (f *fakeServer) updateRun(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if run, ok := f.runs[body.RunID]; ok {
		run.Status = body.Status
		run.Ended = true
	}
	_, _ = w.Write([]byte(`{}`))
}

func (f *fakeServer) runList() []*fakeRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeRun, 0, len(f.runs))
	for i := 1; i <= f.nextRunID; i++ {
		out = append(out, f.runs["run-"+itoa(i)])
	}
	return out
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func newTestSession(t *testing.T) (*Session, *fakeServer) {
	t.Helper()
	f := newFakeServer(t)
	st := store.NewRESTStore(f.srv.URL, nil, time.Second, nil)
	return NewSession(st), f
}

// objectiveTrial mirrors the objective used across the original test suite:
// x uniform, y log-uniform, z categorical, plus one user attribute.
func objectiveTrial(number int) *domain.FrozenTrial {
	return &domain.FrozenTrial{
		Number: number,
		State:  domain.StateComplete,
		Params: map[string]any{"x": 0.5, "y": 25.0, "z": 1.0},
		Distributions: map[string]domain.Distribution{
			"x": domain.Uniform{Low: -1.0, High: 1.0},
			"y": domain.LogUniform{Low: 20, High: 30},
			"z": domain.Categorical{Choices: []any{-1.0, 1.0}},
		},
		Values:    []float64{4.25},
		UserAttrs: map[string]any{"my_user_attr": "my_user_attr_value"},
	}
}

func TestCallback_RecordsTrial(t *testing.T) {
	sess, f := newTestSession(t)
	cb := NewCallback(sess, Options{TagTrialUserAttrs: true})
	s := &domain.Study{Name: "my_study", Directions: []domain.StudyDirection{domain.DirectionMinimize}}

	for i := 0; i < 3; i++ {
		if err := cb.OnTrialComplete(context.Background(), s, objectiveTrial(i)); err != nil {
			t.Fatalf("OnTrialComplete: %v", err)
		}
	}

	if len(f.experiments) != 1 {
		t.Fatalf("experiments = %d, want 1", len(f.experiments))
	}
	if _, ok := f.experiments["my_study"]; !ok {
		t.Fatal("experiment should be named after the study")
	}

	runs := f.runList()
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	first := runs[0]
	if _, ok := first.Metrics["value"]; !ok {
		t.Error("metrics should contain the default metric name")
	}
	for _, key := range []string{"x", "y", "z"} {
		if _, ok := first.Params[key]; !ok {
			t.Errorf("params should contain %q", key)
		}
	}
	if got := first.Tags["direction"]; got != "MINIMIZE" {
		t.Errorf("direction tag = %q, want %q", got, "MINIMIZE")
	}
	if got := first.Tags["state"]; got != "COMPLETE" {
		t.Errorf("state tag = %q, want %q", got, "COMPLETE")
	}
	if got := first.Tags["x_distribution"]; got != "UniformDistribution(high=1.0, low=-1.0)" {
		t.Errorf("x_distribution tag = %q", got)
	}
	if got := first.Tags["y_distribution"]; got != "LogUniformDistribution(high=30.0, low=20.0)" {
		t.Errorf("y_distribution tag = %q", got)
	}
	if got := first.Tags["z_distribution"]; got != "CategoricalDistribution(choices=(-1.0, 1.0))" {
		t.Errorf("z_distribution tag = %q", got)
	}
	if got := first.Tags["my_user_attr"]; got != "my_user_attr_value" {
		t.Errorf("my_user_attr tag = %q, want %q", got, "my_user_attr_value")
	}
	if first.Status != "FINISHED" {
		t.Errorf("run status = %q, want FINISHED", first.Status)
	}
}

func TestCallback_MetricName(t *testing.T) {
	sess, f := newTestSession(t)
	cb := NewCallback(sess, Options{MetricNames: []string{"my_metric_name"}, TagTrialUserAttrs: true})
	s := &domain.Study{Name: "my_study"}

	if err := cb.OnTrialComplete(context.Background(), s, objectiveTrial(0)); err != nil {
		t.Fatalf("OnTrialComplete: %v", err)
	}
	run := f.runList()[0]
	if _, ok := run.Metrics["my_metric_name"]; !ok {
		t.Error("metrics should be recorded under the configured name")
	}
}

func TestCallback_TagTruncation(t *testing.T) {
	sess, f := newTestSession(t)
	cb := NewCallback(sess, Options{TagTrialUserAttrs: true})
	s := &domain.Study{Name: "my_study"}

	trial := objectiveTrial(0)
	trial.UserAttrs = map[string]any{"my_user_attr": strings.Repeat("a", 12000)}
	if err := cb.OnTrialComplete(context.Background(), s, trial); err != nil {
		t.Fatalf("OnTrialComplete: %v", err)
	}

	run := f.runList()[0]
	if got := len(run.Tags["my_user_attr"]); got > 5000 {
		t.Errorf("tag length = %d, want <= 5000", got)
	}
}

func TestCallback_NestTrials(t *testing.T) {
	sess, f := newTestSession(t)
	cb := NewCallback(sess, Options{NestTrials: true, TagTrialUserAttrs: true})
	s := &domain.Study{Name: "my_study"}

	expID, err := sess.GetOrCreateExperiment(context.Background(), s.Name)
	if err != nil {
		t.Fatalf("GetOrCreateExperiment: %v", err)
	}
	parent, err := sess.StartRun(context.Background(), expID, "parent", false, nil)
	if err != nil {
		t.Fatalf("StartRun parent: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := cb.OnTrialComplete(context.Background(), s, objectiveTrial(i)); err != nil {
			t.Fatalf("OnTrialComplete: %v", err)
		}
	}

	runs := f.runList()
	if len(runs) != 4 {
		t.Fatalf("runs = %d, want parent + 3 children", len(runs))
	}
	children := 0
	for _, run := range runs {
		parentID, ok := run.Tags[store.TagParentRunID]
		if !ok {
			continue
		}
		children++
		if parentID != parent.ID {
			t.Errorf("child parent run ID = %q, want %q", parentID, parent.ID)
		}
	}
	if children != 3 {
		t.Errorf("child runs = %d, want 3", children)
	}
	if active := sess.ActiveRun(); active == nil || active.ID != parent.ID {
		t.Error("parent run should still be active after nested trials")
	}
}

func TestCallback_FailsWhenRunActiveAndNestingDisabled(t *testing.T) {
	sess, _ := newTestSession(t)
	cb := NewCallback(sess, Options{NestTrials: false, TagTrialUserAttrs: true})
	s := &domain.Study{Name: "my_study"}

	expID, err := sess.GetOrCreateExperiment(context.Background(), s.Name)
	if err != nil {
		t.Fatalf("GetOrCreateExperiment: %v", err)
	}
	if _, err := sess.StartRun(context.Background(), expID, "parent", false, nil); err != nil {
		t.Fatalf("StartRun parent: %v", err)
	}

	err = cb.OnTrialComplete(context.Background(), s, objectiveTrial(0))
	if err == nil {
		t.Fatal("OnTrialComplete should fail while a run is active and nesting is disabled")
	}
	if !strings.Contains(err.Error(), "is already active") {
		t.Errorf("error = %q, should mention the active run", err.Error())
	}
}

func TestCallback_TagStudyUserAttrs(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		sess, f := newTestSession(t)
		cb := NewCallback(sess, Options{TagStudyUserAttrs: enabled, TagTrialUserAttrs: true})
		s := &domain.Study{Name: "my_study", UserAttrs: map[string]any{"my_study_attr": "a"}}

		if err := cb.OnTrialComplete(context.Background(), s, objectiveTrial(0)); err != nil {
			t.Fatalf("OnTrialComplete: %v", err)
		}
		run := f.runList()[0]
		_, ok := run.Tags["my_study_attr"]
		if ok != enabled {
			t.Errorf("study attr tagged = %v, want %v", ok, enabled)
		}
	}
}

func TestCallback_MultiObjective(t *testing.T) {
	sess, f := newTestSession(t)
	cb := NewCallback(sess, Options{
		MetricNames:       []string{"my_metric_name1", "my_metric_name2"},
		TagTrialUserAttrs: true,
	})
	s := &domain.Study{Name: "my_study"}

	trial := objectiveTrial(0)
	trial.Values = []float64{3.14, 2.72}
	if err := cb.OnTrialComplete(context.Background(), s, trial); err != nil {
		t.Fatalf("OnTrialComplete: %v", err)
	}

	run := f.runList()[0]
	if got := run.Metrics["my_metric_name1"]; got != 3.14 {
		t.Errorf("my_metric_name1 = %v, want 3.14", got)
	}
	if got := run.Metrics["my_metric_name2"]; got != 2.72 {
		t.Errorf("my_metric_name2 = %v, want 2.72", got)
	}
}

func TestCallback_MissingValueRecordsNaN(t *testing.T) {
	sess, f := newTestSession(t)
	cb := NewCallback(sess, Options{MetricNames: []string{"my_metric_name"}, TagTrialUserAttrs: true})
	s := &domain.Study{Name: "my_study"}

	trial := objectiveTrial(0)
	trial.Values = nil
	if err := cb.OnTrialComplete(context.Background(), s, trial); err != nil {
		t.Fatalf("OnTrialComplete: %v", err)
	}

	run := f.runList()[0]
	got, ok := run.Metrics["my_metric_name"]
	if !ok {
		t.Fatal("metric should be recorded even without a value")
	}
	if !math.IsNaN(got) {
		t.Errorf("metric = %v, want NaN", got)
	}
}

func TestCallback_ForwardPolicyHoldsBackKeys(t *testing.T) {
	filter, err := engine.NewOPAFilter(`package opttrack.forwarding

deny contains key if {
	some key in input.keys
	key == "z"
}
`)
	if err != nil {
		t.Fatalf("NewOPAFilter: %v", err)
	}

	sess, f := newTestSession(t)
	cb := NewCallback(sess, Options{TagTrialUserAttrs: true, Filter: filter})
	s := &domain.Study{Name: "my_study"}

	if err := cb.OnTrialComplete(context.Background(), s, objectiveTrial(0)); err != nil {
		t.Fatalf("OnTrialComplete: %v", err)
	}

	run := f.runList()[0]
	if _, ok := run.Params["z"]; ok {
		t.Error("param z should have been held back by the forwarding policy")
	}
	if _, ok := run.Params["x"]; !ok {
		t.Error("param x should still be recorded")
	}
}

// Package mlflow reports completed optimization trials to an MLflow-style
// tracking backend: one experiment per study, one run per trial.
package mlflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"opttrack/internal/mlflow/store"
)

// Session owns the active-run state shared between a driver and its callbacks.
// A driver that wants trials nested under a parent run starts the parent on the
// same Session the callback uses.
type Session struct {
	mu    sync.Mutex
	store store.Store
	stack []*store.Run
}

// NewSession returns a session recording through the given store.
func NewSession(st store.Store) *Session {
	return &Session{store: st}
}

// Store returns the underlying tracking store.
func (s *Session) Store() store.Store {
	return s.store
}

// ActiveRun returns the innermost active run, or nil when none is active.
func (s *Session) ActiveRun() *store.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

// GetOrCreateExperiment resolves the experiment named name, creating it on first use.
func (s *Session) GetOrCreateExperiment(ctx context.Context, name string) (string, error) {
	exp, err := s.store.GetExperimentByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("mlflow: get experiment %q: %w", name, err)
	}
	if exp != nil {
		return exp.ID, nil
	}
	id, err := s.store.CreateExperiment(ctx, name)
	if err != nil {
		return "", fmt.Errorf("mlflow: create experiment %q: %w", name, err)
	}
	return id, nil
}

// StartRun starts a run and makes it the active one. When nested is true and a
// run is already active, the new run becomes its child (parent run ID tag).
// When nested is false and a run is already active, StartRun fails; the
// conflicting state is the caller's to resolve.
func (s *Session) StartRun(ctx context.Context, experimentID, name string, nested bool, tags []store.Tag) (*store.Run, error) {
	s.mu.Lock()
	var parent *store.Run
	if len(s.stack) > 0 {
		parent = s.stack[len(s.stack)-1]
	}
	s.mu.Unlock()

	if parent != nil {
		if !nested {
			return nil, fmt.Errorf("run %q is already active; end it first or enable nesting", parent.ID)
		}
		tags = append(tags, store.Tag{Key: store.TagParentRunID, Value: parent.ID})
	}
	if name != "" {
		tags = append(tags, store.Tag{Key: store.TagRunName, Value: name})
	}

	run, err := s.store.CreateRun(ctx, experimentID, name, time.Now().UTC(), tags)
	if err != nil {
		return nil, fmt.Errorf("mlflow: create run: %w", err)
	}

	s.mu.Lock()
	s.stack = append(s.stack, run)
	s.mu.Unlock()
	return run, nil
}

// EndRun terminates the active run with the given status and pops it.
func (s *Session) EndRun(ctx context.Context, status store.RunStatus) error {
	s.mu.Lock()
	if len(s.stack) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("mlflow: no active run to end")
	}
	run := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	s.mu.Unlock()

	if err := s.store.EndRun(ctx, run.ID, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("mlflow: end run %q: %w", run.ID, err)
	}
	return nil
}

// LogBatch records metrics, params, and tags on the active run.
func (s *Session) LogBatch(ctx context.Context, metrics []store.Metric, params []store.Param, tags []store.Tag) error {
	run := s.ActiveRun()
	if run == nil {
		return fmt.Errorf("mlflow: no active run to log to")
	}
	if err := s.store.LogBatch(ctx, run.ID, metrics, params, tags); err != nil {
		return fmt.Errorf("mlflow: log batch to run %q: %w", run.ID, err)
	}
	return nil
}

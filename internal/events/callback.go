package events

import (
	"context"
	"fmt"

	"opttrack/internal/study/domain"
)

// Emitter is the subset of the producer the callback needs.
type Emitter interface {
	Emit(ctx context.Context, event *TrialEvent) error
}

// Callback publishes one event per completed trial.
type Callback struct {
	emitter Emitter
}

// NewCallback returns a callback publishing through emitter. A nil emitter
// yields a callback that drops everything, so wiring stays unconditional.
func NewCallback(emitter Emitter) *Callback {
	return &Callback{emitter: emitter}
}

// OnTrialComplete publishes the trial.
func (c *Callback) OnTrialComplete(ctx context.Context, s *domain.Study, trial *domain.FrozenTrial) error {
	if c.emitter == nil {
		return nil
	}
	if err := c.emitter.Emit(ctx, FromTrial(s, trial)); err != nil {
		return fmt.Errorf("events: publish trial %d of %q: %w", trial.Number, s.Name, err)
	}
	return nil
}

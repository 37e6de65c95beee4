// Package study defines the callback contract a hyperparameter-optimization
// driver invokes after each completed trial.
package study

import (
	"context"

	"opttrack/internal/study/domain"
)

// Callback reports one completed trial to a tracking backend. Best-effort;
// drivers log and ignore errors unless they need delivery guarantees.
type Callback interface {
	OnTrialComplete(ctx context.Context, s *domain.Study, trial *domain.FrozenTrial) error
}

// CallbackFunc adapts a plain function to the Callback interface.
type CallbackFunc func(ctx context.Context, s *domain.Study, trial *domain.FrozenTrial) error

func (f CallbackFunc) OnTrialComplete(ctx context.Context, s *domain.Study, trial *domain.FrozenTrial) error {
	return f(ctx, s, trial)
}

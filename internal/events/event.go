// Package events publishes completed trials onto a message bus, so downstream
// consumers can replay them into tracking backends without coupling the
// optimization loop to backend availability.
package events

import (
	"fmt"
	"time"

	"opttrack/internal/study/domain"
)

// TrialEvent is the wire form of one completed trial.
type TrialEvent struct {
	Study       string            `json:"study"`
	Directions  []string          `json:"directions"`
	TrialNumber int               `json:"trialNumber"`
	State       string            `json:"state"`
	Params      map[string]any    `json:"params,omitempty"`
	// Distributions holds the repr per param, the same strings the tracking
	// backends record as tags.
	Distributions map[string]string `json:"distributions,omitempty"`
	Values        []float64         `json:"values,omitempty"`
	UserAttrs     map[string]any    `json:"userAttrs,omitempty"`
	StudyAttrs    map[string]any    `json:"studyAttrs,omitempty"`
	CompletedAt   time.Time         `json:"completedAt"`
}

// FromTrial builds the event for one completed trial.
func FromTrial(s *domain.Study, trial *domain.FrozenTrial) *TrialEvent {
	directions := make([]string, 0, len(s.Directions))
	for _, d := range s.Directions {
		directions = append(directions, d.String())
	}
	if len(directions) == 0 {
		directions = []string{domain.DirectionMinimize.String()}
	}
	var dists map[string]string
	if len(trial.Distributions) > 0 {
		dists = make(map[string]string, len(trial.Distributions))
		for k, d := range trial.Distributions {
			dists[k] = d.String()
		}
	}
	completedAt := trial.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	return &TrialEvent{
		Study:         s.Name,
		Directions:    directions,
		TrialNumber:   trial.Number,
		State:         trial.State.String(),
		Params:        trial.Params,
		Distributions: dists,
		Values:        trial.Values,
		UserAttrs:     trial.UserAttrs,
		StudyAttrs:    s.UserAttrs,
		CompletedAt:   completedAt,
	}
}

// Key identifies the event for partitioning and idempotency: one key per
// (study, trial) pair, so redelivery cannot create duplicate runs.
func (e *TrialEvent) Key() string {
	return fmt.Sprintf("%s/%d", e.Study, e.TrialNumber)
}

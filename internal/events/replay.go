package events

import (
	"opttrack/internal/study/domain"
)

// ToStudyTrial converts the event back into the records the tracking callbacks
// consume, so a consumer can replay it through any callback. Distributions come
// back as raw reprs; their recorded tag values are unchanged.
func (e *TrialEvent) ToStudyTrial() (*domain.Study, *domain.FrozenTrial) {
	directions := make([]domain.StudyDirection, 0, len(e.Directions))
	for _, d := range e.Directions {
		directions = append(directions, domain.ParseStudyDirection(d))
	}
	s := &domain.Study{
		Name:       e.Study,
		Directions: directions,
		UserAttrs:  e.StudyAttrs,
	}

	var dists map[string]domain.Distribution
	if len(e.Distributions) > 0 {
		dists = make(map[string]domain.Distribution, len(e.Distributions))
		for k, repr := range e.Distributions {
			dists[k] = domain.Raw(repr)
		}
	}
	trial := &domain.FrozenTrial{
		Number:        e.TrialNumber,
		State:         domain.ParseTrialState(e.State),
		Params:        e.Params,
		Distributions: dists,
		Values:        e.Values,
		UserAttrs:     e.UserAttrs,
		CompletedAt:   e.CompletedAt,
	}
	return s, trial
}

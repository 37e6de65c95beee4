// Package domain defines the study and trial records consumed by tracking
// callbacks. The optimization engine that produces them lives outside this
// repository; callbacks only read these types.
package domain

import "time"

// StudyDirection is the optimization direction of a study objective.
type StudyDirection int

const (
	DirectionMinimize StudyDirection = iota
	DirectionMaximize
)

// String returns the canonical upper-case form used as a tracking tag value.
func (d StudyDirection) String() string {
	if d == DirectionMaximize {
		return "MAXIMIZE"
	}
	return "MINIMIZE"
}

// ParseStudyDirection maps the canonical upper-case form back to a direction.
// Unknown strings map to Minimize, matching Direction's zero value.
func ParseStudyDirection(s string) StudyDirection {
	if s == "MAXIMIZE" {
		return DirectionMaximize
	}
	return DirectionMinimize
}

// TrialState is the lifecycle state of a trial when the callback sees it.
type TrialState int

const (
	StateRunning TrialState = iota
	StateComplete
	StatePruned
	StateFailed
)

// String returns the canonical upper-case form used as a tracking tag value.
func (s TrialState) String() string {
	switch s {
	case StateComplete:
		return "COMPLETE"
	case StatePruned:
		return "PRUNED"
	case StateFailed:
		return "FAIL"
	default:
		return "RUNNING"
	}
}

// ParseTrialState maps the canonical upper-case form back to a state.
// Unknown strings map to Running.
func ParseTrialState(s string) TrialState {
	switch s {
	case "COMPLETE":
		return StateComplete
	case "PRUNED":
		return StatePruned
	case "FAIL":
		return StateFailed
	default:
		return StateRunning
	}
}

// Study identifies one optimization run. Direction applies to the first
// objective; multi-objective studies carry one direction per objective.
type Study struct {
	Name       string
	Directions []StudyDirection
	UserAttrs  map[string]any
}

// Direction returns the first objective's direction (Minimize for an empty list).
func (s *Study) Direction() StudyDirection {
	if s == nil || len(s.Directions) == 0 {
		return DirectionMinimize
	}
	return s.Directions[0]
}

// FrozenTrial is a completed evaluation of the objective function with a fixed
// parameter assignment. Values holds one entry per objective; an empty slice
// means the trial produced no value (e.g. it failed).
type FrozenTrial struct {
	Number        int
	State         TrialState
	Params        map[string]any
	Distributions map[string]Distribution
	Values        []float64
	UserAttrs     map[string]any
	CompletedAt   time.Time
}

// Value returns the first objective value and whether one exists.
func (t *FrozenTrial) Value() (float64, bool) {
	if t == nil || len(t.Values) == 0 {
		return 0, false
	}
	return t.Values[0], true
}

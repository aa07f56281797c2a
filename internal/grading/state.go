package grading

import "time"

// State is the grading status of a single response. Exactly one of the
// variants below describes a response at any time.
type State interface {
	isState()
	// Name is the value persisted in the grading_state column.
	Name() string
}

// Ungraded responses have never been scored.
type Ungraded struct{}

// AutoGraded responses were scored by one of the automatic graders.
type AutoGraded struct {
	Score     float64
	Breakdown map[string]interface{}
	GradedAt  time.Time
}

// Degraded responses were scored 0 because an external dependency failed.
// They are retried on the next grading pass.
type Degraded struct {
	Reason   string
	GradedAt time.Time
}

// ManuallyOverridden responses carry an instructor score that automatic
// grading must never replace.
type ManuallyOverridden struct {
	Score float64
	Note  string
}

const (
	StateUngraded   = "ungraded"
	StateAutoGraded = "auto_graded"
	StateDegraded   = "degraded"
	StateManual     = "manual"
)

func (Ungraded) isState()           {}
func (AutoGraded) isState()         {}
func (Degraded) isState()           {}
func (ManuallyOverridden) isState() {}

func (Ungraded) Name() string           { return StateUngraded }
func (AutoGraded) Name() string         { return StateAutoGraded }
func (Degraded) Name() string           { return StateDegraded }
func (ManuallyOverridden) Name() string { return StateManual }

// Regradable reports whether the automatic graders may (re)score a response
// in the given state.
func Regradable(state State) bool {
	_, manual := state.(ManuallyOverridden)
	return !manual
}

package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/grading"
)

// ErrManuallyGraded is returned when automatic grading targets an overridden response.
var ErrManuallyGraded = errors.New("response has been manually graded")

// Response is a student's answer to one question within a session.
type Response struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID        uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_response_session_question" json:"session_id"`
	QuestionID       uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_response_session_question" json:"question_id"`
	Answer           string            `gorm:"type:text" json:"answer"`
	Score            *float64          `json:"score"`
	GradingState     string            `gorm:"size:16;not null;default:ungraded" json:"grading_state"`
	GradingBreakdown datatypes.JSONMap `json:"grading_breakdown,omitempty"`
	ManuallyGraded   bool              `gorm:"not null;default:false" json:"manually_graded"`
	OverrideNote     string            `gorm:"type:text" json:"override_note,omitempty"`
	GradedAt         *time.Time        `json:"graded_at"`
	StartedAt        *time.Time        `json:"started_at"`
	SubmittedAt      *time.Time        `json:"submitted_at"`
	TimeSpentSeconds int               `gorm:"not null;default:0" json:"time_spent_seconds"`
	Question         Question          `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// BeforeCreate assigns an identifier when one is not set.
func (r *Response) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.GradingState == "" {
		r.GradingState = grading.StateUngraded
	}
	return nil
}

// GradeState returns the tagged grading state of the response.
func (r Response) GradeState() grading.State {
	if r.ManuallyGraded || r.GradingState == grading.StateManual {
		return grading.ManuallyOverridden{Score: valueOrZero(r.Score), Note: r.OverrideNote}
	}

	switch r.GradingState {
	case grading.StateAutoGraded:
		return grading.AutoGraded{Score: valueOrZero(r.Score), Breakdown: r.GradingBreakdown, GradedAt: timeOrZero(r.GradedAt)}
	case grading.StateDegraded:
		reason, _ := r.GradingBreakdown["error"].(string)
		return grading.Degraded{Reason: reason, GradedAt: timeOrZero(r.GradedAt)}
	default:
		return grading.Ungraded{}
	}
}

// ApplyAutoGrade records the outcome of an automatic grader. It refuses to
// touch a manually graded response.
func (r *Response) ApplyAutoGrade(state grading.State) error {
	if !grading.Regradable(r.GradeState()) {
		return ErrManuallyGraded
	}

	switch s := state.(type) {
	case grading.AutoGraded:
		score := s.Score
		gradedAt := s.GradedAt
		r.Score = &score
		r.GradingBreakdown = datatypes.JSONMap(s.Breakdown)
		r.GradingState = grading.StateAutoGraded
		r.GradedAt = &gradedAt
	case grading.Degraded:
		zero := 0.0
		gradedAt := s.GradedAt
		r.Score = &zero
		r.GradingBreakdown = datatypes.JSONMap{"degraded": true, "error": s.Reason}
		r.GradingState = grading.StateDegraded
		r.GradedAt = &gradedAt
	default:
		return errors.New("automatic grading must produce an auto graded or degraded state")
	}

	return nil
}

// NeedsReview reads the needs_review flag from the breakdown.
func (r Response) NeedsReview() bool {
	if r.GradingBreakdown == nil {
		return false
	}
	flag, _ := r.GradingBreakdown["needs_review"].(bool)
	return flag
}

// Result is the per-session aggregate produced by grading.
type Result struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID        uuid.UUID         `gorm:"type:uuid;uniqueIndex;not null" json:"session_id"`
	TotalScore       float64           `gorm:"not null;default:0" json:"total_score"`
	IntegrityScore   float64           `gorm:"not null;default:100" json:"integrity_score"`
	ViolationSummary datatypes.JSONMap `json:"violation_summary"`
	PendingResponses int               `gorm:"not null;default:0" json:"pending_responses"`
	GeneratedAt      time.Time         `json:"generated_at"`
}

// BeforeCreate assigns an identifier when one is not set.
func (r *Result) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func valueOrZero(value *float64) float64 {
	if value == nil {
		return 0
	}
	return *value
}

func timeOrZero(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return *value
}

package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/gema-proctor-api/internal/models"
)

// OverrideRequest is a professor's manual score.
type OverrideRequest struct {
	Score *float64 `json:"score" validate:"required"`
	Note  string   `json:"note" validate:"max=2000"`
}

// ResponseView serializes a graded response.
type ResponseView struct {
	QuestionID       uuid.UUID              `json:"question_id"`
	QuestionType     string                 `json:"question_type,omitempty"`
	Answer           string                 `json:"answer"`
	Score            *float64               `json:"score"`
	Marks            float64                `json:"marks,omitempty"`
	GradingState     string                 `json:"grading_state"`
	Breakdown        map[string]interface{} `json:"grading_breakdown,omitempty"`
	ManuallyGraded   bool                   `json:"manually_graded"`
	NeedsReview      bool                   `json:"needs_review"`
	OverrideNote     string                 `json:"override_note,omitempty"`
	TimeSpentSeconds int                    `json:"time_spent_seconds"`
	GradedAt         *time.Time             `json:"graded_at,omitempty"`
}

// NewResponseView converts a response model into a DTO.
func NewResponseView(response models.Response) ResponseView {
	return ResponseView{
		QuestionID:       response.QuestionID,
		QuestionType:     response.Question.Type,
		Answer:           response.Answer,
		Score:            response.Score,
		Marks:            response.Question.Marks,
		GradingState:     response.GradingState,
		Breakdown:        response.GradingBreakdown,
		ManuallyGraded:   response.ManuallyGraded,
		NeedsReview:      response.NeedsReview(),
		OverrideNote:     response.OverrideNote,
		TimeSpentSeconds: response.TimeSpentSeconds,
		GradedAt:         response.GradedAt,
	}
}

// SessionResultResponse is the graded outcome of a session.
type SessionResultResponse struct {
	SessionID        uuid.UUID        `json:"session_id"`
	Status           string           `json:"status"`
	TotalScore       float64          `json:"total_score"`
	MaxScore         float64          `json:"max_score"`
	IntegrityScore   float64          `json:"integrity_score"`
	ViolationSummary map[string]int64 `json:"violation_summary"`
	PendingResponses int              `json:"pending_responses"`
	GeneratedAt      time.Time        `json:"generated_at"`
	Responses        []ResponseView   `json:"responses"`
}

// GradingPendingResponse is returned while a session is still being graded.
type GradingPendingResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	Status    string    `json:"status"`
}

// ExamResultRow is one line of an exam-wide result listing.
type ExamResultRow struct {
	SessionID        uuid.UUID  `json:"session_id"`
	StudentID        uuid.UUID  `json:"student_id"`
	Status           string     `json:"status"`
	IntegrityScore   float64    `json:"integrity_score"`
	TotalScore       *float64   `json:"total_score"`
	PendingResponses int        `json:"pending_responses"`
	GeneratedAt      *time.Time `json:"generated_at,omitempty"`
}

// OverrideResponse reports a stored override.
type OverrideResponse struct {
	SessionID     uuid.UUID    `json:"session_id"`
	Response      ResponseView `json:"response"`
	PreviousScore float64      `json:"previous_score"`
	TotalScore    *float64     `json:"total_score"`
}

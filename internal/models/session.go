package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Session lifecycle states.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusGraded    = "graded"
)

// ExamSession is one student's attempt at an exam.
type ExamSession struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	StudentID      uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_session_student_exam" json:"student_id"`
	ExamID         uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_session_student_exam" json:"exam_id"`
	Status         string     `gorm:"size:16;not null;default:active;index" json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	IntegrityScore float64    `gorm:"not null;default:100" json:"integrity_score"`
	Version        int64      `gorm:"not null;default:0" json:"-"`
	Exam           Exam       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// TableName pins the table name.
func (ExamSession) TableName() string {
	return "exam_sessions"
}

// BeforeCreate assigns an identifier and the initial integrity score.
func (s *ExamSession) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = SessionStatusActive
	}
	return nil
}

// Finished reports whether the student has submitted the exam.
func (s ExamSession) Finished() bool {
	return s.Status == SessionStatusCompleted || s.Status == SessionStatusGraded
}

// AcceptsViolations reports whether integrity penalties may still be applied.
// Signals in flight when the student submits land on a completed session;
// once graded the score is frozen into the result.
func (s ExamSession) AcceptsViolations() bool {
	return s.Status == SessionStatusActive || s.Status == SessionStatusCompleted
}

// ProctoringLog is an append-only record of a detected violation.
type ProctoringLog struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID     uuid.UUID         `gorm:"type:uuid;index;not null" json:"session_id"`
	ViolationType string            `gorm:"size:64;index;not null" json:"violation_type"`
	Confidence    float64           `gorm:"not null;default:0" json:"confidence"`
	Payload       datatypes.JSONMap `json:"payload,omitempty"`
	CreatedAt     time.Time         `gorm:"index" json:"created_at"`
}

// BeforeCreate assigns an identifier when one is not set.
func (l *ProctoringLog) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// FaceProfile stores a student's reference embeddings keyed by pose.
type FaceProfile struct {
	StudentID     uuid.UUID                                 `gorm:"type:uuid;primaryKey" json:"student_id"`
	Samples       datatypes.JSONType[map[string][]float64] `json:"-"`
	FaceEmbedding datatypes.JSONSlice[float64]              `json:"-"`
	CreatedAt     time.Time                                 `json:"created_at"`
	UpdatedAt     time.Time                                 `json:"updated_at"`
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/grading"
)

// Question types supported by the graders.
const (
	QuestionTypeMCQ        = "mcq"
	QuestionTypeSubjective = "subjective"
	QuestionTypeCode       = "code"
)

// Exam is a timed assessment owned by a professor.
type Exam struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ProfessorID        uuid.UUID  `gorm:"type:uuid;index;not null" json:"professor_id"`
	Title              string     `gorm:"size:255;not null" json:"title"`
	Type               string     `gorm:"size:64" json:"type"`
	DurationMinutes    int        `gorm:"not null;default:60" json:"duration_minutes"`
	StartTime          *time.Time `json:"start_time"`
	EndTime            *time.Time `json:"end_time"`
	NegativeMarking    float64    `gorm:"not null;default:0" json:"negative_marking"`
	RandomizeQuestions bool       `gorm:"not null;default:false" json:"randomize_questions"`
	IsActive           bool       `gorm:"not null;default:true" json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Questions          []Question `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"questions,omitempty"`
}

// BeforeCreate assigns an identifier when one is not set.
func (e *Exam) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// Question belongs to an exam and is immutable once the exam starts.
type Question struct {
	ID            uuid.UUID                           `gorm:"type:uuid;primaryKey" json:"id"`
	ExamID        uuid.UUID                           `gorm:"type:uuid;index;not null" json:"exam_id"`
	Text          string                              `gorm:"type:text;not null" json:"question_text"`
	Type          string                              `gorm:"size:16;not null" json:"type"`
	Options       datatypes.JSONMap                   `json:"options,omitempty"`
	CorrectAnswer string                              `gorm:"type:text" json:"correct_answer,omitempty"`
	Keywords      datatypes.JSONSlice[string]         `json:"keywords,omitempty"`
	Marks         float64                             `gorm:"not null" json:"marks"`
	Position      int                                 `gorm:"not null;default:0" json:"position"`
	CodeLanguage  string                              `gorm:"size:32" json:"code_language,omitempty"`
	TestCases     datatypes.JSONSlice[grading.TestCase] `json:"test_cases,omitempty"`
	CreatedAt     time.Time                           `json:"created_at"`
}

// BeforeCreate assigns an identifier when one is not set.
func (q *Question) BeforeCreate(*gorm.DB) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	return nil
}

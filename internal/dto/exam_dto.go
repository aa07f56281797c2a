package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/gema-proctor-api/internal/models"
)

// TestCaseRequest describes one code test case.
type TestCaseRequest struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

// CreateQuestionRequest captures a question inside an exam creation payload.
type CreateQuestionRequest struct {
	Text          string                 `json:"question_text" validate:"required"`
	Type          string                 `json:"type" validate:"required,oneof=mcq subjective code"`
	Options       map[string]interface{} `json:"options"`
	CorrectAnswer string                 `json:"correct_answer" validate:"required_if=Type mcq"`
	Keywords      []string               `json:"keywords" validate:"omitempty,dive,required"`
	Marks         float64                `json:"marks" validate:"gt=0"`
	CodeLanguage  string                 `json:"code_language" validate:"required_if=Type code"`
	TestCases     []TestCaseRequest      `json:"test_cases" validate:"omitempty,dive"`
}

// CreateExamRequest is posted by professors to author an exam.
type CreateExamRequest struct {
	Title              string                  `json:"title" validate:"required,max=255"`
	Type               string                  `json:"type" validate:"omitempty,max=64"`
	DurationMinutes    int                     `json:"duration_minutes" validate:"gte=1,lte=1440"`
	StartTime          *time.Time              `json:"start_time"`
	EndTime            *time.Time              `json:"end_time"`
	NegativeMarking    float64                 `json:"negative_marking" validate:"gte=0,lte=1"`
	RandomizeQuestions bool                    `json:"randomize_questions"`
	Questions          []CreateQuestionRequest `json:"questions" validate:"required,min=1,dive"`
}

// ExamResponse serializes an exam for its professor.
type ExamResponse struct {
	ID                 uuid.UUID  `json:"id"`
	ProfessorID        uuid.UUID  `json:"professor_id"`
	Title              string     `json:"title"`
	Type               string     `json:"type"`
	DurationMinutes    int        `json:"duration_minutes"`
	StartTime          *time.Time `json:"start_time"`
	EndTime            *time.Time `json:"end_time"`
	NegativeMarking    float64    `json:"negative_marking"`
	RandomizeQuestions bool       `json:"randomize_questions"`
	QuestionCount      int        `json:"question_count"`
	TotalMarks         float64    `json:"total_marks"`
	CreatedAt          time.Time  `json:"created_at"`
}

// NewExamResponse converts an exam model into a DTO.
func NewExamResponse(exam models.Exam) ExamResponse {
	total := 0.0
	for _, question := range exam.Questions {
		total += question.Marks
	}

	return ExamResponse{
		ID:                 exam.ID,
		ProfessorID:        exam.ProfessorID,
		Title:              exam.Title,
		Type:               exam.Type,
		DurationMinutes:    exam.DurationMinutes,
		StartTime:          exam.StartTime,
		EndTime:            exam.EndTime,
		NegativeMarking:    exam.NegativeMarking,
		RandomizeQuestions: exam.RandomizeQuestions,
		QuestionCount:      len(exam.Questions),
		TotalMarks:         total,
		CreatedAt:          exam.CreatedAt,
	}
}

// QuestionView is what a student sees. Correct answers, keywords and
// expected outputs are never included.
type QuestionView struct {
	ID           uuid.UUID              `json:"id"`
	Text         string                 `json:"question_text"`
	Type         string                 `json:"type"`
	Options      map[string]interface{} `json:"options,omitempty"`
	Marks        float64                `json:"marks"`
	CodeLanguage string                 `json:"code_language,omitempty"`
	SampleInputs []string               `json:"sample_inputs,omitempty"`
}

// NewQuestionView hides the answer key of a question.
func NewQuestionView(question models.Question) QuestionView {
	view := QuestionView{
		ID:           question.ID,
		Text:         question.Text,
		Type:         question.Type,
		Options:      question.Options,
		Marks:        question.Marks,
		CodeLanguage: question.CodeLanguage,
	}
	if len(question.TestCases) > 0 {
		view.SampleInputs = []string{question.TestCases[0].Input}
	}
	return view
}

// SessionResponse describes a student's exam session.
type SessionResponse struct {
	ID             uuid.UUID  `json:"session_id"`
	ExamID         uuid.UUID  `json:"exam_id"`
	StudentID      uuid.UUID  `json:"student_id"`
	Status         string     `json:"status"`
	IntegrityScore float64    `json:"integrity_score"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	DeadlineAt     time.Time  `json:"deadline_at"`
}

// NewSessionResponse converts a session model into a DTO.
func NewSessionResponse(session models.ExamSession, durationMinutes int) SessionResponse {
	return SessionResponse{
		ID:             session.ID,
		ExamID:         session.ExamID,
		StudentID:      session.StudentID,
		Status:         session.Status,
		IntegrityScore: session.IntegrityScore,
		StartedAt:      session.StartedAt,
		FinishedAt:     session.FinishedAt,
		DeadlineAt:     session.StartedAt.Add(time.Duration(durationMinutes) * time.Minute),
	}
}

// SubmitAnswerRequest saves or replaces an answer.
type SubmitAnswerRequest struct {
	QuestionID string     `json:"question_id" validate:"required,uuid"`
	Answer     string     `json:"answer" validate:"max=65536"`
	StartedAt  *time.Time `json:"started_at"`
}

// AnswerResponse acknowledges a saved answer.
type AnswerResponse struct {
	QuestionID       uuid.UUID `json:"question_id"`
	TimeSpentSeconds int       `json:"time_spent_seconds"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// FinishExamResponse reports that grading has been queued.
type FinishExamResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	Status    string    `json:"status"`
}

// RunCodeRequest runs student code in the sandbox without grading it.
type RunCodeRequest struct {
	Language string `json:"language" validate:"required,max=32"`
	Code     string `json:"code" validate:"required,max=65536"`
	Stdin    string `json:"stdin" validate:"max=65536"`
}

// RunCodeResponse carries the sandbox output.
type RunCodeResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
}

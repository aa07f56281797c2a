package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/dto"
	"github.com/noah-isme/gema-proctor-api/internal/models"
	"github.com/noah-isme/gema-proctor-api/internal/repository"
)

// ResultService exposes graded outcomes.
type ResultService interface {
	SessionResult(ctx context.Context, actor Actor, sessionID uuid.UUID) (dto.SessionResultResponse, error)
	ExamResults(ctx context.Context, actor Actor, examID uuid.UUID) ([]dto.ExamResultRow, error)
}

type resultService struct {
	sessions  repository.SessionRepository
	exams     repository.ExamRepository
	responses repository.ResponseRepository
	results   repository.ResultRepository
	grader    GradingService
	logger    zerolog.Logger
}

// NewResultService constructs the result reader. A completed session without
// a stored result is graded inline through grader.
func NewResultService(sessions repository.SessionRepository, exams repository.ExamRepository, responses repository.ResponseRepository, results repository.ResultRepository, grader GradingService, logger zerolog.Logger) ResultService {
	return &resultService{
		sessions:  sessions,
		exams:     exams,
		responses: responses,
		results:   results,
		grader:    grader,
		logger:    logger.With().Str("component", "result_service").Logger(),
	}
}

func (s *resultService) SessionResult(ctx context.Context, actor Actor, sessionID uuid.UUID) (dto.SessionResultResponse, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SessionResultResponse{}, ErrSessionNotFound
		}
		return dto.SessionResultResponse{}, err
	}
	if session.StudentID != actor.ID && !actor.canManage(session.Exam.ProfessorID) {
		return dto.SessionResultResponse{}, ErrForbidden
	}
	if !session.Finished() {
		return dto.SessionResultResponse{}, ErrGradingInProgress
	}

	result, err := s.results.GetBySession(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if s.grader == nil {
			return dto.SessionResultResponse{}, ErrGradingInProgress
		}
		result, err = s.grader.GradeSession(ctx, sessionID)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID.String()).Msg("inline grading failed")
			return dto.SessionResultResponse{}, ErrGradingInProgress
		}
		if refreshed, lookupErr := s.sessions.GetByID(ctx, sessionID); lookupErr == nil {
			session = refreshed
		}
	} else if err != nil {
		return dto.SessionResultResponse{}, err
	}

	responses, err := s.responses.ListBySession(ctx, sessionID)
	if err != nil {
		return dto.SessionResultResponse{}, err
	}
	questions, err := s.exams.ListQuestions(ctx, session.ExamID)
	if err != nil {
		return dto.SessionResultResponse{}, err
	}

	maxScore := 0.0
	for _, question := range questions {
		maxScore += question.Marks
	}

	views := make([]dto.ResponseView, 0, len(responses))
	for _, response := range responses {
		views = append(views, dto.NewResponseView(response))
	}

	return dto.SessionResultResponse{
		SessionID:        sessionID,
		Status:           session.Status,
		TotalScore:       result.TotalScore,
		MaxScore:         maxScore,
		IntegrityScore:   result.IntegrityScore,
		ViolationSummary: violationSummary(result),
		PendingResponses: result.PendingResponses,
		GeneratedAt:      result.GeneratedAt,
		Responses:        views,
	}, nil
}

func (s *resultService) ExamResults(ctx context.Context, actor Actor, examID uuid.UUID) ([]dto.ExamResultRow, error) {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, err
	}
	if !actor.canManage(exam.ProfessorID) {
		return nil, ErrForbidden
	}

	rows, err := s.results.ListByExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	items := make([]dto.ExamResultRow, 0, len(rows))
	for _, row := range rows {
		item := dto.ExamResultRow{
			SessionID:      row.SessionID,
			StudentID:      row.StudentID,
			Status:         row.Status,
			IntegrityScore: row.IntegrityScore,
			TotalScore:     row.TotalScore,
			GeneratedAt:    row.GeneratedAt,
		}
		if row.PendingResponses != nil {
			item.PendingResponses = *row.PendingResponses
		}
		items = append(items, item)
	}
	return items, nil
}

// violationSummary reads counts back from JSON, where numbers may decode as
// float64.
func violationSummary(result models.Result) map[string]int64 {
	summary := make(map[string]int64, len(result.ViolationSummary))
	for kind, raw := range result.ViolationSummary {
		switch value := raw.(type) {
		case int64:
			summary[kind] = value
		case int:
			summary[kind] = int64(value)
		case float64:
			summary[kind] = int64(value)
		}
	}
	return summary
}

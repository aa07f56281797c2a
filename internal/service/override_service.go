package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/dto"
	"github.com/noah-isme/gema-proctor-api/internal/lock"
	"github.com/noah-isme/gema-proctor-api/internal/observability"
	"github.com/noah-isme/gema-proctor-api/internal/repository"
)

const scoreEpsilon = 1e-9

// OverrideService lets the exam's professor replace an automatic score.
type OverrideService interface {
	Override(ctx context.Context, actor Actor, sessionID, questionID uuid.UUID, payload dto.OverrideRequest) (dto.OverrideResponse, error)
}

type overrideService struct {
	sessions  repository.SessionRepository
	exams     repository.ExamRepository
	results   repository.ResultRepository
	locker    lock.Locker
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	now       func() time.Time
}

// NewOverrideService constructs the manual score override service.
func NewOverrideService(sessions repository.SessionRepository, exams repository.ExamRepository, results repository.ResultRepository, locker lock.Locker, validate *validator.Validate, logger zerolog.Logger) OverrideService {
	return &overrideService{
		sessions:  sessions,
		exams:     exams,
		results:   results,
		locker:    locker,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "override_service").Logger(),
		now:       time.Now,
	}
}

func (s *overrideService) Override(ctx context.Context, actor Actor, sessionID, questionID uuid.UUID, payload dto.OverrideRequest) (dto.OverrideResponse, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-proctor-api/internal/service/override")
	ctx, span := tracer.Start(ctx, "grading.override")
	span.SetAttributes(
		attribute.String("grading.session_id", sessionID.String()),
		attribute.String("grading.question_id", questionID.String()),
		attribute.String("grading.actor_id", actor.ID.String()),
	)
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.OverrideResponse{}, err
	}
	score := *payload.Score
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return dto.OverrideResponse{}, invalid("score", "must be a finite number")
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "session_not_found")
			return dto.OverrideResponse{}, ErrSessionNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "session_lookup_failed")
		return dto.OverrideResponse{}, err
	}
	if !actor.canManage(session.Exam.ProfessorID) {
		span.SetStatus(codes.Error, "forbidden")
		return dto.OverrideResponse{}, ErrForbidden
	}

	question, err := s.exams.GetQuestion(ctx, session.ExamID, questionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "question_not_found")
			return dto.OverrideResponse{}, ErrQuestionNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "question_lookup_failed")
		return dto.OverrideResponse{}, err
	}

	if score > question.Marks+scoreEpsilon {
		span.SetStatus(codes.Error, "score_exceeds_max")
		return dto.OverrideResponse{}, ErrScoreExceedsMax
	}
	if score < -question.Marks-scoreEpsilon {
		span.SetStatus(codes.Error, "score_below_min")
		return dto.OverrideResponse{}, invalid("score", "must not be below the negative question marks")
	}

	note := strings.TrimSpace(s.sanitizer.Sanitize(payload.Note))

	unlock, err := s.locker.Acquire(ctx, lock.ScoreKey(sessionID.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock_failed")
		return dto.OverrideResponse{}, err
	}
	defer unlock()

	outcome, err := s.results.ApplyOverride(ctx, repository.OverrideWrite{
		SessionID:  sessionID,
		QuestionID: questionID,
		Score:      score,
		Note:       note,
		At:         s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "response_not_found")
			return dto.OverrideResponse{}, ErrResponseNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "override_failed")
		return dto.OverrideResponse{}, err
	}

	observability.Overrides().Inc()
	s.logger.Info().
		Str("session_id", sessionID.String()).
		Str("question_id", questionID.String()).
		Str("actor_id", actor.ID.String()).
		Float64("previous_score", outcome.Previous).
		Float64("score", score).
		Msg("score overridden")

	outcome.Response.Question = question
	response := dto.OverrideResponse{
		SessionID:     sessionID,
		Response:      dto.NewResponseView(outcome.Response),
		PreviousScore: outcome.Previous,
	}
	if outcome.Result != nil {
		total := outcome.Result.TotalScore
		response.TotalScore = &total
		span.SetAttributes(attribute.Float64("grading.total_score", total))
	}

	return response, nil
}

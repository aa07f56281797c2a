package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/events"
	"github.com/noah-isme/gema-proctor-api/internal/grading"
	"github.com/noah-isme/gema-proctor-api/internal/lock"
	"github.com/noah-isme/gema-proctor-api/internal/models"
	"github.com/noah-isme/gema-proctor-api/internal/observability"
	"github.com/noah-isme/gema-proctor-api/internal/repository"
	"github.com/noah-isme/gema-proctor-api/internal/worker"
)

const sweepBatchSize = 50

// JobSubmitter queues background work without blocking.
type JobSubmitter interface {
	TrySubmit(job worker.Job) error
}

// GradingConfig tunes the orchestrator.
type GradingConfig struct {
	// SweepGrace is how long a completed session waits before the sweeper
	// grades it again.
	SweepGrace time.Duration
}

// GradingService scores finished sessions.
type GradingService interface {
	GradeSession(ctx context.Context, sessionID uuid.UUID) (models.Result, error)
	Enqueue(sessionID uuid.UUID) error
	Sweep(ctx context.Context) (int, error)
}

type gradingService struct {
	sessions   repository.SessionRepository
	responses  repository.ResponseRepository
	results    repository.ResultRepository
	subjective *grading.SubjectiveGrader
	code       *grading.CodeGrader
	locker     lock.Locker
	jobs       JobSubmitter
	publisher  events.Publisher
	cfg        GradingConfig
	logger     zerolog.Logger
	now        func() time.Time
}

// GradingDeps groups the collaborators of the grading orchestrator.
type GradingDeps struct {
	Sessions   repository.SessionRepository
	Responses  repository.ResponseRepository
	Results    repository.ResultRepository
	Subjective *grading.SubjectiveGrader
	Code       *grading.CodeGrader
	Locker     lock.Locker
	Jobs       JobSubmitter
	Publisher  events.Publisher
}

// NewGradingService constructs the session grading orchestrator.
func NewGradingService(deps GradingDeps, cfg GradingConfig, logger zerolog.Logger) GradingService {
	if cfg.SweepGrace <= 0 {
		cfg.SweepGrace = 2 * time.Minute
	}
	return &gradingService{
		sessions:   deps.Sessions,
		responses:  deps.Responses,
		results:    deps.Results,
		subjective: deps.Subjective,
		code:       deps.Code,
		locker:     deps.Locker,
		jobs:       deps.Jobs,
		publisher:  deps.Publisher,
		cfg:        cfg,
		logger:     logger.With().Str("component", "grading_service").Logger(),
		now:        time.Now,
	}
}

// GradeSession scores every response that was not manually graded and
// stores the aggregate. Scores are computed before the session lock is taken
// so slow graders never hold it.
func (s *gradingService) GradeSession(ctx context.Context, sessionID uuid.UUID) (models.Result, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-proctor-api/internal/service/grading")
	ctx, span := tracer.Start(ctx, "grading.session")
	span.SetAttributes(attribute.String("grading.session_id", sessionID.String()))
	defer span.End()

	started := s.now()

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "session_not_found")
			return models.Result{}, ErrSessionNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "session_lookup_failed")
		return models.Result{}, err
	}
	if !session.Finished() {
		span.SetStatus(codes.Error, "session_not_finished")
		return models.Result{}, ErrSessionNotFinished
	}

	responses, err := s.responses.ListBySession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "responses_lookup_failed")
		return models.Result{}, err
	}

	grades := make([]repository.ResponseGrade, 0, len(responses))
	for i := range responses {
		response := responses[i]
		if !grading.Regradable(response.GradeState()) {
			continue
		}

		state := s.gradeResponse(ctx, session.Exam, response)
		if err := response.ApplyAutoGrade(state); err != nil {
			s.logger.Warn().Err(err).Str("response_id", response.ID.String()).Msg("grade not applied")
			continue
		}
		observability.GradedResponses().WithLabelValues(response.Question.Type, response.GradingState).Inc()

		grades = append(grades, repository.ResponseGrade{
			ResponseID: response.ID,
			Score:      *response.Score,
			State:      response.GradingState,
			Breakdown:  response.GradingBreakdown,
			GradedAt:   *response.GradedAt,
		})
	}

	unlock, err := s.locker.Acquire(ctx, lock.ScoreKey(sessionID.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock_failed")
		return models.Result{}, err
	}
	defer unlock()

	outcome, err := s.results.PersistGrading(ctx, repository.GradingWrite{
		SessionID:   sessionID,
		Grades:      grades,
		GeneratedAt: s.now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grading_persist_failed")
		return models.Result{}, fmt.Errorf("persist grading: %w", err)
	}

	label := "graded"
	if !outcome.Graded {
		label = "degraded"
	}
	observability.GradingDuration().WithLabelValues(label).Observe(s.now().Sub(started).Seconds())

	span.SetAttributes(
		attribute.Float64("grading.total_score", outcome.Result.TotalScore),
		attribute.Int("grading.pending", outcome.Result.PendingResponses),
		attribute.Int("grading.skipped", outcome.Skipped),
	)

	s.logger.Info().
		Str("session_id", sessionID.String()).
		Float64("total_score", outcome.Result.TotalScore).
		Int("pending", outcome.Result.PendingResponses).
		Int("skipped_manual", outcome.Skipped).
		Msg("session graded")

	if outcome.Graded && s.publisher != nil {
		event := events.Event{
			Type:           events.TypeSessionGraded,
			ExamID:         session.ExamID.String(),
			SessionID:      sessionID.String(),
			StudentID:      session.StudentID.String(),
			IntegrityScore: outcome.Result.IntegrityScore,
			At:             s.now().UTC(),
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to publish graded event")
		}
	}

	return outcome.Result, nil
}

func (s *gradingService) gradeResponse(ctx context.Context, exam models.Exam, response models.Response) grading.State {
	question := response.Question
	gradedAt := s.now().UTC()

	switch question.Type {
	case models.QuestionTypeMCQ:
		score := grading.GradeMCQ(response.Answer, question.CorrectAnswer, question.Marks, exam.NegativeMarking)
		return grading.AutoGraded{
			Score: score,
			Breakdown: map[string]interface{}{
				"correct":  score > 0,
				"answered": strings.TrimSpace(response.Answer) != "",
			},
			GradedAt: gradedAt,
		}
	case models.QuestionTypeSubjective:
		grader := s.subjective
		if grader == nil {
			// blank answers are scored without an embedder
			grader = grading.NewSubjectiveGrader(nil)
		}
		result, err := grader.Grade(ctx, response.Answer, question.CorrectAnswer, question.Keywords, question.Marks)
		if err != nil {
			s.logger.Warn().Err(err).Str("response_id", response.ID.String()).Msg("subjective grading degraded")
			return grading.Degraded{Reason: err.Error(), GradedAt: gradedAt}
		}
		return grading.AutoGraded{Score: result.Score, Breakdown: result.Breakdown.Map(), GradedAt: gradedAt}
	case models.QuestionTypeCode:
		if s.code == nil {
			return grading.Degraded{Reason: "code runner unavailable", GradedAt: gradedAt}
		}
		result, err := s.code.Grade(ctx, response.Answer, question.CodeLanguage, question.TestCases, question.Marks)
		if errors.Is(err, grading.ErrUnsupportedLanguage) {
			return grading.AutoGraded{
				Score:     0,
				Breakdown: map[string]interface{}{"error": err.Error(), "needs_review": true},
				GradedAt:  gradedAt,
			}
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("response_id", response.ID.String()).Msg("code grading degraded")
			return grading.Degraded{Reason: err.Error(), GradedAt: gradedAt}
		}
		if result.Degraded() {
			return grading.Degraded{Reason: "code sandbox unavailable", GradedAt: gradedAt}
		}
		return grading.AutoGraded{Score: result.Score, Breakdown: result.Map(), GradedAt: gradedAt}
	default:
		return grading.AutoGraded{
			Score:     0,
			Breakdown: map[string]interface{}{"error": "unknown question type", "needs_review": true},
			GradedAt:  gradedAt,
		}
	}
}

// Enqueue schedules background grading. A full queue is not an error for the
// caller; the sweeper picks the session up later.
func (s *gradingService) Enqueue(sessionID uuid.UUID) error {
	if s.jobs == nil {
		return worker.ErrPoolClosed
	}

	job := worker.JobFunc{
		Label: "grade-session:" + sessionID.String(),
		Fn: func(ctx context.Context) error {
			_, err := s.GradeSession(ctx, sessionID)
			return err
		},
	}

	err := s.jobs.TrySubmit(job)
	if errors.Is(err, worker.ErrQueueFull) {
		s.logger.Warn().Str("session_id", sessionID.String()).Msg("grading queue full, deferring to sweeper")
		return nil
	}
	return err
}

// Sweep grades completed sessions that finished more than the grace period ago.
func (s *gradingService) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.SweepGrace)
	sessions, err := s.sessions.ListAwaitingGrading(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	graded := 0
	var errs []error
	for _, session := range sessions {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		result, err := s.GradeSession(ctx, session.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("session_id", session.ID.String()).Msg("sweep grading failed")
			errs = append(errs, err)
			continue
		}
		if result.PendingResponses == 0 {
			graded++
		}
	}

	if len(sessions) > 0 {
		s.logger.Info().Int("candidates", len(sessions)).Int("graded", graded).Msg("grading sweep finished")
	}
	return graded, errors.Join(errs...)
}

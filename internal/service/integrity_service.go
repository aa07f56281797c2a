package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/events"
	"github.com/noah-isme/gema-proctor-api/internal/integrity"
	"github.com/noah-isme/gema-proctor-api/internal/lock"
	"github.com/noah-isme/gema-proctor-api/internal/models"
	"github.com/noah-isme/gema-proctor-api/internal/observability"
	"github.com/noah-isme/gema-proctor-api/internal/repository"
)

const maxIntegrityAttempts = 3

// ViolationOutcome is the state after a violation was applied.
type ViolationOutcome struct {
	SessionID      uuid.UUID
	ExamID         uuid.UUID
	StudentID      uuid.UUID
	Violation      integrity.Violation
	Confidence     float64
	Penalty        float64
	IntegrityScore float64
}

// IntegrityService ingests violations and maintains session integrity scores.
type IntegrityService interface {
	ReportViolation(ctx context.Context, sessionID uuid.UUID, violationType string, confidence float64, payload map[string]interface{}) (ViolationOutcome, error)
	Record(ctx context.Context, sessionID uuid.UUID, violation integrity.Violation, confidence float64, payload map[string]interface{}) (ViolationOutcome, error)
	Current(ctx context.Context, sessionID uuid.UUID) (models.ExamSession, error)
}

type integrityService struct {
	sessions  repository.SessionRepository
	engine    *integrity.Engine
	locker    lock.Locker
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewIntegrityService constructs the violation ingestion service. publisher may be nil.
func NewIntegrityService(sessions repository.SessionRepository, engine *integrity.Engine, locker lock.Locker, publisher events.Publisher, logger zerolog.Logger) IntegrityService {
	return &integrityService{
		sessions:  sessions,
		engine:    engine,
		locker:    locker,
		publisher: publisher,
		logger:    logger.With().Str("component", "integrity_service").Logger(),
	}
}

func (s *integrityService) ReportViolation(ctx context.Context, sessionID uuid.UUID, violationType string, confidence float64, payload map[string]interface{}) (ViolationOutcome, error) {
	violation, err := integrity.ParseViolation(violationType)
	if err != nil {
		return ViolationOutcome{}, invalid("violation_type", "is required")
	}

	return s.Record(ctx, sessionID, violation, confidence, payload)
}

// Record appends the log entry and lowers the integrity score atomically.
// Transcript entries are logged with zero confidence and never move the score.
func (s *integrityService) Record(ctx context.Context, sessionID uuid.UUID, violation integrity.Violation, confidence float64, payload map[string]interface{}) (ViolationOutcome, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-proctor-api/internal/service/integrity")
	ctx, span := tracer.Start(ctx, "integrity.record")
	span.SetAttributes(
		attribute.String("integrity.session_id", sessionID.String()),
		attribute.String("integrity.violation", violation.Name()),
	)
	defer span.End()

	if sessionID == uuid.Nil {
		err := invalid("session_id", "must be a valid uuid")
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return ViolationOutcome{}, err
	}
	if math.IsNaN(confidence) {
		err := invalid("confidence", "must be a number")
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return ViolationOutcome{}, err
	}
	confidence = math.Min(1, math.Max(0, confidence))
	if violation.Kind == integrity.KindSpeechTranscript {
		confidence = 0
	}

	unlock, err := s.locker.Acquire(ctx, lock.IntegrityKey(sessionID.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock_failed")
		return ViolationOutcome{}, err
	}
	defer unlock()

	for attempt := 1; attempt <= maxIntegrityAttempts; attempt++ {
		session, err := s.sessions.GetByID(ctx, sessionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				span.SetStatus(codes.Error, "session_not_found")
				return ViolationOutcome{}, ErrSessionNotFound
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "session_lookup_failed")
			return ViolationOutcome{}, err
		}
		if !session.AcceptsViolations() {
			span.SetStatus(codes.Error, "session_not_active")
			return ViolationOutcome{}, ErrSessionNotActive
		}

		next := s.engine.Update(session.IntegrityScore, violation, confidence)
		entry := &models.ProctoringLog{
			SessionID:     sessionID,
			ViolationType: violation.Name(),
			Confidence:    confidence,
			Payload:       payload,
		}

		err = s.sessions.AppendViolation(ctx, entry, session.Version, next)
		if errors.Is(err, repository.ErrStaleVersion) {
			observability.VersionRetries().Inc()
			s.logger.Debug().Str("session_id", sessionID.String()).Int("attempt", attempt).Msg("integrity version conflict")
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "integrity_write_failed")
			return ViolationOutcome{}, fmt.Errorf("record violation: %w", err)
		}

		outcome := ViolationOutcome{
			SessionID:      sessionID,
			ExamID:         session.ExamID,
			StudentID:      session.StudentID,
			Violation:      violation,
			Confidence:     confidence,
			Penalty:        integrity.Round(session.IntegrityScore-next, 2),
			IntegrityScore: next,
		}
		s.observe(ctx, outcome)
		span.SetAttributes(attribute.Float64("integrity.score", next))
		return outcome, nil
	}

	span.SetStatus(codes.Error, "concurrent_update")
	return ViolationOutcome{}, ErrConcurrentUpdate
}

func (s *integrityService) Current(ctx context.Context, sessionID uuid.UUID) (models.ExamSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ExamSession{}, ErrSessionNotFound
		}
		return models.ExamSession{}, err
	}
	return session, nil
}

func (s *integrityService) observe(ctx context.Context, outcome ViolationOutcome) {
	if outcome.Confidence > 0 {
		observability.Violations().WithLabelValues(string(outcome.Violation.Kind)).Inc()
		observability.IntegrityPenalty().Observe(outcome.Penalty)
	}

	s.logger.Info().
		Str("session_id", outcome.SessionID.String()).
		Str("violation", outcome.Violation.Name()).
		Float64("confidence", outcome.Confidence).
		Float64("integrity_score", outcome.IntegrityScore).
		Msg("violation recorded")

	if s.publisher == nil {
		return
	}
	event := events.Event{
		Type:           events.TypeViolation,
		ExamID:         outcome.ExamID.String(),
		SessionID:      outcome.SessionID.String(),
		StudentID:      outcome.StudentID.String(),
		ViolationType:  outcome.Violation.Name(),
		Confidence:     outcome.Confidence,
		IntegrityScore: outcome.IntegrityScore,
		At:             time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("session_id", outcome.SessionID.String()).Msg("failed to publish violation event")
	}
}

package service

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/gema-proctor-api/internal/dto"
	"github.com/noah-isme/gema-proctor-api/internal/framestore"
	"github.com/noah-isme/gema-proctor-api/internal/models"
	"github.com/noah-isme/gema-proctor-api/internal/proctoring"
)

const maxStoredTranscript = 500

// FrameStore keeps the most recent webcam frame per session.
type FrameStore interface {
	Put(ctx context.Context, sessionID string, data []byte) (framestore.Frame, error)
	Latest(ctx context.Context, sessionID string) (framestore.Frame, error)
}

// EvidenceUploader stores a snapshot of the frame that triggered a violation.
type EvidenceUploader interface {
	UploadEvidence(ctx context.Context, sessionID, violation string, capturedAt time.Time, data []byte) (string, error)
}

// ProctoringService turns raw proctoring signals into violations.
type ProctoringService interface {
	ReportViolation(ctx context.Context, actor uuid.UUID, payload dto.ViolationRequest) (dto.IntegrityResponse, error)
	SubmitFrame(ctx context.Context, actor uuid.UUID, payload dto.FrameRequest) (dto.DetectionResponse, error)
	SubmitAudio(ctx context.Context, actor uuid.UUID, payload dto.AudioRequest) (dto.DetectionResponse, error)
	SubmitRAF(ctx context.Context, actor uuid.UUID, payload dto.RAFRequest) (dto.DetectionResponse, error)
	SubmitTranscript(ctx context.Context, actor uuid.UUID, payload dto.TranscriptRequest) (dto.TranscriptResponse, error)
	Integrity(ctx context.Context, sessionID uuid.UUID) (dto.IntegrityResponse, error)
	LatestFrame(ctx context.Context, sessionID uuid.UUID) (framestore.Frame, error)
}

type proctoringService struct {
	integrity IntegrityService
	frames    FrameStore
	evidence  EvidenceUploader
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	now       func() time.Time
}

// NewProctoringService constructs the signal ingestion service. frames and
// evidence may be nil.
func NewProctoringService(integrity IntegrityService, frames FrameStore, evidence EvidenceUploader, validate *validator.Validate, logger zerolog.Logger) ProctoringService {
	return &proctoringService{
		integrity: integrity,
		frames:    frames,
		evidence:  evidence,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "proctoring_service").Logger(),
		now:       time.Now,
	}
}

func (s *proctoringService) ReportViolation(ctx context.Context, actor uuid.UUID, payload dto.ViolationRequest) (dto.IntegrityResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.IntegrityResponse{}, err
	}

	session, err := s.ownedSession(ctx, actor, payload.SessionID)
	if err != nil {
		return dto.IntegrityResponse{}, err
	}

	outcome, err := s.integrity.ReportViolation(ctx, session.ID, payload.ViolationType, payload.Confidence, payload.Payload)
	if err != nil {
		return dto.IntegrityResponse{}, err
	}

	return dto.IntegrityResponse{SessionID: session.ID, IntegrityScore: outcome.IntegrityScore, Status: session.Status}, nil
}

func (s *proctoringService) SubmitFrame(ctx context.Context, actor uuid.UUID, payload dto.FrameRequest) (dto.DetectionResponse, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-proctor-api/internal/service/proctoring")
	ctx, span := tracer.Start(ctx, "proctoring.frame")
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.DetectionResponse{}, err
	}

	session, err := s.ownedSession(ctx, actor, payload.SessionID)
	if err != nil {
		span.SetStatus(codes.Error, "session_rejected")
		return dto.DetectionResponse{}, err
	}
	if !session.AcceptsViolations() {
		return dto.DetectionResponse{}, ErrSessionNotActive
	}

	data, err := base64.StdEncoding.DecodeString(payload.Image)
	if err != nil {
		return dto.DetectionResponse{}, invalid("image", "must be base64 encoded")
	}

	capturedAt := s.now().UTC()
	if s.frames != nil {
		frame, err := s.frames.Put(ctx, session.ID.String(), data)
		switch {
		case errors.Is(err, framestore.ErrUnsupportedFrame), errors.Is(err, framestore.ErrFrameTooLarge):
			return dto.DetectionResponse{}, invalid("image", err.Error())
		case err != nil:
			span.RecordError(err)
			s.logger.Warn().Err(err).Str("session_id", session.ID.String()).Msg("failed to store frame")
		default:
			capturedAt = frame.CapturedAt
		}
	}

	detections := proctoring.DetectFrame(proctoring.FrameObservation{
		Labels:      payload.Labels,
		PersonCount: payload.PersonCount,
	})
	span.SetAttributes(attribute.Int("proctoring.detections", len(detections)))

	response := dto.DetectionResponse{
		SessionID:      session.ID,
		Violations:     make([]string, 0, len(detections)),
		IntegrityScore: session.IntegrityScore,
	}
	if len(detections) == 0 {
		return response, nil
	}

	if s.evidence != nil {
		url, err := s.evidence.UploadEvidence(ctx, session.ID.String(), detections[0].Violation.Name(), capturedAt, data)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", session.ID.String()).Msg("evidence upload failed")
		} else {
			response.EvidenceURL = url
		}
	}

	for _, detection := range detections {
		if response.EvidenceURL != "" {
			detection.Payload["evidence_url"] = response.EvidenceURL
		}
		outcome, err := s.integrity.Record(ctx, session.ID, detection.Violation, detection.Confidence, detection.Payload)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "record_failed")
			return dto.DetectionResponse{}, err
		}
		response.Violations = append(response.Violations, detection.Violation.Name())
		response.IntegrityScore = outcome.IntegrityScore
	}

	return response, nil
}

func (s *proctoringService) SubmitAudio(ctx context.Context, actor uuid.UUID, payload dto.AudioRequest) (dto.DetectionResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.DetectionResponse{}, err
	}

	detection, found := proctoring.DetectAudio(payload.VoiceEnergy)
	return s.recordSignal(ctx, actor, payload.SessionID, detection, found)
}

func (s *proctoringService) SubmitRAF(ctx context.Context, actor uuid.UUID, payload dto.RAFRequest) (dto.DetectionResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.DetectionResponse{}, err
	}

	detection, found := proctoring.DetectRAF(time.Duration(payload.DeltaMS) * time.Millisecond)
	return s.recordSignal(ctx, actor, payload.SessionID, detection, found)
}

func (s *proctoringService) recordSignal(ctx context.Context, actor uuid.UUID, rawSessionID string, detection proctoring.Detection, found bool) (dto.DetectionResponse, error) {
	session, err := s.ownedSession(ctx, actor, rawSessionID)
	if err != nil {
		return dto.DetectionResponse{}, err
	}

	response := dto.DetectionResponse{
		SessionID:      session.ID,
		Violations:     []string{},
		IntegrityScore: session.IntegrityScore,
	}
	if !found {
		return response, nil
	}

	outcome, err := s.integrity.Record(ctx, session.ID, detection.Violation, detection.Confidence, detection.Payload)
	if err != nil {
		return dto.DetectionResponse{}, err
	}
	response.Violations = append(response.Violations, detection.Violation.Name())
	response.IntegrityScore = outcome.IntegrityScore
	return response, nil
}

// SubmitTranscript classifies recognised speech. Every transcript is logged;
// only tier 1 and tier 2 matches lower the score.
func (s *proctoringService) SubmitTranscript(ctx context.Context, actor uuid.UUID, payload dto.TranscriptRequest) (dto.TranscriptResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.TranscriptResponse{}, err
	}

	session, err := s.ownedSession(ctx, actor, payload.SessionID)
	if err != nil {
		return dto.TranscriptResponse{}, err
	}

	text := strings.TrimSpace(s.sanitizer.Sanitize(payload.Text))
	if text == "" {
		return dto.TranscriptResponse{}, invalid("text", "is required")
	}

	verdict := proctoring.ClassifyTranscript(text)
	stored := text
	if runes := []rune(stored); len(runes) > maxStoredTranscript {
		stored = string(runes[:maxStoredTranscript])
	}

	outcome, err := s.integrity.Record(ctx, session.ID, verdict.Violation, verdict.Confidence, map[string]interface{}{
		"transcript": stored,
		"tier":       verdict.Tier,
		"matched":    verdict.Matched,
	})
	if err != nil {
		return dto.TranscriptResponse{}, err
	}

	return dto.TranscriptResponse{
		SessionID:      session.ID,
		Tier:           verdict.Tier,
		Matched:        verdict.Matched,
		Penalised:      verdict.Penalising(),
		IntegrityScore: outcome.IntegrityScore,
	}, nil
}

func (s *proctoringService) Integrity(ctx context.Context, sessionID uuid.UUID) (dto.IntegrityResponse, error) {
	session, err := s.integrity.Current(ctx, sessionID)
	if err != nil {
		return dto.IntegrityResponse{}, err
	}
	return dto.IntegrityResponse{SessionID: session.ID, IntegrityScore: session.IntegrityScore, Status: session.Status}, nil
}

func (s *proctoringService) LatestFrame(ctx context.Context, sessionID uuid.UUID) (framestore.Frame, error) {
	if s.frames == nil {
		return framestore.Frame{}, framestore.ErrFrameNotFound
	}
	if _, err := s.integrity.Current(ctx, sessionID); err != nil {
		return framestore.Frame{}, err
	}
	return s.frames.Latest(ctx, sessionID.String())
}

// ownedSession resolves the session a signal is reported for and checks it
// belongs to the reporting student.
func (s *proctoringService) ownedSession(ctx context.Context, actor uuid.UUID, rawSessionID string) (models.ExamSession, error) {
	sessionID, err := ParseID("session_id", rawSessionID)
	if err != nil {
		return models.ExamSession{}, err
	}

	session, err := s.integrity.Current(ctx, sessionID)
	if err != nil {
		return models.ExamSession{}, err
	}
	if session.StudentID != actor {
		return models.ExamSession{}, ErrForbidden
	}
	return session, nil
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-proctor-api/internal/dto"
	"github.com/noah-isme/gema-proctor-api/internal/liveness"
	"github.com/noah-isme/gema-proctor-api/internal/models"
	"github.com/noah-isme/gema-proctor-api/internal/repository"
)

// FaceService registers and verifies a student's face profile.
type FaceService interface {
	Verify(ctx context.Context, studentID uuid.UUID, payload dto.FaceVerifyRequest) (dto.FaceVerifyResponse, error)
}

type faceService struct {
	profiles  repository.FaceProfileRepository
	matcher   *liveness.Matcher
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewFaceService constructs the liveness verification service.
func NewFaceService(profiles repository.FaceProfileRepository, matcher *liveness.Matcher, validate *validator.Validate, logger zerolog.Logger) FaceService {
	return &faceService{
		profiles:  profiles,
		matcher:   matcher,
		validator: validate,
		logger:    logger.With().Str("component", "face_service").Logger(),
	}
}

// Verify evaluates the liveness capture. A student without a complete
// profile is enrolled with the submitted samples.
func (s *faceService) Verify(ctx context.Context, studentID uuid.UUID, payload dto.FaceVerifyRequest) (dto.FaceVerifyResponse, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-proctor-api/internal/service/face")
	ctx, span := tracer.Start(ctx, "face.verify")
	span.SetAttributes(attribute.String("face.student_id", studentID.String()))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.FaceVerifyResponse{}, err
	}

	var stored map[string][]float64
	profile, err := s.profiles.Get(ctx, studentID)
	switch {
	case err == nil:
		stored = profile.Samples.Data()
		if len(stored) == 0 {
			stored = liveness.LegacyProfile(profile.FaceEmbedding)
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		span.RecordError(err)
		span.SetStatus(codes.Error, "profile_lookup_failed")
		return dto.FaceVerifyResponse{}, err
	}

	decision, err := s.matcher.Evaluate(stored, liveness.Evidence{
		Samples:         payload.Samples,
		ActionOrder:     payload.ActionOrder,
		BlinkCount:      payload.BlinkCount,
		CaptureDuration: time.Duration(payload.CaptureDurationMS) * time.Millisecond,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "liveness_rejected")
		s.logger.Info().Err(err).Str("student_id", studentID.String()).Int("matched_poses", decision.MatchedPoses).Msg("face verification rejected")
		return dto.FaceVerifyResponse{}, err
	}

	if decision.Store != nil {
		record := models.FaceProfile{
			StudentID:     studentID,
			Samples:       datatypes.NewJSONType(decision.Store),
			FaceEmbedding: datatypes.JSONSlice[float64](decision.Store["center"]),
		}
		if err := s.profiles.Save(ctx, &record); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "profile_save_failed")
			return dto.FaceVerifyResponse{}, err
		}
	}

	response := dto.FaceVerifyResponse{
		Outcome:      string(decision.Outcome),
		MatchedPoses: decision.MatchedPoses,
	}
	if decision.Outcome == liveness.OutcomeVerified {
		average := decision.AverageSimilarity
		minimum := decision.MinimumSimilarity
		response.AverageSimilarity = &average
		response.MinimumSimilarity = &minimum
	}

	s.logger.Info().Str("student_id", studentID.String()).Str("outcome", response.Outcome).Msg("face verification completed")
	return response, nil
}

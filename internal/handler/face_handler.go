package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-proctor-api/internal/dto"
	"github.com/noah-isme/gema-proctor-api/internal/liveness"
	"github.com/noah-isme/gema-proctor-api/internal/middleware"
	"github.com/noah-isme/gema-proctor-api/internal/service"
	"github.com/noah-isme/gema-proctor-api/internal/utils"
)

// FaceHandler exposes face liveness verification.
type FaceHandler struct {
	service service.FaceService
	logger  zerolog.Logger
}

// NewFaceHandler constructs the handler.
func NewFaceHandler(service service.FaceService, logger zerolog.Logger) *FaceHandler {
	return &FaceHandler{
		service: service,
		logger:  logger.With().Str("component", "face_handler").Logger(),
	}
}

// Register wires the verification endpoint.
func (h *FaceHandler) Register(router fiber.Router) {
	router.Post("/face-verify", middleware.WithAuth(h.verify, middleware.AuthOptions{RequireUser: true}))
}

func (h *FaceHandler) verify(c *fiber.Ctx) error {
	var payload dto.FaceVerifyRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.service.Verify(requestContext(c), userIDFromContext(c), payload)
	if err != nil {
		switch {
		case errors.Is(err, liveness.ErrFaceMismatch), errors.Is(err, liveness.ErrInsufficientPoseMatch):
			return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
		case errors.Is(err, liveness.ErrMissingPoses),
			errors.Is(err, liveness.ErrMissingActions),
			errors.Is(err, liveness.ErrBlinkNotDetected),
			errors.Is(err, liveness.ErrCaptureTooShort),
			errors.Is(err, liveness.ErrInvalidEmbedding):
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		if handled, sendErr := sendServiceError(c, err); handled {
			return sendErr
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("face verification failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}

	return utils.SendSuccess(c, "face "+response.Outcome, response)
}

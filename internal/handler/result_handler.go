package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-proctor-api/internal/dto"
	"github.com/noah-isme/gema-proctor-api/internal/middleware"
	"github.com/noah-isme/gema-proctor-api/internal/service"
	"github.com/noah-isme/gema-proctor-api/internal/utils"
)

// ResultHandler serves graded results and manual overrides.
type ResultHandler struct {
	results   service.ResultService
	overrides service.OverrideService
	logger    zerolog.Logger
}

// NewResultHandler constructs the handler.
func NewResultHandler(results service.ResultService, overrides service.OverrideService, logger zerolog.Logger) *ResultHandler {
	return &ResultHandler{
		results:   results,
		overrides: overrides,
		logger:    logger.With().Str("component", "result_handler").Logger(),
	}
}

// Register wires the result endpoints into the router group.
func (h *ResultHandler) Register(router fiber.Router) {
	professor := middleware.AuthOptions{Role: middleware.AuthRoleProfessor}

	router.Get("/sessions/:id", middleware.WithAuth(h.session, middleware.AuthOptions{RequireUser: true}))
	router.Get("/exams/:id", middleware.WithAuth(h.exam, professor))
	router.Patch("/sessions/:id/responses/:questionId/override", middleware.WithAuth(h.override, professor))
}

func (h *ResultHandler) session(c *fiber.Ctx) error {
	sessionID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.results.SessionResult(requestContext(c), actorFromContext(c), sessionID)
	if errors.Is(err, service.ErrGradingInProgress) {
		return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "grading in progress", dto.GradingPendingResponse{
			SessionID: sessionID,
			Status:    service.GradingStatus,
		})
	}
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "result retrieved", response)
}

func (h *ResultHandler) exam(c *fiber.Ctx) error {
	examID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.results.ExamResults(requestContext(c), actorFromContext(c), examID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "exam results retrieved", response)
}

func (h *ResultHandler) override(c *fiber.Ctx) error {
	sessionID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	questionID, err := parseIDParam(c, "questionId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.OverrideRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.overrides.Override(requestContext(c), actorFromContext(c), sessionID, questionID, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "score overridden", response)
}

func (h *ResultHandler) handleError(c *fiber.Ctx, err error) error {
	if handled, sendErr := sendServiceError(c, err); handled {
		return sendErr
	}

	requestLogger(h.logger, c).Error().Err(err).Msg("result operation failed")
	return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
}

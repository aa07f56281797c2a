package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-proctor-api/internal/dto"
	"github.com/noah-isme/gema-proctor-api/internal/middleware"
	"github.com/noah-isme/gema-proctor-api/internal/service"
	"github.com/noah-isme/gema-proctor-api/internal/utils"
)

// ExamHandler exposes exam authoring and the student exam flow.
type ExamHandler struct {
	service service.ExamService
	logger  zerolog.Logger
}

// NewExamHandler constructs the handler.
func NewExamHandler(service service.ExamService, logger zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		service: service,
		logger:  logger.With().Str("component", "exam_handler").Logger(),
	}
}

// Register wires the exam endpoints into the router group.
func (h *ExamHandler) Register(router fiber.Router) {
	professor := middleware.AuthOptions{Role: middleware.AuthRoleProfessor}
	student := middleware.AuthOptions{Role: middleware.AuthRoleStudent}

	router.Post("", middleware.WithAuth(h.create, professor))
	router.Post("/run-code", middleware.WithAuth(h.runCode, student))
	router.Post("/:id/start", middleware.WithAuth(h.start, student))
	router.Get("/:id/questions", middleware.WithAuth(h.questions, student))
	router.Post("/:id/answers", middleware.WithAuth(h.submitAnswer, student))
	router.Post("/:id/finish", middleware.WithAuth(h.finish, student))
}

func (h *ExamHandler) create(c *fiber.Ctx) error {
	var payload dto.CreateExamRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.service.Create(requestContext(c), actorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "exam created", response)
}

func (h *ExamHandler) start(c *fiber.Ctx) error {
	examID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.service.Start(requestContext(c), actorFromContext(c), examID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "exam started", response)
}

func (h *ExamHandler) questions(c *fiber.Ctx) error {
	examID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.service.ListQuestions(requestContext(c), actorFromContext(c), examID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "questions retrieved", response)
}

func (h *ExamHandler) submitAnswer(c *fiber.Ctx) error {
	examID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.SubmitAnswerRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.service.SubmitAnswer(requestContext(c), actorFromContext(c), examID, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "answer saved", response)
}

func (h *ExamHandler) finish(c *fiber.Ctx) error {
	examID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.service.Finish(requestContext(c), actorFromContext(c), examID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "exam finished", response)
}

func (h *ExamHandler) runCode(c *fiber.Ctx) error {
	var payload dto.RunCodeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.service.RunCode(requestContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "code executed", response)
}

func (h *ExamHandler) handleError(c *fiber.Ctx, err error) error {
	if handled, sendErr := sendServiceError(c, err); handled {
		return sendErr
	}

	requestLogger(h.logger, c).Error().Err(err).Msg("exam operation failed")
	return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
}

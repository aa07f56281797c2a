package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-proctor-api/internal/dto"
	"github.com/noah-isme/gema-proctor-api/internal/framestore"
	"github.com/noah-isme/gema-proctor-api/internal/middleware"
	"github.com/noah-isme/gema-proctor-api/internal/service"
	"github.com/noah-isme/gema-proctor-api/internal/utils"
)

const streamPingInterval = 30 * time.Second

// ProctoringHandler receives proctoring signals and serves the live monitor.
type ProctoringHandler struct {
	proctoring service.ProctoringService
	monitor    service.MonitorService
	logger     zerolog.Logger
}

// NewProctoringHandler constructs the handler.
func NewProctoringHandler(proctoring service.ProctoringService, monitor service.MonitorService, logger zerolog.Logger) *ProctoringHandler {
	return &ProctoringHandler{
		proctoring: proctoring,
		monitor:    monitor,
		logger:     logger.With().Str("component", "proctoring_handler").Logger(),
	}
}

// Register wires the proctoring endpoints into the router group.
func (h *ProctoringHandler) Register(router fiber.Router) {
	student := middleware.AuthOptions{Role: middleware.AuthRoleStudent}
	professor := middleware.AuthOptions{Role: middleware.AuthRoleProfessor}

	router.Post("/violations", middleware.WithAuth(h.violation, student))
	router.Post("/frames", middleware.WithAuth(h.frame, student))
	router.Post("/audio", middleware.WithAuth(h.audio, student))
	router.Post("/raf", middleware.WithAuth(h.raf, student))
	router.Post("/transcripts", middleware.WithAuth(h.transcript, student))

	router.Get("/sessions/:id/integrity", middleware.WithAuth(h.integrity, professor))
	router.Get("/sessions/:id/frame", middleware.WithAuth(h.latestFrame, professor))
	router.Get("/exams/:id/live", middleware.WithAuth(h.live, professor))

	router.Use("/exams/:id/stream", middleware.RequireRole(middleware.AuthRoleProfessor), h.upgrade)
	router.Get("/exams/:id/stream", websocket.New(h.stream))
}

func (h *ProctoringHandler) violation(c *fiber.Ctx) error {
	var payload dto.ViolationRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.proctoring.ReportViolation(requestContext(c), userIDFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "violation recorded", response)
}

func (h *ProctoringHandler) frame(c *fiber.Ctx) error {
	var payload dto.FrameRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.proctoring.SubmitFrame(requestContext(c), userIDFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "frame analysed", response)
}

func (h *ProctoringHandler) audio(c *fiber.Ctx) error {
	var payload dto.AudioRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.proctoring.SubmitAudio(requestContext(c), userIDFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "audio analysed", response)
}

func (h *ProctoringHandler) raf(c *fiber.Ctx) error {
	var payload dto.RAFRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.proctoring.SubmitRAF(requestContext(c), userIDFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "frame timing analysed", response)
}

func (h *ProctoringHandler) transcript(c *fiber.Ctx) error {
	var payload dto.TranscriptRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.proctoring.SubmitTranscript(requestContext(c), userIDFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "transcript analysed", response)
}

func (h *ProctoringHandler) integrity(c *fiber.Ctx) error {
	sessionID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.proctoring.Integrity(requestContext(c), sessionID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "integrity retrieved", response)
}

func (h *ProctoringHandler) latestFrame(c *fiber.Ctx) error {
	sessionID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	frame, err := h.proctoring.LatestFrame(requestContext(c), sessionID)
	if err != nil {
		if errors.Is(err, framestore.ErrFrameNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, err.Error())
		}
		return h.handleError(c, err)
	}

	c.Set(fiber.HeaderContentType, frame.MIME)
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Set("X-Captured-At", frame.CapturedAt.UTC().Format(time.RFC3339Nano))
	return c.Send(frame.Data)
}

func (h *ProctoringHandler) live(c *fiber.Ctx) error {
	examID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.monitor.LiveSessions(requestContext(c), actorFromContext(c), examID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "live sessions retrieved", response)
}

func (h *ProctoringHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	examID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	c.Locals("exam_id", examID)
	c.Locals("request_ctx", requestContext(c))
	return c.Next()
}

func (h *ProctoringHandler) stream(conn *websocket.Conn) {
	examID, _ := conn.Locals("exam_id").(uuid.UUID)
	actor := service.Actor{Role: fmt.Sprint(conn.Locals("user_role"))}
	if id, ok := conn.Locals("user_id").(uuid.UUID); ok {
		actor.ID = id
	}
	ctx, ok := conn.Locals("request_ctx").(context.Context)
	if !ok {
		ctx = context.Background()
	}

	updates, cancel, err := h.monitor.Stream(ctx, actor, examID)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, service.ErrForbidden) || errors.Is(err, service.ErrExamNotFound) {
			code = websocket.ClosePolicyViolation
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()))
		_ = conn.Close()
		return
	}
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Info().Str("exam_id", examID.String()).Str("actor_id", actor.ID.String()).Msg("monitor stream connected")
	defer h.logger.Info().Str("exam_id", examID.String()).Msg("monitor stream disconnected")

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, open := <-updates:
			if !open {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn().Err(err).Msg("failed to encode monitor event")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (h *ProctoringHandler) handleError(c *fiber.Ctx, err error) error {
	if handled, sendErr := sendServiceError(c, err); handled {
		return sendErr
	}

	requestLogger(h.logger, c).Error().Err(err).Msg("proctoring operation failed")
	return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
}

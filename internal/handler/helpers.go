package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-proctor-api/internal/lock"
	"github.com/noah-isme/gema-proctor-api/internal/middleware"
	"github.com/noah-isme/gema-proctor-api/internal/service"
	"github.com/noah-isme/gema-proctor-api/internal/utils"
)

func userIDFromContext(c *fiber.Ctx) uuid.UUID {
	if id, ok := c.Locals("user_id").(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

func userRoleFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_role"); v != nil {
		if role, ok := v.(string); ok {
			return strings.ToLower(strings.TrimSpace(role))
		}
	}
	return ""
}

func actorFromContext(c *fiber.Ctx) service.Actor {
	return service.Actor{
		ID:   userIDFromContext(c),
		Role: userRoleFromContext(c),
	}
}

func parseIDParam(c *fiber.Ctx, key string) (uuid.UUID, error) {
	return service.ParseID(key, c.Params(key))
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors) || service.IsValidation(err)
}

// sendServiceError maps the shared service errors onto HTTP statuses. It
// reports false when err is not one of them.
func sendServiceError(c *fiber.Ctx, err error) (bool, error) {
	switch {
	case isValidationError(err):
		return true, utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrScoreExceedsMax):
		return true, utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrExamNotFound),
		errors.Is(err, service.ErrQuestionNotFound),
		errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrResponseNotFound):
		return true, utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrForbidden):
		return true, utils.SendError(c, fiber.StatusForbidden, "forbidden")
	case errors.Is(err, service.ErrExamClosed):
		return true, utils.SendError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrConcurrentUpdate), errors.Is(err, lock.ErrLockTimeout):
		c.Set(fiber.HeaderRetryAfter, "1")
		return true, utils.SendErrorCode(c, fiber.StatusConflict, utils.CodeRetry, "concurrent update, retry")
	case errors.Is(err, service.ErrSessionNotActive), errors.Is(err, service.ErrSessionNotFinished):
		return true, utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrSandboxUnavailable):
		return true, utils.SendError(c, fiber.StatusServiceUnavailable, err.Error())
	}
	return false, nil
}

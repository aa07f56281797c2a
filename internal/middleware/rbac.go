package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-proctor-api/internal/utils"
)

// RequireRole admits callers holding any of roles. Admins satisfy a
// professor requirement, matching WithAuth. It is used where a guard must
// run before a handler that WithAuth cannot wrap, such as a websocket
// upgrade.
func RequireRole(roles ...string) fiber.Handler {
	required := make([]string, 0, len(roles))
	for _, role := range roles {
		if normalized := strings.ToLower(strings.TrimSpace(role)); normalized != "" {
			required = append(required, normalized)
		}
	}

	return func(c *fiber.Ctx) error {
		current := normalizeRoleValue(c.Locals("user_role"))
		if current == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}
		for _, role := range required {
			if roleSatisfies(role, current) {
				return c.Next()
			}
		}
		return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
	}
}

// roleSatisfies reports whether a caller with role current may act as required.
func roleSatisfies(required, current string) bool {
	if required == AuthRoleAny {
		return true
	}
	if current == required {
		return true
	}
	return required == AuthRoleProfessor && current == AuthRoleAdmin
}

func normalizeRoleValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
	}
}

package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/gema-proctor-api/internal/utils"
)

const clockSkew = 30 * time.Second

var errInvalidSubject = errors.New("token subject must be a user uuid")

// AccessClaims is the token shape issued by the exam platform's identity
// service. Subject carries the user uuid.
type AccessClaims struct {
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// PrimaryRole returns the normalized role, preferring the scalar claim.
func (c AccessClaims) PrimaryRole() string {
	if role := strings.ToLower(strings.TrimSpace(c.Role)); role != "" {
		return role
	}
	for _, role := range c.Roles {
		if role = strings.ToLower(strings.TrimSpace(role)); role != "" {
			return role
		}
	}
	return ""
}

// UserID parses the subject.
func (c AccessClaims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(c.Subject))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, errInvalidSubject
	}
	return id, nil
}

// JWTProtected validates HMAC signed bearer tokens and stores user_id and
// user_role locals. Tokens must carry exp. Websocket upgrades may pass the
// token as access_token because browsers cannot set headers on them.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		raw, ok := bearerToken(c)
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
		}

		var claims AccessClaims
		if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return key, nil
		}); err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		userID, err := claims.UserID()
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token subject")
		}

		c.Locals("user_id", userID)
		if role := claims.PrimaryRole(); role != "" {
			c.Locals("user_role", role)
		}

		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) (string, bool) {
	header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if scheme, token, found := strings.Cut(header, " "); found && strings.EqualFold(scheme, "bearer") {
		token = strings.TrimSpace(token)
		return token, token != ""
	}
	if header != "" {
		return "", false
	}

	if strings.EqualFold(c.Get(fiber.HeaderUpgrade), "websocket") {
		token := strings.TrimSpace(c.Query("access_token"))
		return token, token != ""
	}
	return "", false
}

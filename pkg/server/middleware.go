package server

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/harrisonrobin/taskboard/pkg/model"
)

const userKey = "user_id"

// JWTConfig holds the settings for validating session tokens.
type JWTConfig struct {
	Secret string
	Issuer string
}

// JWTMiddleware rejects requests without a valid HS256 bearer token and
// stores the token subject as the request's user id.
func JWTMiddleware(cfg JWTConfig) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			return renderError(c, fmt.Errorf("%w: missing bearer token", model.ErrUnauthenticated))
		}

		userID, err := parseSessionToken(parts[1], cfg)
		if err != nil {
			return renderError(c, err)
		}
		c.Locals(userKey, userID)
		return c.Next()
	}
}

func parseSessionToken(raw string, cfg JWTConfig) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	}, jwt.WithIssuer(cfg.Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", model.ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// UserID returns the authenticated user of the request.
func UserID(c fiber.Ctx) string {
	id, _ := c.Locals(userKey).(string)
	return id
}

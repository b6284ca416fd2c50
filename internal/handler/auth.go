package handler

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	roleAdmin     = "admin"
	localsSubject = "admin_subject"
)

// AdminAuth guards admin routes with an HS256 bearer token whose role claim is "admin".
// An empty secret rejects every request.
func AdminAuth(secret string) fiber.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(c *fiber.Ctx) error {
		if len(key) == 0 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		raw, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		claims := jwt.MapClaims{}
		_, err := parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
			return key, nil
		})
		if err != nil {
			if !errors.Is(err, jwt.ErrTokenExpired) {
				log.Warn().Err(err).Str("path", c.Path()).Msg("rejected admin token")
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		if role, _ := claims["role"].(string); role != roleAdmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
		}
		sub, _ := claims.GetSubject()
		c.Locals(localsSubject, sub)
		return c.Next()
	}
}

// adminSubject returns the subject of the admin token of the request.
func adminSubject(c *fiber.Ctx) string {
	sub, _ := c.Locals(localsSubject).(string)
	return sub
}

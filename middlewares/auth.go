package middlewares

import (
	"crypto/subtle"
	"strings"

	"donut/helpers"

	"github.com/gofiber/fiber/v2"
)

// BearerAuth checks "Authorization: Bearer <secret>". An empty secret locks
// the route.
func BearerAuth(secret string) fiber.Handler {
	expected := []byte(secret)

	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || len(expected) == 0 || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			return helpers.JSONUnauthorized(c)
		}
		return c.Next()
	}
}

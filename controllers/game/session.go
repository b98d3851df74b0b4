package game

import (
	"donut/helpers"
	"donut/logger"
	"donut/services"

	"github.com/gofiber/fiber/v2"
)

func CreateSession(svc *services.ScoreService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req services.SessionRequest
		if err := c.BodyParser(&req); err != nil {
			return helpers.JSONError(c, "INVALID_JSON")
		}

		family := c.Params("family")
		res, err := svc.CreateSession(c.UserContext(), family, req)
		if err != nil {
			logger.Error("❌ session %s for %s: %v", family, req.PlayerKey, err)
			return helpers.JSONInternal(c)
		}
		if !res.Accepted {
			return helpers.JSONOutcome(c, "SESSION_REJECTED", res)
		}
		return helpers.JSONSuccess(c, "Session started", res)
	}
}

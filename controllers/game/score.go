package game

import (
	"donut/helpers"
	"donut/logger"
	"donut/services"

	"github.com/gofiber/fiber/v2"
)

func SubmitScore(svc *services.ScoreService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req services.ScoreRequest
		if err := c.BodyParser(&req); err != nil {
			return helpers.JSONError(c, "INVALID_JSON")
		}
		if req.EntryID == "" || req.PlayerKey == "" {
			return helpers.JSONError(c, "ENTRY_AND_PLAYER_REQUIRED")
		}

		family := c.Params("family")
		res, err := svc.Submit(c.UserContext(), family, req)
		if err != nil {
			logger.Error("❌ score %s entry %s: %v", family, req.EntryID, err)
			return helpers.JSONInternal(c)
		}
		if !res.Accepted {
			return helpers.JSONOutcome(c, "SCORE_REJECTED", res)
		}
		return helpers.JSONSuccess(c, "Score recorded", res)
	}
}

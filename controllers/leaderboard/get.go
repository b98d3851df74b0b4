package leaderboard

import (
	"donut/config"
	"donut/helpers"
	"donut/logger"
	"donut/services"

	"github.com/gofiber/fiber/v2"
)

func Get(cfg *config.Config, board *services.Leaderboard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		f, ok := cfg.Family(c.Params("family"))
		if !ok {
			return helpers.JSONNotFound(c, "UNKNOWN_LEADERBOARD")
		}

		epoch := c.QueryInt("epoch", 0)
		if epoch < 0 {
			return helpers.JSONError(c, "INVALID_EPOCH")
		}
		limit := c.QueryInt("limit", services.DefaultBoardLimit)

		res, err := board.Query(c.UserContext(), f, int64(epoch), limit)
		if err != nil {
			logger.Error("❌ leaderboard %s: %v", f.Name, err)
			return helpers.JSONInternal(c)
		}
		return helpers.JSONSuccess(c, "Leaderboard retrieved successfully", res)
	}
}

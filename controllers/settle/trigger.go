package settle

import (
	"donut/config"
	"donut/helpers"
	"donut/logger"
	"donut/settlement"

	"github.com/gofiber/fiber/v2"
)

type TriggerRequest struct {
	DryRun bool  `json:"dryRun"`
	Epoch  int64 `json:"epoch"`
}

func Trigger(cfg *config.Config, d *settlement.Dispatcher) fiber.Handler {
	return func(c *fiber.Ctx) error {
		f, ok := cfg.Family(c.Params("family"))
		if !ok {
			return helpers.JSONNotFound(c, "UNKNOWN_LEADERBOARD")
		}

		var req TriggerRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return helpers.JSONError(c, "INVALID_JSON")
			}
		}
		if req.Epoch < 0 {
			return helpers.JSONError(c, "INVALID_EPOCH")
		}

		res, err := d.Dispatch(c.UserContext(), f, settlement.Options{DryRun: req.DryRun, Epoch: req.Epoch})
		if err != nil {
			logger.Error("❌ settlement %s: %v", f.Name, err)
			return helpers.JSONInternal(c)
		}

		switch {
		case res.DryRun:
			return helpers.JSONSuccess(c, "Dry run", res)
		case res.Distributed:
			return helpers.JSONSuccess(c, "Distributed", res)
		default:
			return helpers.JSONOutcome(c, "NOT_DISTRIBUTED", res)
		}
	}
}

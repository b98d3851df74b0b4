package review

import (
	"donut/helpers"
	"donut/logger"
	"donut/services"

	"github.com/gofiber/fiber/v2"
)

type ReviewRequest struct {
	Decision string `json:"decision"`
}

func Decide(svc *services.ScoreService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req ReviewRequest
		if err := c.BodyParser(&req); err != nil {
			return helpers.JSONError(c, "INVALID_JSON")
		}

		id := c.Params("entryId")
		entry, reason, err := svc.Review(c.UserContext(), id, req.Decision)
		if err != nil {
			logger.Error("❌ review %s: %v", id, err)
			return helpers.JSONInternal(c)
		}
		switch reason {
		case "":
		case services.ReasonUnknownEntry:
			return helpers.JSONNotFound(c, "ENTRY_NOT_FOUND")
		default:
			return helpers.JSONError(c, reason)
		}

		return helpers.JSONSuccess(c, "Review saved", fiber.Map{
			"entryId": entry.ID,
			"review":  entry.Review,
			"flagged": entry.Flagged,
		})
	}
}

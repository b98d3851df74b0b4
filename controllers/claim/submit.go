package claim

import (
	"donut/helpers"
	"donut/logger"
	"donut/services"

	"github.com/gofiber/fiber/v2"
)

func Submit(svc *services.ClaimService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req services.ClaimRequest
		if err := c.BodyParser(&req); err != nil {
			return helpers.JSONError(c, "INVALID_JSON")
		}
		if req.ActorAddress == "" || req.ActionKind == "" {
			return helpers.JSONError(c, "ACTOR_AND_ACTION_REQUIRED")
		}

		res, err := svc.Submit(c.UserContext(), req)
		if err != nil {
			logger.Error("❌ claim %s %s: %v", req.ActionKind, req.TxHash, err)
			return helpers.JSONInternal(c)
		}

		if !res.Accepted {
			return helpers.JSONOutcome(c, "CLAIM_REJECTED", res)
		}
		if res.AlreadyRecorded {
			return helpers.JSONSuccess(c, "Claim already recorded", res)
		}
		return helpers.JSONSuccess(c, "Claim recorded", res)
	}
}

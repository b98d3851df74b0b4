package routes

import (
	"donut/config"
	"donut/controllers/claim"
	"donut/controllers/game"
	"donut/controllers/leaderboard"
	"donut/controllers/review"
	"donut/controllers/settle"
	"donut/metrics"
	"donut/middlewares"
	"donut/services"
	"donut/settlement"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

type Deps struct {
	Config     *config.Config
	Claims     *services.ClaimService
	Scores     *services.ScoreService
	Board      *services.Leaderboard
	Dispatcher *settlement.Dispatcher
	Metrics    *metrics.Metrics
}

func Setup(app *fiber.App, d Deps) {
	limit := middlewares.RateLimit(d.Config.RateLimitPerMin)

	app.Post("/claims", limit, claim.Submit(d.Claims))

	games := app.Group("/games/:family", limit)
	games.Post("/sessions", game.CreateSession(d.Scores))
	games.Post("/scores", game.SubmitScore(d.Scores))

	app.Get("/leaderboard/:family", leaderboard.Get(d.Config, d.Board))

	//cron
	app.Post("/settlement/:family", middlewares.BearerAuth(d.Config.CronSecret), settle.Trigger(d.Config, d.Dispatcher))

	//admin
	admin := app.Group("/admin", middlewares.BearerAuth(d.Config.AdminSecret))
	admin.Post("/review/:entryId", review.Decide(d.Scores))

	app.Get("/metrics", adaptor.HTTPHandler(d.Metrics.Handler()))
}

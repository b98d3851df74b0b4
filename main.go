package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"donut/bootstrap"
	"donut/config"
	"donut/database"
	"donut/jobs"
	"donut/logger"
	"donut/routes"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logger.Warn("⚠️  No .env file, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("❌ Invalid configuration: %v", err)
	}

	a, err := bootstrap.Build(cfg)
	if err != nil {
		logger.Fatal("❌ Startup failed: %v", err)
	}
	defer a.Close()

	app := fiber.New()
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	routes.Setup(app, routes.Deps{
		Config:     cfg,
		Claims:     a.Claims,
		Scores:     a.Scores,
		Board:      a.Board,
		Dispatcher: a.Dispatcher,
		Metrics:    a.Metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.SettlementInterval > 0 {
		jobs.StartSettlementScheduler(ctx, database.DB, cfg, a.Dispatcher, cfg.SettlementInterval)
	}

	addr := cfg.Addr()
	logger.Info("🚀 Server running at %s", addr)

	go func() {
		if err := app.Listen(addr); err != nil {
			logger.Fatal("❌ Failed to start server: %v", err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("🛑 Gracefully shutting down...")
	cancel()
	if err := app.Shutdown(); err != nil {
		logger.Error("❌ Server forced to shutdown: %v", err)
	}
	logger.Success("✅ Server exited cleanly")
}

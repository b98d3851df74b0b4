package jobs

import (
	"context"
	"time"

	"donut/config"
	"donut/logger"
	"donut/settlement"
	tasks "donut/task"

	"gorm.io/gorm"
)

// StartSettlementScheduler triggers settlement of every family on a ticker
// and sweeps abandoned game sessions hourly. The dispatcher is idempotent, so
// running it alongside the external cron trigger is safe.
func StartSettlementScheduler(ctx context.Context, db *gorm.DB, cfg *config.Config, d *settlement.Dispatcher, every time.Duration) {
	tickerSettle := time.NewTicker(every)
	go func() {
		defer tickerSettle.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tickerSettle.C:
				SettleAll(ctx, cfg, d)
			}
		}
	}()

	tickerCleanup := time.NewTicker(time.Hour)
	go func() {
		defer tickerCleanup.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tickerCleanup.C:
				tasks.CleanupAbandonedSessions(db, cfg, time.Now())
			}
		}
	}()

	logger.Info("⏱️  settlement scheduler every %s", every)
}

// SettleAll runs one dispatch per family and logs the outcome.
func SettleAll(ctx context.Context, cfg *config.Config, d *settlement.Dispatcher) []settlement.Result {
	var out []settlement.Result
	for _, name := range cfg.FamilyNames() {
		f, _ := cfg.Family(name)
		res, err := d.Dispatch(ctx, f, settlement.Options{})
		if err != nil {
			logger.Error("❌ error settle %s: %v", name, err)
			continue
		}
		switch {
		case res.Distributed && res.TxHash != "":
			logger.Success("✅ %s epoch %d paid %s in %s", name, res.Epoch, res.Paid, res.TxHash)
		case res.Distributed:
			logger.Success("✅ %s epoch %d rolled over %s", name, res.Epoch, res.RolledOver)
		default:
			logger.Debug("%s epoch %d: %s", name, res.Epoch, res.Reason)
		}
		out = append(out, res)
	}
	return out
}

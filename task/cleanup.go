package tasks

import (
	"time"

	"donut/config"
	"donut/logger"
	"donut/models"

	"gorm.io/gorm"
)

const abandonAfter = 6 * time.Hour

// CleanupAbandonedSessions deletes free sessions that never got a score once
// their epoch has closed. Paid sessions are kept as the record of the entry
// transaction.
func CleanupAbandonedSessions(db *gorm.DB, cfg *config.Config, now time.Time) int64 {
	var total int64
	for _, name := range cfg.FamilyNames() {
		f, _ := cfg.Family(name)
		if f.Kind != config.KindScore {
			continue
		}

		result := db.
			Where("family = ? AND submitted_at IS NULL AND entry_tx_hash IS NULL", f.Name).
			Where("epoch < ? AND created_at < ?", f.Clock().Of(now), now.Add(-abandonAfter)).
			Delete(&models.ScoreEntry{})

		if result.Error != nil {
			logger.Error("❌ Failed to delete abandoned %s sessions: %v", f.Name, result.Error)
			continue
		}
		if result.RowsAffected > 0 {
			logger.Success("✅ Deleted %d abandoned %s sessions", result.RowsAffected, f.Name)
		}
		total += result.RowsAffected
	}
	return total
}

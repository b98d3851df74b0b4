package database

import (
	"fmt"
	"os"
	"strconv"

	"donut/logger"
	"donut/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func Connect() error {
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	user := os.Getenv("DB_USER")
	pass := os.Getenv("DB_PASSWORD")
	name := os.Getenv("DB_NAME")
	sslmode := os.Getenv("DB_SSLMODE")
	if sslmode == "" {
		sslmode = "disable"
	}

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		host, user, pass, name, port, sslmode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	DB = db
	logger.Success("✅ Connected to database")

	autoMigrateEnv := os.Getenv("DB_AUTO_MIGRATE")
	autoMigrate, err := strconv.ParseBool(autoMigrateEnv)
	if err != nil && autoMigrateEnv != "" {
		logger.Warn("⚠️  Invalid value for DB_AUTO_MIGRATE: %s", autoMigrateEnv)
	}

	if autoMigrate {
		logger.Info("🟡 Starting auto-migration...")
		if err := Migrate(DB); err != nil {
			return fmt.Errorf("auto-migrate database: %w", err)
		}
		logger.Success("✅ Auto migration completed")
	}
	return nil
}

// Migrate creates every ledger table with its natural-key unique index.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.ClaimEvent{},
		&models.ScoreEntry{},
		&models.Distribution{},
		&models.SettlementAttempt{},
	)
}

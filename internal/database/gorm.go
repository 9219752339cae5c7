package database

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"whatsapp-support-gateway/internal/config"
	"whatsapp-support-gateway/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database and migrates the schema.
func Open(cfg *config.Config, log *slog.Logger) (*gorm.DB, error) {
	switch cfg.DBDriver {
	case "postgres":
		return OpenPostgres(cfg.DatabaseURL, log)
	case "sqlite":
		return OpenSQLite(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DBDriver)
	}
}

const (
	postgresConnectAttempts = 5
	postgresConnectInterval = 2 * time.Second
)

// OpenPostgres connects with a few attempts so the service survives a database
// that is still starting up.
func OpenPostgres(dsn string, log *slog.Logger) (*gorm.DB, error) {
	var db *gorm.DB
	err := connectWithRetry(postgresConnectAttempts, postgresConnectInterval, log, func() error {
		var err error
		db, err = gorm.Open(postgres.Open(dsn), gormConfig())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, err
	}
	log.Info("connected to postgres")
	return db, nil
}

// connectWithRetry calls connect up to attempts times, waiting interval
// between attempts but not after the last one.
func connectWithRetry(attempts int, interval time.Duration, log *slog.Logger, connect func() error) error {
	retryTicker := time.NewTicker(interval)
	defer retryTicker.Stop()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = connect(); err == nil {
			return nil
		}
		log.Warn("database connection failed", "attempt", attempt, "error", err)
		if attempt < attempts {
			<-retryTicker.C
		}
	}
	return err
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// SQLite allows a single writer; one connection keeps transactions from
	// failing with "database is locked".
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("running auto-migration: %w", err)
	}
	return nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

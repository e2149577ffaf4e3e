package database

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"binance-sim-trader/internal/logging"
)

// Store wraps the embedded sqlite database. All persistence goes through its
// typed methods; callers never touch gorm directly.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite file at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	log := logging.Component("database")

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// Serialize writers; sqlite allows a single writer anyway and the busy
	// timeout avoids SQLITE_BUSY under concurrent API reads.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := db.Exec("PRAGMA busy_timeout=5000").Error; err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := db.AutoMigrate(
		&Kline{},
		&Position{},
		&Trade{},
		&LedgerEntry{},
		&EquitySnapshot{},
		&Alert{},
		&AppState{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	log.Info().Str("path", path).Msg("sqlite store ready")
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

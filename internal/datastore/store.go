package datastore

import (
	"context"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store owns the sqlite database handle shared by the repositories and by
// health-checker probes.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at path and migrates the
// schema. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if err := db.AutoMigrate(
		&SystemMetricRow{},
		&BusinessMetricRow{},
		&PerformanceMetricRow{},
		&AlertHistoryRow{},
		&RecoveryHistoryRow{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying gorm handle for repositories.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.WithContext(ctx).DB()
	if err != nil {
		return fmt.Errorf("failed to obtain sql.DB: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// QuickCheck runs sqlite's integrity quick check. Returns an error when the
// database reports anything other than "ok".
func (s *Store) QuickCheck(ctx context.Context) error {
	var result string
	if err := s.db.WithContext(ctx).Raw("PRAGMA quick_check(1)").Scan(&result).Error; err != nil {
		return fmt.Errorf("failed to run quick_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}
	return nil
}

// Vacuum rebuilds the database file, reclaiming space. Used by the
// optimize_database recovery action.
func (s *Store) Vacuum(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("VACUUM").Error; err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to obtain sql.DB: %w", err)
	}
	return sqlDB.Close()
}

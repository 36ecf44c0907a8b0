// Package database owns gorm connection setup and schema migration.
package database

import (
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/solvena/polisvault/pkg/models"
)

// NewPostgresDB opens a pooled postgres connection.
func NewPostgresDB(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	return db, nil
}

var memDBSeq atomic.Int64

// NewSQLiteDB opens a sqlite database; tests use ":memory:".
func NewSQLiteDB(path string) (*gorm.DB, error) {
	if path == ":memory:" {
		// a named shared-cache database: every pooled connection must see
		// the same in-memory database, not a fresh empty one. The sequence
		// number keeps separate opens isolated from each other.
		path = fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", memDBSeq.Add(1))
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single pooled connection also keeps the
	// in-memory database alive for the process lifetime
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Migrate creates or updates the polisvault schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Attestor{},
		&models.ValuationRound{},
		&models.ValuationSubmission{},
		&models.AssetValuation{},
		&models.CollateralPosition{},
		&models.IssuerExposure{},
		&models.Tranche{},
		&models.TranchePosition{},
		&models.YieldDistribution{},
		&models.LedgerAccount{},
		&models.EligibleParty{},
	)
}

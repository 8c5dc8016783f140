// Package database provides postgres connectivity and the persistence
// stores for connections and chunk ACLs.
package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wbe7/openrag/internal/database/models"
	"github.com/wbe7/openrag/pkg/config"
)

// Database wraps the gorm connection and exposes the typed stores.
type Database struct {
	db     *gorm.DB
	config *config.DatabaseConfig
}

// Open establishes the database connection and configures the pool.
func Open(cfg *config.DatabaseConfig) (*Database, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	d := &Database{db: db, config: cfg}
	if cfg.AutoMigrate {
		if err := d.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("auto-migration failed: %w", err)
		}
	}
	return d, nil
}

// DB returns the underlying gorm database instance.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// AutoMigrate runs automatic migrations for all models.
func (d *Database) AutoMigrate() error {
	return d.db.AutoMigrate(
		&models.Connection{},
		&models.Chunk{},
	)
}

// Ping tests the database connection.
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(pingCtx)
}

// Close closes the database connection.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Connections returns the connection store.
func (d *Database) Connections() *ConnectionStore {
	return NewConnectionStore(d.db)
}

// Chunks returns the chunk ACL store.
func (d *Database) Chunks() *ChunkStore {
	return NewChunkStore(d.db)
}

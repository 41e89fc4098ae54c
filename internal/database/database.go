package database

import (
	"context"
	"fmt"
	"time"

	"github.com/mrmd-cloud/core/internal/config"
	"github.com/mrmd-cloud/core/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	maxOpenConns  = 10
	slowThreshold = 200 * time.Millisecond
)

// DB is the global database instance.
var DB *gorm.DB

// Connect opens a Postgres connection pool and optionally runs migration.
func Connect(cfg *config.AppConfig, log *zap.Logger, autoMigrate bool) (*gorm.DB, error) {
	db, err := openDB(cfg, log)
	if err != nil {
		return nil, err
	}

	if autoMigrate {
		if err := migrate(db); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}

	DB = db
	return db, nil
}

// EnsureSchema applies migration in a short-lived setup connection.
func EnsureSchema(cfg *config.AppConfig, log *zap.Logger) error {
	db, err := openDB(cfg, log)
	if err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("resolve sql db: %w", err)
	}
	defer sqlDB.Close()

	if err := migrate(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func openDB(cfg *config.AppConfig, log *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: newZapGormLogger(log, cfg.IsDev()),
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxOpenConns / 2)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// schemaStatements is the idempotent boot schema. Raw SQL rather than
// AutoMigrate: the relay and external services share these tables, so the
// shapes must stay exact.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id UUID NOT NULL,
		project TEXT NOT NULL,
		doc_path TEXT NOT NULL,
		yjs_state BYTEA,
		content_text TEXT,
		content_hash TEXT,
		byte_size INTEGER DEFAULT 0,
		updated_at TIMESTAMPTZ DEFAULT NOW(),
		created_at TIMESTAMPTZ DEFAULT NOW(),
		UNIQUE(user_id, project, doc_path)
	)`,
	`CREATE INDEX IF NOT EXISTS documents_user_project_idx ON documents (user_id, project)`,
	`CREATE INDEX IF NOT EXISTS documents_updated_at_idx ON documents (updated_at)`,
	`CREATE TABLE IF NOT EXISTS machines (
		id BIGSERIAL PRIMARY KEY,
		user_id UUID NOT NULL,
		machine_id TEXT NOT NULL,
		machine_name TEXT,
		hostname TEXT,
		capabilities TEXT,
		status TEXT NOT NULL DEFAULT 'offline',
		last_seen TIMESTAMPTZ,
		connected_at TIMESTAMPTZ,
		UNIQUE(user_id, machine_id)
	)`,
	`CREATE TABLE IF NOT EXISTS catalog (
		id BIGSERIAL PRIMARY KEY,
		user_id UUID NOT NULL,
		machine_id TEXT NOT NULL,
		project TEXT NOT NULL,
		doc_path TEXT NOT NULL,
		content_hash TEXT,
		byte_size BIGINT,
		updated_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS catalog_user_machine_idx ON catalog (user_id, machine_id)`,
}

// migrate applies the boot schema.
func migrate(db *gorm.DB) error {
	for _, stmt := range schemaStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	// sanity check the model bindings against the created tables
	for _, table := range []string{
		models.DocumentModel{}.TableName(),
		models.MachineModel{}.TableName(),
		models.CatalogEntryModel{}.TableName(),
	} {
		if !db.Migrator().HasTable(table) {
			return fmt.Errorf("schema init did not create table %s", table)
		}
	}
	return nil
}

// zapGormLogger adapts gorm's logger interface onto zap. Queries slower than
// slowThreshold are logged at warn; errors always surface.
type zapGormLogger struct {
	log      *zap.Logger
	logInfo  bool
	logLevel logger.LogLevel
}

func newZapGormLogger(log *zap.Logger, dev bool) logger.Interface {
	level := logger.Warn
	if dev {
		level = logger.Info
	}
	return &zapGormLogger{log: log.Named("gorm"), logInfo: dev, logLevel: level}
}

func (l *zapGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.logLevel = level
	return &clone
}

func (l *zapGormLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.logLevel >= logger.Info {
		l.log.Sugar().Infof(msg, args...)
	}
}

func (l *zapGormLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.logLevel >= logger.Warn {
		l.log.Sugar().Warnf(msg, args...)
	}
}

func (l *zapGormLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.logLevel >= logger.Error {
		l.log.Sugar().Errorf(msg, args...)
	}
}

func (l *zapGormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.logLevel <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && err != gorm.ErrRecordNotFound && l.logLevel >= logger.Error:
		sql, rows := fc()
		l.log.Error("query failed", zap.Error(err), zap.String("sql", sql), zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	case elapsed > slowThreshold && l.logLevel >= logger.Warn:
		sql, rows := fc()
		l.log.Warn("slow query", zap.String("sql", sql), zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	case l.logInfo && l.logLevel >= logger.Info:
		sql, rows := fc()
		l.log.Debug("query", zap.String("sql", sql), zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	}
}

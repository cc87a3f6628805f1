package ctxstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseConfig 数据库后端配置
type DatabaseConfig struct {
	// Driver 数据库驱动: postgres 或 sqlite
	Driver string `yaml:"driver" json:"driver"`

	// DSN 连接串
	DSN string `yaml:"dsn" json:"dsn"`
}

// ContextEntry is the persisted row for one workflow context value.
type ContextEntry struct {
	ID         uint       `gorm:"primaryKey"`
	WorkflowID string     `gorm:"size:128;uniqueIndex:idx_context_workflow_key"`
	Key        string     `gorm:"column:context_key;size:128;uniqueIndex:idx_context_workflow_key"`
	Value      []byte
	ExpiresAt  *time.Time `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName maps the model onto the context_entries table.
func (ContextEntry) TableName() string { return "context_entries" }

// DatabaseBackend persists context values in a SQL database through GORM.
// Values survive process restarts; expiry is enforced on read and by
// PruneExpired.
type DatabaseBackend struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDatabaseBackend wraps an existing GORM handle and migrates the
// context_entries table.
func NewDatabaseBackend(db *gorm.DB, logger *zap.Logger) (*DatabaseBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := db.AutoMigrate(&ContextEntry{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &DatabaseBackend{
		db:     db,
		logger: logger.With(zap.String("component", "ctxstore_database")),
	}, nil
}

// OpenDatabaseBackend opens a connection from config and wraps it.
func OpenDatabaseBackend(config DatabaseConfig, logger *zap.Logger) (*DatabaseBackend, error) {
	var dialector gorm.Dialector
	switch config.Driver {
	case "postgres":
		dialector = postgres.Open(config.DSN)
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, sqlite)", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	return NewDatabaseBackend(db, logger)
}

func (b *DatabaseBackend) Load(ctx context.Context, workflowID, key string) (json.RawMessage, error) {
	var row ContextEntry
	err := b.db.WithContext(ctx).
		Where("workflow_id = ? AND context_key = ?", workflowID, key).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBackendMiss
	}
	if err != nil {
		return nil, fmt.Errorf("database load failed: %w", err)
	}

	if row.ExpiresAt != nil && time.Now().After(*row.ExpiresAt) {
		return nil, ErrBackendMiss
	}
	return row.Value, nil
}

func (b *DatabaseBackend) Store(ctx context.Context, workflowID, key string, value json.RawMessage, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	row := ContextEntry{
		WorkflowID: workflowID,
		Key:        key,
		Value:      []byte(value),
		ExpiresAt:  expiresAt,
	}
	err := b.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workflow_id"}, {Name: "context_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("database store failed: %w", err)
	}
	return nil
}

func (b *DatabaseBackend) Delete(ctx context.Context, workflowID, key string) error {
	err := b.db.WithContext(ctx).
		Where("workflow_id = ? AND context_key = ?", workflowID, key).
		Delete(&ContextEntry{}).Error
	if err != nil {
		return fmt.Errorf("database delete failed: %w", err)
	}
	return nil
}

func (b *DatabaseBackend) DeleteWorkflow(ctx context.Context, workflowID string) error {
	err := b.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Delete(&ContextEntry{}).Error
	if err != nil {
		return fmt.Errorf("database delete workflow failed: %w", err)
	}
	return nil
}

// PruneExpired removes rows whose expiry has passed and returns the
// number of rows deleted.
func (b *DatabaseBackend) PruneExpired(ctx context.Context) (int64, error) {
	res := b.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", time.Now()).
		Delete(&ContextEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("database prune failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks the database connection.
func (b *DatabaseBackend) Ping(ctx context.Context) error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Stats exposes the underlying connection pool statistics.
func (b *DatabaseBackend) Stats() (sql.DBStats, error) {
	sqlDB, err := b.db.DB()
	if err != nil {
		return sql.DBStats{}, err
	}
	return sqlDB.Stats(), nil
}

func (b *DatabaseBackend) Name() string { return "database" }

func (b *DatabaseBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

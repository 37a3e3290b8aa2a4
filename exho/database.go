package exho

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with creation and update
// timestamps, stored as unix milliseconds.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// ConversationRecord stores a user's history as the same JSON document
// the file backend writes.
type ConversationRecord struct {
	UserID  string `gorm:"primaryKey" json:"user_id"`
	Content string `gorm:"type:text;not null" json:"content"`
	ModelUnixTime
}

// CreateDB opens the database and migrates the schema.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	if gormLogger == nil {
		gormLogger = newGORMLogger(
			newComponentLogger(newLevelVar(DefaultDatabaseLogLevel), "database").Handler(),
			DefaultDatabaseSlowThreshold,
		)
	}
	gormLogger.logger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)

	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, err
	}

	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return nil, err
		}
	}

	txn := db.WithContext(ctx).Begin()
	if err = txn.Migrator().AutoMigrate(&ConversationRecord{}); err != nil {
		txn.Rollback()
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	if err = txn.Commit().Error; err != nil {
		return nil, fmt.Errorf("error committing migration: %w", err)
	}
	return db, nil
}

func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}

// getDB returns a GORM connection for the given database type, which
// must be 'sqlite' or 'postgres'. For sqlite, database is a file path,
// and its parent directory is created if needed.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// databaseStore is a KVStore backed by the conversation_records table.
// With sqlite, writes are serialized.
type databaseStore struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func newDatabaseStore(db *gorm.DB, databaseType string, logger *slog.Logger) *databaseStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &databaseStore{
		db:                     db,
		logger:                 logger,
		enableConcurrentWrites: databaseType != dbTypeSQLite,
	}
}

func (d *databaseStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var rec ConversationRecord
	err := d.db.WithContext(ctx).Where("user_id = ?", key).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return []byte(rec.Content), nil
}

func (d *databaseStore) Put(ctx context.Context, key string, value []byte) error {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	rec := &ConversationRecord{UserID: key, Content: string(value)}
	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
		},
	).Create(rec).Error
}

func (d *databaseStore) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var n int64
	if err := d.db.WithContext(ctx).Model(&ConversationRecord{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

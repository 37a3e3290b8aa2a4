package exho

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"log/slog"
)

const (
	memoryBackendFile     = "file"
	memoryBackendDatabase = "database"
	memoryBackendRedis    = "redis"
)

var ErrRecordNotFound = errors.New("record not found")

// KVStore is the storage boundary for conversation histories. Values are
// opaque to the store.
type KVStore interface {
	// Get returns the value stored for key, or ErrRecordNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Put replaces the value stored for key
	Put(ctx context.Context, key string, value []byte) error

	// Count returns the number of stored keys
	Count(ctx context.Context) (int, error)
}

// ConversationStore loads and saves per-user conversation histories.
// It never returns errors: unreadable histories load as empty, and
// failed saves are logged and dropped, so a storage problem can cost a
// user their memory but never their reply.
type ConversationStore struct {
	kv     KVStore
	logger *slog.Logger
}

func NewConversationStore(kv KVStore, logger *slog.Logger) *ConversationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{kv: kv, logger: logger}
}

// Load returns the stored history for userID, oldest turn first.
func (s *ConversationStore) Load(ctx context.Context, userID string) []ConversationTurn {
	logger := contextLoggerOr(ctx, s.logger)

	data, err := s.kv.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			logger.WarnContext(
				ctx,
				"unable to read history, starting empty",
				"user_id", userID,
				tint.Err(err),
			)
		}
		return []ConversationTurn{}
	}

	var history []ConversationTurn
	if err = json.Unmarshal(data, &history); err != nil {
		logger.WarnContext(
			ctx,
			"corrupt history, starting empty",
			"user_id", userID,
			tint.Err(err),
		)
		return []ConversationTurn{}
	}
	if history == nil {
		history = []ConversationTurn{}
	}
	return history
}

// Save replaces the stored history for userID.
func (s *ConversationStore) Save(
	ctx context.Context,
	userID string,
	history []ConversationTurn,
) {
	logger := contextLoggerOr(ctx, s.logger)

	if history == nil {
		history = []ConversationTurn{}
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		logger.ErrorContext(ctx, "unable to encode history", "user_id", userID, tint.Err(err))
		return
	}
	if err = s.kv.Put(ctx, userID, data); err != nil {
		logger.ErrorContext(
			ctx,
			"unable to save history",
			"user_id", userID,
			"turns", len(history),
			tint.Err(err),
		)
		return
	}
	logger.DebugContext(ctx, "saved history", "user_id", userID, "turns", len(history))
}

// Users returns the number of stored histories, or -1 if the backend
// couldn't be queried.
func (s *ConversationStore) Users(ctx context.Context) int {
	n, err := s.kv.Count(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "unable to count histories", tint.Err(err))
		return -1
	}
	return n
}

// newHistoryBackend opens the KVStore selected by config.Memory.Backend.
// The database and redis client are returned (when used) so they can be
// closed on shutdown and shared with other components.
func newHistoryBackend(
	ctx context.Context,
	config *Config,
	redisClient *redis.Client,
) (KVStore, *gorm.DB, error) {
	memCfg := config.Memory

	switch memCfg.Backend {
	case memoryBackendFile, "":
		return newFileStore(memCfg.Dir), nil, nil
	case memoryBackendDatabase:
		dbLogger := newComponentLogger(memCfg.DatabaseLogLevel, "database")
		db, err := CreateDB(
			ctx,
			memCfg.DatabaseType,
			memCfg.Database,
			newGORMLogger(dbLogger.Handler(), memCfg.DatabaseSlowThreshold),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("error opening database: %w", err)
		}
		return newDatabaseStore(db, memCfg.DatabaseType, dbLogger), db, nil
	case memoryBackendRedis:
		if redisClient == nil {
			return nil, nil, errors.New("memory backend 'redis' requires redis.url")
		}
		return newRedisStore(redisClient, memCfg.RedisKeyPrefix), nil, nil
	default:
		return nil, nil, fmt.Errorf(
			"unsupported memory backend: %s (must be %q, %q or %q)",
			memCfg.Backend,
			memoryBackendFile,
			memoryBackendDatabase,
			memoryBackendRedis,
		)
	}
}

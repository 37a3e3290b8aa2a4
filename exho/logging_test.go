package exho

import (
	"bytes"
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func TestGORMLogger_Trace(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	g := newGORMLogger(
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		0,
	)
	ctx := context.Background()
	query := func() (string, int64) {
		return "SELECT * FROM conversation_records", 0
	}

	g.Trace(ctx, time.Now(), query, gorm.ErrRecordNotFound)
	assert.NotContains(t, buf.String(), "sql error")
	assert.Contains(t, buf.String(), "sql completed")

	buf.Reset()
	g.Trace(ctx, time.Now(), query, fmt.Errorf("lookup: %w", gorm.ErrRecordNotFound))
	assert.NotContains(t, buf.String(), "sql error")

	buf.Reset()
	g.Trace(ctx, time.Now(), query, assert.AnError)
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "sql error")
}

func TestDatabaseStore_MissingUserNotLoggedAsError(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	gormLogger := newGORMLogger(
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}),
		time.Minute,
	)
	db, err := CreateDB(context.Background(), dbTypeSQLite, filepath.Join(t.TempDir(), "exho.sqlite3"), gormLogger)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		},
	)

	buf.Reset()
	store := NewConversationStore(newDatabaseStore(db, dbTypeSQLite, nil), nil)
	assert.Empty(t, store.Load(context.Background(), "first-time-user"))
	assert.NotContains(t, buf.String(), "sql error")
}

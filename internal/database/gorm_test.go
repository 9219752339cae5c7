package database

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"whatsapp-support-gateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectWithRetry_NoWaitAfterLastAttempt(t *testing.T) {
	calls := 0
	refused := errors.New("connection refused")

	start := time.Now()
	err := connectWithRetry(3, 100*time.Millisecond, discardLogger(), func() error {
		calls++
		return refused
	})

	assert.ErrorIs(t, err, refused)
	assert.Equal(t, 3, calls)
	// Two waits between three attempts; a third would reach 300ms.
	assert.Less(t, time.Since(start), 270*time.Millisecond)
}

func TestConnectWithRetry_SingleAttemptDoesNotWait(t *testing.T) {
	start := time.Now()
	err := connectWithRetry(1, time.Hour, discardLogger(), func() error {
		return errors.New("down")
	})

	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectWithRetry_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := connectWithRetry(5, 10*time.Millisecond, discardLogger(), func() error {
		calls++
		if calls < 2 {
			return errors.New("starting up")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestOpenSQLite_Migrates(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "gateway.db"))
	require.NoError(t, err)
	defer Close(db)

	assert.True(t, db.Migrator().HasTable(&models.Conversation{}))
	assert.True(t, db.Migrator().HasTable(&models.Message{}))
}

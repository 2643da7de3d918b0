package notifications

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// sqliteSchema mirrors migrations/ closely enough for the store queries.
const sqliteSchema = `
CREATE TABLE notifications (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id      TEXT NOT NULL,
	content      TEXT NOT NULL,
	related_type TEXT NOT NULL,
	related_id   TEXT,
	created_at   DATETIME NOT NULL,
	is_read      BOOLEAN NOT NULL DEFAULT 0
);
CREATE TABLE contests (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	contest_id        INTEGER NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	start_time        DATETIME NOT NULL,
	duration_seconds  INTEGER NOT NULL,
	website_url       TEXT,
	notification_sent BOOLEAN NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);
`

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "notifications.db")+"?_time_format=sqlite")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)
	return db
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func countRows(t *testing.T, db *sqlx.DB, where string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM notifications WHERE `+where, args...))
	return n
}

package database

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSNCarriesPragmas(t *testing.T) {
	got := dsn("/tmp/fetcharr.db")

	assert.Contains(t, got, "journal_mode(WAL)")
	assert.Contains(t, got, "busy_timeout(5000)")
	assert.Contains(t, got, "foreign_keys(ON)")
}

func TestNewCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "fetcharr.db")

	db, err := New(path)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, path, db.Path())
	require.NoError(t, db.Conn().Ping())
}

func TestMigrateUpAndDown(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "fetcharr.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate())

	var name string
	err = db.Conn().QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'request_history'`,
	).Scan(&name)
	require.NoError(t, err)

	require.NoError(t, db.MigrateDown())
	err = db.Conn().QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'request_history'`,
	).Scan(&name)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

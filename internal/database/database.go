// Package database opens the sqlite store backing the request archive
// and applies its embedded goose migrations.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	migrationsDir = "migrations"
	openTimeout   = 5 * time.Second
)

// openPragmas are applied through the DSN on every connection. WAL
// keeps readers off the writer's lock; the busy timeout covers the
// moments goose and the archive contend for it.
var openPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
}

// DB is the application's sqlite handle, shared by every store.
type DB struct {
	conn *sql.DB
	path string
}

// New opens the sqlite file at path, creating the parent directory
// when missing. The pool is pinned to one connection; sqlite allows a
// single writer.
func New(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

func dsn(path string) string {
	return path + "?_pragma=" + strings.Join(openPragmas, "&_pragma=")
}

// Conn returns the underlying connection pool.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Migrate applies all pending migrations from the embedded filesystem.
func (db *DB) Migrate() error {
	return db.runGoose(goose.Up)
}

// MigrateDown rolls back the most recent migration.
func (db *DB) MigrateDown() error {
	return db.runGoose(goose.Down)
}

func (db *DB) runGoose(apply func(*sql.DB, string, ...goose.OptionsFunc) error) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	return apply(db.conn, migrationsDir)
}

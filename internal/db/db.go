// Package db owns the SQLite session: opening it, the schema lifecycle,
// cross-process write serialization and the sync_state/sync_history tables.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus/shelf/internal/store"
	_ "modernc.org/sqlite"
)

// DefaultFileName is the database file name inside the data directory.
const DefaultFileName = "shelf.db"

var (
	// ErrConnectionFailed wraps any failure to open or configure storage.
	ErrConnectionFailed = errors.New("storage connection failed")
	// ErrSchemaTooNew is returned when the stored schema is newer than this build.
	ErrSchemaTooNew = errors.New("schema version newer than supported")
	// ErrMigrationFailed wraps a rolled-back schema migration.
	ErrMigrationFailed = errors.New("schema migration failed")
	// ErrNoSession is returned by writes when storage could not be opened.
	ErrNoSession = errors.New("no storage session")
)

// pragmas are applied to the single pooled connection.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// DB wraps the database connection
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and configures
// durability and referential integrity. It does not touch the schema;
// call EnsureSchema for that.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrConnectionFailed, err)
	}
	return open("sqlite", path, path)
}

func open(driver, dsn, path string) (*DB, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	// One connection keeps pragmas effective and serializes writers
	// within the process.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrConnectionFailed, err)
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, p, err)
		}
	}
	slog.Debug("database open", "path", path)
	return &DB{conn: conn, path: path}, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying connection for read queries.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// WithTx runs fn inside a transaction while holding the cross-process
// write lock. fn's error rolls the transaction back.
func (db *DB) WithTx(ctx context.Context, fn func(tx store.Querier) error) error {
	return db.withWriteLock(writeLockTimeout, func() error {
		return db.inTx(ctx, fn)
	})
}

func (db *DB) inTx(ctx context.Context, fn func(tx store.Querier) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("rollback failed", "err", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// withWriteLock runs fn while holding the file lock. In-memory databases
// have no file to lock and run fn directly.
func (db *DB) withWriteLock(timeout time.Duration, fn func() error) error {
	if db.path == "" || db.path == ":memory:" {
		return fn()
	}
	l := newWriteLocker(db.path)
	if err := l.acquire(timeout); err != nil {
		return err
	}
	defer l.release()
	return fn()
}

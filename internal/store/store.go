// Package store holds the small SQL helpers shared by every table owner.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn so that table
// functions can run standalone or inside a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Epoch converts t to fractional epoch seconds with microsecond precision.
func Epoch(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// FromEpoch is the inverse of Epoch.
func FromEpoch(s float64) time.Time {
	return time.UnixMicro(int64(math.Round(s * 1e6))).UTC()
}

// NullEpoch converts an optional epoch column.
func NullEpoch(v sql.NullFloat64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromEpoch(v.Float64)
	return &t
}

// IsUniqueViolation reports whether err came from a UNIQUE or PRIMARY KEY
// constraint. Both sqlite drivers in use report the same message text.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// IsBusy reports whether err is a lock contention error worth retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// IsDiskFull reports whether err signals exhausted storage.
func IsDiskFull(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "SQLITE_FULL")
}

// TableExists checks sqlite_master for a table.
func TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

// Columns returns the column names of table in declaration order.
func Columns(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// ErrNoRows is re-exported so callers can match without importing database/sql.
var ErrNoRows = sql.ErrNoRows

// IsNoRows reports whether err wraps sql.ErrNoRows.
func IsNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

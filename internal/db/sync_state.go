package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/marcus/shelf/internal/store"
)

// sync_state keys
const (
	KeyCurrentDevice   = "current_device_id"
	KeySchemaVersion   = "schema_version"
	KeyMigrationStatus = "migration_status"
	KeyMigrationError  = "migration_error"
	KeyLastFullSync    = "last_full_sync"
	KeyPushSeq         = "last_push_seq"
	KeyPullCursor      = "pull_cursor"
)

// migration_status values
const (
	MigrationFresh     = "fresh"
	MigrationCompleted = "completed"
	MigrationFailed    = "failed"
)

// GetState reads a sync_state value. ok is false when the key is unset.
func GetState(ctx context.Context, q store.Querier, key string) (value string, ok bool, err error) {
	err = q.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState writes a sync_state value in place.
func SetState(ctx context.Context, q store.Querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, store.Epoch(time.Now()))
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetInt64State reads an integer value, returning def when unset.
func GetInt64State(ctx context.Context, q store.Querier, key string, def int64) (int64, error) {
	v, ok, err := GetState(ctx, q, key)
	if err != nil || !ok {
		return def, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("state %s: %w", key, err)
	}
	return n, nil
}

// SetInt64State writes an integer value.
func SetInt64State(ctx context.Context, q store.Querier, key string, v int64) error {
	return SetState(ctx, q, key, strconv.FormatInt(v, 10))
}

// GetTimeState reads a timestamp stored as RFC 3339. Unset returns the zero time.
func GetTimeState(ctx context.Context, q store.Querier, key string) (time.Time, error) {
	v, ok, err := GetState(ctx, q, key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("state %s: %w", key, err)
	}
	return t, nil
}

// SetTimeState writes a timestamp as RFC 3339.
func SetTimeState(ctx context.Context, q store.Querier, key string, t time.Time) error {
	return SetState(ctx, q, key, t.UTC().Format(time.RFC3339Nano))
}

// State returns every sync_state pair.
func (db *DB) State(ctx context.Context) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT key, value FROM sync_state ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("read sync state: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

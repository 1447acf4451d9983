package cloud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/store"
)

// RecordsSchema creates the per-event delivery bookkeeping table.
const RecordsSchema = `
CREATE TABLE IF NOT EXISTS cloud_sync_records (
	event_id       TEXT NOT NULL,
	provider       TEXT NOT NULL,
	remote_ref     TEXT NOT NULL DEFAULT '',
	last_synced_at REAL,
	status         TEXT NOT NULL DEFAULT 'pending',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	next_retry_at  REAL,
	PRIMARY KEY (event_id, provider)
);
CREATE INDEX IF NOT EXISTS idx_cloud_sync_status ON cloud_sync_records(provider, status);
`

// ErrRecordNotFound is returned when no record exists for an event.
var ErrRecordNotFound = errors.New("cloud sync record not found")

// Record is the delivery state of one event at one provider.
type Record struct {
	EventID     string            `json:"event_id"`
	Provider    string            `json:"provider"`
	RemoteRef   string            `json:"remote_ref,omitempty"`
	LastSynced  *time.Time        `json:"last_synced_at,omitempty"`
	Status      models.SyncStatus `json:"status"`
	RetryCount  int               `json:"retry_count"`
	LastError   string            `json:"last_error,omitempty"`
	NextRetryAt *time.Time        `json:"next_retry_at,omitempty"`
}

// Backoff is a capped exponential retry schedule.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff waits 2s, 4s, 8s ... up to 5m, for at most 5 attempts.
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 5 * time.Minute, MaxAttempts: 5}
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether retries reached the attempt cap.
func (b Backoff) Exhausted(retries int) bool {
	return b.MaxAttempts > 0 && retries >= b.MaxAttempts
}

// Queue creates pending records for events not yet tracked at provider.
// Returns the number of new records.
func Queue(ctx context.Context, q store.Querier, provider string, eventIDs []string) (int, error) {
	n := 0
	for _, id := range eventIDs {
		res, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO cloud_sync_records (event_id, provider, status) VALUES (?, ?, 'pending')`,
			id, provider)
		if err != nil {
			return n, fmt.Errorf("queue %s: %w", id, err)
		}
		if k, _ := res.RowsAffected(); k > 0 {
			n++
		}
	}
	return n, nil
}

// MarkSynced moves a record to synced. Terminal records are left alone.
func MarkSynced(ctx context.Context, q store.Querier, provider, eventID, remoteRef string, at time.Time) error {
	return transition(ctx, q, `
		UPDATE cloud_sync_records
		SET status = 'synced', remote_ref = ?, last_synced_at = ?, last_error = '', next_retry_at = NULL
		WHERE event_id = ? AND provider = ? AND status IN ('pending', 'error')`,
		remoteRef, store.Epoch(at), eventID, provider)
}

// MarkConflict moves a record to conflict; the remote holds a competing
// version that resolution will supersede.
func MarkConflict(ctx context.Context, q store.Querier, provider, eventID, reason string) error {
	return transition(ctx, q, `
		UPDATE cloud_sync_records
		SET status = 'conflict', last_error = ?, next_retry_at = NULL
		WHERE event_id = ? AND provider = ? AND status IN ('pending', 'error')`,
		reason, eventID, provider)
}

// MarkError records a failed attempt and schedules the next one.
func MarkError(ctx context.Context, q store.Querier, provider, eventID string, cause error, b Backoff, now time.Time) error {
	var retries int
	err := q.QueryRowContext(ctx,
		`SELECT retry_count FROM cloud_sync_records WHERE event_id = ? AND provider = ?`,
		eventID, provider).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, eventID)
	}
	if err != nil {
		return fmt.Errorf("read record %s: %w", eventID, err)
	}
	retries++
	next := now.Add(b.Delay(retries))
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return transition(ctx, q, `
		UPDATE cloud_sync_records
		SET status = 'error', retry_count = ?, last_error = ?, next_retry_at = ?
		WHERE event_id = ? AND provider = ? AND status IN ('pending', 'error')`,
		retries, msg, store.Epoch(next), eventID, provider)
}

func transition(ctx context.Context, q store.Querier, query string, args ...any) error {
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update sync record: %w", err)
	}
	return nil
}

// Due returns event ids ready to push: pending records, plus errored ones
// whose backoff elapsed and that have attempts left. Ordered by append order.
func Due(ctx context.Context, q store.Querier, provider string, b Backoff, now time.Time, limit int) ([]string, error) {
	maxAttempts := b.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = int(^uint(0) >> 1)
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.QueryContext(ctx, `
		SELECT r.event_id FROM cloud_sync_records r
		JOIN events e ON e.event_id = r.event_id
		WHERE r.provider = ?
		  AND (r.status = 'pending'
		       OR (r.status = 'error' AND r.retry_count < ? AND COALESCE(r.next_retry_at, 0) <= ?))
		ORDER BY e.seq
		LIMIT ?`,
		provider, maxAttempts, store.Epoch(now), limit)
	if err != nil {
		return nil, fmt.Errorf("due records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due record: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetRecord loads the record for one event.
func GetRecord(ctx context.Context, q store.Querier, provider, eventID string) (Record, error) {
	var (
		r          Record
		status     string
		lastSynced sql.NullFloat64
		nextRetry  sql.NullFloat64
	)
	err := q.QueryRowContext(ctx, `
		SELECT event_id, provider, remote_ref, last_synced_at, status, retry_count, last_error, next_retry_at
		FROM cloud_sync_records WHERE event_id = ? AND provider = ?`, eventID, provider).
		Scan(&r.EventID, &r.Provider, &r.RemoteRef, &lastSynced, &status, &r.RetryCount, &r.LastError, &nextRetry)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrRecordNotFound, eventID)
	}
	if err != nil {
		return r, fmt.Errorf("get record %s: %w", eventID, err)
	}
	r.Status = models.SyncStatus(status)
	r.LastSynced = store.NullEpoch(lastSynced)
	r.NextRetryAt = store.NullEpoch(nextRetry)
	return r, nil
}

// StatusCounts tallies records by status for provider.
func StatusCounts(ctx context.Context, q store.Querier, provider string) (map[models.SyncStatus]int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM cloud_sync_records WHERE provider = ? GROUP BY status`, provider)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	out := map[models.SyncStatus]int{}
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[models.SyncStatus(s)] = n
	}
	return out, rows.Err()
}

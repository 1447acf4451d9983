package db

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/store"
)

// RecordSyncHistory inserts entries, typically inside the transaction
// that applied them. Empty input is a no-op.
func RecordSyncHistory(ctx context.Context, q store.Querier, entries []models.SyncHistoryEntry) error {
	for _, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO sync_history (direction, event_id, aggregate_id, status, timestamp)
			VALUES (?, ?, ?, ?, ?)`,
			e.Direction, e.EventID, e.Aggregate, e.Status, store.Epoch(ts))
		if err != nil {
			return fmt.Errorf("record sync history: %w", err)
		}
	}
	return nil
}

// SyncHistoryTail returns the last limit entries, oldest first.
func (db *DB) SyncHistoryTail(ctx context.Context, limit int) ([]models.SyncHistoryEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, direction, event_id, aggregate_id, status, timestamp
		FROM sync_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sync history: %w", err)
	}
	defer rows.Close()

	var entries []models.SyncHistoryEntry
	for rows.Next() {
		var (
			e  models.SyncHistoryEntry
			ts float64
		)
		if err := rows.Scan(&e.ID, &e.Direction, &e.EventID, &e.Aggregate, &e.Status, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = store.FromEpoch(ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// PruneSyncHistory keeps only the newest keep entries.
func (db *DB) PruneSyncHistory(ctx context.Context, keep int) (int64, error) {
	var affected int64
	err := db.WithTx(ctx, func(tx store.Querier) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM sync_history WHERE id NOT IN (
				SELECT id FROM sync_history ORDER BY id DESC LIMIT ?
			)`, keep)
		if err != nil {
			return fmt.Errorf("prune sync history: %w", err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

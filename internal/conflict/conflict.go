// Package conflict detects causally concurrent events on one aggregate
// and settles them into a single appended outcome.
package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/eventlog"
	"github.com/marcus/shelf/internal/store"
	"github.com/marcus/shelf/internal/vclock"
)

// Schema creates the resolution audit table.
const Schema = `
CREATE TABLE IF NOT EXISTS conflict_resolutions (
	id                TEXT PRIMARY KEY,
	aggregate_id      TEXT NOT NULL,
	local_event_id    TEXT NOT NULL,
	remote_event_id   TEXT NOT NULL,
	strategy          TEXT NOT NULL,
	resolved_event_id TEXT NOT NULL,
	created_at        REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflict_aggregate ON conflict_resolutions(aggregate_id);
`

// Pair is two events on the same aggregate whose clocks are concurrent.
type Pair struct {
	Local  events.Event
	Remote events.Event
}

// Resolution is one row of the audit trail.
type Resolution struct {
	ID              string    `json:"id"`
	AggregateID     string    `json:"aggregate_id"`
	LocalEventID    string    `json:"local_event_id"`
	RemoteEventID   string    `json:"remote_event_id"`
	Strategy        string    `json:"strategy"`
	ResolvedEventID string    `json:"resolved_event_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// FindConflicts pairs incoming with every event in history that touches
// the same aggregate and whose clock is concurrent with incoming's.
func FindConflicts(incoming events.Event, history []events.Event) []Pair {
	var out []Pair
	for _, ev := range history {
		if ev.ID == incoming.ID || ev.AggregateID != incoming.AggregateID {
			continue
		}
		if vclock.IsConcurrent(ev.Clock, incoming.Clock) {
			out = append(out, Pair{Local: ev, Remote: incoming})
		}
	}
	return out
}

// Latest returns the pair whose local side is the newest in stream order,
// which is the one the resolution must supersede.
func Latest(pairs []Pair) (Pair, bool) {
	if len(pairs) == 0 {
		return Pair{}, false
	}
	best := pairs[0]
	for _, p := range pairs[1:] {
		if p.Local.Version > best.Local.Version {
			best = p
		}
	}
	return best, true
}

// Resolve applies s to p and appends the outcome as a new event stamped by
// deviceID. The resolved clock covers both inputs. An audit row links the
// inputs to the result. Run inside a transaction.
func Resolve(ctx context.Context, q store.Querier, deviceID string, p Pair, s Strategy) (events.Event, error) {
	if p.Local.AggregateID != p.Remote.AggregateID {
		return events.Event{}, fmt.Errorf("resolve: events belong to different aggregates")
	}
	out, err := s.Resolve(p)
	if err != nil {
		return events.Event{}, fmt.Errorf("resolve %s with %s: %w", p.Local.AggregateID, s.Name(), err)
	}

	cur, err := eventlog.CurrentVersion(ctx, q, p.Local.AggregateID)
	if err != nil {
		return events.Event{}, err
	}
	ev := events.Event{
		ID:            events.NewID(),
		AggregateID:   p.Local.AggregateID,
		AggregateType: p.Local.AggregateType,
		Type:          out.Type,
		Data:          out.Data,
		Clock:         vclock.Merge(p.Local.Clock, p.Remote.Clock),
		Version:       cur + 1,
	}
	resolved, err := eventlog.AppendLocal(ctx, q, deviceID, ev)
	if err != nil {
		return events.Event{}, err
	}
	if err := record(ctx, q, Resolution{
		ID:              uuid.NewString(),
		AggregateID:     p.Local.AggregateID,
		LocalEventID:    p.Local.ID,
		RemoteEventID:   p.Remote.ID,
		Strategy:        s.Name(),
		ResolvedEventID: resolved.ID,
		CreatedAt:       time.Now(),
	}); err != nil {
		return events.Event{}, err
	}
	return resolved, nil
}

func record(ctx context.Context, q store.Querier, r Resolution) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO conflict_resolutions (id, aggregate_id, local_event_id, remote_event_id, strategy, resolved_event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AggregateID, r.LocalEventID, r.RemoteEventID, r.Strategy, r.ResolvedEventID, store.Epoch(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("record resolution: %w", err)
	}
	return nil
}

// AlreadyResolved reports whether a resolution links a and b in either order.
func AlreadyResolved(ctx context.Context, q store.Querier, a, b string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conflict_resolutions
		WHERE (local_event_id = ? AND remote_event_id = ?) OR (local_event_id = ? AND remote_event_id = ?)`,
		a, b, b, a).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check resolution: %w", err)
	}
	return n > 0, nil
}

// List returns the most recent resolutions first. limit <= 0 means all.
func List(ctx context.Context, q store.Querier, limit int) ([]Resolution, error) {
	query := `SELECT id, aggregate_id, local_event_id, remote_event_id, strategy, resolved_event_id, created_at
		FROM conflict_resolutions ORDER BY created_at DESC, id`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = q.QueryContext(ctx, query+` LIMIT ?`, limit)
	} else {
		rows, err = q.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()

	var out []Resolution
	for rows.Next() {
		var (
			r  Resolution
			ts float64
		)
		if err := rows.Scan(&r.ID, &r.AggregateID, &r.LocalEventID, &r.RemoteEventID, &r.Strategy, &r.ResolvedEventID, &ts); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		r.CreatedAt = store.FromEpoch(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Outcome is what a strategy decides the aggregate should become.
type Outcome struct {
	Type events.EventType
	Data json.RawMessage
}

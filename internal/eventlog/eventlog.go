// Package eventlog is the append-only store of versioned domain events.
// Every function takes a store.Querier so writes can share the caller's
// transaction with clock and bookkeeping updates.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marcus/shelf/internal/device"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/store"
	"github.com/marcus/shelf/internal/vclock"
)

var (
	// ErrOptimisticConcurrency is returned when an append does not extend
	// the aggregate's stream by exactly one version.
	ErrOptimisticConcurrency = errors.New("optimistic concurrency conflict")
	// ErrNotFound is returned when an event id is unknown.
	ErrNotFound = errors.New("event not found")
	// ErrDuplicateEvent is returned when an event id is already stored.
	ErrDuplicateEvent = errors.New("duplicate event id")
)

// ConcurrencyError carries the versions involved in a rejected append.
type ConcurrencyError struct {
	AggregateID string
	Attempted   int
	Current     int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("%s: aggregate %s at version %d, append attempted version %d",
		ErrOptimisticConcurrency, e.AggregateID, e.Current, e.Attempted)
}

func (e *ConcurrencyError) Unwrap() error { return ErrOptimisticConcurrency }

// Schema creates the events table. Requires the devices table.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id       TEXT NOT NULL UNIQUE,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	event_data     BLOB NOT NULL,
	vector_clock   TEXT NOT NULL DEFAULT '{}',
	device_id      TEXT NOT NULL REFERENCES devices(device_id),
	timestamp      REAL NOT NULL,
	version        INTEGER NOT NULL CHECK (version > 0),
	UNIQUE(aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(aggregate_type, event_type);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_device ON events(device_id);
`

func validate(ev events.Event) error {
	switch {
	case ev.ID == "":
		return errors.New("empty event_id")
	case ev.AggregateID == "":
		return errors.New("empty aggregate_id")
	case ev.DeviceID == "":
		return errors.New("empty device_id")
	case !events.IsValidCombination(ev.AggregateType, ev.Type):
		return fmt.Errorf("%w: %s/%s", events.ErrUnknownEventType, ev.AggregateType, ev.Type)
	}
	return nil
}

// CurrentVersion returns the highest stored version of an aggregate, 0 if none.
func CurrentVersion(ctx context.Context, q store.Querier, aggregateID string) (int, error) {
	var v int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, aggregateID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("current version %s: %w", aggregateID, err)
	}
	return v, nil
}

// Append persists ev as the next version of its aggregate and returns its id.
// ev.Version must equal the current version plus one.
func Append(ctx context.Context, q store.Querier, ev events.Event) (string, error) {
	if err := validate(ev); err != nil {
		return "", fmt.Errorf("append: %w", err)
	}
	cur, err := CurrentVersion(ctx, q, ev.AggregateID)
	if err != nil {
		return "", err
	}
	if ev.Version != cur+1 {
		return "", &ConcurrencyError{AggregateID: ev.AggregateID, Attempted: ev.Version, Current: cur}
	}
	if err := insert(ctx, q, ev); err != nil {
		return "", err
	}
	slog.Debug("append", "aggregate", ev.AggregateID, "type", ev.Type, "version", ev.Version)
	return ev.ID, nil
}

func insert(ctx context.Context, q store.Querier, ev events.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, event_data, vector_clock, device_id, timestamp, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AggregateID, string(ev.AggregateType), string(ev.Type), []byte(ev.Data),
		string(ev.Clock.Encode()), ev.DeviceID, store.Epoch(ts), ev.Version)
	if err == nil {
		return nil
	}
	if store.IsUniqueViolation(err) {
		if strings.Contains(err.Error(), "event_id") {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, ev.ID)
		}
		// Lost a race for the same version.
		return &ConcurrencyError{AggregateID: ev.AggregateID, Attempted: ev.Version, Current: ev.Version}
	}
	return fmt.Errorf("insert event %s: %w", ev.ID, err)
}

// AppendLocal stamps ev as produced by deviceID and appends it. The device
// clock is merged with whatever ev.Clock already observed, incremented for
// deviceID, and written back. Run inside a transaction so the clock and the
// event commit together.
func AppendLocal(ctx context.Context, q store.Querier, deviceID string, ev events.Event) (events.Event, error) {
	cur, err := device.Clock(ctx, q, deviceID)
	if err != nil {
		return events.Event{}, err
	}
	next := vclock.Merge(cur, ev.Clock).Increment(deviceID)

	ev.Clock = next
	ev.DeviceID = deviceID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ID == "" {
		ev.ID = events.NewID()
	}
	if _, err := Append(ctx, q, ev); err != nil {
		return events.Event{}, err
	}
	if err := device.SetClock(ctx, q, deviceID, next); err != nil {
		return events.Event{}, err
	}
	return ev, nil
}

// Import stores an event received from another device. The origin id,
// clock, device and timestamp are kept; the version is reassigned to the
// next local version. Unseen origin devices are registered with a zero
// clock, and both the origin's and the local device's clocks absorb the
// event's clock. Returns false when the event id is already present.
func Import(ctx context.Context, q store.Querier, localDevice string, ev events.Event) (events.Event, bool, error) {
	if ok, err := Exists(ctx, q, ev.ID); err != nil {
		return ev, false, err
	} else if ok {
		return ev, false, nil
	}
	if err := device.Ensure(ctx, q, ev.DeviceID); err != nil {
		return ev, false, err
	}
	cur, err := CurrentVersion(ctx, q, ev.AggregateID)
	if err != nil {
		return ev, false, err
	}
	ev.Version = cur + 1
	if ev.Clock == nil {
		ev.Clock = vclock.New()
	}
	if _, err := Append(ctx, q, ev); err != nil {
		return ev, false, err
	}
	if _, err := device.MergeClock(ctx, q, ev.DeviceID, ev.Clock); err != nil {
		return ev, false, err
	}
	if localDevice != "" && localDevice != ev.DeviceID {
		if _, err := device.MergeClock(ctx, q, localDevice, ev.Clock); err != nil {
			return ev, false, err
		}
	}
	return ev, true, nil
}

const selectCols = `event_id, aggregate_id, aggregate_type, event_type, event_data, vector_clock, device_id, timestamp, version`

func scan(row interface{ Scan(...any) error }) (events.Event, error) {
	var (
		ev     events.Event
		at, et string
		data   []byte
		clock  string
		ts     float64
	)
	if err := row.Scan(&ev.ID, &ev.AggregateID, &at, &et, &data, &clock, &ev.DeviceID, &ts, &ev.Version); err != nil {
		return ev, err
	}
	c, err := vclock.Decode([]byte(clock))
	if err != nil {
		return ev, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	ev.AggregateType = events.AggregateType(at)
	ev.Type = events.EventType(et)
	ev.Data = data
	ev.Clock = c
	ev.Timestamp = store.FromEpoch(ts)
	return ev, nil
}

func query(ctx context.Context, q store.Querier, sqlText string, args ...any) ([]events.Event, error) {
	rows, err := q.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		ev, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Get loads one event by id.
func Get(ctx context.Context, q store.Querier, eventID string) (events.Event, error) {
	ev, err := scan(q.QueryRowContext(ctx, `SELECT `+selectCols+` FROM events WHERE event_id = ?`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return ev, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if err != nil {
		return ev, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return ev, nil
}

// Exists reports whether an event id is stored.
func Exists(ctx context.Context, q store.Querier, eventID string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE event_id = ?`, eventID).Scan(&n); err != nil {
		return false, fmt.Errorf("check event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// StreamFor returns an aggregate's events ordered by version.
func StreamFor(ctx context.Context, q store.Querier, aggregateID string) ([]events.Event, error) {
	return query(ctx, q, `SELECT `+selectCols+` FROM events WHERE aggregate_id = ? ORDER BY version`, aggregateID)
}

// StreamsFor returns every event of an aggregate type ordered by aggregate
// and version, ready to be folded stream by stream.
func StreamsFor(ctx context.Context, q store.Querier, at events.AggregateType) ([]events.Event, error) {
	return query(ctx, q, `SELECT `+selectCols+` FROM events WHERE aggregate_type = ? ORDER BY aggregate_id, version`, string(at))
}

// EventsSince returns events stamped after since, in append order. A
// non-empty deviceFilter restricts the result to that origin device.
func EventsSince(ctx context.Context, q store.Querier, since time.Time, deviceFilter string) ([]events.Event, error) {
	var ts float64
	if !since.IsZero() {
		ts = store.Epoch(since)
	}
	if deviceFilter != "" {
		return query(ctx, q, `SELECT `+selectCols+` FROM events WHERE timestamp > ? AND device_id = ? ORDER BY seq`, ts, deviceFilter)
	}
	return query(ctx, q, `SELECT `+selectCols+` FROM events WHERE timestamp > ? ORDER BY seq`, ts)
}

// AfterSeq returns events with a log sequence greater than afterSeq, in
// append order, together with the highest sequence returned (afterSeq when
// there are none). A non-empty deviceFilter restricts the result to that
// origin device. Sequences are assigned on append, so wall-clock steps on
// the authoring device cannot hide an event from this cursor.
func AfterSeq(ctx context.Context, q store.Querier, afterSeq int64, deviceFilter string) ([]events.Event, int64, error) {
	sqlText := `SELECT seq, ` + selectCols + ` FROM events WHERE seq > ?`
	args := []any{afterSeq}
	if deviceFilter != "" {
		sqlText += ` AND device_id = ?`
		args = append(args, deviceFilter)
	}
	rows, err := q.QueryContext(ctx, sqlText+` ORDER BY seq`, args...)
	if err != nil {
		return nil, afterSeq, fmt.Errorf("query events after seq: %w", err)
	}
	defer rows.Close()

	last := afterSeq
	var out []events.Event
	for rows.Next() {
		var seq int64
		ev, err := scan(seqScanner{row: rows, seq: &seq})
		if err != nil {
			return nil, afterSeq, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
		last = seq
	}
	if err := rows.Err(); err != nil {
		return nil, afterSeq, err
	}
	return out, last, nil
}

// seqScanner reads the leading seq column before handing the rest to scan.
type seqScanner struct {
	row interface{ Scan(...any) error }
	seq *int64
}

func (s seqScanner) Scan(dest ...any) error {
	return s.row.Scan(append([]any{s.seq}, dest...)...)
}

// All returns every event in append order.
func All(ctx context.Context, q store.Querier) ([]events.Event, error) {
	return query(ctx, q, `SELECT `+selectCols+` FROM events ORDER BY seq`)
}

// CountAggregates counts distinct aggregates of a type having at least one
// event whose type matches the LIKE pattern.
func CountAggregates(ctx context.Context, q store.Querier, at events.AggregateType, eventTypeLike string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT aggregate_id) FROM events WHERE aggregate_type = ? AND event_type LIKE ?`,
		string(at), eventTypeLike).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count aggregates: %w", err)
	}
	return n, nil
}

// CountLive returns the number of aggregates of a type that were created
// and whose latest event is not a deletion.
func CountLive(ctx context.Context, q store.Querier, at events.AggregateType) (int, error) {
	created, err := CountAggregates(ctx, q, at, string(events.Created))
	if err != nil {
		return 0, err
	}
	var deleted int
	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events e
		WHERE e.aggregate_type = ? AND e.event_type = ?
		  AND e.version = (SELECT MAX(version) FROM events WHERE aggregate_id = e.aggregate_id)
		  AND EXISTS (SELECT 1 FROM events c WHERE c.aggregate_id = e.aggregate_id AND c.event_type = ?)`,
		string(at), string(events.Deleted), string(events.Created)).Scan(&deleted)
	if err != nil {
		return 0, fmt.Errorf("count deleted: %w", err)
	}
	return created - deleted, nil
}

// Count returns the total number of stored events.
func Count(ctx context.Context, q store.Querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marcus/shelf/internal/cloud"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/store"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS relay_events (
	server_ts    INTEGER PRIMARY KEY,
	event_id     TEXT NOT NULL UNIQUE,
	device_id    TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	body         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relay_events_device ON relay_events(device_id);

CREATE TABLE IF NOT EXISTS relay_devices (
	device_id   TEXT PRIMARY KEY,
	device_name TEXT NOT NULL DEFAULT '',
	device_type TEXT NOT NULL DEFAULT '',
	last_seen   REAL NOT NULL
);
`

// Store is the relay's event log. Every stored event gets a server
// timestamp in unix microseconds that is strictly greater than any
// earlier one, so clients can page with a single cursor.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	lastTS int64
}

// OpenStore opens (creating if needed) the relay database at path.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open relay db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init relay schema: %w", err)
	}
	s := &Store{db: db}
	if err := db.QueryRow(`SELECT COALESCE(MAX(server_ts), 0) FROM relay_events`).Scan(&s.lastTS); err != nil {
		db.Close()
		return nil, fmt.Errorf("read head: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Head returns the newest server timestamp, 0 for an empty log.
func (s *Store) Head() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTS
}

func (s *Store) tick() int64 {
	ts := time.Now().UnixMicro()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	return ts
}

func checkEvent(deviceID string, ev events.Event) string {
	switch {
	case !events.IsID(ev.ID):
		return "invalid event_id"
	case ev.AggregateID == "":
		return "empty aggregate_id"
	case ev.DeviceID == "":
		return "empty device_id"
	case deviceID != "" && ev.DeviceID != deviceID:
		// Devices relay only what they authored.
		return "device_id mismatch"
	case !events.IsValidCombination(ev.AggregateType, ev.Type):
		return "unknown event type"
	case ev.Version <= 0:
		return "invalid version"
	}
	return ""
}

// InsertEvents stores a batch pushed by deviceID in one transaction.
// Events already stored are acknowledged again so the sender can mark
// them synced; malformed ones are rejected individually.
func (s *Store) InsertEvents(ctx context.Context, deviceID string, batch []events.Event) (cloud.PushResult, error) {
	var res cloud.PushResult

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	last := s.lastTS
	for _, ev := range batch {
		if reason := checkEvent(deviceID, ev); reason != "" {
			res.Rejected = append(res.Rejected, cloud.Rejection{EventID: ev.ID, Reason: reason})
			continue
		}
		body, err := json.Marshal(ev)
		if err != nil {
			return res, fmt.Errorf("marshal %s: %w", ev.ID, err)
		}
		ts := s.tick()
		r, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO relay_events (server_ts, event_id, device_id, aggregate_id, body) VALUES (?, ?, ?, ?, ?)`,
			ts, ev.ID, ev.DeviceID, ev.AggregateID, string(body))
		if err != nil {
			return res, fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			slog.Debug("duplicate event", "event", ev.ID)
		} else {
			s.lastTS = ts
		}
		res.Accepted = append(res.Accepted, ev.ID)
	}
	if err := tx.Commit(); err != nil {
		s.lastTS = last
		return cloud.PushResult{}, fmt.Errorf("commit: %w", err)
	}

	res.SuccessCount = len(res.Accepted)
	res.FailureCount = len(res.Rejected)
	res.ServerTimestamp = s.lastTS
	return res, nil
}

// EventsSince returns up to limit stored events newer than since. Events
// from excludeDevice are skipped but still move the cursor forward.
func (s *Store) EventsSince(ctx context.Context, since int64, limit int, excludeDevice string) (cloud.PullResult, error) {
	res := cloud.PullResult{ServerTimestamp: since}

	rows, err := s.db.QueryContext(ctx,
		`SELECT server_ts, device_id, body FROM relay_events WHERE server_ts > ? ORDER BY server_ts ASC LIMIT ?`,
		since, limit)
	if err != nil {
		return res, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	scanned := 0
	for rows.Next() {
		var (
			ts       int64
			deviceID string
			body     string
		)
		if err := rows.Scan(&ts, &deviceID, &body); err != nil {
			return res, fmt.Errorf("scan event: %w", err)
		}
		scanned++
		res.ServerTimestamp = ts
		if deviceID == excludeDevice {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return res, fmt.Errorf("decode event ts=%d: %w", ts, err)
		}
		res.Events = append(res.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("rows iteration: %w", err)
	}

	res.HasMore = scanned == limit
	return res, nil
}

// UpsertDevice records a device announcement.
func (s *Store) UpsertDevice(ctx context.Context, d models.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_devices (device_id, device_name, device_type, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			device_type = excluded.device_type,
			last_seen = excluded.last_seen`,
		d.ID, d.Name, string(d.Type), store.Epoch(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.ID, err)
	}
	return nil
}

// Devices lists announced devices ordered by id.
func (s *Store) Devices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, device_name, device_type, last_seen FROM relay_devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := []models.Device{}
	for rows.Next() {
		var (
			d    models.Device
			typ  string
			seen float64
		)
		if err := rows.Scan(&d.ID, &d.Name, &typ, &seen); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.Type = models.DeviceType(typ)
		d.Active = true
		t := store.FromEpoch(seen)
		d.LastSync = &t
		out = append(out, d)
	}
	return out, rows.Err()
}

// Package device keeps the registry of installations that have produced
// events, along with each one's last observed vector clock.
package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/store"
	"github.com/marcus/shelf/internal/vclock"
)

// ErrNotFound is returned when a device id has never been registered.
var ErrNotFound = errors.New("device not found")

// Schema creates the devices table.
const Schema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id           TEXT PRIMARY KEY,
	device_name         TEXT NOT NULL DEFAULT '',
	device_type         TEXT NOT NULL DEFAULT 'desktop',
	last_sync_timestamp REAL,
	vector_clock        TEXT NOT NULL DEFAULT '{}',
	is_active           INTEGER NOT NULL DEFAULT 1,
	created_at          REAL NOT NULL
);
`

// NewID returns a fresh opaque device id.
func NewID() string {
	return uuid.NewString()
}

// Register inserts d or refreshes its display metadata. Re-registering a
// deactivated device reactivates it. The stored clock is never lowered.
func Register(ctx context.Context, q store.Querier, d models.Device) error {
	if d.ID == "" {
		return errors.New("register device: empty id")
	}
	if d.Type == "" {
		d.Type = models.DeviceTypeDesktop
	}
	if !d.Type.IsValid() {
		return fmt.Errorf("register device: invalid type %q", d.Type)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO devices (device_id, device_name, device_type, vector_clock, is_active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			device_type = excluded.device_type,
			is_active = 1`,
		d.ID, d.Name, string(d.Type), string(vclock.Clock(d.Clock).Encode()), store.Epoch(time.Now()))
	if err != nil {
		return fmt.Errorf("register device %s: %w", d.ID, err)
	}
	return nil
}

// Ensure registers an unseen device with an all-zero clock. Known devices
// are left untouched.
func Ensure(ctx context.Context, q store.Querier, id string) error {
	if id == "" {
		return errors.New("ensure device: empty id")
	}
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO devices (device_id, device_name, device_type, vector_clock, is_active, created_at)
		VALUES (?, '', 'desktop', '{}', 1, ?)`, id, store.Epoch(time.Now()))
	if err != nil {
		return fmt.Errorf("ensure device %s: %w", id, err)
	}
	return nil
}

const selectCols = `device_id, device_name, device_type, last_sync_timestamp, vector_clock, is_active`

func scan(row interface{ Scan(...any) error }) (*models.Device, error) {
	var (
		d        models.Device
		dtype    string
		lastSync sql.NullFloat64
		clock    string
		active   int
	)
	if err := row.Scan(&d.ID, &d.Name, &dtype, &lastSync, &clock, &active); err != nil {
		return nil, err
	}
	c, err := vclock.Decode([]byte(clock))
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", d.ID, err)
	}
	d.Type = models.DeviceType(dtype)
	d.LastSync = store.NullEpoch(lastSync)
	d.Clock = c
	d.Active = active != 0
	return &d, nil
}

// Get loads one device.
func Get(ctx context.Context, q store.Querier, id string) (*models.Device, error) {
	d, err := scan(q.QueryRowContext(ctx, `SELECT `+selectCols+` FROM devices WHERE device_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", id, err)
	}
	return d, nil
}

// List returns every device, active or not, ordered by id.
func List(ctx context.Context, q store.Querier) ([]models.Device, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+selectCols+` FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		d, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Clock returns the stored clock snapshot of a device.
func Clock(ctx context.Context, q store.Querier, id string) (vclock.Clock, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT vector_clock FROM devices WHERE device_id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read clock %s: %w", id, err)
	}
	return vclock.Decode([]byte(raw))
}

// SetClock overwrites the clock snapshot of a device.
func SetClock(ctx context.Context, q store.Querier, id string, c vclock.Clock) error {
	res, err := q.ExecContext(ctx, `UPDATE devices SET vector_clock = ? WHERE device_id = ?`, string(c.Encode()), id)
	if err != nil {
		return fmt.Errorf("set clock %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// MergeClock folds remote into the stored clock of id and returns the result.
func MergeClock(ctx context.Context, q store.Querier, id string, remote vclock.Clock) (vclock.Clock, error) {
	cur, err := Clock(ctx, q, id)
	if err != nil {
		return nil, err
	}
	merged := vclock.Merge(cur, remote)
	if err := SetClock(ctx, q, id, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// MarkSynced records a successful sync for id.
func MarkSynced(ctx context.Context, q store.Querier, id string, at time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE devices SET last_sync_timestamp = ? WHERE device_id = ?`, store.Epoch(at), id)
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Deactivate flags a device inactive. Devices are never deleted since
// their ids remain referenced by events and clocks.
func Deactivate(ctx context.Context, q store.Querier, id string) error {
	res, err := q.ExecContext(ctx, `UPDATE devices SET is_active = 0 WHERE device_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

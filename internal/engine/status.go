package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/marcus/shelf/internal/cloud"
	"github.com/marcus/shelf/internal/db"
	"github.com/marcus/shelf/internal/eventlog"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
)

// Status is a snapshot of the local replica and its sync position.
type Status struct {
	DeviceID        string                    `json:"device_id"`
	DBPath          string                    `json:"db_path,omitempty"`
	SchemaVersion   int                       `json:"schema_version"`
	MigrationStatus string                    `json:"migration_status,omitempty"`
	MigrationError  string                    `json:"migration_error,omitempty"`
	Degraded        string                    `json:"degraded,omitempty"`
	Items           int                       `json:"items"`
	Locations       int                       `json:"locations"`
	Events          int                       `json:"events"`
	Devices         int                       `json:"devices"`
	Provider        string                    `json:"provider,omitempty"`
	Gateway         string                    `json:"gateway_state,omitempty"`
	Records         map[models.SyncStatus]int `json:"records,omitempty"`
	PullCursor      int64                     `json:"pull_cursor"`
	LastFullSync    *time.Time                `json:"last_full_sync,omitempty"`
}

// Status collects counts and sync bookkeeping.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{DeviceID: e.deviceID}
	if e.gw != nil {
		st.Provider = e.gw.Provider()
		st.Gateway = e.gw.State().String()
	}
	if e.store == nil {
		if e.degraded != nil {
			st.Degraded = e.degraded.Error()
		}
		return st, nil
	}
	st.DBPath = e.store.Path()
	conn := e.store.Conn()

	state, err := e.store.State(ctx)
	if err != nil {
		return st, err
	}
	st.SchemaVersion, _ = strconv.Atoi(state[db.KeySchemaVersion])
	st.MigrationStatus = state[db.KeyMigrationStatus]
	st.MigrationError = state[db.KeyMigrationError]
	if st.PullCursor, err = db.GetInt64State(ctx, conn, db.KeyPullCursor, 0); err != nil {
		return st, err
	}
	if t, err := db.GetTimeState(ctx, conn, db.KeyLastFullSync); err == nil && !t.IsZero() {
		st.LastFullSync = &t
	}

	if st.Items, err = eventlog.CountLive(ctx, conn, events.AggregateItem); err != nil {
		return st, err
	}
	if st.Locations, err = eventlog.CountLive(ctx, conn, events.AggregateLocation); err != nil {
		return st, err
	}
	if st.Events, err = eventlog.Count(ctx, conn); err != nil {
		return st, err
	}
	devs, err := e.Devices(ctx)
	if err != nil {
		return st, err
	}
	st.Devices = len(devs)

	if e.gw != nil {
		if st.Records, err = cloud.StatusCounts(ctx, conn, e.gw.Provider()); err != nil {
			return st, err
		}
	}
	return st, nil
}

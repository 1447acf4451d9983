package db

import (
	"github.com/marcus/shelf/internal/cloud"
	"github.com/marcus/shelf/internal/conflict"
	"github.com/marcus/shelf/internal/device"
	"github.com/marcus/shelf/internal/eventlog"
)

// SchemaVersion is the schema version this build creates and expects.
// Versions 1 through 3 are the flat legacy layouts.
const SchemaVersion = 4

const syncStateSchema = `
CREATE TABLE IF NOT EXISTS sync_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at REAL NOT NULL
);
`

const syncHistorySchema = `
CREATE TABLE IF NOT EXISTS sync_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	direction    TEXT NOT NULL,
	event_id     TEXT NOT NULL,
	aggregate_id TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	timestamp    REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_history_event ON sync_history(event_id);
`

// table pairs a required table with the DDL that creates it.
type table struct {
	name string
	ddl  string
}

// requiredTables lists every table of the current schema in creation
// order; events references devices.
var requiredTables = []table{
	{"devices", device.Schema},
	{"events", eventlog.Schema},
	{"sync_state", syncStateSchema},
	{"cloud_sync_records", cloud.RecordsSchema},
	{"sync_history", syncHistorySchema},
	{"conflict_resolutions", conflict.Schema},
}

// RequiredTables returns the table names the current schema must contain.
func RequiredTables() []string {
	out := make([]string, len(requiredTables))
	for i, t := range requiredTables {
		out[i] = t.name
	}
	return out
}

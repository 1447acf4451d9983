package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/marcus/shelf/internal/device"
	"github.com/marcus/shelf/internal/eventlog"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/store"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", DefaultFileName))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var testIdentity = Identity{DeviceID: "dev-local", Name: "Laptop", Type: models.DeviceTypeDesktop}

func TestOpenFailsWithConnectionError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(filepath.Join(blocker, "sub", DefaultFileName))
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("want ErrConnectionFailed, got %v", err)
	}
}

func TestEnsureSchemaFreshInstall(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()

	v, err := db.CurrentSchemaVersion(ctx)
	if err != nil || v != 0 {
		t.Fatalf("version before = %d, %v", v, err)
	}

	rep, err := db.EnsureSchema(ctx, testIdentity)
	if err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if rep.Action != ActionCreated || rep.FromVersion != 0 || rep.ToVersion != SchemaVersion || rep.DeviceID != "dev-local" {
		t.Fatalf("report = %+v", rep)
	}

	v, _ = db.CurrentSchemaVersion(ctx)
	if v != SchemaVersion {
		t.Fatalf("version after = %d", v)
	}
	for _, name := range RequiredTables() {
		ok, err := store.TableExists(ctx, db.Conn(), name)
		if err != nil || !ok {
			t.Errorf("table %s missing", name)
		}
	}
	d, err := device.Get(ctx, db.Conn(), "dev-local")
	if err != nil || d.Name != "Laptop" {
		t.Fatalf("device = %+v, %v", d, err)
	}
	state, _ := db.State(ctx)
	if state[KeyCurrentDevice] != "dev-local" || state[KeyMigrationStatus] != MigrationFresh {
		t.Fatalf("state = %v", state)
	}
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()

	first, err := db.EnsureSchema(ctx, Identity{Name: "Phone", Type: models.DeviceTypePhone})
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.EnsureSchema(ctx, Identity{DeviceID: "someone-else"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Action != ActionVerified {
		t.Fatalf("second action = %s", second.Action)
	}
	if second.DeviceID != first.DeviceID {
		t.Fatalf("device id changed: %s -> %s", first.DeviceID, second.DeviceID)
	}
}

func TestEnsureSchemaRepairsMissingTables(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	if _, err := db.EnsureSchema(ctx, testIdentity); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Conn().Exec(`DROP TABLE conflict_resolutions; DROP TABLE sync_history`); err != nil {
		t.Fatal(err)
	}

	rep, err := db.EnsureSchema(ctx, testIdentity)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Action != ActionRepaired || len(rep.Repaired) != 2 {
		t.Fatalf("report = %+v", rep)
	}
	ok, _ := store.TableExists(ctx, db.Conn(), "conflict_resolutions")
	if !ok {
		t.Fatal("table not recreated")
	}
}

func TestEnsureSchemaTooNew(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	db.EnsureSchema(ctx, testIdentity)
	if err := SetState(ctx, db.Conn(), KeySchemaVersion, "9"); err != nil {
		t.Fatal(err)
	}
	_, err := db.EnsureSchema(ctx, testIdentity)
	if !errors.Is(err, ErrSchemaTooNew) {
		t.Fatalf("want ErrSchemaTooNew, got %v", err)
	}
}

const legacyTables = `
CREATE TABLE locations (id TEXT PRIMARY KEY, name TEXT NOT NULL, parent_id TEXT);
CREATE TABLE items (id TEXT PRIMARY KEY, title TEXT NOT NULL, quantity INTEGER DEFAULT 1, location_id TEXT, is_deleted INTEGER DEFAULT 0);
PRAGMA user_version = 2;
`

func TestEnsureSchemaMigratesLegacy(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	if _, err := db.Conn().Exec(legacyTables); err != nil {
		t.Fatal(err)
	}
	_, err := db.Conn().Exec(`
		INSERT INTO locations VALUES ('l1', 'Closet', NULL);
		INSERT INTO items (id, title, quantity, location_id) VALUES ('i1', 'Scarf', 2, 'l1');
		INSERT INTO items (id, title, quantity, location_id) VALUES ('i2', 'Hat', 1, 'l1');
		INSERT INTO items (id, title, is_deleted) VALUES ('i3', 'Gone', 1);
	`)
	if err != nil {
		t.Fatal(err)
	}

	v, _ := db.CurrentSchemaVersion(ctx)
	if v != 2 {
		t.Fatalf("legacy version = %d", v)
	}

	rep, err := db.EnsureSchema(ctx, testIdentity)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if rep.Action != ActionMigrated || rep.Legacy.Items != 2 || rep.Legacy.Locations != 1 {
		t.Fatalf("report = %+v", rep)
	}
	live, _ := eventlog.CountLive(ctx, db.Conn(), events.AggregateItem)
	if live != 2 {
		t.Fatalf("live items = %d", live)
	}
	state, _ := db.State(ctx)
	if state[KeyMigrationStatus] != MigrationCompleted {
		t.Fatalf("status = %q", state[KeyMigrationStatus])
	}

	// The version gate keeps migration from running twice.
	rep, err = db.EnsureSchema(ctx, testIdentity)
	if err != nil || rep.Action != ActionVerified {
		t.Fatalf("rerun: %+v, %v", rep, err)
	}
	n, _ := eventlog.Count(ctx, db.Conn())
	if n != 3 {
		t.Fatalf("events after rerun = %d", n)
	}
}

func TestEnsureSchemaMigratesIntegerKeys(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	_, err := db.Conn().Exec(`
		CREATE TABLE locations (id INTEGER PRIMARY KEY, name TEXT NOT NULL, parent_id INTEGER);
		CREATE TABLE items (id INTEGER PRIMARY KEY, title TEXT NOT NULL, quantity INTEGER DEFAULT 1, location_id INTEGER);
		INSERT INTO locations (id, name, parent_id) VALUES (1, 'Garage', NULL), (2, 'Shelf', 1);
		INSERT INTO items (id, title, location_id) VALUES (1, 'Drill', 1), (2, 'Saw', 2), (3, 'Tape', 2);
	`)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := db.CurrentSchemaVersion(ctx); v != 1 {
		t.Fatalf("legacy version = %d, want 1", v)
	}

	rep, err := db.EnsureSchema(ctx, testIdentity)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if rep.Action != ActionMigrated || rep.Legacy.Items != 3 || rep.Legacy.Locations != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if v, _ := db.CurrentSchemaVersion(ctx); v != SchemaVersion {
		t.Fatalf("version after = %d", v)
	}

	all, err := eventlog.All(ctx, db.Conn())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("events = %d, want 5", len(all))
	}
	seen := map[string]bool{}
	for _, ev := range all {
		if ev.Type != events.Created || ev.Version != 1 {
			t.Fatalf("event %s: type %s version %d", ev.AggregateID, ev.Type, ev.Version)
		}
		if seen[ev.AggregateID] {
			t.Fatalf("aggregate %s imported twice", ev.AggregateID)
		}
		seen[ev.AggregateID] = true
	}
	if live, _ := eventlog.CountLive(ctx, db.Conn(), events.AggregateItem); live != 3 {
		t.Fatalf("live items = %d", live)
	}

	rep, err = db.EnsureSchema(ctx, testIdentity)
	if err != nil || rep.Action != ActionVerified {
		t.Fatalf("rerun: %+v, %v", rep, err)
	}
	if n, _ := eventlog.Count(ctx, db.Conn()); n != 5 {
		t.Fatalf("events after rerun = %d", n)
	}
}

func TestEnsureSchemaMigrationRollsBack(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	// Without a primary key the legacy table can hold two rows claiming
	// one id; both cannot become version 1 of the same aggregate.
	_, err := db.Conn().Exec(`
		CREATE TABLE locations (id TEXT, name TEXT NOT NULL, parent_id TEXT);
		CREATE TABLE items (id TEXT, title TEXT NOT NULL, quantity INTEGER DEFAULT 1, location_id TEXT);
		PRAGMA user_version = 2;
		INSERT INTO locations VALUES ('l1', 'Closet', NULL);
		INSERT INTO items (id, title) VALUES ('i1', 'Scarf');
		INSERT INTO items (id, title) VALUES ('i1', 'Clash');
	`)
	if err != nil {
		t.Fatal(err)
	}

	_, err = db.EnsureSchema(ctx, testIdentity)
	if !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("want ErrMigrationFailed, got %v", err)
	}

	v, _ := db.CurrentSchemaVersion(ctx)
	if v != 2 {
		t.Fatalf("version after failed migration = %d, want 2", v)
	}
	ok, _ := store.TableExists(ctx, db.Conn(), "events")
	if ok {
		t.Fatal("events table should have been rolled back")
	}
	status, _, _ := GetState(ctx, db.Conn(), KeyMigrationStatus)
	if status != MigrationFailed {
		t.Fatalf("migration_status = %q", status)
	}

	// Fix the data and retry on "next launch".
	if _, err := db.Conn().Exec(`DELETE FROM items WHERE title = 'Clash'`); err != nil {
		t.Fatal(err)
	}
	rep, err := db.EnsureSchema(ctx, testIdentity)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rep.Action != ActionMigrated || rep.Legacy.Locations != 1 || rep.Legacy.Items != 1 {
		t.Fatalf("retry report = %+v", rep)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	db.EnsureSchema(ctx, testIdentity)

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx store.Querier) error {
		if err := SetState(ctx, tx, KeyLastFullSync, "x"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, ok, _ := GetState(ctx, db.Conn(), KeyLastFullSync); ok {
		t.Fatal("write survived rollback")
	}
}

func TestStateHelpers(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	db.EnsureSchema(ctx, testIdentity)
	q := db.Conn()

	if n, _ := GetInt64State(ctx, q, KeyPullCursor, 7); n != 7 {
		t.Fatalf("default = %d", n)
	}
	SetInt64State(ctx, q, KeyPullCursor, 1234567890123)
	if n, _ := GetInt64State(ctx, q, KeyPullCursor, 0); n != 1234567890123 {
		t.Fatalf("cursor = %d", n)
	}
	if ts, _ := GetTimeState(ctx, q, KeyLastFullSync); !ts.IsZero() {
		t.Fatalf("unset time = %v", ts)
	}
}

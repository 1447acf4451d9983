package legacy

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sebdah/goldie/v2"

	"github.com/marcus/shelf/internal/device"
	"github.com/marcus/shelf/internal/eventlog"
	"github.com/marcus/shelf/internal/events"
)

const legacySchema = `
CREATE TABLE locations (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	parent_id TEXT,
	is_deleted INTEGER DEFAULT 0
);
CREATE TABLE items (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	quantity INTEGER DEFAULT 1,
	price REAL,
	location_id TEXT,
	author TEXT,
	is_deleted INTEGER DEFAULT 0
);
`

func setupLegacyDB(t *testing.T, withLegacy bool) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	stmts := []string{device.Schema, eventlog.Schema}
	if withLegacy {
		stmts = append(stmts, legacySchema)
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("schema: %v", err)
		}
	}
	if err := device.Ensure(context.Background(), db, "dev-a"); err != nil {
		t.Fatal(err)
	}
	return db
}

func seed(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO locations (id, name, parent_id) VALUES ('garage', 'Garage', NULL);
		INSERT INTO locations (id, name, parent_id) VALUES ('shelf-2', 'Top shelf', 'garage');
		INSERT INTO locations (id, name, is_deleted) VALUES ('gone', 'Old attic', 1);
		INSERT INTO items (id, title, quantity, price, location_id, author) VALUES ('0190f0c4-3a4e-7b1c-9d2e-123456789abc', 'Dune', 2, 9.99, 'shelf-2', 'Herbert');
		INSERT INTO items (id, title, quantity, location_id) VALUES ('i-2', 'Hammer', 1, 'gone');
		INSERT INTO items (id, title, is_deleted) VALUES ('i-3', 'Lost', 1);
	`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestExportMissingTables(t *testing.T) {
	db := setupLegacyDB(t, false)
	snap, err := Export(context.Background(), db)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if snap.Items == nil || snap.Locations == nil || len(snap.Items)+len(snap.Locations) != 0 {
		t.Fatalf("expected empty non-nil lists, got %+v", snap)
	}
	ok, _ := HasData(context.Background(), db)
	if ok {
		t.Fatal("HasData = true without legacy tables")
	}
}

func TestExportSkipsDeletedAndKeepsColumns(t *testing.T) {
	db := setupLegacyDB(t, true)
	seed(t, db)

	snap, err := Export(context.Background(), db)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(snap.Locations) != 2 || len(snap.Items) != 2 {
		t.Fatalf("got %d locations, %d items", len(snap.Locations), len(snap.Items))
	}
	if snap.Items[0]["author"] != "Herbert" {
		t.Fatalf("unknown column lost: %v", snap.Items[0])
	}
}

func TestImportAsEvents(t *testing.T) {
	db := setupLegacyDB(t, true)
	seed(t, db)
	ctx := context.Background()

	snap, _ := Export(ctx, db)
	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	res, err := Import(ctx, tx, "dev-a", snap)
	if err != nil {
		tx.Rollback()
		t.Fatalf("import: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if res.Locations != 2 || res.Items != 2 {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := res.IDMap[ItemsTable]["0190f0c4-3a4e-7b1c-9d2e-123456789abc"]; ok {
		t.Fatal("valid uuid should be reused, not reminted")
	}

	garage := res.IDMap[LocationsTable]["garage"]
	top := res.IDMap[LocationsTable]["shelf-2"]
	stream, _ := eventlog.StreamFor(ctx, db, top)
	if len(stream) != 1 || stream[0].Version != 1 || stream[0].Type != events.Created {
		t.Fatalf("location stream = %+v", stream)
	}
	p, _ := stream[0].Payload()
	loc := p.(events.LocationCreated)
	if loc.ParentID != garage {
		t.Fatalf("parent = %q, want remapped %q", loc.ParentID, garage)
	}
	if loc.Extra["legacy_id"] != "shelf-2" {
		t.Fatalf("legacy id not kept: %v", loc.Extra)
	}

	dune, _ := eventlog.StreamFor(ctx, db, "0190f0c4-3a4e-7b1c-9d2e-123456789abc")
	if len(dune) != 1 {
		t.Fatalf("dune stream = %d events", len(dune))
	}
	p, _ = dune[0].Payload()
	item := p.(events.ItemCreated)
	if item.LocationID != top || item.Quantity != 2 || item.Price == nil || *item.Price != 9.99 {
		t.Fatalf("item = %+v", item)
	}
	if item.Extra["author"] != "Herbert" {
		t.Fatalf("extra = %v", item.Extra)
	}

	hammer, _ := eventlog.StreamFor(ctx, db, res.IDMap[ItemsTable]["i-2"])
	p, _ = hammer[0].Payload()
	if p.(events.ItemCreated).LocationID != "" {
		t.Fatal("reference to deleted location should be dropped")
	}

	// Locations first, and each record bumps the device clock once.
	all, _ := eventlog.All(ctx, db)
	if all[0].AggregateType != events.AggregateLocation || all[len(all)-1].AggregateType != events.AggregateItem {
		t.Fatal("locations must be imported before items")
	}
	if got := all[len(all)-1].Clock.Get("dev-a"); got != 4 {
		t.Fatalf("final clock counter = %d, want 4", got)
	}
}

const integerKeyedSchema = `
CREATE TABLE locations (id INTEGER PRIMARY KEY, name TEXT NOT NULL, parent_id INTEGER);
CREATE TABLE items (id INTEGER PRIMARY KEY, title TEXT NOT NULL, location_id INTEGER);
INSERT INTO locations (id, name, parent_id) VALUES (1, 'House', NULL), (2, 'Attic', 1);
INSERT INTO items (id, title, location_id) VALUES (1, 'Lamp', 1), (2, 'Rope', 2), (3, 'Trunk', 2);
`

func importAll(t *testing.T, db *sql.DB) Result {
	t.Helper()
	ctx := context.Background()
	snap, err := Export(ctx, db)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	res, err := Import(ctx, tx, "dev-a", snap)
	if err != nil {
		tx.Rollback()
		t.Fatalf("import: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestImportIntegerKeysArePerTable(t *testing.T) {
	db := setupLegacyDB(t, false)
	if _, err := db.Exec(integerKeyedSchema); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	res := importAll(t, db)
	if res.Locations != 2 || res.Items != 3 || res.Reminted() != 5 {
		t.Fatalf("result = %+v (reminted %d)", res, res.Reminted())
	}
	house := res.IDMap[LocationsTable]["1"]
	attic := res.IDMap[LocationsTable]["2"]
	lamp := res.IDMap[ItemsTable]["1"]
	if house == "" || lamp == "" || house == lamp {
		t.Fatalf("location 1 and item 1 must get distinct ids: %q %q", house, lamp)
	}

	p, _ := mustStream(t, db, attic)[0].Payload()
	if got := p.(events.LocationCreated).ParentID; got != house {
		t.Fatalf("attic parent = %q, want %q", got, house)
	}
	want := map[string]string{"1": house, "2": attic, "3": attic}
	for legacyID, loc := range want {
		p, _ := mustStream(t, db, res.IDMap[ItemsTable][legacyID])[0].Payload()
		it := p.(events.ItemCreated)
		if it.LocationID != loc {
			t.Fatalf("item %s location = %q, want %q", legacyID, it.LocationID, loc)
		}
		if it.Extra["legacy_id"] != legacyID {
			t.Fatalf("item %s extra = %v", legacyID, it.Extra)
		}
	}

	n, _ := eventlog.Count(ctx, db)
	if n != 5 {
		t.Fatalf("events = %d, want 5", n)
	}
}

func TestImportRemintsIDClaimedByOtherTable(t *testing.T) {
	db := setupLegacyDB(t, true)
	const shared = "0190f0c4-3a4e-7b1c-9d2e-123456789abc"
	_, err := db.Exec(`
		INSERT INTO locations (id, name) VALUES ('` + shared + `', 'Closet');
		INSERT INTO items (id, title, location_id) VALUES ('` + shared + `', 'Coat', '` + shared + `');
	`)
	if err != nil {
		t.Fatal(err)
	}

	res := importAll(t, db)
	coat := res.IDMap[ItemsTable][shared]
	if coat == "" || coat == shared {
		t.Fatalf("item id should be reminted, got %q", coat)
	}
	p, _ := mustStream(t, db, coat)[0].Payload()
	if got := p.(events.ItemCreated).LocationID; got != shared {
		t.Fatalf("coat location = %q, want %q", got, shared)
	}
}

func mustStream(t *testing.T, db *sql.DB, id string) []events.Event {
	t.Helper()
	stream, err := eventlog.StreamFor(context.Background(), db, id)
	if err != nil || len(stream) == 0 {
		t.Fatalf("stream %q: %d events, %v", id, len(stream), err)
	}
	return stream
}

func TestImportRollsBackOnFailure(t *testing.T) {
	db := setupLegacyDB(t, true)
	ctx := context.Background()
	snap := Snapshot{
		Locations: []Record{{"id": "a", "name": "A"}},
		Items: []Record{
			{"id": "7", "title": "One"},
			{"id": "7", "title": "Duplicate"},
		},
	}
	tx, _ := db.Begin()
	if _, err := Import(ctx, tx, "dev-a", snap); err == nil {
		t.Fatal("expected duplicate id to fail")
	}
	tx.Rollback()

	n, _ := eventlog.Count(ctx, db)
	if n != 0 {
		t.Fatalf("events after rollback = %d", n)
	}
}

func TestMarshalSnapshotGolden(t *testing.T) {
	snap := Snapshot{
		Locations: []Record{{"id": "1", "name": "Garage", "parent_id": nil}},
		Items:     []Record{{"id": int64(7), "title": "Hammer", "quantity": int64(2), "price": 4.5}},
	}
	data, err := MarshalSnapshot(snap, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "backup", data)
}

// Package legacy reads the pre-event-sourcing flat tables and replays
// them into the event log as Created events.
package legacy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/eventlog"
	"github.com/marcus/shelf/internal/store"
)

// Legacy table names.
const (
	ItemsTable     = "items"
	LocationsTable = "locations"
)

// Record is one legacy row keyed by column name. Values are string,
// int64, float64, bool or nil.
type Record map[string]any

// Snapshot is the full legacy data set.
type Snapshot struct {
	Items     []Record `json:"items"`
	Locations []Record `json:"locations"`
}

// Result summarizes an import.
type Result struct {
	Locations int
	Items     int
	// IDMap maps, per legacy table, the legacy ids that were reminted to
	// their new identifiers.
	IDMap map[string]map[string]string
}

// Reminted counts the legacy ids that got a new identifier.
func (r Result) Reminted() int {
	n := 0
	for _, m := range r.IDMap {
		n += len(m)
	}
	return n
}

// idSpace assigns identifiers to the keys of one legacy table. Legacy
// tables number their rows independently, so location 1 and item 1 are
// different records and each table resolves through its own space.
type idSpace struct {
	minted map[string]string
	taken  map[string]bool // identifiers already claimed by another table
}

func newIDSpace(taken map[string]bool) *idSpace {
	return &idSpace{minted: map[string]string{}, taken: taken}
}

func (s *idSpace) resolve(legacyID string) string {
	if legacyID == "" {
		return ""
	}
	if id, ok := s.minted[legacyID]; ok {
		return id
	}
	if events.IsID(legacyID) && !s.taken[legacyID] {
		return legacyID
	}
	id := events.NewID()
	s.minted[legacyID] = id
	return id
}

// Export reads every non-deleted legacy row. A missing table yields an
// empty list. All columns are preserved.
func Export(ctx context.Context, q store.Querier) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Locations, err = exportTable(ctx, q, LocationsTable); err != nil {
		return snap, err
	}
	if snap.Items, err = exportTable(ctx, q, ItemsTable); err != nil {
		return snap, err
	}
	return snap, nil
}

// HasData reports whether any legacy table exists.
func HasData(ctx context.Context, q store.Querier) (bool, error) {
	for _, t := range []string{ItemsTable, LocationsTable} {
		ok, err := store.TableExists(ctx, q, t)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func exportTable(ctx context.Context, q store.Querier, table string) ([]Record, error) {
	ok, err := store.TableExists(ctx, q, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Record{}, nil
	}

	cols, err := store.Columns(ctx, q, table)
	if err != nil {
		return nil, err
	}
	where := ""
	for _, c := range cols {
		switch c {
		case "is_deleted", "deleted":
			where = fmt.Sprintf(" WHERE COALESCE(%q, 0) = 0", c)
		case "deleted_at":
			if where == "" {
				where = ` WHERE "deleted_at" IS NULL`
			}
		}
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %q%s ORDER BY rowid", table, where))
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("export %s columns: %w", table, err)
	}
	out := []Record{}
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		rec := make(Record, len(names))
		for i, n := range names {
			rec[n] = plain(vals[i])
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func plain(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case int:
		return int64(x)
	}
	return v
}

// MarshalSnapshot renders a backup document for snap.
func MarshalSnapshot(snap Snapshot, exportedAt time.Time) ([]byte, error) {
	doc := struct {
		Format     string   `json:"format"`
		ExportedAt string   `json:"exported_at"`
		Locations  []Record `json:"locations"`
		Items      []Record `json:"items"`
	}{
		Format:     "shelf-legacy-backup/1",
		ExportedAt: exportedAt.UTC().Format(time.RFC3339),
		Locations:  snap.Locations,
		Items:      snap.Items,
	}
	if doc.Locations == nil {
		doc.Locations = []Record{}
	}
	if doc.Items == nil {
		doc.Items = []Record{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal backup: %w", err)
	}
	return append(data, '\n'), nil
}

// ExportJSON reads the legacy tables and serializes them. It never writes.
func ExportJSON(ctx context.Context, q store.Querier, now time.Time) ([]byte, error) {
	snap, err := Export(ctx, q)
	if err != nil {
		return nil, err
	}
	return MarshalSnapshot(snap, now)
}

var (
	locationKnown = map[string]bool{"id": true, "name": true, "title": true, "notes": true, "description": true, "parent_id": true}
	itemKnown     = map[string]bool{
		"id": true, "title": true, "name": true, "notes": true, "description": true,
		"category": true, "barcode": true, "isbn": true, "quantity": true, "price": true, "location_id": true,
	}
	dropped = map[string]bool{"is_deleted": true, "deleted": true, "deleted_at": true}
)

// Import replays snap into the event log as Created events stamped by
// deviceID. Locations go first so items can reference them. Run inside a
// transaction: any error must roll the whole import back.
func Import(ctx context.Context, q store.Querier, deviceID string, snap Snapshot) (Result, error) {
	locs := newIDSpace(nil)

	// Assign every location id first so parent references resolve
	// regardless of row order.
	locIDs := make([]string, len(snap.Locations))
	claimed := map[string]bool{}
	for i, rec := range snap.Locations {
		locIDs[i] = locs.resolve(str(rec, "id"))
		if locIDs[i] == "" {
			locIDs[i] = events.NewID()
		}
		claimed[locIDs[i]] = true
	}
	items := newIDSpace(claimed)
	res := Result{IDMap: map[string]map[string]string{
		LocationsTable: locs.minted,
		ItemsTable:     items.minted,
	}}

	for i, rec := range snap.Locations {
		legacyID := str(rec, "id")
		id := locIDs[i]
		fields := events.LocationFields{
			Name:     firstNonEmpty(str(rec, "name"), str(rec, "title"), "Location "+strconv.Itoa(i+1)),
			Notes:    firstNonEmpty(str(rec, "notes"), str(rec, "description")),
			ParentID: lookup(locs.minted, str(rec, "parent_id")),
			Extra:    extra(rec, locationKnown, legacyID != id, legacyID),
		}
		if err := appendCreated(ctx, q, deviceID, id, events.LocationCreated{LocationFields: fields}); err != nil {
			return res, fmt.Errorf("import location %q: %w", legacyID, err)
		}
		res.Locations++
	}

	for i, rec := range snap.Items {
		legacyID := str(rec, "id")
		id := items.resolve(legacyID)
		if id == "" {
			id = events.NewID()
		}
		qty := int(num(rec, "quantity", 1))
		if qty < 0 {
			qty = 0
		}
		fields := events.ItemFields{
			Title:      firstNonEmpty(str(rec, "title"), str(rec, "name"), "Item "+strconv.Itoa(i+1)),
			Notes:      firstNonEmpty(str(rec, "notes"), str(rec, "description")),
			Category:   str(rec, "category"),
			Barcode:    firstNonEmpty(str(rec, "barcode"), str(rec, "isbn")),
			Quantity:   qty,
			LocationID: lookup(locs.minted, str(rec, "location_id")),
			Extra:      extra(rec, itemKnown, legacyID != id, legacyID),
		}
		if _, ok := rec["price"]; ok && rec["price"] != nil {
			p := num(rec, "price", 0)
			if p >= 0 {
				fields.Price = &p
			}
		}
		if err := appendCreated(ctx, q, deviceID, id, events.ItemCreated{ItemFields: fields}); err != nil {
			return res, fmt.Errorf("import item %q: %w", legacyID, err)
		}
		res.Items++
	}

	slog.Info("legacy import", "locations", res.Locations, "items", res.Items, "reminted", res.Reminted())
	return res, nil
}

func appendCreated(ctx context.Context, q store.Querier, deviceID, id string, p events.Payload) error {
	ev, err := events.New(id, p)
	if err != nil {
		return err
	}
	ev.Version = 1
	_, err = eventlog.AppendLocal(ctx, q, deviceID, ev)
	return err
}

// lookup maps a legacy reference through ids. References that are already
// valid identifiers pass through unchanged.
func lookup(ids map[string]string, ref string) string {
	if ref == "" {
		return ""
	}
	if id, ok := ids[ref]; ok {
		return id
	}
	if events.IsID(ref) {
		return ref
	}
	// Dangling reference to a row that no longer exists.
	return ""
}

func extra(rec Record, known map[string]bool, reminted bool, legacyID string) map[string]any {
	out := map[string]any{}
	for k, v := range rec {
		if known[k] || dropped[k] || v == nil {
			continue
		}
		out[k] = v
	}
	if reminted && legacyID != "" {
		out["legacy_id"] = legacyID
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func str(rec Record, key string) string {
	switch v := rec[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func num(rec Record, key string, def float64) float64 {
	switch v := rec[key].(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

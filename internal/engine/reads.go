package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/shelf/internal/conflict"
	"github.com/marcus/shelf/internal/device"
	"github.com/marcus/shelf/internal/eventlog"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/legacy"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/projector"
)

// Reads on a degraded engine return empty results rather than errors.

// Items returns the live items sorted by title.
func (e *Engine) Items(ctx context.Context) ([]models.ItemState, error) {
	if e.store == nil {
		return nil, nil
	}
	evs, err := eventlog.StreamsFor(ctx, e.store.Conn(), events.AggregateItem)
	if err != nil {
		return nil, err
	}
	return projector.Items(evs, false)
}

// ItemsIn returns the live items stored directly in a location.
func (e *Engine) ItemsIn(ctx context.Context, locationID string) ([]models.ItemState, error) {
	all, err := e.Items(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.ItemState
	for _, it := range all {
		if it.LocationID == locationID {
			out = append(out, it)
		}
	}
	return out, nil
}

// Item returns one item, including deleted ones.
func (e *Engine) Item(ctx context.Context, id string) (models.ItemState, error) {
	if e.store == nil {
		return models.ItemState{}, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	stream, err := eventlog.StreamFor(ctx, e.store.Conn(), id)
	if err != nil {
		return models.ItemState{}, err
	}
	if len(stream) > 0 && stream[0].AggregateType != events.AggregateItem {
		return models.ItemState{}, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	st, ok, err := projector.FoldItem(stream)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	return st, nil
}

// Locations returns the live locations sorted by name.
func (e *Engine) Locations(ctx context.Context) ([]models.LocationState, error) {
	if e.store == nil {
		return nil, nil
	}
	evs, err := eventlog.StreamsFor(ctx, e.store.Conn(), events.AggregateLocation)
	if err != nil {
		return nil, err
	}
	return projector.Locations(evs, false)
}

// Location returns one location, including deleted ones.
func (e *Engine) Location(ctx context.Context, id string) (models.LocationState, error) {
	if e.store == nil {
		return models.LocationState{}, fmt.Errorf("%w: location %s", ErrNotFound, id)
	}
	stream, err := eventlog.StreamFor(ctx, e.store.Conn(), id)
	if err != nil {
		return models.LocationState{}, err
	}
	if len(stream) > 0 && stream[0].AggregateType != events.AggregateLocation {
		return models.LocationState{}, fmt.Errorf("%w: location %s", ErrNotFound, id)
	}
	st, ok, err := projector.FoldLocation(stream)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, fmt.Errorf("%w: location %s", ErrNotFound, id)
	}
	return st, nil
}

// Hierarchy returns the live location tree.
func (e *Engine) Hierarchy(ctx context.Context) (*projector.Arena, error) {
	if e.store == nil {
		return projector.NewArena(nil), nil
	}
	return arena(ctx, e.store.Conn())
}

// LocationPath returns the chain of locations from the root down to id.
func (e *Engine) LocationPath(ctx context.Context, id string) ([]models.LocationState, error) {
	a, err := e.Hierarchy(ctx)
	if err != nil {
		return nil, err
	}
	return a.Path(id)
}

// LiveCount returns how many aggregates of a type exist and are not deleted.
func (e *Engine) LiveCount(ctx context.Context, at events.AggregateType) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	return eventlog.CountLive(ctx, e.store.Conn(), at)
}

// History returns an aggregate's raw event stream.
func (e *Engine) History(ctx context.Context, id string) ([]events.Event, error) {
	if e.store == nil {
		return nil, nil
	}
	return eventlog.StreamFor(ctx, e.store.Conn(), id)
}

// Conflicts returns the most recent resolutions, newest first.
func (e *Engine) Conflicts(ctx context.Context, limit int) ([]conflict.Resolution, error) {
	if e.store == nil {
		return nil, nil
	}
	return conflict.List(ctx, e.store.Conn(), limit)
}

// Devices returns every device this replica has seen.
func (e *Engine) Devices(ctx context.Context) ([]models.Device, error) {
	if e.store == nil {
		return nil, nil
	}
	return device.List(ctx, e.store.Conn())
}

// SyncHistory returns the last limit push/pull/resolve entries.
func (e *Engine) SyncHistory(ctx context.Context, limit int) ([]models.SyncHistoryEntry, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.SyncHistoryTail(ctx, limit)
}

// ExportJSON writes the current inventory in the legacy backup format, so
// a backup can be re-imported by the migrator.
func (e *Engine) ExportJSON(ctx context.Context) ([]byte, error) {
	items, err := e.Items(ctx)
	if err != nil {
		return nil, err
	}
	locs, err := e.Locations(ctx)
	if err != nil {
		return nil, err
	}
	snap := legacy.Snapshot{Items: []legacy.Record{}, Locations: []legacy.Record{}}
	for _, l := range locs {
		rec := legacy.Record{"id": l.ID, "name": l.Name}
		setOpt(rec, "notes", l.Notes)
		setOpt(rec, "parent_id", l.ParentID)
		for k, v := range l.Extra {
			if _, ok := rec[k]; !ok {
				rec[k] = v
			}
		}
		snap.Locations = append(snap.Locations, rec)
	}
	for _, it := range items {
		rec := legacy.Record{"id": it.ID, "title": it.Title, "quantity": it.Quantity}
		setOpt(rec, "notes", it.Notes)
		setOpt(rec, "category", it.Category)
		setOpt(rec, "barcode", it.Barcode)
		setOpt(rec, "location_id", it.LocationID)
		if it.Price != nil {
			rec["price"] = *it.Price
		}
		for k, v := range it.Extra {
			if _, ok := rec[k]; !ok {
				rec[k] = v
			}
		}
		snap.Items = append(snap.Items, rec)
	}
	return legacy.MarshalSnapshot(snap, e.now().UTC().Truncate(time.Second))
}

func setOpt(rec legacy.Record, key, v string) {
	if v != "" {
		rec[key] = v
	}
}

// Package projector folds event streams into current-state views by full
// replay.
package projector

import (
	"fmt"
	"sort"

	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/vclock"
)

// FoldItem replays one item stream. ok is false when the stream holds no
// Created event. Events before the first Created are skipped.
func FoldItem(stream []events.Event) (st models.ItemState, ok bool, err error) {
	var clock vclock.Clock
	for _, ev := range stream {
		if ev.AggregateType != events.AggregateItem {
			return st, false, fmt.Errorf("fold item %s: unexpected %s event", ev.AggregateID, ev.AggregateType)
		}
		p, err := ev.Payload()
		if err != nil {
			return st, false, fmt.Errorf("fold item %s v%d: %w", ev.AggregateID, ev.Version, err)
		}
		switch v := p.(type) {
		case events.ItemCreated:
			created := st.CreatedAt
			st = models.ItemState{
				ID:         ev.AggregateID,
				Title:      v.Title,
				Notes:      v.Notes,
				Category:   v.Category,
				Barcode:    v.Barcode,
				Quantity:   v.Quantity,
				Price:      v.Price,
				LocationID: v.LocationID,
				Extra:      copyExtra(v.Extra),
				CreatedAt:  ev.Timestamp,
			}
			if ok {
				st.CreatedAt = created
			}
			ok = true
		case events.ItemUpdated:
			if !ok {
				continue
			}
			applyItemPatch(&st, v)
			st.Deleted = false
		case events.ItemDeleted:
			if !ok {
				continue
			}
			st.Deleted = true
		}
		st.Version = ev.Version
		st.UpdatedAt = ev.Timestamp
		st.LastDevice = ev.DeviceID
		clock = vclock.Merge(clock, ev.Clock)
	}
	st.Clock = clock
	return st, ok, nil
}

func applyItemPatch(st *models.ItemState, p events.ItemUpdated) {
	if p.Title != nil {
		st.Title = *p.Title
	}
	if p.Notes != nil {
		st.Notes = *p.Notes
	}
	if p.Category != nil {
		st.Category = *p.Category
	}
	if p.Barcode != nil {
		st.Barcode = *p.Barcode
	}
	if p.Quantity != nil {
		st.Quantity = *p.Quantity
	}
	if p.Price != nil {
		v := *p.Price
		st.Price = &v
	}
	if p.LocationID != nil {
		st.LocationID = *p.LocationID
	}
	st.Extra = mergeExtra(st.Extra, p.Extra)
}

// FoldLocation replays one location stream.
func FoldLocation(stream []events.Event) (st models.LocationState, ok bool, err error) {
	for _, ev := range stream {
		if ev.AggregateType != events.AggregateLocation {
			return st, false, fmt.Errorf("fold location %s: unexpected %s event", ev.AggregateID, ev.AggregateType)
		}
		p, err := ev.Payload()
		if err != nil {
			return st, false, fmt.Errorf("fold location %s v%d: %w", ev.AggregateID, ev.Version, err)
		}
		switch v := p.(type) {
		case events.LocationCreated:
			created := st.CreatedAt
			st = models.LocationState{
				ID:        ev.AggregateID,
				Name:      v.Name,
				Notes:     v.Notes,
				ParentID:  v.ParentID,
				Extra:     copyExtra(v.Extra),
				CreatedAt: ev.Timestamp,
			}
			if ok {
				st.CreatedAt = created
			}
			ok = true
		case events.LocationUpdated:
			if !ok {
				continue
			}
			if v.Name != nil {
				st.Name = *v.Name
			}
			if v.Notes != nil {
				st.Notes = *v.Notes
			}
			st.Extra = mergeExtra(st.Extra, v.Extra)
			st.Deleted = false
		case events.LocationMoved:
			if !ok {
				continue
			}
			st.ParentID = v.ParentID
			st.Deleted = false
		case events.LocationDeleted:
			if !ok {
				continue
			}
			st.Deleted = true
		}
		st.Version = ev.Version
		st.UpdatedAt = ev.Timestamp
		st.LastDevice = ev.DeviceID
	}
	return st, ok, nil
}

// Items folds a multi-aggregate event list, as returned by
// eventlog.StreamsFor, into states sorted by title. Deleted items are
// included only when withDeleted is set.
func Items(evs []events.Event, withDeleted bool) ([]models.ItemState, error) {
	var out []models.ItemState
	for _, stream := range split(evs) {
		st, ok, err := FoldItem(stream)
		if err != nil {
			return nil, err
		}
		if !ok || (st.Deleted && !withDeleted) {
			continue
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Locations folds location streams into states sorted by name.
func Locations(evs []events.Event, withDeleted bool) ([]models.LocationState, error) {
	var out []models.LocationState
	for _, stream := range split(evs) {
		st, ok, err := FoldLocation(stream)
		if err != nil {
			return nil, err
		}
		if !ok || (st.Deleted && !withDeleted) {
			continue
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// split groups events by aggregate id, keeping each group's order. Input
// need not be sorted by aggregate.
func split(evs []events.Event) [][]events.Event {
	idx := map[string]int{}
	var out [][]events.Event
	for _, ev := range evs {
		i, ok := idx[ev.AggregateID]
		if !ok {
			i = len(out)
			idx[ev.AggregateID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], ev)
	}
	for _, s := range out {
		sort.SliceStable(s, func(a, b int) bool { return s[a].Version < s[b].Version })
	}
	return out
}

func copyExtra(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mergeExtra overlays patch on base. A nil value removes the key.
func mergeExtra(base, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return base
	}
	out := copyExtra(base)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

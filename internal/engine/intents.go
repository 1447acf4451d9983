package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/shelf/internal/eventlog"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/projector"
	"github.com/marcus/shelf/internal/store"
)

// AnyVersion skips the expected-version check of an intent.
const AnyVersion = 0

// mutation is one intent against a single aggregate, run in a transaction.
type mutation struct {
	id       string
	at       events.AggregateType
	expected int
	payload  events.Payload
	// check inspects the aggregate's stream before the append.
	check func(ctx context.Context, tx store.Querier, stream []events.Event) error
}

func (e *Engine) apply(ctx context.Context, m mutation) (events.Event, error) {
	if err := e.session(); err != nil {
		return events.Event{}, err
	}
	ev, err := events.New(m.id, m.payload)
	if err != nil {
		return events.Event{}, fmt.Errorf("%w: %w", ErrInvalidIntent, err)
	}

	var out events.Event
	err = e.store.WithTx(ctx, func(tx store.Querier) error {
		stream, err := eventlog.StreamFor(ctx, tx, m.id)
		if err != nil {
			return err
		}
		cur := 0
		if n := len(stream); n > 0 {
			cur = stream[n-1].Version
			if stream[0].AggregateType != m.at {
				return fmt.Errorf("%w: %s %s", ErrNotFound, m.at, m.id)
			}
		}
		if ev.Type != events.Created && cur == 0 {
			return fmt.Errorf("%w: %s %s", ErrNotFound, m.at, m.id)
		}
		if m.expected != AnyVersion && m.expected != cur {
			return &eventlog.ConcurrencyError{AggregateID: m.id, Attempted: m.expected + 1, Current: cur}
		}
		if m.check != nil {
			if err := m.check(ctx, tx, stream); err != nil {
				return err
			}
		}
		ev.Version = cur + 1
		out, err = eventlog.AppendLocal(ctx, tx, e.deviceID, ev)
		return err
	})
	if err != nil {
		return events.Event{}, err
	}
	e.log.Debug("intent applied", "aggregate", m.id, "type", ev.Type, "version", out.Version)
	return out, nil
}

// liveItem folds stream and fails when the item is missing or deleted.
func liveItem(stream []events.Event) (models.ItemState, error) {
	st, ok, err := projector.FoldItem(stream)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, ErrNotFound
	}
	if st.Deleted {
		return st, fmt.Errorf("%w: item %s", ErrDeleted, st.ID)
	}
	return st, nil
}

func liveLocation(stream []events.Event) (models.LocationState, error) {
	st, ok, err := projector.FoldLocation(stream)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, ErrNotFound
	}
	if st.Deleted {
		return st, fmt.Errorf("%w: location %s", ErrDeleted, st.ID)
	}
	return st, nil
}

func arena(ctx context.Context, q store.Querier) (*projector.Arena, error) {
	evs, err := eventlog.StreamsFor(ctx, q, events.AggregateLocation)
	if err != nil {
		return nil, err
	}
	locs, err := projector.Locations(evs, false)
	if err != nil {
		return nil, err
	}
	return projector.NewArena(locs), nil
}

func requireLocation(ctx context.Context, q store.Querier, id string) error {
	if id == "" {
		return nil
	}
	a, err := arena(ctx, q)
	if err != nil {
		return err
	}
	if _, ok := a.Get(id); !ok {
		return fmt.Errorf("%w: %w: %s", ErrInvalidIntent, projector.ErrUnknownLocation, id)
	}
	return nil
}

// CreateItem records a new item and returns its projected state.
func (e *Engine) CreateItem(ctx context.Context, f events.ItemFields) (models.ItemState, error) {
	id := events.NewID()
	_, err := e.apply(ctx, mutation{
		id:      id,
		at:      events.AggregateItem,
		payload: events.ItemCreated{ItemFields: f},
		check: func(ctx context.Context, tx store.Querier, stream []events.Event) error {
			return requireLocation(ctx, tx, f.LocationID)
		},
	})
	if err != nil {
		return models.ItemState{}, err
	}
	return e.Item(ctx, id)
}

// UpdateItem patches an item at the expected version.
func (e *Engine) UpdateItem(ctx context.Context, id string, expected int, patch events.ItemUpdated) (models.ItemState, error) {
	_, err := e.apply(ctx, mutation{
		id:       id,
		at:       events.AggregateItem,
		expected: expected,
		payload:  patch,
		check: func(ctx context.Context, tx store.Querier, stream []events.Event) error {
			if _, err := liveItem(stream); err != nil {
				return err
			}
			if patch.LocationID != nil {
				return requireLocation(ctx, tx, *patch.LocationID)
			}
			return nil
		},
	})
	if err != nil {
		return models.ItemState{}, err
	}
	return e.Item(ctx, id)
}

// DeleteItem ends an item at the expected version.
func (e *Engine) DeleteItem(ctx context.Context, id string, expected int, reason string) error {
	_, err := e.apply(ctx, mutation{
		id:       id,
		at:       events.AggregateItem,
		expected: expected,
		payload:  events.ItemDeleted{Reason: reason},
		check: func(ctx context.Context, tx store.Querier, stream []events.Event) error {
			_, err := liveItem(stream)
			return err
		},
	})
	return err
}

// CreateLocation records a new location, optionally under a parent.
func (e *Engine) CreateLocation(ctx context.Context, f events.LocationFields) (models.LocationState, error) {
	id := events.NewID()
	_, err := e.apply(ctx, mutation{
		id:      id,
		at:      events.AggregateLocation,
		payload: events.LocationCreated{LocationFields: f},
		check: func(ctx context.Context, tx store.Querier, stream []events.Event) error {
			return requireLocation(ctx, tx, f.ParentID)
		},
	})
	if err != nil {
		return models.LocationState{}, err
	}
	return e.Location(ctx, id)
}

// UpdateLocation patches a location's name, notes or extra fields.
func (e *Engine) UpdateLocation(ctx context.Context, id string, expected int, patch events.LocationUpdated) (models.LocationState, error) {
	_, err := e.apply(ctx, mutation{
		id:       id,
		at:       events.AggregateLocation,
		expected: expected,
		payload:  patch,
		check: func(ctx context.Context, tx store.Querier, stream []events.Event) error {
			_, err := liveLocation(stream)
			return err
		},
	})
	if err != nil {
		return models.LocationState{}, err
	}
	return e.Location(ctx, id)
}

// MoveLocation reparents a location. A move under itself or one of its
// descendants fails with projector.ErrCycle.
func (e *Engine) MoveLocation(ctx context.Context, id string, expected int, parentID string) (models.LocationState, error) {
	_, err := e.apply(ctx, mutation{
		id:       id,
		at:       events.AggregateLocation,
		expected: expected,
		payload:  events.LocationMoved{ParentID: parentID},
		check: func(ctx context.Context, tx store.Querier, stream []events.Event) error {
			if _, err := liveLocation(stream); err != nil {
				return err
			}
			a, err := arena(ctx, tx)
			if err != nil {
				return err
			}
			if err := a.ValidateParent(id, parentID); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidIntent, err)
			}
			return nil
		},
	})
	if err != nil {
		return models.LocationState{}, err
	}
	return e.Location(ctx, id)
}

// ErrNotEmpty is returned when deleting a location that still holds
// items or child locations.
var ErrNotEmpty = errors.New("location is not empty")

// DeleteLocation ends a location. It must hold no live items or children.
func (e *Engine) DeleteLocation(ctx context.Context, id string, expected int) error {
	_, err := e.apply(ctx, mutation{
		id:       id,
		at:       events.AggregateLocation,
		expected: expected,
		payload:  events.LocationDeleted{},
		check: func(ctx context.Context, tx store.Querier, stream []events.Event) error {
			if _, err := liveLocation(stream); err != nil {
				return err
			}
			a, err := arena(ctx, tx)
			if err != nil {
				return err
			}
			if n := len(a.Children(id)); n > 0 {
				return fmt.Errorf("%w: %w: %d child locations", ErrInvalidIntent, ErrNotEmpty, n)
			}
			evs, err := eventlog.StreamsFor(ctx, tx, events.AggregateItem)
			if err != nil {
				return err
			}
			items, err := projector.Items(evs, false)
			if err != nil {
				return err
			}
			for _, it := range items {
				if it.LocationID == id {
					return fmt.Errorf("%w: %w: holds item %s", ErrInvalidIntent, ErrNotEmpty, it.ID)
				}
			}
			return nil
		},
	})
	return err
}

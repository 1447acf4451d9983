package conflict

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marcus/shelf/internal/events"
)

// Strategy names
const (
	StrategyLWW        = "last_writer_wins"
	StrategyFieldMerge = "field_merge"
)

// Strategy decides the outcome of a concurrent pair. Implementations must
// be deterministic and symmetric: swapping Local and Remote must not change
// the result.
type Strategy interface {
	Name() string
	Resolve(p Pair) (Outcome, error)
}

// Winner orders two events by wall-clock timestamp, then device id, then
// event id, and returns the later one.
func Winner(a, b events.Event) events.Event {
	switch {
	case a.Timestamp.After(b.Timestamp):
		return a
	case b.Timestamp.After(a.Timestamp):
		return b
	}
	if c := strings.Compare(a.DeviceID, b.DeviceID); c != 0 {
		if c > 0 {
			return a
		}
		return b
	}
	if a.ID > b.ID {
		return a
	}
	return b
}

// LastWriterWins keeps the later event's change whole.
type LastWriterWins struct{}

func (LastWriterWins) Name() string { return StrategyLWW }

func (LastWriterWins) Resolve(p Pair) (Outcome, error) {
	w := Winner(p.Local, p.Remote)
	return Outcome{Type: w.Type, Data: w.Data}, nil
}

// FieldMerge combines two concurrent updates key by key, taking the later
// writer's value where both touched the same field. Any other combination
// falls back to last-writer-wins.
type FieldMerge struct{}

func (FieldMerge) Name() string { return StrategyFieldMerge }

func (FieldMerge) Resolve(p Pair) (Outcome, error) {
	if p.Local.Type != events.Updated || p.Remote.Type != events.Updated {
		return LastWriterWins{}.Resolve(p)
	}
	w := Winner(p.Local, p.Remote)
	l := p.Local
	if w.ID == p.Local.ID {
		l = p.Remote
	}

	var winner, loser map[string]any
	if err := json.Unmarshal(w.Data, &winner); err != nil {
		return Outcome{}, fmt.Errorf("decode %s: %w", w.ID, err)
	}
	if err := json.Unmarshal(l.Data, &loser); err != nil {
		return Outcome{}, fmt.Errorf("decode %s: %w", l.ID, err)
	}
	merged := mergeMaps(loser, winner)
	data, err := json.Marshal(merged)
	if err != nil {
		return Outcome{}, err
	}
	// Round-trip through the typed payload so the result is valid.
	if _, err := events.Decode(w.AggregateType, events.Updated, data); err != nil {
		return Outcome{}, err
	}
	return Outcome{Type: events.Updated, Data: data}, nil
}

// mergeMaps overlays top on base. Nested objects merge recursively.
func mergeMaps(base, top map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		bm, bok := out[k].(map[string]any)
		tm, tok := v.(map[string]any)
		if bok && tok {
			out[k] = mergeMaps(bm, tm)
			continue
		}
		out[k] = v
	}
	return out
}

// Policy selects a strategy per aggregate type.
type Policy struct {
	Default Strategy
	ByType  map[events.AggregateType]Strategy
}

// DefaultPolicy resolves everything with last-writer-wins.
func DefaultPolicy() Policy {
	return Policy{Default: LastWriterWins{}}
}

// For returns the strategy for an aggregate type.
func (p Policy) For(at events.AggregateType) Strategy {
	if s, ok := p.ByType[at]; ok && s != nil {
		return s
	}
	if p.Default != nil {
		return p.Default
	}
	return LastWriterWins{}
}

// ByName returns the strategy registered under name.
func ByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "lww", StrategyLWW:
		return LastWriterWins{}, nil
	case "merge", StrategyFieldMerge:
		return FieldMerge{}, nil
	}
	return nil, fmt.Errorf("unknown conflict strategy %q", name)
}

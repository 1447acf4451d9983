package projector

import (
	"errors"
	"fmt"
	"sort"

	"github.com/marcus/shelf/internal/models"
)

var (
	// ErrCycle is returned when a move would make a location its own ancestor.
	ErrCycle = errors.New("location cycle")
	// ErrUnknownLocation is returned for references to missing or deleted locations.
	ErrUnknownLocation = errors.New("unknown location")
)

// Arena holds the live location hierarchy keyed by id. Parents are id
// references, never pointers.
type Arena struct {
	nodes map[string]models.LocationState
}

// NewArena builds the hierarchy from live locations. Parents that are
// missing are treated as root. Cycles that arrived through concurrent
// moves on different devices are broken by detaching the smallest id in
// the cycle, so every replica settles on the same tree.
func NewArena(locs []models.LocationState) *Arena {
	a := &Arena{nodes: make(map[string]models.LocationState, len(locs))}
	for _, l := range locs {
		if l.Deleted {
			continue
		}
		a.nodes[l.ID] = l
	}
	for id, n := range a.nodes {
		if _, ok := a.nodes[n.ParentID]; n.ParentID != "" && !ok {
			n.ParentID = ""
			a.nodes[id] = n
		}
	}
	ids := a.sortedIDs()
	for _, id := range ids {
		if cyc := a.cycleFrom(id); len(cyc) > 0 {
			sort.Strings(cyc)
			n := a.nodes[cyc[0]]
			n.ParentID = ""
			a.nodes[cyc[0]] = n
		}
	}
	return a
}

func (a *Arena) sortedIDs() []string {
	ids := make([]string, 0, len(a.nodes))
	for id := range a.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// cycleFrom walks up from id and returns the members of the cycle it
// runs into, if any.
func (a *Arena) cycleFrom(id string) []string {
	seen := map[string]int{}
	var path []string
	for cur := id; cur != ""; cur = a.nodes[cur].ParentID {
		if i, ok := seen[cur]; ok {
			return append([]string(nil), path[i:]...)
		}
		seen[cur] = len(path)
		path = append(path, cur)
	}
	return nil
}

// Get returns a live location.
func (a *Arena) Get(id string) (models.LocationState, bool) {
	n, ok := a.nodes[id]
	return n, ok
}

// Len returns the number of live locations.
func (a *Arena) Len() int { return len(a.nodes) }

// ValidateParent checks that id may be placed under parent: the parent
// must exist and must not be id or one of id's descendants. An empty
// parent means root and is always valid.
func (a *Arena) ValidateParent(id, parent string) error {
	if parent == "" {
		return nil
	}
	if _, ok := a.nodes[parent]; !ok {
		return fmt.Errorf("%w: parent %s", ErrUnknownLocation, parent)
	}
	for cur := parent; cur != ""; cur = a.nodes[cur].ParentID {
		if cur == id {
			return fmt.Errorf("%w: %s is an ancestor of %s", ErrCycle, id, parent)
		}
	}
	return nil
}

// Path returns the chain from the root down to id, inclusive.
func (a *Arena) Path(id string) ([]models.LocationState, error) {
	if _, ok := a.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLocation, id)
	}
	var rev []models.LocationState
	for cur := id; cur != ""; cur = a.nodes[cur].ParentID {
		rev = append(rev, a.nodes[cur])
	}
	out := make([]models.LocationState, len(rev))
	for i, n := range rev {
		out[len(rev)-1-i] = n
	}
	return out, nil
}

// Children returns the direct children of id ("" for roots), sorted by name.
func (a *Arena) Children(id string) []models.LocationState {
	var out []models.LocationState
	for _, n := range a.nodes {
		if n.ParentID == id {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Descendants returns every location below id.
func (a *Arena) Descendants(id string) []models.LocationState {
	var out []models.LocationState
	for _, c := range a.Children(id) {
		out = append(out, c)
		out = append(out, a.Descendants(c.ID)...)
	}
	return out
}

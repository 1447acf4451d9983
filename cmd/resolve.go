package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/marcus/shelf/internal/engine"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
)

// resolveItemID accepts a full id or a unique prefix of a live item's id.
func resolveItemID(ctx context.Context, e *engine.Engine, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if events.IsID(ref) {
		return ref, nil
	}
	items, err := e.Items(ctx)
	if err != nil {
		return "", err
	}
	var ids []string
	for _, it := range items {
		if strings.HasPrefix(it.ID, ref) {
			ids = append(ids, it.ID)
		}
	}
	return pickOne("item", ref, ids)
}

// resolveLocationID accepts a full id, a unique id prefix or an exact
// (case-insensitive) name of a live location.
func resolveLocationID(ctx context.Context, e *engine.Engine, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || events.IsID(ref) {
		return ref, nil
	}
	locs, err := e.Locations(ctx)
	if err != nil {
		return "", err
	}
	var byName, byPrefix []string
	for _, l := range locs {
		if strings.EqualFold(l.Name, ref) {
			byName = append(byName, l.ID)
		}
		if strings.HasPrefix(l.ID, ref) {
			byPrefix = append(byPrefix, l.ID)
		}
	}
	if len(byName) > 0 {
		return pickOne("location", ref, byName)
	}
	return pickOne("location", ref, byPrefix)
}

func pickOne(kind, ref string, ids []string) (string, error) {
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("%w: no %s matches %q", engine.ErrNotFound, kind, ref)
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("%w: %q matches %d %ss", engine.ErrInvalidIntent, ref, len(ids), kind)
}

// locationNames maps location ids to names for list output.
func locationNames(locs []models.LocationState) map[string]string {
	m := make(map[string]string, len(locs))
	for _, l := range locs {
		m[l.ID] = l.Name
	}
	return m
}

// parseExtra turns key=value pairs into a map. Values stay strings.
func parseExtra(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: extra field %q: want key=value", engine.ErrInvalidIntent, p)
		}
		out[k] = v
	}
	return out, nil
}

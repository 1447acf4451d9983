package events

import "strings"

// AggregateType names the kind of entity a stream describes.
type AggregateType string

// EventType names what happened to an aggregate.
type EventType string

// Canonical aggregate types
const (
	AggregateItem     AggregateType = "InventoryItem"
	AggregateLocation AggregateType = "StorageLocation"
)

// Canonical event types
const (
	Created EventType = "Created"
	Updated EventType = "Updated"
	Deleted EventType = "Deleted"
	Moved   EventType = "Moved"
)

// AllAggregateTypes returns all valid aggregate types.
func AllAggregateTypes() map[AggregateType]bool {
	return map[AggregateType]bool{
		AggregateItem:     true,
		AggregateLocation: true,
	}
}

// IsValidAggregateType checks if the given aggregate type string is valid.
func IsValidAggregateType(at string) bool {
	return AllAggregateTypes()[AggregateType(at)]
}

// NormalizeAggregateType maps user-facing spellings to the canonical type.
// Handles singular, plural and short forms.
func NormalizeAggregateType(s string) (AggregateType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "item", "items", "inventoryitem", "inventory_item":
		return AggregateItem, true
	case "location", "locations", "loc", "storagelocation", "storage_location":
		return AggregateLocation, true
	default:
		return "", false
	}
}

// ValidTypeEvents defines which event types each aggregate type accepts.
func ValidTypeEvents() map[AggregateType]map[EventType]bool {
	return map[AggregateType]map[EventType]bool{
		AggregateItem: {
			Created: true,
			Updated: true,
			Deleted: true,
		},
		AggregateLocation: {
			Created: true,
			Updated: true,
			Moved:   true,
			Deleted: true,
		},
	}
}

// IsValidCombination checks if an aggregate type accepts an event type.
func IsValidCombination(at AggregateType, et EventType) bool {
	return ValidTypeEvents()[at][et]
}

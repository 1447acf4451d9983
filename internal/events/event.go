// Package events defines the immutable event envelope stored in the log
// and the closed set of payloads each aggregate type accepts.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/shelf/internal/vclock"
)

// Event is one immutable fact about an aggregate.
// (AggregateID, Version) is unique within a log.
type Event struct {
	ID            string          `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType AggregateType   `json:"aggregate_type"`
	Type          EventType       `json:"event_type"`
	Data          json.RawMessage `json:"event_data"`
	Clock         vclock.Clock    `json:"vector_clock"`
	DeviceID      string          `json:"device_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
}

// NewID returns a time-ordered unique id for events and aggregates.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// IsID reports whether s parses as a 128-bit identifier.
func IsID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}

// New builds an unstamped event for aggregateID carrying p. The log fills
// in Version, and the writer fills in Clock, DeviceID and Timestamp.
func New(aggregateID string, p Payload) (Event, error) {
	at, et, data, err := Encode(p)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:            NewID(),
		AggregateID:   aggregateID,
		AggregateType: at,
		Type:          et,
		Data:          data,
	}, nil
}

// Payload decodes the event's data into its typed form.
func (e Event) Payload() (Payload, error) {
	return Decode(e.AggregateType, e.Type, e.Data)
}

// SameContent reports whether two events describe the same change.
// Concurrent events with the same content have already converged.
func SameContent(a, b Event) bool {
	if a.AggregateID != b.AggregateID || a.AggregateType != b.AggregateType || a.Type != b.Type {
		return false
	}
	pa, errA := a.Payload()
	pb, errB := b.Payload()
	if errA != nil || errB != nil {
		return string(a.Data) == string(b.Data)
	}
	ja, _ := json.Marshal(pa)
	jb, _ := json.Marshal(pb)
	return string(ja) == string(jb)
}

package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrInvalidPayload is returned when a payload fails validation.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnknownEventType is returned for an aggregate/event pair with no payload type.
	ErrUnknownEventType = errors.New("unknown event type")
)

// Payload is the closed set of event bodies. Only types in this package
// implement it. Decode always yields value types.
type Payload interface {
	Kind() (AggregateType, EventType)
	validate() error
	normalized() Payload
}

// ItemFields is the full field set of an inventory item.
type ItemFields struct {
	Title      string         `json:"title"`
	Notes      string         `json:"notes,omitempty"`
	Category   string         `json:"category,omitempty"`
	Barcode    string         `json:"barcode,omitempty"`
	Quantity   int            `json:"quantity"`
	Price      *float64       `json:"price,omitempty"`
	LocationID string         `json:"location_id,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// ItemCreated starts an item stream.
type ItemCreated struct {
	ItemFields
}

// ItemUpdated patches an item. Nil fields are unchanged; an empty
// LocationID pointer clears the location. Extra keys are merged.
type ItemUpdated struct {
	Title      *string        `json:"title,omitempty"`
	Notes      *string        `json:"notes,omitempty"`
	Category   *string        `json:"category,omitempty"`
	Barcode    *string        `json:"barcode,omitempty"`
	Quantity   *int           `json:"quantity,omitempty"`
	Price      *float64       `json:"price,omitempty"`
	LocationID *string        `json:"location_id,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// ItemDeleted ends an item stream.
type ItemDeleted struct {
	Reason string `json:"reason,omitempty"`
}

// LocationFields is the full field set of a storage location.
type LocationFields struct {
	Name     string         `json:"name"`
	Notes    string         `json:"notes,omitempty"`
	ParentID string         `json:"parent_id,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// LocationCreated starts a location stream.
type LocationCreated struct {
	LocationFields
}

// LocationUpdated patches a location's descriptive fields.
type LocationUpdated struct {
	Name  *string        `json:"name,omitempty"`
	Notes *string        `json:"notes,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

// LocationMoved reparents a location. Empty ParentID moves it to the root.
type LocationMoved struct {
	ParentID string `json:"parent_id"`
}

// LocationDeleted ends a location stream.
type LocationDeleted struct{}

func (ItemCreated) Kind() (AggregateType, EventType)     { return AggregateItem, Created }
func (ItemUpdated) Kind() (AggregateType, EventType)     { return AggregateItem, Updated }
func (ItemDeleted) Kind() (AggregateType, EventType)     { return AggregateItem, Deleted }
func (LocationCreated) Kind() (AggregateType, EventType) { return AggregateLocation, Created }
func (LocationUpdated) Kind() (AggregateType, EventType) { return AggregateLocation, Updated }
func (LocationMoved) Kind() (AggregateType, EventType)   { return AggregateLocation, Moved }
func (LocationDeleted) Kind() (AggregateType, EventType) { return AggregateLocation, Deleted }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

func (p ItemCreated) validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return invalid("item title is required")
	}
	if p.Quantity < 0 {
		return invalid("quantity must not be negative")
	}
	if p.Price != nil && *p.Price < 0 {
		return invalid("price must not be negative")
	}
	return nil
}

func (p ItemUpdated) validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return invalid("item title must not be blank")
	}
	if p.Quantity != nil && *p.Quantity < 0 {
		return invalid("quantity must not be negative")
	}
	if p.Price != nil && *p.Price < 0 {
		return invalid("price must not be negative")
	}
	if p.IsEmpty() {
		return invalid("update changes nothing")
	}
	return nil
}

// IsEmpty reports whether the patch sets no field.
func (p ItemUpdated) IsEmpty() bool {
	return p.Title == nil && p.Notes == nil && p.Category == nil && p.Barcode == nil &&
		p.Quantity == nil && p.Price == nil && p.LocationID == nil && len(p.Extra) == 0
}

func (ItemDeleted) validate() error { return nil }

func (p LocationCreated) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("location name is required")
	}
	return nil
}

func (p LocationUpdated) validate() error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return invalid("location name must not be blank")
	}
	if p.Name == nil && p.Notes == nil && len(p.Extra) == 0 {
		return invalid("update changes nothing")
	}
	return nil
}

func (LocationMoved) validate() error   { return nil }
func (LocationDeleted) validate() error { return nil }

func nfc(s string) string { return norm.NFC.String(s) }

func nfcPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := nfc(*s)
	return &v
}

func (p ItemCreated) normalized() Payload {
	p.Title = nfc(strings.TrimSpace(p.Title))
	p.Notes = nfc(p.Notes)
	p.Category = nfc(strings.TrimSpace(p.Category))
	p.Barcode = strings.TrimSpace(p.Barcode)
	return p
}

func (p ItemUpdated) normalized() Payload {
	if p.Title != nil {
		t := strings.TrimSpace(*p.Title)
		p.Title = &t
	}
	p.Title = nfcPtr(p.Title)
	p.Notes = nfcPtr(p.Notes)
	p.Category = nfcPtr(p.Category)
	return p
}

func (p ItemDeleted) normalized() Payload {
	p.Reason = nfc(p.Reason)
	return p
}

func (p LocationCreated) normalized() Payload {
	p.Name = nfc(strings.TrimSpace(p.Name))
	p.Notes = nfc(p.Notes)
	return p
}

func (p LocationUpdated) normalized() Payload {
	if p.Name != nil {
		n := strings.TrimSpace(*p.Name)
		p.Name = &n
	}
	p.Name = nfcPtr(p.Name)
	p.Notes = nfcPtr(p.Notes)
	return p
}

func (p LocationMoved) normalized() Payload   { return p }
func (p LocationDeleted) normalized() Payload { return p }

// Encode validates p, normalizes its text to NFC and serializes it.
func Encode(p Payload) (AggregateType, EventType, []byte, error) {
	if p == nil {
		return "", "", nil, invalid("nil payload")
	}
	p = p.normalized()
	if err := p.validate(); err != nil {
		return "", "", nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", "", nil, fmt.Errorf("encode payload: %w", err)
	}
	at, et := p.Kind()
	return at, et, data, nil
}

// Decode parses data into the payload type registered for (at, et).
func Decode(at AggregateType, et EventType, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch {
	case at == AggregateItem && et == Created:
		var v ItemCreated
		err = json.Unmarshal(data, &v)
		p = v
	case at == AggregateItem && et == Updated:
		var v ItemUpdated
		err = json.Unmarshal(data, &v)
		p = v
	case at == AggregateItem && et == Deleted:
		var v ItemDeleted
		err = unmarshalOptional(data, &v)
		p = v
	case at == AggregateLocation && et == Created:
		var v LocationCreated
		err = json.Unmarshal(data, &v)
		p = v
	case at == AggregateLocation && et == Updated:
		var v LocationUpdated
		err = json.Unmarshal(data, &v)
		p = v
	case at == AggregateLocation && et == Moved:
		var v LocationMoved
		err = json.Unmarshal(data, &v)
		p = v
	case at == AggregateLocation && et == Deleted:
		var v LocationDeleted
		err = unmarshalOptional(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownEventType, at, et)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s/%s: %v", ErrInvalidPayload, at, et, err)
	}
	return p, nil
}

func unmarshalOptional(data []byte, v any) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

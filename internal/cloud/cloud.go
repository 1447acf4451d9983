// Package cloud defines the push/pull contract between the local event log
// and a remote store, the connection state machine every adapter shares,
// and per-event delivery bookkeeping.
package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
)

// State is the connection state of a gateway.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Syncing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Syncing:
		return "syncing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrNotConnected is returned by any gateway operation attempted
	// outside the connected or syncing states.
	ErrNotConnected = errors.New("cloud gateway not connected")
	// ErrAlreadyConnected is returned by Connect without an intervening Disconnect.
	ErrAlreadyConnected = errors.New("cloud gateway already connected")
	// ErrUnavailable is returned by transports that cannot reach the remote.
	ErrUnavailable = errors.New("cloud remote unavailable")
)

// SyncError wraps a transport failure with the operation that hit it.
type SyncError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("cloud %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Rejection is one event the remote refused.
type Rejection struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// PushResult reports a batch push. Accepted and Rejected list event ids
// individually so bookkeeping can be updated per event.
type PushResult struct {
	SuccessCount    int         `json:"success_count"`
	FailureCount    int         `json:"failure_count"`
	ServerTimestamp int64       `json:"server_timestamp"`
	Accepted        []string    `json:"accepted"`
	Rejected        []Rejection `json:"rejected,omitempty"`
}

// PullResult is one page of remote events. ServerTimestamp is the cursor
// to pass as since for the next page.
type PullResult struct {
	Events          []events.Event `json:"events"`
	HasMore         bool           `json:"has_more"`
	ServerTimestamp int64          `json:"server_timestamp"`
}

// Update is a push notification carrying newly stored remote events.
type Update struct {
	Events          []events.Event `json:"events"`
	ServerTimestamp int64          `json:"server_timestamp"`
}

// CloudConflict pairs a local event with a remote one it raced against.
type CloudConflict struct {
	Local  events.Event `json:"local"`
	Remote events.Event `json:"remote"`
}

// Gateway is the contract the sync engine talks to.
type Gateway interface {
	Provider() string
	State() State
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	TestConnection(ctx context.Context) error
	PushEvents(ctx context.Context, batch []events.Event) (PushResult, error)
	PullEvents(ctx context.Context, since int64, limit int) (PullResult, error)
	SubscribeToUpdates(ctx context.Context) (*Subscription, error)
	UnsubscribeFromUpdates()
	ResolveConflicts(ctx context.Context, conflicts []CloudConflict) ([]events.Event, error)
	RegisterDevice(ctx context.Context, d models.Device) error
	GetConnectedDevices(ctx context.Context) ([]models.Device, error)
}

// Transport is what a concrete adapter implements. Client layers the state
// machine and error wrapping on top.
type Transport interface {
	Name() string
	Ping(ctx context.Context) error
	Push(ctx context.Context, deviceID string, batch []events.Event) (PushResult, error)
	Pull(ctx context.Context, deviceID string, since int64, limit int) (PullResult, error)
	// Subscribe blocks delivering updates to fn until ctx ends or the
	// stream fails.
	Subscribe(ctx context.Context, deviceID string, fn func(Update)) error
	RegisterDevice(ctx context.Context, d models.Device) error
	Devices(ctx context.Context) ([]models.Device, error)
}

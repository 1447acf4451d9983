package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marcus/shelf/internal/conflict"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/vclock"
)

// DefaultPullLimit is used when PullEvents is called with limit <= 0.
const DefaultPullLimit = 500

// Client implements Gateway over a Transport.
type Client struct {
	transport Transport
	deviceID  string
	policy    conflict.Policy

	mu       sync.Mutex
	state    State
	inflight int
	sub      *Subscription
}

// NewClient returns a disconnected gateway for deviceID.
func NewClient(t Transport, deviceID string, policy conflict.Policy) *Client {
	return &Client{transport: t, deviceID: deviceID, policy: policy}
}

var _ Gateway = (*Client)(nil)

func (c *Client) Provider() string { return c.transport.Name() }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect moves disconnected -> connecting -> connected. A failed ping
// returns to disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Connected, Syncing:
		c.mu.Unlock()
		return ErrAlreadyConnected
	case Connecting:
		c.mu.Unlock()
		return fmt.Errorf("%w: connect in progress", ErrAlreadyConnected)
	}
	c.state = Connecting
	c.mu.Unlock()

	err := c.transport.Ping(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = Disconnected
		return &SyncError{Op: "connect", Retryable: true, Err: err}
	}
	c.state = Connected
	slog.Debug("cloud connected", "provider", c.transport.Name(), "device", c.deviceID)
	return nil
}

// Disconnect ends any subscription and returns to disconnected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.UnsubscribeFromUpdates()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Disconnected {
		return ErrNotConnected
	}
	c.state = Disconnected
	return nil
}

// TestConnection pings the remote without changing state.
func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.require(); err != nil {
		return err
	}
	if err := c.transport.Ping(ctx); err != nil {
		return &SyncError{Op: "test connection", Retryable: true, Err: err}
	}
	return nil
}

func (c *Client) require() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected && c.state != Syncing {
		return ErrNotConnected
	}
	return nil
}

// begin marks a transfer in flight; the returned func ends it.
func (c *Client) begin() (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected && c.state != Syncing {
		return nil, ErrNotConnected
	}
	c.inflight++
	c.state = Syncing
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.inflight--
		if c.inflight == 0 && c.state == Syncing {
			c.state = Connected
		}
	}, nil
}

// PushEvents sends a batch. A transport error fails the whole batch;
// per-event rejections come back in the result.
func (c *Client) PushEvents(ctx context.Context, batch []events.Event) (PushResult, error) {
	done, err := c.begin()
	if err != nil {
		return PushResult{}, err
	}
	defer done()

	if len(batch) == 0 {
		return PushResult{}, nil
	}
	res, err := c.transport.Push(ctx, c.deviceID, batch)
	if err != nil {
		return PushResult{}, &SyncError{Op: "push", Retryable: retryable(err), Err: err}
	}
	res.SuccessCount = len(res.Accepted)
	res.FailureCount = len(res.Rejected)
	return res, nil
}

// PullEvents fetches one page of remote events newer than since.
func (c *Client) PullEvents(ctx context.Context, since int64, limit int) (PullResult, error) {
	done, err := c.begin()
	if err != nil {
		return PullResult{}, err
	}
	defer done()

	if limit <= 0 {
		limit = DefaultPullLimit
	}
	res, err := c.transport.Pull(ctx, c.deviceID, since, limit)
	if err != nil {
		return PullResult{}, &SyncError{Op: "pull", Retryable: retryable(err), Err: err}
	}
	return res, nil
}

// SubscribeToUpdates starts a background listener. Only one subscription
// is active per client; a second call replaces the first.
func (c *Client) SubscribeToUpdates(ctx context.Context) (*Subscription, error) {
	if err := c.require(); err != nil {
		return nil, err
	}
	c.UnsubscribeFromUpdates()

	sub := newSubscription(ctx)
	go func() {
		err := c.transport.Subscribe(sub.ctx, c.deviceID, sub.deliver)
		if err != nil && sub.ctx.Err() == nil {
			sub.finish(&SyncError{Op: "subscribe", Retryable: retryable(err), Err: err})
			return
		}
		sub.finish(nil)
	}()

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return sub, nil
}

// UnsubscribeFromUpdates stops the active listener, if any. Safe to call
// at any time, including concurrently with delivery.
func (c *Client) UnsubscribeFromUpdates() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// ResolveConflicts computes the outcome for each pair using the client's
// policy. The results are unstamped: callers append them locally.
func (c *Client) ResolveConflicts(ctx context.Context, conflicts []CloudConflict) ([]events.Event, error) {
	if err := c.require(); err != nil {
		return nil, err
	}
	out := make([]events.Event, 0, len(conflicts))
	for _, cc := range conflicts {
		if cc.Local.AggregateID != cc.Remote.AggregateID {
			return nil, fmt.Errorf("resolve conflicts: aggregate mismatch %s/%s", cc.Local.AggregateID, cc.Remote.AggregateID)
		}
		s := c.policy.For(cc.Local.AggregateType)
		o, err := s.Resolve(conflict.Pair{Local: cc.Local, Remote: cc.Remote})
		if err != nil {
			return nil, err
		}
		out = append(out, events.Event{
			ID:            events.NewID(),
			AggregateID:   cc.Local.AggregateID,
			AggregateType: cc.Local.AggregateType,
			Type:          o.Type,
			Data:          o.Data,
			Clock:         vclock.Merge(cc.Local.Clock, cc.Remote.Clock),
		})
	}
	return out, nil
}

func (c *Client) RegisterDevice(ctx context.Context, d models.Device) error {
	if err := c.require(); err != nil {
		return err
	}
	if err := c.transport.RegisterDevice(ctx, d); err != nil {
		return &SyncError{Op: "register device", Retryable: retryable(err), Err: err}
	}
	return nil
}

func (c *Client) GetConnectedDevices(ctx context.Context) ([]models.Device, error) {
	if err := c.require(); err != nil {
		return nil, err
	}
	ds, err := c.transport.Devices(ctx)
	if err != nil {
		return nil, &SyncError{Op: "list devices", Retryable: retryable(err), Err: err}
	}
	return ds, nil
}

// RetryableError lets transports mark their own errors.
type RetryableError interface {
	Retryable() bool
}

func retryable(err error) bool {
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

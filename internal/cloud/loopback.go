package cloud

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
)

// Hub is an in-process remote store shared by loopback transports. It
// assigns strictly increasing server timestamps, keeps a device directory
// and fans new events out to subscribers.
type Hub struct {
	mu      sync.Mutex
	log     []hubEvent
	byID    map[string]int64
	devices map[string]models.Device
	subs    map[int]*hubSub
	nextSub int
	lastTS  int64
	offline bool

	// Reject, when set, may refuse individual events with a reason.
	Reject func(events.Event) string
}

type hubEvent struct {
	ev events.Event
	ts int64
}

type hubSub struct {
	deviceID string
	ch       chan Update
	done     chan error
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		byID:    map[string]int64{},
		devices: map[string]models.Device{},
		subs:    map[int]*hubSub{},
	}
}

// SetOffline makes every transport call fail with ErrUnavailable.
func (h *Hub) SetOffline(off bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offline = off
}

// Drop terminates every subscription with err.
func (h *Hub) Drop(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		s.done <- err
		delete(h.subs, id)
	}
}

// Len returns the number of stored events.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.log)
}

func (h *Hub) tick() int64 {
	ts := time.Now().UnixMicro()
	if ts <= h.lastTS {
		ts = h.lastTS + 1
	}
	h.lastTS = ts
	return ts
}

// Loopback is a Transport backed by a Hub.
type Loopback struct {
	hub      *Hub
	provider string
}

// NewLoopback returns a transport named provider that talks to hub.
func NewLoopback(hub *Hub, provider string) *Loopback {
	return &Loopback{hub: hub, provider: provider}
}

var _ Transport = (*Loopback)(nil)

func (l *Loopback) Name() string { return l.provider }

func (l *Loopback) Ping(ctx context.Context) error {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	if l.hub.offline {
		return ErrUnavailable
	}
	return ctx.Err()
}

func (l *Loopback) Push(ctx context.Context, deviceID string, batch []events.Event) (PushResult, error) {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offline {
		return PushResult{}, ErrUnavailable
	}

	var (
		res   PushResult
		fresh []events.Event
	)
	for _, ev := range batch {
		if _, ok := h.byID[ev.ID]; ok {
			// Already stored: acknowledge so the sender can mark it synced.
			res.Accepted = append(res.Accepted, ev.ID)
			continue
		}
		if h.Reject != nil {
			if reason := h.Reject(ev); reason != "" {
				res.Rejected = append(res.Rejected, Rejection{EventID: ev.ID, Reason: reason})
				continue
			}
		}
		ts := h.tick()
		h.log = append(h.log, hubEvent{ev: ev, ts: ts})
		h.byID[ev.ID] = ts
		res.Accepted = append(res.Accepted, ev.ID)
		fresh = append(fresh, ev)
	}
	res.ServerTimestamp = h.lastTS

	if len(fresh) > 0 {
		for _, s := range h.subs {
			var out []events.Event
			for _, ev := range fresh {
				if ev.DeviceID != s.deviceID {
					out = append(out, ev)
				}
			}
			if len(out) == 0 {
				continue
			}
			select {
			case s.ch <- Update{Events: out, ServerTimestamp: h.lastTS}:
			default:
				// Slow subscriber: it will catch up with a pull.
			}
		}
	}
	return res, nil
}

func (l *Loopback) Pull(ctx context.Context, deviceID string, since int64, limit int) (PullResult, error) {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offline {
		return PullResult{}, ErrUnavailable
	}

	res := PullResult{ServerTimestamp: since}
	i := sort.Search(len(h.log), func(i int) bool { return h.log[i].ts > since })
	for ; i < len(h.log); i++ {
		he := h.log[i]
		if he.ev.DeviceID == deviceID {
			res.ServerTimestamp = he.ts
			continue
		}
		if limit > 0 && len(res.Events) >= limit {
			res.HasMore = true
			break
		}
		res.Events = append(res.Events, he.ev)
		res.ServerTimestamp = he.ts
	}
	return res, nil
}

func (l *Loopback) Subscribe(ctx context.Context, deviceID string, fn func(Update)) error {
	h := l.hub
	h.mu.Lock()
	if h.offline {
		h.mu.Unlock()
		return ErrUnavailable
	}
	id := h.nextSub
	h.nextSub++
	s := &hubSub{deviceID: deviceID, ch: make(chan Update, subscriptionBuffer), done: make(chan error, 1)}
	h.subs[id] = s
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.done:
			return fmt.Errorf("subscription dropped: %w", err)
		case u := <-s.ch:
			fn(u)
		}
	}
}

func (l *Loopback) RegisterDevice(ctx context.Context, d models.Device) error {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offline {
		return ErrUnavailable
	}
	d.Active = true
	h.devices[d.ID] = d
	return nil
}

func (l *Loopback) Devices(ctx context.Context) ([]models.Device, error) {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offline {
		return nil, ErrUnavailable
	}
	out := make([]models.Device, 0, len(h.devices))
	for _, d := range h.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

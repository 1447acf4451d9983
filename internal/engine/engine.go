// Package engine is the facade the CLI and any other presentation layer
// talk to: mutation intents, projected reads, and push/pull against a
// cloud gateway. It owns one storage session and one device identity.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/shelf/internal/cloud"
	"github.com/marcus/shelf/internal/conflict"
	"github.com/marcus/shelf/internal/db"
)

var (
	// ErrNotFound is returned when an aggregate does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDeleted is returned for intents against a deleted aggregate.
	ErrDeleted = errors.New("aggregate is deleted")
	// ErrInvalidIntent wraps validation failures of a requested change.
	ErrInvalidIntent = errors.New("invalid intent")
	// ErrNoGateway is returned by sync operations when no gateway is configured.
	ErrNoGateway = errors.New("no cloud gateway configured")
)

// Options tune an Engine. Zero values select defaults.
type Options struct {
	Gateway   cloud.Gateway
	Policy    conflict.Policy
	Backoff   cloud.Backoff
	BatchSize int
	Logger    *slog.Logger

	// Now overrides the clock used for bookkeeping timestamps.
	Now func() time.Time

	// NewGateway builds the gateway once Open knows the device id. Ignored
	// when Gateway is set.
	NewGateway func(deviceID string) cloud.Gateway
}

// DefaultBatchSize bounds push batches and pull pages.
const DefaultBatchSize = 200

// Engine is safe for use from multiple goroutines; storage serializes
// writers and the gateway guards its own state.
type Engine struct {
	store    *db.DB
	deviceID string
	gw       cloud.Gateway
	policy   conflict.Policy
	backoff  cloud.Backoff
	batch    int
	log      *slog.Logger
	now      func() time.Time

	// degraded holds the startup failure when store is nil.
	degraded error
}

// New wraps an open session whose schema is already ensured.
func New(store *db.DB, deviceID string, opts Options) *Engine {
	e := &Engine{
		store:    store,
		deviceID: deviceID,
		gw:       opts.Gateway,
		policy:   opts.Policy,
		backoff:  opts.Backoff,
		batch:    opts.BatchSize,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if e.policy.Default == nil {
		e.policy = conflict.DefaultPolicy()
	}
	if e.backoff.Base == 0 {
		e.backoff = cloud.DefaultBackoff()
	}
	if e.batch <= 0 {
		e.batch = DefaultBatchSize
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Open opens the database at path, ensures its schema and returns an
// engine for the resulting device. Storage failures do not prevent an
// engine from being returned: it runs degraded, reads come back empty and
// writes fail with db.ErrNoSession. The returned error reports the cause.
func Open(ctx context.Context, path string, id db.Identity, opts Options) (*Engine, db.Report, error) {
	store, err := db.Open(path)
	if err != nil {
		return degraded(id.DeviceID, opts, err), db.Report{}, err
	}
	rep, err := store.EnsureSchema(ctx, id)
	if err != nil {
		store.Close()
		return degraded(id.DeviceID, opts, err), rep, err
	}
	if opts.Gateway == nil && opts.NewGateway != nil {
		opts.Gateway = opts.NewGateway(rep.DeviceID)
	}
	return New(store, rep.DeviceID, opts), rep, nil
}

func degraded(deviceID string, opts Options, cause error) *Engine {
	e := New(nil, deviceID, opts)
	e.degraded = cause
	e.log.Warn("storage unavailable, running degraded", "err", cause)
	return e
}

// Close releases the session and any gateway subscription.
func (e *Engine) Close() error {
	if e.gw != nil {
		e.gw.UnsubscribeFromUpdates()
	}
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

// DeviceID returns the identity this engine stamps events with.
func (e *Engine) DeviceID() string { return e.deviceID }

// Degraded returns the startup failure, or nil when storage is healthy.
func (e *Engine) Degraded() error { return e.degraded }

// Gateway returns the configured gateway, possibly nil.
func (e *Engine) Gateway() cloud.Gateway { return e.gw }

// DB exposes the session for maintenance commands.
func (e *Engine) DB() *db.DB { return e.store }

func (e *Engine) session() error {
	if e.store == nil {
		if e.degraded != nil {
			return fmt.Errorf("%w: %v", db.ErrNoSession, e.degraded)
		}
		return db.ErrNoSession
	}
	return nil
}

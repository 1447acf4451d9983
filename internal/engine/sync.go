package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/shelf/internal/cloud"
	"github.com/marcus/shelf/internal/conflict"
	"github.com/marcus/shelf/internal/db"
	"github.com/marcus/shelf/internal/device"
	"github.com/marcus/shelf/internal/eventlog"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/store"
)

// sync_history directions and statuses
const (
	dirPush    = "push"
	dirPull    = "pull"
	dirResolve = "resolve"

	statusApplied   = "applied"
	statusDuplicate = "duplicate"
	statusConverged = "converged"
	statusSynced    = "synced"
	statusRejected  = "rejected"
	statusError     = "error"
)

// maxPushRounds bounds one Push call.
const maxPushRounds = 1000

// ApplyResult summarises applying a batch of remote events.
type ApplyResult struct {
	Applied    int
	Duplicates int
	Converged  int
	Resolved   []events.Event
	Failed     []FailedEvent
}

// FailedEvent records a remote event that could not be applied.
type FailedEvent struct {
	EventID string
	Err     error
}

func (r *ApplyResult) add(o ApplyResult) {
	r.Applied += o.Applied
	r.Duplicates += o.Duplicates
	r.Converged += o.Converged
	r.Resolved = append(r.Resolved, o.Resolved...)
	r.Failed = append(r.Failed, o.Failed...)
}

// PushReport summarises one Push.
type PushReport struct {
	Queued   int
	Pushed   int
	Rejected int
	Failed   int
}

// PullReport summarises one Pull.
type PullReport struct {
	ApplyResult
	Pages  int
	Pulled int
	Cursor int64
}

// SyncReport combines a pull and the push that follows it.
type SyncReport struct {
	Pull PullReport
	Push PushReport
}

func (e *Engine) gateway() (cloud.Gateway, error) {
	if err := e.session(); err != nil {
		return nil, err
	}
	if e.gw == nil {
		return nil, ErrNoGateway
	}
	return e.gw, nil
}

// ApplyRemote imports events produced by other devices. Each event is
// applied in its own transaction: duplicates are skipped, and an event
// concurrent with local history is settled by the configured strategy,
// appending one resolution. Concurrent events that already agree are left
// alone. A retryable failure stops the batch and is returned; other
// failures are recorded in the result and the batch continues.
func (e *Engine) ApplyRemote(ctx context.Context, evs []events.Event) (ApplyResult, error) {
	var res ApplyResult
	if err := e.session(); err != nil {
		return res, err
	}
	for _, ev := range evs {
		err := e.applyOne(ctx, ev, &res)
		if err == nil {
			continue
		}
		if Classify(err) == Retryable {
			return res, fmt.Errorf("apply %s: %w", ev.ID, err)
		}
		e.log.Warn("remote event rejected", "event", ev.ID, "aggregate", ev.AggregateID, "err", err)
		res.Failed = append(res.Failed, FailedEvent{EventID: ev.ID, Err: err})
		e.history(ctx, models.SyncHistoryEntry{Direction: dirPull, EventID: ev.ID, Aggregate: ev.AggregateID, Status: statusError})
	}
	return res, nil
}

func (e *Engine) applyOne(ctx context.Context, ev events.Event, res *ApplyResult) error {
	if _, err := ev.Payload(); err != nil {
		return err
	}
	if ev.DeviceID == e.deviceID {
		// Our own event echoed back; it is already in the log.
		res.Duplicates++
		return nil
	}

	var (
		step     ApplyResult
		resolved events.Event
	)
	err := e.store.WithTx(ctx, func(tx store.Querier) error {
		step = ApplyResult{}
		imported, fresh, err := eventlog.Import(ctx, tx, e.deviceID, ev)
		if err != nil {
			return err
		}
		entry := models.SyncHistoryEntry{Direction: dirPull, EventID: ev.ID, Aggregate: ev.AggregateID, Timestamp: e.now()}
		if !fresh {
			step.Duplicates++
			entry.Status = statusDuplicate
			return db.RecordSyncHistory(ctx, tx, []models.SyncHistoryEntry{entry})
		}
		step.Applied++
		entry.Status = statusApplied
		entries := []models.SyncHistoryEntry{entry}

		stream, err := eventlog.StreamFor(ctx, tx, imported.AggregateID)
		if err != nil {
			return err
		}
		pair, ok := conflict.Latest(conflict.FindConflicts(imported, stream))
		if ok {
			done, err := conflict.AlreadyResolved(ctx, tx, pair.Local.ID, pair.Remote.ID)
			if err != nil {
				return err
			}
			switch {
			case events.SameContent(pair.Local, pair.Remote):
				step.Converged++
				entries[0].Status = statusConverged
			case done:
			default:
				resolved, err = conflict.Resolve(ctx, tx, e.deviceID, pair, e.policy.For(imported.AggregateType))
				if err != nil {
					return err
				}
				step.Resolved = append(step.Resolved, resolved)
				entries = append(entries, models.SyncHistoryEntry{
					Direction: dirResolve, EventID: resolved.ID, Aggregate: resolved.AggregateID,
					Status: statusApplied, Timestamp: e.now(),
				})
			}
		}
		return db.RecordSyncHistory(ctx, tx, entries)
	})
	if err != nil {
		return err
	}
	if len(step.Resolved) > 0 {
		e.log.Info("conflict resolved", "aggregate", ev.AggregateID, "remote", ev.ID, "resolution", resolved.ID)
	}
	res.add(step)
	return nil
}

func (e *Engine) history(ctx context.Context, entries ...models.SyncHistoryEntry) {
	err := e.store.WithTx(ctx, func(tx store.Querier) error {
		return db.RecordSyncHistory(ctx, tx, entries)
	})
	if err != nil {
		e.log.Warn("record sync history", "err", err)
	}
}

// Pull fetches remote events page by page from the stored cursor and
// applies them. The cursor only advances past pages that applied cleanly.
func (e *Engine) Pull(ctx context.Context) (PullReport, error) {
	var rep PullReport
	gw, err := e.gateway()
	if err != nil {
		return rep, err
	}
	conn := e.store.Conn()
	cursor, err := db.GetInt64State(ctx, conn, db.KeyPullCursor, 0)
	if err != nil {
		return rep, err
	}
	rep.Cursor = cursor

	for {
		page, err := gw.PullEvents(ctx, cursor, e.batch)
		if err != nil {
			return rep, err
		}
		rep.Pages++
		rep.Pulled += len(page.Events)

		ar, err := e.ApplyRemote(ctx, page.Events)
		rep.add(ar)
		if err != nil {
			return rep, err
		}
		if page.ServerTimestamp <= cursor {
			// No progress; a page of only our own events still moves it.
			break
		}
		cursor = page.ServerTimestamp
		if err := db.SetInt64State(ctx, conn, db.KeyPullCursor, cursor); err != nil {
			return rep, err
		}
		rep.Cursor = cursor
		if !page.HasMore {
			break
		}
	}
	e.log.Debug("pull complete", "pulled", rep.Pulled, "applied", rep.Applied, "resolved", len(rep.Resolved), "cursor", rep.Cursor)
	return rep, nil
}

// Push queues events authored on this device and sends every due record
// in batches. Accepted events are marked synced, refused ones conflict.
// A transport failure schedules a backoff retry for the whole batch.
func (e *Engine) Push(ctx context.Context) (PushReport, error) {
	var rep PushReport
	gw, err := e.gateway()
	if err != nil {
		return rep, err
	}
	provider := gw.Provider()

	err = e.store.WithTx(ctx, func(tx store.Querier) error {
		last, err := db.GetInt64State(ctx, tx, db.KeyPushSeq, 0)
		if err != nil {
			return err
		}
		evs, newest, err := eventlog.AfterSeq(ctx, tx, last, e.deviceID)
		if err != nil || len(evs) == 0 {
			return err
		}
		ids := make([]string, len(evs))
		for i, ev := range evs {
			ids[i] = ev.ID
		}
		if rep.Queued, err = cloud.Queue(ctx, tx, provider, ids); err != nil {
			return err
		}
		return db.SetInt64State(ctx, tx, db.KeyPushSeq, newest)
	})
	if err != nil {
		return rep, err
	}

	for round := 0; round < maxPushRounds; round++ {
		ids, err := cloud.Due(ctx, e.store.Conn(), provider, e.backoff, e.now(), e.batch)
		if err != nil {
			return rep, err
		}
		if len(ids) == 0 {
			break
		}
		batch := make([]events.Event, 0, len(ids))
		for _, id := range ids {
			ev, err := eventlog.Get(ctx, e.store.Conn(), id)
			if err != nil {
				return rep, err
			}
			batch = append(batch, ev)
		}

		res, err := gw.PushEvents(ctx, batch)
		if err != nil {
			if errors.Is(err, cloud.ErrNotConnected) {
				return rep, err
			}
			rep.Failed += len(ids)
			if merr := e.markFailed(ctx, provider, ids, err); merr != nil {
				e.log.Warn("record push failure", "err", merr)
			}
			return rep, err
		}
		if err := e.markPushed(ctx, provider, ids, res, &rep); err != nil {
			return rep, err
		}
		if len(ids) < e.batch {
			break
		}
	}
	e.log.Debug("push complete", "provider", provider, "pushed", rep.Pushed, "rejected", rep.Rejected, "failed", rep.Failed)
	return rep, nil
}

func (e *Engine) markFailed(ctx context.Context, provider string, ids []string, cause error) error {
	now := e.now()
	return e.store.WithTx(ctx, func(tx store.Querier) error {
		entries := make([]models.SyncHistoryEntry, 0, len(ids))
		for _, id := range ids {
			if err := cloud.MarkError(ctx, tx, provider, id, cause, e.backoff, now); err != nil {
				return err
			}
			entries = append(entries, models.SyncHistoryEntry{Direction: dirPush, EventID: id, Status: statusError, Timestamp: now})
		}
		return db.RecordSyncHistory(ctx, tx, entries)
	})
}

func (e *Engine) markPushed(ctx context.Context, provider string, ids []string, res cloud.PushResult, rep *PushReport) error {
	now := e.now()
	return e.store.WithTx(ctx, func(tx store.Querier) error {
		seen := make(map[string]bool, len(ids))
		var entries []models.SyncHistoryEntry
		for _, id := range res.Accepted {
			seen[id] = true
			if err := cloud.MarkSynced(ctx, tx, provider, id, id, now); err != nil {
				return err
			}
			rep.Pushed++
			entries = append(entries, models.SyncHistoryEntry{Direction: dirPush, EventID: id, Status: statusSynced, Timestamp: now})
		}
		for _, r := range res.Rejected {
			seen[r.EventID] = true
			if err := cloud.MarkConflict(ctx, tx, provider, r.EventID, r.Reason); err != nil {
				return err
			}
			rep.Rejected++
			entries = append(entries, models.SyncHistoryEntry{Direction: dirPush, EventID: r.EventID, Status: statusRejected, Timestamp: now})
		}
		// Anything the remote neither accepted nor refused is retried later.
		for _, id := range ids {
			if seen[id] {
				continue
			}
			if err := cloud.MarkError(ctx, tx, provider, id, errors.New("not acknowledged"), e.backoff, now); err != nil {
				return err
			}
			rep.Failed++
		}
		return db.RecordSyncHistory(ctx, tx, entries)
	})
}

// Sync connects if needed, announces this device, pulls then pushes. Pull
// runs first so resolutions it appends go out in the same round.
func (e *Engine) Sync(ctx context.Context) (SyncReport, error) {
	var rep SyncReport
	gw, err := e.gateway()
	if err != nil {
		return rep, err
	}
	if gw.State() == cloud.Disconnected {
		if err := gw.Connect(ctx); err != nil && !errors.Is(err, cloud.ErrAlreadyConnected) {
			return rep, err
		}
	}
	if d, err := device.Get(ctx, e.store.Conn(), e.deviceID); err == nil {
		if err := gw.RegisterDevice(ctx, *d); err != nil {
			e.log.Warn("register device", "err", err)
		}
	}

	if rep.Pull, err = e.Pull(ctx); err != nil {
		return rep, err
	}
	if rep.Push, err = e.Push(ctx); err != nil {
		return rep, err
	}

	now := e.now()
	err = e.store.WithTx(ctx, func(tx store.Querier) error {
		if err := db.SetTimeState(ctx, tx, db.KeyLastFullSync, now); err != nil {
			return err
		}
		return device.MarkSynced(ctx, tx, e.deviceID, now)
	})
	return rep, err
}

// Follow applies pushed updates as they arrive until ctx ends or the
// subscription fails. fn, if set, observes each applied batch. The pull
// cursor is not advanced; the next Pull re-reads and skips duplicates.
func (e *Engine) Follow(ctx context.Context, fn func(ApplyResult)) error {
	gw, err := e.gateway()
	if err != nil {
		return err
	}
	sub, err := gw.SubscribeToUpdates(ctx)
	if err != nil {
		return err
	}
	defer gw.UnsubscribeFromUpdates()

	for u := range sub.Updates() {
		res, err := e.ApplyRemote(ctx, u.Events)
		if err != nil {
			return err
		}
		if fn != nil {
			fn(res)
		}
	}
	if err := sub.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

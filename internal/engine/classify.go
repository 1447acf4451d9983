package engine

import (
	"context"
	"errors"

	"github.com/marcus/shelf/internal/cloud"
	"github.com/marcus/shelf/internal/db"
	"github.com/marcus/shelf/internal/eventlog"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/projector"
	"github.com/marcus/shelf/internal/store"
)

// FailureClass tells a caller what to do about an error.
type FailureClass int

const (
	// NoFailure is the class of a nil error.
	NoFailure FailureClass = iota
	// Retryable failures may succeed if the operation is repeated.
	Retryable
	// NeedsUser failures need different input or user action.
	NeedsUser
	// Fatal failures will not go away on their own.
	Fatal
)

func (c FailureClass) String() string {
	switch c {
	case NoFailure:
		return "none"
	case Retryable:
		return "retryable"
	case NeedsUser:
		return "needs_user"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Classify maps an error from any engine operation to a FailureClass.
func Classify(err error) FailureClass {
	if err == nil {
		return NoFailure
	}

	var se *cloud.SyncError
	switch {
	case errors.Is(err, ErrInvalidIntent),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDeleted),
		errors.Is(err, ErrNoGateway),
		errors.Is(err, projector.ErrCycle),
		errors.Is(err, projector.ErrUnknownLocation),
		errors.Is(err, db.ErrNoSession),
		store.IsDiskFull(err):
		return NeedsUser

	case errors.Is(err, db.ErrSchemaTooNew),
		errors.Is(err, events.ErrInvalidPayload),
		errors.Is(err, events.ErrUnknownEventType),
		errors.Is(err, eventlog.ErrDuplicateEvent):
		return Fatal

	case errors.Is(err, eventlog.ErrOptimisticConcurrency),
		errors.Is(err, db.ErrMigrationFailed),
		errors.Is(err, cloud.ErrNotConnected),
		errors.Is(err, cloud.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		store.IsBusy(err):
		return Retryable

	case errors.As(err, &se):
		if se.Retryable {
			return Retryable
		}
		return NeedsUser
	}
	return Fatal
}

// Package otxtask carries task identity and completion futures between the
// per-server task engines and their callers.
package otxtask

import (
	"sync/atomic"

	"github.com/wigggles/opentxs-sub020/operation"
)

// ID identifies one background task, unique within the process. ID 0 is
// never assigned; it marks the error task handed out when no real task could
// be scheduled.
type ID uint64

// ErrorTaskID is the sentinel ID of the error task.
const ErrorTaskID ID = 0

// idCounter backs NextID. Starting above zero keeps ErrorTaskID reserved.
var idCounter atomic.Uint64

// NextID returns a fresh process-local task ID, never ErrorTaskID.
func NextID() ID {
	return ID(idCounter.Add(1))
}

// Status is the lifecycle state of a background task.
type Status uint8

const (
	// StatusRunning means the task is queued or in flight.
	StatusRunning Status = iota

	// StatusSuccess means the task's exchange succeeded.
	StatusSuccess

	// StatusFailure means the task's exchange definitively failed.
	StatusFailure

	// StatusShutdown means the engine shut down before the task
	// completed.
	StatusShutdown

	// StatusError means the task never existed: scheduling itself was
	// refused. Only the error task carries it.
	StatusError
)

// String returns a human readable name for the task status.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusShutdown:
		return "shutdown"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is what a task's future resolves to.
type Outcome struct {
	// Status is terminal: one of StatusSuccess, StatusFailure,
	// StatusShutdown or StatusError.
	Status Status

	// Reply is the classified exchange outcome, nil for StatusShutdown
	// and StatusError.
	Reply *operation.Result
}

// BackgroundTask pairs a task's ID with the future its completion resolves.
type BackgroundTask struct {
	ID     ID
	Future *Future[Outcome]
}

// NewErrorTask returns the task handed out when scheduling was refused, e.g.
// because the engine is shutting down: ID 0 with an already resolved
// StatusError outcome.
func NewErrorTask() BackgroundTask {
	promise := NewPromise[Outcome]()
	promise.Resolve(Outcome{Status: StatusError})

	return BackgroundTask{
		ID:     ErrorTaskID,
		Future: promise.Future(),
	}
}

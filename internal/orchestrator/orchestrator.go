// Package orchestrator defines the task orchestration contract and the
// bookkeeping shared by every backend: the task registry, status
// subscriber fan-out, and result retention.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/zjrosen/docserve/internal/convert"
	"github.com/zjrosen/docserve/internal/task"
)

var (
	// ErrTaskNotFound is returned for unknown or already deleted tasks.
	ErrTaskNotFound = errors.New("task not found")
	// ErrResultNotReady is returned when a result is requested before the
	// task reached a terminal state.
	ErrResultNotReady = errors.New("task result not ready")
	// ErrProgressInvalid is returned for malformed progress callbacks.
	ErrProgressInvalid = errors.New("invalid progress payload")
)

// StatusUpdate is a point-in-time view of a task, pushed to subscribers
// and returned by status polls. Position is the 1-based queue position
// for pending tasks and -1 otherwise.
type StatusUpdate struct {
	TaskID   string
	Status   task.Status
	Position int
	Meta     task.ProcessingMeta
}

// Orchestrator is the backend-independent task lifecycle API.
type Orchestrator interface {
	// Enqueue registers a new pending task for the given sources.
	Enqueue(ctx context.Context, sources []task.Source, opts convert.Options) (*task.Task, error)

	// QueueSize reports how many tasks are waiting to start.
	QueueSize(ctx context.Context) (int, error)

	// TaskStatus returns the current status of a task. A positive wait
	// blocks up to that long for the task to complete first.
	TaskStatus(ctx context.Context, taskID string, wait time.Duration) (StatusUpdate, error)

	// TaskResult returns the result of a completed task. With single-use
	// results enabled the task is scheduled for deletion after the first
	// successful call.
	TaskResult(ctx context.Context, taskID string) (*task.Result, error)

	// DeleteTask removes a task, its subscribers and its scratch space.
	DeleteTask(ctx context.Context, taskID string) error

	// ClearResults deletes completed tasks that finished more than
	// olderThan ago. A zero olderThan clears every completed task.
	ClearResults(ctx context.Context, olderThan time.Duration) error

	// Subscribe registers for status updates of a task. The returned
	// cancel func must be called when the subscriber goes away.
	Subscribe(taskID string) (<-chan StatusUpdate, func(), error)

	// ProcessQueue runs the backend's processing loop until ctx is done.
	ProcessQueue(ctx context.Context) error

	// WarmUpCaches pre-builds whatever the backend needs to serve the
	// first conversion quickly.
	WarmUpCaches(ctx context.Context) error

	// ReceiveProgress ingests a progress callback from a worker.
	ReceiveProgress(ctx context.Context, p Progress) error
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/docserve/internal/log"
	"github.com/zjrosen/docserve/internal/scratch"
	"github.com/zjrosen/docserve/internal/task"
)

// Tracker implements the backend-independent half of the Orchestrator
// contract: status reads with long-polling, subscriber notification,
// result retention and deferred deletion. Backends embed it and plug in
// their queue position lookup.
type Tracker struct {
	Registry *Registry
	Subs     *Subscribers
	Scratch  *scratch.Store

	// SingleUse schedules task deletion RemovalDelay after the first
	// successful result read.
	SingleUse    bool
	RemovalDelay time.Duration

	// PositionFn reports the 1-based queue position of a pending task,
	// -1 when not queued. Nil means positions are unknown.
	PositionFn func(taskID string) int

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// NewTracker wires a tracker around the given stores.
func NewTracker(reg *Registry, subs *Subscribers, store *scratch.Store, singleUse bool, removalDelay time.Duration) *Tracker {
	return &Tracker{
		Registry:     reg,
		Subs:         subs,
		Scratch:      store,
		SingleUse:    singleUse,
		RemovalDelay: removalDelay,
		timers:       make(map[string]*time.Timer),
	}
}

// Snapshot builds the externally visible status of a task.
func (tr *Tracker) Snapshot(t task.Task) StatusUpdate {
	pos := -1
	if t.Status == task.StatusPending && tr.PositionFn != nil {
		pos = tr.PositionFn(t.ID)
	}
	return StatusUpdate{TaskID: t.ID, Status: t.Status, Position: pos, Meta: t.Meta}
}

// NotifyTask pushes the task's current status to its subscribers.
func (tr *Tracker) NotifyTask(taskID string) {
	t, err := tr.Registry.Get(taskID)
	if err != nil {
		return
	}
	tr.Subs.Notify(tr.Snapshot(t))
}

// TaskStatus returns the task's status, blocking up to wait for the task
// to complete first. The status at the deadline is returned either way.
func (tr *Tracker) TaskStatus(ctx context.Context, taskID string, wait time.Duration) (StatusUpdate, error) {
	t, err := tr.Registry.Get(taskID)
	if err != nil {
		return StatusUpdate{}, err
	}
	if wait <= 0 || t.Status.IsCompleted() {
		return tr.Snapshot(t), nil
	}

	updates, cancel := tr.Subs.Subscribe(taskID)
	defer cancel()

	// The task may have completed between the Get and the Subscribe.
	if t, err = tr.Registry.Get(taskID); err != nil {
		return StatusUpdate{}, err
	}
	if t.Status.IsCompleted() {
		return tr.Snapshot(t), nil
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return StatusUpdate{}, ctx.Err()
		case <-deadline.C:
			t, err := tr.Registry.Get(taskID)
			if err != nil {
				return StatusUpdate{}, err
			}
			return tr.Snapshot(t), nil
		case update, ok := <-updates:
			if !ok {
				// Task deleted while we waited.
				return StatusUpdate{}, ErrTaskNotFound
			}
			if update.Status.IsCompleted() {
				return update, nil
			}
		}
	}
}

// TaskResult returns the result of a completed task. With single-use
// retention enabled the task is scheduled for removal RemovalDelay after
// this call; retries within the window still stream the artifact.
func (tr *Tracker) TaskResult(_ context.Context, taskID string) (*task.Result, error) {
	t, err := tr.Registry.Get(taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.IsCompleted() || t.Result == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrResultNotReady)
	}

	if tr.SingleUse {
		tr.scheduleDeletion(taskID)
	}
	return t.Result, nil
}

// DeleteTask removes the task, closes its subscribers and deletes its
// scratch space.
func (tr *Tracker) DeleteTask(_ context.Context, taskID string) error {
	tr.cancelDeletion(taskID)
	tr.Subs.Close(taskID)

	if !tr.Registry.Remove(taskID) {
		return ErrTaskNotFound
	}
	if tr.Scratch != nil {
		if err := tr.Scratch.Remove(taskID); err != nil {
			log.ErrorErr(log.CatOrch, "failed to remove task scratch space", err, "task_id", taskID)
		}
	}
	log.Info(log.CatOrch, "task deleted", "task_id", taskID)
	return nil
}

// ClearResults deletes completed tasks that finished more than olderThan
// ago. A zero olderThan removes every completed task.
func (tr *Tracker) ClearResults(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().UTC().Add(-olderThan)
	expired := tr.Registry.List(func(t task.Task) bool {
		return t.FinishedBefore(cutoff)
	})

	for _, t := range expired {
		if err := tr.DeleteTask(ctx, t.ID); err != nil && !errors.Is(err, ErrTaskNotFound) {
			return err
		}
	}
	log.Info(log.CatOrch, "cleared task results", "count", len(expired), "older_than", olderThan)
	return nil
}

// CancelTimers stops every pending deletion timer, for shutdown.
func (tr *Tracker) CancelTimers() {
	tr.timerMu.Lock()
	defer tr.timerMu.Unlock()
	for id, timer := range tr.timers {
		timer.Stop()
		delete(tr.timers, id)
	}
}

// scheduleDeletion arms the removal timer on the first result read.
// Re-reads within the window do not extend the retention.
func (tr *Tracker) scheduleDeletion(taskID string) {
	tr.timerMu.Lock()
	defer tr.timerMu.Unlock()

	if _, ok := tr.timers[taskID]; ok {
		return
	}
	tr.timers[taskID] = time.AfterFunc(tr.RemovalDelay, func() {
		tr.timerMu.Lock()
		delete(tr.timers, taskID)
		tr.timerMu.Unlock()

		if err := tr.DeleteTask(context.Background(), taskID); err != nil && !errors.Is(err, ErrTaskNotFound) {
			log.ErrorErr(log.CatOrch, "deferred task deletion failed", err, "task_id", taskID)
		}
	})
	log.Debug(log.CatOrch, "scheduled single-use result deletion", "task_id", taskID, "delay", tr.RemovalDelay)
}

func (tr *Tracker) cancelDeletion(taskID string) {
	tr.timerMu.Lock()
	defer tr.timerMu.Unlock()
	if timer, ok := tr.timers[taskID]; ok {
		timer.Stop()
		delete(tr.timers, taskID)
	}
}

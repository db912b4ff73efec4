package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/docserve/internal/convert"
	"github.com/zjrosen/docserve/internal/scratch"
	"github.com/zjrosen/docserve/internal/task"
)

func newTestTracker(t *testing.T, singleUse bool, delay time.Duration) *Tracker {
	t.Helper()
	store, err := scratch.New(t.TempDir())
	require.NoError(t, err)
	return NewTracker(NewRegistry(), NewSubscribers(), store, singleUse, delay)
}

func putTask(tr *Tracker, id string, status task.Status) *task.Task {
	tk := task.New(id, nil, convert.DefaultOptions())
	if status != task.StatusPending {
		_ = tk.SetStatus(status)
	}
	tr.Registry.Put(tk)
	return tk
}

func TestTaskStatusUnknownTask(t *testing.T) {
	tr := newTestTracker(t, false, 0)
	_, err := tr.TaskStatus(context.Background(), "nope", 0)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskStatusImmediate(t *testing.T) {
	tr := newTestTracker(t, false, 0)
	tr.PositionFn = func(string) int { return 3 }
	putTask(tr, "t1", task.StatusPending)

	st, err := tr.TaskStatus(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, st.Status)
	assert.Equal(t, 3, st.Position)

	// Completed tasks report no queue position.
	putTask(tr, "t2", task.StatusSuccess)
	st, err = tr.TaskStatus(context.Background(), "t2", 0)
	require.NoError(t, err)
	assert.Equal(t, -1, st.Position)
}

func TestTaskStatusWaitsForCompletion(t *testing.T) {
	tr := newTestTracker(t, false, 0)
	putTask(tr, "t1", task.StatusPending)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = tr.Registry.Update("t1", func(tk *task.Task) error {
			return tk.SetStatus(task.StatusSuccess)
		})
		tr.NotifyTask("t1")
	}()

	st, err := tr.TaskStatus(context.Background(), "t1", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, st.Status)
}

func TestTaskStatusWaitTimesOut(t *testing.T) {
	tr := newTestTracker(t, false, 0)
	putTask(tr, "t1", task.StatusPending)

	start := time.Now()
	st, err := tr.TaskStatus(context.Background(), "t1", 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, st.Status)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestTaskResultNotReady(t *testing.T) {
	tr := newTestTracker(t, false, 0)
	putTask(tr, "t1", task.StatusStarted)

	_, err := tr.TaskResult(context.Background(), "t1")
	require.ErrorIs(t, err, ErrResultNotReady)
}

func TestTaskResultSingleUseDeferredDeletion(t *testing.T) {
	tr := newTestTracker(t, true, 30*time.Millisecond)
	tk := putTask(tr, "t1", task.StatusSuccess)
	tk.Result = &task.Result{Kind: task.ResultInline, Inline: "doc"}

	res, err := tr.TaskResult(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, task.ResultInline, res.Kind)

	// Within the window the result is still served.
	_, err = tr.TaskResult(context.Background(), "t1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := tr.Registry.Get("t1")
		return errors.Is(err, ErrTaskNotFound)
	}, time.Second, 10*time.Millisecond)
}

func TestTaskResultRereadsDoNotExtendRetention(t *testing.T) {
	tr := newTestTracker(t, true, 50*time.Millisecond)
	tk := putTask(tr, "t1", task.StatusSuccess)
	tk.Result = &task.Result{Kind: task.ResultInline, Inline: "doc"}

	_, err := tr.TaskResult(context.Background(), "t1")
	require.NoError(t, err)

	// Polling the result faster than the removal delay must not keep the
	// task alive past the window armed by the first read.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := tr.TaskResult(context.Background(), "t1"); err != nil {
			require.ErrorIs(t, err, ErrTaskNotFound)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("repeated result reads kept the task alive")
}

func TestTaskResultRetainedWithoutSingleUse(t *testing.T) {
	tr := newTestTracker(t, false, 10*time.Millisecond)
	tk := putTask(tr, "t1", task.StatusSuccess)
	tk.Result = &task.Result{Kind: task.ResultInline, Inline: "doc"}

	_, err := tr.TaskResult(context.Background(), "t1")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, err = tr.Registry.Get("t1")
	require.NoError(t, err)
}

func TestDeleteTaskClosesSubscribers(t *testing.T) {
	tr := newTestTracker(t, false, 0)
	putTask(tr, "t1", task.StatusPending)

	updates, cancel := tr.Subs.Subscribe("t1")
	defer cancel()

	require.NoError(t, tr.DeleteTask(context.Background(), "t1"))

	_, open := <-updates
	assert.False(t, open)

	require.ErrorIs(t, tr.DeleteTask(context.Background(), "t1"), ErrTaskNotFound)
}

func TestClearResults(t *testing.T) {
	tr := newTestTracker(t, false, 0)

	old := putTask(tr, "old", task.StatusSuccess)
	past := time.Now().UTC().Add(-2 * time.Hour)
	old.Meta.FinishedAt = &past

	putTask(tr, "fresh", task.StatusSuccess)
	putTask(tr, "running", task.StatusStarted)

	require.NoError(t, tr.ClearResults(context.Background(), time.Hour))

	_, err := tr.Registry.Get("old")
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = tr.Registry.Get("fresh")
	require.NoError(t, err)

	// olderThan zero sweeps every completed task but never running ones.
	require.NoError(t, tr.ClearResults(context.Background(), 0))
	_, err = tr.Registry.Get("fresh")
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = tr.Registry.Get("running")
	require.NoError(t, err)
}

func TestSubscribersFanOut(t *testing.T) {
	subs := NewSubscribers()

	a, cancelA := subs.Subscribe("t1")
	b, cancelB := subs.Subscribe("t1")
	defer cancelA()
	defer cancelB()

	subs.Notify(StatusUpdate{TaskID: "t1", Status: task.StatusStarted, Position: -1})

	for _, ch := range []<-chan StatusUpdate{a, b} {
		select {
		case u := <-ch:
			assert.Equal(t, task.StatusStarted, u.Status)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive update")
		}
	}
}

func TestProgressValidate(t *testing.T) {
	valid := []Progress{
		{TaskID: "t", Kind: ProgressSetNumDocs, NumDocs: 4},
		{TaskID: "t", Kind: ProgressUpdateProcessed, NumProcessed: 2, NumSucceeded: 1, NumFailed: 1},
	}
	for _, p := range valid {
		assert.NoError(t, p.Validate())
	}

	invalid := []Progress{
		{Kind: ProgressSetNumDocs},
		{TaskID: "t", Kind: "bogus"},
		{TaskID: "t", Kind: ProgressSetNumDocs, NumDocs: -1},
		{TaskID: "t", Kind: ProgressUpdateProcessed, NumProcessed: -2},
		{TaskID: "t", Kind: ProgressUpdateProcessed, NumProcessed: 1, NumSucceeded: 1, NumFailed: 1},
	}
	for _, p := range invalid {
		assert.ErrorIs(t, p.Validate(), ErrProgressInvalid)
	}
}

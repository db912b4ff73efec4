// Package local runs conversions in-process with a bounded worker pool
// pulling tasks off a FIFO queue.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/docserve/internal/convert"
	"github.com/zjrosen/docserve/internal/log"
	"github.com/zjrosen/docserve/internal/orchestrator"
	"github.com/zjrosen/docserve/internal/scratch"
	"github.com/zjrosen/docserve/internal/task"
)

// Options configures the local backend.
type Options struct {
	NumWorkers int
	// SingleUseResults and RemovalDelay follow the tracker semantics.
	SingleUseResults bool
	RemovalDelay     time.Duration
	// Tracer is optional; nil disables conversion spans.
	Tracer trace.Tracer
}

// Orchestrator is the in-process backend. It embeds the shared tracker
// for status, results and retention, and adds the queue and worker pool.
type Orchestrator struct {
	*orchestrator.Tracker

	factory    *convert.Factory
	queue      *queue
	numWorkers int
	tracer     trace.Tracer
}

var _ orchestrator.Orchestrator = (*Orchestrator)(nil)

// New creates a local orchestrator backed by the given converter factory
// and scratch store.
func New(factory *convert.Factory, store *scratch.Store, opts Options) *Orchestrator {
	if opts.NumWorkers < 1 {
		opts.NumWorkers = 1
	}
	o := &Orchestrator{
		Tracker:    orchestrator.NewTracker(orchestrator.NewRegistry(), orchestrator.NewSubscribers(), store, opts.SingleUseResults, opts.RemovalDelay),
		factory:    factory,
		queue:      newQueue(),
		numWorkers: opts.NumWorkers,
		tracer:     opts.Tracer,
	}
	o.PositionFn = o.queue.Position
	return o
}

// Enqueue validates the request, registers a pending task and queues it.
func (o *Orchestrator) Enqueue(_ context.Context, sources []task.Source, opts convert.Options) (*task.Task, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	// Resolve eagerly so bad option combinations fail at submit time.
	if _, err := convert.Resolve(opts, o.factory.Policy()); err != nil {
		return nil, err
	}

	t := task.New(uuid.NewString(), sources, opts)
	o.Registry.Put(t)
	o.queue.Enqueue(t.ID)
	log.Info(log.CatOrch, "task queued", "task_id", t.ID, "sources", len(sources), "position", o.queue.Position(t.ID))
	return t, nil
}

// QueueSize reports the number of tasks not yet picked up by a worker.
func (o *Orchestrator) QueueSize(_ context.Context) (int, error) {
	return o.queue.Len(), nil
}

// Subscribe implements the orchestrator contract.
func (o *Orchestrator) Subscribe(taskID string) (<-chan orchestrator.StatusUpdate, func(), error) {
	if _, err := o.Registry.Get(taskID); err != nil {
		return nil, nil, err
	}
	ch, cancel := o.Subs.Subscribe(taskID)
	return ch, cancel, nil
}

// DeleteTask removes the task from the queue before the shared cleanup.
func (o *Orchestrator) DeleteTask(ctx context.Context, taskID string) error {
	o.queue.Remove(taskID)
	return o.Tracker.DeleteTask(ctx, taskID)
}

// ProcessQueue runs the worker pool until ctx is cancelled. Conversions
// already started are finished before workers exit.
func (o *Orchestrator) ProcessQueue(ctx context.Context) error {
	log.Info(log.CatOrch, "starting conversion workers", "count", o.numWorkers)

	var wg sync.WaitGroup
	for i := range o.numWorkers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			o.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// WarmUpCaches pre-builds the default converter.
func (o *Orchestrator) WarmUpCaches(ctx context.Context) error {
	return o.factory.WarmUp(ctx)
}

// ClearConverters drops every cached converter instance.
func (o *Orchestrator) ClearConverters() int {
	return o.factory.Clear()
}

// ReceiveProgress applies a progress callback to the task's metadata.
// The local workers report directly, but the endpoint stays available
// for out-of-process engines.
func (o *Orchestrator) ReceiveProgress(_ context.Context, p orchestrator.Progress) error {
	if err := p.Validate(); err != nil {
		return err
	}
	err := o.Registry.Update(p.TaskID, func(t *task.Task) error {
		applyProgress(t, p)
		return nil
	})
	if err != nil {
		return err
	}
	o.NotifyTask(p.TaskID)
	return nil
}

func applyProgress(t *task.Task, p orchestrator.Progress) {
	switch p.Kind {
	case orchestrator.ProgressSetNumDocs:
		t.Meta.NumDocs = p.NumDocs
	case orchestrator.ProgressUpdateProcessed:
		t.Meta.NumProcessed += p.NumProcessed
		t.Meta.NumSucceeded += p.NumSucceeded
		t.Meta.NumFailed += p.NumFailed
	}
	t.Touch()
}

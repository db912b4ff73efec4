package local

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/docserve/internal/assemble"
	"github.com/zjrosen/docserve/internal/convert"
	"github.com/zjrosen/docserve/internal/log"
	"github.com/zjrosen/docserve/internal/task"
	"github.com/zjrosen/docserve/internal/tracing"
)

func (o *Orchestrator) runWorker(ctx context.Context, workerID int) {
	log.Debug(log.CatOrch, "worker started", "worker_id", workerID)
	for {
		taskID, err := o.queue.Dequeue(ctx)
		if err != nil {
			log.Debug(log.CatOrch, "worker stopping", "worker_id", workerID)
			return
		}
		o.processTask(ctx, workerID, taskID)
	}
}

func (o *Orchestrator) processTask(ctx context.Context, workerID int, taskID string) {
	snapshot, err := o.Registry.Get(taskID)
	if err != nil {
		// Deleted while queued.
		return
	}

	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "task convert")
		span.SetAttributes(
			attribute.String(tracing.AttrTaskID, taskID),
			attribute.Int(tracing.AttrWorkerID, workerID),
			attribute.Int(tracing.AttrNumSources, len(snapshot.Sources)),
		)
		defer span.End()
	}

	if err := o.Registry.Update(taskID, func(t *task.Task) error {
		return t.SetStatus(task.StatusStarted)
	}); err != nil {
		return
	}
	o.NotifyTask(taskID)
	// Dequeuing moved everyone else up.
	o.notifyPending()

	log.Info(log.CatOrch, "task started", "task_id", taskID, "worker_id", workerID)
	start := time.Now()

	result, convErr := o.convert(ctx, taskID, snapshot, span)
	processingTime := time.Since(start)

	final := task.StatusSuccess
	if convErr != nil {
		final = task.StatusFailure
		log.ErrorErr(log.CatOrch, "task failed", convErr, "task_id", taskID)
	}

	_ = o.Registry.Update(taskID, func(t *task.Task) error {
		t.Result = result
		t.ReleaseInputs()
		return t.SetStatus(final)
	})

	if span != nil {
		span.SetAttributes(attribute.String(tracing.AttrTaskStatus, string(final)))
		if convErr != nil {
			span.SetStatus(codes.Error, convErr.Error())
		}
	}
	log.Info(log.CatOrch, "task finished", "task_id", taskID, "status", final, "duration", processingTime)
	o.NotifyTask(taskID)
}

// convert runs the conversion pipeline for one task and assembles its
// result. A nil *task.Result with a non-nil error marks the task failed;
// the error may still carry per-document detail for the response.
func (o *Orchestrator) convert(ctx context.Context, taskID string, snapshot task.Task, span trace.Span) (*task.Result, error) {
	if snapshot.Options == nil {
		return nil, errors.New("task has no options")
	}
	opts := *snapshot.Options

	sources, headers, err := task.EngineSources(snapshot.Sources)
	if err != nil {
		return failedResult(err), err
	}

	converter, fingerprint, err := o.factory.Converter(ctx, opts)
	if err != nil {
		return failedResult(err), err
	}
	if span != nil {
		span.SetAttributes(attribute.String(tracing.AttrFingerprint, fingerprint))
	}

	_ = o.Registry.Update(taskID, func(t *task.Task) error {
		t.Meta.NumDocs = len(sources)
		t.Touch()
		return nil
	})
	o.NotifyTask(taskID)

	start := time.Now()
	results, err := converter.ConvertAll(ctx, sources, headers)
	if err != nil {
		return failedResult(err), err
	}

	o.recordOutcome(taskID, results)

	taskDir, err := o.Scratch.TaskDir(taskID)
	if err != nil {
		return failedResult(err), err
	}

	res, err := assemble.Response(taskDir, results, opts, time.Since(start).Seconds())
	if err != nil {
		// Nothing was staged, or staging failed halfway. Either way the
		// directory holds nothing the client can fetch.
		if rmErr := o.Scratch.Remove(taskID); rmErr != nil {
			log.ErrorErr(log.CatScratch, "failed to clean up task directory", rmErr, "task_id", taskID)
		}
		return failedResult(err), err
	}

	// Inline results live in memory; the directory is only kept when the
	// client will download an archive from it.
	if res.Kind == task.ResultFile {
		_ = o.Registry.Update(taskID, func(t *task.Task) error {
			t.ScratchDir = taskDir
			return nil
		})
	} else {
		if rmErr := o.Scratch.Remove(taskID); rmErr != nil {
			log.ErrorErr(log.CatScratch, "failed to clean up task directory", rmErr, "task_id", taskID)
		}
	}
	return res, nil
}

func (o *Orchestrator) recordOutcome(taskID string, results []convert.Result) {
	var succeeded, failed int
	for _, r := range results {
		switch r.Status {
		case convert.StatusSuccess, convert.StatusPartialSuccess:
			succeeded++
		default:
			failed++
		}
	}
	_ = o.Registry.Update(taskID, func(t *task.Task) error {
		t.Meta.NumProcessed = len(results)
		t.Meta.NumSucceeded = succeeded
		t.Meta.NumFailed = failed
		t.Touch()
		return nil
	})
	o.NotifyTask(taskID)
}

func (o *Orchestrator) notifyPending() {
	for _, t := range o.Registry.List(func(t task.Task) bool {
		return t.Status == task.StatusPending
	}) {
		o.NotifyTask(t.ID)
	}
}

// failedResult wraps a conversion error so the API can serve the failure
// detail alongside the failed status.
func failedResult(err error) *task.Result {
	var convErr *assemble.ConversionError
	if errors.As(err, &convErr) {
		return &task.Result{Kind: task.ResultInline, Inline: map[string]any{
			"status": convErr.Status,
			"errors": convErr.Errors,
		}}
	}
	return nil
}

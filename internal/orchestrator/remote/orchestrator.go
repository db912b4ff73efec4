package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/docserve/internal/convert"
	"github.com/zjrosen/docserve/internal/log"
	"github.com/zjrosen/docserve/internal/orchestrator"
	"github.com/zjrosen/docserve/internal/task"
)

// runNamePrefix names engine runs so they are recognizable in the engine
// UI and resolvable from progress callbacks.
const runNamePrefix = "docling-job-"

// sourceBatchSize caps how many documents one engine run processes per
// batch parameter.
const sourceBatchSize = 10

// refreshInterval is how often ProcessQueue reconciles run states.
const refreshInterval = 5 * time.Second

// Options configures the remote backend.
type Options struct {
	SingleUseResults bool
	RemovalDelay     time.Duration

	// SelfCallbackEndpoint is handed to runs so workers can report
	// progress back; token and CA bundle travel with it.
	SelfCallbackEndpoint   string
	SelfCallbackTokenPath  string
	SelfCallbackCACertPath string
}

// Orchestrator delegates task execution to the workflow engine while the
// embedded tracker keeps the local registry, subscribers and retention.
type Orchestrator struct {
	*orchestrator.Tracker

	client *Client
	opts   Options

	// metaReady records tasks whose meta was initialized by set_num_docs;
	// update_processed callbacks are invalid before that.
	mu        sync.Mutex
	metaReady map[string]bool

	// nameCache memoizes run-name to run-id resolutions from callbacks.
	nameCache *gocache.Cache
}

var _ orchestrator.Orchestrator = (*Orchestrator)(nil)

// New creates a remote orchestrator on top of the engine client.
func New(client *Client, opts Options) *Orchestrator {
	o := &Orchestrator{
		Tracker:   orchestrator.NewTracker(orchestrator.NewRegistry(), orchestrator.NewSubscribers(), nil, opts.SingleUseResults, opts.RemovalDelay),
		client:    client,
		opts:      opts,
		metaReady: make(map[string]bool),
		nameCache: gocache.New(5*time.Minute, 10*time.Minute),
	}
	o.PositionFn = o.queuePosition
	return o
}

// Enqueue submits an engine run for the sources. Only URL sources are
// supported: the engine workers fetch documents themselves and raw
// payloads do not travel through the run parameters.
func (o *Orchestrator) Enqueue(ctx context.Context, sources []task.Source, opts convert.Options) (*task.Task, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}
	urls := make([]string, 0, len(sources))
	var headers map[string]string
	for _, s := range sources {
		if s.Kind != task.SourceHTTP {
			return nil, fmt.Errorf("the remote engine only accepts URL sources, got %s", s.Kind)
		}
		if headers == nil && len(s.Headers) > 0 {
			headers = s.Headers
		}
		urls = append(urls, s.URL)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	runName := runNamePrefix + uuid.NewString()

	parameters := map[string]any{
		"sources":           urls,
		"headers":           headers,
		"options":           opts.Normalized(),
		"batch_size":        sourceBatchSize,
		"callback_endpoint": o.opts.SelfCallbackEndpoint,
		"callback_token":    o.opts.SelfCallbackTokenPath,
		"callback_ca_cert":  o.opts.SelfCallbackCACertPath,
	}

	run, err := o.client.CreateRun(ctx, runName, parameters)
	if err != nil {
		return nil, err
	}

	// The engine's run id is the client-visible task id.
	t := task.New(run.RunID, sources, opts)
	o.Registry.Put(t)
	log.Info(log.CatRemote, "task submitted to engine", "task_id", t.ID, "run_name", runName)
	return t, nil
}

// TaskStatus reconciles the task with the engine run state before
// answering. A positive wait polls until the task completes or the wait
// elapses.
func (o *Orchestrator) TaskStatus(ctx context.Context, taskID string, wait time.Duration) (orchestrator.StatusUpdate, error) {
	deadline := time.Now().Add(wait)
	for {
		if err := o.refreshTask(ctx, taskID); err != nil {
			return orchestrator.StatusUpdate{}, err
		}
		st, err := o.Tracker.TaskStatus(ctx, taskID, 0)
		if err != nil {
			return orchestrator.StatusUpdate{}, err
		}
		if st.Status.IsCompleted() || wait <= 0 || !time.Now().Before(deadline) {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return orchestrator.StatusUpdate{}, ctx.Err()
		case <-time.After(min(2*time.Second, time.Until(deadline))):
		}
	}
}

// QueueSize counts the engine's pending runs.
func (o *Orchestrator) QueueSize(ctx context.Context) (int, error) {
	pending, err := o.client.PendingRuns(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Subscribe implements the orchestrator contract.
func (o *Orchestrator) Subscribe(taskID string) (<-chan orchestrator.StatusUpdate, func(), error) {
	if _, err := o.Registry.Get(taskID); err != nil {
		return nil, nil, err
	}
	ch, cancel := o.Subs.Subscribe(taskID)
	return ch, cancel, nil
}

// DeleteTask drops the progress bookkeeping along with the shared cleanup.
func (o *Orchestrator) DeleteTask(ctx context.Context, taskID string) error {
	o.mu.Lock()
	delete(o.metaReady, taskID)
	o.mu.Unlock()
	return o.Tracker.DeleteTask(ctx, taskID)
}

// ProcessQueue periodically reconciles every live task with the engine
// so subscribers see progress without polling the API themselves.
func (o *Orchestrator) ProcessQueue(ctx context.Context) error {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, t := range o.Registry.List(func(t task.Task) bool {
				return !t.Status.IsCompleted()
			}) {
				if err := o.refreshTask(ctx, t.ID); err != nil {
					log.ErrorErr(log.CatRemote, "failed to refresh task", err, "task_id", t.ID)
				}
			}
		}
	}
}

// WarmUpCaches is a no-op: models live on the engine workers.
func (o *Orchestrator) WarmUpCaches(context.Context) error { return nil }

// ReceiveProgress ingests a worker callback. The callback identifies the
// task by run name; the name is resolved to a run id through the engine
// and the resolution memoized.
func (o *Orchestrator) ReceiveProgress(ctx context.Context, p orchestrator.Progress) error {
	if err := p.Validate(); err != nil {
		return err
	}

	taskID, err := o.resolveTaskID(ctx, p.TaskID)
	if err != nil {
		return err
	}

	if p.Kind == orchestrator.ProgressUpdateProcessed {
		o.mu.Lock()
		ready := o.metaReady[taskID]
		o.mu.Unlock()
		if !ready {
			return fmt.Errorf("%w: update_processed before set_num_docs for task %s", orchestrator.ErrProgressInvalid, taskID)
		}
	}

	err = o.Registry.Update(taskID, func(t *task.Task) error {
		if t.Status == task.StatusPending {
			if err := t.SetStatus(task.StatusStarted); err != nil {
				return err
			}
		}
		switch p.Kind {
		case orchestrator.ProgressSetNumDocs:
			t.Meta.NumDocs = p.NumDocs
		case orchestrator.ProgressUpdateProcessed:
			t.Meta.NumProcessed += p.NumProcessed
			t.Meta.NumSucceeded += p.NumSucceeded
			t.Meta.NumFailed += p.NumFailed
		}
		t.Touch()
		return nil
	})
	if err != nil {
		return err
	}
	if p.Kind == orchestrator.ProgressSetNumDocs {
		o.mu.Lock()
		o.metaReady[taskID] = true
		o.mu.Unlock()
	}
	o.NotifyTask(taskID)
	return nil
}

// resolveTaskID accepts a task id (the engine run id) or a run display
// name and returns the task id.
func (o *Orchestrator) resolveTaskID(ctx context.Context, ref string) (string, error) {
	if _, err := o.Registry.Get(ref); err == nil {
		return ref, nil
	}

	if !strings.HasPrefix(ref, runNamePrefix) {
		return "", orchestrator.ErrTaskNotFound
	}

	runID, err := o.resolveRunName(ctx, ref)
	if err != nil {
		return "", err
	}
	if _, err := o.Registry.Get(runID); err != nil {
		return "", orchestrator.ErrTaskNotFound
	}
	return runID, nil
}

// resolveRunName translates a run display name into a run id. Exactly
// one engine run may carry the name; zero or several is an error.
func (o *Orchestrator) resolveRunName(ctx context.Context, name string) (string, error) {
	if cached, ok := o.nameCache.Get(name); ok {
		return cached.(string), nil
	}

	runs, err := o.client.FindRunsByName(ctx, name)
	if err != nil {
		return "", err
	}
	if len(runs) != 1 {
		return "", fmt.Errorf("%w: run name %s matched %d runs", orchestrator.ErrProgressInvalid, name, len(runs))
	}

	o.nameCache.SetDefault(name, runs[0].RunID)
	return runs[0].RunID, nil
}

// refreshTask pulls the run state and applies it to the local task.
func (o *Orchestrator) refreshTask(ctx context.Context, taskID string) error {
	t, err := o.Registry.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status.IsCompleted() {
		return nil
	}

	run, err := o.client.GetRun(ctx, taskID)
	if err != nil {
		return err
	}

	mapped := statusFromRunState(run.State)
	if mapped == t.Status {
		return nil
	}

	err = o.Registry.Update(taskID, func(t *task.Task) error {
		if mapped == task.StatusFailure && run.Error != nil {
			log.Warn(log.CatRemote, "run failed", "task_id", taskID, "error", run.Error.Message)
		}
		return t.SetStatus(mapped)
	})
	if err != nil {
		return err
	}
	o.NotifyTask(taskID)
	return nil
}

// statusFromRunState maps engine run states onto task statuses. Unknown
// and cancelled states count as failures.
func statusFromRunState(state string) task.Status {
	switch state {
	case RunStateSucceeded:
		return task.StatusSuccess
	case RunStatePending:
		return task.StatusPending
	case RunStateRunning:
		return task.StatusStarted
	default:
		return task.StatusFailure
	}
}

// queuePosition is the 1-based place of the task's run among the
// engine's pending runs, oldest first.
func (o *Orchestrator) queuePosition(taskID string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pending, err := o.client.PendingRuns(ctx)
	if err != nil {
		log.ErrorErr(log.CatRemote, "failed to list pending runs", err, "task_id", taskID)
		return -1
	}
	for i, run := range pending {
		if run.RunID == taskID {
			return i + 1
		}
	}
	return -1
}

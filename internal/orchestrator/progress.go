package orchestrator

import (
	"fmt"
)

// Progress kinds accepted on the task progress callback.
const (
	ProgressSetNumDocs      = "set_num_docs"
	ProgressUpdateProcessed = "update_processed"
)

// Progress is one progress callback from a worker processing a task.
// TaskID may be a run name that the backend resolves to a task id.
type Progress struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`

	// ProgressSetNumDocs
	NumDocs int `json:"num_docs,omitempty"`

	// ProgressUpdateProcessed, all increments.
	NumProcessed int `json:"num_processed,omitempty"`
	NumSucceeded int `json:"num_succeeded,omitempty"`
	NumFailed    int `json:"num_failed,omitempty"`

	// Per-document names of the batch just processed, informational.
	DocsSucceeded []string `json:"docs_succeeded,omitempty"`
	DocsFailed    []string `json:"docs_failed,omitempty"`
}

// Validate checks the payload shape. Violations wrap ErrProgressInvalid
// so handlers can map them to a client error.
func (p Progress) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", ErrProgressInvalid)
	}
	switch p.Kind {
	case ProgressSetNumDocs:
		if p.NumDocs < 0 {
			return fmt.Errorf("%w: num_docs must not be negative", ErrProgressInvalid)
		}
	case ProgressUpdateProcessed:
		if p.NumProcessed < 0 || p.NumSucceeded < 0 || p.NumFailed < 0 {
			return fmt.Errorf("%w: counters must not be negative", ErrProgressInvalid)
		}
		if p.NumSucceeded+p.NumFailed > p.NumProcessed {
			return fmt.Errorf("%w: succeeded+failed exceeds processed", ErrProgressInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrProgressInvalid, p.Kind)
	}
	return nil
}

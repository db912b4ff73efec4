// Package task defines the conversion task model shared by every
// orchestration backend: status lifecycle, input sources, processing
// metadata and results.
package task

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/zjrosen/docserve/internal/convert"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusStarted Status = "started"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// IsCompleted reports whether the status is terminal.
func (s Status) IsCompleted() bool {
	return s == StatusSuccess || s == StatusFailure
}

// SourceKind discriminates the task source variants.
type SourceKind string

const (
	// SourceHTTP is a URL the worker fetches, with optional headers.
	SourceHTTP SourceKind = "http"
	// SourceFile is a base64-encoded payload with a filename.
	SourceFile SourceKind = "file"
	// SourceStream is a raw in-memory payload, used for uploads.
	SourceStream SourceKind = "stream"
)

// Source is one input document in any of its accepted shapes. Exactly
// the fields for its Kind are set.
type Source struct {
	Kind SourceKind `json:"kind"`

	// SourceHTTP
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// SourceFile
	Base64   string `json:"base64_string,omitempty"`
	Filename string `json:"filename,omitempty"`

	// SourceStream
	Name string `json:"name,omitempty"`
	Data []byte `json:"-"`
}

// HTTPSource builds a URL source.
func HTTPSource(url string, headers map[string]string) Source {
	return Source{Kind: SourceHTTP, URL: url, Headers: headers}
}

// FileSource builds a base64 source.
func FileSource(filename, base64Data string) Source {
	return Source{Kind: SourceFile, Filename: filename, Base64: base64Data}
}

// StreamSource builds an in-memory source.
func StreamSource(name string, data []byte) Source {
	return Source{Kind: SourceStream, Name: name, Data: data}
}

// ProcessingMeta tracks timing and per-document progress for a task. All
// timestamps are UTC.
type ProcessingMeta struct {
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	LastUpdateAt *time.Time `json:"last_update_at,omitempty"`

	NumDocs      int `json:"num_docs"`
	NumProcessed int `json:"num_processed"`
	NumSucceeded int `json:"num_succeeded"`
	NumFailed    int `json:"num_failed"`
}

// ResultKind discriminates the task result variants.
type ResultKind string

const (
	// ResultInline is a JSON document response held in memory.
	ResultInline ResultKind = "inline"
	// ResultFile is a ZIP archive staged on disk.
	ResultFile ResultKind = "file"
)

// Result is the outcome payload of a successful task.
type Result struct {
	Kind ResultKind

	// ResultInline
	Inline any

	// ResultFile
	Path        string
	ContentType string
	Filename    string
}

// Task is one conversion job tracked by the orchestrator. Access is
// guarded by the owning registry; the struct itself carries no locks.
type Task struct {
	ID      string
	Status  Status
	Sources []Source
	Options *convert.Options
	Meta    ProcessingMeta
	Result  *Result

	// ScratchDir is set when the task staged file output on disk.
	ScratchDir string
}

// New creates a pending task snapshotting its sources and options.
func New(id string, sources []Source, opts convert.Options) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:      id,
		Status:  StatusPending,
		Sources: sources,
		Options: &opts,
		Meta:    ProcessingMeta{CreatedAt: now, LastUpdateAt: &now},
	}
}

// SetStatus transitions the task and maintains the timestamp invariants:
// started_at is set exactly once on the first transition to started,
// finished_at exactly once on the first terminal transition, and
// last_update_at moves forward on every call.
func (t *Task) SetStatus(s Status) error {
	if t.Status.IsCompleted() && !s.IsCompleted() {
		return fmt.Errorf("cannot move task %s from %s back to %s", t.ID, t.Status, s)
	}

	now := time.Now().UTC()
	if s == StatusStarted && t.Meta.StartedAt == nil {
		t.Meta.StartedAt = &now
	}
	if s.IsCompleted() && t.Meta.FinishedAt == nil {
		t.Meta.FinishedAt = &now
	}
	t.Meta.LastUpdateAt = &now
	t.Status = s
	return nil
}

// Touch advances last_update_at without changing status.
func (t *Task) Touch() {
	now := time.Now().UTC()
	t.Meta.LastUpdateAt = &now
}

// ReleaseInputs drops the sources and options once processing finished.
// Results stay; the inputs are never needed again.
func (t *Task) ReleaseInputs() {
	t.Sources = nil
	t.Options = nil
}

// EngineSources flattens task sources into engine inputs, decoding
// base64 payloads. HTTP headers come from the first source that carries
// any; per-source headers beyond that are not supported by the engine.
func EngineSources(sources []Source) ([]convert.Source, map[string]string, error) {
	out := make([]convert.Source, 0, len(sources))
	var headers map[string]string
	for _, src := range sources {
		switch src.Kind {
		case SourceHTTP:
			if headers == nil && len(src.Headers) > 0 {
				headers = src.Headers
			}
			out = append(out, convert.Source{URL: src.URL})
		case SourceFile:
			data, err := base64.StdEncoding.DecodeString(src.Base64)
			if err != nil {
				return nil, nil, fmt.Errorf("decode base64 source %s: %w", src.Filename, err)
			}
			out = append(out, convert.Source{Name: src.Filename, Data: data})
		case SourceStream:
			out = append(out, convert.Source{Name: src.Name, Data: src.Data})
		default:
			return nil, nil, fmt.Errorf("unknown source kind %q", src.Kind)
		}
	}
	return out, headers, nil
}

// FinishedBefore reports whether the task completed before the cutoff.
// Pending and running tasks are never considered finished.
func (t *Task) FinishedBefore(cutoff time.Time) bool {
	return t.Status.IsCompleted() && t.Meta.FinishedAt != nil && t.Meta.FinishedAt.Before(cutoff)
}

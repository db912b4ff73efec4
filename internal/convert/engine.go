// Package convert defines the conversion option model, the canonical
// options fingerprint, and the bounded cache of converter instances.
// The conversion engine itself is an external collaborator; this package
// only declares the interfaces the orchestration layer consumes.
package convert

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnavailableEngine is returned when the requested OCR engine is not
// installed on this system. Handlers translate it to a 400.
var ErrUnavailableEngine = errors.New("requested OCR engine is not available on this system")

// ConversionStatus is the per-document outcome reported by the engine.
type ConversionStatus string

const (
	StatusSuccess        ConversionStatus = "success"
	StatusPartialSuccess ConversionStatus = "partial_success"
	StatusSkipped        ConversionStatus = "skipped"
	StatusFailure        ConversionStatus = "failure"
)

// ErrorItem describes a single error raised while converting a document.
type ErrorItem struct {
	ComponentType string `json:"component_type"`
	ModuleName    string `json:"module_name"`
	ErrorMessage  string `json:"error_message"`
}

// Timing is a profiling entry for one conversion stage.
type Timing struct {
	Scope string    `json:"scope"`
	Count int       `json:"count"`
	Times []float64 `json:"times"`
}

// Source is one input handed to the engine: either a URL to fetch or an
// in-memory payload. Exactly one of URL and Data is set.
type Source struct {
	Name string
	URL  string
	Data []byte
}

// Document is a converted document able to render itself into the
// supported output formats.
type Document interface {
	// Filename returns the input file name, extension included.
	Filename() string
	// ExportJSON serializes the full document model.
	ExportJSON(mode ImageRefMode) (json.RawMessage, error)
	// ExportHTML renders the document as HTML.
	ExportHTML(mode ImageRefMode) (string, error)
	// ExportMarkdown renders the document as Markdown. pageBreak, when
	// non-empty, is inserted between pages.
	ExportMarkdown(mode ImageRefMode, pageBreak string) (string, error)
	// ExportText renders the document as plain text.
	ExportText() (string, error)
	// ExportDoctags renders the document token stream.
	ExportDoctags() (string, error)
	// SaveAs writes the given format to path.
	SaveAs(path string, format OutputFormat, mode ImageRefMode, pageBreak string) error
}

// Result is the engine outcome for a single source document.
type Result struct {
	Source   string
	Status   ConversionStatus
	Errors   []ErrorItem
	Document Document
	Timings  map[string]Timing
}

// Converter is a prepared engine instance bound to one resolved options
// set. Expensive to build, cheap to reuse.
type Converter interface {
	// ConvertAll converts every source, in order. headers apply to URL
	// fetches. Implementations return one Result per source unless a
	// batch-level failure aborts the run.
	ConvertAll(ctx context.Context, sources []Source, headers map[string]string) ([]Result, error)
}

// ConcurrencySafe is implemented by converters that tolerate concurrent
// ConvertAll calls. Converters that do not implement it (or return false)
// are serialized by the Factory.
type ConcurrencySafe interface {
	ConcurrentSafe() bool
}

// Engine builds converters from resolved options. Construction is
// expensive: it loads models and warms pipelines.
type Engine interface {
	// NewConverter constructs a converter for the given resolved options.
	// Returns ErrUnavailableEngine when the OCR engine is missing.
	NewConverter(res Resolved) (Converter, error)
	// AvailableOCREngines lists the OCR engines installed on this system.
	AvailableOCREngines() []OCREngine
}

// Package enginetest provides a deterministic in-memory conversion
// engine for tests. Every source converts instantly into a small
// document whose exports are derived from the source name.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zjrosen/docserve/internal/convert"
)

// Engine is a fake convert.Engine. The zero value is usable.
type Engine struct {
	// FailBuild makes NewConverter return an error.
	FailBuild error
	// OCREngines overrides the reported OCR engines. Defaults to all.
	OCREngines []convert.OCREngine
	// Safe marks built converters as concurrency safe.
	Safe bool
	// ConvertErr, when set, is returned by every ConvertAll call.
	ConvertErr error
	// Status overrides the per-document status. Defaults to success.
	Status convert.ConversionStatus
	// Delay, when non-nil, is closed to release blocked conversions.
	Delay chan struct{}

	builds        atomic.Int64
	inFlight      atomic.Int64
	maxConcurrent atomic.Int64
}

// Builds reports how many converters this engine constructed.
func (e *Engine) Builds() int64 { return e.builds.Load() }

// MaxConcurrent reports the peak number of simultaneous ConvertAll calls
// observed across all converters built by this engine.
func (e *Engine) MaxConcurrent() int64 { return e.maxConcurrent.Load() }

func (e *Engine) enter() {
	n := e.inFlight.Add(1)
	for {
		peak := e.maxConcurrent.Load()
		if n <= peak || e.maxConcurrent.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (e *Engine) exit() { e.inFlight.Add(-1) }

func (e *Engine) NewConverter(res convert.Resolved) (convert.Converter, error) {
	if e.FailBuild != nil {
		return nil, e.FailBuild
	}
	e.builds.Add(1)
	return &FakeConverter{engine: e, resolved: res}, nil
}

func (e *Engine) AvailableOCREngines() []convert.OCREngine {
	if e.OCREngines != nil {
		return e.OCREngines
	}
	return []convert.OCREngine{convert.OCREasyOCR, convert.OCRTesseract, convert.OCRRapidOCR}
}

// FakeConverter converts sources into deterministic fake documents.
type FakeConverter struct {
	engine   *Engine
	resolved convert.Resolved

	mu    sync.Mutex
	calls int
}

// Calls reports how many ConvertAll invocations this converter served.
func (c *FakeConverter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Resolved exposes the options this converter was built with.
func (c *FakeConverter) Resolved() convert.Resolved { return c.resolved }

func (c *FakeConverter) ConcurrentSafe() bool { return c.engine.Safe }

func (c *FakeConverter) ConvertAll(ctx context.Context, sources []convert.Source, headers map[string]string) ([]convert.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	c.engine.enter()
	defer c.engine.exit()

	if c.engine.Delay != nil {
		select {
		case <-c.engine.Delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.engine.ConvertErr != nil {
		return nil, c.engine.ConvertErr
	}

	status := c.engine.Status
	if status == "" {
		status = convert.StatusSuccess
	}

	results := make([]convert.Result, 0, len(sources))
	for _, src := range sources {
		name := src.Name
		if name == "" {
			name = filepath.Base(src.URL)
		}
		r := convert.Result{
			Source:   name,
			Status:   status,
			Document: &FakeDocument{Name: name},
			Timings:  map[string]convert.Timing{"pipeline_total": {Scope: "pipeline_total", Count: 1, Times: []float64{0.01}}},
		}
		if status == convert.StatusFailure || status == convert.StatusPartialSuccess {
			r.Errors = []convert.ErrorItem{{
				ComponentType: "document_backend",
				ModuleName:    "enginetest",
				ErrorMessage:  fmt.Sprintf("simulated failure for %s", name),
			}}
		}
		if status == convert.StatusFailure || status == convert.StatusSkipped {
			r.Document = nil
		}
		results = append(results, r)
	}
	return results, nil
}

// FakeDocument renders fixed content derived from its name.
type FakeDocument struct {
	Name string
}

func (d *FakeDocument) Filename() string { return d.Name }

func (d *FakeDocument) stem() string {
	return strings.TrimSuffix(d.Name, filepath.Ext(d.Name))
}

func (d *FakeDocument) ExportJSON(convert.ImageRefMode) (json.RawMessage, error) {
	raw, err := json.Marshal(map[string]any{
		"schema_name": "DoclingDocument",
		"name":        d.stem(),
		"texts":       []string{"hello from " + d.Name},
	})
	return raw, err
}

func (d *FakeDocument) ExportHTML(convert.ImageRefMode) (string, error) {
	return "<html><body><p>hello from " + d.Name + "</p></body></html>", nil
}

func (d *FakeDocument) ExportMarkdown(_ convert.ImageRefMode, pageBreak string) (string, error) {
	body := "# " + d.stem() + "\n\nhello from " + d.Name + "\n"
	if pageBreak != "" {
		body += pageBreak + "\n"
	}
	return body, nil
}

func (d *FakeDocument) ExportText() (string, error) {
	return "hello from " + d.Name, nil
}

func (d *FakeDocument) ExportDoctags() (string, error) {
	return "<doctag><text>hello from " + d.Name + "</text></doctag>", nil
}

func (d *FakeDocument) SaveAs(path string, format convert.OutputFormat, mode convert.ImageRefMode, pageBreak string) error {
	var content string
	var err error
	switch format {
	case convert.OutputJSON:
		var raw json.RawMessage
		raw, err = d.ExportJSON(mode)
		content = string(raw)
	case convert.OutputHTML:
		content, err = d.ExportHTML(mode)
	case convert.OutputMarkdown:
		content, err = d.ExportMarkdown(mode, pageBreak)
	case convert.OutputText:
		content, err = d.ExportText()
	case convert.OutputDoctags:
		content, err = d.ExportDoctags()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

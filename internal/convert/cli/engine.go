// Package cli implements the conversion engine by executing the docling
// command line tool. Each conversion runs the tool once per source,
// exporting every format; documents then serve exports straight from the
// produced files.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/zjrosen/docserve/internal/convert"
	"github.com/zjrosen/docserve/internal/log"
)

// DefaultCommand is the executable looked up on PATH.
const DefaultCommand = "docling"

// backendFlags maps canonical backend class names onto CLI flag values.
var backendFlags = map[string]string{
	"PyPdfiumDocumentBackend":       "pypdfium2",
	"DoclingParseDocumentBackend":   "dlparse_v1",
	"DoclingParseV2DocumentBackend": "dlparse_v2",
	"DoclingParseV4DocumentBackend": "dlparse_v4",
}

var pipelineFlags = map[string]string{
	"StandardPdfPipeline": "standard",
	"VlmPipeline":         "vlm",
}

// Engine builds converters that shell out to the docling tool.
type Engine struct {
	command string
}

var _ convert.Engine = (*Engine)(nil)

// NewEngine creates an engine using the given executable. Empty means
// DefaultCommand.
func NewEngine(command string) *Engine {
	if command == "" {
		command = DefaultCommand
	}
	return &Engine{command: command}
}

// Check verifies the executable is available.
func (e *Engine) Check() error {
	if _, err := exec.LookPath(e.command); err != nil {
		return fmt.Errorf("conversion tool not found: %w", err)
	}
	return nil
}

// AvailableOCREngines reports the OCR engines the tool ships with.
func (e *Engine) AvailableOCREngines() []convert.OCREngine {
	return []convert.OCREngine{convert.OCREasyOCR, convert.OCRTesseract, convert.OCRRapidOCR}
}

// NewConverter binds a converter to one resolved option set.
func (e *Engine) NewConverter(res convert.Resolved) (convert.Converter, error) {
	args, err := argsFromResolved(res)
	if err != nil {
		return nil, err
	}
	return &Converter{command: e.command, args: args, timeout: res.DocumentTimeout}, nil
}

func argsFromResolved(res convert.Resolved) ([]string, error) {
	backend, ok := backendFlags[res.BackendClass]
	if !ok {
		return nil, fmt.Errorf("unknown backend class %q", res.BackendClass)
	}
	pipeline, ok := pipelineFlags[res.PipelineClass]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline class %q", res.PipelineClass)
	}

	args := []string{
		"--to", "json", "--to", "html", "--to", "md", "--to", "text", "--to", "doctags",
		"--pipeline", pipeline,
		"--pdf-backend", backend,
		"--table-mode", res.TableMode,
	}
	if res.DoOCR {
		args = append(args, "--ocr-engine", res.OCR.Kind)
		if len(res.OCR.Lang) > 0 {
			args = append(args, "--ocr-lang", strings.Join(res.OCR.Lang, ","))
		}
		if res.OCR.ForceFullPageOCR {
			args = append(args, "--force-ocr")
		}
	} else {
		args = append(args, "--no-ocr")
	}
	if res.DoCodeEnrichment {
		args = append(args, "--enrich-code")
	}
	if res.DoFormulaEnrichment {
		args = append(args, "--enrich-formula")
	}
	if res.DoPictureClassification {
		args = append(args, "--enrich-picture-classes")
	}
	if res.DoPictureDescription {
		args = append(args, "--enrich-picture-description")
	}
	if res.EnableRemoteServices {
		args = append(args, "--enable-remote-services")
	}
	if res.DocumentTimeout > 0 {
		args = append(args, "--document-timeout", fmt.Sprintf("%g", res.DocumentTimeout))
	}
	return args, nil
}

// Converter runs one tool invocation per source. Invocations are
// separate processes, so concurrent calls are safe.
type Converter struct {
	command string
	args    []string
	timeout float64
}

var _ convert.Converter = (*Converter)(nil)
var _ convert.ConcurrencySafe = (*Converter)(nil)

func (c *Converter) ConcurrentSafe() bool { return true }

func (c *Converter) ConvertAll(ctx context.Context, sources []convert.Source, headers map[string]string) ([]convert.Result, error) {
	results := make([]convert.Result, 0, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results = append(results, c.convertOne(ctx, src, headers))
	}
	return results, nil
}

func (c *Converter) convertOne(ctx context.Context, src convert.Source, headers map[string]string) convert.Result {
	name := src.Name
	if name == "" {
		name = filepath.Base(src.URL)
	}
	start := time.Now()

	outDir, err := os.MkdirTemp("", "docserve_out_")
	if err != nil {
		return failure(name, "filesystem", err)
	}

	input := src.URL
	if len(src.Data) > 0 {
		input = filepath.Join(outDir, name)
		if err := os.WriteFile(input, src.Data, 0o600); err != nil {
			return failure(name, "filesystem", err)
		}
	}

	args := append(append([]string{}, c.args...), "--output", outDir)
	if len(headers) > 0 && src.URL != "" {
		raw, _ := json.Marshal(headers)
		args = append(args, "--headers", string(raw))
	}
	args = append(args, input)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.timeout*float64(time.Second)))
		defer cancel()
	}

	//nolint:gosec // G204: command is operator configuration, args are built above
	cmd := exec.CommandContext(ctx, c.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			err = fmt.Errorf("%s: %s", err, strings.TrimSpace(stderr.String()))
		}
		log.ErrorErr(log.CatConvert, "conversion tool failed", err, "source", name)
		return failure(name, "document_backend", err)
	}

	stem := strings.TrimSuffix(name, filepath.Ext(name))
	doc := &Document{dir: outDir, stem: stem, name: name}
	if _, err := os.Stat(doc.path(convert.OutputMarkdown)); err != nil {
		return failure(name, "document_backend", fmt.Errorf("tool produced no output for %s", name))
	}

	elapsed := time.Since(start).Seconds()
	log.Debug(log.CatConvert, "document converted", "source", name, "duration", time.Since(start))
	return convert.Result{
		Source:   name,
		Status:   convert.StatusSuccess,
		Document: doc,
		Timings:  map[string]convert.Timing{"pipeline_total": {Scope: "pipeline_total", Count: 1, Times: []float64{elapsed}}},
	}
}

func failure(name, component string, err error) convert.Result {
	return convert.Result{
		Source: name,
		Status: convert.StatusFailure,
		Errors: []convert.ErrorItem{{
			ComponentType: component,
			ModuleName:    "cli",
			ErrorMessage:  err.Error(),
		}},
	}
}

// Document serves exports from the files the tool wrote.
type Document struct {
	dir  string
	stem string
	name string
}

var _ convert.Document = (*Document)(nil)

func (d *Document) Filename() string { return d.name }

func (d *Document) path(format convert.OutputFormat) string {
	return filepath.Join(d.dir, d.stem+"."+format.Extension())
}

func (d *Document) read(format convert.OutputFormat) (string, error) {
	raw, err := os.ReadFile(d.path(format)) // #nosec G304 -- path is under the converter's temp dir
	if err != nil {
		return "", fmt.Errorf("read %s export: %w", format, err)
	}
	return string(raw), nil
}

func (d *Document) ExportJSON(convert.ImageRefMode) (json.RawMessage, error) {
	raw, err := d.read(convert.OutputJSON)
	return json.RawMessage(raw), err
}

func (d *Document) ExportHTML(convert.ImageRefMode) (string, error) {
	return d.read(convert.OutputHTML)
}

func (d *Document) ExportMarkdown(_ convert.ImageRefMode, pageBreak string) (string, error) {
	md, err := d.read(convert.OutputMarkdown)
	if err != nil {
		return "", err
	}
	if pageBreak != "" {
		md = strings.ReplaceAll(md, "\f", pageBreak+"\n")
	}
	return md, nil
}

func (d *Document) ExportText() (string, error) {
	return d.read(convert.OutputText)
}

func (d *Document) ExportDoctags() (string, error) {
	return d.read(convert.OutputDoctags)
}

func (d *Document) SaveAs(path string, format convert.OutputFormat, mode convert.ImageRefMode, pageBreak string) error {
	var content string
	var err error
	switch format {
	case convert.OutputJSON:
		var raw json.RawMessage
		raw, err = d.ExportJSON(mode)
		content = string(raw)
	case convert.OutputMarkdown:
		content, err = d.ExportMarkdown(mode, pageBreak)
	default:
		content, err = d.read(format)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

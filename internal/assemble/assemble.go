// Package assemble turns raw conversion results into the task result the
// API serves: an inline document response for a single document, or a
// ZIP archive staged on disk for multi-document and file requests.
package assemble

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zjrosen/docserve/internal/convert"
	"github.com/zjrosen/docserve/internal/log"
	"github.com/zjrosen/docserve/internal/task"
)

// ArchiveName is the fixed filename of packaged results.
const ArchiveName = "converted_docs.zip"

// ConversionError reports documents that did not convert. Skipped
// documents are a client problem (unsupported input), everything else a
// server one; handlers map the status accordingly.
type ConversionError struct {
	Name   string
	Status convert.ConversionStatus
	Errors []convert.ErrorItem
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("document %s failed to convert with status %s", e.Name, e.Status)
}

// DocumentContent carries the requested export renditions of one
// converted document.
type DocumentContent struct {
	Filename       string          `json:"filename"`
	MDContent      string          `json:"md_content,omitempty"`
	JSONContent    json.RawMessage `json:"json_content,omitempty"`
	HTMLContent    string          `json:"html_content,omitempty"`
	TextContent    string          `json:"text_content,omitempty"`
	DoctagsContent string          `json:"doctags_content,omitempty"`
}

// DocumentResponse is the inline JSON result payload.
type DocumentResponse struct {
	Document       DocumentContent           `json:"document"`
	Status         convert.ConversionStatus  `json:"status"`
	Errors         []convert.ErrorItem       `json:"errors"`
	ProcessingTime float64                   `json:"processing_time"`
	Timings        map[string]convert.Timing `json:"timings,omitempty"`
}

// Response builds the task result from conversion results. taskDir is
// the task's scratch directory used to stage file output. A single
// successful document without return_as_file produces an inline result;
// everything else is exported to disk and zipped.
func Response(taskDir string, results []convert.Result, opts convert.Options, processingTime float64) (*task.Result, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("conversion produced no results")
	}

	if len(results) == 1 && !opts.ReturnAsFile {
		r := results[0]
		if !exported(r) {
			return nil, &ConversionError{Name: r.Source, Status: r.Status, Errors: r.Errors}
		}
		inline, err := inlineResponse(r, opts, processingTime)
		if err != nil {
			return nil, err
		}
		return &task.Result{Kind: task.ResultInline, Inline: inline}, nil
	}

	path, err := packageResults(taskDir, results, opts)
	if err != nil {
		return nil, err
	}
	return &task.Result{
		Kind:        task.ResultFile,
		Path:        path,
		ContentType: "application/zip",
		Filename:    ArchiveName,
	}, nil
}

func inlineResponse(r convert.Result, opts convert.Options, processingTime float64) (*DocumentResponse, error) {
	content := DocumentContent{Filename: r.Document.Filename()}

	for _, format := range opts.ToFormats {
		var err error
		switch format {
		case convert.OutputJSON:
			content.JSONContent, err = r.Document.ExportJSON(opts.ImageExportMode)
		case convert.OutputHTML:
			content.HTMLContent, err = r.Document.ExportHTML(opts.ImageExportMode)
		case convert.OutputMarkdown:
			content.MDContent, err = r.Document.ExportMarkdown(opts.ImageExportMode, opts.MDPageBreakPlaceholder)
		case convert.OutputText:
			content.TextContent, err = r.Document.ExportText()
		case convert.OutputDoctags:
			content.DoctagsContent, err = r.Document.ExportDoctags()
		default:
			err = fmt.Errorf("unknown output format %q", format)
		}
		if err != nil {
			return nil, fmt.Errorf("export %s as %s: %w", r.Source, format, err)
		}
	}

	errs := r.Errors
	if errs == nil {
		errs = []convert.ErrorItem{}
	}
	return &DocumentResponse{
		Document:       content,
		Status:         r.Status,
		Errors:         errs,
		ProcessingTime: processingTime,
		Timings:        r.Timings,
	}, nil
}

// exported reports whether a result carries a servable document.
func exported(r convert.Result) bool {
	switch r.Status {
	case convert.StatusSuccess, convert.StatusPartialSuccess:
		return r.Document != nil
	}
	return false
}

func packageResults(taskDir string, results []convert.Result, opts convert.Options) (string, error) {
	outDir := filepath.Join(taskDir, "output")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	var written int
	var firstErr *ConversionError
	for _, r := range results {
		if !exported(r) {
			if firstErr == nil {
				firstErr = &ConversionError{Name: r.Source, Status: r.Status, Errors: r.Errors}
			}
			if opts.AbortOnError {
				return "", firstErr
			}
			log.Warn(log.CatOrch, "skipping unconverted document", "source", r.Source, "status", r.Status)
			continue
		}
		stem := strings.TrimSuffix(r.Document.Filename(), filepath.Ext(r.Document.Filename()))
		for _, format := range opts.ToFormats {
			path := filepath.Join(outDir, stem+"."+format.Extension())
			if err := r.Document.SaveAs(path, format, opts.ImageExportMode, opts.MDPageBreakPlaceholder); err != nil {
				return "", fmt.Errorf("export %s as %s: %w", r.Source, format, err)
			}
		}
		written++
	}
	if written == 0 {
		if firstErr != nil {
			return "", firstErr
		}
		return "", fmt.Errorf("no documents were exported")
	}

	archivePath := filepath.Join(taskDir, ArchiveName)
	if err := zipDir(outDir, archivePath); err != nil {
		return "", fmt.Errorf("package results: %w", err)
	}
	log.Info(log.CatOrch, "packaged conversion results", "archive", archivePath, "documents", written)
	return archivePath, nil
}

func zipDir(dir, archivePath string) error {
	f, err := os.Create(archivePath) // #nosec G304 -- path is built from the task scratch dir
	if err != nil {
		return err
	}

	zw := zip.NewWriter(f)
	entries, err := os.ReadDir(dir)
	if err != nil {
		f.Close()
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addToZip(zw, filepath.Join(dir, entry.Name()), entry.Name()); err != nil {
			f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func addToZip(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path) // #nosec G304 -- file was written by this package
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

package convert

import (
	"fmt"
	"math"
)

// InputFormat identifies a supported input document type.
type InputFormat string

const (
	InputDocx     InputFormat = "docx"
	InputPptx     InputFormat = "pptx"
	InputHTML     InputFormat = "html"
	InputImage    InputFormat = "image"
	InputPDF      InputFormat = "pdf"
	InputAsciidoc InputFormat = "asciidoc"
	InputMarkdown InputFormat = "md"
	InputCSV      InputFormat = "csv"
	InputXlsx     InputFormat = "xlsx"
)

// AllInputFormats lists every supported input format, the from_formats default.
func AllInputFormats() []InputFormat {
	return []InputFormat{
		InputDocx, InputPptx, InputHTML, InputImage, InputPDF,
		InputAsciidoc, InputMarkdown, InputCSV, InputXlsx,
	}
}

// OutputFormat identifies a requested export format.
type OutputFormat string

const (
	OutputJSON     OutputFormat = "json"
	OutputHTML     OutputFormat = "html"
	OutputMarkdown OutputFormat = "md"
	OutputText     OutputFormat = "text"
	OutputDoctags  OutputFormat = "doctags"
)

// Extension returns the file extension used when exporting to disk.
func (f OutputFormat) Extension() string {
	if f == OutputText {
		return "txt"
	}
	return string(f)
}

// IsValid reports whether f is a recognized output format.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputJSON, OutputHTML, OutputMarkdown, OutputText, OutputDoctags:
		return true
	}
	return false
}

// ImageRefMode controls how images are referenced in exports.
type ImageRefMode string

const (
	ImageEmbedded    ImageRefMode = "embedded"
	ImagePlaceholder ImageRefMode = "placeholder"
	ImageReferenced  ImageRefMode = "referenced"
)

// OCREngine identifies the OCR implementation to use.
type OCREngine string

const (
	OCREasyOCR   OCREngine = "easyocr"
	OCRTesseract OCREngine = "tesseract"
	OCRRapidOCR  OCREngine = "rapidocr"
)

// IsValid reports whether e is a recognized OCR engine.
func (e OCREngine) IsValid() bool {
	switch e {
	case OCREasyOCR, OCRTesseract, OCRRapidOCR:
		return true
	}
	return false
}

// PdfBackend identifies the PDF parsing backend.
type PdfBackend string

const (
	BackendPyPdfium  PdfBackend = "pypdfium2"
	BackendDlparseV1 PdfBackend = "dlparse_v1"
	BackendDlparseV2 PdfBackend = "dlparse_v2"
	BackendDlparseV4 PdfBackend = "dlparse_v4"
)

// TableMode selects the table-structure model variant.
type TableMode string

const (
	TableModeFast     TableMode = "fast"
	TableModeAccurate TableMode = "accurate"
)

// PipelineKind selects the processing pipeline for PDF and image files.
type PipelineKind string

const (
	PipelineStandard PipelineKind = "standard"
	PipelineVLM      PipelineKind = "vlm"
)

// PageRange restricts conversion to an inclusive 1-based page interval.
type PageRange [2]int

// DefaultPageRange covers every page.
func DefaultPageRange() PageRange {
	return PageRange{1, math.MaxInt32}
}

// PictureDescriptionLocal configures a locally hosted vision-language
// model for picture descriptions.
type PictureDescriptionLocal struct {
	RepoID           string         `json:"repo_id"`
	Prompt           string         `json:"prompt,omitempty"`
	GenerationConfig map[string]any `json:"generation_config,omitempty"`
}

// PictureDescriptionAPI configures an OpenAI-compatible endpoint for
// picture descriptions.
type PictureDescriptionAPI struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]any    `json:"params,omitempty"`
	Timeout float64           `json:"timeout,omitempty"`
	Prompt  string            `json:"prompt,omitempty"`
}

// Options is the client-facing conversion option set, snapshotted per task
// at enqueue time.
type Options struct {
	FromFormats     []InputFormat  `json:"from_formats,omitempty"`
	ToFormats       []OutputFormat `json:"to_formats,omitempty"`
	ImageExportMode ImageRefMode   `json:"image_export_mode,omitempty"`

	DoOCR     bool      `json:"do_ocr"`
	ForceOCR  bool      `json:"force_ocr"`
	OCREngine OCREngine `json:"ocr_engine,omitempty"`
	OCRLang   []string  `json:"ocr_lang,omitempty"`

	PdfBackend PdfBackend   `json:"pdf_backend,omitempty"`
	TableMode  TableMode    `json:"table_mode,omitempty"`
	Pipeline   PipelineKind `json:"pipeline,omitempty"`
	PageRange  PageRange    `json:"page_range,omitempty"`

	// DocumentTimeout is the per-document conversion timeout in seconds,
	// clamped to the configured maximum.
	DocumentTimeout float64 `json:"document_timeout,omitempty"`

	AbortOnError bool `json:"abort_on_error"`
	ReturnAsFile bool `json:"return_as_file"`

	DoTableStructure bool    `json:"do_table_structure"`
	IncludeImages    bool    `json:"include_images"`
	ImagesScale      float64 `json:"images_scale,omitempty"`

	MDPageBreakPlaceholder string `json:"md_page_break_placeholder,omitempty"`

	DoCodeEnrichment        bool `json:"do_code_enrichment"`
	DoFormulaEnrichment     bool `json:"do_formula_enrichment"`
	DoPictureClassification bool `json:"do_picture_classification"`
	DoPictureDescription    bool `json:"do_picture_description"`

	PictureDescriptionAreaThreshold float64                  `json:"picture_description_area_threshold,omitempty"`
	PictureDescriptionLocal         *PictureDescriptionLocal `json:"picture_description_local,omitempty"`
	PictureDescriptionAPI           *PictureDescriptionAPI   `json:"picture_description_api,omitempty"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		FromFormats:                     AllInputFormats(),
		ToFormats:                       []OutputFormat{OutputMarkdown},
		ImageExportMode:                 ImageEmbedded,
		DoOCR:                           true,
		OCREngine:                       OCREasyOCR,
		PdfBackend:                      BackendDlparseV4,
		TableMode:                       TableModeFast,
		Pipeline:                        PipelineStandard,
		PageRange:                       DefaultPageRange(),
		DoTableStructure:                true,
		IncludeImages:                   true,
		ImagesScale:                     2.0,
		PictureDescriptionAreaThreshold: 0.05,
	}
}

// Validate checks field-level constraints.
func (o Options) Validate() error {
	for _, f := range o.ToFormats {
		if !f.IsValid() {
			return fmt.Errorf("unknown output format %q", f)
		}
	}
	if o.PictureDescriptionLocal != nil && o.PictureDescriptionAPI != nil {
		return fmt.Errorf("picture_description_local and picture_description_api are mutually exclusive")
	}
	if o.DocumentTimeout < 0 {
		return fmt.Errorf("document_timeout must be positive")
	}
	return nil
}

// Normalized returns a copy with defaults applied to zero-valued fields,
// the shape snapshotted on the task.
func (o Options) Normalized() Options {
	d := DefaultOptions()
	if len(o.FromFormats) == 0 {
		o.FromFormats = d.FromFormats
	}
	if len(o.ToFormats) == 0 {
		o.ToFormats = d.ToFormats
	}
	if o.ImageExportMode == "" {
		o.ImageExportMode = d.ImageExportMode
	}
	if o.OCREngine == "" {
		o.OCREngine = d.OCREngine
	}
	if o.PdfBackend == "" {
		o.PdfBackend = d.PdfBackend
	}
	if o.TableMode == "" {
		o.TableMode = d.TableMode
	}
	if o.Pipeline == "" {
		o.Pipeline = d.Pipeline
	}
	if o.PageRange == (PageRange{}) {
		o.PageRange = d.PageRange
	}
	if o.ImagesScale == 0 {
		o.ImagesScale = d.ImagesScale
	}
	if o.PictureDescriptionAreaThreshold == 0 {
		o.PictureDescriptionAreaThreshold = d.PictureDescriptionAreaThreshold
	}
	return o
}

package convert

import (
	"fmt"
	"slices"
)

// Policy carries the service-level knobs that shape resolved options.
type Policy struct {
	// AvailableOCREngines lists the OCR engines the installed engine
	// supports. Empty means every engine is accepted.
	AvailableOCREngines []OCREngine
	// MaxDocumentTimeout clamps the per-document timeout, in seconds.
	MaxDocumentTimeout float64
	// MaxNumPages and MaxFileSize are forwarded per-document guards.
	MaxNumPages int64
	MaxFileSize int64

	EnableRemoteServices bool
	AllowExternalPlugins bool
}

// Canonical class names substituted for opaque engine objects before
// hashing. Equal options must resolve to byte-identical strings.
var (
	pipelineClassNames = map[PipelineKind]string{
		PipelineStandard: "StandardPdfPipeline",
		PipelineVLM:      "VlmPipeline",
	}
	backendClassNames = map[PdfBackend]string{
		BackendPyPdfium:  "PyPdfiumDocumentBackend",
		BackendDlparseV1: "DoclingParseDocumentBackend",
		BackendDlparseV2: "DoclingParseV2DocumentBackend",
		BackendDlparseV4: "DoclingParseV4DocumentBackend",
	}
)

// ResolvedOCR is the canonical OCR section of the resolved options.
type ResolvedOCR struct {
	Kind             string   `json:"kind"`
	Lang             []string `json:"lang,omitempty"`
	ForceFullPageOCR bool     `json:"force_full_page_ocr"`
}

// ResolvedPictureDescription is the canonical picture-description section.
type ResolvedPictureDescription struct {
	AreaThreshold float64                  `json:"picture_area_threshold"`
	Local         *PictureDescriptionLocal `json:"local,omitempty"`
	API           *PictureDescriptionAPI   `json:"api,omitempty"`
}

// Resolved is the fully resolved pipeline-option structure. It contains
// every field that affects converter construction and nothing else:
// export-time options (to_formats, return_as_file, markdown placeholder)
// are deliberately absent so they never fragment the converter cache.
type Resolved struct {
	PipelineClass string `json:"pipeline_cls"`
	BackendClass  string `json:"backend"`

	DoOCR bool        `json:"do_ocr"`
	OCR   ResolvedOCR `json:"ocr_options"`

	DoTableStructure bool   `json:"do_table_structure"`
	TableMode        string `json:"table_mode"`
	DoCellMatching   bool   `json:"do_cell_matching"`

	GeneratePageImages bool    `json:"generate_page_images"`
	ImagesScale        float64 `json:"images_scale"`

	Device string `json:"device"`

	PageRange       PageRange `json:"page_range"`
	DocumentTimeout float64   `json:"document_timeout"`
	MaxNumPages     int64     `json:"max_num_pages"`
	MaxFileSize     int64     `json:"max_file_size"`

	DoCodeEnrichment        bool `json:"do_code_enrichment"`
	DoFormulaEnrichment     bool `json:"do_formula_enrichment"`
	DoPictureClassification bool `json:"do_picture_classification"`
	DoPictureDescription    bool `json:"do_picture_description"`

	PictureDescription *ResolvedPictureDescription `json:"picture_description_options,omitempty"`

	EnableRemoteServices bool `json:"enable_remote_services"`
	AllowExternalPlugins bool `json:"allow_external_plugins"`
}

// Resolve normalizes opts, applies the policy, and produces the canonical
// pipeline-option structure used for converter construction and cache
// keying. Returns ErrUnavailableEngine when the requested OCR engine is
// not installed.
func Resolve(opts Options, pol Policy) (Resolved, error) {
	opts = opts.Normalized()

	if !opts.OCREngine.IsValid() {
		return Resolved{}, fmt.Errorf("ocr_engine=%s: %w", opts.OCREngine, ErrUnavailableEngine)
	}
	if len(pol.AvailableOCREngines) > 0 && !slices.Contains(pol.AvailableOCREngines, opts.OCREngine) {
		return Resolved{}, fmt.Errorf("ocr_engine=%s: %w", opts.OCREngine, ErrUnavailableEngine)
	}

	pipelineClass, ok := pipelineClassNames[opts.Pipeline]
	if !ok {
		return Resolved{}, fmt.Errorf("unexpected pipeline type %q", opts.Pipeline)
	}
	backendClass, ok := backendClassNames[opts.PdfBackend]
	if !ok {
		return Resolved{}, fmt.Errorf("unexpected PDF backend type %q", opts.PdfBackend)
	}

	timeout := opts.DocumentTimeout
	if pol.MaxDocumentTimeout > 0 && (timeout == 0 || timeout > pol.MaxDocumentTimeout) {
		timeout = pol.MaxDocumentTimeout
	}

	res := Resolved{
		PipelineClass:    pipelineClass,
		BackendClass:     backendClass,
		DoOCR:            opts.DoOCR,
		OCR:              ResolvedOCR{Kind: string(opts.OCREngine), Lang: opts.OCRLang, ForceFullPageOCR: opts.ForceOCR},
		DoTableStructure: opts.DoTableStructure,
		TableMode:        string(opts.TableMode),
		DoCellMatching:   true,
		// Page images are needed whenever exports may reference them.
		GeneratePageImages:      opts.ImageExportMode != ImagePlaceholder,
		ImagesScale:             opts.ImagesScale,
		Device:                  "auto",
		PageRange:               opts.PageRange,
		DocumentTimeout:         timeout,
		MaxNumPages:             pol.MaxNumPages,
		MaxFileSize:             pol.MaxFileSize,
		DoCodeEnrichment:        opts.DoCodeEnrichment,
		DoFormulaEnrichment:     opts.DoFormulaEnrichment,
		DoPictureClassification: opts.DoPictureClassification,
		DoPictureDescription:    opts.DoPictureDescription,
		EnableRemoteServices:    pol.EnableRemoteServices,
		AllowExternalPlugins:    pol.AllowExternalPlugins,
	}

	if opts.DoPictureDescription {
		res.PictureDescription = &ResolvedPictureDescription{
			AreaThreshold: opts.PictureDescriptionAreaThreshold,
			Local:         opts.PictureDescriptionLocal,
			API:           opts.PictureDescriptionAPI,
		}
	}

	return res, nil
}

package convert

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// OptionsFromForm decodes conversion options from multipart form values.
// Absent fields keep their defaults; repeated fields (from_formats,
// to_formats, ocr_lang) accumulate.
func OptionsFromForm(values url.Values) (Options, error) {
	o := DefaultOptions()

	if vs := values["from_formats"]; len(vs) > 0 {
		o.FromFormats = nil
		for _, v := range vs {
			o.FromFormats = append(o.FromFormats, InputFormat(v))
		}
	}
	if vs := values["to_formats"]; len(vs) > 0 {
		o.ToFormats = nil
		for _, v := range vs {
			o.ToFormats = append(o.ToFormats, OutputFormat(v))
		}
	}
	if v := values.Get("image_export_mode"); v != "" {
		o.ImageExportMode = ImageRefMode(v)
	}

	var err error
	if o.DoOCR, err = formBool(values, "do_ocr", o.DoOCR); err != nil {
		return o, err
	}
	if o.ForceOCR, err = formBool(values, "force_ocr", o.ForceOCR); err != nil {
		return o, err
	}
	if v := values.Get("ocr_engine"); v != "" {
		o.OCREngine = OCREngine(v)
	}
	if vs := values["ocr_lang"]; len(vs) > 0 {
		o.OCRLang = vs
	}
	if v := values.Get("pdf_backend"); v != "" {
		o.PdfBackend = PdfBackend(v)
	}
	if v := values.Get("table_mode"); v != "" {
		o.TableMode = TableMode(v)
	}
	if v := values.Get("pipeline"); v != "" {
		o.Pipeline = PipelineKind(v)
	}
	if v := values.Get("page_range"); v != "" {
		if err := json.Unmarshal([]byte(v), &o.PageRange); err != nil {
			return o, fmt.Errorf("parse page_range: %w", err)
		}
	}
	if o.DocumentTimeout, err = formFloat(values, "document_timeout", o.DocumentTimeout); err != nil {
		return o, err
	}
	if o.AbortOnError, err = formBool(values, "abort_on_error", o.AbortOnError); err != nil {
		return o, err
	}
	if o.ReturnAsFile, err = formBool(values, "return_as_file", o.ReturnAsFile); err != nil {
		return o, err
	}
	if o.DoTableStructure, err = formBool(values, "do_table_structure", o.DoTableStructure); err != nil {
		return o, err
	}
	if o.IncludeImages, err = formBool(values, "include_images", o.IncludeImages); err != nil {
		return o, err
	}
	if o.ImagesScale, err = formFloat(values, "images_scale", o.ImagesScale); err != nil {
		return o, err
	}
	if v := values.Get("md_page_break_placeholder"); v != "" {
		o.MDPageBreakPlaceholder = v
	}
	if o.DoCodeEnrichment, err = formBool(values, "do_code_enrichment", o.DoCodeEnrichment); err != nil {
		return o, err
	}
	if o.DoFormulaEnrichment, err = formBool(values, "do_formula_enrichment", o.DoFormulaEnrichment); err != nil {
		return o, err
	}
	if o.DoPictureClassification, err = formBool(values, "do_picture_classification", o.DoPictureClassification); err != nil {
		return o, err
	}
	if o.DoPictureDescription, err = formBool(values, "do_picture_description", o.DoPictureDescription); err != nil {
		return o, err
	}
	if o.PictureDescriptionAreaThreshold, err = formFloat(values, "picture_description_area_threshold", o.PictureDescriptionAreaThreshold); err != nil {
		return o, err
	}
	if v := values.Get("picture_description_local"); v != "" {
		var pd PictureDescriptionLocal
		if err := json.Unmarshal([]byte(v), &pd); err != nil {
			return o, fmt.Errorf("parse picture_description_local: %w", err)
		}
		o.PictureDescriptionLocal = &pd
	}
	if v := values.Get("picture_description_api"); v != "" {
		var pd PictureDescriptionAPI
		if err := json.Unmarshal([]byte(v), &pd); err != nil {
			return o, fmt.Errorf("parse picture_description_api: %w", err)
		}
		o.PictureDescriptionAPI = &pd
	}

	return o, o.Validate()
}

func formBool(values url.Values, key string, def bool) (bool, error) {
	v := values.Get(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func formFloat(values url.Values, key string, def float64) (float64, error) {
	v := values.Get(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}

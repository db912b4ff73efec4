package assemble

import (
	"archive/zip"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/docserve/internal/convert"
	"github.com/zjrosen/docserve/internal/convert/enginetest"
	"github.com/zjrosen/docserve/internal/task"
)

func fakeResults(t *testing.T, eng *enginetest.Engine, names ...string) []convert.Result {
	t.Helper()
	conv, err := eng.NewConverter(convert.Resolved{})
	require.NoError(t, err)

	sources := make([]convert.Source, 0, len(names))
	for _, n := range names {
		sources = append(sources, convert.Source{Name: n})
	}
	results, err := conv.ConvertAll(context.Background(), sources, nil)
	require.NoError(t, err)
	return results
}

func TestResponseInlineSingleDocument(t *testing.T) {
	results := fakeResults(t, &enginetest.Engine{}, "report.pdf")

	opts := convert.DefaultOptions()
	opts.ToFormats = []convert.OutputFormat{convert.OutputMarkdown, convert.OutputText}

	res, err := Response(t.TempDir(), results, opts, 1.25)
	require.NoError(t, err)
	require.Equal(t, task.ResultInline, res.Kind)

	doc, ok := res.Inline.(*DocumentResponse)
	require.True(t, ok)
	assert.Equal(t, "report.pdf", doc.Document.Filename)
	assert.NotEmpty(t, doc.Document.MDContent)
	assert.NotEmpty(t, doc.Document.TextContent)
	assert.Empty(t, doc.Document.HTMLContent)
	assert.Equal(t, convert.StatusSuccess, doc.Status)
	assert.Equal(t, 1.25, doc.ProcessingTime)
	assert.NotNil(t, doc.Errors)
}

func TestResponseZipForMultipleDocuments(t *testing.T) {
	results := fakeResults(t, &enginetest.Engine{}, "a.pdf", "b.docx")

	opts := convert.DefaultOptions()
	opts.ToFormats = []convert.OutputFormat{convert.OutputMarkdown, convert.OutputText}

	res, err := Response(t.TempDir(), results, opts, 0.5)
	require.NoError(t, err)
	require.Equal(t, task.ResultFile, res.Kind)
	assert.Equal(t, ArchiveName, res.Filename)
	assert.Equal(t, "application/zip", res.ContentType)

	zr, err := zip.OpenReader(res.Path)
	require.NoError(t, err)
	defer zr.Close()

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	// One entry per document per format; text exports use .txt.
	assert.Equal(t, map[string]bool{
		"a.md": true, "a.txt": true,
		"b.md": true, "b.txt": true,
	}, names)
}

func TestResponseZipWhenReturnAsFile(t *testing.T) {
	results := fakeResults(t, &enginetest.Engine{}, "single.pdf")

	opts := convert.DefaultOptions()
	opts.ReturnAsFile = true

	res, err := Response(t.TempDir(), results, opts, 0.1)
	require.NoError(t, err)
	assert.Equal(t, task.ResultFile, res.Kind)
}

func TestResponseZipSkipsFailedDocuments(t *testing.T) {
	results := []convert.Result{
		{Source: "good.pdf", Status: convert.StatusSuccess, Document: &enginetest.FakeDocument{Name: "good.pdf"}},
		{Source: "bad.pdf", Status: convert.StatusFailure, Errors: []convert.ErrorItem{{ErrorMessage: "boom"}}},
	}
	opts := convert.DefaultOptions()
	opts.ToFormats = []convert.OutputFormat{convert.OutputMarkdown}

	res, err := Response(t.TempDir(), results, opts, 0)
	require.NoError(t, err)
	require.Equal(t, task.ResultFile, res.Kind)

	zr, err := zip.OpenReader(res.Path)
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	assert.Equal(t, "good.md", zr.File[0].Name)
}

func TestResponseZipAbortOnError(t *testing.T) {
	results := []convert.Result{
		{Source: "good.pdf", Status: convert.StatusSuccess, Document: &enginetest.FakeDocument{Name: "good.pdf"}},
		{Source: "bad.pdf", Status: convert.StatusFailure, Errors: []convert.ErrorItem{{ErrorMessage: "boom"}}},
	}
	opts := convert.DefaultOptions()
	opts.AbortOnError = true

	_, err := Response(t.TempDir(), results, opts, 0)
	var convErr *ConversionError
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, "bad.pdf", convErr.Name)
}

func TestResponseZipAllDocumentsFailed(t *testing.T) {
	results := []convert.Result{
		{Source: "a.pdf", Status: convert.StatusFailure},
		{Source: "b.pdf", Status: convert.StatusSkipped},
	}

	_, err := Response(t.TempDir(), results, convert.DefaultOptions(), 0)
	var convErr *ConversionError
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, "a.pdf", convErr.Name)
}

func TestResponseFailures(t *testing.T) {
	t.Run("no results", func(t *testing.T) {
		_, err := Response(t.TempDir(), nil, convert.DefaultOptions(), 0)
		require.Error(t, err)
	})

	t.Run("skipped document", func(t *testing.T) {
		results := fakeResults(t, &enginetest.Engine{Status: convert.StatusSkipped}, "weird.bin")
		_, err := Response(t.TempDir(), results, convert.DefaultOptions(), 0)

		var convErr *ConversionError
		require.ErrorAs(t, err, &convErr)
		assert.Equal(t, convert.StatusSkipped, convErr.Status)
	})

	t.Run("failed document", func(t *testing.T) {
		results := fakeResults(t, &enginetest.Engine{Status: convert.StatusFailure}, "bad.pdf")
		_, err := Response(t.TempDir(), results, convert.DefaultOptions(), 0)

		var convErr *ConversionError
		require.ErrorAs(t, err, &convErr)
		assert.Equal(t, convert.StatusFailure, convErr.Status)
		assert.NotEmpty(t, convErr.Errors)
	})

	t.Run("partial success is served", func(t *testing.T) {
		results := fakeResults(t, &enginetest.Engine{Status: convert.StatusPartialSuccess}, "ok-ish.pdf")
		res, err := Response(t.TempDir(), results, convert.DefaultOptions(), 0)
		require.NoError(t, err)

		doc, ok := res.Inline.(*DocumentResponse)
		require.True(t, ok)
		assert.Equal(t, convert.StatusPartialSuccess, doc.Status)
		assert.NotEmpty(t, doc.Errors)
	})
}

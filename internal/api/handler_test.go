package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/docserve/internal/convert"
	"github.com/zjrosen/docserve/internal/convert/enginetest"
	"github.com/zjrosen/docserve/internal/orchestrator/local"
	"github.com/zjrosen/docserve/internal/scratch"
)

type testServer struct {
	*httptest.Server
	orch *local.Orchestrator
}

func newTestServer(t *testing.T, eng *enginetest.Engine, cfg Config) *testServer {
	t.Helper()

	store, err := scratch.New(t.TempDir())
	require.NoError(t, err)

	factory, err := convert.NewFactory(eng, convert.Policy{}, 2)
	require.NoError(t, err)

	orch := local.New(factory, store, local.Options{NumWorkers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.ProcessQueue(ctx)
	}()

	if cfg.MaxSyncWait == 0 {
		cfg.MaxSyncWait = 10 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "test"
		cfg.EngineKind = "local"
	}

	h := NewHandler(orch, factory, cfg)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &testServer{Server: srv, orch: orch}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func sourceBody(urls ...string) map[string]any {
	sources := make([]map[string]any, 0, len(urls))
	for _, u := range urls {
		sources = append(sources, map[string]any{"url": u})
	}
	return map[string]any{"http_sources": sources}
}

func TestHealthAndServiceInfo(t *testing.T) {
	ts := newTestServer(t, &enginetest.Engine{}, Config{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)

	resp, err = http.Get(ts.URL + "/api")
	require.NoError(t, err)
	info := decode[ServiceInfo](t, resp)
	assert.Equal(t, "docserve", info.Name)
	assert.Equal(t, "local", info.Engine)
}

func TestConvertSourceSync(t *testing.T) {
	ts := newTestServer(t, &enginetest.Engine{}, Config{})

	resp := postJSON(t, ts.URL+Prefix+"/convert/source", sourceBody("http://example.com/doc.pdf"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	doc, ok := body["document"].(map[string]any)
	require.True(t, ok, "response carries an inline document: %v", body)
	assert.Equal(t, "doc.pdf", doc["filename"])
	assert.NotEmpty(t, doc["md_content"])
	assert.Equal(t, "success", body["status"])
}

func TestConvertSourceBase64File(t *testing.T) {
	ts := newTestServer(t, &enginetest.Engine{}, Config{})

	payload := base64.StdEncoding.EncodeToString([]byte("%PDF-1.7 fake"))
	resp := postJSON(t, ts.URL+Prefix+"/convert/source", map[string]any{
		"file_sources": []map[string]any{{"filename": "inline.pdf", "base64_string": payload}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	doc, ok := body["document"].(map[string]any)
	require.True(t, ok, "response carries an inline document: %v", body)
	assert.Equal(t, "inline.pdf", doc["filename"])
}

func TestConvertSourceAsyncAndPoll(t *testing.T) {
	ts := newTestServer(t, &enginetest.Engine{}, Config{})

	resp := postJSON(t, ts.URL+Prefix+"/convert/source/async", sourceBody("http://example.com/doc.pdf"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[TaskStatusResponse](t, resp)
	require.NotEmpty(t, st.TaskID)

	resp, err := http.Get(fmt.Sprintf("%s%s/status/poll/%s?wait=10", ts.URL, Prefix, st.TaskID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decode[TaskStatusResponse](t, resp)
	assert.Equal(t, "success", string(st.TaskStatus))
	require.NotNil(t, st.TaskMeta.FinishedAt)

	resp, err = http.Get(fmt.Sprintf("%s%s/result/%s", ts.URL, Prefix, st.TaskID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Contains(t, body, "document")
}

func TestConvertSourceValidation(t *testing.T) {
	ts := newTestServer(t, &enginetest.Engine{}, Config{})

	// No sources.
	resp := postJSON(t, ts.URL+Prefix+"/convert/source", map[string]any{"http_sources": []any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// URL source without a url.
	resp = postJSON(t, ts.URL+Prefix+"/convert/source", map[string]any{
		"http_sources": []map[string]any{{"headers": map[string]string{"X": "y"}}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// File source without its payload.
	resp = postJSON(t, ts.URL+Prefix+"/convert/source", map[string]any{
		"file_sources": []map[string]any{{"filename": "a.pdf"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Unknown top-level fields are rejected.
	resp = postJSON(t, ts.URL+Prefix+"/convert/source", map[string]any{
		"sources": []map[string]any{{"url": "http://example.com/doc.pdf"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// A valid partial options object is accepted.
	body := sourceBody("http://example.com/doc.pdf")
	body["options"] = map[string]any{"ocr_engine": "easyocr"}
	resp = postJSON(t, ts.URL+Prefix+"/convert/source/async", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestUnavailableOCREngine(t *testing.T) {
	eng := &enginetest.Engine{OCREngines: []convert.OCREngine{convert.OCRTesseract}}

	store, err := scratch.New(t.TempDir())
	require.NoError(t, err)
	factory, err := convert.NewFactory(eng, convert.Policy{
		AvailableOCREngines: eng.AvailableOCREngines(),
	}, 2)
	require.NoError(t, err)
	orch := local.New(factory, store, local.Options{NumWorkers: 1})

	h := NewHandler(orch, factory, Config{MaxSyncWait: time.Second})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	body := sourceBody("http://example.com/doc.pdf")
	body["options"] = map[string]any{"ocr_engine": "easyocr"}
	resp := postJSON(t, srv.URL+Prefix+"/convert/source/async", body)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errResp := decode[ErrorResponse](t, resp)
	assert.Equal(t, "unavailable_engine", errResp.Code)
}

func TestSyncTimeoutKeepsTask(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ts := newTestServer(t, &enginetest.Engine{Delay: release, Safe: true}, Config{MaxSyncWait: 100 * time.Millisecond})

	resp := postJSON(t, ts.URL+Prefix+"/convert/source", sourceBody("http://example.com/slow.pdf"))
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	errResp := decode[ErrorResponse](t, resp)
	assert.Equal(t, "sync_timeout", errResp.Code)

	// The task keeps running and stays visible.
	assert.Equal(t, 1, ts.orch.Registry.Len())
}

func TestConvertFileMultipart(t *testing.T) {
	ts := newTestServer(t, &enginetest.Engine{}, Config{MaxFileSize: 1 << 20})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "upload.pdf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.7 fake"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("to_formats", "text"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+Prefix+"/convert/file", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	doc := body["document"].(map[string]any)
	assert.Equal(t, "upload.pdf", doc["filename"])
	assert.NotEmpty(t, doc["text_content"])
	assert.Nil(t, doc["md_content"])
}

func TestConvertFileRequiresFiles(t *testing.T) {
	ts := newTestServer(t, &enginetest.Engine{}, Config{MaxFileSize: 1 << 20})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("to_formats", "md"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+Prefix+"/convert/file/async", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestZipDownload(t *testing.T) {
	ts := newTestServer(t, &enginetest.Engine{}, Config{})

	body := sourceBody("http://example.com/a.pdf", "http://example.com/b.pdf")
	resp := postJSON(t, ts.URL+Prefix+"/convert/source", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "converted_docs.zip")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("PK")), "response is a ZIP archive")
}

func TestResultNotFound(t *testing.T) {
	ts := newTestServer(t, &enginetest.Engine{}, Config{})

	resp, err := http.Get(ts.URL + Prefix + "/result/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProgressCallbackValidation(t *testing.T) {
	ts := newTestServer(t, &enginetest.Engine{}, Config{})

	resp := postJSON(t, ts.URL+Prefix+"/callback/task/progress", map[string]any{
		"task_id": "x", "kind": "bogus",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errResp := decode[ErrorResponse](t, resp)
	assert.Equal(t, "progress_invalid", errResp.Code)
}

func TestClearEndpoints(t *testing.T) {
	ts := newTestServer(t, &enginetest.Engine{}, Config{})

	// Run one conversion so a converter is cached and a result exists.
	resp := postJSON(t, ts.URL+Prefix+"/convert/source", sourceBody("http://example.com/doc.pdf"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + Prefix + "/clear/converters")
	require.NoError(t, err)
	cleared := decode[ClearResponse](t, resp)
	assert.Equal(t, "ok", cleared.Status)
	assert.Contains(t, cleared.Detail, "1 converters")

	resp, err = http.Get(ts.URL + Prefix + "/clear/results?older_then=0")
	require.NoError(t, err)
	cleared = decode[ClearResponse](t, resp)
	assert.Equal(t, "ok", cleared.Status)
	assert.Equal(t, 0, ts.orch.Registry.Len())

	resp, err = http.Get(ts.URL + Prefix + "/clear/results?older_then=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConversionFailureReturns500(t *testing.T) {
	ts := newTestServer(t, &enginetest.Engine{Status: convert.StatusFailure}, Config{})

	resp := postJSON(t, ts.URL+Prefix+"/convert/source", sourceBody("http://example.com/bad.pdf"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestSkippedDocumentReturns400(t *testing.T) {
	ts := newTestServer(t, &enginetest.Engine{Status: convert.StatusSkipped}, Config{})

	resp := postJSON(t, ts.URL+Prefix+"/convert/source", sourceBody("http://example.com/weird.bin"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

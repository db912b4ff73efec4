package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/zjrosen/docserve/internal/assemble"
	"github.com/zjrosen/docserve/internal/convert"
	"github.com/zjrosen/docserve/internal/log"
	"github.com/zjrosen/docserve/internal/orchestrator"
	"github.com/zjrosen/docserve/internal/task"
)

// Prefix is the versioned API prefix.
const Prefix = "/v1alpha"

// Converters is the cache-clearing surface of the local backend. The
// remote backend has no local converters and passes nil.
type Converters interface {
	Clear() int
}

// Config carries the request-handling limits.
type Config struct {
	MaxSyncWait time.Duration
	MaxFileSize int64
	Version     string
	EngineKind  string
}

// Handler serves the conversion API on top of an orchestrator backend.
type Handler struct {
	orch       orchestrator.Orchestrator
	converters Converters
	cfg        Config
}

// NewHandler wires the API handler.
func NewHandler(orch orchestrator.Orchestrator, converters Converters, cfg Config) *Handler {
	return &Handler{orch: orch, converters: converters, cfg: cfg}
}

// Routes builds the HTTP mux with every endpoint registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /api", h.handleServiceInfo)
	mux.HandleFunc("GET /favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST "+Prefix+"/convert/source", h.handleConvertSource)
	mux.HandleFunc("POST "+Prefix+"/convert/source/async", h.handleConvertSourceAsync)
	mux.HandleFunc("POST "+Prefix+"/convert/file", h.handleConvertFile)
	mux.HandleFunc("POST "+Prefix+"/convert/file/async", h.handleConvertFileAsync)

	mux.HandleFunc("GET "+Prefix+"/status/poll/{task_id}", h.handleStatusPoll)
	mux.HandleFunc("GET "+Prefix+"/status/ws/{task_id}", h.handleStatusWS)
	mux.HandleFunc("GET "+Prefix+"/result/{task_id}", h.handleResult)

	mux.HandleFunc("POST "+Prefix+"/callback/task/progress", h.handleProgressCallback)

	mux.HandleFunc("GET "+Prefix+"/clear/converters", h.handleClearConverters)
	mux.HandleFunc("GET "+Prefix+"/clear/results", h.handleClearResults)

	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *Handler) handleServiceInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ServiceInfo{
		Name:    "docserve",
		Version: h.cfg.Version,
		Engine:  h.cfg.EngineKind,
	})
}

// decodeConvertRequest reads the JSON body, filling unset option fields
// with their defaults.
func decodeConvertRequest(r *http.Request) (ConvertRequest, error) {
	req := ConvertRequest{Options: convert.DefaultOptions()}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	if len(req.HTTPSources)+len(req.FileSources) == 0 {
		return req, errors.New("at least one source is required")
	}
	for i, s := range req.HTTPSources {
		if s.URL == "" {
			return req, fmt.Errorf("http_sources[%d]: url is required", i)
		}
	}
	for i, s := range req.FileSources {
		if s.Base64 == "" || s.Filename == "" {
			return req, fmt.Errorf("file_sources[%d]: base64_string and filename are required", i)
		}
	}
	return req, req.Options.Validate()
}

func (h *Handler) handleConvertSourceAsync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeConvertRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err)
		return
	}
	h.enqueueAsync(w, r, req.Sources(), req.Options)
}

func (h *Handler) handleConvertSource(w http.ResponseWriter, r *http.Request) {
	req, err := decodeConvertRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err)
		return
	}
	h.enqueueSync(w, r, req.Sources(), req.Options)
}

// parseFileUpload extracts sources and options from a multipart upload.
func (h *Handler) parseFileUpload(r *http.Request) ([]task.Source, convert.Options, error) {
	if err := r.ParseMultipartForm(h.cfg.MaxFileSize); err != nil {
		return nil, convert.Options{}, fmt.Errorf("parse multipart form: %w", err)
	}

	opts, err := convert.OptionsFromForm(r.MultipartForm.Value)
	if err != nil {
		return nil, convert.Options{}, err
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		return nil, convert.Options{}, errors.New("at least one file is required")
	}

	sources := make([]task.Source, 0, len(files))
	for _, fh := range files {
		if h.cfg.MaxFileSize > 0 && fh.Size > h.cfg.MaxFileSize {
			return nil, convert.Options{}, fmt.Errorf("file %s exceeds the %d byte limit", fh.Filename, h.cfg.MaxFileSize)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, convert.Options{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, convert.Options{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
		}
		sources = append(sources, task.StreamSource(fh.Filename, data))
	}
	return sources, opts, nil
}

func (h *Handler) handleConvertFileAsync(w http.ResponseWriter, r *http.Request) {
	sources, opts, err := h.parseFileUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err)
		return
	}
	h.enqueueAsync(w, r, sources, opts)
}

func (h *Handler) handleConvertFile(w http.ResponseWriter, r *http.Request) {
	sources, opts, err := h.parseFileUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err)
		return
	}
	h.enqueueSync(w, r, sources, opts)
}

func (h *Handler) enqueueAsync(w http.ResponseWriter, r *http.Request, sources []task.Source, opts convert.Options) {
	t, err := h.orch.Enqueue(r.Context(), sources, opts)
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	st, err := h.orch.TaskStatus(r.Context(), t.ID, 0)
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(st))
}

// enqueueSync submits the task and waits up to MaxSyncWait for its
// completion. Hitting the deadline answers 504; the task keeps running
// and stays fetchable through the async endpoints.
func (h *Handler) enqueueSync(w http.ResponseWriter, r *http.Request, sources []task.Source, opts convert.Options) {
	t, err := h.orch.Enqueue(r.Context(), sources, opts)
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}

	st, err := h.orch.TaskStatus(r.Context(), t.ID, h.cfg.MaxSyncWait)
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	if !st.Status.IsCompleted() {
		writeError(w, http.StatusGatewayTimeout, "sync_timeout",
			fmt.Errorf("conversion did not finish within %s, poll task %s instead", h.cfg.MaxSyncWait, t.ID))
		return
	}
	h.serveResult(w, r, t.ID, st)
}

func (h *Handler) handleStatusPoll(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		seconds, err := strconv.ParseFloat(raw, 64)
		if err != nil || seconds < 0 {
			writeError(w, http.StatusBadRequest, "validation_error", fmt.Errorf("invalid wait value %q", raw))
			return
		}
		wait = time.Duration(seconds * float64(time.Second))
	}

	st, err := h.orch.TaskStatus(r.Context(), taskID, wait)
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(st))
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	st, err := h.orch.TaskStatus(r.Context(), taskID, 0)
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	h.serveResult(w, r, taskID, st)
}

// serveResult renders a completed task: inline JSON, a ZIP download, or
// the failure detail.
func (h *Handler) serveResult(w http.ResponseWriter, r *http.Request, taskID string, st orchestrator.StatusUpdate) {
	res, err := h.orch.TaskResult(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrResultNotReady) && st.Status == task.StatusFailure {
			writeError(w, http.StatusInternalServerError, "conversion_failed",
				fmt.Errorf("task %s failed to convert", taskID))
			return
		}
		h.writeOrchestratorError(w, err)
		return
	}

	if st.Status == task.StatusFailure {
		status, payload := failurePayload(taskID, res)
		writeJSON(w, status, payload)
		return
	}

	switch res.Kind {
	case task.ResultInline:
		writeJSON(w, http.StatusOK, res.Inline)
	case task.ResultFile:
		w.Header().Set("Content-Type", res.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
		http.ServeFile(w, r, res.Path)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", fmt.Errorf("unknown result kind %q", res.Kind))
	}
}

// failurePayload maps a failed task's stored detail onto a status code:
// skipped documents are the client's problem, everything else ours.
func failurePayload(taskID string, res *task.Result) (int, any) {
	detail, ok := res.Inline.(map[string]any)
	if !ok {
		return http.StatusInternalServerError, ErrorResponse{
			Error: fmt.Sprintf("task %s failed to convert", taskID),
			Code:  "conversion_failed",
		}
	}
	status := http.StatusInternalServerError
	if s, ok := detail["status"].(convert.ConversionStatus); ok && s == convert.StatusSkipped {
		status = http.StatusBadRequest
	}
	return status, detail
}

func (h *Handler) handleProgressCallback(w http.ResponseWriter, r *http.Request) {
	var p orchestrator.Progress
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", fmt.Errorf("decode progress: %w", err))
		return
	}
	if err := h.orch.ReceiveProgress(r.Context(), p); err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearResponse{Status: "ack"})
}

func (h *Handler) handleClearConverters(w http.ResponseWriter, _ *http.Request) {
	if h.converters == nil {
		writeJSON(w, http.StatusOK, ClearResponse{Status: "ok", Detail: "engine keeps no local converters"})
		return
	}
	n := h.converters.Clear()
	writeJSON(w, http.StatusOK, ClearResponse{Status: "ok", Detail: fmt.Sprintf("%d converters evicted", n)})
}

func (h *Handler) handleClearResults(w http.ResponseWriter, r *http.Request) {
	olderThan := time.Hour
	if raw := r.URL.Query().Get("older_then"); raw != "" {
		seconds, err := strconv.ParseFloat(raw, 64)
		if err != nil || seconds < 0 {
			writeError(w, http.StatusBadRequest, "validation_error", fmt.Errorf("invalid older_then value %q", raw))
			return
		}
		olderThan = time.Duration(seconds * float64(time.Second))
	}

	if err := h.orch.ClearResults(r.Context(), olderThan); err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearResponse{Status: "ok"})
}

// writeOrchestratorError maps backend errors onto HTTP status codes.
func (h *Handler) writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task_not_found", err)
	case errors.Is(err, orchestrator.ErrResultNotReady):
		writeError(w, http.StatusNotFound, "result_not_ready", err)
	case errors.Is(err, orchestrator.ErrProgressInvalid):
		writeError(w, http.StatusBadRequest, "progress_invalid", err)
	case errors.Is(err, convert.ErrUnavailableEngine):
		writeError(w, http.StatusBadRequest, "unavailable_engine", err)
	default:
		var convErr *assemble.ConversionError
		if errors.As(err, &convErr) && convErr.Status == convert.StatusSkipped {
			writeError(w, http.StatusBadRequest, "conversion_skipped", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}

func statusResponse(st orchestrator.StatusUpdate) TaskStatusResponse {
	resp := TaskStatusResponse{
		TaskID:     st.TaskID,
		TaskStatus: st.Status,
		TaskMeta:   st.Meta,
	}
	if st.Position >= 0 {
		pos := st.Position
		resp.TaskPosition = &pos
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.ErrorErr(log.CatAPI, "failed to encode response", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	if status >= http.StatusInternalServerError {
		log.ErrorErr(log.CatAPI, "request failed", err, "status", status)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

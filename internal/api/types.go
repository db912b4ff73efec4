package api

import (
	"github.com/zjrosen/docserve/internal/convert"
	"github.com/zjrosen/docserve/internal/task"
)

// HTTPSourceRequest is one URL input in a convert-from-source body.
type HTTPSourceRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// FileSourceRequest is one base64-encoded input in a convert-from-source
// body.
type FileSourceRequest struct {
	Base64   string `json:"base64_string"`
	Filename string `json:"filename"`
}

// ConvertRequest is the JSON body of the convert-from-source endpoints.
type ConvertRequest struct {
	Options     convert.Options     `json:"options"`
	HTTPSources []HTTPSourceRequest `json:"http_sources"`
	FileSources []FileSourceRequest `json:"file_sources"`
}

// Sources flattens the request arrays into task sources, HTTP first.
func (req ConvertRequest) Sources() []task.Source {
	sources := make([]task.Source, 0, len(req.HTTPSources)+len(req.FileSources))
	for _, s := range req.HTTPSources {
		sources = append(sources, task.HTTPSource(s.URL, s.Headers))
	}
	for _, s := range req.FileSources {
		sources = append(sources, task.FileSource(s.Filename, s.Base64))
	}
	return sources
}

// TaskStatusResponse is the public view of a task.
type TaskStatusResponse struct {
	TaskID       string              `json:"task_id"`
	TaskStatus   task.Status         `json:"task_status"`
	TaskPosition *int                `json:"task_position,omitempty"`
	TaskMeta     task.ProcessingMeta `json:"task_meta"`
}

// Websocket message kinds.
const (
	WSMessageConnection = "connection"
	WSMessageUpdate     = "update"
	WSMessageError      = "error"
)

// WebsocketMessage is one frame on the task status websocket.
type WebsocketMessage struct {
	Message string              `json:"message"`
	Task    *TaskStatusResponse `json:"task,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// ClearResponse acknowledges a cache or result sweep.
type ClearResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthResponse is the health probe payload.
type HealthResponse struct {
	Status string `json:"status"`
}

// ServiceInfo describes the running service on the root API endpoint.
type ServiceInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Engine  string `json:"engine"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

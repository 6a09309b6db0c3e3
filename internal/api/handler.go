// Package api provides the HTTP API handlers and routing for the figure service.
package api

import (
	"autofigure/internal/apperrors"
	"autofigure/internal/eventbus"
	"autofigure/internal/health"
	"autofigure/internal/job"
	"autofigure/internal/observability"
	"autofigure/internal/upload"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

const defaultHeartbeat = 10 * time.Second

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc       *job.Service
	metrics   *observability.Metrics
	health    *health.Checker
	uploads   *upload.Store
	heartbeat time.Duration
}

// NewHandler creates a new API handler. heartbeat is the idle period after
// which an event stream sends a keepalive comment.
func NewHandler(svc *job.Service, metrics *observability.Metrics, healthChecker *health.Checker, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Handler{
		svc:       svc,
		metrics:   metrics,
		health:    healthChecker,
		heartbeat: heartbeat,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Create(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	status, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	resp, err := h.svc.Cancel(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// StreamEvents handles GET /v1/jobs/{jobId}/events as Server-Sent Events.
// The stream ends after the close event, or after the replay for a job that
// had already finished.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	q, err := h.svc.Subscribe(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer h.svc.Unsubscribe(context.WithoutCancel(r.Context()), jobID, q)

	logger := slog.With("jobId", jobID)
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Warn("Event stream not flushable", "error", err)
	}

	for {
		ctx, cancel := context.WithTimeout(r.Context(), h.heartbeat)
		e, err := q.Next(ctx)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, eventbus.ErrClosed):
			return
		case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
			continue
		default:
			logger.Debug("Event stream client went away")
			return
		}

		if err := writeEvent(w, e); err != nil {
			logger.Debug("Failed to write event", "error", err)
			return
		}
		_ = rc.Flush()

		if e.Name == eventbus.EventClose {
			return
		}
	}
}

// writeEvent writes one SSE frame.
func writeEvent(w io.Writer, e eventbus.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, data)
	return err
}

// GetLogs handles GET /v1/jobs/{jobId}/logs
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	logs, err := h.svc.Logs(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer logs.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, logs); err != nil {
		slog.Debug("Failed to stream log", "jobId", jobID, "error", err)
	}
}

// ListArtifacts handles GET /v1/jobs/{jobId}/artifacts
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	entries, err := h.svc.Artifacts(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"artifacts": entries})
}

// GetArtifact handles GET /v1/jobs/{jobId}/artifacts/{path...}
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	f, info, err := h.svc.OpenArtifact(r.Context(), jobID, r.PathValue("path"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer f.Close()

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// GetArchive handles GET /v1/jobs/{jobId}/archive
func (h *Handler) GetArchive(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	// Resolve the job before any bytes are written so lookups still map to 404.
	if _, err := h.svc.Get(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".tar.gz"))
	w.WriteHeader(http.StatusOK)
	if err := h.svc.Archive(r.Context(), jobID, w); err != nil {
		slog.Warn("Archive stream failed", "jobId", jobID, "error", err)
	}
}

// UploadReference handles POST /v1/uploads. The image is read from the
// multipart field "file" and streamed to the store.
func (h *Handler) UploadReference(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.uploads.MaxSize()+maxRequestBodySize)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Expected a multipart form: "+err.Error())
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Missing file field")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid multipart body: "+err.Error())
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		up, err := h.uploads.Save(r.Context(), part.FileName(), part.Header.Get("Content-Type"), part)
		part.Close()
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		if h.metrics != nil {
			h.metrics.RecordUpload(r.Context())
		}
		writeJSON(w, http.StatusCreated, up)
		return
	}
}

// GetUpload handles GET /v1/uploads/{name}
func (h *Handler) GetUpload(w http.ResponseWriter, r *http.Request) {
	f, info, err := h.uploads.Open(r.Context(), r.PathValue("name"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer f.Close()

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// Livez handles GET /livez - liveness check.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness check.
// Returns 200 if the service is ready to accept jobs, even when degraded.
// Returns 503 if the outputs directory or the script is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "Job ID is required")
		return "", false
	}
	return jobID, true
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	writeError(w, status, err.Error())
}

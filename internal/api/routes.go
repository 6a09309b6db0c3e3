package api

import (
	"autofigure/internal/health"
	"autofigure/internal/job"
	"autofigure/internal/observability"
	"autofigure/internal/upload"
	"net/http"
	"time"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService        *job.Service
	Metrics           *observability.Metrics
	HealthChecker     *health.Checker
	Uploads           *upload.Store // nil disables the upload routes
	APIKey            string
	HeartbeatInterval time.Duration
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Metrics, cfg.HealthChecker, cfg.HeartbeatInterval)
	handler.uploads = cfg.Uploads

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", authMiddleware(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", authMiddleware(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.DeleteJob)))
	mux.Handle("GET /v1/jobs/{jobId}/events", authMiddleware(http.HandlerFunc(handler.StreamEvents)))
	mux.Handle("GET /v1/jobs/{jobId}/logs", authMiddleware(http.HandlerFunc(handler.GetLogs)))
	mux.Handle("GET /v1/jobs/{jobId}/artifacts", authMiddleware(http.HandlerFunc(handler.ListArtifacts)))
	mux.Handle("GET /v1/jobs/{jobId}/artifacts/{path...}", authMiddleware(http.HandlerFunc(handler.GetArtifact)))
	mux.Handle("GET /v1/jobs/{jobId}/archive", authMiddleware(http.HandlerFunc(handler.GetArchive)))

	// Reference images for the referenceImage job field
	if cfg.Uploads != nil {
		mux.Handle("POST /v1/uploads", authMiddleware(http.HandlerFunc(handler.UploadReference)))
		mux.Handle("GET /v1/uploads/{name}", authMiddleware(http.HandlerFunc(handler.GetUpload)))
	}

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}

package api

import (
	"fablab/internal/facility"
	"fablab/internal/health"
	"fablab/internal/job"
	"fablab/internal/observability"
	"fablab/internal/quota"
	"fablab/internal/registry"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Facility      *facility.Cache
	Quota         *quota.Controller
	Store         registry.Store
	Metrics       *observability.Metrics
	HealthChecker *health.Checker

	// UploadDir and MaxUploadSize bound job submissions.
	UploadDir     string
	MaxUploadSize int64
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes)
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	mux.HandleFunc("GET /fablab/{$}", handler.Inventory)
	mux.HandleFunc("GET /fablab/quota", handler.Quota)
	mux.HandleFunc("POST /fablab/jobs", handler.SubmitJob)
	mux.HandleFunc("GET /fablab/jobs/status/{id}", handler.JobStatus)
	mux.HandleFunc("DELETE /fablab/jobs/{id}", handler.CancelJob)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahmethakanbesel/price-backfill/internal/backfill"
)

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer). A nil gatherer
// serves the default Prometheus registry on /metrics.
func NewHandler(mgr *backfill.Manager, gatherer prometheus.Gatherer) http.Handler {
	return newMux(mgr, gatherer)
}

func newMux(mgr *backfill.Manager, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &handler{mgr: mgr}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/v1/jobs", h.createJob)
	mux.HandleFunc("GET /api/v1/jobs", h.listJobs)
	mux.HandleFunc("GET /api/v1/jobs/stats", h.jobStats)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.getJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.deleteJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/logs", h.jobLogs)
	mux.HandleFunc("POST /api/v1/jobs/{id}/pause", h.control(mgr.PauseJob))
	mux.HandleFunc("POST /api/v1/jobs/{id}/resume", h.control(mgr.ResumeJob))
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", h.control(mgr.CancelJob))

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}

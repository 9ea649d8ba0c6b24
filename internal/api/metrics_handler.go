package api

import (
	"net/http"
)

// handleMetricsJSON serves the collector snapshot as JSON. Prometheus
// scrapes /metrics instead.
func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusNotImplemented, "metrics_disabled", "metrics are not configured")
		return
	}
	s.metrics.Sync()
	s.writeJSON(w, http.StatusOK, s.metrics.GetMetrics())
}

package api

import (
	"context"
	"net/http"
	"time"
)

// Version is reported by /health.
var Version = "dev"

// HealthResponse is the JSON response for the /health endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Stakers int    `json:"stakers"`
	Oracle  string `json:"oracle"`
	Version string `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

// handleHealthCheck handles GET /health for load balancer checks. The
// service is unhealthy while stopped or when no valid price is available,
// since stakes cannot be priced.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Version: Version,
		Oracle:  "ok",
	}

	if !s.isRunning() {
		resp.Status = "unhealthy"
		resp.Reason = "server not running"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Stakers = s.staking.Stakers()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := s.staking.CurrentPrice(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Oracle = "unavailable"
		resp.Reason = err.Error()
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Status = "healthy"
	s.writeJSON(w, http.StatusOK, resp)
}

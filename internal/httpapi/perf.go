package httpapi

import "net/http"

// handlePerfLatency reports the rolling per-stage turn latency window.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.TurnStages())
}

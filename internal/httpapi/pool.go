package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"fundspread-aggregator/internal/venue"
)

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"pool":      s.pools.Status(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handlePoolReconnect(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["exchange"]
	ex := venue.Exchange(strings.ToLower(raw))
	if !ex.Valid() {
		writeError(w, http.StatusBadRequest, "unsupported exchange %q", raw)
		return
	}
	if !s.pools.HasVenue(ex) {
		writeError(w, http.StatusBadRequest, "exchange %s not enabled", ex)
		return
	}

	// Detached on purpose: a full teardown and redial outlives the
	// request write timeout.
	go func() {
		if err := s.pools.ReconnectVenue(context.Background(), ex); err != nil {
			log.Error().Err(err).Str("exchange", string(ex)).Msg("venue reconnect failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":   true,
		"exchange":  ex,
		"message":   "reconnect started, watch /api/pool/status for progress",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleMonitorHealth(w http.ResponseWriter, r *http.Request) {
	report := s.pools.HealthCheck()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

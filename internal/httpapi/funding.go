package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"fundspread-aggregator/internal/funding"
	"fundspread-aggregator/internal/venue"
)

func (s *Server) handleFundingSettlements(w http.ResponseWriter, r *http.Request) {
	snapshot, fetchedAt := s.store.FundingSettlements(venue.Binance)

	if sym := strings.ToUpper(r.URL.Query().Get("symbol")); sym != "" {
		entry, ok := snapshot[sym]
		if !ok {
			writeError(w, http.StatusNotFound, "no settlement data for %s", sym)
			return
		}
		snapshot = map[string]map[string]any{sym: entry}
	}

	resp := map[string]any{
		"success":     true,
		"exchange":    venue.Binance,
		"count":       len(snapshot),
		"settlements": snapshot,
		"poller":      s.poller.Status(),
		"timestamp":   time.Now().Format(time.RFC3339),
	}
	if !fetchedAt.IsZero() {
		resp["fetched_at"] = fetchedAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFundingFetch(w http.ResponseWriter, r *http.Request) {
	result, err := s.poller.ManualFetch(r.Context())
	switch {
	case errors.Is(err, funding.ErrQuotaExhausted):
		writeJSON(w, http.StatusTooManyRequests, result)
	case !result.Success:
		writeJSON(w, http.StatusBadGateway, result)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

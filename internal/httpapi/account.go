package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"fundspread-aggregator/internal/venue"
)

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["exchange"]
	ex := venue.Exchange(strings.ToLower(raw))
	if !ex.Valid() {
		writeError(w, http.StatusBadRequest, "unsupported exchange %q", raw)
		return
	}

	var (
		balances any
		err      error
	)
	switch ex {
	case venue.Binance:
		balances, err = s.binance.Balance(r.Context())
	case venue.OKX:
		balances, err = s.okx.Balance(r.Context())
	}
	if err != nil {
		log.Error().Err(err).Str("exchange", string(ex)).Msg("balance fetch failed")
		writeError(w, http.StatusBadGateway, "balance fetch failed: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"exchange":  ex,
		"balances":  balances,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["exchange"]
	ex := venue.Exchange(strings.ToLower(raw))
	if !ex.Valid() {
		writeError(w, http.StatusBadRequest, "unsupported exchange %q", raw)
		return
	}

	var (
		positions any
		err       error
	)
	switch ex {
	case venue.Binance:
		positions, err = s.binance.Positions(r.Context())
	case venue.OKX:
		positions, err = s.okx.Positions(r.Context())
	}
	if err != nil {
		log.Error().Err(err).Str("exchange", string(ex)).Msg("positions fetch failed")
		writeError(w, http.StatusBadGateway, "positions fetch failed: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"exchange":  ex,
		"positions": positions,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"fundspread-aggregator/internal/venue"
	"fundspread-aggregator/internal/venue/binance"
	"fundspread-aggregator/internal/venue/okx"
)

// orderBody is the venue-neutral order payload; the handler translates
// it into the venue's native request.
type orderBody struct {
	Symbol string  `json:"symbol"`
	Type   string  `json:"type"`
	Side   string  `json:"side"`
	Amount float64 `json:"amount"`
	Price  float64 `json:"price"`
}

func (o *orderBody) validate() error {
	switch {
	case o.Symbol == "":
		return fmt.Errorf("missing required field: symbol")
	case o.Type == "":
		return fmt.Errorf("missing required field: type")
	case o.Side == "":
		return fmt.Errorf("missing required field: side")
	case o.Amount <= 0:
		return fmt.Errorf("missing required field: amount")
	}
	return nil
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["exchange"]
	ex := venue.Exchange(strings.ToLower(raw))
	if !ex.Valid() {
		writeError(w, http.StatusBadRequest, "unsupported exchange %q", raw)
		return
	}

	var body orderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	var (
		order any
		err   error
	)
	switch ex {
	case venue.Binance:
		req := binance.OrderRequest{
			Symbol:   strings.ToUpper(body.Symbol),
			Side:     strings.ToUpper(body.Side),
			Type:     strings.ToUpper(body.Type),
			Quantity: formatAmount(body.Amount),
		}
		if body.Price > 0 {
			req.Price = formatAmount(body.Price)
		}
		order, err = s.binance.PlaceOrder(r.Context(), req)
	case venue.OKX:
		req := okx.OrderRequest{
			InstID:  venue.InstIDFromCanonical(strings.ToUpper(body.Symbol)),
			TdMode:  "cross",
			Side:    strings.ToLower(body.Side),
			OrdType: strings.ToLower(body.Type),
			Size:    formatAmount(body.Amount),
		}
		if body.Price > 0 {
			req.Price = formatAmount(body.Price)
		}
		order, err = s.okx.PlaceOrder(r.Context(), req)
	}
	if err != nil {
		log.Error().Err(err).Str("exchange", string(ex)).Str("symbol", body.Symbol).Msg("order placement failed")
		writeError(w, http.StatusBadGateway, "order placement failed: %v", err)
		return
	}

	log.Info().
		Str("exchange", string(ex)).
		Str("symbol", body.Symbol).
		Str("side", body.Side).
		Str("type", body.Type).
		Msg("order placed")
	writeJSON(w, http.StatusOK, map[string]any{
		"exchange":  ex,
		"order":     order,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// formatAmount renders the shortest exact decimal form.
func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

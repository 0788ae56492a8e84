package httpapi

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"fundspread-aggregator/internal/pipeline"
	"fundspread-aggregator/internal/venue"
)

const (
	defaultSampleSize = 3
	maxSampleSize     = 10
	fundingRateCap    = 50
)

// agedEvent decorates a stored event with its age at read time.
type agedEvent struct {
	*venue.Event
	AgeSeconds float64 `json:"age_seconds"`
}

func (s *Server) handleAllWebsocketData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	showAll := q.Get("show_all") == "true"
	showTypes := q.Get("show_types") == "true"

	sampleSize := defaultSampleSize
	if raw := q.Get("sample"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid sample size %q", raw)
			return
		}
		if n > maxSampleSize {
			n = maxSampleSize
		}
		sampleSize = n
	}

	counts := make(map[venue.Exchange]int, len(venue.All))
	stats := make(map[venue.Exchange]map[string]int, len(venue.All))
	total := 0
	for _, ex := range venue.All {
		symbols := s.store.Symbols(ex)
		counts[ex] = len(symbols)
		stats[ex] = s.dataTypeStats(ex, symbols)
		total += len(symbols)
	}

	resp := map[string]any{
		"success":   true,
		"timestamp": time.Now().Format(time.RFC3339),
		"summary": map[string]any{
			"okx_symbols_count":     counts[venue.OKX],
			"binance_symbols_count": counts[venue.Binance],
			"total_symbols":         total,
			"data_type_stats":       stats,
		},
	}

	if showAll {
		data := make(map[venue.Exchange]any, len(venue.All))
		for _, ex := range venue.All {
			data[ex] = s.venueDump(ex)
		}
		resp["data"] = data
	} else {
		sample := make(map[venue.Exchange]any, len(venue.All))
		for _, ex := range venue.All {
			sample[ex] = s.venueSample(ex, sampleSize, showTypes)
		}
		resp["sample"] = sample

		hints := []string{"pass show_all=true for the full data set"}
		if !showTypes {
			hints = append(hints, "pass show_types=true to include every data type")
		}
		hints = append(hints, fmt.Sprintf("sample size %d, adjust with sample=N (max %d)", sampleSize, maxSampleSize))
		resp["hint"] = strings.Join(hints, " | ")
	}

	writeJSON(w, http.StatusOK, resp)
}

// dataTypeStats counts, per event kind, how many of the venue's symbols
// carry that kind.
func (s *Server) dataTypeStats(ex venue.Exchange, symbols []string) map[string]int {
	stats := make(map[string]int, len(venue.MarketKinds)+1)
	stats["total_symbols"] = len(symbols)
	for _, k := range venue.MarketKinds {
		stats[string(k)] = 0
	}
	for _, sym := range symbols {
		for k := range s.store.SymbolData(ex, sym) {
			stats[string(k)]++
		}
	}
	return stats
}

func (s *Server) venueDump(ex venue.Exchange) map[string]map[venue.EventKind]*venue.Event {
	symbols := s.store.Symbols(ex)
	out := make(map[string]map[venue.EventKind]*venue.Event, len(symbols))
	for _, sym := range symbols {
		out[sym] = s.store.SymbolData(ex, sym)
	}
	return out
}

// venueSample returns the first sampleSize symbols in lexical order,
// latest event only unless showTypes asks for every kind.
func (s *Server) venueSample(ex venue.Exchange, sampleSize int, showTypes bool) map[string]any {
	symbols := s.store.Symbols(ex)
	sort.Strings(symbols)
	if len(symbols) > sampleSize {
		symbols = symbols[:sampleSize]
	}
	out := make(map[string]any, len(symbols))
	for _, sym := range symbols {
		if showTypes {
			out[sym] = s.store.SymbolData(ex, sym)
		} else if ev := s.store.LatestEvent(ex, sym); ev != nil {
			out[sym] = ev
		}
	}
	return out
}

func (s *Server) handleSymbolDetail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ex := venue.Exchange(strings.ToLower(vars["exchange"]))
	symbol := strings.ToUpper(vars["symbol"])
	if !ex.Valid() {
		writeError(w, http.StatusBadRequest, "unsupported exchange %q", vars["exchange"])
		return
	}

	data := s.store.SymbolData(ex, symbol)
	if len(data) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   fmt.Sprintf("no data for %s %s", ex, symbol),
			"hint":    "check the symbol spelling, whether it is subscribed, and whether data has arrived yet",
		})
		return
	}

	kinds := make([]string, 0, len(data))
	aged := make(map[venue.EventKind]agedEvent, len(data))
	for k, ev := range data {
		kinds = append(kinds, string(k))
		aged[k] = agedEvent{Event: ev, AgeSeconds: time.Since(ev.Received).Seconds()}
	}
	sort.Strings(kinds)

	resp := map[string]any{
		"success":          true,
		"exchange":         ex,
		"symbol":           symbol,
		"data_types_count": len(data),
		"data_types":       kinds,
		"timestamp":        time.Now().Format(time.RFC3339),
	}

	showAllTypes := r.URL.Query().Get("show_all_types") == "true"
	latest := s.store.LatestEvent(ex, symbol)
	if showAllTypes || len(data) <= 3 || latest == nil {
		resp["data"] = aged
	} else {
		resp["data"] = map[venue.EventKind]agedEvent{
			latest.Kind: {Event: latest, AgeSeconds: time.Since(latest.Received).Seconds()},
		}
		resp["hint"] = fmt.Sprintf("showing the latest data type %s only, pass show_all_types=true for all %d", latest.Kind, len(data))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebsocketStatus(w http.ResponseWriter, r *http.Request) {
	connStatus := make(map[venue.Exchange]map[string]any, len(venue.All))
	for _, ex := range venue.All {
		status := s.store.ConnectionStatus(ex)
		if history := s.store.FailoverHistory(ex); len(history) > 0 {
			status["failover_history"] = history
		}
		connStatus[ex] = status
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"timestamp": time.Now().Format(time.RFC3339),
		"stats": map[string]any{
			"total_exchanges": len(venue.All),
			"exchanges":       venue.All,
			"data_statistics": s.store.Stats(),
		},
		"connection_status": connStatus,
	})
}

// fundingRateItem is one row of the funding-rate listing.
type fundingRateItem struct {
	Symbol       string  `json:"symbol"`
	ContractName string  `json:"contract_name"`
	FundingRate  float64 `json:"funding_rate"`
	AgeSeconds   float64 `json:"age_seconds"`
	Timestamp    string  `json:"timestamp"`
}

// rateKinds maps each venue to the event kind carrying its funding
// rate: OKX has a dedicated channel, Binance rides the mark-price frame.
var rateKinds = map[venue.Exchange]venue.EventKind{
	venue.OKX:     venue.KindFundingRate,
	venue.Binance: venue.KindMarkPrice,
}

func (s *Server) handleFundingRates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	exFilter := strings.ToLower(q.Get("exchange"))
	if exFilter != "" && !venue.Exchange(exFilter).Valid() {
		writeError(w, http.StatusBadRequest, "unsupported exchange %q", exFilter)
		return
	}
	minRate, err := parseRateParam(q.Get("min_rate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid min_rate: %v", err)
		return
	}
	maxRate, err := parseRateParam(q.Get("max_rate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid max_rate: %v", err)
		return
	}
	showAll := q.Get("show_all") == "true"
	sortBy := q.Get("sort_by")
	if sortBy == "" {
		sortBy = "rate"
	}
	switch sortBy {
	case "rate", "abs_rate", "symbol":
	default:
		writeError(w, http.StatusBadRequest, "invalid sort_by %q, want rate, abs_rate or symbol", sortBy)
		return
	}

	rates := make(map[venue.Exchange]any)
	exchanges := make([]venue.Exchange, 0, len(venue.All))
	totalSymbols := 0
	truncated := false
	for _, ex := range venue.All {
		if exFilter != "" && string(ex) != exFilter {
			continue
		}
		items := s.collectFundingRates(ex, minRate, maxRate)
		sortFundingRates(items, sortBy)
		totalSymbols += len(items)
		if !showAll && len(items) > fundingRateCap {
			items = items[:fundingRateCap]
			truncated = true
		}
		rates[ex] = map[string]any{"count": len(items), "data": items}
		exchanges = append(exchanges, ex)
	}

	queryEcho := map[string]any{
		"exchange": "all",
		"min_rate": minRate,
		"max_rate": maxRate,
		"sort_by":  sortBy,
	}
	if exFilter != "" {
		queryEcho["exchange"] = exFilter
	}

	resp := map[string]any{
		"success":       true,
		"timestamp":     time.Now().Format(time.RFC3339),
		"query":         queryEcho,
		"funding_rates": rates,
		"summary": map[string]any{
			"total_exchanges": len(exchanges),
			"total_symbols":   totalSymbols,
			"exchanges":       exchanges,
		},
	}
	if truncated {
		resp["hint"] = fmt.Sprintf("%d symbols matched, showing the first %d per exchange, pass show_all=true for the full set", totalSymbols, fundingRateCap)
	}

	writeJSON(w, http.StatusOK, resp)
}

// collectFundingRates pulls each symbol's rate-bearing event through the
// extraction table so wire-format knowledge stays in one place.
func (s *Server) collectFundingRates(ex venue.Exchange, minRate, maxRate *float64) []fundingRateItem {
	kind := rateKinds[ex]
	var extractor pipeline.Extractor
	items := make([]fundingRateItem, 0)
	for _, sym := range s.store.Symbols(ex) {
		ev := s.store.SymbolData(ex, sym)[kind]
		if ev == nil {
			continue
		}
		recs := extractor.Process([]*venue.Event{ev})
		if len(recs) == 0 {
			continue
		}
		rate, ok := rateValue(recs[0].Fields["funding_rate"])
		if !ok {
			continue
		}
		if minRate != nil && rate < *minRate {
			continue
		}
		if maxRate != nil && rate > *maxRate {
			continue
		}
		items = append(items, fundingRateItem{
			Symbol:       recs[0].Symbol,
			ContractName: fieldString(recs[0].Fields["contract_name"]),
			FundingRate:  rate,
			AgeSeconds:   time.Since(ev.Received).Seconds(),
			Timestamp:    ev.Received.Format(time.RFC3339),
		})
	}
	return items
}

// sortFundingRates orders rows for display: rate ascending, abs_rate
// largest first, symbol lexical.
func sortFundingRates(items []fundingRateItem, sortBy string) {
	sort.SliceStable(items, func(i, j int) bool {
		switch sortBy {
		case "abs_rate":
			return math.Abs(items[i].FundingRate) > math.Abs(items[j].FundingRate)
		case "symbol":
			return items[i].Symbol < items[j].Symbol
		default:
			return items[i].FundingRate < items[j].FundingRate
		}
	})
}

func parseRateParam(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// rateValue coerces the extracted funding rate, which venues ship as a
// decimal string.
func rateValue(v any) (float64, bool) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case float64:
		return t, true
	}
	return 0, false
}

func fieldString(v any) string {
	s, _ := v.(string)
	return s
}

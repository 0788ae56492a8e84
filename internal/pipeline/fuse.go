package pipeline

import (
	"math"
	"strconv"

	"github.com/rs/zerolog/log"

	"fundspread-aggregator/internal/venue"
)

// Fuser is stage two: merges the current batch's extracted records into
// one record per (venue, symbol). It holds no state across invocations.
type Fuser struct{}

type fuseKey struct {
	venue  venue.Exchange
	symbol string
}

// Process merges extracted records. Venue rules: OKX groups need a price
// or a funding rate; Binance groups need a mark-price event, which is
// the only funding rate source, so a Binance output never lacks a rate.
func (f *Fuser) Process(records []Extracted) []Fused {
	order := make([]fuseKey, 0, len(records))
	groups := make(map[fuseKey][]Extracted, len(records))
	for _, rec := range records {
		key := fuseKey{venue: rec.Venue, symbol: rec.Symbol}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	out := make([]Fused, 0, len(order))
	for _, key := range order {
		var fused *Fused
		switch key.venue {
		case venue.OKX:
			fused = fuseOKX(key.symbol, groups[key])
		case venue.Binance:
			fused = fuseBinance(key.symbol, groups[key])
		}
		if fused != nil {
			out = append(out, *fused)
		}
	}
	return out
}

func fuseOKX(symbol string, group []Extracted) *Fused {
	fused := &Fused{Venue: venue.OKX, Symbol: symbol}
	for _, rec := range group {
		switch rec.TypeKey {
		case "okx_ticker":
			fused.ContractName = asString(rec.Fields["contract_name"])
			fused.LatestPrice = asString(rec.Fields["latest_price"])
		case "okx_funding_rate":
			if fused.ContractName == "" {
				fused.ContractName = asString(rec.Fields["contract_name"])
			}
			fused.FundingRate = asString(rec.Fields["funding_rate"])
			fused.CurrentSettlementTS = toInt64(rec.Fields["current_settlement_time"])
			fused.NextSettlementTS = toInt64(rec.Fields["next_settlement_time"])
		}
	}
	if fused.LatestPrice == "" && fused.FundingRate == "" {
		return nil
	}
	return fused
}

func fuseBinance(symbol string, group []Extracted) *Fused {
	fused := &Fused{Venue: venue.Binance, Symbol: symbol}
	hasMarkPrice := false
	for _, rec := range group {
		switch rec.TypeKey {
		case "binance_mark_price":
			hasMarkPrice = true
			fused.ContractName = asString(rec.Fields["contract_name"])
			fused.FundingRate = asString(rec.Fields["funding_rate"])
			fused.CurrentSettlementTS = toInt64(rec.Fields["current_settlement_time"])
		case "binance_ticker":
			if fused.ContractName == "" {
				fused.ContractName = asString(rec.Fields["contract_name"])
			}
			fused.LatestPrice = asString(rec.Fields["latest_price"])
		case "binance_funding_settlement":
			fused.LastSettlementTS = toInt64(rec.Fields["last_settlement_time"])
		}
	}
	// Mark price is the funding rate source; without it the group
	// cannot satisfy the rate-never-null contract.
	if !hasMarkPrice || fused.FundingRate == "" {
		return nil
	}
	return fused
}

// asString renders a wire value as its string form. JSON numbers decode
// as float64; integral ones print without an exponent.
func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(s, 10)
	case int:
		return strconv.Itoa(s)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}

// toInt64 coerces a wire timestamp to milliseconds. Absent values pass
// through as nil silently; uncoercible ones warn and become nil.
func toInt64(v any) *int64 {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		if t != math.Trunc(t) || math.Abs(t) >= math.MaxInt64 {
			log.Warn().Float64("value", t).Msg("fuse: non-integer timestamp, using null")
			return nil
		}
		n := int64(t)
		return &n
	case int64:
		n := t
		return &n
	case int:
		n := int64(t)
		return &n
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			log.Warn().Str("value", t).Msg("fuse: unparseable timestamp, using null")
			return nil
		}
		return &n
	default:
		log.Warn().Interface("value", v).Msg("fuse: unsupported timestamp type, using null")
		return nil
	}
}

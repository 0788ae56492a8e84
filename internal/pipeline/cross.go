package pipeline

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var bpsFactor = decimal.NewFromInt(10000)

// Crosser is stage five: inter-venue differentials over exact decimal
// arithmetic. A differential is emitted only when both inputs parse;
// the record itself is always emitted.
type Crosser struct{}

// Process computes FundingRateDiff and PriceBasis as OKX minus Binance,
// and PriceBasisBps relative to the Binance price.
func (c *Crosser) Process(records []Computed) []FinalRecord {
	now := time.Now().UTC()
	out := make([]FinalRecord, 0, len(records))
	for _, rec := range records {
		final := FinalRecord{Computed: rec, ComputedAt: now}

		okxRate, okA := parseDecimal(rec.Symbol, "okx funding_rate", rec.OKX.FundingRate)
		bnRate, okB := parseDecimal(rec.Symbol, "binance funding_rate", rec.Binance.FundingRate)
		if okA && okB {
			final.FundingRateDiff = okxRate.Sub(bnRate).String()
		}

		okxPrice, okA := parseDecimal(rec.Symbol, "okx price", rec.OKX.Price)
		bnPrice, okB := parseDecimal(rec.Symbol, "binance price", rec.Binance.Price)
		if okA && okB {
			basis := okxPrice.Sub(bnPrice)
			final.PriceBasis = basis.String()
			if !bnPrice.IsZero() {
				final.PriceBasisBps = basis.Div(bnPrice).Mul(bpsFactor).Round(6).String()
			}
		}

		out = append(out, final)
	}
	return out
}

// parseDecimal reports absent fields silently and malformed ones loudly.
func parseDecimal(symbol, field, value string) (decimal.Decimal, bool) {
	if value == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		log.Warn().Str("symbol", symbol).Str("field", field).Str("value", value).
			Msg("cross: unparseable decimal")
		return decimal.Decimal{}, false
	}
	return d, true
}

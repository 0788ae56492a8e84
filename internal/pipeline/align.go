package pipeline

import (
	"time"

	"fundspread-aggregator/internal/config"
	"fundspread-aggregator/internal/venue"
)

// settlementLayout is the 24-hour rendering used for settlement instants.
const settlementLayout = "2006-01-02 15:04:05"

// FormatSettlement renders a millisecond UTC timestamp in the settlement
// zone. Absent or non-positive timestamps render empty; the caller keeps
// the record either way.
func FormatSettlement(ms *int64) string {
	if ms == nil || *ms <= 0 {
		return ""
	}
	return time.UnixMilli(*ms).In(config.SettlementZone).Format(settlementLayout)
}

// Aligner is stage three: keeps only symbols present on both venues and
// renders their settlement instants.
type Aligner struct{}

type alignedLegs struct {
	okx     *Fused
	binance *Fused
}

// Process pairs fused records by canonical symbol. Single-venue symbols
// are dropped; a kept record may still carry empty settlement strings.
func (a *Aligner) Process(records []Fused) []Aligned {
	order := make([]string, 0, len(records))
	grouped := make(map[string]*alignedLegs, len(records))
	for i := range records {
		rec := &records[i]
		legs, seen := grouped[rec.Symbol]
		if !seen {
			legs = &alignedLegs{}
			grouped[rec.Symbol] = legs
			order = append(order, rec.Symbol)
		}
		switch rec.Venue {
		case venue.OKX:
			legs.okx = rec
		case venue.Binance:
			legs.binance = rec
		}
	}

	out := make([]Aligned, 0, len(order))
	for _, symbol := range order {
		legs := grouped[symbol]
		if legs.okx == nil || legs.binance == nil {
			continue
		}
		out = append(out, Aligned{
			Symbol:  symbol,
			OKX:     okxLeg(legs.okx),
			Binance: binanceLeg(legs.binance),
		})
	}
	return out
}

// okxLeg renders the OKX side. The venue reports current and next
// settlement boundaries; it never carries a last one.
func okxLeg(f *Fused) Leg {
	return Leg{
		ContractName:        f.ContractName,
		Price:               f.LatestPrice,
		FundingRate:         f.FundingRate,
		CurrentSettlement:   FormatSettlement(f.CurrentSettlementTS),
		NextSettlement:      FormatSettlement(f.NextSettlementTS),
		CurrentSettlementMs: f.CurrentSettlementTS,
		NextSettlementMs:    f.NextSettlementTS,
	}
}

// binanceLeg renders the Binance side. Mark price carries the current
// boundary; the settlement poller backfills the last one.
func binanceLeg(f *Fused) Leg {
	return Leg{
		ContractName:        f.ContractName,
		Price:               f.LatestPrice,
		FundingRate:         f.FundingRate,
		LastSettlement:      FormatSettlement(f.LastSettlementTS),
		CurrentSettlement:   FormatSettlement(f.CurrentSettlementTS),
		LastSettlementMs:    f.LastSettlementTS,
		CurrentSettlementMs: f.CurrentSettlementTS,
	}
}

package pipeline

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundspread-aggregator/internal/venue"
)

const (
	// defaultComputeCapacity bounds the per-venue caches when the
	// symbol universe size is unknown at construction.
	defaultComputeCapacity = 2048

	// rateWindowSize is the rolling funding-rate window behind the mean.
	rateWindowSize = 8

	// defaultIntervalMs is assumed until an interval has been observed.
	defaultIntervalMs = int64(8 * time.Hour / time.Millisecond)
)

// symbolState is the cached derivation state for one (venue, symbol).
type symbolState struct {
	rates         []decimal.Decimal
	intervalMs    int64
	lastCurrentMs int64
}

// Computer is stage four: enriches each leg with derived fields backed
// by one bounded cache per venue, keyed by canonical symbol.
type Computer struct {
	caches map[venue.Exchange]*lru.Cache[string, *symbolState]
}

// NewComputer sizes the per-venue caches; capacity ≤ 0 falls back to the
// default bound.
func NewComputer(capacity int) *Computer {
	if capacity <= 0 {
		capacity = defaultComputeCapacity
	}
	caches := make(map[venue.Exchange]*lru.Cache[string, *symbolState], len(venue.All))
	for _, ex := range venue.All {
		cache, _ := lru.New[string, *symbolState](capacity)
		caches[ex] = cache
	}
	return &Computer{caches: caches}
}

// Process derives both venues' enrichment for each aligned record.
func (c *Computer) Process(records []Aligned) []Computed {
	out := make([]Computed, 0, len(records))
	for _, rec := range records {
		out = append(out, Computed{
			Aligned:        rec,
			OKXDerived:     c.derive(venue.OKX, rec.Symbol, rec.OKX),
			BinanceDerived: c.derive(venue.Binance, rec.Symbol, rec.Binance),
		})
	}
	return out
}

// derive updates the symbol's cached state from the leg and renders the
// derived fields. The interval comes straight from the venue when both
// boundaries are present, otherwise it is learned from successive
// current boundaries; the prediction falls back to an assumed interval
// until one is observed.
func (c *Computer) derive(ex venue.Exchange, symbol string, leg Leg) Derived {
	cache := c.caches[ex]
	state, ok := cache.Get(symbol)
	if !ok {
		state = &symbolState{}
		cache.Add(symbol, state)
	}

	current := msValue(leg.CurrentSettlementMs)
	next := msValue(leg.NextSettlementMs)
	switch {
	case current > 0 && next > current:
		state.intervalMs = next - current
	case current > 0 && state.lastCurrentMs > 0 && current > state.lastCurrentMs:
		state.intervalMs = current - state.lastCurrentMs
	}
	if current > 0 {
		state.lastCurrentMs = current
	}

	var d Derived
	if state.intervalMs > 0 {
		d.FundingIntervalHours = float64(state.intervalMs) / float64(time.Hour/time.Millisecond)
	}

	intervalMs := state.intervalMs
	if intervalMs <= 0 {
		intervalMs = defaultIntervalMs
	}
	switch {
	case next > 0:
		d.PredictedNextMs = &next
	case current > 0:
		predicted := current + intervalMs
		d.PredictedNextMs = &predicted
	}
	d.PredictedNextSettlement = FormatSettlement(d.PredictedNextMs)

	if leg.FundingRate != "" {
		rate, err := decimal.NewFromString(leg.FundingRate)
		if err != nil {
			log.Warn().
				Str("exchange", string(ex)).
				Str("symbol", symbol).
				Str("funding_rate", leg.FundingRate).
				Msg("compute: unparseable funding rate, sample skipped")
		} else {
			state.rates = append(state.rates, rate)
			if len(state.rates) > rateWindowSize {
				state.rates = state.rates[len(state.rates)-rateWindowSize:]
			}
		}
	}
	if len(state.rates) > 0 {
		d.AvgFundingRate = decimal.Avg(state.rates[0], state.rates[1:]...).String()
		d.RateSamples = len(state.rates)
	}
	return d
}

func msValue(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

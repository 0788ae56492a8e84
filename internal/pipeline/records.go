// Package pipeline implements the five-stage normalization flow:
// extract, fuse, align, per-venue compute, cross-venue compute. Stages
// are pure over their input batch; the only cross-invocation state is
// the bounded per-venue cache behind stage four.
package pipeline

import (
	"context"
	"time"

	"fundspread-aggregator/internal/venue"
)

// Extracted is a stage-one record: canonical field names mapped to the
// values pulled out of the raw frame.
type Extracted struct {
	TypeKey string
	Venue   venue.Exchange
	Symbol  string
	Fields  map[string]any
}

// Fused is a stage-two record: one per (venue, symbol) carrying the
// merged view of that venue's events. Empty strings mean absent; nil
// timestamps mean absent or uncoercible.
type Fused struct {
	Venue               venue.Exchange
	Symbol              string
	ContractName        string
	LatestPrice         string
	FundingRate         string
	LastSettlementTS    *int64
	CurrentSettlementTS *int64
	NextSettlementTS    *int64
}

// Leg is one venue's side of an aligned record. Settlement strings are
// UTC+8 renderings; empty string means the wire timestamp was absent or
// invalid. Raw milliseconds are preserved alongside.
type Leg struct {
	ContractName        string `json:"contract_name"`
	Price               string `json:"latest_price,omitempty"`
	FundingRate         string `json:"funding_rate,omitempty"`
	LastSettlement      string `json:"last_settlement,omitempty"`
	CurrentSettlement   string `json:"current_settlement,omitempty"`
	NextSettlement      string `json:"next_settlement,omitempty"`
	LastSettlementMs    *int64 `json:"last_settlement_ms,omitempty"`
	CurrentSettlementMs *int64 `json:"current_settlement_ms,omitempty"`
	NextSettlementMs    *int64 `json:"next_settlement_ms,omitempty"`
}

// Aligned is a stage-three record: one per canonical symbol present on
// both venues.
type Aligned struct {
	Symbol  string `json:"symbol"`
	OKX     Leg    `json:"okx"`
	Binance Leg    `json:"binance"`
}

// Derived carries stage-four per-venue enrichment.
type Derived struct {
	FundingIntervalHours    float64 `json:"funding_interval_hours,omitempty"`
	PredictedNextSettlement string  `json:"predicted_next_settlement,omitempty"`
	PredictedNextMs         *int64  `json:"predicted_next_ms,omitempty"`
	AvgFundingRate          string  `json:"avg_funding_rate,omitempty"`
	RateSamples             int     `json:"rate_samples,omitempty"`
}

// Computed is a stage-four record.
type Computed struct {
	Aligned
	OKXDerived     Derived `json:"okx_derived"`
	BinanceDerived Derived `json:"binance_derived"`
}

// FinalRecord is the stage-five output delivered downstream. Differential
// fields are decimal strings; empty means the inputs were incomplete.
type FinalRecord struct {
	Computed
	FundingRateDiff string    `json:"funding_rate_diff,omitempty"`
	PriceBasis      string    `json:"price_basis,omitempty"`
	PriceBasisBps   string    `json:"price_basis_bps,omitempty"`
	ComputedAt      time.Time `json:"computed_at"`
}

// Consumer receives final records one at a time. Implementations must
// tolerate at-least-once delivery; errors are logged, never retried.
type Consumer interface {
	Name() string
	Consume(ctx context.Context, rec *FinalRecord) error
}

// AccountHandler receives account-kind events unchanged.
type AccountHandler func(ctx context.Context, ev *venue.Event)

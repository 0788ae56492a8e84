// Package venue defines the market-data event model shared by the
// connection pool, the store and the pipeline, plus the symbol-form
// conversions between the supported exchanges.
package venue

import (
	"strings"
	"time"
)

// Exchange identifies a supported venue.
type Exchange string

const (
	Binance Exchange = "binance"
	OKX     Exchange = "okx"
)

// All lists the venues the aggregator understands, in canonical order.
var All = []Exchange{OKX, Binance}

// Valid reports whether the exchange is one the aggregator supports.
func (e Exchange) Valid() bool {
	return e == Binance || e == OKX
}

// Subscription operation names shared by the venue codecs and the
// connection pool's batch pacing.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// EventKind classifies a normalized market-data event.
type EventKind string

const (
	KindTicker            EventKind = "ticker"
	KindMarkPrice         EventKind = "mark_price"
	KindFundingRate       EventKind = "funding_rate"
	KindFundingSettlement EventKind = "funding_settlement"
	KindAccountUpdate     EventKind = "account_update"
)

// MarketKinds is the storage order for market event kinds. Snapshot
// assembly iterates it so downstream batches are deterministic.
var MarketKinds = []EventKind{KindTicker, KindMarkPrice, KindFundingRate, KindFundingSettlement}

// IsMarket reports whether the kind flows through the normalization
// pipeline; account kinds pass through to the account handler untouched.
func (k EventKind) IsMarket() bool {
	return !strings.HasPrefix(string(k), "account")
}

// Event is the normalized envelope a connection emits for every data
// frame. Raw holds the parsed wire frame verbatim; the extract stage
// reads from it by path, so no field may be pruned.
type Event struct {
	Exchange Exchange       `json:"exchange"`
	Symbol   string         `json:"symbol"`
	Kind     EventKind      `json:"data_type"`
	WireType string         `json:"wire_type,omitempty"`
	Raw      map[string]any `json:"raw_data"`
	Received time.Time      `json:"timestamp"`
}

// CanonicalFromInstID converts an OKX instrument id to the canonical
// cross-venue form: BTC-USDT-SWAP -> BTCUSDT.
func CanonicalFromInstID(instID string) string {
	s := strings.TrimSuffix(instID, "-SWAP")
	return strings.ReplaceAll(s, "-", "")
}

// InstIDFromCanonical converts a canonical symbol to the OKX perpetual
// instrument id: BTCUSDT -> BTC-USDT-SWAP.
func InstIDFromCanonical(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			base := strings.TrimSuffix(symbol, quote)
			return base + "-" + quote + "-SWAP"
		}
	}
	return symbol + "-SWAP"
}

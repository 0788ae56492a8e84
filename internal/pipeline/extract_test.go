package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundspread-aggregator/internal/venue"
)

// Wire-shaped event builders shared by the stage tests. OKX ships
// timestamps as decimal strings, Binance as JSON numbers; the builders
// mirror that.

func okxTicker(symbol, last string) *venue.Event {
	instID := venue.InstIDFromCanonical(symbol)
	return &venue.Event{
		Exchange: venue.OKX,
		Symbol:   symbol,
		Kind:     venue.KindTicker,
		WireType: "tickers",
		Raw: map[string]any{
			"arg":  map[string]any{"channel": "tickers", "instId": instID},
			"data": []any{map[string]any{"instId": instID, "last": last}},
		},
		Received: time.Now(),
	}
}

func okxFunding(symbol, rate, fundingTime, nextFundingTime string) *venue.Event {
	instID := venue.InstIDFromCanonical(symbol)
	row := map[string]any{"instId": instID, "fundingRate": rate}
	if fundingTime != "" {
		row["fundingTime"] = fundingTime
	}
	if nextFundingTime != "" {
		row["nextFundingTime"] = nextFundingTime
	}
	return &venue.Event{
		Exchange: venue.OKX,
		Symbol:   symbol,
		Kind:     venue.KindFundingRate,
		WireType: "funding-rate",
		Raw: map[string]any{
			"arg":  map[string]any{"channel": "funding-rate", "instId": instID},
			"data": []any{row},
		},
		Received: time.Now(),
	}
}

func binanceTicker(symbol, last string) *venue.Event {
	return &venue.Event{
		Exchange: venue.Binance,
		Symbol:   symbol,
		Kind:     venue.KindTicker,
		WireType: "24hrTicker",
		Raw:      map[string]any{"e": "24hrTicker", "s": symbol, "c": last},
		Received: time.Now(),
	}
}

func binanceMark(symbol, rate string, settlementMs float64) *venue.Event {
	raw := map[string]any{"e": "markPriceUpdate", "s": symbol, "r": rate}
	if settlementMs != 0 {
		raw["T"] = settlementMs
	}
	return &venue.Event{
		Exchange: venue.Binance,
		Symbol:   symbol,
		Kind:     venue.KindMarkPrice,
		WireType: "markPriceUpdate",
		Raw:      raw,
		Received: time.Now(),
	}
}

func binanceSettlement(symbol, rate string, fundingTimeMs int64) *venue.Event {
	return &venue.Event{
		Exchange: venue.Binance,
		Symbol:   symbol,
		Kind:     venue.KindFundingSettlement,
		WireType: "fundingRate",
		Raw: map[string]any{
			"symbol":       symbol,
			"funding_rate": rate,
			"funding_time": fundingTimeMs,
		},
		Received: time.Now(),
	}
}

func TestExtractOKXTickerFollowsPath(t *testing.T) {
	var e Extractor
	out := e.Process([]*venue.Event{okxTicker("BTCUSDT", "60000.1")})

	require.Len(t, out, 1)
	rec := out[0]
	assert.Equal(t, "okx_ticker", rec.TypeKey)
	assert.Equal(t, venue.OKX, rec.Venue)
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, "BTC-USDT-SWAP", rec.Fields["contract_name"])
	assert.Equal(t, "60000.1", rec.Fields["latest_price"])
}

func TestExtractOKXFundingRate(t *testing.T) {
	var e Extractor
	out := e.Process([]*venue.Event{okxFunding("ETHUSDT", "0.0001", "1755856800000", "1755885600000")})

	require.Len(t, out, 1)
	rec := out[0]
	assert.Equal(t, "okx_funding_rate", rec.TypeKey)
	assert.Equal(t, "ETHUSDT", rec.Symbol)
	assert.Equal(t, "0.0001", rec.Fields["funding_rate"])
	assert.Equal(t, "1755856800000", rec.Fields["current_settlement_time"])
	assert.Equal(t, "1755885600000", rec.Fields["next_settlement_time"])
}

func TestExtractBinanceMarkPriceIsFlat(t *testing.T) {
	var e Extractor
	out := e.Process([]*venue.Event{binanceMark("BTCUSDT", "0.00005", 1755885600000)})

	require.Len(t, out, 1)
	rec := out[0]
	assert.Equal(t, "binance_mark_price", rec.TypeKey)
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, "BTCUSDT", rec.Fields["contract_name"])
	assert.Equal(t, "0.00005", rec.Fields["funding_rate"])
	assert.Equal(t, float64(1755885600000), rec.Fields["current_settlement_time"])
}

func TestExtractSettlementSharesOneDescriptor(t *testing.T) {
	var e Extractor
	out := e.Process([]*venue.Event{binanceSettlement("BTCUSDT", "0.0001", 1755828000000)})

	require.Len(t, out, 1)
	rec := out[0]
	assert.Equal(t, "binance_funding_settlement", rec.TypeKey)
	assert.Equal(t, int64(1755828000000), rec.Fields["last_settlement_time"])
}

func TestExtractDropsUndescribedEvents(t *testing.T) {
	var e Extractor

	account := &venue.Event{
		Exchange: venue.Binance,
		Symbol:   "BTCUSDT",
		Kind:     venue.KindAccountUpdate,
		Raw:      map[string]any{"e": "ACCOUNT_UPDATE"},
		Received: time.Now(),
	}
	assert.Empty(t, e.Process([]*venue.Event{account}))
}

func TestExtractDropsUnresolvablePath(t *testing.T) {
	var e Extractor

	ev := okxTicker("BTCUSDT", "60000")
	ev.Raw["data"] = map[string]any{"instId": "BTC-USDT-SWAP"}
	assert.Empty(t, e.Process([]*venue.Event{ev}))

	ev = okxTicker("BTCUSDT", "60000")
	ev.Raw["data"] = []any{}
	assert.Empty(t, e.Process([]*venue.Event{ev}))
}

func TestExtractDropsMissingContractName(t *testing.T) {
	var e Extractor

	ev := binanceTicker("BTCUSDT", "60000")
	delete(ev.Raw, "s")
	assert.Empty(t, e.Process([]*venue.Event{ev}))
}

func TestTraverse(t *testing.T) {
	raw := map[string]any{
		"data": []any{map[string]any{"last": "1"}},
	}
	assert.Equal(t, map[string]any{"last": "1"}, traverse(raw, []any{"data", 0}))
	assert.Nil(t, traverse(raw, []any{"data", 1}))
	assert.Nil(t, traverse(raw, []any{"data", -1}))
	assert.Nil(t, traverse(raw, []any{"missing"}))
	assert.Nil(t, traverse(raw, []any{"data", "x"}))
	assert.Equal(t, raw, traverse(raw, nil))
}

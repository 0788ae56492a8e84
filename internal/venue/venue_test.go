package venue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalFromInstID(t *testing.T) {
	cases := []struct {
		instID string
		want   string
	}{
		{"BTC-USDT-SWAP", "BTCUSDT"},
		{"ETH-USDC-SWAP", "ETHUSDC"},
		{"1INCH-USDT-SWAP", "1INCHUSDT"},
		{"BTCUSDT", "BTCUSDT"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanonicalFromInstID(tc.instID), "instId %s", tc.instID)
	}
}

func TestInstIDFromCanonical(t *testing.T) {
	cases := []struct {
		symbol string
		want   string
	}{
		{"BTCUSDT", "BTC-USDT-SWAP"},
		{"ETHUSDC", "ETH-USDC-SWAP"},
		{"BTCUSD", "BTC-USD-SWAP"},
		{"DOGEUSDT", "DOGE-USDT-SWAP"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, InstIDFromCanonical(tc.symbol), "symbol %s", tc.symbol)
	}
}

func TestSymbolConversionRoundTrip(t *testing.T) {
	for _, symbol := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDC"} {
		assert.Equal(t, symbol, CanonicalFromInstID(InstIDFromCanonical(symbol)))
	}
}

func TestEventKindIsMarket(t *testing.T) {
	assert.True(t, KindTicker.IsMarket())
	assert.True(t, KindMarkPrice.IsMarket())
	assert.True(t, KindFundingRate.IsMarket())
	assert.True(t, KindFundingSettlement.IsMarket())
	assert.False(t, KindAccountUpdate.IsMarket())
}

func TestExchangeValid(t *testing.T) {
	assert.True(t, Binance.Valid())
	assert.True(t, OKX.Valid())
	assert.False(t, Exchange("bybit").Valid())
	assert.False(t, Exchange("").Valid())
}

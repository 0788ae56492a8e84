package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerpetualSymbolsFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/exchangeInfo", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","contractType":"PERPETUAL","quoteAsset":"USDT"},
			{"symbol":"ETHUSDT","status":"TRADING","contractType":"PERPETUAL","quoteAsset":"USDT"},
			{"symbol":"1000SHIBUSDT","status":"TRADING","contractType":"PERPETUAL","quoteAsset":"USDT"},
			{"symbol":"BTCUSDT_250926","status":"TRADING","contractType":"CURRENT_QUARTER","quoteAsset":"USDT"},
			{"symbol":"ETHBTC","status":"TRADING","contractType":"PERPETUAL","quoteAsset":"BTC"},
			{"symbol":"LUNAUSDT","status":"BREAK","contractType":"PERPETUAL","quoteAsset":"USDT"}
		]}`))
	}))
	defer server.Close()

	client := NewRESTClient(server.URL, "", "")
	symbols, err := client.PerpetualSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)
}

func TestFundingRateHistory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/fundingRate", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","fundingRate":"0.00010000","fundingTime":1755828000000,"markPrice":"60000.00"},
			{"symbol":"ETHUSDT","fundingRate":"-0.00002000","fundingTime":1755828000000,"markPrice":"3000.00"}
		]`))
	}))
	defer server.Close()

	client := NewRESTClient(server.URL, "", "")
	entries, err := client.FundingRateHistory(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "BTCUSDT", entries[0].Symbol)
	assert.Equal(t, "0.00010000", entries[0].FundingRate)
	assert.Equal(t, int64(1755828000000), entries[0].FundingTime)
}

func TestFundingRateHistoryHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1003,"msg":"Too many requests"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewRESTClient(server.URL, "", "")
	_, err := client.FundingRateHistory(context.Background(), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP error 429")
}

func TestBalanceHidesZeroRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v2/balance", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		assert.NotEmpty(t, r.URL.Query().Get("timestamp"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"asset":"USDT","balance":"1250.5","availableBalance":"1000.0"},
			{"asset":"BNB","balance":"0.00000000","availableBalance":"0.00000000"},
			{"asset":"BTC","balance":"0","availableBalance":"0"}
		]`))
	}))
	defer server.Close()

	client := NewRESTClient(server.URL, "test-key", "test-secret")
	balances, err := client.Balance(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "USDT", balances[0].Asset)
	assert.Equal(t, "1250.5", balances[0].Balance)
}

func TestPositionsKeepsOpenOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","positionAmt":"0.5","entryPrice":"59000"},
			{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0"}
		]`))
	}))
	defer server.Close()

	client := NewRESTClient(server.URL, "test-key", "test-secret")
	positions, err := client.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
}

func TestPlaceOrderParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "LIMIT", q.Get("type"))
		assert.Equal(t, "0.01", q.Get("quantity"))
		assert.Equal(t, "59000", q.Get("price"))
		assert.Equal(t, "GTC", q.Get("timeInForce"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"orderId":123456,"symbol":"BTCUSDT","status":"NEW","clientOrderId":"abc","price":"59000","origQty":"0.01"}`))
	}))
	defer server.Close()

	client := NewRESTClient(server.URL, "test-key", "test-secret")
	result, err := client.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		Type:     "LIMIT",
		Quantity: "0.01",
		Price:    "59000",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(123456), result.OrderID)
	assert.Equal(t, "NEW", result.Status)
}

func TestPlaceOrderMarketOmitsTimeInForce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Empty(t, q.Get("price"))
		assert.Empty(t, q.Get("timeInForce"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"orderId":1,"symbol":"BTCUSDT","status":"FILLED"}`))
	}))
	defer server.Close()

	client := NewRESTClient(server.URL, "test-key", "test-secret")
	result, err := client.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     "SELL",
		Type:     "MARKET",
		Quantity: "0.01",
	})
	require.NoError(t, err)
	assert.Equal(t, "FILLED", result.Status)
}

func TestHasCredentials(t *testing.T) {
	assert.False(t, NewRESTClient("", "", "").HasCredentials())
	assert.False(t, NewRESTClient("", "key", "").HasCredentials())
	assert.True(t, NewRESTClient("", "key", "secret").HasCredentials())
}

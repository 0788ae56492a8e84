package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
)

const (
	// DefaultRESTBaseURL is the USDⓈ-M futures REST endpoint.
	DefaultRESTBaseURL = "https://fapi.binance.com"

	pathFundingRate  = "/fapi/v1/fundingRate"
	pathExchangeInfo = "/fapi/v1/exchangeInfo"
	pathBalance      = "/fapi/v2/balance"
	pathPositionRisk = "/fapi/v2/positionRisk"
	pathOrder        = "/fapi/v1/order"
)

// RESTClient covers the public funding-rate/exchange-info endpoints used
// for discovery and settlement polling, plus the signed account and trade
// endpoints the HTTP surface exposes.
type RESTClient struct {
	baseURL    string
	apiKey     string
	secretKey  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewRESTClient builds a client; empty baseURL selects production.
// Credentials may be empty when only public endpoints are used.
func NewRESTClient(baseURL, apiKey, secretKey string) *RESTClient {
	if baseURL == "" {
		baseURL = DefaultRESTBaseURL
	}
	return &RESTClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "binance-rest",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
		}),
	}
}

// HasCredentials reports whether both key and secret are set.
func (c *RESTClient) HasCredentials() bool {
	return c.apiKey != "" && c.secretKey != ""
}

func (c *RESTClient) sign(queryString string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *RESTClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params, false)
}

func (c *RESTClient) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		if params == nil {
			params = url.Values{}
		}
		if signed {
			params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
			params.Set("recvWindow", "5000")
			params.Set("signature", c.sign(params.Encode()))
		}
		fullURL := c.baseURL + path
		if len(params) > 0 {
			fullURL += "?" + params.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if signed {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// FundingRateHistory fetches the latest funding settlements across all
// symbols. The endpoint returns the most recent settlement per symbol
// when called without a symbol filter.
func (c *RESTClient) FundingRateHistory(ctx context.Context, limit int) ([]FundingRateEntry, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	body, err := c.get(ctx, pathFundingRate, params)
	if err != nil {
		return nil, fmt.Errorf("binance funding rate: %w", err)
	}
	var entries []FundingRateEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("binance funding rate: decode: %w", err)
	}
	return entries, nil
}

// PerpetualSymbols fetches exchange info and returns the canonical
// symbols of actively trading USDT-quoted perpetuals.
func (c *RESTClient) PerpetualSymbols(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, pathExchangeInfo, nil)
	if err != nil {
		return nil, fmt.Errorf("binance exchange info: %w", err)
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("binance exchange info: decode: %w", err)
	}
	var symbols []string
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.ContractType != "PERPETUAL" || s.QuoteAsset != "USDT" {
			continue
		}
		// Same exclusions as the settlement snapshot: no quanto-style
		// 1000x contracts, no settlement-dated colon variants.
		if strings.HasPrefix(s.Symbol, "1000") || strings.Contains(s.Symbol, ":") {
			continue
		}
		symbols = append(symbols, s.Symbol)
	}
	return symbols, nil
}

// Balance fetches futures wallet balances, hiding zero rows.
func (c *RESTClient) Balance(ctx context.Context) ([]AssetBalance, error) {
	body, err := c.do(ctx, http.MethodGet, pathBalance, nil, true)
	if err != nil {
		return nil, fmt.Errorf("binance balance: %w", err)
	}
	var all []AssetBalance
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("binance balance: decode: %w", err)
	}
	var nonZero []AssetBalance
	for _, b := range all {
		if b.Balance != "0" && b.Balance != "0.00000000" {
			nonZero = append(nonZero, b)
		}
	}
	return nonZero, nil
}

// Positions fetches open positions (non-zero amounts only).
func (c *RESTClient) Positions(ctx context.Context) ([]PositionRisk, error) {
	body, err := c.do(ctx, http.MethodGet, pathPositionRisk, nil, true)
	if err != nil {
		return nil, fmt.Errorf("binance positions: %w", err)
	}
	var all []PositionRisk
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("binance positions: decode: %w", err)
	}
	var open []PositionRisk
	for _, p := range all {
		if p.PositionAmt != "0" && p.PositionAmt != "0.0" && p.PositionAmt != "" {
			open = append(open, p)
		}
	}
	return open, nil
}

// PlaceOrder submits one futures order.
func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("quantity", req.Quantity)
	if req.Price != "" {
		params.Set("price", req.Price)
		params.Set("timeInForce", "GTC")
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	body, err := c.do(ctx, http.MethodPost, pathOrder, params, true)
	if err != nil {
		return nil, fmt.Errorf("binance place order: %w", err)
	}
	var result OrderResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("binance place order: decode: %w", err)
	}
	return &result, nil
}

package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
)

const (
	// DefaultRESTBaseURL is the production REST endpoint.
	DefaultRESTBaseURL = "https://www.okx.com"

	pathBalance   = "/api/v5/account/balance"
	pathPositions = "/api/v5/account/positions"
	pathOrder     = "/api/v5/trade/order"
)

// RESTClient is a minimal signed client for the account and trade
// endpoints the HTTP surface exposes.
type RESTClient struct {
	baseURL    string
	apiKey     string
	secretKey  string
	passphrase string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewRESTClient builds a client for the given credentials. An empty
// baseURL selects production.
func NewRESTClient(baseURL, apiKey, secretKey, passphrase string) *RESTClient {
	if baseURL == "" {
		baseURL = DefaultRESTBaseURL
	}
	return &RESTClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		secretKey:  secretKey,
		passphrase: passphrase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "okx-rest",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
		}),
	}
}

// HasCredentials reports whether key, secret and passphrase are all set.
func (c *RESTClient) HasCredentials() bool {
	return c.apiKey != "" && c.secretKey != "" && c.passphrase != ""
}

func (c *RESTClient) sign(timestamp, method, requestPath, body string) string {
	message := timestamp + method + requestPath + body
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (c *RESTClient) timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.999Z")
}

func (c *RESTClient) doRequest(ctx context.Context, method, path string, params url.Values, body any) ([]byte, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		fullURL := c.baseURL + path
		requestPath := path
		if len(params) > 0 {
			requestPath += "?" + params.Encode()
			fullURL += "?" + params.Encode()
		}

		var bodyBytes []byte
		var bodyReader io.Reader
		if body != nil {
			var err error
			bodyBytes, err = json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("marshal body: %w", err)
			}
			bodyReader = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		ts := c.timestamp()
		req.Header.Set("OK-ACCESS-KEY", c.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", c.sign(ts, method, requestPath, string(bodyBytes)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
		}
		return respBody, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// Balance fetches the unified account balance.
func (c *RESTClient) Balance(ctx context.Context) ([]BalanceDetail, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, pathBalance, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("okx balance: %w", err)
	}
	var resp apiResponse[balanceData]
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("okx balance: decode: %w", err)
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("okx balance: code %s: %s", resp.Code, resp.Msg)
	}
	var details []BalanceDetail
	for _, d := range resp.Data {
		details = append(details, d.Details...)
	}
	return details, nil
}

// Positions fetches open swap positions.
func (c *RESTClient) Positions(ctx context.Context) ([]Position, error) {
	params := url.Values{}
	params.Set("instType", "SWAP")
	raw, err := c.doRequest(ctx, http.MethodGet, pathPositions, params, nil)
	if err != nil {
		return nil, fmt.Errorf("okx positions: %w", err)
	}
	var resp apiResponse[Position]
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("okx positions: decode: %w", err)
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("okx positions: code %s: %s", resp.Code, resp.Msg)
	}
	return resp.Data, nil
}

// PlaceOrder submits one swap order.
func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	raw, err := c.doRequest(ctx, http.MethodPost, pathOrder, nil, req)
	if err != nil {
		return nil, fmt.Errorf("okx place order: %w", err)
	}
	var resp apiResponse[OrderResult]
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("okx place order: decode: %w", err)
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return nil, fmt.Errorf("okx place order: code %s: %s", resp.Code, resp.Msg)
	}
	return &resp.Data[0], nil
}

// Package funding polls the Binance funding-rate history and turns each
// settlement row into a funding_settlement event. The snapshot feeds the
// REST surface; the events backfill the pipeline's last-settlement field.
package funding

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"fundspread-aggregator/internal/metrics"
	"fundspread-aggregator/internal/store"
	"fundspread-aggregator/internal/venue"
	"fundspread-aggregator/internal/venue/binance"
)

const (
	fetchLimit   = 1000
	maxRetries   = 3
	weightPerReq = 10
)

// FetchResult summarizes one fetch for the REST surface.
type FetchResult struct {
	Success          bool     `json:"success"`
	Error            string   `json:"error,omitempty"`
	ContractCount    int      `json:"contract_count"`
	FilteredCount    int      `json:"filtered_count"`
	WeightUsed       int      `json:"weight_used"`
	Timestamp        string   `json:"timestamp"`
	TriggeredBy      string   `json:"triggered_by,omitempty"`
	ContractsSampled []string `json:"contracts_sampled,omitempty"`
}

// Poller periodically snapshots the latest funding settlements.
type Poller struct {
	client   *binance.RESTClient
	store    *store.Store
	interval time.Duration

	// manual caps operator-triggered fetches at 3 per hour.
	manual *rate.Limiter

	mu          sync.Mutex
	lastFetch   time.Time
	autoFetched bool
	lastResult  FetchResult

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller wires the poller; interval ≤ 0 falls back to one hour.
func NewPoller(client *binance.RESTClient, st *store.Store, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Poller{
		client:   client,
		store:    st,
		interval: interval,
		manual:   rate.NewLimiter(rate.Every(20*time.Minute), 3),
	}
}

// Start fetches once immediately, then on every interval tick.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	log.Info().Dur("interval", p.interval).Msg("funding poller started")
	go func() {
		defer close(done)
		p.runFetch(loopCtx, "auto")

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.runFetch(loopCtx, "auto")
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("funding poller stopped")
}

// ErrQuotaExhausted rejects manual fetches beyond the hourly quota.
var ErrQuotaExhausted = errors.New("manual fetch limited to 3 per hour")

// ManualFetch runs one operator-triggered fetch, subject to the hourly
// quota.
func (p *Poller) ManualFetch(ctx context.Context) (FetchResult, error) {
	if !p.manual.Allow() {
		log.Warn().Msg("manual settlement fetch rejected: quota exhausted")
		return FetchResult{
			Success:   false,
			Error:     ErrQuotaExhausted.Error(),
			Timestamp: time.Now().Format(time.RFC3339),
		}, ErrQuotaExhausted
	}
	return p.runFetch(ctx, "manual"), nil
}

// runFetch retries the venue call up to maxRetries with growing waits,
// then snapshots and re-ingests the filtered rows.
func (p *Poller) runFetch(ctx context.Context, trigger string) FetchResult {
	result := FetchResult{
		Timestamp:   time.Now().Format(time.RFC3339),
		TriggeredBy: trigger,
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		entries, err := p.client.FundingRateHistory(ctx, fetchLimit)
		switch {
		case err != nil:
			result.Error = err.Error()
			log.Error().Err(err).Int("attempt", attempt+1).Msg("settlement fetch failed")
		case len(entries) == 0:
			result.Error = "empty funding rate response"
			log.Warn().Int("attempt", attempt+1).Msg("settlement fetch returned no rows")
		default:
			filtered := filterUSDTPerpetual(entries)
			if len(filtered) == 0 {
				result.Error = "no symbols passed the USDT filter"
				log.Warn().Int("rows", len(entries)).Msg("settlement filter kept nothing")
				break
			}
			p.publish(ctx, filtered)

			result.Success = true
			result.Error = ""
			result.ContractCount = len(entries)
			result.FilteredCount = len(filtered)
			result.WeightUsed = weightPerReq
			result.ContractsSampled = sampleSymbols(filtered, 3)

			p.mu.Lock()
			p.lastFetch = time.Now()
			if trigger == "auto" {
				p.autoFetched = true
			}
			p.lastResult = result
			p.mu.Unlock()

			metrics.SettlementFetches.WithLabelValues("ok").Inc()
			metrics.SettlementSymbols.Set(float64(len(filtered)))
			log.Info().
				Int("contracts", len(entries)).
				Int("filtered", len(filtered)).
				Str("trigger", trigger).
				Msg("funding settlements refreshed")
			return result
		}

		if attempt < maxRetries-1 {
			wait := time.Duration(5*(attempt+1)) * time.Second
			log.Info().Dur("wait", wait).Msg("retrying settlement fetch")
			select {
			case <-ctx.Done():
				result.Error = ctx.Err().Error()
				metrics.SettlementFetches.WithLabelValues("error").Inc()
				return result
			case <-time.After(wait):
			}
		}
	}

	p.mu.Lock()
	p.lastResult = result
	p.mu.Unlock()
	metrics.SettlementFetches.WithLabelValues("error").Inc()
	log.Error().Str("error", result.Error).Msg("settlement fetch gave up")
	return result
}

// publish replaces the store snapshot and ingests each row as a
// funding_settlement event so the pipeline can backfill last-settlement.
func (p *Poller) publish(ctx context.Context, filtered map[string]map[string]any) {
	p.store.SetFundingSettlements(venue.Binance, filtered)

	now := time.Now()
	for symbol, entry := range filtered {
		ev := &venue.Event{
			Exchange: venue.Binance,
			Symbol:   symbol,
			Kind:     venue.KindFundingSettlement,
			WireType: "fundingRate",
			Raw:      entry,
			Received: now,
		}
		if err := p.store.UpdateMarketData(ctx, ev); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("settlement ingest failed")
		}
	}
}

// filterUSDTPerpetual keeps plain USDT perpetuals: the symbol ends with
// USDT, does not start with 1000, and contains no ':'.
func filterUSDTPerpetual(entries []binance.FundingRateEntry) map[string]map[string]any {
	filtered := make(map[string]map[string]any, len(entries))
	for _, e := range entries {
		if !strings.HasSuffix(e.Symbol, "USDT") ||
			strings.HasPrefix(e.Symbol, "1000") ||
			strings.Contains(e.Symbol, ":") {
			continue
		}
		filtered[e.Symbol] = map[string]any{
			"symbol":            e.Symbol,
			"funding_rate":      e.FundingRate,
			"funding_time":      e.FundingTime,
			"next_funding_time": nil,
			"raw": map[string]any{
				"symbol":      e.Symbol,
				"fundingRate": e.FundingRate,
				"fundingTime": e.FundingTime,
				"markPrice":   e.MarkPrice,
			},
		}
	}
	return filtered
}

func sampleSymbols(m map[string]map[string]any, n int) []string {
	out := make([]string, 0, n)
	for sym := range m {
		out = append(out, sym)
		if len(out) == n {
			break
		}
	}
	return out
}

// Status reports the poller state for the REST surface.
func (p *Poller) Status() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastFetch any
	if !p.lastFetch.IsZero() {
		lastFetch = p.lastFetch.Format(time.RFC3339)
	}
	snapshot, _ := p.store.FundingSettlements(venue.Binance)
	return map[string]any{
		"last_fetch_time":        lastFetch,
		"is_auto_fetched":        p.autoFetched,
		"manual_tokens_left":     int(p.manual.Tokens()),
		"usdt_contracts_count":   len(snapshot),
		"api_weight_per_request": weightPerReq,
		"last_result":            p.lastResult,
	}
}

// LastResult returns the most recent fetch summary.
func (p *Poller) LastResult() FetchResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastResult
}

// Interval reports the poll cadence.
func (p *Poller) Interval() time.Duration { return p.interval }

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundspread-aggregator/internal/venue"
)

type captureConsumer struct {
	mu   sync.Mutex
	recs []FinalRecord
	err  error
}

func (c *captureConsumer) Name() string { return "capture" }

func (c *captureConsumer) Consume(_ context.Context, rec *FinalRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, *rec)
	return c.err
}

func (c *captureConsumer) records() []FinalRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]FinalRecord(nil), c.recs...)
}

func TestPipelineEndToEnd(t *testing.T) {
	sink := &captureConsumer{}
	p := New(sink, nil, 16)

	p.Ingest(context.Background(), []*venue.Event{
		okxTicker("BTCUSDT", "60000"),
		okxFunding("BTCUSDT", "0.0001", "1755856800000", "1755885600000"),
		binanceTicker("BTCUSDT", "60010"),
		binanceMark("BTCUSDT", "0.00005", 1755885600000),
		binanceSettlement("BTCUSDT", "0.0001", 1755828000000),
	})

	recs := sink.records()
	require.Len(t, recs, 1)
	rec := recs[0]

	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, "60000", rec.OKX.Price)
	assert.Equal(t, "60010", rec.Binance.Price)
	assert.Equal(t, "0.00005", rec.FundingRateDiff)
	assert.Equal(t, "-10", rec.PriceBasis)
	assert.Equal(t, "-1.666389", rec.PriceBasisBps)

	assert.Equal(t, "2025-08-22 18:00:00", rec.OKX.CurrentSettlement)
	assert.Equal(t, "2025-08-23 02:00:00", rec.OKX.NextSettlement)
	assert.Equal(t, "2025-08-23 02:00:00", rec.Binance.CurrentSettlement)
	assert.Equal(t, "2025-08-22 10:00:00", rec.Binance.LastSettlement)

	assert.Equal(t, 8.0, rec.OKXDerived.FundingIntervalHours)
	assert.Equal(t, "2025-08-23 02:00:00", rec.OKXDerived.PredictedNextSettlement)
	assert.Equal(t, "2025-08-23 10:00:00", rec.BinanceDerived.PredictedNextSettlement)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.MarketProcessed)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, "capture", stats.Consumer)
}

func TestPipelineSingleVenueBatchProducesNothing(t *testing.T) {
	sink := &captureConsumer{}
	p := New(sink, nil, 16)

	p.Ingest(context.Background(), []*venue.Event{
		binanceTicker("BTCUSDT", "60010"),
		binanceMark("BTCUSDT", "0.00005", 1755885600000),
	})

	assert.Empty(t, sink.records())
	assert.Zero(t, p.Stats().MarketProcessed, "runs that end before delivery are not counted")
}

func TestPipelineBinanceLegNeedsMarkPrice(t *testing.T) {
	sink := &captureConsumer{}
	p := New(sink, nil, 16)

	p.Ingest(context.Background(), []*venue.Event{
		okxTicker("BTCUSDT", "60000"),
		okxFunding("BTCUSDT", "0.0001", "1755856800000", "1755885600000"),
		binanceTicker("BTCUSDT", "60010"),
	})

	assert.Empty(t, sink.records())
}

func TestPipelineInvalidSettlementKeepsRecord(t *testing.T) {
	sink := &captureConsumer{}
	p := New(sink, nil, 16)

	p.Ingest(context.Background(), []*venue.Event{
		okxTicker("BTCUSDT", "60000"),
		okxFunding("BTCUSDT", "0.0001", "-1", ""),
		binanceTicker("BTCUSDT", "60010"),
		binanceMark("BTCUSDT", "0.00005", 1755885600000),
	})

	recs := sink.records()
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].OKX.CurrentSettlement)
	require.NotNil(t, recs[0].OKX.CurrentSettlementMs)
	assert.Equal(t, int64(-1), *recs[0].OKX.CurrentSettlementMs)
	assert.Equal(t, "0.00005", recs[0].FundingRateDiff)
}

func TestPipelineAccountEventsBypassStages(t *testing.T) {
	sink := &captureConsumer{}
	var seen []*venue.Event
	handler := func(_ context.Context, ev *venue.Event) { seen = append(seen, ev) }
	p := New(sink, handler, 16)

	ev := &venue.Event{
		Exchange: venue.Binance,
		Symbol:   "BTCUSDT",
		Kind:     venue.KindAccountUpdate,
		Raw:      map[string]any{"e": "ACCOUNT_UPDATE"},
		Received: time.Now(),
	}
	p.Ingest(context.Background(), []*venue.Event{ev})

	require.Len(t, seen, 1)
	assert.Same(t, ev, seen[0])
	assert.Empty(t, sink.records())
	assert.Equal(t, int64(1), p.Stats().AccountProcessed)
}

func TestPipelineConsumerErrorIsCountedNotRetried(t *testing.T) {
	sink := &captureConsumer{err: errors.New("downstream unavailable")}
	p := New(sink, nil, 16)

	p.Ingest(context.Background(), []*venue.Event{
		okxTicker("BTCUSDT", "60000"),
		okxFunding("BTCUSDT", "0.0001", "1755856800000", "1755885600000"),
		binanceTicker("BTCUSDT", "60010"),
		binanceMark("BTCUSDT", "0.00005", 1755885600000),
	})

	assert.Len(t, sink.records(), 1, "no redelivery on error")
	assert.Equal(t, int64(1), p.Stats().Errors)
}

func TestPipelineTolerantOfEmptyBatches(t *testing.T) {
	p := New(nil, nil, 16)
	p.Ingest(context.Background(), nil)
	p.Ingest(context.Background(), []*venue.Event{nil})

	stats := p.Stats()
	assert.True(t, stats.Running)
	assert.Zero(t, stats.MarketProcessed)
	assert.Zero(t, stats.AccountProcessed)
	assert.Empty(t, stats.Consumer)
}

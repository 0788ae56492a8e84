package pipeline

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundspread-aggregator/internal/metrics"
	"fundspread-aggregator/internal/venue"
)

// Pipeline runs the five stages over every ingested snapshot batch. One
// mutex serializes Ingest, so downstream consumers observe records in
// the order the sockets produced them.
type Pipeline struct {
	mu sync.Mutex

	extract *Extractor
	fuse    *Fuser
	align   *Aligner
	compute *Computer
	cross   *Crosser

	consumer Consumer
	account  AccountHandler

	statsMu          sync.Mutex
	started          time.Time
	marketProcessed  int64
	accountProcessed int64
	errorCount       int64
}

// New wires the five stages to one downstream consumer. capacity bounds
// the stage-four caches; account may be nil, in which case account
// events are counted and dropped.
func New(consumer Consumer, account AccountHandler, capacity int) *Pipeline {
	return &Pipeline{
		extract:  &Extractor{},
		fuse:     &Fuser{},
		align:    &Aligner{},
		compute:  NewComputer(capacity),
		cross:    &Crosser{},
		consumer: consumer,
		account:  account,
		started:  time.Now(),
	}
}

// Ingest routes one snapshot batch. Market events run the five stages;
// account events pass straight to the account handler. A panic inside a
// stage costs one error count, never the process.
func (p *Pipeline) Ingest(ctx context.Context, events []*venue.Event) {
	if len(events) == 0 {
		return
	}

	var market []*venue.Event
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if ev.Kind.IsMarket() {
			market = append(market, ev)
			continue
		}
		p.handleAccount(ctx, ev)
	}
	if len(market) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.runStages(ctx, market)
}

// runStages executes S1 through S5. An empty stage output ends the run
// silently; that is the normal case until both venues have data.
func (p *Pipeline) runStages(ctx context.Context, events []*venue.Event) {
	defer func() {
		if r := recover(); r != nil {
			p.countError()
			metrics.PipelineErrors.Inc()
			log.Error().Interface("panic", r).Msg("pipeline: stage panic recovered")
		}
	}()

	timer := metrics.NewTimer()
	extracted := p.extract.Process(events)
	timer.ObserveDuration(metrics.StageDuration, "extract")
	metrics.RecordStage("extract", len(extracted))
	if len(extracted) == 0 {
		return
	}

	timer = metrics.NewTimer()
	fused := p.fuse.Process(extracted)
	timer.ObserveDuration(metrics.StageDuration, "fuse")
	metrics.RecordStage("fuse", len(fused))
	if len(fused) == 0 {
		return
	}

	timer = metrics.NewTimer()
	aligned := p.align.Process(fused)
	timer.ObserveDuration(metrics.StageDuration, "align")
	metrics.RecordStage("align", len(aligned))
	if len(aligned) == 0 {
		return
	}

	timer = metrics.NewTimer()
	computed := p.compute.Process(aligned)
	timer.ObserveDuration(metrics.StageDuration, "compute")
	metrics.RecordStage("compute", len(computed))
	if len(computed) == 0 {
		return
	}

	timer = metrics.NewTimer()
	finals := p.cross.Process(computed)
	timer.ObserveDuration(metrics.StageDuration, "cross")
	metrics.RecordStage("cross", len(finals))

	for i := range finals {
		p.deliver(ctx, &finals[i])
	}

	p.statsMu.Lock()
	p.marketProcessed++
	p.statsMu.Unlock()
}

// deliver hands one final record to the consumer. Consumer errors are
// logged and counted, never retried.
func (p *Pipeline) deliver(ctx context.Context, rec *FinalRecord) {
	recordFinalMetrics(rec)
	if p.consumer == nil {
		return
	}
	if err := p.consumer.Consume(ctx, rec); err != nil {
		p.countError()
		metrics.RecordConsumerError(p.consumer.Name())
		log.Error().Err(err).
			Str("consumer", p.consumer.Name()).
			Str("symbol", rec.Symbol).
			Msg("pipeline: consumer delivery failed")
	}
}

func (p *Pipeline) handleAccount(ctx context.Context, ev *venue.Event) {
	if p.account != nil {
		p.account(ctx, ev)
	}
	p.statsMu.Lock()
	p.accountProcessed++
	p.statsMu.Unlock()
}

func (p *Pipeline) countError() {
	p.statsMu.Lock()
	p.errorCount++
	p.statsMu.Unlock()
}

func recordFinalMetrics(rec *FinalRecord) {
	hasDiff := rec.FundingRateDiff != "" && rec.PriceBasisBps != ""
	var rateDiff, basisBps float64
	if hasDiff {
		var errRate, errBps error
		rateDiff, errRate = strconv.ParseFloat(rec.FundingRateDiff, 64)
		basisBps, errBps = strconv.ParseFloat(rec.PriceBasisBps, 64)
		hasDiff = errRate == nil && errBps == nil
	}
	metrics.RecordFinalRecord(rec.Symbol, rateDiff, basisBps, hasDiff)
}

// Status summarizes pipeline activity for the debug surface.
type Status struct {
	Running          bool    `json:"running"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	MarketProcessed  int64   `json:"market_processed"`
	AccountProcessed int64   `json:"account_processed"`
	Errors           int64   `json:"errors"`
	Consumer         string  `json:"consumer"`
}

// Stats reports the counters since construction.
func (p *Pipeline) Stats() Status {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	name := ""
	if p.consumer != nil {
		name = p.consumer.Name()
	}
	return Status{
		Running:          true,
		UptimeSeconds:    time.Since(p.started).Seconds(),
		MarketProcessed:  p.marketProcessed,
		AccountProcessed: p.accountProcessed,
		Errors:           p.errorCount,
		Consumer:         name,
	}
}

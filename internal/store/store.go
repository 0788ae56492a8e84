// Package store holds the shared in-memory market-data cache. It is the
// single ingress point between the connection pools and the pipeline:
// every stored event fans out to the pipeline as a per-symbol snapshot.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundspread-aggregator/internal/venue"
)

// maxFailoverHistory bounds the per-venue failover record list.
const maxFailoverHistory = 100

// Ingestor receives the snapshot batch assembled after each store write.
// It is invoked outside the store locks.
type Ingestor func(ctx context.Context, events []*venue.Event)

type partition struct {
	mu       sync.RWMutex
	bySymbol map[string]map[venue.EventKind]*venue.Event
	latest   map[string]venue.EventKind
	updates  int64
}

// Store is the venue-partitioned cache. Each venue has a dedicated
// mutex so one venue's burst never blocks the other's reads.
type Store struct {
	ingest Ingestor
	parts  map[venue.Exchange]*partition

	connMu     sync.RWMutex
	connStatus map[venue.Exchange]map[string]any
	failovers  map[venue.Exchange][]any

	settleMu      sync.RWMutex
	settlements   map[venue.Exchange]map[string]map[string]any
	settlementsAt map[venue.Exchange]time.Time
}

// New creates a store; ingest may be nil (no pipeline fan-out).
func New(ingest Ingestor) *Store {
	parts := make(map[venue.Exchange]*partition, len(venue.All))
	for _, ex := range venue.All {
		parts[ex] = &partition{
			bySymbol: make(map[string]map[venue.EventKind]*venue.Event),
			latest:   make(map[string]venue.EventKind),
		}
	}
	return &Store{
		ingest:        ingest,
		parts:         parts,
		connStatus:    make(map[venue.Exchange]map[string]any),
		failovers:     make(map[venue.Exchange][]any),
		settlements:   make(map[venue.Exchange]map[string]map[string]any),
		settlementsAt: make(map[venue.Exchange]time.Time),
	}
}

// SetIngestor wires the pipeline after construction; the composition
// root builds the store first so connections can reference it.
func (s *Store) SetIngestor(ingest Ingestor) {
	s.ingest = ingest
}

// UpdateMarketData stores one event and fans the symbol's cross-venue
// snapshot out to the pipeline. The pipeline call happens outside the
// partition lock so pipeline work never blocks further ingress.
func (s *Store) UpdateMarketData(ctx context.Context, ev *venue.Event) error {
	if ev == nil {
		return fmt.Errorf("store: nil event")
	}
	part, ok := s.parts[ev.Exchange]
	if !ok {
		return fmt.Errorf("store: unknown exchange %q", ev.Exchange)
	}
	if ev.Symbol == "" {
		return fmt.Errorf("store: empty symbol for %s %s", ev.Exchange, ev.Kind)
	}

	// Account events bypass the market partitions; the pipeline hands
	// them to its account callback untouched.
	if !ev.Kind.IsMarket() {
		if s.ingest != nil {
			s.ingest(ctx, []*venue.Event{ev})
		}
		return nil
	}

	part.mu.Lock()
	kinds := part.bySymbol[ev.Symbol]
	if kinds == nil {
		kinds = make(map[venue.EventKind]*venue.Event, len(venue.MarketKinds))
		part.bySymbol[ev.Symbol] = kinds
	}
	kinds[ev.Kind] = ev
	part.latest[ev.Symbol] = ev.Kind
	part.updates++
	part.mu.Unlock()

	if s.ingest != nil {
		s.ingest(ctx, s.symbolSnapshot(ev.Symbol))
	}
	return nil
}

// symbolSnapshot collects every stored event for the symbol across both
// venues in deterministic venue and kind order.
func (s *Store) symbolSnapshot(symbol string) []*venue.Event {
	var batch []*venue.Event
	for _, ex := range venue.All {
		part := s.parts[ex]
		part.mu.RLock()
		kinds := part.bySymbol[symbol]
		for _, k := range venue.MarketKinds {
			if ev, ok := kinds[k]; ok {
				batch = append(batch, ev)
			}
		}
		part.mu.RUnlock()
	}
	return batch
}

// SymbolData returns every stored event kind for one symbol.
func (s *Store) SymbolData(ex venue.Exchange, symbol string) map[venue.EventKind]*venue.Event {
	part, ok := s.parts[ex]
	if !ok {
		return nil
	}
	part.mu.RLock()
	defer part.mu.RUnlock()
	kinds := part.bySymbol[symbol]
	if kinds == nil {
		return nil
	}
	out := make(map[venue.EventKind]*venue.Event, len(kinds))
	for k, v := range kinds {
		out[k] = v
	}
	return out
}

// LatestEvent returns the most recently written event for the symbol.
func (s *Store) LatestEvent(ex venue.Exchange, symbol string) *venue.Event {
	part, ok := s.parts[ex]
	if !ok {
		return nil
	}
	part.mu.RLock()
	defer part.mu.RUnlock()
	kind, ok := part.latest[symbol]
	if !ok {
		return nil
	}
	return part.bySymbol[symbol][kind]
}

// Symbols lists symbols with stored data for one venue.
func (s *Store) Symbols(ex venue.Exchange) []string {
	part, ok := s.parts[ex]
	if !ok {
		return nil
	}
	part.mu.RLock()
	defer part.mu.RUnlock()
	symbols := make([]string, 0, len(part.bySymbol))
	for sym := range part.bySymbol {
		symbols = append(symbols, sym)
	}
	return symbols
}

// ExchangeStats summarizes one venue partition.
type ExchangeStats struct {
	Symbols int   `json:"symbols"`
	Events  int   `json:"events"`
	Updates int64 `json:"updates"`
}

// Stats summarizes all partitions.
func (s *Store) Stats() map[venue.Exchange]ExchangeStats {
	out := make(map[venue.Exchange]ExchangeStats, len(s.parts))
	for ex, part := range s.parts {
		part.mu.RLock()
		events := 0
		for _, kinds := range part.bySymbol {
			events += len(kinds)
		}
		out[ex] = ExchangeStats{
			Symbols: len(part.bySymbol),
			Events:  events,
			Updates: part.updates,
		}
		part.mu.RUnlock()
	}
	return out
}

// SetConnectionStatus stores one status payload, e.g. the pool snapshot
// under key "websocket_pool".
func (s *Store) SetConnectionStatus(ex venue.Exchange, key string, payload any) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	byKey := s.connStatus[ex]
	if byKey == nil {
		byKey = make(map[string]any)
		s.connStatus[ex] = byKey
	}
	byKey[key] = payload
}

// ConnectionStatus returns a copy of the venue's status payloads.
func (s *Store) ConnectionStatus(ex venue.Exchange) map[string]any {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	byKey := s.connStatus[ex]
	out := make(map[string]any, len(byKey))
	for k, v := range byKey {
		out[k] = v
	}
	return out
}

// AppendFailover appends one failover record to the venue's bounded
// history, newest last.
func (s *Store) AppendFailover(ex venue.Exchange, record any) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	history := append(s.failovers[ex], record)
	if len(history) > maxFailoverHistory {
		history = history[len(history)-maxFailoverHistory:]
	}
	s.failovers[ex] = history
}

// FailoverHistory returns a copy of the venue's failover records.
func (s *Store) FailoverHistory(ex venue.Exchange) []any {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	out := make([]any, len(s.failovers[ex]))
	copy(out, s.failovers[ex])
	return out
}

// SetFundingSettlements replaces the venue's settlement snapshot.
func (s *Store) SetFundingSettlements(ex venue.Exchange, snapshot map[string]map[string]any) {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()
	s.settlements[ex] = snapshot
	s.settlementsAt[ex] = time.Now()
}

// FundingSettlements returns the venue's settlement snapshot and the
// time it was taken.
func (s *Store) FundingSettlements(ex venue.Exchange) (map[string]map[string]any, time.Time) {
	s.settleMu.RLock()
	defer s.settleMu.RUnlock()
	snap := s.settlements[ex]
	out := make(map[string]map[string]any, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out, s.settlementsAt[ex]
}

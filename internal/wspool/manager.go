package wspool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"fundspread-aggregator/internal/config"
	"fundspread-aggregator/internal/store"
	"fundspread-aggregator/internal/venue"
	"fundspread-aggregator/internal/venue/binance"
	"fundspread-aggregator/internal/venue/okx"
)

// VenueSummary condenses one pool's fleet counts for the REST surface.
type VenueSummary struct {
	MastersConnected  int    `json:"masters_connected"`
	MastersTotal      int    `json:"masters_total"`
	StandbysConnected int    `json:"standbys_connected"`
	StandbysTotal     int    `json:"standbys_total"`
	Health            string `json:"health"`
}

// ModuleStatus is the manager-level status document.
type ModuleStatus struct {
	Module      string                  `json:"module"`
	Status      string                  `json:"status"`
	Initialized bool                    `json:"initialized"`
	Exchanges   map[string]VenueSummary `json:"exchanges"`
	Timestamp   string                  `json:"timestamp"`
}

// HealthReport is the quick pass/fail summary for monitoring probes.
type HealthReport struct {
	Healthy bool          `json:"healthy"`
	Message string        `json:"message"`
	Details *ModuleStatus `json:"details,omitempty"`
}

// Manager owns one pool per enabled venue and fans lifecycle calls out
// to them.
type Manager struct {
	cfg   config.Config
	store *store.Store

	mu          sync.Mutex
	pools       map[venue.Exchange]*Pool
	running     bool
	initialized bool
}

// NewManager builds one pool per enabled venue with that venue's codec.
func NewManager(cfg config.Config, st *store.Store) *Manager {
	pools := make(map[venue.Exchange]*Pool, len(venue.All))
	if cfg.OKX.Enabled {
		pools[venue.OKX] = NewPool(venue.OKX, cfg.OKX, cfg.Timings, okx.NewCodec(), st)
	}
	if cfg.Binance.Enabled {
		pools[venue.Binance] = NewPool(venue.Binance, cfg.Binance, cfg.Timings, binance.NewCodec(), st)
	}
	return &Manager{cfg: cfg, store: st, pools: pools}
}

// Pools returns the venue pools in canonical order.
func (m *Manager) Pools() []*Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pool, 0, len(m.pools))
	for _, ex := range venue.All {
		if p, ok := m.pools[ex]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Start initializes every venue pool with the shared canonical symbol
// universe, then re-verifies each pool's scheduler. The re-check
// duplicates the pool's own post-check on purpose: the manager does not
// assume pool initialization succeeded.
func (m *Manager) Start(ctx context.Context, symbols []string) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		log.Warn().Msg("pool manager already running")
		return nil
	}
	m.mu.Unlock()

	log.Info().Int("symbols", len(symbols)).Int("venues", len(m.pools)).Msg("pool manager starting")

	log.Info().Msg("step 1: initializing venue pools")
	var wg conc.WaitGroup
	for _, p := range m.Pools() {
		pool := p
		wg.Go(func() {
			if err := pool.Initialize(ctx, symbols); err != nil {
				log.Error().Err(err).Str("exchange", string(pool.Exchange())).Msg("pool initialization interrupted")
			}
		})
	}
	wg.Wait()

	log.Info().Msg("step 2: verifying monitor schedulers")
	for _, pool := range m.Pools() {
		log.Info().Str("exchange", string(pool.Exchange())).Msg("checking monitor scheduler")
		pool.EnsureScheduler(ctx)
	}

	m.mu.Lock()
	m.running = true
	m.initialized = true
	m.mu.Unlock()

	log.Info().Msg("pool manager started")
	return ctx.Err()
}

// Stop shuts every pool down in parallel.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		log.Info().Msg("pool manager not running")
		return
	}
	m.running = false
	m.mu.Unlock()

	log.Info().Msg("pool manager stopping")
	var wg conc.WaitGroup
	for _, p := range m.Pools() {
		pool := p
		wg.Go(pool.Shutdown)
	}
	wg.Wait()
	log.Info().Msg("pool manager stopped")
}

// Running reports whether Start has completed and Stop has not.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Status condenses every pool snapshot into a per-venue summary.
func (m *Manager) Status() ModuleStatus {
	m.mu.Lock()
	running, initialized := m.running, m.initialized
	m.mu.Unlock()

	status := ModuleStatus{
		Module:      "websocket_pool",
		Status:      "stopped",
		Initialized: initialized,
		Exchanges:   make(map[string]VenueSummary, len(m.pools)),
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	if running {
		status.Status = "healthy"
	}

	for _, pool := range m.Pools() {
		snap := pool.Status()
		summary := VenueSummary{
			MastersTotal:  len(snap.Masters),
			StandbysTotal: len(snap.WarmStandbys),
		}
		for _, h := range snap.Masters {
			if h.Connected {
				summary.MastersConnected++
			}
		}
		for _, h := range snap.WarmStandbys {
			if h.Connected {
				summary.StandbysConnected++
			}
		}
		summary.Health = "good"
		if summary.MastersConnected < summary.MastersTotal {
			summary.Health = "warning"
		}
		status.Exchanges[string(pool.Exchange())] = summary
	}
	return status
}

// HealthCheck is the quick probe: unhealthy when the manager is stopped
// or any venue has every master down.
func (m *Manager) HealthCheck() HealthReport {
	if !m.Running() {
		return HealthReport{Healthy: false, Message: "pool manager not running"}
	}

	status := m.Status()
	for ex, summary := range status.Exchanges {
		if summary.MastersConnected == 0 && summary.MastersTotal > 0 {
			return HealthReport{
				Healthy: false,
				Message: fmt.Sprintf("all %s masters disconnected", ex),
				Details: &status,
			}
		}
	}
	return HealthReport{Healthy: true, Message: "all venue masters connected", Details: &status}
}

// HasVenue reports whether a pool exists for the exchange.
func (m *Manager) HasVenue(ex venue.Exchange) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pools[ex]
	return ok
}

// Snapshots returns the full per-venue fleet snapshots.
func (m *Manager) Snapshots() map[venue.Exchange]Snapshot {
	out := make(map[venue.Exchange]Snapshot, len(m.pools))
	for _, pool := range m.Pools() {
		out[pool.Exchange()] = pool.Status()
	}
	return out
}

// ReconnectVenue tears one venue's pool down and rebuilds it with the
// same symbol universe.
func (m *Manager) ReconnectVenue(ctx context.Context, ex venue.Exchange) error {
	m.mu.Lock()
	pool, ok := m.pools[ex]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown exchange %q", ex)
	}

	log.Info().Str("exchange", string(ex)).Msg("reconnecting venue pool")
	symbols := pool.Symbols()
	pool.Shutdown()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
	}

	if err := pool.Initialize(ctx, symbols); err != nil {
		return fmt.Errorf("reinitialize %s: %w", ex, err)
	}
	log.Info().Str("exchange", string(ex)).Msg("venue pool reconnected")
	return nil
}

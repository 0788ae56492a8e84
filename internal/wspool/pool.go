package wspool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"fundspread-aggregator/internal/config"
	"fundspread-aggregator/internal/metrics"
	"fundspread-aggregator/internal/store"
	"fundspread-aggregator/internal/venue"
)

// poolMode tags status snapshots so downstream dashboards can tell this
// topology apart from older single-connection deployments.
const poolMode = "master_standby"

// statusKey and failoverKey are the store connection-status slots the
// pool writes.
const (
	statusKey   = "websocket_pool"
	failoverKey = "failover_history"
)

// Snapshot is the pool status written to the store on every scheduling
// tick and served by the debug endpoints.
type Snapshot struct {
	Exchange     venue.Exchange `json:"exchange"`
	Timestamp    string         `json:"timestamp"`
	Masters      []Health       `json:"masters"`
	WarmStandbys []Health       `json:"warm_standbys"`
	Monitor      *Health        `json:"monitor"`
	PoolMode     string         `json:"pool_mode"`
}

// FailoverRecord is appended to the store's failover history after a
// completed promotion.
type FailoverRecord struct {
	Exchange    venue.Exchange `json:"exchange"`
	MasterIndex int            `json:"master_index"`
	OldMaster   string         `json:"old_master"`
	NewMaster   string         `json:"new_master"`
	Timestamp   string         `json:"timestamp"`
	Type        string         `json:"type"`
	PoolMode    string         `json:"pool_mode"`
}

// Pool owns one venue's fleet: masters carrying disjoint symbol slices,
// warm standbys parked on the heartbeat subscription, and the monitor
// connection whose scheduling loop is the only authority that rewires
// roles. Connections never recover themselves.
type Pool struct {
	exchange venue.Exchange
	cfg      config.VenueConfig
	timings  config.Timings
	codec    Codec
	store    *store.Store
	sink     Sink

	mu           sync.Mutex
	symbols      []string
	groups       [][]string
	masters      []*Conn
	standbys     []*Conn
	monitor      *Conn
	reconnecting map[string]struct{}

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	healthCancel  context.CancelFunc
}

// NewPool builds the pool shell; Initialize dials the fleet.
func NewPool(ex venue.Exchange, cfg config.VenueConfig, timings config.Timings, codec Codec, st *store.Store) *Pool {
	return &Pool{
		exchange:     ex,
		cfg:          cfg,
		timings:      timings,
		codec:        codec,
		store:        st,
		sink:         st.UpdateMarketData,
		reconnecting: make(map[string]struct{}),
	}
}

// Exchange returns the venue this pool serves.
func (p *Pool) Exchange() venue.Exchange { return p.exchange }

// Symbols returns the universe the pool was initialized with.
func (p *Pool) Symbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.symbols...)
}

// Initialize partitions the symbols and brings the fleet up: masters,
// standbys and the monitor concurrently, each branch independent so
// partial success never aborts the rest. A mandatory post-check then
// verifies the monitor connection and its scheduling loop, because a
// pool without a live scheduler has no failover authority.
func (p *Pool) Initialize(ctx context.Context, symbols []string) error {
	groups := PartitionSymbols(symbols, p.cfg.MastersCount, p.cfg.SymbolsPerMaster)

	p.mu.Lock()
	p.symbols = append([]string(nil), symbols...)
	p.groups = groups
	p.masters = nil
	p.standbys = nil
	p.monitor = nil
	p.mu.Unlock()

	log.Info().
		Str("exchange", string(p.exchange)).
		Int("symbols", len(symbols)).
		Int("groups", len(groups)).
		Msg("initializing connection pool")

	var wg conc.WaitGroup
	wg.Go(func() { p.initializeMasters(ctx) })
	wg.Go(func() { p.initializeStandbys(ctx) })
	wg.Go(func() { p.initializeMonitor(ctx) })
	wg.Wait()

	p.EnsureScheduler(ctx)
	p.startHealthLoop(ctx)

	log.Info().Str("exchange", string(p.exchange)).Msg("connection pool initialized")
	return ctx.Err()
}

// initializeMasters dials one master per symbol group, sequentially so
// the batched subscriptions respect venue rate limits. A master that
// fails to come up still joins the fleet: the scheduling loop owns its
// recovery, and keeping it preserves the group-to-master index mapping.
func (p *Pool) initializeMasters(ctx context.Context) {
	p.mu.Lock()
	groups := p.groups
	p.mu.Unlock()

	for i, group := range groups {
		conn := NewConn(ConnConfig{
			ID:              fmt.Sprintf("%s_master_%d", p.exchange, i),
			URL:             p.cfg.WSURL,
			Codec:           p.codec,
			Role:            RoleMaster,
			Index:           i,
			Symbols:         group,
			HeartbeatSymbol: p.cfg.HeartbeatSymbol,
			Timings:         p.timings,
			Sink:            p.sink,
		})
		log.Info().Str("conn_id", conn.ID()).Int("symbols", len(group)).Msg("starting master")
		if err := conn.Connect(ctx); err != nil {
			log.Error().Err(err).Str("conn_id", conn.ID()).Msg("master start failed")
		}
		p.mu.Lock()
		p.masters = append(p.masters, conn)
		p.mu.Unlock()
	}

	p.mu.Lock()
	up := 0
	for _, m := range p.masters {
		if m.Connected() {
			up++
		}
	}
	total := len(p.masters)
	p.mu.Unlock()
	log.Info().Str("exchange", string(p.exchange)).Int("connected", up).Int("total", total).Msg("masters initialized")
}

func (p *Pool) initializeStandbys(ctx context.Context) {
	for i := 0; i < p.cfg.WarmStandbys; i++ {
		conn := NewConn(ConnConfig{
			ID:              fmt.Sprintf("%s_warm_%d", p.exchange, i),
			URL:             p.cfg.WSURL,
			Codec:           p.codec,
			Role:            RoleWarmStandby,
			Index:           i,
			Symbols:         []string{p.cfg.HeartbeatSymbol},
			HeartbeatSymbol: p.cfg.HeartbeatSymbol,
			Timings:         p.timings,
			Sink:            p.sink,
		})
		log.Info().Str("conn_id", conn.ID()).Msg("starting warm standby")
		if err := conn.Connect(ctx); err != nil {
			log.Error().Err(err).Str("conn_id", conn.ID()).Msg("warm standby start failed")
		}
		p.mu.Lock()
		p.standbys = append(p.standbys, conn)
		p.mu.Unlock()
	}
	log.Info().Str("exchange", string(p.exchange)).Int("total", p.cfg.WarmStandbys).Msg("warm standbys initialized")
}

// initializeMonitor dials the monitor connection with exponential
// back-off between attempts and starts the scheduling loop once up.
func (p *Pool) initializeMonitor(ctx context.Context) {
	id := fmt.Sprintf("%s_monitor", p.exchange)

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 2 * time.Second
	boff.Multiplier = 2
	boff.RandomizationFactor = 0

	retries := p.timings.MonitorInitRetries
	if retries <= 0 {
		retries = 1
	}
	for attempt := 1; attempt <= retries; attempt++ {
		conn := NewConn(ConnConfig{
			ID:              id,
			URL:             p.cfg.WSURL,
			Codec:           p.codec,
			Role:            RoleMonitor,
			HeartbeatSymbol: p.cfg.HeartbeatSymbol,
			Timings:         p.timings,
			Sink:            p.sink,
		})
		log.Info().Str("conn_id", id).Int("attempt", attempt).Msg("establishing monitor connection")

		err := conn.Connect(ctx)
		if err == nil {
			p.mu.Lock()
			p.monitor = conn
			p.mu.Unlock()
			p.startMonitorLoop(ctx)
			return
		}
		log.Error().Err(err).Str("conn_id", id).Int("attempt", attempt).Int("max", retries).Msg("monitor connect failed")

		sleep := boff.NextBackOff()
		if sleep == backoff.Stop || attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
	log.Error().Str("conn_id", id).Int("attempts", retries).Msg("monitor connection failed after retries")
}

// EnsureScheduler re-checks the monitor connection and its scheduling
// loop, recovering either if needed. Initialization always runs it, and
// the manager runs it again afterwards on purpose.
func (p *Pool) EnsureScheduler(ctx context.Context) {
	p.mu.Lock()
	mon := p.monitor
	p.mu.Unlock()

	if mon == nil || !mon.Connected() {
		log.Warn().Str("exchange", string(p.exchange)).Msg("monitor connection down, re-initializing")
		p.initializeMonitor(ctx)
	}
	if !p.schedulerAlive() {
		log.Warn().Str("exchange", string(p.exchange)).Msg("scheduling loop not running, starting")
		p.startMonitorLoop(ctx)
	}
}

func (p *Pool) schedulerAlive() bool {
	p.mu.Lock()
	done := p.monitorDone
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (p *Pool) startMonitorLoop(ctx context.Context) {
	p.mu.Lock()
	if p.monitorDone != nil {
		select {
		case <-p.monitorDone:
		default:
			p.mu.Unlock()
			return
		}
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.monitorCancel = cancel
	p.monitorDone = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.monitorSchedulingLoop(loopCtx)
	}()
	log.Info().
		Str("exchange", string(p.exchange)).
		Dur("tick", p.timings.MonitorTick).
		Msg("monitor scheduling loop started")
}

func (p *Pool) startHealthLoop(ctx context.Context) {
	p.mu.Lock()
	if p.healthCancel != nil {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.healthCancel = cancel
	p.mu.Unlock()

	go p.healthLoop(loopCtx)
	log.Info().Str("exchange", string(p.exchange)).Msg("health check loop started")
}

// monitorSchedulingLoop observes the fleet every tick: dead masters
// trigger failover, dead standbys are redialed without blocking the
// loop, and every pass publishes a status snapshot.
func (p *Pool) monitorSchedulingLoop(ctx context.Context) {
	ticker := time.NewTicker(p.timings.MonitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.superviseTick(ctx)
	}
}

func (p *Pool) superviseTick(ctx context.Context) {
	p.mu.Lock()
	masters := append([]*Conn(nil), p.masters...)
	standbys := append([]*Conn(nil), p.standbys...)
	p.mu.Unlock()

	for i, master := range masters {
		if master.Connected() {
			continue
		}
		log.Warn().
			Str("exchange", string(p.exchange)).
			Str("conn_id", master.ID()).
			Int("master_index", i).
			Msg("master connection down")
		p.handleMasterFailure(ctx, i, master)
	}

	for _, standby := range standbys {
		if standby.Connected() {
			continue
		}
		p.reconnectStandby(ctx, standby)
	}

	p.reportStatus()
}

// reconnectStandby redials a dead standby in the background, at most one
// attempt in flight per connection.
func (p *Pool) reconnectStandby(ctx context.Context, conn *Conn) {
	p.mu.Lock()
	if _, busy := p.reconnecting[conn.ID()]; busy {
		p.mu.Unlock()
		return
	}
	p.reconnecting[conn.ID()] = struct{}{}
	p.mu.Unlock()

	log.Warn().Str("exchange", string(p.exchange)).Str("conn_id", conn.ID()).Msg("standby connection down, reconnecting")
	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.reconnecting, conn.ID())
			p.mu.Unlock()
		}()
		if err := conn.Reconnect(ctx); err != nil {
			log.Warn().Err(err).Str("conn_id", conn.ID()).Msg("standby reconnect failed")
			return
		}
		log.Info().Str("conn_id", conn.ID()).Msg("standby reconnected")
	}()
}

func (p *Pool) handleMasterFailure(ctx context.Context, index int, failed *Conn) {
	standby := p.selectBestStandby()
	if standby == nil {
		log.Warn().
			Str("exchange", string(p.exchange)).
			Str("conn_id", failed.ID()).
			Msg("no standby available, reconnecting master in place")
		if err := failed.Reconnect(ctx); err != nil {
			log.Error().Err(err).Str("conn_id", failed.ID()).Msg("master reconnect failed")
		}
		return
	}

	if err := p.executeFailover(ctx, index, failed, standby); err != nil {
		metrics.RecordFailoverFailure(string(p.exchange))
		log.Error().Err(err).
			Str("exchange", string(p.exchange)).
			Str("conn_id", failed.ID()).
			Msg("failover failed, reconnecting master in place")
		if err := failed.Reconnect(ctx); err != nil {
			log.Error().Err(err).Str("conn_id", failed.ID()).Msg("master reconnect failed")
		}
	}
}

// selectBestStandby picks the connected, non-active standby with the
// freshest traffic, fewest reconnects and smallest slice, in that order.
func (p *Pool) selectBestStandby() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Conn
	var bestKey [3]float64
	for _, s := range p.standbys {
		if !s.Connected() || s.Active() {
			continue
		}
		h := s.Health()
		key := [3]float64{h.LastMessageSecondsAgo, float64(h.ReconnectCount), float64(h.SymbolsCount)}
		if best == nil || lessKey(key, bestKey) {
			best, bestKey = s, key
		}
	}
	if best != nil {
		log.Info().Str("exchange", string(p.exchange)).Str("conn_id", best.ID()).Msg("selected best standby")
	}
	return best
}

func lessKey(a, b [3]float64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// executeFailover migrates a dead master's slice onto a standby:
//
//  1. quiesce the failed master and clear its slice
//  2. promote the standby onto the orphaned slice (must succeed)
//  3. swap the fleet lists
//  4. recycle the failed master as a warm standby after a short pause
//  5. record the failover
//
// Steps touching the dead socket tolerate errors. After step 2 the
// failover is committed: whatever happens to the old master, it stays in
// the standby list so the scheduling loop keeps retrying it and no
// connection is ever orphaned.
func (p *Pool) executeFailover(ctx context.Context, index int, failed, promoted *Conn) error {
	ex := string(p.exchange)
	log.Info().
		Str("exchange", ex).
		Str("old_master", failed.ID()).
		Str("new_master", promoted.ID()).
		Int("master_index", index).
		Msg("failover started")

	if err := failed.Unsubscribe(ctx); err != nil {
		log.Debug().Err(err).Str("conn_id", failed.ID()).Msg("failed master unsubscribe skipped")
	}
	failed.ClearSymbols()

	p.mu.Lock()
	var slice []string
	if index < len(p.groups) {
		slice = p.groups[index]
	}
	p.mu.Unlock()

	if err := promoted.SwitchRole(ctx, RoleMaster, slice); err != nil {
		return fmt.Errorf("promote %s: %w", promoted.ID(), err)
	}

	p.mu.Lock()
	for i, s := range p.standbys {
		if s == promoted {
			p.standbys = append(p.standbys[:i], p.standbys[i+1:]...)
			break
		}
	}
	if index < len(p.masters) {
		p.masters[index] = promoted
	} else {
		p.masters = append(p.masters, promoted)
	}
	p.mu.Unlock()

	failed.Disconnect()
	select {
	case <-ctx.Done():
	case <-time.After(p.timings.FailoverPause):
	}

	// The slice is empty, so reconnecting under the stale master role
	// subscribes nothing; the role switch then parks it on the heartbeat.
	// Both steps tolerate failure: the connection lands in the standby
	// list either way and the scheduling loop keeps retrying it.
	if err := failed.Connect(ctx); err != nil {
		log.Error().Err(err).Str("conn_id", failed.ID()).Msg("demoted master reconnect failed")
	}
	if err := failed.SwitchRole(ctx, RoleWarmStandby, nil); err != nil {
		log.Error().Err(err).Str("conn_id", failed.ID()).Msg("demotion switch failed")
	}

	p.mu.Lock()
	present := false
	for _, s := range p.standbys {
		if s == failed {
			present = true
			break
		}
	}
	if !present {
		p.standbys = append(p.standbys, failed)
	}
	p.mu.Unlock()

	record := FailoverRecord{
		Exchange:    p.exchange,
		MasterIndex: index,
		OldMaster:   failed.ID(),
		NewMaster:   promoted.ID(),
		Timestamp:   time.Now().Format(time.RFC3339),
		Type:        "failover",
		PoolMode:    poolMode,
	}
	p.store.AppendFailover(p.exchange, record)
	p.store.SetConnectionStatus(p.exchange, failoverKey, record)
	metrics.RecordFailover(ex)

	log.Info().
		Str("exchange", ex).
		Str("old_master", failed.ID()).
		Str("new_master", promoted.ID()).
		Msg("failover complete")
	return nil
}

// Status assembles the point-in-time fleet snapshot.
func (p *Pool) Status() Snapshot {
	p.mu.Lock()
	masters := append([]*Conn(nil), p.masters...)
	standbys := append([]*Conn(nil), p.standbys...)
	monitor := p.monitor
	p.mu.Unlock()

	snap := Snapshot{
		Exchange:     p.exchange,
		Timestamp:    time.Now().Format(time.RFC3339),
		Masters:      make([]Health, 0, len(masters)),
		WarmStandbys: make([]Health, 0, len(standbys)),
		PoolMode:     poolMode,
	}
	for _, m := range masters {
		snap.Masters = append(snap.Masters, m.Health())
	}
	for _, s := range standbys {
		snap.WarmStandbys = append(snap.WarmStandbys, s.Health())
	}
	if monitor != nil {
		h := monitor.Health()
		snap.Monitor = &h
	}
	return snap
}

func (p *Pool) reportStatus() {
	snap := p.Status()
	p.store.SetConnectionStatus(p.exchange, statusKey, snap)

	mastersUp, standbysUp := 0, 0
	for _, h := range snap.Masters {
		if h.Connected {
			mastersUp++
		}
	}
	for _, h := range snap.WarmStandbys {
		if h.Connected {
			standbysUp++
		}
	}
	p.mu.Lock()
	symbols := len(p.symbols)
	p.mu.Unlock()
	metrics.RecordPoolGauges(string(p.exchange), mastersUp, standbysUp, symbols)
}

// healthLoop logs a digest whenever part of the fleet is down.
func (p *Pool) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.timings.HealthTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		masters := append([]*Conn(nil), p.masters...)
		standbys := append([]*Conn(nil), p.standbys...)
		p.mu.Unlock()

		mastersUp := 0
		for _, m := range masters {
			if m.Connected() {
				mastersUp++
			}
		}
		standbysUp := 0
		for _, s := range standbys {
			if s.Connected() {
				standbysUp++
			}
		}

		if mastersUp < len(masters) {
			log.Info().
				Str("exchange", string(p.exchange)).
				Int("connected", mastersUp).
				Int("total", len(masters)).
				Msg("health check: masters degraded")
		}
		if standbysUp < len(standbys) {
			log.Info().
				Str("exchange", string(p.exchange)).
				Int("connected", standbysUp).
				Int("total", len(standbys)).
				Msg("health check: standbys degraded")
		}
	}
}

// Shutdown stops the scheduling and health loops, then disconnects the
// whole fleet in parallel.
func (p *Pool) Shutdown() {
	log.Info().Str("exchange", string(p.exchange)).Msg("shutting down connection pool")

	p.mu.Lock()
	monitorCancel := p.monitorCancel
	healthCancel := p.healthCancel
	p.monitorCancel = nil
	p.healthCancel = nil
	conns := append([]*Conn(nil), p.masters...)
	conns = append(conns, p.standbys...)
	if p.monitor != nil {
		conns = append(conns, p.monitor)
	}
	p.mu.Unlock()

	if monitorCancel != nil {
		monitorCancel()
	}
	if healthCancel != nil {
		healthCancel()
	}

	var wg conc.WaitGroup
	for _, conn := range conns {
		wg.Go(conn.Disconnect)
	}
	wg.Wait()

	log.Info().Str("exchange", string(p.exchange)).Msg("connection pool closed")
}

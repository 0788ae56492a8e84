// Package wspool maintains the per-venue WebSocket fleets: master
// connections carrying disjoint symbol slices, warm standbys parked on a
// heartbeat subscription, and a monitor connection whose scheduling loop
// rewires the fleet on failure.
package wspool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"fundspread-aggregator/internal/config"
	"fundspread-aggregator/internal/metrics"
	"fundspread-aggregator/internal/venue"
)

// Role is a connection's job within the pool. Roles mutate only through
// the pool's failover routine; the monitor never changes role.
type Role string

const (
	RoleMaster      Role = "master"
	RoleWarmStandby Role = "warm_standby"
	RoleMonitor     Role = "monitor"
)

// neverSeen is the staleness reported before any message arrives. It
// sorts idle connections after ones with live traffic during standby
// selection.
const neverSeen = 999

// Codec is the venue wire knowledge a connection drives: subscription
// frame construction, the heartbeat frame, batch pacing, and inbound
// frame classification. Codecs own no socket.
type Codec interface {
	Exchange() venue.Exchange
	Heartbeat() (messageType int, payload []byte)
	BatchPause(op string) time.Duration
	SubscribeFrames(symbols []string) [][]byte
	UnsubscribeFrames(symbols []string) [][]byte
	Parse(frame []byte) (*venue.Event, bool)
}

// Sink receives every data event a connection parses.
// store.(*Store).UpdateMarketData satisfies it.
type Sink func(ctx context.Context, ev *venue.Event) error

// Health is one connection's self-report, sampled by the pool on every
// scheduling tick and served on the debug surface.
type Health struct {
	ID                    string         `json:"connection_id"`
	Exchange              venue.Exchange `json:"exchange"`
	Role                  Role           `json:"type"`
	Connected             bool           `json:"connected"`
	Subscribed            bool           `json:"subscribed"`
	Active                bool           `json:"is_active"`
	SymbolsCount          int            `json:"symbols_count"`
	LastMessageSecondsAgo float64        `json:"last_message_seconds_ago"`
	ReconnectCount        int            `json:"reconnect_count"`
	Timestamp             string         `json:"timestamp"`
}

// ConnConfig assembles one connection.
type ConnConfig struct {
	ID  string
	URL string
	// Codec supplies the venue wire protocol.
	Codec Codec
	Role  Role
	// Index staggers warm standby subscribe delays so standbys never
	// hit the venue's subscription limits simultaneously.
	Index int
	// Symbols is the initial slice: the master's partition, the
	// standby's heartbeat symbol, empty for the monitor.
	Symbols []string
	// HeartbeatSymbol is the canonical symbol a demoted master parks on.
	HeartbeatSymbol string
	Timings         config.Timings
	Sink            Sink
}

// Conn is one venue WebSocket. It connects, subscribes, parses and emits;
// it never redials itself — the pool's monitor is the sole recovery
// authority.
type Conn struct {
	id              string
	url             string
	codec           Codec
	index           int
	heartbeatSymbol string
	timings         config.Timings
	sink            Sink

	// opMu serializes lifecycle operations (connect, disconnect,
	// role switches); mu guards the state fields below it.
	opMu sync.Mutex

	mu            sync.Mutex
	ctx           context.Context
	ws            *websocket.Conn
	role          Role
	symbols       []string
	connected     bool
	subscribed    bool
	active        bool
	lastMessage   time.Time
	reconnects    int
	counts        map[venue.EventKind]int64
	done          chan struct{}
	delayedCancel context.CancelFunc

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewConn builds a connection in the disconnected state.
func NewConn(cfg ConnConfig) *Conn {
	return &Conn{
		id:              cfg.ID,
		url:             cfg.URL,
		codec:           cfg.Codec,
		index:           cfg.Index,
		heartbeatSymbol: cfg.HeartbeatSymbol,
		timings:         cfg.Timings,
		sink:            cfg.Sink,
		role:            cfg.Role,
		symbols:         append([]string(nil), cfg.Symbols...),
		counts:          make(map[venue.EventKind]int64),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Symbols returns a copy of the current slice.
func (c *Conn) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.symbols...)
}

// ClearSymbols empties the slice. The pool does this when demoting a
// failed master so a stray reconnect cannot resubscribe the old slice.
func (c *Conn) ClearSymbols() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols = nil
}

// Health reports the connection's current state.
func (c *Conn) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	ago := float64(neverSeen)
	if !c.lastMessage.IsZero() {
		ago = time.Since(c.lastMessage).Seconds()
	}
	return Health{
		ID:                    c.id,
		Exchange:              c.codec.Exchange(),
		Role:                  c.role,
		Connected:             c.connected,
		Subscribed:            c.subscribed,
		Active:                c.active,
		SymbolsCount:          len(c.symbols),
		LastMessageSecondsAgo: ago,
		ReconnectCount:        c.reconnects,
		Timestamp:             time.Now().Format(time.RFC3339),
	}
}

// Connect dials the venue and starts the read and heartbeat loops. A
// master subscribes its slice immediately and becomes active; a warm
// standby schedules the staggered heartbeat subscribe; the monitor only
// holds the socket open.
func (c *Conn) Connect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.connect(ctx)
}

func (c *Conn) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	log.Info().Str("conn_id", c.id).Str("url", c.url).Msg("connecting")

	dialer := websocket.Dialer{HandshakeTimeout: c.timings.DialTimeout}
	ws, resp, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: status %d: %w", c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	done := make(chan struct{})
	c.mu.Lock()
	c.ctx = ctx
	c.ws = ws
	c.done = done
	c.connected = true
	c.lastMessage = time.Now()
	role := c.role
	symbols := append([]string(nil), c.symbols...)
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(ws, done)
	go c.pingLoop(ws, done)

	metrics.RecordConnectionUp(string(c.codec.Exchange()), c.id, true)
	log.Info().Str("conn_id", c.id).Msg("connected")

	switch {
	case role == RoleMaster && len(symbols) > 0:
		if err := c.sendBatches(ctx, venue.OpSubscribe, c.codec.SubscribeFrames(symbols)); err != nil {
			c.disconnect()
			return fmt.Errorf("master subscribe: %w", err)
		}
		c.mu.Lock()
		c.subscribed = true
		c.active = true
		c.mu.Unlock()
		log.Info().Str("conn_id", c.id).Int("symbols", len(symbols)).Msg("master subscribed and active")
	case role == RoleWarmStandby && len(symbols) > 0:
		delay := c.timings.StandbyBaseDelay + time.Duration(c.index)*c.timings.StandbyStepDelay
		c.scheduleDelayedSubscribe(ctx, delay)
		log.Info().Str("conn_id", c.id).Dur("delay", delay).Msg("warm standby scheduled heartbeat subscribe")
	case role == RoleMonitor:
		log.Info().Str("conn_id", c.id).Msg("monitor ready, no subscription")
	}
	return nil
}

// Reconnect tears down whatever is left of the socket and dials again
// under the current role. The pool uses it for failed standbys and for
// masters when no standby can take over.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.disconnect()
	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
	metrics.RecordReconnect(string(c.codec.Exchange()), c.id)
	return c.connect(ctx)
}

// Subscribe sends the subscription for the connection's current slice
// and marks masters active.
func (c *Conn) Subscribe(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	connected := c.connected
	role := c.role
	symbols := append([]string(nil), c.symbols...)
	c.mu.Unlock()

	if !connected {
		return fmt.Errorf("%s: subscribe on closed connection", c.id)
	}
	if len(symbols) == 0 {
		log.Warn().Str("conn_id", c.id).Msg("no symbols to subscribe")
		return nil
	}
	if err := c.sendBatches(ctx, venue.OpSubscribe, c.codec.SubscribeFrames(symbols)); err != nil {
		return err
	}
	c.mu.Lock()
	c.subscribed = true
	c.active = role == RoleMaster
	c.mu.Unlock()
	return nil
}

// Unsubscribe tears down the live subscription, keeping the socket open.
func (c *Conn) Unsubscribe(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.unsubscribe(ctx)
}

func (c *Conn) unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	connected, subscribed := c.connected, c.subscribed
	symbols := append([]string(nil), c.symbols...)
	c.mu.Unlock()

	if !connected || !subscribed || len(symbols) == 0 {
		return fmt.Errorf("%s: nothing to unsubscribe", c.id)
	}
	err := c.sendBatches(ctx, venue.OpUnsubscribe, c.codec.UnsubscribeFrames(symbols))
	c.mu.Lock()
	c.subscribed = false
	c.active = false
	c.mu.Unlock()
	if err != nil {
		return err
	}
	log.Info().Str("conn_id", c.id).Int("symbols", len(symbols)).Msg("unsubscribed")
	return nil
}

// SwitchRole moves the connection between master and warm standby duty.
// The transition is guarded: a repeated call with the same role and
// symbols while the subscription is live is a no-op, so failover retries
// never double-subscribe. Otherwise any pending delayed subscribe is
// cancelled, the live subscription torn down, the slice swapped, and the
// new set subscribed when the socket is open.
func (c *Conn) SwitchRole(ctx context.Context, role Role, symbols []string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if role == RoleWarmStandby && len(symbols) == 0 && c.heartbeatSymbol != "" {
		symbols = []string{c.heartbeatSymbol}
	}

	c.mu.Lock()
	if role == c.role && equalSymbols(symbols, c.symbols) && c.subscribed {
		c.mu.Unlock()
		log.Debug().Str("conn_id", c.id).Str("role", string(role)).Msg("switch_role no-op")
		return nil
	}
	oldRole := c.role
	c.mu.Unlock()

	c.cancelDelayed()

	c.mu.Lock()
	connected, subscribed := c.connected, c.subscribed
	current := append([]string(nil), c.symbols...)
	c.mu.Unlock()

	if connected && subscribed && len(current) > 0 {
		if err := c.sendBatches(ctx, venue.OpUnsubscribe, c.codec.UnsubscribeFrames(current)); err != nil {
			log.Warn().Err(err).Str("conn_id", c.id).Msg("unsubscribe during role switch failed")
		}
	}

	c.mu.Lock()
	c.role = role
	c.symbols = append([]string(nil), symbols...)
	c.subscribed = false
	c.active = false
	connected = c.connected
	c.mu.Unlock()

	if connected && role != RoleMonitor && len(symbols) > 0 {
		if err := c.sendBatches(ctx, venue.OpSubscribe, c.codec.SubscribeFrames(symbols)); err != nil {
			return fmt.Errorf("switch %s -> %s: subscribe: %w", oldRole, role, err)
		}
		c.mu.Lock()
		c.subscribed = true
		c.active = role == RoleMaster
		c.mu.Unlock()
	}

	log.Info().
		Str("conn_id", c.id).
		Str("from", string(oldRole)).
		Str("to", string(role)).
		Int("symbols", len(symbols)).
		Msg("role switched")
	return nil
}

// Disconnect cancels any pending delayed subscribe, sends a close frame
// and tears the socket down. Safe on an already-dead connection.
func (c *Conn) Disconnect() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.disconnect()
}

func (c *Conn) disconnect() {
	c.cancelDelayed()

	c.mu.Lock()
	ws := c.ws
	wasConnected := c.connected
	c.ws = nil
	c.connected = false
	c.subscribed = false
	c.active = false
	if c.done != nil {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
	c.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(c.timings.CloseTimeout)
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	c.wg.Wait()

	if wasConnected {
		metrics.RecordConnectionUp(string(c.codec.Exchange()), c.id, false)
		log.Info().Str("conn_id", c.id).Msg("disconnected")
	}
}

// scheduleDelayedSubscribe arms the standby's staggered heartbeat
// subscription. The wait is cancellable by Disconnect and SwitchRole.
func (c *Conn) scheduleDelayedSubscribe(ctx context.Context, delay time.Duration) {
	subCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.delayedCancel != nil {
		c.delayedCancel()
	}
	c.delayedCancel = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-subCtx.Done():
			return
		case <-timer.C:
		}

		c.mu.Lock()
		connected, subscribed := c.connected, c.subscribed
		symbols := append([]string(nil), c.symbols...)
		c.mu.Unlock()
		switch {
		case !connected:
			log.Warn().Str("conn_id", c.id).Msg("disconnected before delayed subscribe")
			return
		case subscribed:
			log.Debug().Str("conn_id", c.id).Msg("already subscribed, delayed subscribe skipped")
			return
		case len(symbols) == 0:
			return
		}
		if err := c.sendBatches(subCtx, venue.OpSubscribe, c.codec.SubscribeFrames(symbols)); err != nil {
			log.Error().Err(err).Str("conn_id", c.id).Msg("delayed subscribe failed")
			return
		}
		c.mu.Lock()
		c.subscribed = true
		c.mu.Unlock()
		log.Info().Str("conn_id", c.id).Strs("symbols", symbols).Msg("heartbeat subscription live")
	}()
}

func (c *Conn) cancelDelayed() {
	c.mu.Lock()
	cancel := c.delayedCancel
	c.delayedCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// sendBatches writes pre-marshalled frames paced by the codec's
// inter-batch pause. The first frame goes out immediately; the limiter
// spaces the rest so large subscriptions respect venue rate limits.
func (c *Conn) sendBatches(ctx context.Context, op string, frames [][]byte) error {
	if len(frames) == 0 {
		return nil
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("%s: not connected", c.id)
	}

	limiter := rate.NewLimiter(rate.Every(c.codec.BatchPause(op)), 1)
	for i, frame := range frames {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s batch %d/%d: %w", op, i+1, len(frames), err)
		}
		if err := c.writeFrame(ws, websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("%s batch %d/%d: %w", op, i+1, len(frames), err)
		}
		metrics.RecordSubscribeBatch(string(c.codec.Exchange()), op)
		log.Debug().Str("conn_id", c.id).Str("op", op).Int("batch", i+1).Int("total", len(frames)).Msg("batch sent")
	}
	return nil
}

func (c *Conn) writeFrame(ws *websocket.Conn, messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.timings.WriteTimeout))
	return ws.WriteMessage(messageType, payload)
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastMessage = time.Now()
	c.mu.Unlock()
}

// readLoop drains the socket until it closes. Socket death clears the
// state flags and leaves recovery to the pool's monitor.
func (c *Conn) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-done:
			return
		default:
		}
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			c.onSocketClosed(err, done)
			return
		}
		c.handleFrame(messageType, frame)
	}
}

func (c *Conn) handleFrame(messageType int, frame []byte) {
	c.touch()
	if messageType != websocket.TextMessage {
		return
	}
	ev, ok := c.codec.Parse(frame)
	if !ok {
		return
	}

	c.mu.Lock()
	c.counts[ev.Kind]++
	n := c.counts[ev.Kind]
	ctx := c.ctx
	c.mu.Unlock()
	if n%1000 == 0 {
		log.Debug().Str("conn_id", c.id).Str("kind", string(ev.Kind)).Int64("count", n).Msg("messages processed")
	}

	metrics.RecordMessage(string(ev.Exchange), string(ev.Kind))
	if c.sink == nil {
		return
	}
	if err := c.sink(ctx, ev); err != nil {
		log.Error().Err(err).Str("conn_id", c.id).Str("symbol", ev.Symbol).Msg("store update failed")
	}
}

// pingLoop keeps the venue heartbeat alive. A failed write closes the
// socket so the read loop observes the death promptly.
func (c *Conn) pingLoop(ws *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	messageType, payload := c.codec.Heartbeat()
	ticker := time.NewTicker(c.timings.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.writeFrame(ws, messageType, payload); err != nil {
				log.Warn().Err(err).Str("conn_id", c.id).Msg("heartbeat write failed")
				_ = ws.Close()
				return
			}
		}
	}
}

func (c *Conn) onSocketClosed(err error, done chan struct{}) {
	c.mu.Lock()
	deliberate := !c.connected
	c.ws = nil
	c.connected = false
	c.subscribed = false
	c.active = false
	select {
	case <-done:
	default:
		close(done)
	}
	c.mu.Unlock()

	if deliberate {
		return
	}
	metrics.RecordConnectionUp(string(c.codec.Exchange()), c.id, false)
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Warn().Err(err).Str("conn_id", c.id).Msg("socket closed unexpectedly")
	} else {
		log.Info().Str("conn_id", c.id).Msg("socket closed")
	}
}

func equalSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

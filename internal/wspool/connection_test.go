package wspool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundspread-aggregator/internal/config"
	"fundspread-aggregator/internal/venue"
)

// fakeVenue is a WebSocket server that records every frame each client
// sends it, answers text pings with pongs, and lets tests push frames or
// kill sockets to provoke failover.
type fakeVenue struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*fakeSocket
}

type fakeSocket struct {
	ws     *websocket.Conn
	frames []string
	dead   bool
}

func newFakeVenue(t *testing.T) *fakeVenue {
	t.Helper()
	f := &fakeVenue{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sock := &fakeSocket{ws: ws}
		f.mu.Lock()
		f.conns = append(f.conns, sock)
		f.mu.Unlock()

		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				f.mu.Lock()
				sock.dead = true
				f.mu.Unlock()
				return
			}
			text := string(frame)
			if text == "ping" {
				f.mu.Lock()
				_ = ws.WriteMessage(websocket.TextMessage, []byte("pong"))
				f.mu.Unlock()
				continue
			}
			f.mu.Lock()
			sock.frames = append(sock.frames, text)
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeVenue) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeVenue) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// countWhere counts sockets whose recorded frames satisfy the predicate.
func (f *fakeVenue) countWhere(pred func(frames []string) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sock := range f.conns {
		if pred(sock.frames) {
			n++
		}
	}
	return n
}

// framesWhere returns a copy of the first matching socket's frame log.
func (f *fakeVenue) framesWhere(pred func(frames []string) bool) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sock := range f.conns {
		if pred(sock.frames) {
			return append([]string(nil), sock.frames...)
		}
	}
	return nil
}

// pushWhere writes a frame to the first live socket matching the
// predicate; the connection's read loop will parse it.
func (f *fakeVenue) pushWhere(pred func(frames []string) bool, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sock := range f.conns {
		if sock.dead || !pred(sock.frames) {
			continue
		}
		return sock.ws.WriteMessage(websocket.TextMessage, []byte(text)) == nil
	}
	return false
}

// killWhere closes the first live socket matching the predicate, as if
// the venue dropped it.
func (f *fakeVenue) killWhere(pred func(frames []string) bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sock := range f.conns {
		if sock.dead || !pred(sock.frames) {
			continue
		}
		sock.dead = true
		_ = sock.ws.Close()
		return true
	}
	return false
}

// killAll closes every live socket. Upgraded connections are hijacked,
// so closing the test server alone leaves them running.
func (f *fakeVenue) killAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sock := range f.conns {
		if !sock.dead {
			sock.dead = true
			_ = sock.ws.Close()
		}
	}
}

func hasFrame(want string) func(frames []string) bool {
	return func(frames []string) bool {
		for _, f := range frames {
			if f == want {
				return true
			}
		}
		return false
	}
}

// testCodec speaks a line protocol the fake venue understands:
// "sub:A,B" / "unsub:A,B" frames out, "tick:SYM:price" data frames in.
type testCodec struct {
	batch int
}

func (c testCodec) Exchange() venue.Exchange { return venue.OKX }

func (c testCodec) Heartbeat() (int, []byte) {
	return websocket.TextMessage, []byte("ping")
}

func (c testCodec) BatchPause(string) time.Duration { return time.Millisecond }

func (c testCodec) SubscribeFrames(symbols []string) [][]byte {
	return c.frames("sub", symbols)
}

func (c testCodec) UnsubscribeFrames(symbols []string) [][]byte {
	return c.frames("unsub", symbols)
}

func (c testCodec) frames(op string, symbols []string) [][]byte {
	if len(symbols) == 0 {
		return nil
	}
	size := c.batch
	if size <= 0 {
		size = len(symbols)
	}
	var out [][]byte
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		out = append(out, []byte(op+":"+strings.Join(symbols[start:end], ",")))
	}
	return out
}

func (c testCodec) Parse(frame []byte) (*venue.Event, bool) {
	text := string(frame)
	if !strings.HasPrefix(text, "tick:") {
		return nil, false
	}
	parts := strings.Split(text, ":")
	if len(parts) != 3 {
		return nil, false
	}
	return &venue.Event{
		Exchange: venue.OKX,
		Symbol:   parts[1],
		Kind:     venue.KindTicker,
		WireType: "tickers",
		Raw:      map[string]any{"price": parts[2]},
		Received: time.Now(),
	}, true
}

func testTimings() config.Timings {
	return config.Timings{
		DialTimeout:        2 * time.Second,
		WriteTimeout:       2 * time.Second,
		HeartbeatInterval:  50 * time.Millisecond,
		CloseTimeout:       100 * time.Millisecond,
		MonitorTick:        50 * time.Millisecond,
		HealthTick:         time.Hour,
		StandbyBaseDelay:   150 * time.Millisecond,
		StandbyStepDelay:   75 * time.Millisecond,
		FailoverPause:      10 * time.Millisecond,
		MonitorInitRetries: 1,
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []*venue.Event
}

func (l *eventLog) sink(_ context.Context, ev *venue.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *eventLog) first() *venue.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return nil
	}
	return l.events[0]
}

func TestMasterSubscribesOnConnect(t *testing.T) {
	f := newFakeVenue(t)
	events := &eventLog{}

	conn := NewConn(ConnConfig{
		ID:              "okx_master_0",
		URL:             f.wsURL(),
		Codec:           testCodec{},
		Role:            RoleMaster,
		Symbols:         []string{"AUSDT", "BUSDT"},
		HeartbeatSymbol: "BTCUSDT",
		Timings:         testTimings(),
		Sink:            events.sink,
	})
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()

	assert.True(t, conn.Connected())
	assert.True(t, conn.Active())
	require.Eventually(t, func() bool {
		return f.countWhere(hasFrame("sub:AUSDT,BUSDT")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, f.pushWhere(hasFrame("sub:AUSDT,BUSDT"), "tick:AUSDT:42"))
	require.Eventually(t, func() bool { return events.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	ev := events.first()
	assert.Equal(t, "AUSDT", ev.Symbol)
	assert.Equal(t, venue.KindTicker, ev.Kind)

	h := conn.Health()
	assert.Equal(t, RoleMaster, h.Role)
	assert.True(t, h.Subscribed)
	assert.True(t, h.Active)
	assert.Equal(t, 2, h.SymbolsCount)
}

func TestMasterSubscribeBatchesArePaced(t *testing.T) {
	f := newFakeVenue(t)

	conn := NewConn(ConnConfig{
		ID:      "okx_master_0",
		URL:     f.wsURL(),
		Codec:   testCodec{batch: 2},
		Role:    RoleMaster,
		Symbols: []string{"AUSDT", "BUSDT", "CUSDT"},
		Timings: testTimings(),
	})
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()

	require.Eventually(t, func() bool {
		return f.countWhere(hasFrame("sub:CUSDT")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	frames := f.framesWhere(hasFrame("sub:CUSDT"))
	assert.Equal(t, []string{"sub:AUSDT,BUSDT", "sub:CUSDT"}, frames)
}

func TestStandbyDelayedSubscribe(t *testing.T) {
	f := newFakeVenue(t)

	conn := NewConn(ConnConfig{
		ID:              "okx_warm_2",
		URL:             f.wsURL(),
		Codec:           testCodec{},
		Role:            RoleWarmStandby,
		Index:           2,
		Symbols:         []string{"BTCUSDT"},
		HeartbeatSymbol: "BTCUSDT",
		Timings:         testTimings(),
	})
	start := time.Now()
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Disconnect()

	// Base 150ms plus index 2 times 75ms: nothing before 300ms.
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, f.countWhere(hasFrame("sub:BTCUSDT")))

	require.Eventually(t, func() bool {
		return f.countWhere(hasFrame("sub:BTCUSDT")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.False(t, conn.Active(), "heartbeat subscription never makes a standby active")
}

func TestStandbyDisconnectCancelsDelayedSubscribe(t *testing.T) {
	f := newFakeVenue(t)

	conn := NewConn(ConnConfig{
		ID:              "okx_warm_0",
		URL:             f.wsURL(),
		Codec:           testCodec{},
		Role:            RoleWarmStandby,
		Index:           0,
		Symbols:         []string{"BTCUSDT"},
		HeartbeatSymbol: "BTCUSDT",
		Timings:         testTimings(),
	})
	require.NoError(t, conn.Connect(context.Background()))
	conn.Disconnect()

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, f.countWhere(hasFrame("sub:BTCUSDT")))
}

func TestSwitchRoleNoOpAndDemotion(t *testing.T) {
	f := newFakeVenue(t)
	ctx := context.Background()

	conn := NewConn(ConnConfig{
		ID:              "okx_master_0",
		URL:             f.wsURL(),
		Codec:           testCodec{},
		Role:            RoleMaster,
		Symbols:         []string{"AUSDT", "BUSDT"},
		HeartbeatSymbol: "BTCUSDT",
		Timings:         testTimings(),
	})
	require.NoError(t, conn.Connect(ctx))
	defer conn.Disconnect()
	require.Eventually(t, func() bool {
		return f.countWhere(hasFrame("sub:AUSDT,BUSDT")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Same role, same slice, live subscription: nothing on the wire.
	require.NoError(t, conn.SwitchRole(ctx, RoleMaster, []string{"AUSDT", "BUSDT"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"sub:AUSDT,BUSDT"}, f.framesWhere(hasFrame("sub:AUSDT,BUSDT")))

	// Demotion with a nil slice parks the connection on the heartbeat.
	require.NoError(t, conn.SwitchRole(ctx, RoleWarmStandby, nil))
	require.Eventually(t, func() bool {
		return f.countWhere(hasFrame("sub:BTCUSDT")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	frames := f.framesWhere(hasFrame("sub:BTCUSDT"))
	assert.Equal(t, []string{"sub:AUSDT,BUSDT", "unsub:AUSDT,BUSDT", "sub:BTCUSDT"}, frames)
	assert.Equal(t, RoleWarmStandby, conn.Role())
	assert.False(t, conn.Active())
	assert.Equal(t, []string{"BTCUSDT"}, conn.Symbols())
}

func TestPromotionSubscribesNewSlice(t *testing.T) {
	f := newFakeVenue(t)
	ctx := context.Background()

	conn := NewConn(ConnConfig{
		ID:              "okx_warm_0",
		URL:             f.wsURL(),
		Codec:           testCodec{},
		Role:            RoleWarmStandby,
		Index:           0,
		Symbols:         []string{"BTCUSDT"},
		HeartbeatSymbol: "BTCUSDT",
		Timings:         testTimings(),
	})
	require.NoError(t, conn.Connect(ctx))
	defer conn.Disconnect()
	require.Eventually(t, func() bool {
		return f.countWhere(hasFrame("sub:BTCUSDT")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SwitchRole(ctx, RoleMaster, []string{"AUSDT", "BUSDT"}))
	require.Eventually(t, func() bool {
		return f.countWhere(hasFrame("sub:AUSDT,BUSDT")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	frames := f.framesWhere(hasFrame("sub:AUSDT,BUSDT"))
	assert.Equal(t, []string{"sub:BTCUSDT", "unsub:BTCUSDT", "sub:AUSDT,BUSDT"}, frames)
	assert.Equal(t, RoleMaster, conn.Role())
	assert.True(t, conn.Active())
}

func TestSubscribeOnClosedConnectionFails(t *testing.T) {
	conn := NewConn(ConnConfig{
		ID:      "okx_master_0",
		URL:     "ws://127.0.0.1:1/never",
		Codec:   testCodec{},
		Role:    RoleMaster,
		Symbols: []string{"AUSDT"},
		Timings: testTimings(),
	})

	err := conn.Subscribe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed connection")

	err = conn.Unsubscribe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to unsubscribe")

	conn.Disconnect() // safe on a connection that never dialed
}

func TestReconnectCountsAndResubscribes(t *testing.T) {
	f := newFakeVenue(t)
	ctx := context.Background()

	conn := NewConn(ConnConfig{
		ID:      "okx_master_0",
		URL:     f.wsURL(),
		Codec:   testCodec{},
		Role:    RoleMaster,
		Symbols: []string{"AUSDT"},
		Timings: testTimings(),
	})
	require.NoError(t, conn.Connect(ctx))
	defer conn.Disconnect()
	require.Eventually(t, func() bool {
		return f.countWhere(hasFrame("sub:AUSDT")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, f.killWhere(hasFrame("sub:AUSDT")))
	require.Eventually(t, func() bool { return !conn.Connected() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Reconnect(ctx))
	assert.True(t, conn.Connected())
	assert.Equal(t, 1, conn.Health().ReconnectCount)
	require.Eventually(t, func() bool {
		return f.countWhere(hasFrame("sub:AUSDT")) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

// Package keepalive self-pings the public URL so free-tier hosts do not
// idle the instance out. It complements an external uptime monitor and
// stays quiet unless pings start failing.
package keepalive

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundspread-aggregator/internal/metrics"
)

const (
	minInterval = 270 * time.Second
	maxInterval = 330 * time.Second

	requestTimeout  = 5 * time.Second
	retryWait       = time.Second
	readyTimeout    = 3 * time.Second
	readyAttempts   = 6
	readyRetryPause = 5 * time.Second
)

// endpointPaths in preference order; the first reachable one wins.
var endpointPaths = []string{"/public/ping", "/", "/health"}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 14_0 like Mac OS X) AppleWebKit/537.36",
}

// Pinger drives the self-ping loop. A zero APP_URL disables it.
type Pinger struct {
	appURL string
	client *http.Client

	mu        sync.Mutex
	pings     int64
	successes int64
	lastPing  time.Time
	lastURL   string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPinger builds a pinger for the given public URL.
func NewPinger(appURL string) *Pinger {
	return &Pinger{
		appURL: appURL,
		client: &http.Client{Timeout: requestTimeout},
	}
}

// Enabled reports whether a public URL is configured.
func (p *Pinger) Enabled() bool { return p.appURL != "" }

// Start launches the loop: wait for local HTTP readiness, then ping on a
// jittered interval. No-op when disabled or already running.
func (p *Pinger) Start(ctx context.Context) {
	if !p.Enabled() {
		log.Info().Msg("keep-alive disabled: APP_URL not set")
		return
	}
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

	log.Info().Str("app_url", p.appURL).Msg("keep-alive starting")
	go func() {
		defer close(done)
		p.waitForReady(loopCtx)
		for {
			p.pingCycle(loopCtx)
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(jitterInterval()):
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (p *Pinger) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("keep-alive stopped")
}

// waitForReady polls the ping endpoint until the local HTTP server
// answers. The loop starts regardless after the attempts run out.
func (p *Pinger) waitForReady(ctx context.Context) {
	ready := &http.Client{Timeout: readyTimeout}
	for i := 0; i < readyAttempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.appURL+"/public/ping", nil)
		if err != nil {
			break
		}
		resp, err := ready.Do(req)
		if err == nil {
			resp.Body.Close()
			log.Info().Msg("keep-alive: HTTP surface ready")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(readyRetryPause):
		}
	}
	log.Warn().Msg("keep-alive: HTTP readiness wait timed out, starting anyway")
}

// pingCycle tries each endpoint in preference order with one retry each.
func (p *Pinger) pingCycle(ctx context.Context) {
	for _, path := range endpointPaths {
		url := p.appURL + path
		for attempt := 0; attempt < 2; attempt++ {
			if p.pingOnce(ctx, url) {
				p.record(true, url)
				metrics.KeepAlivePings.WithLabelValues("ok").Inc()
				return
			}
			if attempt == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(retryWait):
				}
			}
		}
	}
	p.record(false, "")
	metrics.KeepAlivePings.WithLabelValues("error").Inc()
	log.Warn().Str("app_url", p.appURL).Msg("keep-alive: all endpoints failed")
}

func (p *Pinger) pingOnce(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", userAgents[rand.Intn(len(userAgents))])

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	// Drain a little so the connection can be reused.
	_, _ = io.CopyN(io.Discard, resp.Body, 100)
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
}

func (p *Pinger) record(ok bool, url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings++
	if ok {
		p.successes++
		p.lastURL = url
	}
	p.lastPing = time.Now()
}

// Status reports cycle counts for the debug surface.
func (p *Pinger) Status() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var last any
	if !p.lastPing.IsZero() {
		last = p.lastPing.Format(time.RFC3339)
	}
	return map[string]any{
		"enabled":      p.Enabled(),
		"app_url":      p.appURL,
		"pings":        p.pings,
		"successes":    p.successes,
		"last_ping":    last,
		"last_url":     p.lastURL,
		"interval":     fmt.Sprintf("%s-%s", minInterval, maxInterval),
		"endpoint_set": endpointPaths,
	}
}

func jitterInterval() time.Duration {
	spread := int64(maxInterval - minInterval)
	return minInterval + time.Duration(rand.Int63n(spread+1))
}

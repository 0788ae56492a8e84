// Package httpapi is the operator-facing REST surface: debug views over
// the store, funding-settlement controls, pool administration and an
// authenticated account/trade passthrough to the venue REST APIs.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"fundspread-aggregator/internal/config"
	"fundspread-aggregator/internal/funding"
	"fundspread-aggregator/internal/keepalive"
	"fundspread-aggregator/internal/pipeline"
	"fundspread-aggregator/internal/store"
	"fundspread-aggregator/internal/venue/binance"
	"fundspread-aggregator/internal/venue/okx"
	"fundspread-aggregator/internal/wspool"
)

// Deps carries the collaborators the API exposes. Pinger may be nil;
// everything else must be set.
type Deps struct {
	Config   config.Config
	Store    *store.Store
	Pools    *wspool.Manager
	Pipeline *pipeline.Pipeline
	Poller   *funding.Poller
	Pinger   *keepalive.Pinger
	Binance  *binance.RESTClient
	OKX      *okx.RESTClient
}

// Server owns the router and the listener.
type Server struct {
	cfg     config.Config
	store   *store.Store
	pools   *wspool.Manager
	pipe    *pipeline.Pipeline
	poller  *funding.Poller
	pinger  *keepalive.Pinger
	binance *binance.RESTClient
	okx     *okx.RESTClient

	router  *mux.Router
	server  *http.Server
	started time.Time
}

// NewServer builds the router and the underlying http.Server. The write
// timeout is generous: the manual settlement fetch retries the venue
// call inside the request.
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:     deps.Config,
		store:   deps.Store,
		pools:   deps.Pools,
		pipe:    deps.Pipeline,
		poller:  deps.Poller,
		pinger:  deps.Pinger,
		binance: deps.Binance,
		okx:     deps.OKX,
		started: time.Now(),
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, s.accessLog, s.auth)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/public/ping", s.handlePing).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/monitor/health", s.handleMonitorHealth).Methods(http.MethodGet)

	api.HandleFunc("/debug/all_websocket_data", s.handleAllWebsocketData).Methods(http.MethodGet)
	api.HandleFunc("/debug/symbol/{exchange}/{symbol}", s.handleSymbolDetail).Methods(http.MethodGet)
	api.HandleFunc("/debug/websocket_status", s.handleWebsocketStatus).Methods(http.MethodGet)
	api.HandleFunc("/debug/funding_rates", s.handleFundingRates).Methods(http.MethodGet)

	api.HandleFunc("/funding/settlements", s.handleFundingSettlements).Methods(http.MethodGet)
	api.HandleFunc("/funding/fetch", s.handleFundingFetch).Methods(http.MethodPost)

	api.HandleFunc("/account/{exchange}/balance", s.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/account/{exchange}/positions", s.handlePositions).Methods(http.MethodGet)
	api.HandleFunc("/trade/{exchange}/order", s.handlePlaceOrder).Methods(http.MethodPost)

	api.HandleFunc("/pool/status", s.handlePoolStatus).Methods(http.MethodGet)
	api.HandleFunc("/pool/reconnect/{exchange}", s.handlePoolReconnect).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving requests until Stop or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http api listening")
	return s.server.ListenAndServe()
}

// Stop drains in-flight requests until the context expires.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("http api stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":        "fundspread-aggregator",
		"status":         "running",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{
		"pipeline":       s.pipe.Stats(),
		"websocket_pool": s.pools.Running(),
	}
	if s.pinger != nil && s.pinger.Enabled() {
		components["keep_alive"] = s.pinger.Status()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"components":     components,
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "no route for %s %s", r.Method, r.URL.Path)
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method %s not allowed for %s", r.Method, r.URL.Path)
}

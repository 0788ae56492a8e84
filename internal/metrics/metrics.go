package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics for the market data aggregation service
var (
	// WebSocket metrics
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agg_ws_messages_total",
			Help: "Total number of data messages received per connection",
		},
		[]string{"exchange", "kind"},
	)

	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agg_ws_parse_errors_total",
			Help: "Total number of frames dropped as malformed",
		},
		[]string{"exchange"},
	)

	ConnectionUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agg_ws_connection_up",
			Help: "Connection status per pool member (1=connected, 0=disconnected)",
		},
		[]string{"exchange", "connection_id"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agg_ws_reconnects_total",
			Help: "Total number of reconnect attempts",
		},
		[]string{"exchange", "connection_id"},
	)

	SubscribeBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agg_ws_subscribe_batches_total",
			Help: "Total number of subscribe/unsubscribe batches sent",
		},
		[]string{"exchange", "op"},
	)

	// Pool metrics
	Failovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agg_pool_failovers_total",
			Help: "Total number of master failovers executed",
		},
		[]string{"exchange"},
	)

	FailoverFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agg_pool_failover_failures_total",
			Help: "Total number of failover attempts that rolled back",
		},
		[]string{"exchange"},
	)

	MastersConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agg_pool_masters_connected",
			Help: "Number of connected master connections",
		},
		[]string{"exchange"},
	)

	StandbysConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agg_pool_standbys_connected",
			Help: "Number of connected warm standby connections",
		},
		[]string{"exchange"},
	)

	SymbolsAssigned = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agg_pool_symbols_assigned",
			Help: "Number of symbols assigned across master slices",
		},
		[]string{"exchange"},
	)

	// Pipeline metrics
	StageRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agg_pipeline_stage_records_total",
			Help: "Records emitted by each pipeline stage",
		},
		[]string{"stage"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agg_pipeline_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"stage"},
	)

	PipelineErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agg_pipeline_errors_total",
			Help: "Total number of errors swallowed at the pipeline boundary",
		},
	)

	FinalRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agg_final_records_total",
			Help: "Total number of cross-venue records delivered downstream",
		},
		[]string{"symbol"},
	)

	FundingRateDiff = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agg_funding_rate_diff",
			Help: "Latest cross-venue funding rate differential",
		},
		[]string{"symbol"},
	)

	PriceBasisBps = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agg_price_basis_bps",
			Help: "Latest cross-venue price basis in basis points",
		},
		[]string{"symbol"},
	)

	ConsumerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agg_consumer_errors_total",
			Help: "Total number of downstream consumer delivery errors",
		},
		[]string{"consumer"},
	)

	// Funding settlement poller metrics
	SettlementFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agg_settlement_fetches_total",
			Help: "Total number of funding settlement fetches",
		},
		[]string{"result"},
	)

	SettlementSymbols = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agg_settlement_symbols",
			Help: "Number of symbols in the latest settlement snapshot",
		},
	)

	// Keep-alive metrics
	KeepAlivePings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agg_keepalive_pings_total",
			Help: "Total number of keep-alive self pings",
		},
		[]string{"result"},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordMessage records one received data message
func RecordMessage(exchange, kind string) {
	MessagesReceived.WithLabelValues(exchange, kind).Inc()
}

// RecordParseError records a dropped malformed frame
func RecordParseError(exchange string) {
	ParseErrors.WithLabelValues(exchange).Inc()
}

// RecordConnectionUp records the connection status of a pool member
func RecordConnectionUp(exchange, connectionID string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	ConnectionUp.WithLabelValues(exchange, connectionID).Set(v)
}

// RecordReconnect records a reconnect attempt
func RecordReconnect(exchange, connectionID string) {
	ConnectionReconnects.WithLabelValues(exchange, connectionID).Inc()
}

// RecordSubscribeBatch records one subscribe or unsubscribe batch
func RecordSubscribeBatch(exchange, op string) {
	SubscribeBatches.WithLabelValues(exchange, op).Inc()
}

// RecordFailover records a completed failover
func RecordFailover(exchange string) {
	Failovers.WithLabelValues(exchange).Inc()
}

// RecordFailoverFailure records a failover that had to roll back
func RecordFailoverFailure(exchange string) {
	FailoverFailures.WithLabelValues(exchange).Inc()
}

// RecordPoolGauges records the per-tick pool shape
func RecordPoolGauges(exchange string, mastersUp, standbysUp, symbols int) {
	MastersConnected.WithLabelValues(exchange).Set(float64(mastersUp))
	StandbysConnected.WithLabelValues(exchange).Set(float64(standbysUp))
	SymbolsAssigned.WithLabelValues(exchange).Set(float64(symbols))
}

// RecordStage records stage output size
func RecordStage(stage string, records int) {
	StageRecords.WithLabelValues(stage).Add(float64(records))
}

// RecordFinalRecord records one delivered cross-venue record
func RecordFinalRecord(symbol string, rateDiff, basisBps float64, hasDiff bool) {
	FinalRecords.WithLabelValues(symbol).Inc()
	if hasDiff {
		FundingRateDiff.WithLabelValues(symbol).Set(rateDiff)
		PriceBasisBps.WithLabelValues(symbol).Set(basisBps)
	}
}

// RecordConsumerError records a downstream delivery failure
func RecordConsumerError(consumer string) {
	ConsumerErrors.WithLabelValues(consumer).Inc()
}

// Server starts the Prometheus metrics HTTP server
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a new metrics server
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server gracefully
func (s *Server) Stop() error {
	return s.server.Close()
}

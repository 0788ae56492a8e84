package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fundspread-aggregator/internal/config"
	"fundspread-aggregator/internal/funding"
	"fundspread-aggregator/internal/httpapi"
	"fundspread-aggregator/internal/keepalive"
	"fundspread-aggregator/internal/metrics"
	"fundspread-aggregator/internal/pipeline"
	"fundspread-aggregator/internal/publisher"
	"fundspread-aggregator/internal/store"
	"fundspread-aggregator/internal/venue"
	"fundspread-aggregator/internal/venue/binance"
	"fundspread-aggregator/internal/venue/okx"
	"fundspread-aggregator/internal/wspool"
)

// poolStartDelay keeps the dial storm off the first platform health
// probes: the HTTP surface comes up first, the fleet follows.
const poolStartDelay = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the aggregation service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.LogLevel)

	log.Info().
		Str("version", version).
		Int("port", cfg.Port).
		Int("metrics_port", cfg.MetricsPort).
		Bool("okx", cfg.OKX.Enabled).
		Bool("binance", cfg.Binance.Enabled).
		Msg("starting fundspread aggregator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := metrics.NewServer(fmt.Sprintf(":%d", cfg.MetricsPort))
	go func() {
		if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	st := store.New(nil)

	var (
		consumer pipeline.Consumer
		account  pipeline.AccountHandler
	)
	if cfg.RedisAddr != "" {
		redisConsumer, err := publisher.NewRedisConsumer(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisConsumer.Close()
		consumer = redisConsumer
		account = redisConsumer.PublishAccount
	} else {
		log.Info().Msg("no redis configured, final records go to the log")
		consumer = &pipeline.LogConsumer{}
		account = logAccountEvent
	}

	pipe := pipeline.New(consumer, account, cfg.MaxSymbols)
	st.SetIngestor(pipe.Ingest)

	binanceREST := binance.NewRESTClient(cfg.Binance.RESTURL, cfg.BinanceAPIKey, cfg.BinanceAPISecret)
	okxREST := okx.NewRESTClient(cfg.OKX.RESTURL, cfg.OKXAPIKey, cfg.OKXAPISecret, cfg.OKXPassphrase)

	pools := wspool.NewManager(cfg, st)
	poller := funding.NewPoller(binanceREST, st, cfg.FundingPollInterval)
	pinger := keepalive.NewPinger(cfg.AppURL)

	api := httpapi.NewServer(httpapi.Deps{
		Config:   cfg,
		Store:    st,
		Pools:    pools,
		Pipeline: pipe,
		Poller:   poller,
		Pinger:   pinger,
		Binance:  binanceREST,
		OKX:      okxREST,
	})
	go func() {
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http api error")
		}
	}()

	poller.Start(ctx)
	pinger.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	log.Info().Dur("delay", poolStartDelay).Msg("websocket pool start delayed")
	select {
	case <-ctx.Done():
	case <-time.After(poolStartDelay):
	}

	if ctx.Err() == nil {
		symbols, err := discoverSymbols(ctx, cfg, binanceREST)
		if err != nil {
			return fmt.Errorf("symbol discovery: %w", err)
		}
		if err := pools.Start(ctx, symbols); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("pool manager start interrupted")
		}
	}

	<-ctx.Done()

	log.Info().Msg("shutting down")
	pools.Stop()
	poller.Stop()
	pinger.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http api shutdown error")
	}
	if err := metricsServer.Stop(); err != nil {
		log.Error().Err(err).Msg("metrics server stop error")
	}

	log.Info().Msg("shutdown complete")
	return nil
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// logAccountEvent is the account sink when no broker is configured.
func logAccountEvent(_ context.Context, ev *venue.Event) {
	log.Info().
		Str("exchange", string(ev.Exchange)).
		Str("symbol", ev.Symbol).
		Str("kind", string(ev.Kind)).
		Msg("account event")
}

// discoverSymbols returns the pinned universe when one is configured,
// otherwise discovers actively trading USDT perpetuals from exchange
// info. MaxSymbols caps either source.
func discoverSymbols(ctx context.Context, cfg config.Config, client *binance.RESTClient) ([]string, error) {
	symbols := cfg.Symbols
	if len(symbols) == 0 {
		discovered, err := client.PerpetualSymbols(ctx)
		if err != nil {
			return nil, err
		}
		sort.Strings(discovered)
		symbols = discovered
		log.Info().Int("count", len(symbols)).Msg("symbol universe discovered")
	} else {
		log.Info().Int("count", len(symbols)).Msg("symbol universe pinned via configuration")
	}
	if cfg.MaxSymbols > 0 && len(symbols) > cfg.MaxSymbols {
		symbols = symbols[:cfg.MaxSymbols]
		log.Warn().Int("max", cfg.MaxSymbols).Msg("symbol universe capped")
	}
	if len(symbols) == 0 {
		return nil, errors.New("empty symbol universe")
	}
	return symbols, nil
}

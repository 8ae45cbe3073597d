package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lane_trading/internal/adaptive"
	"lane_trading/internal/config"
	"lane_trading/internal/guard"
	"lane_trading/internal/journal"
	"lane_trading/internal/ledger"
	"lane_trading/internal/logger"
	"lane_trading/internal/market"
	alpacaprovider "lane_trading/internal/market/alpaca"
	"lane_trading/internal/market/paper"
	"lane_trading/internal/models"
	"lane_trading/internal/notify"
	"lane_trading/internal/risk"
	"lane_trading/internal/scheduler"
	"lane_trading/internal/storage"
	"lane_trading/internal/strategy"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const VersionFile = "version.latest"

func main() {
	// Configuration first: it carries the logger settings.
	cfg := config.Load()

	log, err := logger.Setup(cfg.LogFile, cfg.MaxLogSizeMB, cfg.MaxLogBackups, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	for _, w := range cfg.Warnings {
		log.Warn("configuration", zap.String("warning", w))
	}
	if env := config.EnvFile(); len(env) > 0 {
		log.Info("loaded .env", zap.Strings("variables", env))
	}
	log.Info("lane trader starting", zap.String("version", readVersion()), zap.String("broker", cfg.Broker))

	if err := run(cfg, log); err != nil {
		log.Fatal("lane trader stopped", zap.Error(err))
	}
	log.Info("lane trader stopped")
}

func run(cfg config.Settings, log *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	lanes, err := config.LoadLanes(cfg.LanesFile)
	if err != nil {
		return err
	}
	reg := strategy.DefaultRegistry()
	if err := lanes.Validate(reg); err != nil {
		return err
	}
	if err := lanes.ValidateBroker(cfg.Broker); err != nil {
		return err
	}
	enabled := lanes.Enabled()
	if len(enabled) == 0 {
		return errors.New("no enabled lanes")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PyroscopeServer != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "lane_trader",
			ServerAddress:   cfg.PyroscopeServer,
			Logger:          log.Named("pyroscope").Sugar(),
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Warn("pyroscope start failed, continuing without profiling", zap.Error(err))
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	srv := serveMetrics(cfg.MetricsAddr, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Outbound events: always logged, optionally pushed to Telegram.
	bus := notify.NewBus()
	var forwarders conc.WaitGroup
	sinks := []notify.Sink{notify.LogSink{Log: log.Named("events")}}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, notify.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID, cfg.TelegramAlertsOnly))
	}
	for _, sink := range sinks {
		sink := sink
		events := bus.Subscribe(256)
		forwarders.Go(func() { notify.Forward(ctx, events, sink, log) })
	}
	defer func() {
		bus.Close()
		forwarders.Wait()
	}()

	now := time.Now().UTC()
	adaptiveCfg := adaptive.DefaultConfig()
	adaptiveCfg.Interval = cfg.AdaptiveInterval
	adaptiveCfg.Window = cfg.AdaptiveWindow
	adaptiveCfg.Path = cfg.AdaptiveParamsFile
	params := adaptive.New(adaptiveCfg, bus, log)
	if err := params.Load(now); err != nil {
		return fmt.Errorf("adaptive parameters: %w", err)
	}

	outcomeSinks := []ledger.OutcomeSink{params}
	if cfg.DatabaseURL != "" {
		j, err := journal.Open(journal.Option{ConnString: cfg.DatabaseURL}, log)
		if err != nil {
			return err
		}
		defer func() { _ = j.Close() }()
		recent, err := j.Since(ctx, now.Add(-cfg.AdaptiveWindow))
		if err != nil {
			log.Warn("journal rehydration failed", zap.Error(err))
		} else {
			params.Rehydrate(recent)
			log.Info("adaptive window rehydrated", zap.Int("events", len(recent)))
		}
		outcomeSinks = append(outcomeSinks, j)
	}

	feed, gw := brokers(ctx, cfg, enabled, log)

	ledgerCfg := ledger.DefaultConfig()
	ledgerCfg.MaxHold = cfg.MaxHold
	ledgerCfg.BracketGrace = cfg.BracketGrace
	ledgerCfg.PendingTimeout = cfg.PendingTimeout
	ledgerCfg.SnapshotMaxAge = cfg.SnapshotMaxAge

	riskCfg := risk.DefaultConfig()
	riskCfg.MinProfitFloor = decimal.NewFromFloat(cfg.MinProfitFloor)
	riskCfg.DiversificationReserve = cfg.DiversificationReserve

	guardCfg := guard.Config{
		EventLead:           cfg.EventLead,
		EventCooldown:       cfg.EventCooldown,
		SnapshotMaxAge:      cfg.SnapshotMaxAge,
		SentimentWindow:     cfg.SentimentWindow,
		SentimentMinSamples: cfg.SentimentMinSamples,
		SentimentHalt:       cfg.SentimentHalt,
		SentimentThrottle:   cfg.SentimentThrottle,
		SentimentHold:       cfg.SentimentHold,
		ThrottleMultiplier:  0.5,
	}
	// No calendar or news feed is wired yet; the static source keeps the guards at neutral.
	safety := &paper.Calendar{}

	opts := scheduler.DefaultOptions()
	opts.TickTimeout = cfg.TickTimeout
	opts.StrategyTimeout = cfg.StrategyTimeout
	opts.Policy = scheduler.DefaultPolicy()
	opts.Policy.Timeout, opts.Policy.Attempts = cfg.CallTimeout, cfg.CallRetries

	deps := scheduler.LaneDeps{
		Registry:    reg,
		Instruments: lanes.Instruments,
		Gateway:     gw,
		Feed:        feed,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.BrokerCallsPerSec), cfg.BrokerCallBurst),
		Global:      risk.NewGlobalBudget(cfg.GlobalMaxPositions, decimal.NewFromFloat(cfg.GlobalDailyRiskCeiling)),
		Risk:        riskCfg,
		Ledger:      ledgerCfg,
		Store:       storage.NewLaneStore(cfg.LedgerDir),
		Guard:       guard.NewAggregator(guardCfg, safety, log),
		Params:      params,
		Sinks:       outcomeSinks,
		Bus:         bus,
		Log:         log,
	}

	var running []*scheduler.Lane
	for _, lc := range enabled {
		lane, err := scheduler.NewLane(lc, opts, deps)
		if err != nil {
			return err
		}
		n, err := lane.Restore()
		if err != nil {
			return fmt.Errorf("lane %s: restore: %w", lc.AccountID, err)
		}
		log.Info("lane ready",
			zap.String("lane", lc.AccountID),
			zap.String("strategy", lc.Strategy),
			zap.Strings("instruments", lc.Instruments),
			zap.Int("restored_positions", n))
		running = append(running, lane)
	}

	scheduler.New(cfg.TickInterval, running, params, log).Run(ctx)
	return nil
}

// brokers picks the execution gateway. Paper mode still prices off Alpaca market data when
// credentials are present.
func brokers(ctx context.Context, cfg config.Settings, lanes []models.LaneConfig, log *zap.Logger) (market.SnapshotProvider, market.Gateway) {
	key, secret, _ := config.AlpacaCredentials("")
	md := marketdata.ClientOpts{APIKey: key, APISecret: secret}

	// Quotes come from the stream when enabled; bars and uncached symbols still use REST.
	quotes := func(rest market.SnapshotProvider) market.SnapshotProvider {
		if !cfg.StreamQuotes || key == "" {
			return rest
		}
		qs := alpacaprovider.NewQuoteStream(key, secret, laneSymbols(lanes), rest, cfg.SnapshotMaxAge, log)
		go qs.Run(ctx)
		return qs
	}

	if cfg.Broker == "alpaca" {
		accounts := make(map[string]alpaca.ClientOpts, len(lanes))
		for _, lc := range lanes {
			k, s, url := config.AlpacaCredentials(lc.CredentialPrefix)
			accounts[lc.AccountID] = alpaca.ClientOpts{APIKey: k, APISecret: s, BaseURL: url}
		}
		p := alpacaprovider.NewProvider(md, accounts)
		return quotes(p), p
	}

	var feed market.SnapshotProvider
	if key != "" {
		feed = quotes(alpacaprovider.NewProvider(md, nil))
	} else {
		log.Warn("no market data credentials, paper feed has no quotes until one is set")
		feed = paper.NewFeed()
	}
	broker := paper.NewBroker(feed)
	for _, lc := range lanes {
		broker.OpenAccount(lc.AccountID, decimal.NewFromFloat(cfg.PaperBalance))
	}
	return feed, broker
}

func laneSymbols(lanes []models.LaneConfig) []string {
	seen := make(map[string]bool)
	var out []string
	for _, lc := range lanes {
		for _, inst := range lc.Instruments {
			if !seen[inst] {
				seen[inst] = true
				out = append(out, inst)
			}
		}
	}
	return out
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}

func readVersion() string {
	version, err := os.ReadFile(VersionFile)
	if err != nil {
		return "v0.0.0-dev"
	}
	return strings.TrimSpace(string(version))
}

// Polymarket Trigger — an automated trading agent for Polymarket binary
// prediction markets. It buys high-probability YES outcomes when a price
// crossing confirms them, and manages exits under a liquidity guard.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/engine.go     — pipeline: stream event → processor → dedup → strategy → execution
//	engine/loops.go      — supervised loops: order sync, exit eval, watchlist, position sync
//	processor/           — event hygiene: stale-trade rejection, size backfill, divergence flag
//	strategy/            — pure decision layer: hard filters + the high_prob_yes strategy
//	execution/           — balance reservations, order lifecycle, positions, exit claims
//	exchange/client.go   — REST client for the CLOB, Gamma, and Data APIs
//	exchange/auth.go     — L1 (EIP-712) and L2 (HMAC) authentication, CTF order signing
//	exchange/ws.go       — market WebSocket with auto-reconnect and subscription replay
//	universe/            — active market metadata indexed by token
//	watchlist/           — near-miss markets, rescored hourly, promoted on threshold cross
//	importer/            — reconciles local positions with the exchange's view
//	store/               — Postgres persistence: triggers, positions, orders, audit trails
//	api/                 — read-only dashboard: JSON + Prometheus + WebSocket health feed
//
// How it trades:
//
//	A market trading at 0.96 YES usually resolves YES. The agent watches the
//	price stream for markets crossing the confirmation threshold, filters out
//	hazardous setups (stale trades, weather, thin books, imminent resolution),
//	and buys a fixed-size position. Exits fire on a profit target near 1.00 or
//	a stop below entry, but only when the book has the liquidity to absorb them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/api"
	"polymarket-trigger/internal/config"
	"polymarket-trigger/internal/engine"
	"polymarket-trigger/internal/exchange"
	"polymarket-trigger/internal/execution"
	"polymarket-trigger/internal/health"
	"polymarket-trigger/internal/importer"
	"polymarket-trigger/internal/processor"
	"polymarket-trigger/internal/store"
	"polymarket-trigger/internal/strategy"
	"polymarket-trigger/internal/trigger"
	"polymarket-trigger/internal/universe"
	"polymarket-trigger/internal/watchlist"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Auth only exists when a key is configured; dry-run never signs.
	var auth *exchange.Auth
	if cfg.Wallet.PrivateKey != "" {
		auth, err = exchange.NewAuth(*cfg)
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
	}

	client := exchange.NewClient(*cfg, auth, logger)

	if !cfg.DryRun && auth != nil && !auth.HasL2Credentials() {
		creds, err := client.DeriveAPIKey(ctx, 0)
		if err != nil {
			return fmt.Errorf("derive api key: %w", err)
		}
		logger.Info("derived L2 api credentials", "api_key", creds.ApiKey)
	}

	stream := exchange.NewStreamClient(cfg.API.WSMarketURL, logger)

	metrics := health.NewMetrics()
	checker := health.NewChecker(st, stream, metrics)

	balance := execution.NewBalanceManager(client, decimal.Zero, logger)
	orders := execution.NewOrderManager(client, st, balance,
		decimal.NewFromFloat(cfg.Trading.MaxPrice), logger)
	tracker := execution.NewTracker(st, logger)
	exits := execution.NewExitManager(client, orders, tracker, balance, cfg.Exit, logger)
	facade := execution.NewFacade(balance, orders, tracker, exits, cfg.Trading.MaxPositions, logger)

	proc := processor.New(client, processor.Config{
		MaxTradeAge:     cfg.Trading.MaxTradeAge,
		MaxDeviation:    decimal.NewFromFloat(cfg.Trading.MaxPriceDeviation),
		BackfillTimeout: cfg.Trading.SizeBackfillTimeout,
		VerifyOrderbook: cfg.Trading.VerifyOrderbook,
	}, metrics, logger)

	dedup := trigger.New(st, logger)
	markets := universe.New(client, logger)
	wl := watchlist.New(st, cfg.Watchlist.ExecutionThreshold, cfg.Watchlist.MinScore, logger)

	imp := importer.New(client, tracker, st, importer.Config{
		Wallet:     cfg.Wallet.Address,
		HoldPolicy: cfg.Importer.HoldPolicy,
		MatureDays: cfg.Importer.MatureDays,
		DryRun:     cfg.DryRun,
	}, logger)

	registry := strategy.NewRegistry()
	if err := registry.Register(strategy.NewHighProbYes(strategy.HighProbYesConfig{
		PriceThreshold: decimal.NewFromFloat(cfg.Trading.PriceThreshold),
		PositionSize:   decimal.NewFromFloat(cfg.Trading.PositionSize),
		MinTradeSize:   decimal.NewFromFloat(cfg.Trading.MinTradeSize),
	})); err != nil {
		return err
	}
	strat, err := registry.Get(cfg.Trading.StrategyName)
	if err != nil {
		return fmt.Errorf("select strategy: %w", err)
	}

	filters := strategy.NewHardFilters(strategy.FilterConfig{
		MinHoursToEnd:     cfg.Trading.MinHoursToEnd,
		MaxTradeAge:       cfg.Trading.MaxTradeAge,
		BlockedCategories: cfg.Trading.BlockedCategories,
		MinTradeSize:      decimal.NewFromFloat(cfg.Trading.MinTradeSize),
		WaiveSizeFilter:   cfg.Trading.WaiveSizeFilter,
	})

	eng := engine.New(*cfg, engine.Deps{
		Stream:    stream,
		Processor: proc,
		Dedup:     dedup,
		Strategy:  strat,
		Filters:   filters,
		Facade:    facade,
		Universe:  markets,
		Watchlist: wl,
		Importer:  imp,
		Metrics:   metrics,
	}, logger)

	if err := facade.LoadState(ctx); err != nil {
		return fmt.Errorf("load execution state: %w", err)
	}

	if cfg.Dashboard.Enabled {
		hub := api.NewHub(logger)
		handlers := api.NewHandlers(st, tracker, wl, proc, checker, hub, logger)
		server := api.NewServer(cfg.Dashboard, handlers, checker, hub, logger)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started",
			"url", fmt.Sprintf("http://%s:%d", cfg.Dashboard.Host, cfg.Dashboard.Port))
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	go eng.RunLoops(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		<-errCh
		return nil
	case err := <-errCh:
		cancel()
		if err != nil && err != context.Canceled {
			return fmt.Errorf("engine: %w", err)
		}
		return nil
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

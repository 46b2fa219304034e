package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orderLifecycleBot/config"
	"orderLifecycleBot/internal/adapters/binanceclient"
	"orderLifecycleBot/internal/adapters/logger"
	"orderLifecycleBot/internal/adapters/memstore"
	"orderLifecycleBot/internal/adapters/paper"
	"orderLifecycleBot/internal/adapters/sqlite"
	"orderLifecycleBot/internal/app"
	"orderLifecycleBot/internal/metrics"
	"orderLifecycleBot/internal/ports"
)

func main() {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger, err := logger.New(cfg.LogFormat, cfg.LogLevel.String())
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	if s, ok := appLogger.(interface{ Sync() error }); ok {
		defer func() { _ = s.Sync() }()
	}
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "format": cfg.LogFormat})

	// 3. Initialize Store
	var store ports.TradeStore
	if cfg.Store == "memory" {
		store = memstore.New()
		appLogger.Warn(ctx, "Using in-memory store, trades are lost on exit")
	} else {
		repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
			log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
		}
		defer func() {
			if err := repo.Close(); err != nil {
				appLogger.Error(ctx, err, "Error closing database repository")
			}
		}()
		store = repo
		appLogger.Info(ctx, "Database repository initialized", map[string]interface{}{"path": cfg.DBPath})
	}

	// 4. Initialize Exchange Client
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Market:               cfg.Market,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	var exchange ports.ExchangeClient = binanceClient
	if cfg.Exchange == "paper" {
		// Orders stay in process; candles and prices come from the live market.
		exchange = paper.New(cfg.Market, cfg.QuoteAsset, cfg.PaperBalance, cfg.Guard.FeeBps).WithMarketData(binanceClient)
		appLogger.Warn(ctx, "Paper trading mode: orders are simulated", map[string]interface{}{"balance": cfg.PaperBalance})
	}

	// 5. Metrics
	collectors := metrics.NewCollectors()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(collectors.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error(ctx, err, "Metrics endpoint stopped")
			}
		}()
		defer srv.Close()
		appLogger.Info(ctx, "Metrics endpoint listening", map[string]interface{}{"addr": cfg.MetricsAddr})
	}

	// 6. Initialize Application Service
	components, err := app.Wire(cfg, exchange, store, appLogger, collectors)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to wire lifecycle components")
		log.Fatalf("FATAL: Failed to wire lifecycle components: %v", err)
	}
	tradingService, err := app.NewTradingService(cfg, components)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}

	// 7. Operator console on stdin
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	console := newConsole(tradingService, os.Stdout, appLogger)
	go func() {
		if console.Run(runCtx, os.Stdin) {
			cancel()
		}
	}()

	// 8. Run until signal or quit
	if err := tradingService.Run(runCtx); err != nil {
		appLogger.Error(ctx, err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}
	appLogger.Info(ctx, "Application finished gracefully.")
}

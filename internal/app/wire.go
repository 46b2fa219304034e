package app

import (
	"fmt"

	"orderLifecycleBot/config"
	"orderLifecycleBot/internal/execution"
	"orderLifecycleBot/internal/fsm"
	"orderLifecycleBot/internal/guard"
	"orderLifecycleBot/internal/indicators"
	"orderLifecycleBot/internal/metrics"
	"orderLifecycleBot/internal/ports"
	"orderLifecycleBot/internal/reconcile"
	"orderLifecycleBot/internal/risk"
	"orderLifecycleBot/internal/telemetry"
	"orderLifecycleBot/internal/trailing"
)

// Components holds the wired lifecycle components behind a TradingService.
type Components struct {
	Exchange    ports.ExchangeClient
	Store       ports.TradeStore
	Logger      ports.Logger
	Emitter     *telemetry.Emitter
	Collectors  *metrics.Collectors
	Machine     *fsm.Machine
	Pipeline    *guard.Pipeline
	Risk        *risk.Manager
	Sampler     *metrics.Sampler
	Coordinator *execution.Coordinator
	Trailing    *trailing.Engine
	Reconciler  *reconcile.Engine
	ATR         *indicators.Tracker
}

// Wire builds every lifecycle component from cfg around the given exchange
// and store. collectors may be nil.
func Wire(cfg *config.Config, exchange ports.ExchangeClient, store ports.TradeStore, logger ports.Logger, collectors *metrics.Collectors) (*Components, error) {
	if cfg == nil || exchange == nil || store == nil || logger == nil {
		return nil, fmt.Errorf("wire: %w: missing required dependencies", ports.ErrConfigurationError)
	}

	emitter := telemetry.NewEmitter(logger)
	machine := fsm.NewMachine(store, logger, emitter, collectors)
	manager := risk.NewManager(cfg.Risk, logger, emitter, collectors)
	sampler := metrics.NewSampler(cfg.Sampler, emitter, collectors)
	sampler.AddObserver(manager)

	sizer, err := risk.NewSizer(cfg.Sizing)
	if err != nil {
		return nil, fmt.Errorf("wire sizer: %w: %w", ports.ErrConfigurationError, err)
	}
	tracker, err := indicators.NewTracker(cfg.ATRPeriod)
	if err != nil {
		return nil, err
	}
	pipeline := guard.NewPipeline(guard.Default(cfg.Guard), store, logger, emitter, collectors)

	coord := execution.NewCoordinator(execution.Config{
		QuoteAsset: cfg.QuoteAsset,
		Retry:      cfg.Retry,
	}, execution.Deps{
		Exchange: exchange,
		Machine:  machine,
		Pipeline: pipeline,
		Sizer:    sizer,
		Risk:     manager,
		Sampler:  sampler,
		Dedup:    execution.NewSubmitGuard(cfg.SubmitDedupTTL, cfg.PriceBucketBps),
		Logger:   logger,
		Emitter:  emitter,
	})

	trail, err := trailing.NewEngine(cfg.Trailing, machine, coord, logger)
	if err != nil {
		return nil, fmt.Errorf("wire trailing engine: %w: %w", ports.ErrConfigurationError, err)
	}

	recCfg := cfg.Reconcile
	if len(recCfg.Symbols) == 0 {
		recCfg.Symbols = cfg.Symbols
	}
	reconciler := reconcile.NewEngine(recCfg, exchange, machine, coord, logger, emitter, collectors)

	return &Components{
		Exchange:    exchange,
		Store:       store,
		Logger:      logger,
		Emitter:     emitter,
		Collectors:  collectors,
		Machine:     machine,
		Pipeline:    pipeline,
		Risk:        manager,
		Sampler:     sampler,
		Coordinator: coord,
		Trailing:    trail,
		Reconciler:  reconciler,
		ATR:         tracker,
	}, nil
}

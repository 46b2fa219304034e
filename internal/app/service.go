package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"orderLifecycleBot/config"
	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/execution"
	"orderLifecycleBot/internal/metrics"
	"orderLifecycleBot/internal/ports"
	"orderLifecycleBot/internal/reconcile"
)

const (
	closedHistoryLimit = 500 // Closed trades replayed into the risk manager on start
	sampleTrimInterval = time.Minute
	minSampleAge       = 15 * time.Minute
	terminalRetention  = time.Hour // Finished trades stay in memory at least this long
	shutdownTimeout    = 30 * time.Second
	streamStopTimeout  = 5 * time.Second
	operatorName       = "operator"
)

// TradingService drives the lifecycle components: streams, timers and
// operator commands all enter here.
type TradingService struct {
	cfg *config.Config
	c   *Components
	now func() time.Time

	trading atomic.Bool // New entries accepted

	mu         sync.Mutex // Protects the fields below
	lastReason string
	lastError  time.Time
	started    bool
	marks      map[string]float64 // last price per symbol seen by Tick
	streams    []chan struct{} // stop channels of kline streams
	loops      []<-chan struct{}
}

// NewTradingService creates a new application service instance.
func NewTradingService(cfg *config.Config, c *Components) (*TradingService, error) {
	if cfg == nil || c == nil || c.Logger == nil || c.Exchange == nil || c.Coordinator == nil ||
		c.Machine == nil || c.Reconciler == nil || c.Trailing == nil || c.Risk == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService: %w", ports.ErrConfigurationError)
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("configuration Symbols must not be empty: %w", ports.ErrConfigurationError)
	}
	return &TradingService{
		cfg:   cfg,
		c:     c,
		now:   func() time.Time { return time.Now().UTC() },
		marks: make(map[string]float64),
	}, nil
}

// SetClock drives every component from now instead of the wall clock. Call
// it before Start; replays use it to run on candle time.
func (s *TradingService) SetClock(now func() time.Time) {
	s.now = now
	s.c.Machine.SetClock(now)
	s.c.Coordinator.SetClock(now)
	s.c.Reconciler.SetClock(now)
	s.c.Risk.SetClock(now)
}

// Run starts the service and blocks until SIGINT/SIGTERM or ctx is done,
// then stops gracefully.
func (s *TradingService) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.c.Logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.c.Logger.Info(context.Background(), "Main context cancelled, initiating shutdown...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	return s.Shutdown(stopCtx)
}

// Start synchronizes state with the exchange and starts every driver.
// Drivers stop when ctx is cancelled.
func (s *TradingService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("trading service already started: %w", ports.ErrInvalidRequest)
	}
	s.started = true
	s.mu.Unlock()

	log := s.c.Logger
	log.Info(ctx, "Starting Trading Service...", map[string]interface{}{
		"symbols": s.cfg.Symbols, "market": string(s.c.Exchange.Market()),
	})

	// 1. Set server time (important for signed API calls)
	if err := s.c.Exchange.SetServerTime(ctx); err != nil {
		log.Error(ctx, err, "Failed to synchronize server time")
		return fmt.Errorf("failed to set server time: %w", err)
	}

	// 2. Restore trades and risk counters
	n, err := s.c.Machine.Hydrate(ctx)
	if err != nil {
		log.Error(ctx, err, "Failed to hydrate open trades")
		return fmt.Errorf("failed to hydrate open trades: %w", err)
	}
	if err := s.rebuildRisk(ctx); err != nil {
		return err
	}
	log.Info(ctx, "Initial state synchronized", map[string]interface{}{
		"openTrades": n, "riskLevel": s.c.Risk.State().Level().String(),
	})

	// 3. Leverage
	if s.c.Exchange.Market() == domain.MarketFutures {
		for _, symbol := range s.cfg.Symbols {
			if err := s.c.Exchange.SetLeverage(ctx, symbol, s.cfg.Leverage); err != nil {
				// Continue with the account's current leverage instead of failing
				log.Warn(ctx, "Failed to set leverage, continuing with current setting", map[string]interface{}{
					"symbol": symbol, "targetLeverage": s.cfg.Leverage, "error": err.Error(),
				})
			}
		}
	}

	// 4. ATR history
	s.seedATR(ctx)

	// 5. Catch anything that happened while we were down
	if rep, err := s.c.Reconciler.Run(ctx); err != nil {
		s.note(ctx, err, "Initial reconciliation failed")
	} else {
		log.Info(ctx, "Initial reconciliation complete", map[string]interface{}{"corrections": rep.Corrections()})
	}

	// 6. Streams and timers
	if err := s.startStreams(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.loops = append(s.loops, s.c.Reconciler.Start(ctx), s.trimLoop(ctx))
	s.mu.Unlock()

	s.c.Coordinator.Resume()
	s.trading.Store(true)
	log.Info(ctx, "Trading Service started")
	return nil
}

func (s *TradingService) rebuildRisk(ctx context.Context) error {
	closed, err := s.c.Store.ClosedTrades(ctx, closedHistoryLimit)
	if err != nil {
		s.c.Logger.Error(ctx, err, "Failed to load closed trades")
		return fmt.Errorf("failed to load closed trades: %w", err)
	}
	balance, err := s.c.Exchange.GetAccountBalance(ctx, s.cfg.QuoteAsset)
	if err != nil {
		s.c.Logger.Warn(ctx, "Balance unavailable for risk rebuild", map[string]interface{}{"error": err.Error()})
	}
	s.c.Risk.Rebuild(ctx, closed, balance, s.now())
	return nil
}

func (s *TradingService) seedATR(ctx context.Context) {
	limit := s.c.ATR.Period() * 3
	for _, symbol := range s.cfg.Symbols {
		klines, err := s.c.Exchange.GetKlines(ctx, symbol, s.cfg.KlineInterval, limit)
		if err != nil {
			s.c.Logger.Warn(ctx, "Failed to load initial klines for ATR", map[string]interface{}{
				"symbol": symbol, "error": err.Error(),
			})
			continue
		}
		s.c.ATR.Seed(symbol, klines)
		if v, ok := s.c.ATR.Value(symbol); ok {
			s.c.Logger.Debug(ctx, "ATR seeded", map[string]interface{}{"symbol": symbol, "atr": v})
		}
	}
}

func (s *TradingService) startStreams(ctx context.Context) error {
	log := s.c.Logger
	done, err := s.c.Exchange.StreamExecutionReports(ctx, s.handleReport, s.handleWsError)
	switch {
	case errors.Is(err, ports.ErrNotSupported):
		log.Warn(ctx, "Execution report stream unavailable, fills are merged by reconciliation", map[string]interface{}{"error": err.Error()})
	case err != nil:
		log.Error(ctx, err, "Failed to start execution report stream")
		return fmt.Errorf("failed to start execution report stream: %w", err)
	default:
		s.mu.Lock()
		s.loops = append(s.loops, done)
		s.mu.Unlock()
	}

	for _, symbol := range s.cfg.Symbols {
		doneCh, stopCh, err := s.c.Exchange.StreamKlines(ctx, symbol, s.cfg.KlineInterval, s.handleKline, s.handleWsError)
		if errors.Is(err, ports.ErrNotSupported) {
			log.Warn(ctx, "Kline stream unavailable, prices must be fed through Tick", map[string]interface{}{"symbol": symbol})
			continue
		}
		if err != nil {
			log.Error(ctx, err, "Failed to start WebSocket stream", map[string]interface{}{"symbol": symbol})
			return fmt.Errorf("failed to start kline stream for %s: %w", symbol, err)
		}
		s.mu.Lock()
		s.streams = append(s.streams, stopCh)
		s.loops = append(s.loops, doneCh)
		s.mu.Unlock()
		log.Info(ctx, "WebSocket stream started", map[string]interface{}{"symbol": symbol, "interval": s.cfg.KlineInterval})
	}
	return nil
}

// trimLoop runs housekeep every sampleTrimInterval.
func (s *TradingService) trimLoop(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(sampleTrimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.housekeep(ctx)
			}
		}
	}()
	return done
}

// housekeep drops latency/slippage samples older than the anomaly window,
// forgets finished trades once reconciliation no longer needs them and
// re-applies time-based risk rules.
func (s *TradingService) housekeep(ctx context.Context) {
	now := s.now()
	maxAge := s.cfg.Risk.AnomalyWindow
	if maxAge < minSampleAge {
		maxAge = minSampleAge
	}
	if s.c.Sampler != nil {
		s.c.Sampler.Trim(maxAge, now)
	}
	retention := terminalRetention
	if r := 2 * s.cfg.Reconcile.Interval; r > retention {
		retention = r
	}
	if n := s.c.Machine.Evict(now.Add(-retention)); n > 0 {
		s.c.Logger.Debug(ctx, "Finished trades evicted from memory", map[string]interface{}{"count": n})
	}
	s.c.Risk.Evaluate(ctx, now)
}

func (s *TradingService) handleReport(r *ports.ExecutionReport) {
	ctx := context.Background()
	if err := s.c.Coordinator.HandleReport(ctx, r); err != nil {
		s.note(ctx, err, "Failed to apply execution report")
	}
}

func (s *TradingService) handleKline(k *domain.Kline) {
	ctx := context.Background()
	if k == nil {
		return
	}
	s.c.ATR.Update(k)
	s.Tick(ctx, k.Symbol, k.Close, k.CloseTime)
}

// handleWsError handles errors reported by the WebSocket streams.
// Reconnection is handled within the adapter.
func (s *TradingService) handleWsError(err error) {
	s.note(context.Background(), err, "WebSocket stream error reported")
}

// note logs err and keeps msg as the last failure reason shown by Status.
func (s *TradingService) note(ctx context.Context, err error, msg string) {
	s.c.Logger.Error(ctx, err, msg)
	s.mu.Lock()
	s.lastReason = fmt.Sprintf("%s: %v", msg, err)
	s.lastError = s.now()
	s.mu.Unlock()
}

// Tick feeds a price into the trailing engine and lets the risk manager
// apply time-based recovery.
func (s *TradingService) Tick(ctx context.Context, symbol string, price float64, ts time.Time) {
	if ts.IsZero() {
		ts = s.now()
	}
	if price > 0 {
		s.mu.Lock()
		s.marks[symbol] = price
		s.mu.Unlock()
	}
	if err := s.c.Trailing.OnPrice(ctx, symbol, price, ts); err != nil {
		s.note(ctx, err, "Trailing update failed")
	}
	s.c.Risk.Evaluate(ctx, ts)
}

// SubmitSignal hands a trading signal to the execution coordinator.
// A signal without ATR uses the tracked ATR of its symbol when available.
func (s *TradingService) SubmitSignal(ctx context.Context, sig domain.Signal) (execution.OpenResult, error) {
	if !s.trading.Load() {
		return execution.OpenResult{}, fmt.Errorf("submit signal: %w: trading is stopped", ports.ErrHalted)
	}
	if sig.ATR <= 0 {
		if v, ok := s.c.ATR.Value(sig.Symbol); ok {
			sig.ATR = v
		}
	}
	res, err := s.c.Coordinator.Open(ctx, sig)
	if err != nil {
		s.note(ctx, err, "Signal submission failed")
	}
	return res, err
}

// RunReconciliation reconciles once; concurrent callers share one run.
func (s *TradingService) RunReconciliation(ctx context.Context) (reconcile.Report, error) {
	rep, err := s.c.Reconciler.Run(ctx)
	if err != nil {
		s.note(ctx, err, "Reconciliation failed")
	}
	return rep, err
}

// StartTrading re-enables new entries.
func (s *TradingService) StartTrading(ctx context.Context) {
	s.c.Coordinator.Resume()
	s.trading.Store(true)
	s.c.Logger.Info(ctx, "Trading enabled", map[string]interface{}{"by": operatorName})
}

// StopTrading stops intake, waits for in-flight submissions to be
// acknowledged or fail, then reconciles once to catch late fills.
// A submission that passed intake before the stop is waited for even when
// it is still fetching quotes or balances.
func (s *TradingService) StopTrading(ctx context.Context) error {
	s.trading.Store(false)
	s.c.Logger.Info(ctx, "Trading disabled, waiting for in-flight orders", map[string]interface{}{"by": operatorName})
	if err := s.c.Coordinator.Pause(ctx); err != nil {
		s.note(ctx, err, "In-flight orders did not settle before stop")
		return err
	}
	_, err := s.RunReconciliation(ctx)
	return err
}

// EmergencyStop halts intake, forces EMERGENCY and closes every open
// trade of the configured symbols.
func (s *TradingService) EmergencyStop(ctx context.Context, reason string) error {
	s.trading.Store(false)
	if reason == "" {
		reason = "emergency stop"
	}
	s.c.Risk.ForceEscalation(ctx, domain.RiskEmergency, reason, operatorName)
	if err := s.c.Coordinator.Pause(ctx); err != nil {
		s.note(ctx, err, "In-flight orders did not settle before emergency close")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range s.cfg.Symbols {
		symbol := symbol
		g.Go(func() error {
			if _, err := s.c.Coordinator.Close(gctx, symbol, domain.CloseReasonEmergency); err != nil {
				return fmt.Errorf("close %s: %w", symbol, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.note(ctx, err, "Emergency close incomplete")
		return err
	}
	s.c.Logger.Warn(ctx, "Emergency stop complete", map[string]interface{}{"reason": reason})
	return nil
}

// CloseSymbol closes every open trade of symbol at market.
func (s *TradingService) CloseSymbol(ctx context.Context, symbol string) (bool, error) {
	closed, err := s.c.Coordinator.Close(ctx, symbol, domain.CloseReasonManual)
	if err != nil {
		s.note(ctx, err, "Manual close failed")
	}
	return closed, err
}

// ForceRisk pins the risk level to at least level.
func (s *TradingService) ForceRisk(ctx context.Context, level domain.RiskLevel, reason string) {
	s.c.Risk.ForceEscalation(ctx, level, reason, operatorName)
}

// ClearRiskOverride removes a manual risk floor.
func (s *TradingService) ClearRiskOverride(ctx context.Context) {
	s.c.Risk.ClearOverride(ctx, operatorName)
}

// Shutdown stops intake, drains in-flight orders, reconciles once and
// stops the streams. The drivers themselves end with the Start context.
func (s *TradingService) Shutdown(ctx context.Context) error {
	err := s.StopTrading(ctx)

	s.mu.Lock()
	streams := s.streams
	loops := s.loops
	s.streams = nil
	s.mu.Unlock()

	for _, stop := range streams {
		select {
		case stop <- struct{}{}:
		default:
		}
	}
	timeout := time.After(streamStopTimeout)
	for _, done := range loops {
		select {
		case <-done:
		case <-timeout:
			s.c.Logger.Warn(ctx, "Timeout waiting for drivers to shut down")
			return err
		}
	}
	s.c.Logger.Info(ctx, "Trading Service stopped.")
	return err
}

// TradeStatus is the operator view of one open trade.
type TradeStatus struct {
	ID         string
	Symbol     string
	Side       domain.OrderSide
	State      domain.OrderState
	Size       float64
	Remaining  float64
	Entry      float64
	Stop       float64
	Target     float64
	Mark       float64 // Last ticked price, zero before the first tick
	Unrealized float64
	LastError  string
	Digest     string // Hash of the trade's execution history
}

// Status is the operator view of the service.
type Status struct {
	Trading        bool
	RiskLevel      domain.RiskLevel
	Halted         bool
	Reasons        []string
	Manual         bool
	OpenTrades     []TradeStatus
	LastReconcile  time.Time
	Corrections    int
	LastReason     string
	LastReasonTime time.Time
	Latency        metrics.Stats // Entry acknowledgement latency, seconds
	Slippage       metrics.Stats // Entry slippage, bps
}

// Status reports the service state. It never fails: trades whose history
// cannot be read are reported without a digest.
func (s *TradingService) Status(ctx context.Context) Status {
	snap := s.c.Risk.State().Snapshot()
	rep := s.c.Reconciler.LastReport()
	st := Status{
		Trading:       s.trading.Load(),
		RiskLevel:     snap.Level,
		Halted:        snap.Halted,
		Reasons:       snap.Reasons,
		Manual:        snap.Manual,
		LastReconcile: rep.StartedAt,
		Corrections:   rep.Corrections(),
	}
	s.mu.Lock()
	st.LastReason = s.lastReason
	st.LastReasonTime = s.lastError
	marks := make(map[string]float64, len(s.marks))
	for k, v := range s.marks {
		marks[k] = v
	}
	s.mu.Unlock()
	if s.c.Sampler != nil {
		st.Latency = s.c.Sampler.LatencyStats()
		st.Slippage = s.c.Sampler.SlippageStats()
	}

	trades := s.c.Machine.Snapshot(func(t *domain.Trade) bool { return !t.State.Terminal() })
	sort.Slice(trades, func(i, j int) bool { return trades[i].CreatedAt.Before(trades[j].CreatedAt) })
	for _, t := range trades {
		ts := TradeStatus{
			ID: t.ID, Symbol: t.Symbol, Side: t.Side, State: t.State,
			Size: t.PositionSize, Remaining: t.RemainingSize,
			Entry: t.EntryPrice, Stop: t.StopLoss, Target: t.TakeProfit, LastError: t.LastError,
		}
		if mark := marks[t.Symbol]; mark > 0 {
			ts.Mark = mark
			ts.Unrealized = t.UnrealizedPnL(mark)
		}
		if execs, err := s.c.Machine.Executions(ctx, t.ID); err == nil {
			ts.Digest = domain.HistoryDigest(execs)
		}
		st.OpenTrades = append(st.OpenTrades, ts)
	}
	return st
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"orderLifecycleBot/internal/adapters/logger"
	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/guard"
	"orderLifecycleBot/internal/metrics"
	"orderLifecycleBot/internal/reconcile"
	"orderLifecycleBot/internal/retry"
	"orderLifecycleBot/internal/risk"
	"orderLifecycleBot/internal/trailing"
)

// Config holds all application configuration.
type Config struct {
	// Exchange
	APIKey    string
	SecretKey string
	IsTestnet bool
	Exchange  string // "binance" or "paper"
	Market    domain.MarketType

	// Symbols
	Symbols       []string
	Leverage      int
	QuoteAsset    string
	KlineInterval string
	ATRPeriod     int
	PaperBalance  float64

	// Idempotent submit guard
	SubmitDedupTTL time.Duration
	PriceBucketBps float64

	Retry     retry.Policy
	Sizing    risk.SizingConfig
	Guard     guard.Config
	Risk      risk.RiskConfig
	Trailing  trailing.Config
	Reconcile reconcile.Config
	Sampler   metrics.SamplerConfig

	// Storage
	Store  string // "sqlite" or "memory"
	DBPath string

	// Logging
	LogLevel  logger.LogLevel
	LogFormat string

	// Metrics scrape endpoint; empty disables it
	MetricsAddr string

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
// Every validation failure is collected and reported in one error.
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	l := &loader{}

	// Exchange
	cfg.Exchange = strings.ToLower(getEnv("EXCHANGE", "binance"))
	switch cfg.Exchange {
	case "binance", "paper":
	default:
		l.fail("EXCHANGE must be binance or paper, got %q", cfg.Exchange)
	}
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = l.boolean("IS_TESTNET", true) // Default to testnet for safety
	if cfg.Exchange == "binance" {
		if cfg.APIKey == "" {
			l.fail("BINANCE_API_KEY must be set")
		}
		if cfg.SecretKey == "" {
			l.fail("BINANCE_API_SECRET must be set")
		}
	}
	cfg.Market = domain.MarketType(strings.ToLower(getEnv("MARKET", string(domain.MarketFutures))))
	if cfg.Market != domain.MarketFutures && cfg.Market != domain.MarketSpot {
		l.fail("MARKET must be futures or spot, got %q", cfg.Market)
	}

	// Symbols
	for _, s := range strings.Split(getEnv("SYMBOLS", "BTCUSDT"), ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			cfg.Symbols = append(cfg.Symbols, s)
		}
	}
	if len(cfg.Symbols) == 0 {
		l.fail("SYMBOLS must list at least one symbol")
	}
	cfg.Leverage = l.integer("LEVERAGE", 3)
	if cfg.Leverage <= 0 {
		l.fail("LEVERAGE must be positive")
	}
	if cfg.Market == domain.MarketSpot {
		cfg.Leverage = 1
	}
	cfg.QuoteAsset = strings.ToUpper(getEnv("QUOTE_ASSET", "USDT"))
	cfg.KlineInterval = getEnv("KLINE_INTERVAL", "1m")
	cfg.ATRPeriod = l.integer("ATR_PERIOD", 14)
	if cfg.ATRPeriod <= 0 {
		l.fail("ATR_PERIOD must be positive")
	}
	cfg.PaperBalance = l.float("PAPER_BALANCE", 10000)

	// Sizing
	cfg.Sizing = risk.SizingConfig{
		Market:              cfg.Market,
		RiskPercent:         l.float("RISK_PERCENT", 1),
		ATRMultiplier:       l.float("ATR_MULTIPLIER", 2),
		FallbackStopPercent: l.float("FALLBACK_STOP_PERCENT", 1),
		RewardRiskRatio:     l.float("REWARD_RISK_RATIO", 2),
		Leverage:            cfg.Leverage,
		MaxMarginUsage:      l.float("MAX_MARGIN_USAGE", 0.5),
	}
	if cfg.Sizing.RiskPercent <= 0 || cfg.Sizing.RiskPercent > 100 {
		l.fail("RISK_PERCENT must be in (0, 100]")
	}
	if cfg.Sizing.MaxMarginUsage <= 0 || cfg.Sizing.MaxMarginUsage > 1 {
		l.fail("MAX_MARGIN_USAGE must be in (0, 1]")
	}

	// Idempotency
	cfg.SubmitDedupTTL = l.duration("SUBMIT_DEDUP_TTL", time.Minute)
	cfg.PriceBucketBps = l.float("PRICE_BUCKET_BPS", 10)

	// Retry
	cfg.Retry = retry.Policy{
		MaxAttempts: l.integer("RETRY_MAX_ATTEMPTS", 4),
		BaseDelay:   l.duration("RETRY_BASE_DELAY", 250*time.Millisecond),
		Multiplier:  l.float("RETRY_MULTIPLIER", 2),
		MaxDelay:    l.duration("RETRY_MAX_DELAY", 5*time.Second),
		CallTimeout: l.duration("CALL_TIMEOUT", 10*time.Second),
		Jitter:      true,
	}
	if cfg.Retry.MaxAttempts <= 0 {
		l.fail("RETRY_MAX_ATTEMPTS must be positive")
	}
	if cfg.Retry.Multiplier < 1 {
		l.fail("RETRY_MULTIPLIER must be at least 1")
	}

	// Guards
	cfg.Guard = guard.Config{
		MaxDailyLossPct:          l.float("MAX_DAILY_LOSS_PERCENT", 3),
		MaxConsecutiveLosses:     l.integer("MAX_CONSECUTIVE_LOSSES", 4),
		OutlierATRMultiple:       l.float("OUTLIER_ATR_MULTIPLE", 5),
		MinBarVolume:             l.float("MIN_BAR_VOLUME", 0),
		MaxOpenPositions:         l.integer("MAX_OPEN_POSITIONS", 3),
		CorrelationThreshold:     l.float("CORRELATION_THRESHOLD", 0.8),
		MaxCorrelatedExposurePct: l.float("MAX_CORRELATED_EXPOSURE_PERCENT", 50),
		MaxSpreadBps:             l.float("MAX_SPREAD_BPS", 15),
		MaxSlippageBps:           l.float("MAX_SLIPPAGE_BPS", 25),
		FeeBps:                   l.float("FEE_BPS", 4),
		EdgeCostMultiple:         l.float("EDGE_COST_MULTIPLE", 2),
	}
	if cfg.Guard.MaxOpenPositions < 0 || cfg.Guard.MaxConsecutiveLosses < 0 {
		l.fail("MAX_OPEN_POSITIONS and MAX_CONSECUTIVE_LOSSES cannot be negative")
	}

	// Trailing
	levels, err := trailing.ParseLevels(getEnv("PARTIAL_EXIT_LEVELS", "1:0.5,2:0.25"))
	if err != nil {
		l.fail("invalid PARTIAL_EXIT_LEVELS: %v", err)
	}
	cfg.Trailing = trailing.Config{
		Levels:      levels,
		ActivationR: l.float("TRAIL_ACTIVATION_R", 1),
		Mode:        trailing.Mode(strings.ToLower(getEnv("TRAIL_MODE", string(trailing.ModeATR)))),
		ATRMultiple: l.float("TRAIL_ATR_MULTIPLE", 1.5),
		StepPercent: l.float("TRAIL_STEP_PERCENT", 0.5),
		Cooldown:    l.duration("TRAIL_COOLDOWN", 30*time.Second),
	}
	if cfg.Trailing.Mode != trailing.ModeATR && cfg.Trailing.Mode != trailing.ModeStep {
		l.fail("TRAIL_MODE must be atr or step, got %q", cfg.Trailing.Mode)
	}

	// Reconciliation
	cfg.Reconcile = reconcile.Config{
		Symbols:          cfg.Symbols,
		Interval:         l.duration("RECONCILE_INTERVAL", 30*time.Second),
		Budget:           l.duration("RECONCILE_BUDGET", 20*time.Second),
		RatePerSecond:    l.float("RECONCILE_RATE_PER_SECOND", 5),
		OrphanPolicy:     reconcile.OrphanPolicy(strings.ToLower(getEnv("ORPHAN_POLICY", string(reconcile.OrphanClosed)))),
		StalledPolicy:    reconcile.StalledPolicy(strings.ToLower(getEnv("STALLED_PARTIAL_POLICY", string(reconcile.StalledNone)))),
		StalledAfter:     l.duration("STALLED_PARTIAL_AFTER", 2*time.Minute),
		SubmitStaleAfter: l.duration("SUBMIT_STALE_AFTER", time.Minute),
		Retry:            cfg.Retry,
	}
	switch cfg.Reconcile.OrphanPolicy {
	case reconcile.OrphanClosed, reconcile.OrphanCancelled:
	default:
		l.fail("ORPHAN_POLICY must be closed or cancelled, got %q", cfg.Reconcile.OrphanPolicy)
	}
	switch cfg.Reconcile.StalledPolicy {
	case reconcile.StalledNone, reconcile.StalledReduce, reconcile.StalledCancel:
	default:
		l.fail("STALLED_PARTIAL_POLICY must be none, reduce or cancel, got %q", cfg.Reconcile.StalledPolicy)
	}
	if cfg.Reconcile.Interval <= 0 {
		l.fail("RECONCILE_INTERVAL must be positive")
	}
	if cfg.Reconcile.Budget >= cfg.Reconcile.Interval {
		l.fail("RECONCILE_BUDGET must be shorter than RECONCILE_INTERVAL")
	}

	// Risk escalation
	cfg.Risk = risk.RiskConfig{
		MaxDailyLossPct:       cfg.Guard.MaxDailyLossPct,
		WarnDailyLossFraction: l.float("WARN_DAILY_LOSS_FRACTION", 0.5),
		EmergencyLossMultiple: l.float("EMERGENCY_LOSS_MULTIPLE", 2),
		MaxConsecutiveLosses:  cfg.Guard.MaxConsecutiveLosses,
		AnomalyWindow:         l.duration("ANOMALY_WINDOW", 5*time.Minute),
		AnomalyWarnCount:      l.integer("ANOMALY_WARN_COUNT", 3),
		AnomalyCriticalCount:  l.integer("ANOMALY_CRITICAL_COUNT", 6),
		WarningSizeMultiplier: l.float("WARNING_SIZE_MULTIPLIER", 0.5),
		RecoveryWins:          l.integer("RECOVERY_WINS", 3),
		RecoveryCooldown:      l.duration("RECOVERY_COOLDOWN", 30*time.Minute),
	}
	if cfg.Risk.AnomalyCriticalCount > 0 && cfg.Risk.AnomalyWarnCount > cfg.Risk.AnomalyCriticalCount {
		l.fail("ANOMALY_WARN_COUNT must not exceed ANOMALY_CRITICAL_COUNT")
	}

	// Sampler
	cfg.Sampler = metrics.SamplerConfig{
		Size:                 l.integer("SAMPLE_BUFFER_SIZE", 512),
		LatencyThreshold:     time.Duration(l.integer("LATENCY_ANOMALY_MS", 1500)) * time.Millisecond,
		SlippageThresholdBps: l.float("SLIPPAGE_ANOMALY_BPS", 30),
	}
	if cfg.Sampler.Size <= 0 {
		l.fail("SAMPLE_BUFFER_SIZE must be positive")
	}

	// Storage
	cfg.Store = strings.ToLower(getEnv("STORE", "sqlite"))
	switch cfg.Store {
	case "sqlite", "memory":
	default:
		l.fail("STORE must be sqlite or memory, got %q", cfg.Store)
	}
	cfg.DBPath = getEnv("DB_PATH", "./data/order_lifecycle.db")
	if cfg.Store == "sqlite" && cfg.DBPath == "" {
		l.fail("DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "text"))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		l.fail("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")

	// Connection Settings
	reconnectDelaySeconds := l.integer("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		l.fail("RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second
	cfg.MaxReconnectAttempts = l.integer("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		l.fail("MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(l.errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(l.errs, "; "))
	}
	return cfg, nil
}

// --- Env Var Helpers ---

// loader reads typed values and records malformed ones instead of
// silently falling back to the default.
type loader struct {
	errs []string
}

func (l *loader) fail(format string, args ...interface{}) {
	l.errs = append(l.errs, fmt.Sprintf(format, args...))
}

func (l *loader) integer(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		l.fail("invalid integer value '%s' for key %s", valueStr, key)
		return defaultValue
	}
	return value
}

func (l *loader) float(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		l.fail("invalid float value '%s' for key %s", valueStr, key)
		return defaultValue
	}
	if value < 0 {
		l.fail("%s cannot be negative", key)
	}
	return value
}

func (l *loader) boolean(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		l.fail("invalid boolean value '%s' for key %s", valueStr, key)
		return defaultValue
	}
	return value
}

// duration accepts Go durations ("30s", "5m") or a bare number of seconds.
func (l *loader) duration(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value < 0 {
		l.fail("invalid duration value '%s' for key %s", valueStr, key)
		return defaultValue
	}
	return value
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

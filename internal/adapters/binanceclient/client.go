package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/patrickmn/go-cache"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

const (
	// Base URLs
	futuresURLProduction = "https://fapi.binance.com"
	futuresURLTestnet    = "https://testnet.binancefuture.com"
	spotURLProduction    = "https://api.binance.com"
	spotURLTestnet       = "https://testnet.binance.vision"

	filtersTTL = time.Hour
)

// Client implements the ports.ExchangeClient interface using the go-binance library.
// It trades either USDT-margined futures or spot, never both.
type Client struct {
	market               domain.MarketType
	futuresClient        *futures.Client
	spotClient           *binance.Client
	logger               ports.Logger
	filters              *cache.Cache
	reconnectDelay       time.Duration
	maxReconnectAttempts int
	keepaliveInterval    time.Duration
	stopLimitSlippageBps float64
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Market               domain.MarketType
	Logger               ports.Logger
	ReconnectDelay       time.Duration // Initial reconnect delay
	MaxReconnectAttempts int           // Max consecutive failures before giving up
	KeepaliveInterval    time.Duration // Listen key keepalive period
	StopLimitSlippageBps float64       // Spot OCO: distance of the stop-limit price past the trigger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client: %w", ports.ErrConfigurationError)
	}
	if cfg.Market == "" {
		cfg.Market = domain.MarketFutures
	}
	if cfg.Market != domain.MarketFutures && cfg.Market != domain.MarketSpot {
		return nil, fmt.Errorf("binance client: %w: unknown market %q", ports.ErrConfigurationError, cfg.Market)
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	c := &Client{
		market:               cfg.Market,
		logger:               cfg.Logger,
		filters:              cache.New(filtersTTL, 2*filtersTTL),
		reconnectDelay:       cfg.ReconnectDelay,
		maxReconnectAttempts: cfg.MaxReconnectAttempts,
		keepaliveInterval:    cfg.KeepaliveInterval,
		stopLimitSlippageBps: cfg.StopLimitSlippageBps,
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = time.Second
	}
	if c.maxReconnectAttempts <= 0 {
		c.maxReconnectAttempts = 10
	}
	if c.keepaliveInterval <= 0 {
		c.keepaliveInterval = 30 * time.Minute
	}
	if c.stopLimitSlippageBps <= 0 {
		c.stopLimitSlippageBps = 20
	}

	if cfg.Market == domain.MarketFutures {
		c.futuresClient = futures.NewClient(cfg.APIKey, cfg.SecretKey)
		c.futuresClient.BaseURL = futuresURLProduction
		if cfg.UseTestnet {
			c.futuresClient.BaseURL = futuresURLTestnet
			futures.UseTestnet = true
		}
		cfg.Logger.Info(context.Background(), "Binance futures client configured", map[string]interface{}{"baseURL": c.futuresClient.BaseURL})
	} else {
		c.spotClient = binance.NewClient(cfg.APIKey, cfg.SecretKey)
		c.spotClient.BaseURL = spotURLProduction
		if cfg.UseTestnet {
			c.spotClient.BaseURL = spotURLTestnet
			binance.UseTestnet = true
		}
		cfg.Logger.Info(context.Background(), "Binance spot client configured", map[string]interface{}{"baseURL": c.spotClient.BaseURL})
	}
	return c, nil
}

// Market reports the market this client trades.
func (c *Client) Market() domain.MarketType {
	return c.market
}

// mapAPIError maps a Binance error code to a ports sentinel.
func mapAPIError(code int64) error {
	switch code {
	case -1003, 429, 418: // Too many requests / IP banned
		return ports.ErrRateLimited
	case -1001, -1006, -1016: // Disconnected, unexpected response, service shutting down
		return ports.ErrExchangeUnavailable
	case -1007, -1021: // Backend timeout, timestamp outside recvWindow
		return ports.ErrTimeout
	case -1022: // Signature for this request is not valid
		return ports.ErrAuthenticationFailed
	case -1013, -1111, -4003, -4164, -1112: // Filter failure, precision, qty range, notional
		return ports.ErrFilterViolation
	case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
		return ports.ErrInvalidRequest
	case -2010: // New order rejected
		return ports.ErrOrderPlacementFailed
	case -2011, -2013: // Cancel rejected for unknown order, order does not exist
		return ports.ErrOrderNotFound
	case -2014, -2015: // API-key format invalid / invalid key, IP or permissions
		return ports.ErrInvalidAPIKeys
	case -2019, -3005, -3041, -4047: // Margin or balance insufficient
		return ports.ErrInsufficientFunds
	case -2022: // ReduceOnly order is rejected
		return ports.ErrOrderPlacementFailed
	case -4014, -4015:
		return ports.ErrInvalidRequest
	case -4044:
		return ports.ErrPositionNotFound
	default:
		return ports.ErrUnknown
	}
}

// classify wraps err with the sentinel describing it.
func classify(err error, operation string) error {
	var apiErr *common.APIError
	switch {
	case errors.As(err, &apiErr):
		return fmt.Errorf("%s failed: %w: %w", operation, mapAPIError(apiErr.Code), err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "i/o timeout"),
		strings.Contains(err.Error(), "EOF"):
		return fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		return fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}
}

// handleError translates Binance API errors into standardized ports errors and logs them.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	fields := map[string]interface{}{"operation": operation}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message
	}
	finalErr := classify(err, operation)
	// Unknown orders are routine during cancels and reconciliation.
	if errors.Is(finalErr, ports.ErrOrderNotFound) {
		c.logger.Debug(ctx, operation+": order not found", fields)
	} else {
		c.logger.Error(ctx, err, operation+" failed", fields)
	}
	return finalErr
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	var offset int64
	var err error
	if c.market == domain.MarketFutures {
		offset, err = c.futuresClient.NewSetServerTimeService().Do(ctx)
	} else {
		offset, err = c.spotClient.NewSetServerTimeService().Do(ctx)
	}
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"offsetMs": offset})
	return nil
}

// GetAccountBalance retrieves the available balance for a specific asset (e.g., "USDT").
func (c *Client) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetAccountBalance"
	if c.market == domain.MarketSpot {
		balances, err := c.spotBalances(ctx)
		if err != nil {
			return 0, c.handleError(ctx, err, op)
		}
		return balances[asset], nil
	}

	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	for _, bal := range account.Assets {
		if bal.Asset == asset {
			balance, err := strconv.ParseFloat(bal.WalletBalance, 64)
			if err != nil {
				return 0, c.handleError(ctx, fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.WalletBalance, asset, err), op)
			}
			return balance, nil
		}
	}
	return 0, nil
}

// spotBalances returns free+locked per asset.
func (c *Client) spotBalances(ctx context.Context) (map[string]float64, error) {
	account, err := c.spotClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(account.Balances))
	for _, b := range account.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if total := free + locked; total > 0 {
			out[b.Asset] = total
		}
	}
	return out, nil
}

// SetLeverage sets the leverage for a specific symbol. A no-op on spot.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	if c.market == domain.MarketSpot {
		return nil
	}
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// GetTicker returns the best bid/ask for a symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	op := "GetTicker"
	var bid, ask string
	if c.market == domain.MarketFutures {
		tickers, err := c.futuresClient.NewListBookTickersService().Symbol(symbol).Do(ctx)
		if err != nil {
			return domain.Ticker{}, c.handleError(ctx, err, op)
		}
		if len(tickers) == 0 {
			return domain.Ticker{}, fmt.Errorf("%s failed: %w: no book ticker for %s", op, ports.ErrNotFound, symbol)
		}
		bid, ask = tickers[0].BidPrice, tickers[0].AskPrice
	} else {
		tickers, err := c.spotClient.NewListBookTickersService().Symbol(symbol).Do(ctx)
		if err != nil {
			return domain.Ticker{}, c.handleError(ctx, err, op)
		}
		if len(tickers) == 0 {
			return domain.Ticker{}, fmt.Errorf("%s failed: %w: no book ticker for %s", op, ports.ErrNotFound, symbol)
		}
		bid, ask = tickers[0].BidPrice, tickers[0].AskPrice
	}
	return parseTicker(symbol, bid, ask, time.Now().UTC())
}

// GetSymbolFilters returns the precision filters of symbol from exchangeInfo.
// Results are cached for an hour.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	op := "GetSymbolFilters"
	if v, ok := c.filters.Get(symbol); ok {
		return v.(domain.SymbolFilters), nil
	}

	var f domain.SymbolFilters
	found := false
	if c.market == domain.MarketFutures {
		info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return f, c.handleError(ctx, err, op)
		}
		for _, s := range info.Symbols {
			if s.Symbol == symbol {
				f, found = parseFilters(s.Symbol, s.BaseAsset, s.QuoteAsset, s.Filters), true
				break
			}
		}
	} else {
		info, err := c.spotClient.NewExchangeInfoService().Symbol(symbol).Do(ctx)
		if err != nil {
			return f, c.handleError(ctx, err, op)
		}
		for _, s := range info.Symbols {
			if s.Symbol == symbol {
				f, found = parseFilters(s.Symbol, s.BaseAsset, s.QuoteAsset, s.Filters), true
				break
			}
		}
	}
	if !found {
		return f, fmt.Errorf("%s failed: %w: symbol %s not listed", op, ports.ErrNotFound, symbol)
	}
	c.filters.Set(symbol, f, cache.DefaultExpiration)
	c.logger.Debug(ctx, "Symbol filters loaded", map[string]interface{}{
		"symbol": symbol, "stepSize": f.StepSize, "tickSize": f.TickSize, "minNotional": f.MinNotional,
	})
	return f, nil
}

// InvalidateFilters drops the cached filters of symbol.
func (c *Client) InvalidateFilters(symbol string) {
	c.filters.Delete(symbol)
}

// GetKlines retrieves historical klines/candlestick data for the given symbol.
func (c *Client) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	var raw []rawKline
	if c.market == domain.MarketFutures {
		klines, err := c.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		for _, k := range klines {
			raw = append(raw, rawKline{k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume})
		}
	} else {
		klines, err := c.spotClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		for _, k := range klines {
			raw = append(raw, rawKline{k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume})
		}
	}

	now := time.Now()
	out := make([]*domain.Kline, 0, len(raw))
	for _, r := range raw {
		dk, err := r.translate(symbol, interval)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		// The last bar of a listing may still be forming.
		dk.IsFinal = !dk.CloseTime.After(now)
		out = append(out, dk)
	}
	return out, nil
}

package binanceclient

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

// connectFunc opens one websocket session and returns its done/stop channels.
// The cleanup func, if non-nil, runs after the session ends.
type connectFunc func(ctx context.Context) (done, stop chan struct{}, cleanup func(), err error)

// serve keeps a websocket session alive until ctx is cancelled or the
// consecutive connection failures exceed maxReconnectAttempts.
func (c *Client) serve(ctx context.Context, op string, fields map[string]interface{}, connect connectFunc) chan struct{} {
	doneCh := make(chan struct{})
	b := &backoff.Backoff{Min: c.reconnectDelay, Max: 30 * c.reconnectDelay, Factor: 2, Jitter: true}

	go func() {
		defer close(doneCh)
		for {
			if ctx.Err() != nil {
				c.logger.Info(ctx, op+": Context cancelled, stopping connection attempts.", fields)
				return
			}
			c.logger.Info(ctx, op+": Attempting WebSocket connection...", withField(fields, "attempt", int(b.Attempt())+1))
			innerDone, innerStop, cleanup, err := connect(ctx)
			if err != nil {
				c.handleError(ctx, err, op+" connection attempt")
				if int(b.Attempt())+1 >= c.maxReconnectAttempts {
					c.logger.Error(ctx, err, op+": Max reconnection attempts exceeded, giving up.", withField(fields, "maxAttempts", c.maxReconnectAttempts))
					return
				}
				delay := b.Duration()
				c.logger.Info(ctx, op+": Connection failed, retrying...", withField(fields, "delay", delay.String()))
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return
				}
			}

			c.logger.Info(ctx, op+": WebSocket connection established.", fields)
			b.Reset()

			select {
			case <-innerDone:
				c.logger.Warn(ctx, op+": WebSocket connection closed unexpectedly. Reconnecting...", fields)
				if cleanup != nil {
					cleanup()
				}
			case <-ctx.Done():
				select {
				case innerStop <- struct{}{}:
				default:
					c.logger.Debug(ctx, op+": Inner WebSocket already closed.", fields)
				}
				if cleanup != nil {
					cleanup()
				}
				c.logger.Info(ctx, op+": Context cancelled, stopping WebSocket.", fields)
				return
			}
		}
	}()
	return doneCh
}

func withField(fields map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}

// StreamKlines starts a WebSocket stream for K-line/candlestick data.
// Closing stopCh or cancelling ctx ends the stream; doneCh closes once it has.
func (c *Client) StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamKlines"
	fields := map[string]interface{}{"symbol": symbol, "interval": interval}
	wsCtx, cancelWs := context.WithCancel(ctx)

	onKline := func(k *domain.Kline, err error) {
		if err != nil {
			c.logger.Error(wsCtx, err, op+": Failed to translate WebSocket kline event", fields)
			return
		}
		handler(k)
	}
	onErr := func(err error) {
		translated := c.handleError(wsCtx, err, op+" WebSocket")
		if errHandler != nil {
			errHandler(translated)
		}
	}

	var connect connectFunc
	if c.market == domain.MarketFutures {
		connect = func(context.Context) (chan struct{}, chan struct{}, func(), error) {
			done, stop, err := futures.WsKlineServe(symbol, interval, func(e *futures.WsKlineEvent) { onKline(translateFuturesWsKline(e)) }, onErr)
			return done, stop, nil, err
		}
	} else {
		connect = func(context.Context) (chan struct{}, chan struct{}, func(), error) {
			done, stop, err := binance.WsKlineServe(symbol, interval, func(e *binance.WsKlineEvent) { onKline(translateSpotWsKline(e)) }, onErr)
			return done, stop, nil, err
		}
	}

	loopDone := c.serve(wsCtx, op, fields, connect)
	stopCh = make(chan struct{})
	go func() {
		select {
		case <-stopCh:
			c.logger.Info(ctx, op+": Received external stop signal, cancelling WebSocket context.", fields)
		case <-loopDone:
		}
		cancelWs()
	}()
	return loopDone, stopCh, nil
}

// StreamExecutionReports subscribes to the futures user-data stream and
// forwards ORDER_TRADE_UPDATE events. A fresh listen key is obtained per
// session and kept alive until the session ends.
func (c *Client) StreamExecutionReports(ctx context.Context, handler ports.ExecutionReportHandler, errHandler func(err error)) (chan struct{}, error) {
	op := "StreamExecutionReports"
	if c.market != domain.MarketFutures {
		return nil, fmt.Errorf("%s: %w: user-data stream is only wired for futures", op, ports.ErrNotSupported)
	}
	fields := map[string]interface{}{"market": string(c.market)}

	onEvent := func(e *futures.WsUserDataEvent) {
		if e == nil || e.Event != futures.UserDataEventTypeOrderTradeUpdate {
			return
		}
		handler(translateOrderTradeUpdate(e.OrderTradeUpdate, e.Time))
	}
	onErr := func(err error) {
		translated := c.handleError(ctx, err, op+" WebSocket")
		if errHandler != nil {
			errHandler(translated)
		}
	}

	connect := func(sctx context.Context) (chan struct{}, chan struct{}, func(), error) {
		listenKey, err := c.futuresClient.NewStartUserStreamService().Do(sctx)
		if err != nil {
			return nil, nil, nil, err
		}
		done, stop, err := futures.WsUserDataServe(listenKey, onEvent, onErr)
		if err != nil {
			return nil, nil, nil, err
		}
		kaCtx, stopKeepalive := context.WithCancel(sctx)
		go c.keepalive(kaCtx, listenKey)
		cleanup := func() {
			stopKeepalive()
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.futuresClient.NewCloseUserStreamService().ListenKey(listenKey).Do(closeCtx); err != nil {
				c.logger.Debug(closeCtx, op+": Failed to close listen key", map[string]interface{}{"error": err.Error()})
			}
		}
		return done, stop, cleanup, nil
	}

	return c.serve(ctx, op, fields, connect), nil
}

func (c *Client) keepalive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				c.handleError(ctx, err, "KeepaliveUserStream")
			}
		}
	}
}

package replay

import (
	"context"
	"sync"

	"orderLifecycleBot/internal/domain"
)

// Feed is a market data source driven by Runner instead of a websocket.
// It plugs into paper.Exchange.WithMarketData.
type Feed struct {
	mu       sync.Mutex
	handlers map[string][]func(*domain.Kline)
	history  map[string][]*domain.Kline
}

// NewFeed returns a feed with no subscribers and no history.
func NewFeed() *Feed {
	return &Feed{
		handlers: make(map[string][]func(*domain.Kline)),
		history:  make(map[string][]*domain.Kline),
	}
}

// StreamKlines registers handler for symbol until ctx ends or stop is closed.
func (f *Feed) StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	f.mu.Lock()
	f.handlers[symbol] = append(f.handlers[symbol], handler)
	idx := len(f.handlers[symbol]) - 1
	f.mu.Unlock()

	done, stop := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case <-stop:
		}
		f.mu.Lock()
		f.handlers[symbol][idx] = nil
		f.mu.Unlock()
	}()
	return done, stop, nil
}

// GetKlines returns the newest delivered candles of symbol, at most limit.
func (f *Feed) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.history[symbol]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]*domain.Kline(nil), h...), nil
}

// push delivers k to the handlers of its symbol synchronously.
func (f *Feed) push(k *domain.Kline) {
	f.mu.Lock()
	f.history[k.Symbol] = append(f.history[k.Symbol], k)
	handlers := make([]func(*domain.Kline), len(f.handlers[k.Symbol]))
	copy(handlers, f.handlers[k.Symbol])
	f.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(k)
		}
	}
}

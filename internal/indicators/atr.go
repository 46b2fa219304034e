package indicators

import (
	"fmt"
	"math"
	"sync"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

// TrueRange is the greatest of high-low, |high-prevClose| and |low-prevClose|.
// prevClose <= 0 means there is no previous bar.
func TrueRange(k *domain.Kline, prevClose float64) float64 {
	tr := k.High - k.Low
	if prevClose <= 0 {
		return tr
	}
	return math.Max(tr, math.Max(math.Abs(k.High-prevClose), math.Abs(k.Low-prevClose)))
}

// CalculateATR computes the Average True Range of klines with Wilder's smoothing.
func CalculateATR(klines []*domain.Kline, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("atr: %w: period %d", ports.ErrInvalidRequest, period)
	}
	if len(klines) < period+1 {
		return 0, fmt.Errorf("not enough data points for ATR calculation: need %d, got %d", period+1, len(klines))
	}
	var s series
	for _, k := range klines {
		s.add(k, period)
	}
	return s.atr, nil
}

// series is the running Wilder state of one symbol.
type series struct {
	prevClose float64
	seed      float64 // Sum of true ranges until the first average
	count     int
	atr       float64
}

func (s *series) add(k *domain.Kline, period int) {
	tr := TrueRange(k, s.prevClose)
	s.prevClose = k.Close
	s.count++
	switch {
	case s.count < period:
		s.seed += tr
	case s.count == period:
		s.atr = (s.seed + tr) / float64(period)
	default:
		s.atr = (s.atr*float64(period-1) + tr) / float64(period)
	}
}

func (s *series) ready(period int) bool {
	return s.count > period
}

// Tracker keeps a rolling ATR per symbol from closed klines. A signal that
// carries no ATR is sized with the tracker's snapshot.
type Tracker struct {
	period int

	mu     sync.RWMutex
	series map[string]*series
	last   map[string]int64 // Open time (ms) of the last bar applied
}

// NewTracker creates a tracker with the given period.
func NewTracker(period int) (*Tracker, error) {
	if period <= 0 {
		return nil, fmt.Errorf("atr tracker: %w: period %d", ports.ErrConfigurationError, period)
	}
	return &Tracker{
		period: period,
		series: make(map[string]*series),
		last:   make(map[string]int64),
	}, nil
}

// Period returns the smoothing period.
func (t *Tracker) Period() int {
	return t.period
}

// Seed replaces a symbol's state with historical klines, oldest first.
// The last bar is skipped when it is not final.
func (t *Tracker) Seed(symbol string, klines []*domain.Kline) {
	s := &series{}
	var last int64
	for _, k := range klines {
		if k == nil || !k.IsFinal && k == klines[len(klines)-1] {
			continue
		}
		s.add(k, t.period)
		last = k.OpenTime.UnixMilli()
	}
	t.mu.Lock()
	t.series[symbol] = s
	t.last[symbol] = last
	t.mu.Unlock()
}

// Update applies one kline. Non-final and already applied bars are ignored;
// it reports whether the bar was used.
func (t *Tracker) Update(k *domain.Kline) bool {
	if k == nil || !k.IsFinal {
		return false
	}
	open := k.OpenTime.UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[k.Symbol]; ok && open <= last {
		return false
	}
	s, ok := t.series[k.Symbol]
	if !ok {
		s = &series{}
		t.series[k.Symbol] = s
	}
	s.add(k, t.period)
	t.last[k.Symbol] = open
	return true
}

// Value returns the current ATR of symbol once enough bars were seen.
func (t *Tracker) Value(symbol string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.series[symbol]
	if !ok || !s.ready(t.period) {
		return 0, false
	}
	return s.atr, true
}

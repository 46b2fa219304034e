package execution

import (
	"fmt"
	"math"
	"time"

	"github.com/patrickmn/go-cache"

	"orderLifecycleBot/internal/domain"
)

// SubmitGuard suppresses duplicate submissions of the same intent within a TTL.
// An intent is (symbol, side, size, price bucket); buckets are geometric so a
// bucket spans the same relative width at every price level.
type SubmitGuard struct {
	cache     *cache.Cache
	bucketLog float64
}

// NewSubmitGuard creates a guard remembering intents for ttl. bucketBps is the
// relative width of one price bucket.
func NewSubmitGuard(ttl time.Duration, bucketBps float64) *SubmitGuard {
	if bucketBps <= 0 {
		bucketBps = 10
	}
	return &SubmitGuard{
		cache:     cache.New(ttl, 2*ttl),
		bucketLog: math.Log1p(bucketBps / 10000),
	}
}

// Key builds the intent key.
func (g *SubmitGuard) Key(symbol string, side domain.OrderSide, size string, price float64) string {
	bucket := int64(0)
	if price > 0 {
		bucket = int64(math.Floor(math.Log(price) / g.bucketLog))
	}
	return fmt.Sprintf("%s|%s|%s|%d", symbol, side, size, bucket)
}

// Claim records key for tradeID. If the intent is already claimed the
// original trade id is returned with ok == false.
func (g *SubmitGuard) Claim(key, tradeID string) (existing string, ok bool) {
	if err := g.cache.Add(key, tradeID, cache.DefaultExpiration); err != nil {
		if v, found := g.cache.Get(key); found {
			return v.(string), false
		}
		// Expired between Add and Get.
		g.cache.SetDefault(key, tradeID)
	}
	return tradeID, true
}

// Release forgets key, allowing the intent to be submitted again.
func (g *SubmitGuard) Release(key string) {
	g.cache.Delete(key)
}

// Package retry provides the bounded, jittered exponential backoff policy
// used for every exchange call that may fail transiently.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"orderLifecycleBot/internal/ports"
)

// Policy bounds retries of one remote call.
type Policy struct {
	MaxAttempts int           // Total attempts including the first
	BaseDelay   time.Duration // Delay before the second attempt
	Multiplier  float64       // Growth factor between delays
	MaxDelay    time.Duration // Cap on a single delay
	CallTimeout time.Duration // Per-attempt timeout; zero disables it
	Jitter      bool

	// Retryable overrides ports.IsTransient when set.
	Retryable func(error) bool
	// OnRetry is called before sleeping; used for logging.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy is used when configuration leaves fields unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Second,
		CallTimeout: 10 * time.Second,
		Jitter:      true,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. The last error is returned wrapped with op.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p = p.normalized()
	retryable := p.Retryable
	if retryable == nil {
		retryable = ports.IsTransient
	}
	b := &backoff.Backoff{
		Min:    p.BaseDelay,
		Max:    p.MaxDelay,
		Factor: p.Multiplier,
		Jitter: p.Jitter,
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = p.call(ctx, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == p.MaxAttempts {
			break
		}
		delay := b.Duration()
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w: %w", op, ports.ErrContextCanceled, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (p Policy) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.CallTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

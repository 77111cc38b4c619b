package ratelimit

import (
	"context"
	"time"

	"github.com/MimeLyc/scriptbatch/internal/telemetry"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

// Limiter blocks provider calls until the shared bucket hands out a token.
type Limiter struct {
	bucket *TokenBucket
	key    string
	poll   time.Duration
}

// NewLimiter binds a bucket to one key, usually the backend name.
func NewLimiter(bucket *TokenBucket, key string) *Limiter {
	poll := 250 * time.Millisecond
	if bucket.refill > 0 {
		if d := time.Duration(float64(time.Second) / bucket.refill); d < poll {
			poll = d
		}
	}
	return &Limiter{bucket: bucket, key: "scriptbatch:ratelimit:" + key, poll: poll}
}

// Wait returns once a token was consumed or ctx is done. A redis failure
// lets the call through: the limiter only smooths load and must not stop
// generation when redis is unavailable.
func (l *Limiter) Wait(ctx context.Context) error {
	waited := false
	for {
		allowed, _, err := l.bucket.Allow(ctx, l.key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("rate limiter unavailable, continuing without it: %v", err)
			return nil
		}
		if allowed {
			return nil
		}
		if !waited {
			waited = true
			telemetry.RateLimitWaits.Inc()
		}

		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

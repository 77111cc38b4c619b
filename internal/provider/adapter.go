package provider

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/MimeLyc/scriptbatch/internal/credential"
	"github.com/MimeLyc/scriptbatch/internal/telemetry"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

// RetryPolicy is capped exponential backoff. Attempts are 1-based.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
	}
}

// Delay returns the pause after the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		return p.MaxDelay
	}
	return d
}

// Adapter wraps a Backend with credential rotation, classification and
// retries. It implements Provider.
type Adapter struct {
	backend     Backend
	pool        *credential.Pool
	fallbackKey string
	policy      RetryPolicy
	limiter     Limiter
	sleep       func(ctx context.Context, d time.Duration) error
}

type AdapterOption func(*Adapter)

func WithRetryPolicy(p RetryPolicy) AdapterOption {
	return func(a *Adapter) {
		if p.MaxAttempts > 0 {
			a.policy = p
		}
	}
}

// WithFallbackKey sets the operator credential used when the pool has nothing usable.
func WithFallbackKey(key string) AdapterOption {
	return func(a *Adapter) {
		a.fallbackKey = key
	}
}

func WithLimiter(l Limiter) AdapterOption {
	return func(a *Adapter) {
		a.limiter = l
	}
}

// NewAdapter creates an adapter. pool may be nil when only a fallback key is used.
func NewAdapter(backend Backend, pool *credential.Pool, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		backend: backend,
		pool:    pool,
		policy:  DefaultRetryPolicy(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string {
	return a.backend.Name()
}

func (a *Adapter) IsAvailable() bool {
	return a.fallbackKey != "" || (a.pool != nil && a.pool.HasUsable())
}

// Generate runs one call. Rate-limited and rejected credentials are rotated
// without consuming an attempt while another credential is usable; service
// errors are retried with backoff when transient.
func (a *Adapter) Generate(ctx context.Context, req Request) (*Response, error) {
	name := a.backend.Name()
	rotations := 0
	maxRotations := 1
	if a.pool != nil {
		maxRotations += a.pool.Len()
	}

	var lastErr *Error
	for attempt := 1; ; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key, pooled, ok := a.credential()
		if !ok {
			if lastErr != nil {
				return nil, fmt.Errorf("%s: %w (last error: %v)", name, ErrNoCredential, lastErr)
			}
			return nil, &Error{Kind: KindInvalidCredential, Backend: name, Message: ErrNoCredential.Error(), Err: ErrNoCredential}
		}

		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := a.backend.Complete(ctx, key, req)
		if err == nil {
			if pooled {
				a.pool.ReportSuccess(key)
			}
			telemetry.ProviderCalls.WithLabelValues(name, "ok").Inc()
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		perr := Classify(name, err)
		lastErr = perr
		telemetry.ProviderCalls.WithLabelValues(name, string(perr.Kind)).Inc()
		if pooled {
			a.pool.ReportFailure(key, perr.poolText())
		}
		log.Warn("%s call failed with %s (attempt %d/%d, key %s): %s",
			name, perr.Kind, attempt, a.policy.MaxAttempts, credential.Mask(key), perr.Message)

		if perr.Kind != KindService && rotations < maxRotations && a.hasAlternative(pooled) {
			rotations++
			telemetry.ProviderRetries.WithLabelValues(string(perr.Kind)).Inc()
			continue
		}
		if perr.Kind == KindInvalidCredential || !perr.Retryable {
			return nil, perr
		}
		if attempt >= a.policy.MaxAttempts {
			return nil, fmt.Errorf("%s: giving up after %d attempts: %w", name, attempt, perr)
		}

		delay := a.policy.Delay(attempt)
		if perr.RetryAfter > delay {
			delay = perr.RetryAfter
			if a.policy.MaxDelay > 0 && delay > a.policy.MaxDelay {
				delay = a.policy.MaxDelay
			}
		}
		telemetry.ProviderRetries.WithLabelValues(string(perr.Kind)).Inc()
		if err := a.sleep(ctx, delay); err != nil {
			return nil, err
		}
		attempt++
	}
}

func (a *Adapter) credential() (key string, pooled bool, ok bool) {
	if a.pool != nil {
		if c, found := a.pool.Next(); found {
			return c.Key, true, true
		}
	}
	if a.fallbackKey != "" {
		return a.fallbackKey, false, true
	}
	return "", false, false
}

// hasAlternative reports whether rotating would hand out a different key.
func (a *Adapter) hasAlternative(pooled bool) bool {
	if a.pool != nil && a.pool.HasUsable() {
		return true
	}
	return pooled && a.fallbackKey != ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

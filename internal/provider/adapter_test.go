package provider

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/MimeLyc/scriptbatch/internal/credential"
	"github.com/MimeLyc/scriptbatch/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedBackend returns the queued outcome for each call and records the
// key used.
type scriptedBackend struct {
	mu       sync.Mutex
	outcomes []error
	keys     []string
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Complete(_ context.Context, apiKey string, _ Request) (*Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, apiKey)
	if len(b.outcomes) == 0 {
		return &Response{Content: "ok:" + apiKey, FinishReason: FinishStop}, nil
	}
	err := b.outcomes[0]
	b.outcomes = b.outcomes[1:]
	if err != nil {
		return nil, err
	}
	return &Response{Content: "ok:" + apiKey, FinishReason: FinishStop}, nil
}

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestAdapter(b Backend, pool *credential.Pool, opts ...AdapterOption) (*Adapter, *recordedSleeps) {
	a := NewAdapter(b, pool, opts...)
	rec := &recordedSleeps{}
	a.sleep = rec.sleep
	return a, rec
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(60))
}

func TestAdapter_RotatesOnRateLimitWithoutSleeping(t *testing.T) {
	pool := credential.NewPool()
	pool.Add("key-a key-b")
	backend := &scriptedBackend{outcomes: []error{
		&llm.APIError{StatusCode: http.StatusTooManyRequests, Body: "quota exceeded"},
	}}
	a, rec := newTestAdapter(backend, pool)

	resp, err := a.Generate(context.Background(), Request{UserMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok:key-b", resp.Content)
	assert.Equal(t, []string{"key-a", "key-b"}, backend.keys)
	assert.Empty(t, rec.delays)

	statuses := map[string]credential.Status{}
	for _, c := range pool.List() {
		statuses[c.Key] = c.Status
	}
	assert.Equal(t, credential.StatusRateLimited, statuses["key-a"])
	assert.Equal(t, credential.StatusActive, statuses["key-b"])
}

func TestAdapter_InvalidCredentialFallsThroughToFallbackKey(t *testing.T) {
	pool := credential.NewPool()
	pool.Add("bad")
	backend := &scriptedBackend{outcomes: []error{
		&StatusError{StatusCode: http.StatusBadRequest, Message: "INVALID_ARGUMENT: API key not valid. Please pass a valid API key."},
	}}
	a, _ := newTestAdapter(backend, pool, WithFallbackKey("operator"))

	resp, err := a.Generate(context.Background(), Request{UserMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok:operator", resp.Content)
	assert.Equal(t, credential.StatusDead, pool.List()[0].Status)
}

func TestAdapter_InvalidCredentialIsTerminalWhenNoneLeft(t *testing.T) {
	pool := credential.NewPool()
	pool.Add("only")
	backend := &scriptedBackend{outcomes: []error{
		&StatusError{StatusCode: http.StatusUnauthorized, Message: "invalid x-api-key"},
	}}
	a, rec := newTestAdapter(backend, pool)

	_, err := a.Generate(context.Background(), Request{UserMessage: "hi"})
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindInvalidCredential, perr.Kind)
	assert.False(t, perr.Retryable)
	assert.Len(t, backend.keys, 1)
	assert.Empty(t, rec.delays)
}

func TestAdapter_RetriesTransientServiceErrorsWithBackoff(t *testing.T) {
	backend := &scriptedBackend{outcomes: []error{
		&StatusError{StatusCode: http.StatusServiceUnavailable, Message: "overloaded"},
		errors.New("read tcp: connection reset by peer"),
	}}
	a, rec := newTestAdapter(backend, nil, WithFallbackKey("k"))

	resp, err := a.Generate(context.Background(), Request{UserMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok:k", resp.Content)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
}

func TestAdapter_GivesUpAfterMaxAttempts(t *testing.T) {
	fail := &StatusError{StatusCode: http.StatusInternalServerError, Message: "internal error"}
	backend := &scriptedBackend{outcomes: []error{fail, fail, fail, fail}}
	a, rec := newTestAdapter(backend, nil, WithFallbackKey("k"))

	_, err := a.Generate(context.Background(), Request{UserMessage: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.Len(t, backend.keys, 3)
	assert.Len(t, rec.delays, 2)
}

func TestAdapter_NonRetryableServiceErrorSurfacesImmediately(t *testing.T) {
	backend := &scriptedBackend{outcomes: []error{
		&StatusError{StatusCode: http.StatusBadRequest, Message: "model not found"},
	}}
	a, rec := newTestAdapter(backend, nil, WithFallbackKey("k"))

	_, err := a.Generate(context.Background(), Request{UserMessage: "hi"})
	require.Error(t, err)
	assert.Len(t, backend.keys, 1)
	assert.Empty(t, rec.delays)
}

func TestAdapter_RateLimitedSingleKeyHonoursRetryAfter(t *testing.T) {
	backend := &scriptedBackend{outcomes: []error{
		&StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 4 * time.Second, Message: "slow down"},
		&StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Minute, Message: "slow down"},
	}}
	a, rec := newTestAdapter(backend, nil, WithFallbackKey("k"))

	_, err := a.Generate(context.Background(), Request{UserMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{4 * time.Second, 10 * time.Second}, rec.delays)
}

func TestAdapter_NoCredential(t *testing.T) {
	a, _ := newTestAdapter(&scriptedBackend{}, credential.NewPool())
	assert.False(t, a.IsAvailable())

	_, err := a.Generate(context.Background(), Request{UserMessage: "hi"})
	assert.ErrorIs(t, err, ErrNoCredential)
}

type countingLimiter struct{ calls int }

func (l *countingLimiter) Wait(context.Context) error {
	l.calls++
	return nil
}

func TestAdapter_UsesLimiterPerCall(t *testing.T) {
	limiter := &countingLimiter{}
	backend := &scriptedBackend{outcomes: []error{errors.New("request timed out")}}
	a, _ := newTestAdapter(backend, nil, WithFallbackKey("k"), WithLimiter(limiter))

	_, err := a.Generate(context.Background(), Request{UserMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 2, limiter.calls)
	assert.Equal(t, "scripted", a.Name())
	assert.True(t, a.IsAvailable())
}

func TestAdapter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a, _ := newTestAdapter(&scriptedBackend{}, nil, WithFallbackKey("k"))

	_, err := a.Generate(ctx, Request{UserMessage: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"http 429", &llm.APIError{StatusCode: 429}, KindRateLimited, true},
		{"quota text", errors.New("RESOURCE_EXHAUSTED: quota"), KindRateLimited, true},
		{"http 403", &StatusError{StatusCode: 403, Message: "forbidden"}, KindInvalidCredential, false},
		{"http 502", &StatusError{StatusCode: 502, Message: "bad gateway"}, KindService, true},
		{"overloaded", errors.New("Overloaded"), KindService, true},
		{"bad request", &StatusError{StatusCode: 400, Message: "invalid model"}, KindService, false},
		{"cancelled", context.Canceled, KindService, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("b", tt.err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.retryable, got.Retryable)
		})
	}
}

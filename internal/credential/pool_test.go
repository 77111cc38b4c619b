package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestPool_Add_ParsesDelimitedInputAndDeduplicates(t *testing.T) {
	p := NewPool()

	added := p.Add("key-a, key-b;key-c\nkey-a\t key-d  \"key-e\"\n\n")
	assert.Equal(t, 5, added)

	added = p.Add("key-b key-f")
	assert.Equal(t, 1, added)

	list := p.List()
	require.Len(t, list, 6)
	keys := make([]string, 0, len(list))
	for _, c := range list {
		keys = append(keys, c.Key)
		assert.Equal(t, StatusUnknown, c.Status)
	}
	assert.Equal(t, []string{"key-a", "key-b", "key-c", "key-d", "key-e", "key-f"}, keys)
}

func TestPool_Next_EmptyPool(t *testing.T) {
	p := NewPool()
	_, ok := p.Next()
	assert.False(t, ok)
	assert.False(t, p.HasUsable())
}

func TestPool_Next_Fairness(t *testing.T) {
	for _, tc := range []struct{ n, m int }{{3, 3}, {3, 10}, {4, 17}, {5, 100}} {
		t.Run(fmt.Sprintf("n=%d,m=%d", tc.n, tc.m), func(t *testing.T) {
			p := NewPool()
			for i := 0; i < tc.n; i++ {
				p.Add(fmt.Sprintf("key-%d", i))
				p.ReportSuccess(fmt.Sprintf("key-%d", i))
			}

			counts := make(map[string]int)
			for i := 0; i < tc.m; i++ {
				c, ok := p.Next()
				require.True(t, ok)
				counts[c.Key]++
			}

			floor := tc.m / tc.n
			ceil := floor
			if tc.m%tc.n != 0 {
				ceil++
			}
			require.Len(t, counts, tc.n)
			for key, got := range counts {
				assert.GreaterOrEqual(t, got, floor, key)
				assert.LessOrEqual(t, got, ceil, key)
			}
		})
	}
}

func TestPool_Next_SkipsDead(t *testing.T) {
	p := NewPool()
	p.Add("a,b,c")
	assert.Equal(t, StatusDead, p.ReportFailure("b", "401 Unauthorized: invalid api key"))

	seen := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		c, ok := p.Next()
		require.True(t, ok)
		seen = append(seen, c.Key)
	}
	assert.Equal(t, []string{"a", "c", "a", "c"}, seen)
}

func TestPool_RateLimitTransition(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	p := NewPool(WithClock(clock.Now), WithRecoveryWindow(5*time.Minute))
	p.Add("only")

	status := p.ReportFailure("only", "HTTP 429: Resource has been exhausted (e.g. check quota)")
	require.Equal(t, StatusRateLimited, status)

	list := p.List()
	require.Len(t, list, 1)
	assert.Equal(t, clock.Now().Add(5*time.Minute), list[0].RateLimitResetAt)

	_, ok := p.Next()
	assert.False(t, ok, "resting credential must not be handed out")

	clock.Advance(5 * time.Minute)
	c, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, "only", c.Key)
	assert.Equal(t, StatusActive, c.Status)
	assert.True(t, c.RateLimitResetAt.IsZero())
}

func TestPool_ReportFailure_ConsecutiveUnclassifiedErrorsKill(t *testing.T) {
	p := NewPool()
	p.Add("k")

	assert.Equal(t, StatusUnknown, p.ReportFailure("k", "connection reset by peer"))
	assert.Equal(t, StatusUnknown, p.ReportFailure("k", "unexpected EOF"))
	assert.Equal(t, StatusDead, p.ReportFailure("k", "weird failure"))

	_, ok := p.Next()
	assert.False(t, ok)
}

func TestPool_ReportSuccess_ResetsErrorStreak(t *testing.T) {
	p := NewPool()
	p.Add("k")

	p.ReportFailure("k", "boom")
	p.ReportFailure("k", "boom")
	p.ReportSuccess("k")
	assert.Equal(t, StatusActive, p.ReportFailure("k", "boom"))

	list := p.List()
	assert.Equal(t, 1, list[0].ConsecutiveErrors)
	assert.Equal(t, "boom", list[0].LastError)
}

func TestPool_ReportFailure_UnknownKey(t *testing.T) {
	p := NewPool()
	assert.Equal(t, StatusUnknown, p.ReportFailure("missing", "429"))
}

func TestPool_Remove(t *testing.T) {
	p := NewPool()
	p.Add("a b c")

	first, _ := p.Next()
	assert.Equal(t, "a", first.Key)

	assert.True(t, p.Remove("a"))
	assert.False(t, p.Remove("a"))

	next, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, "b", next.Key)
	assert.Equal(t, 2, p.Len())
}

func TestPool_Restore(t *testing.T) {
	p := NewPool()
	p.Restore([]Credential{
		{Key: "a", Status: StatusActive, UsageCount: 4},
		{Key: "b", Status: StatusChecking},
		{Key: "a", Status: StatusDead},
		{Key: ""},
	})

	list := p.List()
	require.Len(t, list, 2)
	assert.Equal(t, 4, list[0].UsageCount)
	assert.Equal(t, StatusUnknown, list[1].Status)

	stats := p.Stats()
	assert.Equal(t, 1, stats[StatusActive])
	assert.Equal(t, 1, stats[StatusUnknown])
}

func TestPool_Verify(t *testing.T) {
	p := NewPool()
	p.Add("good bad flaky")

	p.Verify(context.Background(), func(_ context.Context, key string) error {
		switch key {
		case "bad":
			return errors.New("403 permission denied")
		case "flaky":
			return errors.New("timeout")
		default:
			return nil
		}
	})

	statuses := make(map[string]Status)
	for _, c := range p.List() {
		statuses[c.Key] = c.Status
	}
	assert.Equal(t, StatusActive, statuses["good"])
	assert.Equal(t, StatusDead, statuses["bad"])
	assert.Equal(t, StatusUnknown, statuses["flaky"])
}

func TestPool_ConcurrentAccess(t *testing.T) {
	p := NewPool(WithMaxConsecutiveErrors(1 << 20))
	p.Add("a b c d")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c, ok := p.Next()
				if !ok {
					continue
				}
				if j%7 == 0 {
					p.ReportFailure(c.Key, "transient")
				} else {
					p.ReportSuccess(c.Key)
				}
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, c := range p.List() {
		total += c.UsageCount
	}
	assert.Equal(t, 32*50, total)
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		msg  string
		want FailureKind
	}{
		{"status 429 Too Many Requests", FailureRateLimit},
		{"RESOURCE_EXHAUSTED: quota exceeded for api key", FailureRateLimit},
		{"API key not valid. Please pass a valid API key.", FailureAuth},
		{"PERMISSION_DENIED", FailureAuth},
		{"503 service unavailable", FailureOther},
		{"", FailureOther},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFailure(tt.msg))
		})
	}
}

func TestMask(t *testing.T) {
	assert.Equal(t, "sk-a****wxyz", Mask("sk-abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "*****", Mask("short"))
}

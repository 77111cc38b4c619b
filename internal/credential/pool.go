package credential

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/MimeLyc/scriptbatch/internal/telemetry"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

const (
	DefaultRecoveryWindow       = 5 * time.Minute
	DefaultMaxConsecutiveErrors = 3
)

// Pool hands out API credentials round-robin and tracks their health.
// All state transitions happen under a single mutex, so a Pool may be shared
// by every concurrently running job.
type Pool struct {
	recoveryWindow time.Duration
	maxErrors      int
	now            func() time.Time

	mu     sync.Mutex
	creds  []*Credential
	index  map[string]int
	cursor int
}

type Option func(*Pool)

// WithRecoveryWindow sets how long a rate-limited credential rests.
func WithRecoveryWindow(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.recoveryWindow = d
		}
	}
}

// WithMaxConsecutiveErrors sets how many unclassified failures kill a credential.
func WithMaxConsecutiveErrors(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxErrors = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPool(opts ...Option) *Pool {
	p := &Pool{
		recoveryWindow: DefaultRecoveryWindow,
		maxErrors:      DefaultMaxConsecutiveErrors,
		now:            time.Now,
		index:          make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add parses a free-form batch of secrets separated by newlines, commas,
// semicolons or whitespace and appends the new ones with status unknown.
// It returns how many credentials were added.
func (p *Pool) Add(raw string) int {
	candidates := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	now := p.now()
	for _, key := range candidates {
		key = strings.Trim(key, "\"'`")
		if key == "" {
			continue
		}
		if _, exists := p.index[key]; exists {
			continue
		}
		p.index[key] = len(p.creds)
		p.creds = append(p.creds, &Credential{
			Key:     key,
			Status:  StatusUnknown,
			AddedAt: now,
		})
		added++
	}
	if added > 0 {
		log.Info("Credential pool: added %d credential(s), %d total", added, len(p.creds))
	}
	return added
}

// Next returns the next usable credential after the cursor. Dead and resting
// credentials are skipped; a rate-limited credential whose window has passed
// becomes active again. The boolean is false when nothing is usable.
func (p *Pool) Next() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	if n == 0 {
		return Credential{}, false
	}
	now := p.now()
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		c := p.creds[idx]
		if !p.usableLocked(c, now) {
			continue
		}
		p.cursor = (idx + 1) % n
		c.UsageCount++
		return *c, true
	}
	return Credential{}, false
}

// HasUsable reports whether Next would return a credential right now.
func (p *Pool) HasUsable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, c := range p.creds {
		if c.Status == StatusDead {
			continue
		}
		if c.Status == StatusRateLimited && now.Before(c.RateLimitResetAt) {
			continue
		}
		return true
	}
	return false
}

func (p *Pool) usableLocked(c *Credential, now time.Time) bool {
	switch c.Status {
	case StatusDead:
		return false
	case StatusRateLimited:
		if now.Before(c.RateLimitResetAt) {
			return false
		}
		c.Status = StatusActive
		c.RateLimitResetAt = time.Time{}
		telemetry.CredentialTransitions.WithLabelValues(string(StatusActive)).Inc()
		log.Info("Credential %s recovered from rate limit", Mask(c.Key))
		return true
	default:
		return true
	}
}

// ReportSuccess marks the credential active and clears its error streak.
func (p *Pool) ReportSuccess(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.lookupLocked(key)
	if c == nil {
		return
	}
	if c.Status != StatusActive {
		telemetry.CredentialTransitions.WithLabelValues(string(StatusActive)).Inc()
	}
	c.Status = StatusActive
	c.ConsecutiveErrors = 0
	c.LastError = ""
	c.RateLimitResetAt = time.Time{}
}

// ReportFailure classifies errText and updates the credential. It returns the
// resulting status, or StatusUnknown when the key is not part of the pool.
func (p *Pool) ReportFailure(key string, errText string) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.lookupLocked(key)
	if c == nil {
		return StatusUnknown
	}
	c.LastError = errText
	before := c.Status

	switch ClassifyFailure(errText) {
	case FailureRateLimit:
		c.Status = StatusRateLimited
		c.RateLimitResetAt = p.now().Add(p.recoveryWindow)
	case FailureAuth:
		c.Status = StatusDead
	default:
		c.ConsecutiveErrors++
		if c.ConsecutiveErrors >= p.maxErrors {
			c.Status = StatusDead
		}
	}

	if c.Status != before {
		telemetry.CredentialTransitions.WithLabelValues(string(c.Status)).Inc()
		log.Warn("Credential %s: %s -> %s (%s)", Mask(c.Key), before, c.Status, truncate(errText, 120))
	}
	return c.Status
}

// Remove deletes a credential. This is the only way credentials leave the pool.
func (p *Pool) Remove(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.index[key]
	if !ok {
		return false
	}
	p.creds = append(p.creds[:idx], p.creds[idx+1:]...)
	p.index = make(map[string]int, len(p.creds))
	for i, c := range p.creds {
		p.index[c.Key] = i
	}
	if idx < p.cursor {
		p.cursor--
	}
	if len(p.creds) == 0 || p.cursor >= len(p.creds) {
		p.cursor = 0
	}
	return true
}

// Restore replaces the pool contents with persisted credentials.
func (p *Pool) Restore(creds []Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds = make([]*Credential, 0, len(creds))
	p.index = make(map[string]int, len(creds))
	p.cursor = 0
	for _, c := range creds {
		if c.Key == "" {
			continue
		}
		if _, dup := p.index[c.Key]; dup {
			continue
		}
		if c.Status == StatusChecking {
			c.Status = StatusUnknown
		}
		tmp := c
		p.index[c.Key] = len(p.creds)
		p.creds = append(p.creds, &tmp)
	}
}

// List returns snapshots in insertion order.
func (p *Pool) List() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := make([]Credential, 0, len(p.creds))
	for _, c := range p.creds {
		ret = append(ret, *c)
	}
	return ret
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Stats counts credentials per status.
func (p *Pool) Stats() map[Status]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := make(map[Status]int)
	for _, c := range p.creds {
		ret[c.Status]++
	}
	return ret
}

// Probe performs a cheap authenticated call with the given key.
type Probe func(ctx context.Context, key string) error

// Verify probes every credential still in status unknown. Credentials are
// marked checking while their probe runs, then reported like any other call.
func (p *Pool) Verify(ctx context.Context, probe Probe) {
	p.mu.Lock()
	pending := make([]string, 0)
	for _, c := range p.creds {
		if c.Status == StatusUnknown {
			c.Status = StatusChecking
			pending = append(pending, c.Key)
		}
	}
	p.mu.Unlock()

	for i, key := range pending {
		if ctx.Err() != nil {
			p.resetChecking(pending[i:])
			return
		}
		if err := probe(ctx, key); err != nil {
			p.ReportFailure(key, err.Error())
			p.resetChecking([]string{key})
			continue
		}
		p.ReportSuccess(key)
	}
}

func (p *Pool) resetChecking(keys []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range keys {
		if c := p.lookupLocked(key); c != nil && c.Status == StatusChecking {
			c.Status = StatusUnknown
		}
	}
}

func (p *Pool) lookupLocked(key string) *Credential {
	idx, ok := p.index[key]
	if !ok {
		return nil
	}
	return p.creds[idx]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

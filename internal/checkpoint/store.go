package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/MimeLyc/scriptbatch/internal/jobs"
	"github.com/MimeLyc/scriptbatch/internal/telemetry"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

const (
	Version = "1.0"
	// MaxAge is how long a checkpoint stays resumable.
	MaxAge = 24 * time.Hour
)

var ErrNotFound = errors.New("checkpoint not found")

// Config is the run configuration captured with the checkpoint.
type Config struct {
	SceneCount   int     `json:"sceneCount"`
	WordMin      int     `json:"wordMin"`
	WordMax      int     `json:"wordMax"`
	DelaySeconds float64 `json:"delaySeconds"`
}

// State is the persisted session. LastUpdated is in epoch milliseconds.
type State struct {
	Jobs          []*jobs.Job `json:"jobs"`
	ProcessedJobs []*jobs.Job `json:"processedJobs"`
	Config        Config      `json:"config"`
	LastUpdated   int64       `json:"lastUpdated"`
	Version       string      `json:"version"`
}

func (s *State) UpdatedAt() time.Time {
	return time.UnixMilli(s.LastUpdated)
}

// PendingCount counts jobs that still have work.
func (s *State) PendingCount() int {
	n := 0
	for _, j := range s.Jobs {
		if j != nil && !j.Status.Terminal() {
			n++
		}
	}
	return n
}

// Backend stores one serialized checkpoint.
type Backend interface {
	Write(ctx context.Context, data []byte) error
	// Read returns ErrNotFound when nothing is stored.
	Read(ctx context.Context) ([]byte, error)
	Remove(ctx context.Context) error
}

// Store writes checkpoints through a Backend. SaveAsync keeps a single
// latest-wins slot drained by one writer goroutine, so writes never overlap
// and never block the caller.
type Store struct {
	backend Backend
	now     func() time.Time

	writeMu sync.Mutex

	mu      sync.Mutex
	slot    *State
	failed  *State
	writing bool
	idle    chan struct{}
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save writes st synchronously, stamping version and time.
func (s *Store) Save(ctx context.Context, st State) error {
	st.Version = Version
	st.LastUpdated = s.now().UnixMilli()
	if st.Jobs == nil {
		st.Jobs = []*jobs.Job{}
	}
	if st.ProcessedJobs == nil {
		st.ProcessedJobs = []*jobs.Job{}
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}

	s.writeMu.Lock()
	err = s.backend.Write(ctx, data)
	s.writeMu.Unlock()
	if err != nil {
		telemetry.CheckpointWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	telemetry.CheckpointWrites.WithLabelValues("ok").Inc()

	s.mu.Lock()
	s.failed = nil
	s.mu.Unlock()
	return nil
}

// SaveAsync queues st for writing. A newer state replaces an unwritten one.
// A failed write is logged and the state is written again by the next
// SaveAsync or Flush.
func (s *Store) SaveAsync(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slot = &st
	s.failed = nil
	if s.writing {
		return
	}
	s.writing = true
	s.idle = make(chan struct{})
	go s.drain(s.idle)
}

func (s *Store) drain(idle chan struct{}) {
	defer close(idle)
	for {
		s.mu.Lock()
		st := s.slot
		s.slot = nil
		if st == nil {
			s.writing = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.Save(context.Background(), *st); err != nil {
			log.Warn("Checkpoint write failed, retrying on next save: %v", err)
			s.mu.Lock()
			if s.slot == nil {
				s.failed = st
			}
			s.mu.Unlock()
		}
	}
}

// Flush waits for pending asynchronous writes and retries a failed one.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	st := s.failed
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	return s.Save(ctx, *st)
}

func (s *Store) wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load reads the stored state. It returns ErrNotFound when there is none.
func (s *Store) Load(ctx context.Context) (*State, error) {
	data, err := s.backend.Read(ctx)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("checkpoint: decode: %w", err)
	}
	if st.Version != Version {
		return nil, fmt.Errorf("checkpoint: unsupported version %q", st.Version)
	}
	return &st, nil
}

// HasResumable reports whether a checkpoint younger than MaxAge with at
// least one pending job exists.
func (s *Store) HasResumable(ctx context.Context) bool {
	st, err := s.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn("Checkpoint unreadable: %v", err)
		}
		return false
	}
	return s.now().Sub(st.UpdatedAt()) < MaxAge && st.PendingCount() > 0
}

// AgeOf describes how long ago st was written, e.g. "3 minutes ago".
func (s *Store) AgeOf(st State) string {
	return humanize.RelTime(st.UpdatedAt(), s.now(), "ago", "from now")
}

// Clear drops queued writes and removes the stored checkpoint.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.slot = nil
	s.failed = nil
	s.mu.Unlock()
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.backend.Remove(ctx); err != nil {
		return fmt.Errorf("checkpoint: remove: %w", err)
	}
	return nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/scriptbatch/internal/batch"
	"github.com/MimeLyc/scriptbatch/internal/checkpoint"
	"github.com/MimeLyc/scriptbatch/internal/config"
	"github.com/MimeLyc/scriptbatch/internal/credential"
	"github.com/MimeLyc/scriptbatch/internal/export"
	"github.com/MimeLyc/scriptbatch/internal/jobs"
	"github.com/MimeLyc/scriptbatch/internal/prompts"
	"github.com/MimeLyc/scriptbatch/internal/provider"
	"github.com/MimeLyc/scriptbatch/pkg/icron"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

var ErrNothingToResume = errors.New("no resumable session")

// CredentialStore persists the credential pool across restarts.
type CredentialStore interface {
	SaveCredentials(ctx context.Context, creds []credential.Credential) error
	LoadCredentials(ctx context.Context) ([]credential.Credential, error)
}

// ProviderFactory rebuilds the provider when runtime settings change the model.
type ProviderFactory func(cfg config.LLMConfig) (provider.Provider, error)

// Deps are the collaborators of a Service. Pool, Provider, Library, Queue and
// Checkpoints are required.
type Deps struct {
	Pool        *credential.Pool
	Provider    provider.Provider
	NewProvider ProviderFactory
	Probe       credential.Probe
	Library     *prompts.Library
	Queue       *jobs.Queue
	Checkpoints *checkpoint.Store
	Credentials CredentialStore
	Exporter    *export.Exporter
	Cron        *cron.Cron
}

// Service owns the job queue and runs it through the pipeline.
type Service struct {
	pool        *credential.Pool
	newProvider ProviderFactory
	probe       credential.Probe
	library     *prompts.Library
	queue       *jobs.Queue
	checkpoints *checkpoint.Store
	credStore   CredentialStore
	exporter    *export.Exporter
	cron        *cron.Cron

	mu        sync.RWMutex
	cfg       config.Config
	provider  provider.Provider
	cronEntry cron.EntryID
	scheduled bool

	flight  singleflight.Group
	running atomic.Bool

	subMu   sync.RWMutex
	subs    map[int]batch.ProgressFunc
	nextSub int
}

func New(cfg config.Config, deps Deps) (*Service, error) {
	switch {
	case deps.Pool == nil:
		return nil, fmt.Errorf("service: credential pool is required")
	case deps.Provider == nil:
		return nil, fmt.Errorf("service: provider is required")
	case deps.Library == nil:
		return nil, fmt.Errorf("service: prompt library is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("service: job queue is required")
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("service: checkpoint store is required")
	}
	return &Service{
		cfg:         cfg,
		pool:        deps.Pool,
		provider:    deps.Provider,
		newProvider: deps.NewProvider,
		probe:       deps.Probe,
		library:     deps.Library,
		queue:       deps.Queue,
		checkpoints: deps.Checkpoints,
		credStore:   deps.Credentials,
		exporter:    deps.Exporter,
		cron:        deps.Cron,
		subs:        make(map[int]batch.ProgressFunc),
	}, nil
}

// Config returns a copy of the current configuration.
func (s *Service) Config() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) snapshot() (config.Config, provider.Provider) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.provider
}

// Enqueue adds one input. An unfinished job with the same input is returned
// instead with created=false.
func (s *Service) Enqueue(input, source string) (*jobs.Job, bool, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, false, fmt.Errorf("input is required")
	}
	job, created := s.queue.Enqueue(jobs.EnqueueRequest{Source: source, Input: input})
	if created {
		s.Checkpoint(s.queue.Pending(), s.queue.Processed())
	}
	return job, created, nil
}

func (s *Service) Jobs() []*jobs.Job {
	return s.queue.List()
}

func (s *Service) Job(id string) (*jobs.Job, bool) {
	return s.queue.Get(id)
}

// RemoveJob drops a job that is not being processed.
func (s *Service) RemoveJob(id string) (bool, error) {
	job, ok := s.queue.Get(id)
	if !ok {
		return false, nil
	}
	if job.Status == jobs.StatusProcessing {
		return false, fmt.Errorf("job %s is processing", id)
	}
	removed := s.queue.Remove(id)
	if removed {
		s.Checkpoint(s.queue.Pending(), s.queue.Processed())
	}
	return removed, nil
}

// Run processes every pending job. Concurrent callers share one run.
func (s *Service) Run(ctx context.Context) (*RunResult, error) {
	v, err, shared := s.flight.Do("run", func() (any, error) {
		return s.run(ctx)
	})
	summary, _ := v.(*jobs.Summary)
	return &RunResult{Summary: summary, Shared: shared}, err
}

func (s *Service) run(ctx context.Context) (*jobs.Summary, error) {
	cfg, p := s.snapshot()
	pending := len(s.queue.Pending())
	if pending == 0 {
		log.Info("Run: no pending jobs")
		return &jobs.Summary{}, nil
	}
	if !p.IsAvailable() {
		return nil, fmt.Errorf("run: %w", provider.ErrNoCredential)
	}

	s.running.Store(true)
	defer s.running.Store(false)
	log.Info("Run: %d pending jobs, %d scenes each, provider %s", pending, cfg.Generation.SceneCount, p.Name())

	pl := newPipeline(p, s.library, cfg.Generation, s.exporter, s.emit, s.checkpointJob)
	sched := jobs.NewScheduler(s.queue, pl.Execute,
		jobs.WithConcurrency(cfg.Scheduler.MaxConcurrency),
		jobs.WithChunkDelay(cfg.Scheduler.ChunkDelay),
		jobs.WithJobAttempts(cfg.Scheduler.JobMaxAttempts),
		jobs.WithBackoff(cfg.Scheduler.JobBackoff),
		jobs.WithBreakerThreshold(cfg.Scheduler.BreakerThreshold),
		jobs.WithCheckpointer(s),
	)
	summary, err := sched.Run(ctx)

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ferr := s.checkpoints.Flush(flushCtx); ferr != nil {
		log.Warn("Run: checkpoint flush failed: %v", ferr)
	}
	s.persistCredentials(flushCtx)

	if summary != nil {
		log.Info("Run finished in %s: %d completed, %d failed, %d remaining",
			summary.Duration.Round(time.Millisecond), summary.Completed, summary.Failed, summary.Remaining)
	}
	return summary, err
}

// Restore loads the stored session into the queue when the queue has no
// pending work of its own. It reports whether anything was restored.
func (s *Service) Restore(ctx context.Context) (bool, error) {
	if len(s.queue.Pending()) > 0 {
		return false, nil
	}
	if !s.checkpoints.HasResumable(ctx) {
		return false, nil
	}
	st, err := s.checkpoints.Load(ctx)
	if err != nil {
		return false, err
	}
	s.queue.Restore(st.Jobs, st.ProcessedJobs)
	log.Info("Restored session from %s: %d pending, %d processed",
		s.checkpoints.AgeOf(*st), st.PendingCount(), len(st.ProcessedJobs))
	return true, nil
}

// Resume restores the stored session if needed and runs it.
func (s *Service) Resume(ctx context.Context) (*RunResult, error) {
	if _, err := s.Restore(ctx); err != nil {
		return nil, err
	}
	if len(s.queue.Pending()) == 0 {
		return nil, ErrNothingToResume
	}
	return s.Run(ctx)
}

// Discard drops the stored session and every queued job.
func (s *Service) Discard(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("discard: a run is in progress")
	}
	if err := s.checkpoints.Clear(ctx); err != nil {
		return err
	}
	s.queue.Clear()
	log.Info("Session discarded")
	return nil
}

// Session describes the resumable state for the presentation layer.
func (s *Service) Session(ctx context.Context) Session {
	out := Session{Running: s.running.Load()}
	if st, err := s.checkpoints.Load(ctx); err == nil {
		out.PendingJobs = st.PendingCount()
		out.ProcessedJobs = len(st.ProcessedJobs)
		out.LastUpdated = st.UpdatedAt().UTC()
		out.Age = s.checkpoints.AgeOf(*st)
		out.Resumable = s.checkpoints.HasResumable(ctx)
	}
	cfg := s.Config()
	if expr := strings.TrimSpace(cfg.Scheduler.CronExpr); expr != "" {
		if info, err := icron.GetTriggerInfo(expr, time.Now()); err == nil {
			out.NextRun = info.Next
		}
	}
	return out
}

// Checkpoint satisfies jobs.Checkpointer.
func (s *Service) Checkpoint(pending, processed []*jobs.Job) {
	cfg := s.Config()
	s.checkpoints.SaveAsync(checkpoint.State{
		Jobs:          pending,
		ProcessedJobs: processed,
		Config: checkpoint.Config{
			SceneCount:   cfg.Generation.SceneCount,
			WordMin:      cfg.Generation.WordMin,
			WordMax:      cfg.Generation.WordMax,
			DelaySeconds: cfg.Generation.DelaySeconds,
		},
	})
}

// checkpointJob stores mid-job progress.
func (s *Service) checkpointJob(job *jobs.Job) {
	s.queue.Update(job)
	s.Checkpoint(s.queue.Pending(), s.queue.Processed())
}

// OnProgress subscribes fn to progress events and returns the unsubscribe func.
func (s *Service) OnProgress(fn batch.ProgressFunc) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Service) emit(p batch.Progress) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, fn := range s.subs {
		fn(p)
	}
}

// AddCredentials parses raw text into the pool and returns how many were new.
func (s *Service) AddCredentials(ctx context.Context, raw string) int {
	added := s.pool.Add(raw)
	if added > 0 {
		s.persistCredentials(ctx)
	}
	return added
}

func (s *Service) RemoveCredential(ctx context.Context, key string) bool {
	removed := s.pool.Remove(key)
	if removed {
		s.persistCredentials(ctx)
	}
	return removed
}

func (s *Service) Credentials() []credential.Credential {
	return s.pool.List()
}

// VerifyCredentials probes credentials that were never used.
func (s *Service) VerifyCredentials(ctx context.Context) error {
	if s.probe == nil {
		return fmt.Errorf("verify: no probe configured")
	}
	s.pool.Verify(ctx, s.probe)
	s.persistCredentials(ctx)
	return ctx.Err()
}

// LoadCredentials restores the persisted pool.
func (s *Service) LoadCredentials(ctx context.Context) error {
	if s.credStore == nil {
		return nil
	}
	creds, err := s.credStore.LoadCredentials(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if len(creds) > 0 {
		s.pool.Restore(creds)
		log.Info("Restored %d credential(s)", len(creds))
	}
	return nil
}

func (s *Service) persistCredentials(ctx context.Context) {
	if s.credStore == nil {
		return
	}
	if err := s.credStore.SaveCredentials(ctx, s.pool.List()); err != nil {
		log.Warn("Failed to persist credentials: %v", err)
	}
}

// Schedule registers the cron trigger. Each tick resumes the stored session
// or runs whatever is pending.
func (s *Service) Schedule(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleLocked(ctx, s.cfg.Scheduler.CronExpr)
}

func (s *Service) scheduleLocked(ctx context.Context, expr string) error {
	if s.cron == nil {
		return nil
	}
	if s.scheduled {
		s.cron.Remove(s.cronEntry)
		s.scheduled = false
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	id, err := s.cron.AddFunc(expr, func() {
		if _, err := s.Resume(ctx); err != nil && !errors.Is(err, ErrNothingToResume) {
			log.Error("Scheduled run failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", expr, err)
	}
	s.cronEntry = id
	s.scheduled = true
	log.Info("Scheduled runs with %q", expr)
	return nil
}

// ApplyRuntimeSettings updates the configuration used by the next run,
// reschedules cron and rebuilds the provider when the model changed.
func (s *Service) ApplyRuntimeSettings(ctx context.Context, next config.RuntimeSettings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg
	config.WithRuntimeSettings(next)(&cfg)
	if next.DelaySeconds == 0 {
		cfg.Generation.DelaySeconds = 0
	}
	if strings.TrimSpace(next.CronExpr) == "" {
		cfg.Scheduler.CronExpr = ""
	}

	prov := s.provider
	if cfg.LLM.Model != s.cfg.LLM.Model && s.newProvider != nil {
		p, err := s.newProvider(cfg.LLM)
		if err != nil {
			return fmt.Errorf("rebuild provider: %w", err)
		}
		prov = p
	}
	if cfg.Scheduler.CronExpr != s.cfg.Scheduler.CronExpr {
		if err := s.scheduleLocked(ctx, cfg.Scheduler.CronExpr); err != nil {
			return err
		}
	}
	s.cfg = cfg
	s.provider = prov
	log.Info("Runtime settings applied: model=%s scenes=%d words=%d-%d concurrency=%d",
		cfg.LLM.Model, cfg.Generation.SceneCount, cfg.Generation.WordMin, cfg.Generation.WordMax, cfg.Scheduler.MaxConcurrency)
	return nil
}

// Close flushes pending checkpoint writes and the credential pool.
func (s *Service) Close(ctx context.Context) error {
	s.persistCredentials(ctx)
	return s.checkpoints.Flush(ctx)
}

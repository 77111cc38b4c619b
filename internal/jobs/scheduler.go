package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/scriptbatch/internal/telemetry"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

// ErrCircuitOpen is wrapped by BreakerError.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerError stops a run after too many consecutive groups in which no
// job succeeded.
type BreakerError struct {
	ConsecutiveGroups int
	Group             int
}

func (e *BreakerError) Error() string {
	return fmt.Sprintf("%v: %d consecutive groups failed (last group %d)", ErrCircuitOpen, e.ConsecutiveGroups, e.Group)
}

func (e *BreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// Executor runs the remaining pipeline of job, mutating it in place.
type Executor func(ctx context.Context, job *Job) error

// Summary describes one scheduler run.
type Summary struct {
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Groups    int           `json:"groups"`
	Remaining int           `json:"remaining"`
	Cancelled bool          `json:"cancelled"`
	Duration  time.Duration `json:"duration"`
}

type Scheduler struct {
	queue            *Queue
	exec             Executor
	checkpointer     Checkpointer
	maxConcurrency   int
	chunkDelay       time.Duration
	maxAttempts      int
	backoff          time.Duration
	breakerThreshold int
	sleep            func(context.Context, time.Duration) error
}

type SchedulerOption func(*Scheduler)

func WithConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}

// WithChunkDelay sets the pause between groups.
func WithChunkDelay(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.chunkDelay = d
		}
	}
}

func WithJobAttempts(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff sets the first retry delay; it doubles per attempt.
func WithBackoff(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.backoff = d
		}
	}
}

func WithBreakerThreshold(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.breakerThreshold = n
		}
	}
}

func WithCheckpointer(c Checkpointer) SchedulerOption {
	return func(s *Scheduler) {
		s.checkpointer = c
	}
}

func NewScheduler(queue *Queue, exec Executor, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		queue:            queue,
		exec:             exec,
		maxConcurrency:   3,
		chunkDelay:       time.Second,
		maxAttempts:      3,
		backoff:          2 * time.Second,
		breakerThreshold: 2,
		sleep:            sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Partition splits jobs into consecutive groups of at most size.
func Partition(jobs []*Job, size int) [][]*Job {
	if size <= 0 {
		size = 1
	}
	var out [][]*Job
	for start := 0; start < len(jobs); start += size {
		out = append(out, jobs[start:min(start+size, len(jobs))])
	}
	return out
}

// Run processes every pending job. Groups run one after another and jobs in
// a group run concurrently. It returns a *BreakerError when the breaker trips
// and ctx.Err() when cancelled; the summary is valid in both cases.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	pending := s.queue.Pending()
	summary := &Summary{Total: len(pending)}
	telemetry.PendingJobsGauge.Set(float64(len(pending)))
	defer func() {
		summary.Duration = time.Since(start)
		summary.Remaining = len(s.queue.Pending())
		telemetry.PendingJobsGauge.Set(float64(summary.Remaining))
	}()

	groups := Partition(pending, s.maxConcurrency)
	failedGroups := 0
	for gi, group := range groups {
		if gi > 0 {
			if err := s.sleep(ctx, s.chunkDelay); err != nil {
				summary.Cancelled = true
				return summary, err
			}
		}
		if err := ctx.Err(); err != nil {
			summary.Cancelled = true
			return summary, err
		}

		summary.Groups++
		log.Info("Scheduler: group %d/%d with %d jobs", gi+1, len(groups), len(group))

		var succeeded, failed atomic.Int32
		var g errgroup.Group
		for _, job := range group {
			g.Go(func() error {
				switch s.runJob(ctx, job.ID) {
				case StatusCompleted:
					succeeded.Add(1)
				case StatusFailed:
					failed.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
		summary.Completed += int(succeeded.Load())
		summary.Failed += int(failed.Load())

		if err := ctx.Err(); err != nil {
			summary.Cancelled = true
			return summary, err
		}

		if succeeded.Load() == 0 && failed.Load() > 0 {
			failedGroups++
		} else {
			failedGroups = 0
		}
		if failedGroups >= s.breakerThreshold {
			telemetry.BreakerTrips.Inc()
			err := &BreakerError{ConsecutiveGroups: failedGroups, Group: gi + 1}
			log.Error("Scheduler: %v", err)
			return summary, err
		}
	}
	return summary, nil
}

// runJob runs one job with retries and returns its final status. A job
// interrupted by cancellation goes back to pending.
func (s *Scheduler) runJob(ctx context.Context, id string) Status {
	job, ok := s.queue.Begin(id)
	if !ok {
		return ""
	}
	s.checkpoint()

	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			telemetry.JobRetries.Inc()
			delay := s.backoff << (attempt - 2)
			log.Warn("Job %s attempt %d failed: %v; retrying in %s", job.ID, attempt-1, err, delay)
			if serr := s.sleep(ctx, delay); serr != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		job.Attempts++
		err = s.exec(ctx, job)
		if err == nil {
			s.queue.Complete(job)
			s.checkpoint()
			telemetry.JobsCompleted.Inc()
			log.Info("Job %s completed", job.ID)
			return StatusCompleted
		}
		s.queue.Update(job)
	}

	if ctx.Err() != nil {
		s.queue.Requeue(job)
		s.checkpoint()
		return StatusPending
	}

	s.queue.Fail(job, err)
	s.checkpoint()
	telemetry.JobsFailed.Inc()
	log.Error("Job %s failed after %d attempts: %v", job.ID, s.maxAttempts, err)
	return StatusFailed
}

func (s *Scheduler) checkpoint() {
	if s.checkpointer == nil {
		return
	}
	s.checkpointer.Checkpoint(s.queue.Pending(), s.queue.Processed())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

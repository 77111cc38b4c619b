package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCheckpointer struct {
	mu        sync.Mutex
	calls     int
	pending   []*Job
	processed []*Job
}

func (r *recordingCheckpointer) Checkpoint(pending, processed []*Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.pending = pending
	r.processed = processed
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func fillQueue(t *testing.T, n int) *Queue {
	t.Helper()
	q := NewQueue(nil)
	for i := 0; i < n; i++ {
		_, created := q.Enqueue(EnqueueRequest{Input: fmt.Sprintf("input-%d", i)})
		require.True(t, created)
	}
	return q
}

func newTestScheduler(q *Queue, exec Executor, opts ...SchedulerOption) (*Scheduler, *sleepRecorder) {
	s := NewScheduler(q, exec, opts...)
	rec := &sleepRecorder{}
	s.sleep = rec.sleep
	return s, rec
}

func TestPartition(t *testing.T) {
	q := fillQueue(t, 10)
	groups := Partition(q.Pending(), 3)

	sizes := make([]int, len(groups))
	for i, g := range groups {
		sizes[i] = len(g)
	}
	assert.Equal(t, []int{3, 3, 3, 1}, sizes)
	assert.Len(t, Partition(nil, 3), 0)
	assert.Len(t, Partition(q.Pending(), 0), 10)
}

func TestScheduler_TenJobsInGroupsOfThree(t *testing.T) {
	q := fillQueue(t, 10)
	var inFlight, peak atomic.Int32
	exec := func(_ context.Context, job *Job) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		job.CurrentStep = LastStep + 1
		return nil
	}

	cp := &recordingCheckpointer{}
	s, rec := newTestScheduler(q, exec,
		WithConcurrency(3), WithChunkDelay(time.Second), WithCheckpointer(cp))
	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, summary.Total)
	assert.Equal(t, 10, summary.Completed)
	assert.Equal(t, 4, summary.Groups)
	assert.Zero(t, summary.Remaining)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, rec.delays, "delay only between groups")

	assert.Equal(t, 20, cp.calls, "begin and completion of every job")
	assert.Empty(t, cp.pending)
	assert.Len(t, cp.processed, 10)
}

func TestScheduler_RetriesWithBackoff(t *testing.T) {
	q := fillQueue(t, 1)
	calls := 0
	exec := func(_ context.Context, job *Job) error {
		calls++
		if calls < 3 {
			job.LastCompletedBatch = calls
			return errors.New("provider unavailable")
		}
		return nil
	}

	s, rec := newTestScheduler(q, exec)
	summary, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.delays)

	done := q.Processed()
	require.Len(t, done, 1)
	assert.Equal(t, 3, done[0].Attempts)
	assert.Equal(t, 2, done[0].LastCompletedBatch, "progress survives retries")
	assert.Empty(t, done[0].Error)
}

func TestScheduler_FailsAfterThreeAttempts(t *testing.T) {
	q := fillQueue(t, 1)
	var calls atomic.Int32
	s, _ := newTestScheduler(q, func(context.Context, *Job) error {
		calls.Add(1)
		return errors.New("bad output")
	}, WithBreakerThreshold(5))

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, summary.Failed)

	failed := q.Processed()
	require.Len(t, failed, 1)
	assert.Equal(t, StatusFailed, failed[0].Status)
	assert.Equal(t, "bad output", failed[0].Error)
}

func TestScheduler_BreakerTrips(t *testing.T) {
	q := fillQueue(t, 6)
	s, _ := newTestScheduler(q, func(context.Context, *Job) error {
		return errors.New("all keys dead")
	}, WithConcurrency(2))

	summary, err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	var be *BreakerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 2, be.ConsecutiveGroups)
	assert.Equal(t, 2, be.Group)

	assert.Equal(t, 2, summary.Groups)
	assert.Equal(t, 4, summary.Failed)
	assert.Equal(t, 2, summary.Remaining, "the third group never runs")
}

func TestScheduler_BreakerResetsOnAnySuccess(t *testing.T) {
	q := fillQueue(t, 6)
	s, _ := newTestScheduler(q, func(_ context.Context, job *Job) error {
		if job.Input == "input-2" {
			return nil
		}
		return errors.New("rejected")
	}, WithConcurrency(2))

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Groups)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 5, summary.Failed)
}

func TestScheduler_CancellationRequeues(t *testing.T) {
	q := fillQueue(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	s, _ := newTestScheduler(q, func(ctx context.Context, job *Job) error {
		cancel()
		job.LastCompletedBatch = 0
		return ctx.Err()
	}, WithConcurrency(2))

	summary, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, 1, summary.Groups)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 4, summary.Remaining)

	for _, j := range q.Pending() {
		assert.Equal(t, StatusPending, j.Status)
	}
}

package jobs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/scriptbatch/pkg/log"
)

// Queue holds pending and processed jobs in enqueue order. Callers always
// receive copies; a running job is mutated by its own goroutine and written
// back with Update.
type Queue struct {
	maxProcessed int
	store        Store
	now          func() time.Time

	mu     sync.RWMutex
	jobs   map[string]*Job
	order  []string
	dedupe map[string]string
}

func NewQueue(store Store) *Queue {
	q := &Queue{
		maxProcessed: 1000,
		store:        store,
		now:          time.Now,
		jobs:         make(map[string]*Job),
		dedupe:       make(map[string]string),
	}
	q.hydrateFromStore(context.Background())
	return q
}

// Enqueue adds a job unless an unfinished job with the same dedupe key
// exists, in which case that job is returned with created=false.
func (q *Queue) Enqueue(req EnqueueRequest) (*Job, bool) {
	now := q.now()
	key := req.DedupeKey
	if key == "" {
		key = dedupeKey(req.Input)
	}

	q.mu.Lock()
	if id, ok := q.dedupe[key]; ok {
		if existing, exists := q.jobs[id]; exists {
			snapshot := cloneJob(existing)
			q.mu.Unlock()
			return snapshot, false
		}
		delete(q.dedupe, key)
	}

	job := &Job{
		ID:                 uuid.NewString(),
		Source:             req.Source,
		DedupeKey:          key,
		Input:              req.Input,
		Status:             StatusPending,
		CurrentStep:        FirstStep,
		LastCompletedBatch: -1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	q.insertLocked(job)
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	return snapshot, true
}

func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.RLock()
	job, ok := q.jobs[id]
	q.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// List returns every job in enqueue order.
func (q *Queue) List() []*Job {
	return q.filter(func(*Job) bool { return true })
}

// Pending returns jobs that still have work, in enqueue order.
func (q *Queue) Pending() []*Job {
	return q.filter(func(j *Job) bool { return !j.Status.Terminal() })
}

// Processed returns completed and failed jobs.
func (q *Queue) Processed() []*Job {
	return q.filter(func(j *Job) bool { return j.Status.Terminal() })
}

func (q *Queue) filter(keep func(*Job) bool) []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*Job, 0, len(q.order))
	for _, id := range q.order {
		if job, ok := q.jobs[id]; ok && keep(job) {
			ret = append(ret, cloneJob(job))
		}
	}
	return ret
}

// Begin marks a pending job as processing.
func (q *Queue) Begin(id string) (*Job, bool) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPending {
		q.mu.Unlock()
		return nil, false
	}
	job.Status = StatusProcessing
	job.UpdatedAt = q.now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	return snapshot, true
}

// Update stores the progress of a processing job. Status is not changed.
func (q *Queue) Update(job *Job) {
	q.mu.Lock()
	cur, ok := q.jobs[job.ID]
	if !ok {
		q.mu.Unlock()
		return
	}
	next := cloneJob(job)
	next.Status = cur.Status
	next.UpdatedAt = q.now()
	q.jobs[job.ID] = next
	snapshot := cloneJob(next)
	q.mu.Unlock()

	q.persistJob(snapshot)
}

// Requeue returns a processing job to pending, keeping its progress.
func (q *Queue) Requeue(job *Job) {
	q.transition(job, StatusPending, nil)
}

func (q *Queue) Complete(job *Job) {
	q.transition(job, StatusCompleted, nil)
}

func (q *Queue) Fail(job *Job, err error) {
	q.transition(job, StatusFailed, err)
}

func (q *Queue) transition(job *Job, status Status, err error) {
	q.mu.Lock()
	if _, ok := q.jobs[job.ID]; !ok {
		q.mu.Unlock()
		return
	}
	next := cloneJob(job)
	next.Status = status
	next.Error = ""
	if err != nil {
		next.Error = err.Error()
	}
	next.UpdatedAt = q.now()
	q.jobs[job.ID] = next
	var pruned []string
	if status.Terminal() {
		q.releaseDedupeLocked(next)
		pruned = q.pruneProcessedLocked()
	}
	snapshot := cloneJob(next)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.deleteJobsFromStore(pruned)
}

// Restore replaces the queue with jobs from a checkpoint. Jobs that were
// processing when the checkpoint was taken become pending again.
func (q *Queue) Restore(pending, processed []*Job) {
	now := q.now()
	q.mu.Lock()
	q.jobs = make(map[string]*Job, len(pending)+len(processed))
	q.order = nil
	q.dedupe = make(map[string]string)
	toPersist := make([]*Job, 0, len(pending)+len(processed))
	for _, raw := range append(append([]*Job(nil), pending...), processed...) {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.Status == StatusProcessing {
			job.Status = StatusPending
			job.UpdatedAt = now
		}
		q.insertLocked(job)
		toPersist = append(toPersist, cloneJob(job))
	}
	q.mu.Unlock()

	for _, job := range toPersist {
		q.persistJob(job)
	}
}

// Remove drops a job and its stored data.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if ok {
		q.releaseDedupeLocked(job)
		q.deleteLocked(id)
	}
	q.mu.Unlock()

	if ok {
		q.deleteJobsFromStore([]string{id})
	}
	return ok
}

// Clear drops every job.
func (q *Queue) Clear() {
	q.mu.Lock()
	ids := append([]string(nil), q.order...)
	q.jobs = make(map[string]*Job)
	q.order = nil
	q.dedupe = make(map[string]string)
	q.mu.Unlock()

	q.deleteJobsFromStore(ids)
}

func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.jobs)
}

func (q *Queue) insertLocked(job *Job) {
	if _, exists := q.jobs[job.ID]; !exists {
		q.order = append(q.order, job.ID)
	}
	q.jobs[job.ID] = job
	if !job.Status.Terminal() && job.DedupeKey != "" {
		q.dedupe[job.DedupeKey] = job.ID
	}
}

func (q *Queue) deleteLocked(id string) {
	delete(q.jobs, id)
	for i, cur := range q.order {
		if cur == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *Queue) releaseDedupeLocked(job *Job) {
	if job == nil || job.DedupeKey == "" {
		return
	}
	if id, ok := q.dedupe[job.DedupeKey]; ok && id == job.ID {
		delete(q.dedupe, job.DedupeKey)
	}
}

func (q *Queue) pruneProcessedLocked() []string {
	type candidate struct {
		id        string
		updatedAt time.Time
	}
	terminal := make([]candidate, 0, len(q.jobs))
	for id, job := range q.jobs {
		if job.Status.Terminal() {
			terminal = append(terminal, candidate{id: id, updatedAt: job.UpdatedAt})
		}
	}
	if q.maxProcessed <= 0 || len(terminal) <= q.maxProcessed {
		return nil
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].updatedAt.Before(terminal[j].updatedAt)
	})

	toRemove := len(terminal) - q.maxProcessed
	pruned := make([]string, 0, toRemove)
	for i := 0; i < toRemove; i++ {
		q.deleteLocked(terminal[i].id)
		pruned = append(pruned, terminal[i].id)
	}
	return pruned
}

func (q *Queue) deleteJobsFromStore(ids []string) {
	if q.store == nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := q.store.DeleteJobData(context.Background(), id); err != nil {
			log.Error("Failed to delete data for job %s: %v", id, err)
		}
		if err := q.store.DeleteJob(context.Background(), id); err != nil {
			log.Error("Failed to delete job %s from store: %v", id, err)
		}
	}
}

func (q *Queue) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load jobs from store: %v", err)
		return
	}
	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})

	now := q.now()
	toPersist := make([]*Job, 0)
	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.Status == StatusProcessing {
			job.Status = StatusPending
			job.UpdatedAt = now
			toPersist = append(toPersist, cloneJob(job))
		}
		q.insertLocked(job)
	}
	q.mu.Unlock()

	for _, job := range toPersist {
		q.persistJob(job)
	}
}

func (q *Queue) persistJob(job *Job) {
	if q.store == nil || job == nil {
		return
	}
	if err := q.store.UpsertJob(context.Background(), job); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
	}
}

func dedupeKey(input string) string {
	return strings.Join(strings.Fields(strings.ToLower(input)), " ")
}

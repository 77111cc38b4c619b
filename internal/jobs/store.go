package jobs

import "context"

// Store persists jobs so a restarted process can hydrate its queue.
type Store interface {
	LoadJobs(ctx context.Context) ([]*Job, error)
	UpsertJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, jobID string) error
	// DeleteJobData removes auxiliary data (exports, cached outputs) for a job.
	DeleteJobData(ctx context.Context, jobID string) error
}

// Checkpointer receives the queue contents after every job transition.
type Checkpointer interface {
	Checkpoint(pending, processed []*Job)
}

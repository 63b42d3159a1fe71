package job

import "context"

// Store persists and retrieves worker jobs.
type Store interface {
	// Upsert inserts a PENDING job or, when the id exists, updates it in place:
	// source, options and status are replaced, the error is cleared and stage
	// outputs are kept.
	Upsert(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, limit, offset int) ([]*Job, int, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	RecordStage(ctx context.Context, id string, out StageOutput) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	// FailInterrupted moves every job stuck in a running stage to FAILED with
	// errMsg and returns their IDs. Called at startup after a crash.
	FailInterrupted(ctx context.Context, errMsg string) ([]string, error)
}

package farm

import "context"

// Repository defines the storage operations required by the dispatcher and
// the scheduler. Every mutating call is its own short transaction.
type Repository interface {
	CreateJob(ctx context.Context, job *Job) (Job, error)
	GetJob(ctx context.Context, id int64) (Job, error)
	UpdateJob(ctx context.Context, id int64, fn func(j *Job) error) (Job, error)
	ListJobs(ctx context.Context, statuses ...JobStatus) ([]Job, error)

	CreateBuilder(ctx context.Context, builder *Builder) (Builder, error)
	GetBuilder(ctx context.Context, id int64) (Builder, error)
	ListBuilders(ctx context.Context) ([]Builder, error)
	UpdateBuilder(ctx context.Context, id int64, fn func(b *Builder) error) (Builder, error)

	// UpdateAttempt changes a job and a builder together. Either both
	// records are written or neither is.
	UpdateAttempt(ctx context.Context, jobID, builderID int64, fn func(j *Job, b *Builder) error) (Job, Builder, error)

	// NextCandidate returns the highest-scored NEEDSBUILD job the builder
	// can run, lower ids first on equal score. ErrNotFound when none.
	NextCandidate(ctx context.Context, builder Builder) (Job, error)
}

var (
	_ Repository = (*MemStore)(nil)
	_ Repository = (*PostgresStore)(nil)
)

// better reports whether a should be dispatched before b.
func better(a, b Job) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

package farm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists jobs and builders to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS builders (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    url TEXT NOT NULL,
    processor TEXT,
    virtualized BOOLEAN NOT NULL DEFAULT TRUE,
    builderok BOOLEAN NOT NULL DEFAULT TRUE,
    manual BOOLEAN NOT NULL DEFAULT FALSE,
    current_job_id BIGINT,
    failure_count INTEGER NOT NULL DEFAULT 0,
    fail_notes TEXT
);
CREATE TABLE IF NOT EXISTS build_jobs (
    id BIGSERIAL PRIMARY KEY,
    job_type TEXT NOT NULL,
    status TEXT NOT NULL,
    processor TEXT,
    virtualized BOOLEAN NOT NULL DEFAULT TRUE,
    score INTEGER NOT NULL DEFAULT 0,
    builder_id BIGINT REFERENCES builders(id),
    cookie TEXT,
    date_created TIMESTAMPTZ NOT NULL,
    date_started TIMESTAMPTZ,
    date_finished TIMESTAMPTZ,
    date_first_dispatched TIMESTAMPTZ,
    date_dispatched TIMESTAMPTZ,
    failure_count INTEGER NOT NULL DEFAULT 0,
    estimated_duration BIGINT NOT NULL DEFAULT 0,
    payload JSONB NOT NULL DEFAULT '{}',
    dependencies TEXT,
    log_url TEXT
);
CREATE INDEX IF NOT EXISTS build_jobs_waiting_idx ON build_jobs (status, score DESC, id);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const jobColumns = `id, job_type, status, processor, virtualized, score, builder_id, cookie,
date_created, date_started, date_finished, date_first_dispatched, date_dispatched,
failure_count, estimated_duration, payload, dependencies, log_url`

const builderColumns = `id, name, url, processor, virtualized, builderok, manual, current_job_id, failure_count, fail_notes`

// jobPayload holds the opaque build inputs stored as JSONB.
type jobPayload struct {
	Inputs []InputFile       `json:"inputs,omitempty"`
	Args   map[string]string `json:"args,omitempty"`
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var (
		j                                              Job
		processor, cookie, deps, logURL                sql.NullString
		builderID                                      sql.NullInt64
		started, finished, firstDispatched, dispatched sql.NullTime
		estimated                                      int64
		payload                                        []byte
	)
	err := row.Scan(&j.ID, &j.JobType, &j.Status, &processor, &j.Virtualized, &j.Score, &builderID, &cookie,
		&j.DateCreated, &started, &finished, &firstDispatched, &dispatched,
		&j.FailureCount, &estimated, &payload, &deps, &logURL)
	if err != nil {
		return Job{}, err
	}
	j.Processor = processor.String
	j.BuilderID = builderID.Int64
	j.Cookie = cookie.String
	j.Dependencies = deps.String
	j.LogURL = logURL.String
	j.EstimatedDuration = time.Duration(estimated) * time.Second
	j.DateStarted = nullTime(started)
	j.DateFinished = nullTime(finished)
	j.DateFirstDispatched = nullTime(firstDispatched)
	j.DateDispatched = nullTime(dispatched)
	if len(payload) > 0 {
		var p jobPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Job{}, fmt.Errorf("decode job %d payload: %w", j.ID, err)
		}
		j.Inputs = p.Inputs
		j.Args = p.Args
	}
	return j, nil
}

func scanBuilder(row scanner) (Builder, error) {
	var (
		b                Builder
		processor, notes sql.NullString
		currentJob       sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.Name, &b.URL, &processor, &b.Virtualized, &b.OK, &b.Manual, &currentJob, &b.FailureCount, &notes)
	if err != nil {
		return Builder{}, err
	}
	b.Processor = processor.String
	b.CurrentJobID = currentJob.Int64
	b.FailNotes = notes.String
	return b, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) (Job, error) {
	if job.Status == "" {
		job.Status = StatusNeedsBuild
	}
	if job.DateCreated.IsZero() {
		job.DateCreated = time.Now().UTC()
	}
	payload, err := json.Marshal(jobPayload{Inputs: job.Inputs, Args: job.Args})
	if err != nil {
		return Job{}, fmt.Errorf("encode job payload: %w", err)
	}
	query := `INSERT INTO build_jobs (job_type, status, processor, virtualized, score, date_created, estimated_duration, payload)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING ` + jobColumns
	row := s.db.QueryRowContext(ctx, query,
		job.JobType,
		job.Status,
		nullString(job.Processor),
		job.Virtualized,
		job.Score,
		job.DateCreated,
		int64(job.EstimatedDuration/time.Second),
		payload,
	)
	return scanJob(row)
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM build_jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return j, err
}

func (s *PostgresStore) ListJobs(ctx context.Context, statuses ...JobStatus) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM build_jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) UpdateJob(ctx context.Context, id int64, fn func(j *Job) error) (Job, error) {
	var result Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		j, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&j); err != nil {
			return err
		}
		if err := writeJob(ctx, tx, j); err != nil {
			return err
		}
		result = j
		return nil
	})
	return result, err
}

func (s *PostgresStore) CreateBuilder(ctx context.Context, builder *Builder) (Builder, error) {
	query := `INSERT INTO builders (name, url, processor, virtualized, builderok, manual)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (name) DO UPDATE SET
    url = EXCLUDED.url,
    processor = EXCLUDED.processor,
    virtualized = EXCLUDED.virtualized,
    manual = EXCLUDED.manual
RETURNING ` + builderColumns
	row := s.db.QueryRowContext(ctx, query,
		builder.Name,
		builder.URL,
		nullString(builder.Processor),
		builder.Virtualized,
		builder.OK,
		builder.Manual,
	)
	return scanBuilder(row)
}

func (s *PostgresStore) GetBuilder(ctx context.Context, id int64) (Builder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+builderColumns+` FROM builders WHERE id=$1`, id)
	b, err := scanBuilder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Builder{}, fmt.Errorf("builder %d: %w", id, ErrNotFound)
	}
	return b, err
}

func (s *PostgresStore) ListBuilders(ctx context.Context) ([]Builder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+builderColumns+` FROM builders ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builders []Builder
	for rows.Next() {
		b, err := scanBuilder(rows)
		if err != nil {
			return nil, err
		}
		builders = append(builders, b)
	}
	return builders, rows.Err()
}

func (s *PostgresStore) UpdateBuilder(ctx context.Context, id int64, fn func(b *Builder) error) (Builder, error) {
	var result Builder
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		b, err := lockBuilder(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&b); err != nil {
			return err
		}
		if err := writeBuilder(ctx, tx, b); err != nil {
			return err
		}
		result = b
		return nil
	})
	return result, err
}

func (s *PostgresStore) UpdateAttempt(ctx context.Context, jobID, builderID int64, fn func(j *Job, b *Builder) error) (Job, Builder, error) {
	var (
		job     Job
		builder Builder
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Builder first: sessions lock in the same order.
		b, err := lockBuilder(ctx, tx, builderID)
		if err != nil {
			return err
		}
		j, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := fn(&j, &b); err != nil {
			return err
		}
		if err := writeBuilder(ctx, tx, b); err != nil {
			return err
		}
		if err := writeJob(ctx, tx, j); err != nil {
			return err
		}
		job, builder = j, b
		return nil
	})
	return job, builder, err
}

func (s *PostgresStore) NextCandidate(ctx context.Context, builder Builder) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM build_jobs
WHERE status = $1 AND virtualized = $2 AND (processor IS NULL OR $3 = '' OR processor = $3)
ORDER BY score DESC, id ASC
LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, StatusNeedsBuild, builder.Virtualized, builder.Processor)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("candidate for builder %s: %w", builder.Name, ErrNotFound)
	}
	return j, err
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func lockJob(ctx context.Context, tx *sql.Tx, id int64) (Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM build_jobs WHERE id=$1 FOR UPDATE`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return j, err
}

func lockBuilder(ctx context.Context, tx *sql.Tx, id int64) (Builder, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+builderColumns+` FROM builders WHERE id=$1 FOR UPDATE`, id)
	b, err := scanBuilder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Builder{}, fmt.Errorf("builder %d: %w", id, ErrNotFound)
	}
	return b, err
}

func writeJob(ctx context.Context, tx *sql.Tx, j Job) error {
	query := `UPDATE build_jobs SET status=$1, score=$2, builder_id=$3, cookie=$4, date_started=$5, date_finished=$6,
date_first_dispatched=$7, date_dispatched=$8, failure_count=$9, dependencies=$10, log_url=$11 WHERE id=$12`
	_, err := tx.ExecContext(ctx, query,
		j.Status,
		j.Score,
		nullInt64(j.BuilderID),
		nullString(j.Cookie),
		j.DateStarted,
		j.DateFinished,
		j.DateFirstDispatched,
		j.DateDispatched,
		j.FailureCount,
		nullString(j.Dependencies),
		nullString(j.LogURL),
		j.ID,
	)
	return err
}

func writeBuilder(ctx context.Context, tx *sql.Tx, b Builder) error {
	query := `UPDATE builders SET builderok=$1, manual=$2, current_job_id=$3, failure_count=$4, fail_notes=$5 WHERE id=$6`
	_, err := tx.ExecContext(ctx, query, b.OK, b.Manual, nullInt64(b.CurrentJobID), b.FailureCount, nullString(b.FailNotes), b.ID)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

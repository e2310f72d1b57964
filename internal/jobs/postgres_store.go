package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"reelforge/internal/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    state         TEXT NOT NULL,
    input_refs    JSONB NOT NULL DEFAULT '[]'::jsonb,
    params        JSONB NOT NULL DEFAULT '{}'::jsonb,
    output_ref    TEXT,
    failure       JSONB,
    attempt_count INT NOT NULL DEFAULT 0,
    max_attempts  INT NOT NULL DEFAULT 3,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_state_created_idx ON jobs (state, created_at);
`

// PostgresStore implements Store on a pgx pool. The compare-and-swap is
// a conditional UPDATE: the WHERE clause pins the expected state and the
// row count tells us whether we won.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the jobs table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	if job.State != StateQueued {
		return errors.Validationf("new job must be %s, got %s", StateQueued, job.State)
	}

	inputRefs, err := json.Marshal(job.InputRefs)
	if err != nil {
		return errors.Wrap(err, "jobs.create", "marshal input_refs")
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return errors.Wrap(err, "jobs.create", "marshal params")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, state, input_refs, params, attempt_count, max_attempts, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`,
		job.ID, job.State, inputRefs, params, job.AttemptCount, job.MaxAttempts, job.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.New(errors.CodeConflict, "job already exists: "+job.ID)
		}
		return errors.Wrap(err, "jobs.create", "db insert failed")
	}
	return nil
}

// isUniqueViolation reports Postgres error 23505 (unique_violation).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, state, input_refs, params, COALESCE(output_ref,''), failure,
		        attempt_count, max_attempts, created_at, updated_at
		 FROM jobs WHERE id=$1`,
		id,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("job", id)
		}
		return nil, errors.Wrap(err, "jobs.get", "db query failed")
	}
	return job, nil
}

func (s *PostgresStore) CompareAndTransition(ctx context.Context, id string, expected, next State, tr Transition) (bool, error) {
	if !CanTransition(expected, next) {
		return false, errors.Validationf("illegal transition %s -> %s", expected, next)
	}

	var failure []byte
	if tr.Failure != nil {
		b, err := json.Marshal(tr.Failure)
		if err != nil {
			return false, errors.Wrap(err, "jobs.transition", "marshal failure")
		}
		failure = b
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET state=$3,
		     attempt_count = attempt_count + CASE WHEN $4 THEN 1 ELSE 0 END,
		     output_ref = CASE WHEN $5 <> '' THEN $5 ELSE output_ref END,
		     failure = COALESCE($6, failure),
		     updated_at = now()
		 WHERE id=$1 AND state=$2`,
		id, expected, next, tr.IncrementAttempt, tr.OutputRef, failure,
	)
	if err != nil {
		return false, errors.Wrap(err, "jobs.transition", "db update failed")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) List(ctx context.Context, state State, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if state != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, state, input_refs, params, COALESCE(output_ref,''), failure,
			        attempt_count, max_attempts, created_at, updated_at
			 FROM jobs WHERE state=$1
			 ORDER BY created_at DESC
			 LIMIT $2`,
			state, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, state, input_refs, params, COALESCE(output_ref,''), failure,
			        attempt_count, max_attempts, created_at, updated_at
			 FROM jobs
			 ORDER BY created_at DESC
			 LIMIT $1`,
			limit,
		)
	}
	if err != nil {
		return nil, errors.Wrap(err, "jobs.list", "db query failed")
	}
	defer rows.Close()

	out := make([]*Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "jobs.list", "row scan failed")
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, state, input_refs, params, COALESCE(output_ref,''), failure,
		        attempt_count, max_attempts, created_at, updated_at
		 FROM jobs
		 WHERE state=$1 AND attempt_count=0 AND created_at < $2
		 ORDER BY created_at ASC
		 LIMIT $3`,
		StateQueued, cutoff, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "jobs.list_queued", "db query failed")
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "jobs.list_queued", "row scan failed")
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs
		 WHERE state = ANY($1) AND updated_at < $2`,
		[]string{string(StateSucceeded), string(StateFailed), string(StateExpired)}, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "jobs.gc", "db delete failed")
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job       Job
		inputRefs []byte
		params    []byte
		failure   []byte
	)
	err := row.Scan(&job.ID, &job.State, &inputRefs, &params, &job.OutputRef, &failure,
		&job.AttemptCount, &job.MaxAttempts, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(inputRefs, &job.InputRefs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &job.Params); err != nil {
		return nil, err
	}
	if len(failure) > 0 {
		var f FailureReason
		if err := json.Unmarshal(failure, &f); err != nil {
			return nil, err
		}
		job.Failure = &f
	}
	return &job, nil
}

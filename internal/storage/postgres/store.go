// Package postgres implements storage.Store on PostgreSQL via pgx. Lease
// acquisition uses SELECT ... FOR UPDATE SKIP LOCKED inside a single
// UPDATE ... RETURNING statement, so concurrent workers never observe the
// same row as claimable.
package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/durq/internal/domain"
	"github.com/you/durq/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const jobColumns = `id, tenant_id, status, payload, idempotency_key, retry_count,
max_retries, lease_expires_at, worker_id, created_at, started_at, completed_at,
error_message, trace_id`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.TenantID, &j.Status, &j.Payload, &j.IdempotencyKey, &j.RetryCount,
		&j.MaxRetries, &j.LeaseExpiresAt, &j.WorkerID, &j.CreatedAt, &j.StartedAt,
		&j.CompletedAt, &j.ErrorMessage, &j.TraceID,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) InsertJob(ctx context.Context, p storage.InsertJobParams) (*domain.Job, error) {
	id := uuid.NewString()
	row := s.db.QueryRow(ctx, `insert into jobs(
id, tenant_id, status, payload, idempotency_key, retry_count, max_retries, created_at, trace_id
) values ($1,$2,'pending',$3,$4,0,$5,now(),$6)
returning `+jobColumns,
		id, p.TenantID, p.Payload, p.IdempotencyKey, p.MaxRetries, p.TraceID,
	)
	j, err := scanJob(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrDuplicateKey
		}
		return nil, errors.Wrap(err, "insert job")
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrap(err, "get job")
	}
	return j, nil
}

func (s *Store) GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where idempotency_key = $1`, key)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrap(err, "get job by idempotency key")
	}
	return j, nil
}

// AcquireLease claims the oldest due pending job or expired running lease.
// The created_at gate applies to the pending branch only: a retry is held
// back until its backoff release time, but steal-back of an expired lease
// is never delayed.
func (s *Store) AcquireLease(ctx context.Context, workerID string, leaseFor time.Duration) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `
with claimed as (
    select id from jobs
     where (status = 'pending' and created_at <= now())
        or (status = 'running' and lease_expires_at < now())
     order by created_at asc
     for update skip locked
     limit 1
)
update jobs j
   set status = 'running',
       worker_id = $1,
       lease_expires_at = now() + make_interval(secs => $2),
       started_at = coalesce(j.started_at, now())
  from claimed
 where j.id = claimed.id
returning `+jobColumns,
		workerID, leaseFor.Seconds(),
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "acquire lease")
	}
	return j, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string) error {
	tag, err := s.db.Exec(ctx, `
update jobs
   set status = 'completed',
       completed_at = now(),
       worker_id = null,
       lease_expires_at = null
 where id = $1 and worker_id = $2 and status = 'running'`,
		jobID, workerID,
	)
	if err != nil {
		return errors.Wrap(err, "complete job")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (s *Store) RetryJob(ctx context.Context, jobID, workerID, errMsg string, releaseAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
update jobs
   set status = 'pending',
       retry_count = retry_count + 1,
       worker_id = null,
       lease_expires_at = null,
       error_message = $3,
       created_at = $4
 where id = $1 and worker_id = $2 and status = 'running'`,
		jobID, workerID, errMsg, releaseAt,
	)
	if err != nil {
		return errors.Wrap(err, "retry job")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// DeadLetterJob snapshots the job into dead_letters and marks it failed in
// one transaction. The insert selects from the guarded job row, so a lost
// lease inserts nothing and the transaction rolls back.
func (s *Store) DeadLetterJob(ctx context.Context, jobID, workerID, finalError string, failedAt time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin dead-letter tx")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
insert into dead_letters(id, job_id, payload, final_error, failed_at, trace_id)
select $3, id, payload, $4, $5, trace_id
  from jobs
 where id = $1 and worker_id = $2 and status = 'running'`,
		jobID, workerID, uuid.NewString(), finalError, failedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert dead letter")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}

	if _, err := tx.Exec(ctx, `
update jobs
   set status = 'failed',
       error_message = $2,
       worker_id = null,
       lease_expires_at = null
 where id = $1`,
		jobID, finalError,
	); err != nil {
		return errors.Wrap(err, "mark job failed")
	}

	return errors.Wrap(tx.Commit(ctx), "commit dead-letter tx")
}

func (s *Store) ListJobs(ctx context.Context, tenantID string, status *domain.Status, limit int) ([]*domain.Job, error) {
	q := `select ` + jobColumns + ` from jobs where tenant_id = $1`
	args := []any{tenantID}
	if status != nil {
		q += ` and status = $2 order by created_at desc limit $3`
		args = append(args, *status, limit)
	} else {
		q += ` order by created_at desc limit $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "list jobs scan")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) RunningJobCount(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`select count(*) from jobs where tenant_id = $1 and status = 'running'`,
		tenantID,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "running job count")
	}
	return n, nil
}

func (s *Store) Metrics(ctx context.Context, tenantID string) (*storage.Metrics, error) {
	m := &storage.Metrics{
		JobsByStatus: map[domain.Status]int64{
			domain.Pending:   0,
			domain.Running:   0,
			domain.Completed: 0,
			domain.Failed:    0,
		},
	}

	q := `select status, count(*) from jobs`
	args := []any{}
	if tenantID != "" {
		q += ` where tenant_id = $1`
		args = append(args, tenantID)
	}
	q += ` group by status`

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "metrics jobs")
	}
	defer rows.Close()
	for rows.Next() {
		var st domain.Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "metrics scan")
		}
		m.JobsByStatus[st] = n
		m.JobsTotal += n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "metrics rows")
	}

	dq := `select count(*) from dead_letters`
	dargs := []any{}
	if tenantID != "" {
		dq = `select count(*) from dead_letters d join jobs j on j.id = d.job_id where j.tenant_id = $1`
		dargs = append(dargs, tenantID)
	}
	if err := s.db.QueryRow(ctx, dq, dargs...).Scan(&m.DLQSize); err != nil {
		return nil, errors.Wrap(err, "metrics dlq")
	}
	return m, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]*domain.DeadLetterEntry, error) {
	q := `select d.id, d.job_id, d.payload, d.final_error, d.failed_at, d.trace_id
  from dead_letters d`
	args := []any{}
	if tenantID != "" {
		q += ` join jobs j on j.id = d.job_id where j.tenant_id = $1 order by d.failed_at desc limit $2`
		args = append(args, tenantID, limit)
	} else {
		q += ` order by d.failed_at desc limit $1`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list dead letters")
	}
	defer rows.Close()

	var out []*domain.DeadLetterEntry
	for rows.Next() {
		var e domain.DeadLetterEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Payload, &e.FinalError, &e.FailedAt, &e.TraceID); err != nil {
			return nil, errors.Wrap(err, "dead letter scan")
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.Ping(ctx), "ping postgres")
}

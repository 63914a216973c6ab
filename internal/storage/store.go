// Package storage defines the persistence contract for the job queue. The
// jobs table is the single source of truth; the claim primitive in
// AcquireLease provides all cross-worker mutual exclusion.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/you/durq/internal/domain"
)

// InsertJobParams carries the fields the submission service controls.
// The store assigns the id and created_at.
type InsertJobParams struct {
	TenantID       string
	Payload        json.RawMessage
	IdempotencyKey *string
	MaxRetries     int
	TraceID        string
}

// Metrics aggregates job counts. JobsByStatus always carries all four
// status buckets, zero-filled.
type Metrics struct {
	JobsTotal    int64                   `json:"jobs_total"`
	JobsByStatus map[domain.Status]int64 `json:"jobs_by_status"`
	DLQSize      int64                   `json:"dlq_size"`
}

// Store is the durable job store. Implementations must make AcquireLease a
// single atomic claim (no two callers may observe the same row as
// claimable) and must guard CompleteJob, RetryJob, and DeadLetterJob on
// the caller still holding the lease, returning domain.ErrLeaseLost
// otherwise.
type Store interface {
	// InsertJob creates a pending job. Returns domain.ErrDuplicateKey when
	// the idempotency key is already taken.
	InsertJob(ctx context.Context, p InsertJobParams) (*domain.Job, error)

	// GetJob fetches a job by id; domain.ErrNotFound when absent.
	GetJob(ctx context.Context, id string) (*domain.Job, error)

	// GetJobByIdempotencyKey fetches a job by its idempotency key;
	// domain.ErrNotFound when absent.
	GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error)

	// AcquireLease claims the oldest job that is either pending and due, or
	// running with an expired lease, marking it running under workerID for
	// leaseFor. Returns (nil, nil) when no job is eligible.
	AcquireLease(ctx context.Context, workerID string, leaseFor time.Duration) (*domain.Job, error)

	// CompleteJob acknowledges a successful run: status completed,
	// completed_at set, lease fields cleared.
	CompleteJob(ctx context.Context, jobID, workerID string) error

	// RetryJob releases a failed job back to pending: retry_count+1, lease
	// fields cleared, error_message updated, created_at rewritten to
	// releaseAt so the retry is not leased before then.
	RetryJob(ctx context.Context, jobID, workerID, errMsg string, releaseAt time.Time) error

	// DeadLetterJob atomically records the dead-letter entry and moves the
	// job to failed with lease fields cleared.
	DeadLetterJob(ctx context.Context, jobID, workerID, finalError string, failedAt time.Time) error

	// ListJobs returns a tenant's jobs, newest created_at first, optionally
	// filtered by status.
	ListJobs(ctx context.Context, tenantID string, status *domain.Status, limit int) ([]*domain.Job, error)

	// RunningJobCount counts the tenant's status=running jobs.
	RunningJobCount(ctx context.Context, tenantID string) (int, error)

	// Metrics aggregates counts; empty tenantID means fleet-wide. The DLQ
	// count is scoped through the parent job's tenant.
	Metrics(ctx context.Context, tenantID string) (*Metrics, error)

	// ListDeadLetters returns dead-letter entries, newest failed_at first,
	// optionally scoped to a tenant through the parent job.
	ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]*domain.DeadLetterEntry, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// Package worker implements the long-running job runner: lease, execute,
// acknowledge, retry with exponential backoff, dead-letter.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/durq/internal/backoff"
	"github.com/you/durq/internal/domain"
	"github.com/you/durq/internal/storage"
)

// Handler executes one job attempt against its payload. A nil return
// acknowledges the job; an error (or panic, which is recovered) drives the
// retry / dead-letter branch.
type Handler func(ctx context.Context, job *domain.Job) error

type Runner struct {
	store   storage.Store
	handler Handler
	bo      backoff.Exponential
	log     *zap.Logger

	id           string
	pollInterval time.Duration
	leaseFor     time.Duration
	now          func() time.Time
}

type Option func(*Runner)

// WithPollInterval overrides the sleep between empty polls. Test hook.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) { r.pollInterval = d }
}

// WithClock overrides the runner's clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func New(store storage.Store, handler Handler, log *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		store:        store,
		handler:      handler,
		bo:           backoff.Default(),
		log:          log,
		id:           "wrk-" + uuid.NewString(),
		pollInterval: domain.PollInterval,
		leaseFor:     domain.LeaseDuration,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the runner's stable worker id.
func (r *Runner) ID() string { return r.id }

// Run polls for work until ctx is cancelled. A job already in flight when
// the context is cancelled runs to completion; the same poll sleep covers
// both "no work" and transient store errors so the loop never spins.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("worker started", zap.String("worker_id", r.id))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("worker stopped", zap.String("worker_id", r.id))
			return
		default:
		}

		job, err := r.store.AcquireLease(ctx, r.id, r.leaseFor)
		if err != nil {
			r.log.Error("lease acquisition failed", zap.String("worker_id", r.id), zap.Error(err))
		} else if job != nil {
			r.process(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			r.log.Info("worker stopped", zap.String("worker_id", r.id))
			return
		case <-time.After(r.pollInterval):
		}
	}
}

// process runs one leased job to a durable transition. The terminal write
// must land even if shutdown began mid-attempt, so it is detached from the
// run context's cancellation.
func (r *Runner) process(ctx context.Context, job *domain.Job) {
	ctx = context.WithoutCancel(ctx)

	r.log.Info("lease acquired",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("trace_id", job.TraceID),
		zap.String("worker_id", r.id),
		zap.Int("retry_count", job.RetryCount))

	if err := r.invoke(ctx, job); err != nil {
		r.fail(ctx, job, err)
		return
	}
	r.ack(ctx, job)
}

// invoke calls the handler, converting a panic into an ordinary error so a
// misbehaving handler never kills the worker.
func (r *Runner) invoke(ctx context.Context, job *domain.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.handler(ctx, job)
}

func (r *Runner) ack(ctx context.Context, job *domain.Job) {
	if err := r.store.CompleteJob(ctx, job.ID, r.id); err != nil {
		r.leaseWriteFailed(job, "ack", err)
		return
	}
	r.log.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("trace_id", job.TraceID),
		zap.String("worker_id", r.id))
}

func (r *Runner) fail(ctx context.Context, job *domain.Job, jobErr error) {
	if job.RetryCount < job.MaxRetries {
		delay := r.bo.Delay(job.RetryCount)
		releaseAt := r.now().Add(delay)
		if err := r.store.RetryJob(ctx, job.ID, r.id, jobErr.Error(), releaseAt); err != nil {
			r.leaseWriteFailed(job, "retry", err)
			return
		}
		r.log.Warn("job retrying",
			zap.String("job_id", job.ID),
			zap.String("trace_id", job.TraceID),
			zap.String("worker_id", r.id),
			zap.Int("retry_count", job.RetryCount+1),
			zap.Duration("backoff", delay),
			zap.String("error", jobErr.Error()))
		return
	}

	if err := r.store.DeadLetterJob(ctx, job.ID, r.id, jobErr.Error(), r.now()); err != nil {
		r.leaseWriteFailed(job, "dead-letter", err)
		return
	}
	r.log.Error("job dead-lettered",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("trace_id", job.TraceID),
		zap.String("worker_id", r.id),
		zap.Int("retry_count", job.RetryCount),
		zap.String("error", jobErr.Error()))
}

// leaseWriteFailed reports a terminal write that did not land. A lost lease
// means a peer stole the job after our lease expired; the peer's run owns
// the outcome now, so the write is dropped.
func (r *Runner) leaseWriteFailed(job *domain.Job, op string, err error) {
	if errors.Is(err, domain.ErrLeaseLost) {
		r.log.Warn("lease lost before "+op,
			zap.String("job_id", job.ID),
			zap.String("trace_id", job.TraceID),
			zap.String("worker_id", r.id))
		return
	}
	r.log.Error(op+" write failed",
		zap.String("job_id", job.ID),
		zap.String("trace_id", job.TraceID),
		zap.String("worker_id", r.id),
		zap.Error(err))
}

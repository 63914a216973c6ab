// Package submit implements job submission: validation, idempotent dedup,
// admission control, and the pending-job insert.
package submit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/durq/internal/domain"
	"github.com/you/durq/internal/storage"
)

// Gate is the admission control consulted before insertion.
// *ratelimit.Gate satisfies it.
type Gate interface {
	Allow(ctx context.Context, tenant string) bool
	AllowConcurrent(running int) bool
}

type Service struct {
	store storage.Store
	gate  Gate
	log   *zap.Logger
}

func New(store storage.Store, gate Gate, log *zap.Logger) *Service {
	return &Service{store: store, gate: gate, log: log}
}

// Submit validates and admits one job. Order matters: an idempotent replay
// returns the existing job before any gate is consulted, so replays neither
// consume rate tokens nor count against concurrency.
func (s *Service) Submit(ctx context.Context, tenantID string, payload json.RawMessage, idempotencyKey *string) (*domain.Job, error) {
	if tenantID == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "tenantId is required")
	}
	if len(payload) == 0 || string(payload) == "null" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "payload is required")
	}

	if idempotencyKey != nil && *idempotencyKey == "" {
		idempotencyKey = nil
	}
	if idempotencyKey != nil {
		existing, err := s.store.GetJobByIdempotencyKey(ctx, *idempotencyKey)
		if err == nil {
			s.log.Info("job deduplicated",
				zap.String("job_id", existing.ID),
				zap.String("tenant_id", tenantID),
				zap.String("trace_id", existing.TraceID),
				zap.String("idempotency_key", *idempotencyKey))
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	if !s.gate.Allow(ctx, tenantID) {
		return nil, domain.ErrRateLimited
	}

	running, err := s.store.RunningJobCount(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !s.gate.AllowConcurrent(running) {
		return nil, domain.ErrTooManyRunning
	}

	job, err := s.store.InsertJob(ctx, storage.InsertJobParams{
		TenantID:       tenantID,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		MaxRetries:     domain.DefaultMaxRetries,
		TraceID:        uuid.NewString(),
	})
	if errors.Is(err, domain.ErrDuplicateKey) && idempotencyKey != nil {
		// Lost a race against a concurrent submission with the same key.
		// The winner's row is visible now; return it. The rate token this
		// attempt consumed is not refunded.
		return s.store.GetJobByIdempotencyKey(ctx, *idempotencyKey)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", tenantID),
		zap.String("trace_id", job.TraceID))
	return job, nil
}

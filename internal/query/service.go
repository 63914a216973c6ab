// Package query exposes read-only projections of the job store for API
// responses and dashboards.
package query

import (
	"context"

	"github.com/pkg/errors"

	"github.com/you/durq/internal/domain"
	"github.com/you/durq/internal/storage"
)

const defaultListLimit = 50

type Service struct {
	store storage.Store
}

func New(store storage.Store) *Service {
	return &Service{store: store}
}

// JobStatus returns the full job row; domain.ErrNotFound when absent.
func (s *Service) JobStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	if jobID == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "jobId is required")
	}
	return s.store.GetJob(ctx, jobID)
}

// ListJobs returns a tenant's most recent jobs, optionally filtered by
// status. An empty status string means no filter.
func (s *Service) ListJobs(ctx context.Context, tenantID, status string) ([]*domain.Job, error) {
	if tenantID == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "tenantId is required")
	}
	var filter *domain.Status
	if status != "" {
		st := domain.Status(status)
		if !st.Valid() {
			return nil, errors.Wrapf(domain.ErrInvalidArgument, "unknown status %q", status)
		}
		filter = &st
	}
	return s.store.ListJobs(ctx, tenantID, filter, defaultListLimit)
}

// RunningJobCount reports the tenant's in-flight jobs. The submission
// service consults it for the concurrency gate.
func (s *Service) RunningJobCount(ctx context.Context, tenantID string) (int, error) {
	return s.store.RunningJobCount(ctx, tenantID)
}

// Metrics aggregates job and dead-letter counts; empty tenantID means
// fleet-wide.
func (s *Service) Metrics(ctx context.Context, tenantID string) (*storage.Metrics, error) {
	return s.store.Metrics(ctx, tenantID)
}

// DeadLetters lists dead-letter entries, newest first, optionally scoped
// to a tenant.
func (s *Service) DeadLetters(ctx context.Context, tenantID string) ([]*domain.DeadLetterEntry, error) {
	return s.store.ListDeadLetters(ctx, tenantID, defaultListLimit)
}

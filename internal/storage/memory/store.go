// Package memory is a fully in-memory storage.Store. Safe for concurrent
// access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/durq/internal/domain"
	"github.com/you/durq/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	dlq  map[string]*domain.DeadLetterEntry

	// now is swappable so tests can steer lease expiry and backoff release.
	now func() time.Time
}

func New() *Store {
	return &Store{
		jobs: make(map[string]*domain.Job),
		dlq:  make(map[string]*domain.DeadLetterEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store's clock. Test helper.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) InsertJob(_ context.Context, p storage.InsertJobParams) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.IdempotencyKey != nil {
		for _, j := range s.jobs {
			if j.IdempotencyKey != nil && *j.IdempotencyKey == *p.IdempotencyKey {
				return nil, domain.ErrDuplicateKey
			}
		}
	}

	j := &domain.Job{
		ID:             uuid.NewString(),
		TenantID:       p.TenantID,
		Status:         domain.Pending,
		Payload:        append([]byte(nil), p.Payload...),
		IdempotencyKey: p.IdempotencyKey,
		RetryCount:     0,
		MaxRetries:     p.MaxRetries,
		CreatedAt:      s.now(),
		TraceID:        p.TraceID,
	}
	s.jobs[j.ID] = j
	return copyJob(j), nil
}

func (s *Store) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Store) GetJobByIdempotencyKey(_ context.Context, key string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, j := range s.jobs {
		if j.IdempotencyKey != nil && *j.IdempotencyKey == key {
			return copyJob(j), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) AcquireLease(_ context.Context, workerID string, leaseFor time.Duration) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *domain.Job
	for _, j := range s.jobs {
		if !claimable(j, now) {
			continue
		}
		if best == nil || j.CreatedAt.Before(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	expires := now.Add(leaseFor)
	best.Status = domain.Running
	best.WorkerID = &workerID
	best.LeaseExpiresAt = &expires
	if best.StartedAt == nil {
		started := now
		best.StartedAt = &started
	}
	return copyJob(best), nil
}

func claimable(j *domain.Job, now time.Time) bool {
	switch j.Status {
	case domain.Pending:
		return !j.CreatedAt.After(now)
	case domain.Running:
		return j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
	}
	return false
}

// leased checks the holder guard shared by the three terminal writes.
func (s *Store) leased(jobID, workerID string) (*domain.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if j.Status != domain.Running || j.WorkerID == nil || *j.WorkerID != workerID {
		return nil, domain.ErrLeaseLost
	}
	return j, nil
}

func (s *Store) CompleteJob(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.leased(jobID, workerID)
	if err != nil {
		return err
	}
	done := s.now()
	j.Status = domain.Completed
	j.CompletedAt = &done
	j.WorkerID = nil
	j.LeaseExpiresAt = nil
	return nil
}

func (s *Store) RetryJob(_ context.Context, jobID, workerID, errMsg string, releaseAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.leased(jobID, workerID)
	if err != nil {
		return err
	}
	j.Status = domain.Pending
	j.RetryCount++
	j.WorkerID = nil
	j.LeaseExpiresAt = nil
	j.ErrorMessage = &errMsg
	j.CreatedAt = releaseAt
	return nil
}

func (s *Store) DeadLetterJob(_ context.Context, jobID, workerID, finalError string, failedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.leased(jobID, workerID)
	if err != nil {
		return err
	}
	entry := &domain.DeadLetterEntry{
		ID:         uuid.NewString(),
		JobID:      j.ID,
		Payload:    append([]byte(nil), j.Payload...),
		FinalError: finalError,
		FailedAt:   failedAt,
		TraceID:    j.TraceID,
	}
	s.dlq[entry.ID] = entry

	j.Status = domain.Failed
	j.ErrorMessage = &finalError
	j.WorkerID = nil
	j.LeaseExpiresAt = nil
	return nil
}

func (s *Store) ListJobs(_ context.Context, tenantID string, status *domain.Status, limit int) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Job, 0)
	for _, j := range s.jobs {
		if j.TenantID != tenantID {
			continue
		}
		if status != nil && j.Status != *status {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RunningJobCount(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.Status == domain.Running {
			n++
		}
	}
	return n, nil
}

func (s *Store) Metrics(_ context.Context, tenantID string) (*storage.Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &storage.Metrics{
		JobsByStatus: map[domain.Status]int64{
			domain.Pending:   0,
			domain.Running:   0,
			domain.Completed: 0,
			domain.Failed:    0,
		},
	}
	for _, j := range s.jobs {
		if tenantID != "" && j.TenantID != tenantID {
			continue
		}
		m.JobsTotal++
		m.JobsByStatus[j.Status]++
	}
	for _, e := range s.dlq {
		if tenantID != "" {
			parent, ok := s.jobs[e.JobID]
			if !ok || parent.TenantID != tenantID {
				continue
			}
		}
		m.DLQSize++
	}
	return m, nil
}

func (s *Store) ListDeadLetters(_ context.Context, tenantID string, limit int) ([]*domain.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.DeadLetterEntry, 0)
	for _, e := range s.dlq {
		if tenantID != "" {
			parent, ok := s.jobs[e.JobID]
			if !ok || parent.TenantID != tenantID {
				continue
			}
		}
		cp := *e
		cp.Payload = append([]byte(nil), e.Payload...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].FailedAt.After(out[b].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Ping(_ context.Context) error { return nil }

func copyJob(j *domain.Job) *domain.Job {
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	if j.IdempotencyKey != nil {
		k := *j.IdempotencyKey
		cp.IdempotencyKey = &k
	}
	if j.WorkerID != nil {
		w := *j.WorkerID
		cp.WorkerID = &w
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.ErrorMessage != nil {
		e := *j.ErrorMessage
		cp.ErrorMessage = &e
	}
	return &cp
}

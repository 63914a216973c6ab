package query_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/you/durq/internal/domain"
	"github.com/you/durq/internal/query"
	"github.com/you/durq/internal/storage"
	"github.com/you/durq/internal/storage/memory"
)

func seed(t *testing.T, store *memory.Store, tenant string) *domain.Job {
	t.Helper()
	j, err := store.InsertJob(context.Background(), storage.InsertJobParams{
		TenantID:   tenant,
		Payload:    json.RawMessage(`{}`),
		MaxRetries: 3,
		TraceID:    "t",
	})
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestJobStatus(t *testing.T) {
	store := memory.New()
	svc := query.New(store)
	j := seed(t, store, "A")

	got, err := svc.JobStatus(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != j.ID {
		t.Errorf("got %s, want %s", got.ID, j.ID)
	}

	if _, err := svc.JobStatus(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := svc.JobStatus(context.Background(), ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("empty id: err = %v, want ErrInvalidArgument", err)
	}
}

func TestListJobs_Validation(t *testing.T) {
	svc := query.New(memory.New())

	if _, err := svc.ListJobs(context.Background(), "", ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("missing tenant: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := svc.ListJobs(context.Background(), "A", "sleeping"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("bad status: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := svc.ListJobs(context.Background(), "A", "pending"); err != nil {
		t.Errorf("valid filter: %v", err)
	}
}

func TestRunningJobCount(t *testing.T) {
	store := memory.New()
	svc := query.New(store)
	seed(t, store, "A")
	seed(t, store, "A")

	if _, err := store.AcquireLease(context.Background(), "w", domain.LeaseDuration); err != nil {
		t.Fatal(err)
	}

	n, err := svc.RunningJobCount(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("running = %d, want 1", n)
	}
}

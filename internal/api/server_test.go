package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/you/durq/internal/api"
	"github.com/you/durq/internal/domain"
	"github.com/you/durq/internal/query"
	"github.com/you/durq/internal/storage/memory"
	"github.com/you/durq/internal/submit"
)

// windowGate admits a fixed number of submissions, standing in for the
// sliding window.
type windowGate struct {
	used  int
	limit int
}

func (g *windowGate) Allow(context.Context, string) bool {
	if g.used >= g.limit {
		return false
	}
	g.used++
	return true
}

func (g *windowGate) AllowConcurrent(running int) bool {
	return running < domain.MaxConcurrentPerTenant
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	gate := &windowGate{limit: domain.RateLimitPerWindow}
	srv := api.NewServer(
		submit.New(store, gate, zap.NewNop()),
		query.New(store),
		zap.NewNop(),
		store,
		pingFunc(func(context.Context) error { return nil }),
	)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJob(t *testing.T, ts *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestSubmitEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := postJob(t, ts, `{"tenantId":"A","payload":{"task":"x"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if id, _ := body["jobId"].(string); id == "" {
		t.Errorf("missing jobId: %v", body)
	}
	if body["status"] != "pending" {
		t.Errorf("status = %v, want pending", body["status"])
	}
	if trace, _ := body["traceId"].(string); trace == "" {
		t.Errorf("missing traceId: %v", body)
	}
}

func TestSubmitEndpoint_MissingFields(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, body := range []string{
		`{"payload":{"task":"x"}}`,
		`{"tenantId":"A"}`,
		`not json`,
	} {
		resp, _ := postJob(t, ts, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestSubmitEndpoint_RateLimit(t *testing.T) {
	ts, _ := newTestServer(t)

	for i := 0; i < domain.RateLimitPerWindow; i++ {
		resp, _ := postJob(t, ts, `{"tenantId":"A","payload":{}}`)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("submission %d: status = %d, want 201", i+1, resp.StatusCode)
		}
	}

	resp, body := postJob(t, ts, `{"tenantId":"A","payload":{}}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("11th submission: status = %d, want 429", resp.StatusCode)
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "10 jobs per minute") {
		t.Errorf("message = %q, want mention of 10 jobs per minute", msg)
	}
}

func TestSubmitEndpoint_ConcurrencyLimit(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < domain.MaxConcurrentPerTenant; i++ {
		resp, _ := postJob(t, ts, `{"tenantId":"A","payload":{}}`)
		if resp.StatusCode != http.StatusCreated {
			t.Fatal("setup submit failed")
		}
		if j, _ := store.AcquireLease(ctx, "w", domain.LeaseDuration); j == nil {
			t.Fatal("setup lease failed")
		}
	}

	resp, body := postJob(t, ts, `{"tenantId":"A","payload":{}}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "5 concurrent jobs") {
		t.Errorf("message = %q, want mention of 5 concurrent jobs", msg)
	}
}

func TestSubmitEndpoint_IdempotentResubmit(t *testing.T) {
	ts, _ := newTestServer(t)
	body := `{"tenantId":"A","payload":{"task":"x"},"idempotencyKey":"K"}`

	_, first := postJob(t, ts, body)
	resp, second := postJob(t, ts, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("replay status = %d, want 201", resp.StatusCode)
	}
	if first["jobId"] != second["jobId"] {
		t.Errorf("jobId differs across replays: %v vs %v", first["jobId"], second["jobId"])
	}

	listResp, err := http.Get(ts.URL + "/api/v1/jobs?tenantId=A")
	if err != nil {
		t.Fatal(err)
	}
	list := decode(t, listResp)
	jobs, _ := list["jobs"].([]any)
	if len(jobs) != 1 {
		t.Errorf("jobs listed = %d, want 1", len(jobs))
	}
}

func TestGetJobEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	_, created := postJob(t, ts, `{"tenantId":"A","payload":{"task":"x"}}`)

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/jobs/%s", ts.URL, created["jobId"]))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["status"] != "pending" || body["traceId"] != created["traceId"] {
		t.Errorf("body = %v", body)
	}
	if body["retryCount"] != float64(0) {
		t.Errorf("retryCount = %v, want 0", body["retryCount"])
	}

	missing, err := http.Get(ts.URL + "/api/v1/jobs/no-such-job")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job: status = %d, want 404", missing.StatusCode)
	}
}

func TestListJobsEndpoint_RequiresTenant(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/jobs")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMetricsEndpoint_TenantScoped(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	// Tenant A: 2 pending, 1 running, 3 completed, 1 failed with a DLQ row.
	for i := 0; i < 2; i++ {
		postJob(t, ts, `{"tenantId":"A","payload":{}}`)
	}
	postJob(t, ts, `{"tenantId":"A","payload":{}}`)
	if j, _ := store.AcquireLease(ctx, "w", domain.LeaseDuration); j == nil {
		t.Fatal("setup lease failed")
	}
	for i := 0; i < 3; i++ {
		postJob(t, ts, `{"tenantId":"A","payload":{}}`)
	}
	// The three just-submitted pendings plus the two first ones are all
	// pending; lease and complete three of them.
	for i := 0; i < 3; i++ {
		j, _ := store.AcquireLease(ctx, "w", domain.LeaseDuration)
		if j == nil {
			t.Fatal("setup lease failed")
		}
		if err := store.CompleteJob(ctx, j.ID, "w"); err != nil {
			t.Fatal(err)
		}
	}
	postJob(t, ts, `{"tenantId":"A","payload":{}}`)
	j, _ := store.AcquireLease(ctx, "w", domain.LeaseDuration)
	if j == nil {
		t.Fatal("setup lease failed")
	}
	if err := store.DeadLetterJob(ctx, j.ID, "w", "boom", j.CreatedAt); err != nil {
		t.Fatal(err)
	}

	// Tenant B noise.
	postJob(t, ts, `{"tenantId":"B","payload":{}}`)

	resp, err := http.Get(ts.URL + "/api/v1/metrics?tenantId=A")
	if err != nil {
		t.Fatal(err)
	}
	body := decode(t, resp)
	if body["jobs_total"] != float64(7) {
		t.Errorf("jobs_total = %v, want 7", body["jobs_total"])
	}
	byStatus, _ := body["jobs_by_status"].(map[string]any)
	want := map[string]float64{"pending": 2, "running": 1, "completed": 3, "failed": 1}
	for st, n := range want {
		if byStatus[st] != n {
			t.Errorf("jobs_by_status[%s] = %v, want %v", st, byStatus[st], n)
		}
	}
	if body["dlq_size"] != float64(1) {
		t.Errorf("dlq_size = %v, want 1", body["dlq_size"])
	}
}

func TestDLQEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	postJob(t, ts, `{"tenantId":"A","payload":{"task":"doomed"}}`)
	j, _ := store.AcquireLease(ctx, "w", domain.LeaseDuration)
	if j == nil {
		t.Fatal("setup lease failed")
	}
	if err := store.DeadLetterJob(ctx, j.ID, "w", "gave up", j.CreatedAt); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/api/v1/dlq?tenantId=A")
	if err != nil {
		t.Fatal(err)
	}
	body := decode(t, resp)
	entries, _ := body["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	entry, _ := entries[0].(map[string]any)
	if entry["jobId"] != j.ID || entry["finalError"] != "gave up" {
		t.Errorf("entry = %v", entry)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

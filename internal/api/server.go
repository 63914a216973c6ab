// Package api is the HTTP surface: JSON endpoints under /api/v1 plus a
// health probe.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/durq/internal/domain"
	"github.com/you/durq/internal/query"
	"github.com/you/durq/internal/submit"
)

// Pinger reports backend reachability for the health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	submit *submit.Service
	query  *query.Service
	log    *zap.Logger

	storePing Pinger
	redisPing Pinger
}

func NewServer(sub *submit.Service, q *query.Service, log *zap.Logger, store, redis Pinger) *Server {
	return &Server{submit: sub, query: q, log: log, storePing: store, redisPing: redis}
}

func (s *Server) Router() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(chimw.Recoverer)
	rtr.Use(s.requestLogger)

	rtr.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/dlq", s.handleDeadLetters)
	})
	rtr.Get("/healthz", s.handleHealth)
	return rtr
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

type submitRequest struct {
	TenantID       string          `json:"tenantId"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey *string         `json:"idempotencyKey"`
}

type submitResponse struct {
	JobID   string        `json:"jobId"`
	Status  domain.Status `json:"status"`
	TraceID string        `json:"traceId"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrap(domain.ErrInvalidArgument, "malformed JSON body"))
		return
	}

	job, err := s.submit.Submit(r.Context(), req.TenantID, req.Payload, req.IdempotencyKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{
		JobID:   job.ID,
		Status:  job.Status,
		TraceID: job.TraceID,
	})
}

type jobResponse struct {
	JobID        string        `json:"jobId"`
	TenantID     string        `json:"tenantId"`
	Status       domain.Status `json:"status"`
	TraceID      string        `json:"traceId"`
	CreatedAt    time.Time     `json:"createdAt"`
	StartedAt    *time.Time    `json:"startedAt"`
	CompletedAt  *time.Time    `json:"completedAt"`
	RetryCount   int           `json:"retryCount"`
	ErrorMessage *string       `json:"errorMessage"`
}

func toJobResponse(j *domain.Job) jobResponse {
	return jobResponse{
		JobID:        j.ID,
		TenantID:     j.TenantID,
		Status:       j.Status,
		TraceID:      j.TraceID,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		RetryCount:   j.RetryCount,
		ErrorMessage: j.ErrorMessage,
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.query.JobStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.query.ListJobs(r.Context(), r.URL.Query().Get("tenantId"), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.query.Metrics(r.Context(), r.URL.Query().Get("tenantId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type dlqEntryResponse struct {
	ID         string          `json:"id"`
	JobID      string          `json:"jobId"`
	Payload    json.RawMessage `json:"payload"`
	FinalError string          `json:"finalError"`
	FailedAt   time.Time       `json:"failedAt"`
	TraceID    string          `json:"traceId"`
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := s.query.DeadLetters(r.Context(), r.URL.Query().Get("tenantId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]dlqEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, dlqEntryResponse{
			ID: e.ID, JobID: e.JobID, Payload: e.Payload,
			FinalError: e.FinalError, FailedAt: e.FailedAt, TraceID: e.TraceID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"postgres": "ok", "redis": "ok"}
	code := http.StatusOK
	if err := s.storePing.Ping(ctx); err != nil {
		status["postgres"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := s.redisPing.Ping(ctx); err != nil {
		status["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError maps domain errors onto the HTTP contract. The two 429s carry
// distinguishing messages so clients can tell rate from concurrency.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_argument", Message: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: "job not found"})
	case errors.Is(err, domain.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error: "rate_limited", Message: "Maximum 10 jobs per minute allowed"})
	case errors.Is(err, domain.ErrTooManyRunning):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error: "rate_limited", Message: "Maximum 5 concurrent jobs allowed"})
	default:
		s.log.Error("internal error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

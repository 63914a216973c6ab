package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Valid reports whether s is one of the four job statuses.
func (s Status) Valid() bool {
	switch s {
	case Pending, Running, Completed, Failed:
		return true
	}
	return false
}

// Admission-control and worker policy. Fixed in this version.
const (
	RateLimitPerWindow     = 10
	RateWindow             = 60 * time.Second
	MaxConcurrentPerTenant = 5
	LeaseDuration          = 5 * time.Minute
	PollInterval           = 2 * time.Second
	DefaultMaxRetries      = 3
)

// Job is the unit of work. The jobs table is the source of truth; workers
// never cache job state between iterations.
type Job struct {
	ID             string
	TenantID       string
	Status         Status
	Payload        json.RawMessage
	IdempotencyKey *string
	RetryCount     int
	MaxRetries     int
	LeaseExpiresAt *time.Time
	WorkerID       *string
	// CreatedAt doubles as the dequeue ordering key; a retry rewrites it to
	// now+backoff, making it also the earliest moment the retry may be leased.
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	TraceID      string
}

// DeadLetterEntry is the terminal record for a job that exhausted its retry
// budget. It snapshots the payload and final error; the job row itself
// remains with status=failed, referenced by JobID.
type DeadLetterEntry struct {
	ID         string
	JobID      string
	Payload    json.RawMessage
	FinalError string
	FailedAt   time.Time
	TraceID    string
}

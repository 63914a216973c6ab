package domain

import "errors"

var (
	// ErrInvalidArgument marks client mistakes: missing tenant, empty payload,
	// malformed identifiers. Surfaced as HTTP 400, never logged as an error.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound means the requested job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrRateLimited means the tenant exceeded the submission-rate window.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTooManyRunning means the tenant is at its in-flight concurrency cap.
	ErrTooManyRunning = errors.New("concurrent job limit exceeded")

	// ErrDuplicateKey is returned by stores when an insert collides on the
	// idempotency key. Submission converts it into a return-existing outcome.
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrLeaseLost is returned when an ack/retry/dead-letter write finds the
	// job no longer leased to the writing worker.
	ErrLeaseLost = errors.New("lease no longer held")
)

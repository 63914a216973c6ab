package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/you/durq/internal/domain"
)

// Simulated is the reference handler: it sleeps to emulate work and fails
// on demand. A real deployment pins a handler per payload shape.
func Simulated(ctx context.Context, job *domain.Job) error {
	var p struct {
		SimulateFailure bool `json:"simulateFailure"`
		DurationMs      int  `json:"durationMs"`
	}
	// Payloads are opaque; anything unparseable just runs with defaults.
	_ = json.Unmarshal(job.Payload, &p)

	d := 100 * time.Millisecond
	if p.DurationMs > 0 {
		d = time.Duration(p.DurationMs) * time.Millisecond
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return ctx.Err()
	}

	if p.SimulateFailure {
		return errors.New("simulated failure")
	}
	return nil
}

// Package backoff computes retry release delays. Strategies are stateless
// and safe for concurrent use.
package backoff

import "time"

// Exponential doubles the delay each failed attempt.
// Delay = min(Initial * 2^attempt, Max), attempt counted from zero.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the release delay after the failure that occurred while the
// job's retry count was attempt.
func (e Exponential) Delay(attempt int) time.Duration {
	d := e.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Default is the queue's retry policy: 30 s base doubling to a 10 min cap.
func Default() Exponential {
	return Exponential{Initial: 30 * time.Second, Max: 10 * time.Minute}
}

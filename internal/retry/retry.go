// Package retry provides a shared retry utility with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// cryptoFloat64 returns a random float64 in [0, 1) using crypto/rand.
func cryptoFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	// 53 random mantissa bits give a uniform value in [0, 1).
	return float64(binary.LittleEndian.Uint64(b[:])>>11) / (1 << 53)
}

// Policy describes an exponential backoff schedule.
type Policy struct {
	BaseDelay   time.Duration // delay before the first retry, pre-jitter
	Multiplier  float64       // growth factor per attempt
	MaxDelay    time.Duration // pre-jitter cap, 0 means uncapped
	MaxAttempts int           // total attempts including the first
}

// DefaultPolicy is the schedule used for outbound ledger calls: 1s base,
// doubling, capped at 60s, three attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 3,
	}
}

// DelayFor returns the sleep before retry number attempt (zero-based), with
// uniform jitter in [0.5, 1.0) applied after the cap. Concurrent retriers
// hitting the same upstream therefore never march in lockstep.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d * (0.5 + 0.5*cryptoFloat64()))
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to p.MaxAttempts times following the policy's schedule.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
func Do(ctx context.Context, p Policy, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Don't retry permanent errors.
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if attempt == attempts-1 {
			break
		}

		if serr := Sleep(ctx, p.DelayFor(attempt)); serr != nil {
			return serr
		}
	}

	return err
}

// Sleep blocks for d or until ctx is done, returning the context error in
// the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package retry centralizes the ad-hoc backoff-and-retry loops scattered
// across the teacher's transport clients (Design Note: centralize ad-hoc
// retries in one primitive). LLM calls, tool calls and subscription sync
// call retry.Do
// with one of the policies below instead of hand-rolling sleeps.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy decides whether and how long to wait before the next attempt.
type Policy interface {
	// NextDelay returns the delay before attempt (1-indexed) given the
	// previous attempt failed, and whether a further attempt should happen
	// at all.
	NextDelay(attempt int) (delay time.Duration, shouldRetry bool)
}

// ExponentialBackoff grows the delay geometrically from Base, capped at Cap,
// stopping after MaxAttempts total attempts. This is spec.md's default
// policy for LLM/tool transient failures: base 500ms, cap 30s, max 5
// attempts.
type ExponentialBackoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	// Jitter, when true, randomizes the delay in [0, computed delay) to avoid
	// thundering-herd retries across concurrently failing jobs.
	Jitter bool
}

func (p ExponentialBackoff) NextDelay(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	d := p.Base << uint(attempt-1)
	if d <= 0 || d > p.Cap {
		d = p.Cap
	}
	if p.Jitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d)))
	}
	return d, true
}

// FixedInterval retries MaxAttempts times with a constant delay.
type FixedInterval struct {
	Interval    time.Duration
	MaxAttempts int
}

func (p FixedInterval) NextDelay(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	return p.Interval, true
}

// NoRetry never retries; the first failure is final.
type NoRetry struct{}

func (NoRetry) NextDelay(int) (time.Duration, bool) { return 0, false }

// DefaultLLMPolicy is spec.md §4.J's transient-failure policy for LLM and
// tool calls.
var DefaultLLMPolicy = ExponentialBackoff{Base: 500 * time.Millisecond, Cap: 30 * time.Second, MaxAttempts: 5, Jitter: true}

// Classifier decides whether an error is worth retrying at all. Not every
// failure under a retryable policy should consume an attempt — validation
// and authorization errors must surface immediately (spec.md §7).
type Classifier func(err error) bool

// AlwaysRetry treats every error as transient.
func AlwaysRetry(error) bool { return true }

// Do runs op, retrying per policy while classify(err) is true, until it
// succeeds, the policy exhausts attempts, or ctx is cancelled. It returns
// the last error if every attempt failed.
func Do(ctx context.Context, policy Policy, classify Classifier, op func(ctx context.Context) error) error {
	if classify == nil {
		classify = AlwaysRetry
	}
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !classify(lastErr) {
			return lastErr
		}
		delay, ok := policy.NextDelay(attempt)
		if !ok {
			return lastErr
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
}

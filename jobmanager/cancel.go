package jobmanager

import "sync"

// CancelToken is a cooperative cancellation flag checked between phases of
// a job's state machine (spec.md §4.J "Cancellation": "an external
// cancel(job_id) sets a flag checked between phases; an in-flight tool or
// LLM call is allowed to finish but its result is discarded").
//
// Grounded on runtime/agent/interrupt/controller.go's PollPause: a
// non-blocking check a loop polls at suspension points, generalized here
// from a Temporal signal channel to a plain mutex-guarded flag since jobs
// run as goroutines, not workflow executions.
type CancelToken struct {
	mu        sync.Mutex
	cancelled bool
}

// NewCancelToken returns a token in the non-cancelled state.
func NewCancelToken() *CancelToken { return &CancelToken{} }

// Cancel sets the flag. Idempotent.
func (c *CancelToken) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

// Cancelled reports whether Cancel has been called.
func (c *CancelToken) Cancelled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

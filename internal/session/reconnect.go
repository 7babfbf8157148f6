package session

import (
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxAttempts = 5
)

// ReconnectPolicy decides when to retry after an unsolicited drop. The n-th
// attempt (counting from 1) waits BaseDelay*n; after MaxAttempts failed
// attempts the connection is given up.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy returns 1s linear backoff with 5 attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{BaseDelay: DefaultBaseDelay, MaxAttempts: DefaultMaxAttempts}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Delay returns the wait before attempt (1-based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	return p.withDefaults().BaseDelay * time.Duration(max(attempt, 1))
}

// Exhausted reports whether attempt is past the limit.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return attempt > p.withDefaults().MaxAttempts
}

// ── Clock ────────────────────────────────────────────────────────────────────

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
func (realClock) Now() time.Time                            { return time.Now() }

// ── reconnector ──────────────────────────────────────────────────────────────

// reconnector owns the attempt counter and the single pending retry timer of
// one Transport.
type reconnector struct {
	policy ReconnectPolicy
	clock  Clock

	mu      sync.Mutex
	attempt int
	timer   Timer
}

func newReconnector(policy ReconnectPolicy, clock Clock) *reconnector {
	return &reconnector{policy: policy.withDefaults(), clock: clock}
}

// schedule advances the counter and arms a timer running retry after the
// policy delay. It returns ok=false, arming nothing, once the attempts are
// used up.
func (r *reconnector) schedule(retry func()) (attempt int, delay time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	next := r.attempt + 1
	if r.policy.Exhausted(next) {
		return r.attempt, 0, false
	}
	r.attempt = next
	delay = r.policy.Delay(next)
	r.timer = r.clock.AfterFunc(delay, retry)
	return next, delay, true
}

// cancel stops a pending retry.
func (r *reconnector) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// reset cancels a pending retry and zeroes the counter.
func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.attempt = 0
}

// fired clears the timer slot once its callback runs.
func (r *reconnector) fired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timer = nil
}

func (r *reconnector) current() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Package backoff schedules reconnect attempts with capped exponential delays.
package backoff

import (
	"errors"
	"sync"
	"time"

	jpbackoff "github.com/jpillora/backoff"
)

// ErrExhausted is returned once a subject has used all of its attempts.
var ErrExhausted = errors.New("reconnect attempts exhausted")

// Policy holds the retry parameters for one kind of subject.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultVenuePolicy is 1s doubling to 30s, five attempts.
func DefaultVenuePolicy() Policy {
	return Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5}
}

// DefaultStreamPolicy is 1s doubling to 30s, fifteen attempts.
func DefaultStreamPolicy() Policy {
	return Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 15}
}

// Delay returns min(BaseDelay*2^attempt, MaxDelay). Negative attempts yield
// the base delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b := &jpbackoff.Backoff{Min: p.BaseDelay, Max: p.MaxDelay, Factor: 2}
	return b.ForAttempt(float64(attempt))
}

// Timer is the part of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// AfterFunc starts a timer that calls f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithAfterFunc replaces the timer factory.
func WithAfterFunc(fn AfterFunc) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.afterFunc = fn
		}
	}
}

// Scheduler owns the single pending retry timer of one subject.
type Scheduler struct {
	policy    Policy
	afterFunc AfterFunc

	mu       sync.Mutex
	attempts int
	failed   bool
	timer    Timer
	gen      uint64
}

// NewScheduler returns an idle scheduler using real timers.
func NewScheduler(policy Policy, opts ...Option) *Scheduler {
	s := &Scheduler{policy: policy, afterFunc: realAfterFunc}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the retry parameters the scheduler was built with.
func (s *Scheduler) Policy() Policy { return s.policy }

// Schedule records a failure and arranges for fn to run after the next
// backoff delay, replacing any pending retry. Once the attempt count exceeds
// MaxAttempts the subject is marked failed, nothing is scheduled and
// ErrExhausted is returned until Reset.
func (s *Scheduler) Schedule(fn func()) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed {
		return 0, ErrExhausted
	}

	s.attempts++
	s.cancelLocked()

	if s.attempts > s.policy.MaxAttempts {
		s.failed = true
		return 0, ErrExhausted
	}

	delay := s.policy.Delay(s.attempts - 1)
	s.armLocked(delay, fn)
	return delay, nil
}

// Defer arranges for fn to run after d without recording a failure. It
// replaces any pending retry and does nothing once the subject has failed.
func (s *Scheduler) Defer(d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed {
		return false
	}
	s.cancelLocked()
	if d <= 0 {
		d = s.policy.BaseDelay
	}
	s.armLocked(d, fn)
	return true
}

func (s *Scheduler) armLocked(d time.Duration, fn func()) {
	gen := s.gen
	s.timer = s.afterFunc(d, func() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		fn()
	})
}

// Reset clears the failure streak, the failed flag and any pending retry.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.cancelLocked()
	s.attempts = 0
	s.failed = false
	s.mu.Unlock()
}

// Stop cancels a pending retry without touching the attempt count.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancelLocked()
	s.mu.Unlock()
}

func (s *Scheduler) cancelLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Attempts is the number of failures recorded since the last Reset.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Failed reports whether the attempts ran out.
func (s *Scheduler) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Pending reports whether a retry timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

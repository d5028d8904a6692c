// Package health runs single round-trip liveness probes against venues.
package health

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"tradeforce/logger"
)

const DefaultTimeout = 5 * time.Second

var (
	// ErrUnauthorized marks a probe rejected for credential reasons.
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
)

// Mode declares whether a probe touches a private endpoint.
type Mode int

const (
	// ReadOnly probes hit public endpoints and have no side effects.
	ReadOnly Mode = iota
	// Authenticated probes sign a request against a private endpoint and
	// count against the account's rate limits.
	Authenticated
)

func (m Mode) String() string {
	if m == Authenticated {
		return "authenticated"
	}
	return "read-only"
}

// Probe performs one lightweight request. A nil error means healthy.
type Probe interface {
	Probe(ctx context.Context) error
	Mode() Mode
}

// Result is the outcome of one check. LatencyMs is nil unless Healthy.
type Result struct {
	Healthy   bool
	LatencyMs *int64
	Err       error
}

// Reason returns the failure description, or an empty string when healthy.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type Checker struct {
	timeout time.Duration
	log     *logger.Log
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{timeout: timeout, log: logger.GetLogger()}
}

func (c *Checker) Timeout() time.Duration { return c.timeout }

// Check runs p under the checker timeout and measures wall-clock latency.
// Failures, including panics inside the probe, are reported in the Result.
func (c *Checker) Check(ctx context.Context, p Probe) (res Result) {
	if p == nil {
		return Result{Err: errors.New("no probe configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("probe panicked: %v", r)}
		}
	}()

	start := time.Now()
	err := p.Probe(ctx)
	elapsed := time.Since(start)

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("probe timed out after %s: %w", c.timeout, err)
		}
		c.log.WithComponent("health").WithFields(logger.Fields{
			"mode":       p.Mode().String(),
			"elapsed_ms": elapsed.Milliseconds(),
		}).WithError(err).Debug("probe failed")
		return Result{Err: err}
	}

	ms := elapsed.Milliseconds()
	return Result{Healthy: true, LatencyMs: &ms}
}

// authPhrase matches whole words and phrases, never a bare "auth" prefix.
var authPhrase = regexp.MustCompile(`(?i)\b(unauthori[sz]ed|authentication|invalid (api[- ]?)?key|api[- ]key|invalid signature|signature mismatch|signature for this request is not valid|permission denied)\b`)

// IsAuthMessage reports whether a provider error message describes a
// credential problem. It is meant for provider payloads, not transport errors.
func IsAuthMessage(msg string) bool {
	return authPhrase.MatchString(msg)
}

// IsAuthError reports whether err stems from rejected credentials. Only errors
// wrapping ErrUnauthorized qualify.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

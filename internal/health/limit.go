package health

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitError is returned when the local limiter holds a probe back.
// It matches ErrRateLimited under errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, next slot in %s", e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

type limitedProbe struct {
	inner   Probe
	limiter *rate.Limiter
}

// Limited wraps p so that calls beyond the limiter budget fail fast with a
// *RateLimitError instead of reaching the venue.
func Limited(p Probe, limiter *rate.Limiter) Probe {
	if limiter == nil || p == nil {
		return p
	}
	return &limitedProbe{inner: p, limiter: limiter}
}

func (l *limitedProbe) Mode() Mode { return l.inner.Mode() }

func (l *limitedProbe) Probe(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return ErrRateLimited
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return &RateLimitError{RetryAfter: d}
	}
	return l.inner.Probe(ctx)
}

// Package ratelimit bounds how fast the serving engine admits new requests.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits up to n events per window, with bursts of up to n.
type Limiter struct {
	l *rate.Limiter
}

// New creates a Limiter that allows n events per window. A non-positive n
// disables limiting.
func New(n int, window time.Duration) *Limiter {
	if n <= 0 || window <= 0 {
		return &Limiter{l: rate.NewLimiter(rate.Inf, 0)}
	}
	return &Limiter{l: rate.NewLimiter(rate.Every(window/time.Duration(n)), n)}
}

// Allow reports whether an event may happen now and consumes it if so.
func (l *Limiter) Allow() bool {
	return l.l.Allow()
}

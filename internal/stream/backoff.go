package stream

import "time"

// Default backoff parameters. Growth plateaus at 2^defaultCapExponent times
// the base delay, clamped to the max.
const (
	defaultBackoffBase = 1 * time.Second
	defaultBackoffMax  = 60 * time.Second
	defaultCapExponent = 6
)

// BackoffPolicy computes the delay before a reconnect attempt: capped
// exponential backoff, a pure function of the attempt number. Attempts are
// unbounded — the policy never says "give up"; stopping is the caller's
// decision (explicit stop, or the optional give-up breaker).
type BackoffPolicy struct {
	// Base is the delay before the first retry. Defaults to 1s if zero.
	Base time.Duration

	// Max is the ceiling on the computed delay. Defaults to 60s if zero.
	Max time.Duration

	// CapExponent bounds the exponent so the doubling plateaus. Defaults
	// to 6 if zero.
	CapExponent int
}

// DelayFor returns the delay before attempt n (n >= 0):
//
//	min(Max, Base * 2^min(n, CapExponent))
//
// The result is non-decreasing in n.
func (p BackoffPolicy) DelayFor(n int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	max := p.Max
	if max <= 0 {
		max = defaultBackoffMax
	}
	capExp := p.CapExponent
	if capExp <= 0 {
		capExp = defaultCapExponent
	}

	if n < 0 {
		n = 0
	}
	if n > capExp {
		n = capExp
	}

	d := base << uint(n)
	if d > max || d <= 0 {
		return max
	}
	return d
}

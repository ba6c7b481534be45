// Package resilience provides the optional give-up safeguard for the
// reconnect loop.
//
// The streaming core retries indefinitely by default — the right behaviour
// when a human is watching the UI and network loss is transient. Deployments
// without that human (headless gateways, CI soak rigs) can bound the retry
// loop with a [GiveUpBreaker] instead.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// GiveUpBreakerConfig holds tuning knobs for a [GiveUpBreaker].
type GiveUpBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failed reconnect attempts
	// before the breaker trips. Default: 30.
	MaxFailures int

	// MaxDuration additionally trips the breaker when reconnection has been
	// failing continuously for this long. Zero disables the duration bound.
	MaxDuration time.Duration
}

// GiveUpBreaker trips after too many consecutive reconnect failures, ending
// the session instead of retrying forever. A single success resets it.
//
// Safe for concurrent use.
type GiveUpBreaker struct {
	name        string
	maxFailures int
	maxDuration time.Duration

	mu           sync.Mutex
	failures     int
	firstFailure time.Time
	tripped      bool
}

// NewGiveUpBreaker creates a [GiveUpBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewGiveUpBreaker(cfg GiveUpBreakerConfig) *GiveUpBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 30
	}
	return &GiveUpBreaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		maxDuration: cfg.MaxDuration,
	}
}

// Fail records one failed reconnect attempt and reports whether the breaker
// has tripped. Once tripped it stays tripped until [GiveUpBreaker.Reset].
func (b *GiveUpBreaker) Fail() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped {
		return true
	}

	if b.failures == 0 {
		b.firstFailure = time.Now()
	}
	b.failures++

	if b.failures >= b.maxFailures {
		b.tripped = true
	}
	if b.maxDuration > 0 && time.Since(b.firstFailure) >= b.maxDuration {
		b.tripped = true
	}

	if b.tripped {
		slog.Warn("reconnect give-up breaker tripped",
			"name", b.name,
			"failures", b.failures,
			"since_first_failure", time.Since(b.firstFailure),
		)
	}
	return b.tripped
}

// Reset clears all failure state. Called on a successful connection and on
// each new streaming session.
func (b *GiveUpBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.firstFailure = time.Time{}
	b.tripped = false
}

// Tripped reports whether the breaker is currently tripped.
func (b *GiveUpBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

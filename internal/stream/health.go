package stream

import (
	"errors"
	"fmt"
	"time"
)

// Health evaluators used by the connection's health-check timer. They are
// stateless predicates over observed transport facts, so the same checks can
// run against a live connection or recorded state in tests.
//
// The health check is distinct from the heartbeat: the heartbeat actively
// probes liveness by sending a ping, while these checks inspect transport
// state to catch "silent death" — a socket that stopped delivering without
// ever firing a close callback.

// ErrZombieConnection indicates a transport that is neither connecting nor
// open and must be torn down and re-established.
var ErrZombieConnection = errors.New("stream: transport is neither connecting nor open")

// CheckTransport evaluates whether the transport is usable. A state other
// than Connecting or Open fails immediately; an open transport with no
// inbound activity for longer than staleAfter is treated as dead.
// staleAfter <= 0 disables the staleness check.
func CheckTransport(state ConnState, lastActivity time.Time, now time.Time, staleAfter time.Duration) error {
	switch state {
	case StateConnecting, StateOpen:
	default:
		return ErrZombieConnection
	}

	if staleAfter > 0 && state == StateOpen && !lastActivity.IsZero() {
		if idle := now.Sub(lastActivity); idle > staleAfter {
			return fmt.Errorf("stream: no inbound activity for %s", idle.Round(time.Second))
		}
	}
	return nil
}

// LinkStatus describes a paired hardware audio link (e.g. a wearable
// microphone) feeding the capture source.
type LinkStatus struct {
	Connected bool
	LastSeen  time.Time
}

// CheckLink evaluates whether the paired hardware link is healthy: it must
// report connected and have been seen within staleAfter. staleAfter <= 0
// disables the staleness check.
func CheckLink(link LinkStatus, now time.Time, staleAfter time.Duration) error {
	if !link.Connected {
		return errors.New("stream: hardware link disconnected")
	}
	if staleAfter > 0 && !link.LastSeen.IsZero() {
		if idle := now.Sub(link.LastSeen); idle > staleAfter {
			return fmt.Errorf("stream: hardware link silent for %s", idle.Round(time.Second))
		}
	}
	return nil
}

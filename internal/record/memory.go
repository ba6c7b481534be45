package record

import (
	"sync"
	"time"

	"github.com/mvarner/wyostream/pkg/wyoming"
)

// MemoryRecorder keeps session records in memory. It backs the session
// history surface when no durable store is configured, and doubles as the
// recorder used in tests.
//
// All methods are safe for concurrent use.
type MemoryRecorder struct {
	mu       sync.Mutex
	current  *Session
	sessions []Session
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// OnStart implements [Recorder]. A session left open by a missing OnEnd is
// closed with no end reason before the new one begins.
func (r *MemoryRecorder) OnStart(source, codec string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		r.sessions = append(r.sessions, *r.current)
	}
	r.current = &Session{
		Source:    source,
		Codec:     codec,
		StartedAt: time.Now(),
	}
}

// OnStatusUpdate implements [Recorder].
func (r *MemoryRecorder) OnStatusUpdate(status wyoming.RelayStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		r.current.RelayStatus = &status
	}
}

// OnEnd implements [Recorder].
func (r *MemoryRecorder) OnEnd(err error, reason EndReason, diag Diagnostics) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return
	}
	r.current.EndedAt = time.Now()
	r.current.EndReason = reason
	if err != nil {
		r.current.EndError = err.Error()
	}
	r.current.Diagnostics = diag
	r.sessions = append(r.sessions, *r.current)
	r.current = nil
}

// Sessions returns a copy of all completed sessions, oldest first.
func (r *MemoryRecorder) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// Current returns a copy of the in-progress session, or nil when no session
// is active.
func (r *MemoryRecorder) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil
	}
	s := *r.current
	return &s
}

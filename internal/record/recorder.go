// Package record defines the session recording sink the streaming core
// writes through, decoupled from transport internals. The core reports when
// a streaming session starts, receives relay health updates, and ends with
// throughput and diagnostic counters; what a [Recorder] does with that
// (in-memory history, Postgres, UI) is the implementation's business.
package record

import (
	"time"

	"github.com/mvarner/wyostream/pkg/wyoming"
)

// EndReason classifies why a streaming session ended.
type EndReason string

const (
	// EndManualStop means the user (or owning code) called Stop.
	EndManualStop EndReason = "manual_stop"

	// EndServerError means the relay returned too many consecutive errors
	// and the session was abandoned.
	EndServerError EndReason = "server_error"

	// EndConnectionFailed means the give-up safeguard tripped while
	// reconnecting and the session was abandoned.
	EndConnectionFailed EndReason = "connection_failed"
)

// Diagnostics carries the throughput and loss counters accumulated over one
// streaming session.
type Diagnostics struct {
	// BytesTransferred is the total payload bytes handed to the transport.
	BytesTransferred int64

	// ChunksTransferred is the total audio chunks handed to the transport,
	// including buffered chunks delivered on reconnect.
	ChunksTransferred int64

	// ReconnectCount is how many reconnect attempts were scheduled.
	ReconnectCount int64

	// DroppedChunks is how many chunks were discarded because the buffer
	// was saturated.
	DroppedChunks int64
}

// Recorder receives session lifecycle events from the streaming core.
// Implementations must be safe for concurrent use and must not block the
// caller — the core invokes these from its coordination path.
type Recorder interface {
	// OnStart is called when streaming begins, with the capture source name
	// and the negotiated codec tag.
	OnStart(source, codec string)

	// OnStatusUpdate is called with each relay-status message received from
	// the server.
	OnStatusUpdate(status wyoming.RelayStatus)

	// OnEnd is called exactly once per session when streaming stops or is
	// abandoned. err is nil for a manual stop.
	OnEnd(err error, reason EndReason, diag Diagnostics)
}

// Session is one recorded streaming session.
type Session struct {
	Source    string
	Codec     string
	StartedAt time.Time
	EndedAt   time.Time
	EndReason EndReason
	EndError  string

	Diagnostics Diagnostics

	// RelayStatus is the last relay health report received, if any.
	RelayStatus *wyoming.RelayStatus
}

// Nop is a Recorder that discards everything.
type Nop struct{}

func (Nop) OnStart(string, string) {}

func (Nop) OnStatusUpdate(wyoming.RelayStatus) {}

func (Nop) OnEnd(error, EndReason, Diagnostics) {}

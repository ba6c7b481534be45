package stream

import "github.com/mvarner/wyostream/pkg/wyoming"

// StatusKind classifies status events emitted to the UI/session surface.
type StatusKind string

const (
	StatusConnecting   StatusKind = "connecting"
	StatusConnected    StatusKind = "connected"
	StatusDisconnected StatusKind = "disconnected"
	StatusError        StatusKind = "error"
)

// Status is one observable event on the stream's status surface.
type Status struct {
	Kind StatusKind

	// Message is a short human-readable summary.
	Message string

	// Detail optionally carries the underlying error text or extra context.
	Detail string

	// Relay carries per-destination fan-out health when the event was
	// triggered by a relay-status message.
	Relay *wyoming.RelayStatus

	// Buffer reports buffering diagnostics at the time of the event.
	Buffer BufferStats
}

// BufferStats is the buffer-diagnostics block of the status surface.
type BufferStats struct {
	// BufferedChunks is the number of chunks currently held back.
	BufferedChunks int

	// DroppedChunks is the number of chunks discarded at capacity since the
	// session started.
	DroppedChunks int64

	// IsBuffering reports whether new audio is being buffered rather than
	// sent.
	IsBuffering bool
}

// Package audio defines the types and interfaces for audio capture within
// wyostream.
//
// The central abstraction is [Source] — a microphone (or other PCM producer)
// that delivers fixed-format [Chunk] values through a callback at a steady
// cadence. Implementations are provided by adapter packages
// (internal/capture for the real microphone, pkg/audio/mock for tests).
//
// This package lives under pkg/ because external code is expected to
// implement [Source].
package audio

import (
	"context"
	"time"
)

// Format describes the PCM layout delivered by a [Source]. Chunks are assumed
// to arrive already aligned to this format; the payload is treated as opaque
// bytes beyond that.
type Format struct {
	// SampleRate in Hz (e.g. 16000).
	SampleRate int

	// Width is the sample width in bytes (2 for 16-bit PCM).
	Width int

	// Channels is the channel count (1 for mono).
	Channels int
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Width * f.Channels
}

// Chunk is one captured unit of audio. Data is immutable after creation: a
// chunk is consumed exactly once — sent or buffered, never both — and its
// bytes must not be mutated by any consumer.
type Chunk struct {
	// Data holds the raw PCM bytes.
	Data []byte

	// CapturedAt records when the chunk was produced. Go time.Time values
	// carry a monotonic clock reading, so age comparisons are immune to
	// wall-clock jumps.
	CapturedAt time.Time
}

// Age returns how long ago the chunk was captured.
func (c Chunk) Age(now time.Time) time.Duration {
	return now.Sub(c.CapturedAt)
}

// Source produces audio chunks at a steady cadence.
//
// Exactly one owner may run a Source at a time; ownership is enforced by the
// explicit Start/Stop pair rather than a process-wide singleton. The sink
// callback runs on a time-sensitive capture thread and must never block.
type Source interface {
	// Start begins capture and invokes sink for every chunk until Stop is
	// called or ctx is cancelled. It returns an error if capture cannot
	// begin or if the source is already running.
	Start(ctx context.Context, sink func(Chunk)) error

	// Stop halts capture. Safe to call when not running.
	Stop() error

	// Format reports the PCM layout of delivered chunks.
	Format() Format

	// Name identifies the source for session records (e.g. "mic:default").
	Name() string
}

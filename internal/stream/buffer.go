package stream

import (
	"sync"
	"time"

	"github.com/mvarner/wyostream/pkg/audio"
)

// Default buffer bounds. 6000 chunks is roughly ten minutes of audio at the
// typical capture cadence, matching the age window.
const (
	defaultMaxChunks   = 6000
	defaultMaxChunkAge = 10 * time.Minute
)

// bufferedChunk is one chunk waiting out a disconnection.
type bufferedChunk struct {
	chunk      audio.Chunk
	bufferedAt time.Time
}

// ChunkBuffer holds captured-but-unsent audio while no connection is open.
//
// The buffer is bounded two ways: at most maxChunks entries, and no entry is
// ever flushed after sitting buffered longer than maxAge. When full, the incoming
// chunk is rejected and counted — older audio already queued for delivery is
// favoured over newer audio, a deliberate bounded-memory tradeoff.
//
// All methods are safe for concurrent use.
type ChunkBuffer struct {
	mu      sync.Mutex
	chunks  []bufferedChunk
	dropped int64
	expired int64

	maxChunks int
	maxAge    time.Duration
}

// NewChunkBuffer creates a buffer holding at most maxChunks entries and
// discarding entries buffered longer than maxAge at flush time. Zero values select the
// defaults (6000 chunks, 10 minutes).
func NewChunkBuffer(maxChunks int, maxAge time.Duration) *ChunkBuffer {
	if maxChunks <= 0 {
		maxChunks = defaultMaxChunks
	}
	if maxAge <= 0 {
		maxAge = defaultMaxChunkAge
	}
	return &ChunkBuffer{
		maxChunks: maxChunks,
		maxAge:    maxAge,
	}
}

// Push appends chunk to the buffer. When the buffer is already at capacity
// the incoming chunk is discarded and counted; Push reports whether the
// chunk was retained.
func (b *ChunkBuffer) Push(chunk audio.Chunk) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) >= b.maxChunks {
		b.dropped++
		return false
	}
	b.chunks = append(b.chunks, bufferedChunk{chunk: chunk, bufferedAt: time.Now()})
	return true
}

// FlushResult summarises one [ChunkBuffer.Flush] run.
type FlushResult struct {
	// Sent is the number of chunks delivered through the sender.
	Sent int

	// Expired is the number of chunks discarded for exceeding the age window.
	Expired int

	// Remaining is the number of chunks still buffered because the sender
	// failed mid-flush.
	Remaining int

	// Err is the sender error that interrupted the flush, if any.
	Err error
}

// Flush drains the buffer through send in original capture order. Chunks
// whose time in the buffer exceeds the window are discarded, not sent. If send fails the
// flush stops early and the unflushed chunks stay buffered for the next
// attempt. Dropped and expired accounting is cleared once the flush
// completes or is abandoned.
//
// Chunks pushed concurrently with the flush are drained too, so the caller
// can hold back live traffic until Flush returns and still preserve order.
func (b *ChunkBuffer) Flush(send func(audio.Chunk) error) FlushResult {
	var res FlushResult
	now := time.Now()

	for {
		b.mu.Lock()
		if len(b.chunks) == 0 {
			b.dropped = 0
			b.expired = 0
			b.mu.Unlock()
			return res
		}
		bc := b.chunks[0]
		b.chunks = b.chunks[1:]
		b.mu.Unlock()

		if now.Sub(bc.bufferedAt) > b.maxAge {
			res.Expired++
			continue
		}

		if err := send(bc.chunk); err != nil {
			// Put the failed chunk back at the front; the connection died
			// mid-flush and the remainder waits for the next reconnect.
			b.mu.Lock()
			b.chunks = append([]bufferedChunk{bc}, b.chunks...)
			res.Remaining = len(b.chunks)
			b.dropped = 0
			b.expired = 0
			b.mu.Unlock()
			res.Err = err
			return res
		}
		res.Sent++
	}
}

// Clear discards all buffered chunks and accounting.
func (b *ChunkBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.dropped = 0
	b.expired = 0
}

// Len returns the number of buffered chunks.
func (b *ChunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Dropped returns how many incoming chunks were rejected at capacity since
// the last flush or clear.
func (b *ChunkBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

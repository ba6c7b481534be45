package stream

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/mvarner/wyostream/pkg/audio"
)

// numberedChunk encodes n into the chunk payload so flush order is checkable.
func numberedChunk(n int) audio.Chunk {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(n))
	return audio.Chunk{Data: data, CapturedAt: time.Now()}
}

func chunkNumber(c audio.Chunk) int {
	return int(binary.BigEndian.Uint64(c.Data))
}

func TestChunkBuffer_RejectsNewestWhenFull(t *testing.T) {
	t.Parallel()
	b := NewChunkBuffer(0, 0) // defaults: 6000 chunks

	for i := 1; i <= 7000; i++ {
		b.Push(numberedChunk(i))
	}

	if got := b.Len(); got != 6000 {
		t.Fatalf("Len() = %d; want 6000", got)
	}
	if got := b.Dropped(); got != 1000 {
		t.Fatalf("Dropped() = %d; want 1000", got)
	}

	// The retained chunks must be the oldest: 1..6000 in capture order.
	var flushed []int
	res := b.Flush(func(c audio.Chunk) error {
		flushed = append(flushed, chunkNumber(c))
		return nil
	})
	if res.Sent != 6000 {
		t.Fatalf("flush Sent = %d; want 6000", res.Sent)
	}
	for i, n := range flushed {
		if n != i+1 {
			t.Fatalf("flushed[%d] = %d; want %d", i, n, i+1)
		}
	}
}

func TestChunkBuffer_PushReportsRetention(t *testing.T) {
	t.Parallel()
	b := NewChunkBuffer(2, time.Minute)

	if !b.Push(numberedChunk(1)) || !b.Push(numberedChunk(2)) {
		t.Fatal("pushes below capacity should be retained")
	}
	if b.Push(numberedChunk(3)) {
		t.Fatal("push at capacity should be rejected")
	}
}

func TestChunkBuffer_FlushExpiresOnBufferedAge(t *testing.T) {
	t.Parallel()
	b := NewChunkBuffer(10, time.Minute)

	// Sat out the disconnection longer than the window: expired.
	b.mu.Lock()
	b.chunks = append(b.chunks, bufferedChunk{
		chunk:      numberedChunk(1),
		bufferedAt: time.Now().Add(-2 * time.Minute),
	})
	b.mu.Unlock()

	// Captured long ago but only just buffered: still delivered. The window
	// bounds time spent in the buffer, not the capture timestamp.
	lateCapture := numberedChunk(2)
	lateCapture.CapturedAt = time.Now().Add(-2 * time.Minute)
	b.Push(lateCapture)

	var flushed []int
	res := b.Flush(func(c audio.Chunk) error {
		flushed = append(flushed, chunkNumber(c))
		return nil
	})

	if res.Expired != 1 {
		t.Errorf("Expired = %d; want 1", res.Expired)
	}
	if res.Sent != 1 {
		t.Errorf("Sent = %d; want 1", res.Sent)
	}
	if len(flushed) != 1 || flushed[0] != 2 {
		t.Errorf("flushed = %v; want [2]", flushed)
	}
}

func TestChunkBuffer_FlushStopsEarlyAndKeepsRemainder(t *testing.T) {
	t.Parallel()
	b := NewChunkBuffer(10, time.Minute)
	for i := 1; i <= 5; i++ {
		b.Push(numberedChunk(i))
	}

	sendErr := errors.New("socket died")
	var sent []int
	res := b.Flush(func(c audio.Chunk) error {
		if len(sent) == 2 {
			return sendErr
		}
		sent = append(sent, chunkNumber(c))
		return nil
	})

	if !errors.Is(res.Err, sendErr) {
		t.Fatalf("Err = %v; want %v", res.Err, sendErr)
	}
	if res.Sent != 2 {
		t.Errorf("Sent = %d; want 2", res.Sent)
	}
	if res.Remaining != 3 {
		t.Errorf("Remaining = %d; want 3", res.Remaining)
	}
	if got := b.Len(); got != 3 {
		t.Errorf("Len() = %d; want 3", got)
	}

	// A later flush delivers the remainder, failed chunk first.
	var retried []int
	res = b.Flush(func(c audio.Chunk) error {
		retried = append(retried, chunkNumber(c))
		return nil
	})
	if res.Err != nil {
		t.Fatalf("retry flush: %v", res.Err)
	}
	want := []int{3, 4, 5}
	if len(retried) != len(want) {
		t.Fatalf("retried = %v; want %v", retried, want)
	}
	for i := range want {
		if retried[i] != want[i] {
			t.Fatalf("retried = %v; want %v", retried, want)
		}
	}
}

func TestChunkBuffer_FlushDrainsConcurrentPushes(t *testing.T) {
	t.Parallel()
	b := NewChunkBuffer(100, time.Minute)
	for i := 1; i <= 3; i++ {
		b.Push(numberedChunk(i))
	}

	var flushed []int
	pushedLate := false
	res := b.Flush(func(c audio.Chunk) error {
		flushed = append(flushed, chunkNumber(c))
		if !pushedLate {
			pushedLate = true
			b.Push(numberedChunk(4))
		}
		return nil
	})

	if res.Sent != 4 {
		t.Fatalf("Sent = %d; want 4 (concurrent push drained)", res.Sent)
	}
	if flushed[len(flushed)-1] != 4 {
		t.Fatalf("last flushed = %d; want 4", flushed[len(flushed)-1])
	}
	if got := b.Len(); got != 0 {
		t.Fatalf("Len() = %d; want 0", got)
	}
}

func TestChunkBuffer_ClearResetsEverything(t *testing.T) {
	t.Parallel()
	b := NewChunkBuffer(1, time.Minute)
	b.Push(numberedChunk(1))
	b.Push(numberedChunk(2)) // dropped

	b.Clear()

	if b.Len() != 0 {
		t.Errorf("Len() = %d; want 0", b.Len())
	}
	if b.Dropped() != 0 {
		t.Errorf("Dropped() = %d; want 0", b.Dropped())
	}
}

func TestChunkBuffer_FlushClearsDropAccounting(t *testing.T) {
	t.Parallel()
	b := NewChunkBuffer(1, time.Minute)
	b.Push(numberedChunk(1))
	b.Push(numberedChunk(2)) // dropped

	b.Flush(func(audio.Chunk) error { return nil })

	if b.Dropped() != 0 {
		t.Errorf("Dropped() after flush = %d; want 0", b.Dropped())
	}
}

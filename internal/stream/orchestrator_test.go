package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mvarner/wyostream/internal/record"
	"github.com/mvarner/wyostream/pkg/audio"
	audiomock "github.com/mvarner/wyostream/pkg/audio/mock"
	"github.com/mvarner/wyostream/pkg/wyoming"
)

func testFormat() audio.Format {
	return audio.Format{SampleRate: 16000, Width: 2, Channels: 1}
}

// fastBackoff keeps reconnect tests quick.
func fastBackoff() BackoffPolicy {
	return BackoffPolicy{Base: 20 * time.Millisecond, Max: 100 * time.Millisecond, CapExponent: 2}
}

func TestStart_EmptyDestinationRejectedSynchronously(t *testing.T) {
	t.Parallel()
	o := NewOrchestrator(OrchestratorConfig{})

	err := o.Start(context.Background(), "", ModeStreaming, "pcm", testFormat())
	if !errors.Is(err, ErrEmptyDestination) {
		t.Fatalf("Start(\"\") = %v; want ErrEmptyDestination", err)
	}
}

func TestResolveDestination(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		dest  string
		codec string
		want  string
	}{
		{"appends codec", "wss://relay.example/stream", "opus", "wss://relay.example/stream?codec=opus"},
		{"keeps existing codec", "wss://relay.example/stream?codec=pcm", "opus", "wss://relay.example/stream?codec=pcm"},
		{"keeps auth token", "wss://relay.example/stream?token=s3cret", "pcm", "wss://relay.example/stream?codec=pcm&token=s3cret"},
		{"no codec requested", "wss://relay.example/stream", "", "wss://relay.example/stream"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := resolveDestination(tc.dest, tc.codec)
			if err != nil {
				t.Fatalf("resolveDestination: %v", err)
			}
			if got != tc.want {
				t.Errorf("resolveDestination(%q, %q) = %q; want %q", tc.dest, tc.codec, got, tc.want)
			}
		})
	}
}

func TestBuildHandshake_OmitsPCMCodec(t *testing.T) {
	t.Parallel()

	hs := buildHandshake(testFormat(), ModeStreaming, "pcm")
	if hs.Codec != "" {
		t.Errorf("pcm handshake codec = %q; want omitted", hs.Codec)
	}

	hs = buildHandshake(testFormat(), ModeStreaming, "opus")
	if hs.Codec != "opus" {
		t.Errorf("opus handshake codec = %q; want opus", hs.Codec)
	}
	if hs.Rate != 16000 || hs.Width != 2 || hs.Channels != 1 || hs.Mode != ModeStreaming {
		t.Errorf("handshake = %+v; wrong format or mode", hs)
	}
}

func TestOrchestrator_StreamsLiveAudio(t *testing.T) {
	t.Parallel()
	events := make(chan wyoming.Event, 16)

	url := startRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_, data, err := conn.Read(rctx)
			cancel()
			if err != nil {
				return
			}
			ev, err := wyoming.DecodeFrame(data)
			if err != nil {
				continue
			}
			events <- ev
		}
	})

	o := NewOrchestrator(OrchestratorConfig{SourceName: "test", Backoff: fastBackoff()})
	if err := o.Start(context.Background(), url, ModeStreaming, "pcm", testFormat()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	for i := 1; i <= 3; i++ {
		o.SendAudio(numberedChunk(i))
	}

	want := []wyoming.Kind{
		wyoming.KindAudioStart,
		wyoming.KindAudioChunk,
		wyoming.KindAudioChunk,
		wyoming.KindAudioChunk,
	}
	for i, kind := range want {
		select {
		case ev := <-events:
			if ev.Kind != kind {
				t.Fatalf("event %d kind = %s; want %s", i, ev.Kind, kind)
			}
			if kind == wyoming.KindAudioChunk && chunkNumber(audio.Chunk{Data: ev.Payload}) != i {
				t.Fatalf("chunk %d carries payload %d", i, chunkNumber(audio.Chunk{Data: ev.Payload}))
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for event %d (%s)", i, kind)
		}
	}

	diag := o.Diagnostics()
	if diag.ChunksTransferred != 3 {
		t.Errorf("ChunksTransferred = %d; want 3", diag.ChunksTransferred)
	}
	if diag.BytesTransferred != 24 {
		t.Errorf("BytesTransferred = %d; want 24", diag.BytesTransferred)
	}
}

func TestOrchestrator_FlushesBufferedAudioBeforeLive(t *testing.T) {
	t.Parallel()
	events := make(chan wyoming.Event, 32)

	url := startRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_, data, err := conn.Read(rctx)
			cancel()
			if err != nil {
				return
			}
			if ev, err := wyoming.DecodeFrame(data); err == nil {
				events <- ev
			}
		}
	})

	o := NewOrchestrator(OrchestratorConfig{SourceName: "test", Backoff: fastBackoff()})
	defer o.Stop()

	// Captured before any connection exists: buffered, not lost.
	for i := 1; i <= 5; i++ {
		o.SendAudio(numberedChunk(i))
	}
	if got := o.BufferStats().BufferedChunks; got != 5 {
		t.Fatalf("BufferedChunks before connect = %d; want 5", got)
	}

	if err := o.Start(context.Background(), url, ModeStreaming, "pcm", testFormat()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 6; i <= 8; i++ {
		o.SendAudio(numberedChunk(i))
	}

	// audio-start first, then chunks 1..8 in capture order.
	select {
	case ev := <-events:
		if ev.Kind != wyoming.KindAudioStart {
			t.Fatalf("first event = %s; want audio-start", ev.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for handshake")
	}
	for i := 1; i <= 8; i++ {
		select {
		case ev := <-events:
			if ev.Kind != wyoming.KindAudioChunk {
				t.Fatalf("event kind = %s; want audio-chunk", ev.Kind)
			}
			if got := chunkNumber(audio.Chunk{Data: ev.Payload}); got != i {
				t.Fatalf("chunk order broken: got %d; want %d", got, i)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for chunk %d", i)
		}
	}

	if got := o.BufferStats().BufferedChunks; got != 0 {
		t.Errorf("BufferedChunks after flush = %d; want 0", got)
	}
	if got := o.Diagnostics().ChunksTransferred; got != 8 {
		t.Errorf("ChunksTransferred = %d; want 8 (buffered and live)", got)
	}
}

func TestOrchestrator_ReconnectsAfterTransportClose(t *testing.T) {
	t.Parallel()
	var dials atomic.Int32
	secondConn := make(chan struct{}, 1)

	url := startRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		n := dials.Add(1)
		if n == 1 {
			// Read the handshake, then drop the connection.
			rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_, _, _ = conn.Read(rctx)
			cancel()
			conn.Close(websocket.StatusGoingAway, "relay restarting")
			return
		}
		secondConn <- struct{}{}
		<-conn.CloseRead(context.Background()).Done()
	})

	o := NewOrchestrator(OrchestratorConfig{SourceName: "test", Backoff: fastBackoff()})
	if err := o.Start(context.Background(), url, ModeStreaming, "pcm", testFormat()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	select {
	case <-secondConn:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout: orchestrator never reconnected")
	}
	if d := o.Diagnostics(); d.ReconnectCount == 0 {
		t.Error("ReconnectCount = 0; want at least 1")
	}
}

func TestStart_TriggerDuringBackoffOpensSingleConnection(t *testing.T) {
	t.Parallel()
	var requests, open, maxOpen atomic.Int32

	// The first dial is refused so Start enters its backoff sleep; every
	// later dial is accepted and held open, tracking concurrency.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := open.Add(1)
		defer open.Add(-1)
		for {
			m := maxOpen.Load()
			if n <= m || maxOpen.CompareAndSwap(m, n) {
				break
			}
		}
		<-conn.CloseRead(context.Background()).Done()
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	o := NewOrchestrator(OrchestratorConfig{
		SourceName: "test",
		Backoff:    BackoffPolicy{Base: 300 * time.Millisecond, Max: time.Second, CapExponent: 2},
	})
	defer o.Stop()

	started := make(chan error, 1)
	go func() {
		started <- o.Start(context.Background(), url, ModeStreaming, "pcm", testFormat())
	}()

	// Wait for the refused dial, then fire a connectivity signal while Start
	// sits in its backoff sleep. The trigger's connect and the woken retry
	// loop must share one socket, never open a second.
	deadline := time.After(3 * time.Second)
	for requests.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timeout: first dial never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}
	o.NotifyConnectivityRestored()

	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: Start never returned")
	}

	// Leave room for a stray second dial after Start wakes from its backoff.
	time.Sleep(500 * time.Millisecond)

	if n := maxOpen.Load(); n != 1 {
		t.Errorf("max simultaneous open connections = %d; want 1", n)
	}
	if n := open.Load(); n != 1 {
		t.Errorf("open connections = %d; want 1 (no orphaned socket)", n)
	}
}

func TestSendAudio_DrainsChunkBufferedWhileOpen(t *testing.T) {
	t.Parallel()
	events := make(chan wyoming.Event, 16)

	url := startRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_, data, err := conn.Read(rctx)
			cancel()
			if err != nil {
				return
			}
			if ev, err := wyoming.DecodeFrame(data); err == nil {
				events <- ev
			}
		}
	})

	o := NewOrchestrator(OrchestratorConfig{SourceName: "test", Backoff: fastBackoff()})
	if err := o.Start(context.Background(), url, ModeStreaming, "pcm", testFormat()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	// A chunk that slipped into the buffer while the connection was already
	// open (a push racing the post-connect flush, or a saturated send
	// queue). The next live chunk must queue behind it and both must reach
	// the relay in capture order without waiting for a reconnect.
	o.buf.Push(numberedChunk(1))
	o.SendAudio(numberedChunk(2))

	select {
	case ev := <-events:
		if ev.Kind != wyoming.KindAudioStart {
			t.Fatalf("first event = %s; want audio-start", ev.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for handshake")
	}
	for i := 1; i <= 2; i++ {
		select {
		case ev := <-events:
			if ev.Kind != wyoming.KindAudioChunk {
				t.Fatalf("event kind = %s; want audio-chunk", ev.Kind)
			}
			if got := chunkNumber(audio.Chunk{Data: ev.Payload}); got != i {
				t.Fatalf("chunk order broken: got %d; want %d", got, i)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for chunk %d", i)
		}
	}

	if got := o.BufferStats().BufferedChunks; got != 0 {
		t.Errorf("BufferedChunks after drain = %d; want 0", got)
	}
}

func TestOrchestrator_ServerErrorsEndSessionWithoutReconnect(t *testing.T) {
	t.Parallel()
	var dials atomic.Int32
	rec := record.NewMemoryRecorder()

	url := startRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		dials.Add(1)
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_, _, _ = conn.Read(rctx) // handshake
		cancel()
		errEv := wyoming.Event{Kind: wyoming.KindError, Error: &wyoming.ErrorInfo{Message: "bad session"}}
		for i := 0; i < 5; i++ {
			frame, _ := wyoming.Encode(errEv)
			wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	o := NewOrchestrator(OrchestratorConfig{
		SourceName: "test",
		Recorder:   rec,
		Backoff:    fastBackoff(),
	})
	if err := o.Start(context.Background(), url, ModeStreaming, "pcm", testFormat()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	deadline := time.After(5 * time.Second)
	for {
		if sessions := rec.Sessions(); len(sessions) == 1 {
			if sessions[0].EndReason != record.EndServerError {
				t.Fatalf("EndReason = %s; want server_error", sessions[0].EndReason)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout: session never ended on server errors")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// A server-error close is terminal: no reconnect may follow.
	time.Sleep(200 * time.Millisecond)
	if n := dials.Load(); n != 1 {
		t.Errorf("dials = %d; want 1 (no auto-reconnect after server errors)", n)
	}
}

func TestOrchestrator_StopSendsAudioStopAndDisablesReconnect(t *testing.T) {
	t.Parallel()
	var dials atomic.Int32
	gotStop := make(chan struct{}, 1)

	url := startRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		dials.Add(1)
		for {
			rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_, data, err := conn.Read(rctx)
			cancel()
			if err != nil {
				return
			}
			if ev, err := wyoming.DecodeFrame(data); err == nil && ev.Kind == wyoming.KindAudioStop {
				gotStop <- struct{}{}
			}
		}
	})

	rec := record.NewMemoryRecorder()
	o := NewOrchestrator(OrchestratorConfig{SourceName: "test", Recorder: rec, Backoff: fastBackoff()})
	if err := o.Start(context.Background(), url, ModeStreaming, "pcm", testFormat()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	o.Stop()
	o.Stop() // idempotent

	select {
	case <-gotStop:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: relay never received audio-stop")
	}

	sessions := rec.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("recorded sessions = %d; want 1", len(sessions))
	}
	if sessions[0].EndReason != record.EndManualStop {
		t.Errorf("EndReason = %s; want manual_stop", sessions[0].EndReason)
	}

	// Connectivity signals after Stop must not resurrect the session.
	o.NotifyConnectivityRestored()
	o.NotifyForeground()
	time.Sleep(200 * time.Millisecond)
	if n := dials.Load(); n != 1 {
		t.Errorf("dials = %d; want 1 (no reconnect after Stop)", n)
	}
}

func TestCancelRetry_IsTerminalUntilNextStart(t *testing.T) {
	t.Parallel()
	var dials atomic.Int32
	firstClosed := make(chan struct{}, 1)

	url := startRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		dials.Add(1)
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_, _, _ = conn.Read(rctx) // handshake
		cancel()
		conn.Close(websocket.StatusGoingAway, "dropping")
		firstClosed <- struct{}{}
	})

	o := NewOrchestrator(OrchestratorConfig{
		SourceName: "test",
		Backoff:    BackoffPolicy{Base: 150 * time.Millisecond, Max: time.Second, CapExponent: 2},
	})
	if err := o.Start(context.Background(), url, ModeStreaming, "pcm", testFormat()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	<-firstClosed
	o.CancelRetry()

	// Neither the scheduled retry nor connectivity triggers may reconnect.
	o.NotifyConnectivityRestored()
	time.Sleep(400 * time.Millisecond)
	if n := dials.Load(); n != 1 {
		t.Errorf("dials = %d; want 1 (retry cancelled)", n)
	}
}

func TestSendAudio_EmptyChunkNotSentOrBuffered(t *testing.T) {
	t.Parallel()
	o := NewOrchestrator(OrchestratorConfig{SourceName: "test"})

	o.SendAudio(audio.Chunk{Data: nil, CapturedAt: time.Now()})
	o.SendAudio(audio.Chunk{Data: []byte{}, CapturedAt: time.Now()})

	stats := o.BufferStats()
	if stats.BufferedChunks != 0 {
		t.Errorf("BufferedChunks = %d; want 0", stats.BufferedChunks)
	}
	if stats.DroppedChunks != 0 {
		t.Errorf("DroppedChunks = %d; want 0", stats.DroppedChunks)
	}
	if d := o.Diagnostics(); d.ChunksTransferred != 0 {
		t.Errorf("ChunksTransferred = %d; want 0", d.ChunksTransferred)
	}
}

func TestOrchestrator_DropsWhenBufferSaturated(t *testing.T) {
	t.Parallel()
	o := NewOrchestrator(OrchestratorConfig{
		SourceName:        "test",
		MaxBufferedChunks: 3,
	})

	for i := 1; i <= 5; i++ {
		o.SendAudio(numberedChunk(i))
	}

	stats := o.BufferStats()
	if stats.BufferedChunks != 3 {
		t.Errorf("BufferedChunks = %d; want 3", stats.BufferedChunks)
	}
	if stats.DroppedChunks != 2 {
		t.Errorf("DroppedChunks = %d; want 2", stats.DroppedChunks)
	}
	if !stats.IsBuffering {
		t.Error("IsBuffering = false; want true while disconnected with queued audio")
	}
}

func TestOrchestrator_CaptureSourceFeedsUplink(t *testing.T) {
	t.Parallel()
	events := make(chan wyoming.Event, 16)

	url := startRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_, data, err := conn.Read(rctx)
			cancel()
			if err != nil {
				return
			}
			if ev, err := wyoming.DecodeFrame(data); err == nil {
				events <- ev
			}
		}
	})

	src := &audiomock.Source{FormatResult: testFormat()}
	o := NewOrchestrator(OrchestratorConfig{SourceName: src.Name(), Backoff: fastBackoff()})
	if err := o.Start(context.Background(), url, ModeStreaming, "pcm", src.Format()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	if err := src.Start(context.Background(), o.SendAudio); err != nil {
		t.Fatalf("source Start: %v", err)
	}
	defer src.Stop()

	src.Emit([]byte{0xAA, 0xBB})

	<-events // audio-start
	select {
	case ev := <-events:
		if ev.Kind != wyoming.KindAudioChunk {
			t.Fatalf("kind = %s; want audio-chunk", ev.Kind)
		}
		if len(ev.Payload) != 2 || ev.Payload[0] != 0xAA {
			t.Fatalf("payload = %v; want [170 187]", ev.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: captured audio never reached the relay")
	}
}

func TestOrchestrator_RelayStatusReachesRecorder(t *testing.T) {
	t.Parallel()
	rec := record.NewMemoryRecorder()

	url := startRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_, _, _ = conn.Read(rctx) // handshake
		cancel()
		frame, _ := wyoming.Encode(wyoming.Event{
			Kind: wyoming.KindRelayStatus,
			RelayStatus: &wyoming.RelayStatus{
				Destinations: []wyoming.RelayDestination{{Name: "transcriber", Connected: true}},
			},
		})
		wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = conn.Write(wctx, websocket.MessageText, frame)
		cancel()
		<-conn.CloseRead(context.Background()).Done()
	})

	o := NewOrchestrator(OrchestratorConfig{SourceName: "test", Recorder: rec, Backoff: fastBackoff()})
	if err := o.Start(context.Background(), url, ModeStreaming, "pcm", testFormat()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	deadline := time.After(3 * time.Second)
	for {
		if cur := rec.Current(); cur != nil && cur.RelayStatus != nil {
			ds := cur.RelayStatus.Destinations
			if len(ds) != 1 || ds[0].Name != "transcriber" || !ds[0].Connected {
				t.Fatalf("relay status = %+v; want one connected transcriber", ds)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timeout: relay status never reached the recorder")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Package stream implements the resilient audio uplink: the Wyoming
// websocket connection, the disconnection buffer, the reconnect policy, and
// the orchestrator that ties them to lifecycle and connectivity signals.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/mvarner/wyostream/internal/observe"
	"github.com/mvarner/wyostream/internal/record"
	"github.com/mvarner/wyostream/internal/resilience"
	"github.com/mvarner/wyostream/pkg/audio"
	"github.com/mvarner/wyostream/pkg/wyoming"
)

// Streaming modes negotiated in the audio-start handshake.
const (
	// ModeStreaming sends audio continuously as it is captured.
	ModeStreaming = "streaming"

	// ModeBatch accumulates audio and sends it in one burst.
	ModeBatch = "batch"
)

// ErrEmptyDestination is the synchronous rejection for a Start call without
// a destination URL. It is a local precondition error and is never retried.
var ErrEmptyDestination = errors.New("stream: destination URL is empty")

// ErrStopped is returned by Start when Stop or CancelRetry interrupts the
// connection loop before it succeeds.
var ErrStopped = errors.New("stream: stopped")

// ErrGiveUp is returned when the optional give-up safeguard trips during
// reconnection.
var ErrGiveUp = errors.New("stream: reconnect give-up threshold reached")

const stopWriteTimeout = 2 * time.Second

// errAlreadyConnecting makes an overlapping connect trigger a no-op instead
// of a second socket.
var errAlreadyConnecting = errors.New("stream: connect already in progress")

// OrchestratorConfig configures an [Orchestrator].
type OrchestratorConfig struct {
	// SourceName identifies the capture source in session records.
	SourceName string

	// Recorder receives session lifecycle events. Defaults to [record.Nop].
	Recorder record.Recorder

	// OnStatus receives observable status events. May be nil. Invoked from
	// coordination goroutines; must not block.
	OnStatus func(Status)

	// Backoff computes reconnect delays. Zero value uses the defaults
	// (1s base, 60s cap).
	Backoff BackoffPolicy

	// MaxBufferedChunks and MaxBufferedAge bound the disconnection buffer.
	// Zero values select the defaults (6000 chunks, 10 minutes).
	MaxBufferedChunks int
	MaxBufferedAge    time.Duration

	// Connection timers; zero values select the Conn defaults.
	HeartbeatInterval time.Duration
	HealthInterval    time.Duration
	StaleAfter        time.Duration

	// ErrorThreshold is the consecutive server error limit. Defaults to 5.
	ErrorThreshold int

	// GiveUp optionally bounds consecutive failed reconnect attempts.
	// Nil preserves the default behaviour: retry indefinitely.
	GiveUp *resilience.GiveUpBreaker

	// Metrics records stream telemetry. Defaults to instruments on the
	// global meter provider.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Orchestrator is the public face of the streaming core. It owns one
// connection and one buffer, reacts to lifecycle and connectivity signals,
// and routes buffered audio to the connection on reconnect.
//
// Exactly one connection is active at a time. All methods are safe for
// concurrent use; SendAudio never blocks the capture callback.
type Orchestrator struct {
	cfg     OrchestratorConfig
	log     *slog.Logger
	metrics *observe.Metrics
	buf     *ChunkBuffer

	mu          sync.Mutex
	conn        *Conn
	destination string
	handshake   wyoming.AudioStart
	chunkHeader wyoming.AudioChunk
	codec       string

	active         bool // a session exists (Start succeeded or is in progress)
	intend         bool // should be streaming
	stopped        bool // manual stop; disables all auto-reconnect
	connecting     bool
	flushing       bool
	retryCancelled bool

	attempt    int
	retryTimer *time.Timer

	bytesSent  int64
	chunksSent int64
	reconnects int64
	dropped    int64
	emptySends int64
}

// NewOrchestrator creates an idle orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Recorder == nil {
		cfg.Recorder = record.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Orchestrator{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "stream.orchestrator"),
		metrics: cfg.Metrics,
		buf:     NewChunkBuffer(cfg.MaxBufferedChunks, cfg.MaxBufferedAge),
	}
}

// Start begins streaming to destination. It rejects an empty destination
// synchronously, tears down any existing connection first, and then blocks —
// retrying with backoff — until the connection is open, the audio-start
// handshake is sent, and previously buffered audio has been flushed.
//
// Start returns early with an error when ctx is cancelled, Stop or
// CancelRetry is called, or the give-up safeguard trips.
func (o *Orchestrator) Start(ctx context.Context, destination, mode, codec string, format audio.Format) error {
	if destination == "" {
		return ErrEmptyDestination
	}

	resolved, err := resolveDestination(destination, codec)
	if err != nil {
		return err
	}

	o.mu.Lock()
	old := o.conn
	o.conn = nil
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	o.active = true
	o.intend = true
	o.stopped = false
	o.retryCancelled = false
	o.connecting = false
	o.attempt = 0
	o.bytesSent, o.chunksSent, o.reconnects, o.dropped, o.emptySends = 0, 0, 0, 0, 0
	o.destination = resolved
	o.codec = codec
	o.handshake = buildHandshake(format, mode, codec)
	o.chunkHeader = wyoming.AudioChunk{
		Rate:     format.SampleRate,
		Width:    format.Width,
		Channels: format.Channels,
	}
	o.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if o.cfg.GiveUp != nil {
		o.cfg.GiveUp.Reset()
	}

	o.cfg.Recorder.OnStart(o.cfg.SourceName, codec)
	o.log.Info("streaming session starting", "destination", resolved, "mode", mode, "codec", codec)

	for {
		err := o.connectOnce(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStopped) {
			return err
		}
		if errors.Is(err, errAlreadyConnecting) {
			// A concurrent trigger beat us to the dial; yield and re-check.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		if o.cfg.GiveUp != nil && o.cfg.GiveUp.Fail() {
			o.abandon(fmt.Errorf("%w: %w", ErrGiveUp, err))
			return ErrGiveUp
		}

		o.mu.Lock()
		if o.stopped || o.retryCancelled {
			o.mu.Unlock()
			return ErrStopped
		}
		n := o.attempt
		o.attempt++
		o.reconnects++
		o.mu.Unlock()

		delay := o.cfg.Backoff.DelayFor(n)
		o.metrics.Reconnects.Add(ctx, 1)
		o.log.Warn("connect failed; retrying", "attempt", n, "delay", delay, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Stop ends the session: it disables all further auto-reconnect, sends a
// best-effort audio-stop, closes the connection, clears the buffer and retry
// state, and resets counters. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	wasActive := o.active
	o.active = false
	o.intend = false
	o.stopped = true
	conn := o.conn
	o.conn = nil
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	o.attempt = 0
	diag := o.diagnosticsLocked()
	o.mu.Unlock()

	if conn != nil {
		if conn.State() == StateOpen {
			ctx, cancel := context.WithTimeout(context.Background(), stopWriteTimeout)
			_ = conn.WriteEvent(ctx, wyoming.Event{
				Kind:      wyoming.KindAudioStop,
				AudioStop: &wyoming.AudioStop{Timestamp: time.Now().UnixMilli()},
			})
			cancel()
		}
		conn.Close()
	}

	o.buf.Clear()

	o.mu.Lock()
	o.bytesSent, o.chunksSent, o.reconnects, o.dropped, o.emptySends = 0, 0, 0, 0, 0
	o.mu.Unlock()

	if wasActive {
		o.cfg.Recorder.OnEnd(nil, record.EndManualStop, diag)
		o.emitStatus(Status{Kind: StatusDisconnected, Message: "stopped"})
		o.log.Info("streaming session stopped", "bytes", diag.BytesTransferred, "chunks", diag.ChunksTransferred)
	}
}

// CancelRetry stops only the pending scheduled retry. An already-open
// connection stays open and buffered audio is kept. Cancellation is terminal
// until the next Start call.
func (o *Orchestrator) CancelRetry() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.retryCancelled = true
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
}

// SendAudio delivers one captured chunk: framed and sent immediately when
// the connection is open and nothing older is queued ahead of it, buffered
// otherwise. Zero-length chunks are counted but neither sent nor buffered.
// Never blocks.
func (o *Orchestrator) SendAudio(chunk audio.Chunk) {
	if len(chunk.Data) == 0 {
		o.mu.Lock()
		o.emptySends++
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	conn := o.conn
	if conn != nil && !o.flushing && o.buf.Len() == 0 && conn.State() == StateOpen {
		o.mu.Unlock()
		if err := o.sendChunkOn(conn, chunk); err == nil {
			return
		}
		// Enqueue failed (queue saturated or the connection just died);
		// fall through to the buffer so the audio is not lost.
		o.mu.Lock()
	}

	retained := o.buf.Push(chunk)
	if !retained {
		o.dropped++
	}
	// Audio buffered while the connection is open (queue saturation, or a
	// push that raced the post-connect flush) must not wait for the next
	// reconnect: drain it now so capture order is preserved.
	conn = o.conn
	if retained && !o.flushing && conn != nil && conn.State() == StateOpen {
		o.flushing = true
		go o.drainBuffer(conn)
	}
	o.mu.Unlock()

	if retained {
		o.metrics.ChunksBuffered.Add(context.Background(), 1)
	} else {
		o.metrics.ChunksDropped.Add(context.Background(), 1)
	}
}

// NotifyForeground reports an app-lifecycle foreground transition. If
// streaming is intended and the transport is not open, an immediate
// (non-backoff) reconnect is attempted.
func (o *Orchestrator) NotifyForeground() {
	o.immediateReconnect("foreground")
}

// NotifyConnectivityRestored reports that network connectivity returned.
// Same immediate-reconnect behaviour as [Orchestrator.NotifyForeground];
// the two signals arrive independently on mobile.
func (o *Orchestrator) NotifyConnectivityRestored() {
	o.immediateReconnect("connectivity")
}

// IsConnecting reports whether a connection attempt is in progress.
func (o *Orchestrator) IsConnecting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connecting
}

// ConnState returns the state of the active connection, or StateIdle when
// none exists.
func (o *Orchestrator) ConnState() ConnState {
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	if conn == nil {
		return StateIdle
	}
	return conn.State()
}

// BufferStats returns the current buffer diagnostics.
func (o *Orchestrator) BufferStats() BufferStats {
	o.mu.Lock()
	dropped := o.dropped
	conn := o.conn
	o.mu.Unlock()

	open := conn != nil && conn.State() == StateOpen
	return BufferStats{
		BufferedChunks: o.buf.Len(),
		DroppedChunks:  dropped,
		IsBuffering:    !open && o.buf.Len() > 0,
	}
}

// Diagnostics returns the session counters accumulated so far.
func (o *Orchestrator) Diagnostics() record.Diagnostics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.diagnosticsLocked()
}

// ── internals ────────────────────────────────────────────────────────────────

// connectOnce dials a fresh connection, installs it as the active one, and
// flushes buffered audio. Overlapping trigger sources never open a second
// socket: "already connecting" is a no-op, and an already-open connection is
// reported as success without dialing. The Start retry loop, the retry timer
// and the connectivity triggers all funnel through here, so any of them can
// race without breaking the one-active-connection rule.
func (o *Orchestrator) connectOnce(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped || !o.intend {
		o.mu.Unlock()
		return ErrStopped
	}
	if o.conn != nil && o.conn.State() == StateOpen {
		// A concurrent trigger already connected; nothing left to do.
		o.mu.Unlock()
		return nil
	}
	if o.connecting {
		o.mu.Unlock()
		return errAlreadyConnecting
	}
	o.connecting = true
	dest := o.destination
	hs := o.handshake
	o.mu.Unlock()

	o.emitStatus(Status{Kind: StatusConnecting, Message: "connecting to relay"})

	var conn *Conn
	conn = NewConn(ConnConfig{
		URL:               dest,
		Handshake:         hs,
		HeartbeatInterval: o.cfg.HeartbeatInterval,
		HealthInterval:    o.cfg.HealthInterval,
		StaleAfter:        o.cfg.StaleAfter,
		ErrorThreshold:    o.cfg.ErrorThreshold,
		Logger:            o.cfg.Logger,
		OnEvent:           o.handleInbound,
		OnClose: func(reason CloseReason, err error) {
			o.handleClose(conn, reason, err)
		},
	})

	start := time.Now()
	err := conn.Open(ctx)

	o.mu.Lock()
	o.connecting = false
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if o.stopped || !o.intend {
		// Stop raced the dial; tear the fresh socket down again.
		o.mu.Unlock()
		conn.Close()
		return ErrStopped
	}
	o.conn = conn
	o.attempt = 0
	o.flushing = true
	o.mu.Unlock()

	if o.cfg.GiveUp != nil {
		o.cfg.GiveUp.Reset()
	}
	o.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())

	flushStart := time.Now()
	res := o.drainBuffer(conn)

	if res.Sent > 0 || res.Expired > 0 || res.Err != nil {
		o.metrics.FlushDuration.Record(ctx, time.Since(flushStart).Seconds())
		o.log.Info("buffered audio flushed",
			"sent", res.Sent,
			"expired", res.Expired,
			"remaining", res.Remaining,
			"err", res.Err,
		)
	}
	if res.Err != nil {
		// The connection died mid-flush; its close handler drives the retry.
		return nil
	}

	o.emitStatus(Status{Kind: StatusConnected, Message: "connected"})
	return nil
}

// drainBuffer flushes buffered audio through conn until the buffer is seen
// empty under the orchestrator lock, then clears the flushing flag. A chunk
// that lands in the buffer between Flush returning and the flag clearing is
// picked up by the re-check instead of waiting for the next reconnect.
func (o *Orchestrator) drainBuffer(conn *Conn) FlushResult {
	var total FlushResult
	for {
		res := o.buf.Flush(func(chunk audio.Chunk) error {
			return o.sendChunkOn(conn, chunk)
		})
		total.Sent += res.Sent
		total.Expired += res.Expired
		total.Remaining = res.Remaining
		total.Err = res.Err

		o.mu.Lock()
		if res.Err == nil && o.buf.Len() > 0 {
			o.mu.Unlock()
			continue
		}
		o.flushing = false
		o.mu.Unlock()
		return total
	}
}

// sendChunkOn frames chunk and hands it to the connection's send queue,
// updating throughput counters on success.
func (o *Orchestrator) sendChunkOn(conn *Conn, chunk audio.Chunk) error {
	o.mu.Lock()
	header := o.chunkHeader
	o.mu.Unlock()

	err := conn.Send(wyoming.Event{
		Kind:       wyoming.KindAudioChunk,
		AudioChunk: &header,
		Payload:    chunk.Data,
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.chunksSent++
	o.bytesSent += int64(len(chunk.Data))
	o.mu.Unlock()
	o.metrics.ChunksSent.Add(context.Background(), 1)
	o.metrics.BytesSent.Add(context.Background(), int64(len(chunk.Data)))
	return nil
}

// handleInbound forwards decoded server events to the status surface and
// the session recorder. Runs on the connection's read loop.
func (o *Orchestrator) handleInbound(ev wyoming.Event) {
	switch {
	case ev.Kind == wyoming.KindRelayStatus:
		o.cfg.Recorder.OnStatusUpdate(*ev.RelayStatus)
		o.emitStatus(Status{
			Kind:    StatusConnected,
			Message: "relay status",
			Relay:   ev.RelayStatus,
		})
	case ev.IsError():
		detail := ""
		if ev.Error != nil {
			detail = ev.Error.Message
		}
		o.emitStatus(Status{Kind: StatusError, Message: "server error", Detail: detail})
	}
}

// handleClose reacts to a connection leaving Open. Stale callbacks from a
// connection that is no longer the active one are ignored, which makes
// close handling idempotent across Stop races.
func (o *Orchestrator) handleClose(conn *Conn, reason CloseReason, err error) {
	o.mu.Lock()
	if conn != o.conn {
		o.mu.Unlock()
		return
	}
	o.conn = nil
	stopped := o.stopped
	intend := o.intend
	o.mu.Unlock()

	switch reason {
	case CloseIntentional:
		// Stop drives the rest of the teardown.

	case CloseServerErrors:
		o.mu.Lock()
		o.active = false
		o.intend = false
		diag := o.diagnosticsLocked()
		o.mu.Unlock()

		o.emitStatus(Status{
			Kind:    StatusError,
			Message: "too many server errors",
			Detail:  errText(err),
		})
		o.cfg.Recorder.OnEnd(err, record.EndServerError, diag)

	case CloseTransport:
		o.emitStatus(Status{
			Kind:    StatusDisconnected,
			Message: "connection lost",
			Detail:  errText(err),
		})
		if !stopped && intend {
			o.scheduleRetry()
		}
	}
}

// scheduleRetry arms the backoff timer for the next reconnect attempt.
// Recursion is bounded by the timer, not call depth: each retry is scheduled,
// never invoked directly.
func (o *Orchestrator) scheduleRetry() {
	o.mu.Lock()
	if o.stopped || !o.intend || o.retryCancelled || o.connecting || o.retryTimer != nil {
		o.mu.Unlock()
		return
	}
	n := o.attempt
	o.attempt++
	o.reconnects++
	delay := o.cfg.Backoff.DelayFor(n)
	o.retryTimer = time.AfterFunc(delay, func() {
		o.mu.Lock()
		o.retryTimer = nil
		o.mu.Unlock()
		o.retryConnect()
	})
	o.mu.Unlock()

	o.metrics.Reconnects.Add(context.Background(), 1)
	o.log.Info("reconnect scheduled", "attempt", n, "delay", delay)
}

// retryConnect runs one reconnect attempt from the retry timer or an
// immediate trigger, rescheduling on failure.
func (o *Orchestrator) retryConnect() {
	err := o.connectOnce(context.Background())
	if err == nil || errors.Is(err, ErrStopped) || errors.Is(err, errAlreadyConnecting) {
		return
	}

	if o.cfg.GiveUp != nil && o.cfg.GiveUp.Fail() {
		o.abandon(fmt.Errorf("%w: %w", ErrGiveUp, err))
		return
	}
	o.scheduleRetry()
}

// immediateReconnect handles foreground and connectivity signals: reconnect
// now, skipping the backoff delay, unless already open or connecting.
func (o *Orchestrator) immediateReconnect(trigger string) {
	o.mu.Lock()
	if o.stopped || !o.intend || o.retryCancelled || o.connecting {
		o.mu.Unlock()
		return
	}
	if o.conn != nil && o.conn.State() == StateOpen {
		o.mu.Unlock()
		return
	}
	// An immediate attempt supersedes any scheduled one.
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	o.mu.Unlock()

	o.log.Info("immediate reconnect", "trigger", trigger)
	go o.retryConnect()
}

// abandon ends the session after the give-up safeguard trips.
func (o *Orchestrator) abandon(err error) {
	o.mu.Lock()
	wasActive := o.active
	o.active = false
	o.intend = false
	diag := o.diagnosticsLocked()
	o.mu.Unlock()

	o.emitStatus(Status{Kind: StatusError, Message: "reconnect abandoned", Detail: errText(err)})
	if wasActive {
		o.cfg.Recorder.OnEnd(err, record.EndConnectionFailed, diag)
	}
	o.log.Error("reconnect abandoned", "err", err)
}

func (o *Orchestrator) diagnosticsLocked() record.Diagnostics {
	return record.Diagnostics{
		BytesTransferred:  o.bytesSent,
		ChunksTransferred: o.chunksSent,
		ReconnectCount:    o.reconnects,
		DroppedChunks:     o.dropped,
	}
}

func (o *Orchestrator) emitStatus(s Status) {
	if o.cfg.OnStatus == nil {
		return
	}
	s.Buffer = o.BufferStats()
	o.cfg.OnStatus(s)
}

// resolveDestination appends the codec query parameter to dest when the URL
// does not already carry one. Authentication embedding (token-in-query) is
// left untouched.
func resolveDestination(dest, codec string) (string, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return "", fmt.Errorf("stream: parse destination: %w", err)
	}
	if codec != "" {
		q := u.Query()
		if q.Get("codec") == "" {
			q.Set("codec", codec)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

// buildHandshake assembles the audio-start event. Raw PCM is the protocol
// default, so its codec tag is omitted from the wire.
func buildHandshake(format audio.Format, mode, codec string) wyoming.AudioStart {
	hs := wyoming.AudioStart{
		Rate:     format.SampleRate,
		Width:    format.Width,
		Channels: format.Channels,
		Mode:     mode,
	}
	if codec != "" && codec != "pcm" {
		hs.Codec = codec
	}
	return hs
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

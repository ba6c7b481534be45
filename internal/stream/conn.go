package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/mvarner/wyostream/pkg/wyoming"
)

// Default connection timers and thresholds.
const (
	defaultHeartbeatInterval = 20 * time.Second
	defaultHealthInterval    = 10 * time.Second
	defaultStaleAfter        = 90 * time.Second
	defaultErrorThreshold    = 5
	defaultSendQueueSize     = 256
	defaultWriteTimeout      = 10 * time.Second
)

// ConnState is the lifecycle state of a [Conn]. Transitions are driven only
// by socket lifecycle events and explicit Close calls, never polled.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

// String returns the human-readable name of the state.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason classifies why a connection closed. Only [CloseTransport]
// closes are eligible for automatic reconnection.
type CloseReason int

const (
	// CloseIntentional is a locally initiated close (explicit stop).
	CloseIntentional CloseReason = iota

	// CloseServerErrors is the terminal local close taken after the
	// consecutive server error threshold was reached. The orchestrator must
	// not auto-reconnect.
	CloseServerErrors

	// CloseTransport covers everything else: socket errors, remote closes,
	// and zombie detection by the health check.
	CloseTransport
)

// String returns the human-readable name of the close reason.
func (r CloseReason) String() string {
	switch r {
	case CloseIntentional:
		return "intentional"
	case CloseServerErrors:
		return "server_errors"
	case CloseTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// ErrSendQueueFull is returned by [Conn.Send] when the outbound queue is
// saturated. Sends are fire-and-forget; the capture path must never block.
var ErrSendQueueFull = errors.New("stream: send queue full")

// ErrNotOpen is returned by [Conn.Send] when the connection is not open.
var ErrNotOpen = errors.New("stream: connection not open")

// ConnConfig configures a [Conn].
type ConnConfig struct {
	// URL is the fully resolved websocket destination.
	URL string

	// Handshake is the audio-start event sent immediately after the socket
	// opens, carrying the negotiated format and mode.
	Handshake wyoming.AudioStart

	// HeartbeatInterval is the cadence of best-effort ping messages.
	// Defaults to 20s.
	HeartbeatInterval time.Duration

	// HealthInterval is the cadence of direct transport-state inspection.
	// Defaults to 10s.
	HealthInterval time.Duration

	// StaleAfter is the inbound-silence window after which the health check
	// declares the transport dead. Defaults to 90s.
	StaleAfter time.Duration

	// ErrorThreshold is the number of consecutive server error messages
	// that forces a terminal close. Defaults to 5.
	ErrorThreshold int

	// SendQueueSize bounds the outbound frame queue. Defaults to 256.
	SendQueueSize int

	// OnEvent receives every successfully decoded inbound event. May be nil.
	// Invoked from the read loop; must not block.
	OnEvent func(wyoming.Event)

	// OnClose is invoked exactly once when the connection leaves Open or
	// Connecting for good. err is nil for an intentional close.
	OnClose func(reason CloseReason, err error)

	// Logger used for connection-scoped logging. Defaults to slog.Default.
	Logger *slog.Logger
}

func (c *ConnConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = defaultErrorThreshold
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Conn owns one websocket to the relay: the send and receive loops, the
// heartbeat timer, and the health-check timer. It is created for a single
// session of connectivity; reconnection builds a fresh Conn.
//
// All methods are safe for concurrent use.
type Conn struct {
	cfg ConnConfig
	log *slog.Logger

	state atomic.Int32

	ws     *websocket.Conn
	sendCh chan outFrame

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	mu           sync.Mutex
	lastActivity time.Time
	consecErrors int
}

type outFrame struct {
	data   []byte
	binary bool
}

// NewConn creates a connection in the Idle state. Call [Conn.Open] to dial.
func NewConn(cfg ConnConfig) *Conn {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "stream.conn"),
		sendCh: make(chan outFrame, cfg.SendQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// LastActivity returns when the last inbound message arrived.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Open dials the relay and, on success, sends the audio-start handshake and
// starts the send/receive loops and both timers. A dial failure leaves the
// connection Closed and is returned synchronously; OnClose is not invoked
// for it.
func (c *Conn) Open(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return fmt.Errorf("stream: open from state %s", c.State())
	}

	ws, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		c.state.Store(int32(StateClosed))
		return fmt.Errorf("stream: dial %s: %w", c.cfg.URL, err)
	}
	// Audio frames are small and frequent; reading is line-JSON only.
	ws.SetReadLimit(1 << 20)

	c.ws = ws
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.consecErrors = 0
	c.mu.Unlock()
	c.state.Store(int32(StateOpen))

	if err := c.writeEvent(ctx, wyoming.Event{
		Kind:       wyoming.KindAudioStart,
		AudioStart: &c.cfg.Handshake,
	}); err != nil {
		c.state.Store(int32(StateClosed))
		c.cancel()
		ws.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("stream: handshake: %w", err)
	}

	go c.readLoop()
	go c.writeLoop()
	go c.heartbeatLoop()
	go c.healthLoop()

	c.log.Debug("connection open", "url", c.cfg.URL)
	return nil
}

// Send queues ev for delivery. It never blocks: when the queue is full the
// frame is dropped and [ErrSendQueueFull] returned. Returns [ErrNotOpen]
// when the connection is not open.
func (c *Conn) Send(ev wyoming.Event) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	frame, err := wyoming.Encode(ev)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- outFrame{data: frame, binary: len(ev.Payload) > 0}:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// WriteEvent writes ev synchronously, bypassing the queue. Used for the
// best-effort audio-stop on shutdown.
func (c *Conn) WriteEvent(ctx context.Context, ev wyoming.Event) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	return c.writeEvent(ctx, ev)
}

func (c *Conn) writeEvent(ctx context.Context, ev wyoming.Event) error {
	frame, err := wyoming.Encode(ev)
	if err != nil {
		return err
	}
	typ := websocket.MessageText
	if len(ev.Payload) > 0 {
		typ = websocket.MessageBinary
	}
	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return c.ws.Write(wctx, typ, frame)
}

// Close terminates the connection as an intentional local close.
// Safe to call multiple times and in any state.
func (c *Conn) Close() {
	c.close(CloseIntentional, nil)
}

func (c *Conn) close(reason CloseReason, err error) {
	c.closeOnce.Do(func() {
		prev := ConnState(c.state.Swap(int32(StateClosing)))
		c.cancel()

		if c.ws != nil {
			status := websocket.StatusNormalClosure
			msg := "client closing"
			if reason != CloseIntentional {
				status = websocket.StatusInternalError
				msg = reason.String()
			}
			c.ws.Close(status, msg)
		}
		c.state.Store(int32(StateClosed))

		if err != nil {
			c.log.Warn("connection closed",
				"reason", reason.String(),
				"prev_state", prev.String(),
				"err", err,
			)
		} else {
			c.log.Debug("connection closed", "reason", reason.String())
		}

		if c.cfg.OnClose != nil {
			c.cfg.OnClose(reason, err)
		}
	})
}

// readLoop receives inbound frames, decodes them, maintains the consecutive
// server error counter, and forwards events to the orchestrator.
func (c *Conn) readLoop() {
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// An intentional close cancels c.ctx first; in that case the
			// read error is just the teardown echo.
			if c.ctx.Err() != nil {
				return
			}
			c.close(CloseTransport, fmt.Errorf("stream: read: %w", err))
			return
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		if typ != websocket.MessageText {
			// The relay never sends binary payloads in this direction.
			c.log.Debug("dropping unexpected binary frame", "bytes", len(data))
			continue
		}

		ev, err := wyoming.Decode(bytes.TrimRight(data, "\n"))
		if err != nil {
			// A malformed line is dropped, never a reason to close.
			c.log.Warn("dropping undecodable message", "err", err)
			continue
		}

		if c.handleEvent(ev) {
			return
		}
	}
}

// handleEvent applies the error-threshold rules and forwards ev. It returns
// true when the connection was terminally closed.
func (c *Conn) handleEvent(ev wyoming.Event) bool {
	if ev.IsError() {
		c.mu.Lock()
		c.consecErrors++
		n := c.consecErrors
		c.mu.Unlock()

		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(ev)
		}

		if n >= c.cfg.ErrorThreshold {
			c.close(CloseServerErrors,
				fmt.Errorf("stream: %d consecutive server errors", n))
			return true
		}
		return false
	}

	// Any successfully parsed non-error message resets the counter.
	c.mu.Lock()
	c.consecErrors = 0
	c.mu.Unlock()

	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
	return false
}

// writeLoop drains the send queue onto the socket. A write failure kills the
// connection; sends are fire-and-forget so the failed frame is not retried.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.sendCh:
			typ := websocket.MessageText
			if frame.binary {
				typ = websocket.MessageBinary
			}
			if err := c.ws.Write(c.ctx, typ, frame.data); err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.close(CloseTransport, fmt.Errorf("stream: write: %w", err))
				return
			}
		}
	}
}

// heartbeatLoop sends a ping at a fixed cadence. Heartbeat is best-effort:
// enqueue failures are swallowed and never trigger reconnection themselves —
// a dead socket surfaces through the write/read loops or the health check.
func (c *Conn) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			err := c.Send(wyoming.Event{
				Kind: wyoming.KindPing,
				Ping: &wyoming.Ping{Timestamp: time.Now().UnixMilli()},
			})
			if err != nil {
				c.log.Debug("heartbeat skipped", "err", err)
			}
		}
	}
}

// healthLoop periodically inspects transport state directly and tears the
// connection down when it reports dead. This catches silent socket death
// where no close callback ever fires.
func (c *Conn) healthLoop() {
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			err := CheckTransport(c.State(), c.LastActivity(), time.Now(), c.cfg.StaleAfter)
			if err != nil {
				c.close(CloseTransport, fmt.Errorf("stream: health check: %w", err))
				return
			}
		}
	}
}

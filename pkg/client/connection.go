package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/flumechat/flume/pkg/protocol"
)

// ConnState is the connection state machine position.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StateUpdate is published on every state transition. Attempt counts
// consecutive failed dials; it resets to zero once a connect succeeds.
type StateUpdate struct {
	State   ConnState
	Attempt int
	Err     error
}

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
)

// Connection owns the duplex transport: dialing, the reconnect state
// machine with exponential backoff, and the outbound send queue.
//
// Backoff is deterministic: delay = min(base << retryCount, cap), no
// jitter, so retry timing is assertable with a mock clock.
type Connection struct {
	url   string
	token string
	cfg   Config

	dialer  Dialer
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *Metrics

	// sendMu serializes all writes to the transport, including the
	// pending-queue flush on reconnect. Always acquired before mu.
	sendMu sync.Mutex

	mu         sync.Mutex
	state      ConnState
	retryCount int
	transport  Transport
	pending    []protocol.Event // FIFO, flushed on reconnect
	retryTimer *clock.Timer
	closed     bool

	incoming chan protocol.Event
	stateCh  chan StateUpdate
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewConnection creates a connection manager for the given server URL
// and session token. The connection starts disconnected; call Connect.
func NewConnection(serverURL, token string, cfg Config) *Connection {
	return &Connection{
		url:      serverURL,
		token:    token,
		cfg:      cfg,
		dialer:   &WebSocketDialer{Timeout: cfg.DialTimeout},
		clock:    clock.New(),
		logger:   zerolog.Nop(),
		state:    StateDisconnected,
		incoming: make(chan protocol.Event, cfg.IncomingQueueSize),
		stateCh:  make(chan StateUpdate, cfg.StateQueueSize),
		shutdown: make(chan struct{}),
	}
}

// SetLogger sets the logger for connection events.
func (c *Connection) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// SetDialer replaces the transport dialer (tests use an in-memory one).
func (c *Connection) SetDialer(d Dialer) {
	c.dialer = d
}

// SetClock replaces the wall clock (tests use a mock).
func (c *Connection) SetClock(clk clock.Clock) {
	c.clock = clk
}

// SetMetrics attaches Prometheus instrumentation.
func (c *Connection) SetMetrics(m *Metrics) {
	c.metrics = m
}

// Connect dials the server. On failure it schedules background retries
// with exponential backoff and returns the dial error; callers observe
// recovery through StateChanges. From the failed state use Retry.
func (c *Connection) Connect() error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrConnectionClosed
	case c.state == StateConnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	case c.state == StateFailed:
		c.mu.Unlock()
		return fmt.Errorf("connection is in the failed state; call Retry")
	}
	c.mu.Unlock()

	return c.attempt()
}

// Retry leaves the failed state and dials again from a clean slate.
func (c *Connection) Retry() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.state != StateFailed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("retry is only valid in the failed state (current: %s)", state)
	}
	c.retryCount = 0
	c.mu.Unlock()

	return c.attempt()
}

// attempt performs one dial. Runs on the caller goroutine for Connect
// and Retry, and on the backoff timer goroutine for scheduled retries.
func (c *Connection) attempt() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	attempt := c.retryCount + 1
	c.setStateLocked(StateConnecting, attempt, nil)
	c.mu.Unlock()

	c.logger.Debug().Str("url", c.url).Int("attempt", attempt).Msg("dialing")
	c.metrics.ReconnectAttempt()

	t, err := c.dialer.Dial(c.url, c.token)
	if err != nil {
		c.dialFailed(err)
		return err
	}

	c.sendMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.sendMu.Unlock()
		t.Close()
		return ErrConnectionClosed
	}
	c.transport = t
	c.retryCount = 0
	pending := c.pending
	c.pending = nil
	c.setStateLocked(StateConnected, 0, nil)
	c.mu.Unlock()

	c.logger.Debug().Int("queued", len(pending)).Msg("connected")

	// Flush the queue in submission order. sendMu is still held, so no
	// concurrent Send can jump ahead of queued frames.
	flushFailed := false
	for i, ev := range pending {
		if writeErr := c.writeFrame(t, ev); writeErr != nil {
			c.mu.Lock()
			c.pending = append(pending[i:], c.pending...)
			c.mu.Unlock()
			c.handleTransportError(t, writeErr)
			flushFailed = true
			break
		}
	}
	c.sendMu.Unlock()

	if !flushFailed {
		c.wg.Add(1)
		go c.readLoop(t)
	}
	return nil
}

func (c *Connection) dialFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	delay := backoffDelay(c.cfg, c.retryCount)
	c.retryCount++

	if c.retryCount > c.cfg.MaxRetries {
		c.logger.Warn().Err(err).Int("attempts", c.retryCount).Msg("retry budget exhausted, giving up")
		c.setStateLocked(StateFailed, c.retryCount, err)
		return
	}

	c.logger.Debug().Err(err).Int("attempt", c.retryCount).Dur("next_retry", delay).Msg("dial failed")
	c.setStateLocked(StateReconnecting, c.retryCount, err)
	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.attempt()
	})
}

// backoffDelay computes min(base << retryCount, cap).
func backoffDelay(cfg Config, retryCount int) time.Duration {
	if retryCount >= 32 {
		return cfg.BackoffCap
	}
	delay := cfg.BackoffBase << uint(retryCount)
	if delay <= 0 || delay > cfg.BackoffCap {
		return cfg.BackoffCap
	}
	return delay
}

// Send transmits a frame immediately when connected, returning true.
// Otherwise the frame joins the pending queue (flushed FIFO on the next
// connect) and Send returns false.
func (c *Connection) Send(ev protocol.Event) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	t := c.transport
	if c.state != StateConnected || t == nil {
		c.pending = append(c.pending, ev)
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if err := c.writeFrame(t, ev); err != nil {
		// Requeue at the head so submission order survives the reconnect.
		c.mu.Lock()
		if !c.closed {
			c.pending = append([]protocol.Event{ev}, c.pending...)
		}
		c.mu.Unlock()
		c.handleTransportError(t, err)
		return false
	}
	return true
}

func (c *Connection) writeFrame(t Transport, ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		// Encoding our own events cannot fail in practice; log and drop.
		c.logger.Error().Err(err).Str("type", ev.EventType()).Msg("failed to encode outbound frame")
		return nil
	}
	if err := t.WriteFrame(data); err != nil {
		return err
	}
	c.metrics.FrameSent()
	c.logger.Trace().Str("type", ev.EventType()).Int("bytes", len(data)).Msg("frame sent")
	return nil
}

// readLoop reads frames until the transport fails. Malformed frames are
// dropped and logged; they never affect connection state.
func (c *Connection) readLoop(t Transport) {
	defer c.wg.Done()

	for {
		data, err := t.ReadFrame()
		if err != nil {
			c.handleTransportError(t, err)
			return
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			c.metrics.FrameDropped()
			continue
		}

		c.metrics.FrameReceived()
		select {
		case c.incoming <- ev:
		case <-c.shutdown:
			return
		}
	}
}

// handleTransportError moves connected → reconnecting and schedules a
// redial. Errors from a transport that has already been replaced or
// closed are ignored.
func (c *Connection) handleTransportError(t Transport, err error) {
	c.mu.Lock()
	if c.closed || c.transport != t {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	t.Close()

	delay := backoffDelay(c.cfg, c.retryCount)
	c.setStateLocked(StateReconnecting, c.retryCount, err)
	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.attempt()
	})
	c.mu.Unlock()

	c.logger.Warn().Err(err).Dur("redial_in", delay).Msg("transport error, reconnecting")
}

// Disconnect closes the transport and stops reconnection without
// discarding the pending queue. Connect starts the machine again.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	t := c.transport
	c.transport = nil
	c.retryCount = 0
	c.setStateLocked(StateDisconnected, 0, nil)
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
}

// Close shuts the connection down permanently. Pending timers are
// cancelled and the outbound queue is discarded, not flushed.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	t := c.transport
	c.transport = nil
	c.pending = nil
	c.mu.Unlock()

	close(c.shutdown)
	if t != nil {
		t.Close()
	}
	c.wg.Wait()
	close(c.incoming)
	close(c.stateCh)
}

// State returns the current state machine position.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Evict removes a queued message frame by correlation id, so a frame
// superseded by a resend never reaches the wire. Returns false when no
// queued frame carries the id.
func (c *Connection) Evict(correlationID string) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, ev := range c.pending {
		msg, ok := ev.(*protocol.MessageEvent)
		if !ok || msg.CorrelationID != correlationID {
			continue
		}
		c.pending = append(c.pending[:i], c.pending[i+1:]...)
		return true
	}
	return false
}

// QueuedFrames returns the number of frames waiting for reconnection.
func (c *Connection) QueuedFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Incoming returns the channel of decoded inbound events.
func (c *Connection) Incoming() <-chan protocol.Event {
	return c.incoming
}

// StateChanges returns the channel of state transitions.
func (c *Connection) StateChanges() <-chan StateUpdate {
	return c.stateCh
}

// setStateLocked updates the state and publishes it without blocking.
// When the channel is full the oldest queued update is shed so the
// newest transition always lands: losing a terminal StateFailed would
// leave consumers believing the machine is still retrying. Callers hold
// c.mu.
func (c *Connection) setStateLocked(state ConnState, attempt int, err error) {
	c.state = state
	update := StateUpdate{State: state, Attempt: attempt, Err: err}
	for {
		select {
		case c.stateCh <- update:
			return
		default:
		}
		select {
		case <-c.stateCh:
		default:
		}
	}
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/deploychat/internal/observer"
	"github.com/ashureev/deploychat/internal/protocol"
	"github.com/google/uuid"
)

var errConnectTimeout = errors.New("connection timeout")

// Client owns one logical persistent connection. Reconnection and liveness
// are handled internally; callers observe them through the On* subscriptions.
// None of the methods block on network I/O.
type Client struct {
	cfg      Config
	url      string
	dialer   Dialer
	registry *Registry
	logger   *slog.Logger

	mu             sync.Mutex
	state          ConnectionState
	conn           Conn
	gen            uint64
	out            chan []byte
	cancelConn     context.CancelFunc
	intentional    bool
	closed         bool
	attempts       int
	lostChannel    bool
	reconnectTimer *time.Timer
	pongTimer      *time.Timer
	queue          *Queue

	events    *dispatcher
	onMessage *observer.Set[protocol.Inbound]
	onError   *observer.Set[error]
	onConn    *observer.Set[ConnectionState]
}

// NewClient creates an idle client. registry may be nil when the caller
// guarantees a single instance per session.
func NewClient(cfg Config, dialer Dialer, registry *Registry, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.WriteBuffer <= 0 {
		cfg.WriteBuffer = 256
	}

	url, err := BuildURL(cfg.URL, cfg.SessionID, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		url:      url,
		dialer:   dialer,
		registry: registry,
		logger:   logger.With("session_id", cfg.SessionID, "instance_id", cfg.InstanceID),
		state:    ConnectionState{Status: StatusIdle},
		queue:    NewQueue(cfg.QueueSize),
		events:   newDispatcher(),
	}
	c.onError = observer.NewSet[error](nil)
	report := func(err error) { c.onError.Notify(err) }
	c.onMessage = observer.NewSet[protocol.Inbound](report)
	c.onConn = observer.NewSet[ConnectionState](report)

	if registry != nil {
		registry.Acquire(cfg.SessionID, cfg.InstanceID)
	}
	return c, nil
}

// OnMessage subscribes to inbound frames (pongs are never delivered).
func (c *Client) OnMessage(fn func(protocol.Inbound)) func() { return c.onMessage.Add(fn) }

// OnError subscribes to transport and frame errors.
func (c *Client) OnError(fn func(error)) func() { return c.onError.Add(fn) }

// OnConnectionChange subscribes to connection state transitions.
func (c *Client) OnConnectionChange(fn func(ConnectionState)) func() { return c.onConn.Add(fn) }

// SessionID returns the identity sent on every connect.
func (c *Client) SessionID() string { return c.cfg.SessionID }

// IsConnected reports whether the channel is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Status == StatusConnected
}

// ConnectionStatus returns the current connection state.
func (c *Client) ConnectionStatus() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen returns the number of frames waiting for the next open.
func (c *Client) QueueLen() int {
	return c.queue.Len()
}

// Connect opens the channel. It is a no-op while connecting or connected.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.state.Status == StatusConnecting || c.state.Status == StatusConnected {
		return
	}
	c.intentional = false
	if c.attempts >= c.cfg.Backoff.MaxAttempts {
		c.attempts = 0
	}
	c.stopReconnectTimerLocked()
	c.startAttemptLocked()
}

// Disconnect closes the channel on purpose. No automatic reconnection follows.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	c.stopReconnectTimerLocked()
	conn := c.teardownLocked()
	c.attempts = 0
	c.lostChannel = false
	c.state.ReconnectAttempts = 0
	c.setStateLocked(StatusDisconnected, "")
	c.mu.Unlock()

	c.logger.Info("Transport disconnected by client")
	if conn != nil {
		go closeQuietly(conn, "client disconnect", c.logger)
	}
}

// Close disconnects and releases the session slot. The client cannot be reused.
func (c *Client) Close() {
	c.Disconnect()

	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if alreadyClosed {
		return
	}
	if c.registry != nil {
		c.registry.Release(c.cfg.SessionID, c.cfg.InstanceID)
	}
	c.events.stop()
}

// Send transmits frame when the channel is open, otherwise queues it.
// Encoding failures are reported to the error handlers and never queued.
func (c *Client) Send(frame any) (SendResult, error) {
	data, err := protocol.Encode(frame)
	if err != nil {
		c.reportError(err)
		return SendFailed, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return SendFailed, ErrClosed
	}
	if c.state.Status == StatusConnected && c.out != nil {
		select {
		case c.out <- data:
			return Sent, nil
		default:
			c.postErrorLocked(ErrWriteBufferFull)
			return SendFailed, ErrWriteBufferFull
		}
	}
	if !c.cfg.QueueEnabled {
		c.postErrorLocked(ErrNotConnected)
		return SendFailed, ErrNotConnected
	}
	if evicted := c.queue.Push(data); evicted > 0 {
		c.logger.Warn("Outbound queue full, dropped oldest frames", "dropped", evicted, "queue_size", c.queue.Cap())
	}
	return Queued, nil
}

func (c *Client) startAttemptLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelConn = cancel
	c.setStateLocked(StatusConnecting, "")

	c.logger.Debug("Dialing", "url", RedactURL(c.url), "attempt", c.attempts)
	go c.dial(ctx, gen)
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.dialer.Dial(dialCtx, c.url)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if timedOut {
			c.logger.Warn("Connection attempt timed out", "timeout", c.cfg.ConnectTimeout)
			c.handleClosed(gen, fmt.Errorf("%w after %s", errConnectTimeout, c.cfg.ConnectTimeout), false)
			return
		}
		c.handleClosed(gen, err, true)
		return
	}
	c.handleOpen(ctx, gen, conn)
}

func (c *Client) handleOpen(ctx context.Context, gen uint64, conn Conn) {
	c.mu.Lock()
	if gen != c.gen || c.intentional || c.closed {
		c.mu.Unlock()
		closeQuietly(conn, "stale connection", c.logger)
		return
	}

	wasReconnect := c.lostChannel
	c.lostChannel = false
	c.conn = conn
	c.attempts = 0
	c.state.ReconnectAttempts = 0
	c.state.LastConnected = time.Now()

	queued := c.queue.Drain()
	out := make(chan []byte, c.cfg.WriteBuffer+len(queued)+1)
	c.out = out

	initFrame := protocol.Outbound{
		Type:        protocol.TypeInit,
		SessionID:   c.cfg.SessionID,
		InstanceID:  c.cfg.InstanceID,
		IsReconnect: wasReconnect,
		Metadata:    c.cfg.Metadata,
	}
	if data, err := protocol.Encode(initFrame); err != nil {
		c.postErrorLocked(err)
	} else {
		out <- data
	}
	for _, data := range queued {
		out <- data
	}

	c.setStateLocked(StatusConnected, "")
	c.mu.Unlock()

	c.logger.Info("Transport connected", "reconnect", wasReconnect, "flushed", len(queued))

	go c.writeLoop(ctx, gen, conn, out)
	go c.readLoop(ctx, gen, conn)
	go c.heartbeatLoop(ctx, gen)
}

func (c *Client) writeLoop(ctx context.Context, gen uint64, conn Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-out:
			writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err := conn.Write(writeCtx, data)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.handleClosed(gen, fmt.Errorf("write: %w", err), true)
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleClosed(gen, err, !errors.Is(err, ErrPeerClosed))
			return
		}

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			c.logger.Warn("Dropping malformed inbound frame", "error", err, "size", len(data))
			c.reportError(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
			continue
		}
		if msg.Type == protocol.TypePong {
			c.clearPong(gen)
			continue
		}
		c.events.post(func() { c.onMessage.Notify(msg) })
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendPing(gen)
		}
	}
}

func (c *Client) sendPing(gen uint64) {
	data, err := protocol.Encode(protocol.NewPing(time.Now()))
	if err != nil {
		c.reportError(err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.out == nil {
		return
	}
	select {
	case c.out <- data:
	default:
		c.logger.Warn("Skipping ping, write buffer full")
	}
	// An outstanding pong deadline is not extended by later pings.
	if c.pongTimer == nil {
		c.pongTimer = time.AfterFunc(c.cfg.PongTimeout, func() { c.pongTimedOut(gen) })
	}
}

func (c *Client) clearPong(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen && c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

func (c *Client) pongTimedOut(gen uint64) {
	c.logger.Warn("No pong within timeout, closing dead connection", "timeout", c.cfg.PongTimeout)
	c.handleClosed(gen, errors.New("heartbeat timeout"), false)
}

// handleClosed routes every loss of the channel. isError marks transport
// failures, which surface as StatusError before the reconnect starts.
func (c *Client) handleClosed(gen uint64, cause error, isError bool) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn := c.teardownLocked()

	if isError && cause != nil {
		c.logger.Warn("Transport error", "error", cause)
		c.setStateLocked(StatusError, cause.Error())
		c.postErrorLocked(cause)
	} else {
		c.logger.Info("Transport closed", "reason", errString(cause))
	}

	if c.intentional {
		c.setStateLocked(StatusDisconnected, "")
	} else {
		c.lostChannel = true
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	if conn != nil {
		go closeQuietly(conn, "connection lost", c.logger)
	}
}

func (c *Client) scheduleReconnectLocked() {
	if c.intentional || c.closed {
		return
	}
	if c.attempts >= c.cfg.Backoff.MaxAttempts {
		err := fmt.Errorf("%w: gave up after %d attempts", ErrReconnectExhausted, c.attempts)
		c.logger.Error("Reconnect budget exhausted", "attempts", c.attempts)
		c.setStateLocked(StatusError, err.Error())
		c.postErrorLocked(err)
		return
	}

	c.attempts++
	delay := Backoff(c.attempts, c.cfg.Backoff)
	c.state.ReconnectAttempts = c.attempts
	c.setStateLocked(StatusReconnecting, "")
	c.logger.Info("Scheduling reconnect", "attempt", c.attempts, "delay", delay)

	gen := c.gen
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(gen) })
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.intentional || c.closed {
		return
	}
	c.reconnectTimer = nil
	c.startAttemptLocked()
}

// teardownLocked invalidates the current generation and releases its
// resources. The returned conn, if any, still needs closing.
func (c *Client) teardownLocked() Conn {
	c.gen++
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.out = nil
	return conn
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) setStateLocked(status Status, errText string) {
	if c.state.Status == status && c.state.Error == errText {
		return
	}
	c.state.Status = status
	c.state.Error = errText
	snapshot := c.state
	c.events.post(func() { c.onConn.Notify(snapshot) })
}

func (c *Client) postErrorLocked(err error) {
	c.events.post(func() { c.onError.Notify(err) })
}

func (c *Client) reportError(err error) {
	c.events.post(func() { c.onError.Notify(err) })
}

func closeQuietly(conn Conn, reason string, logger *slog.Logger) {
	if err := conn.Close(reason); err != nil {
		logger.Debug("Failed to close connection", "error", err, "reason", reason)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

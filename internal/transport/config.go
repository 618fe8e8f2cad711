// Package transport implements the persistent chat connection: connection
// lifecycle, reconnection with backoff, heartbeat liveness and an outbound
// queue that holds frames while the channel is down.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ConnectionState is the observable connection status.
type ConnectionState struct {
	Status            Status
	Error             string
	LastConnected     time.Time
	ReconnectAttempts int
}

// SendResult reports what Send did with a frame.
type SendResult int

const (
	// SendFailed means the frame was neither transmitted nor queued.
	SendFailed SendResult = iota
	// Sent means the frame was handed to the open channel.
	Sent
	// Queued means the frame waits in the outbound queue for the next open.
	Queued
)

func (r SendResult) String() string {
	switch r {
	case Sent:
		return "sent"
	case Queued:
		return "queued"
	default:
		return "failed"
	}
}

var (
	// ErrNotConnected is returned by Send when the channel is down and queueing is disabled.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client closed")
	// ErrPeerClosed marks a read error caused by a close frame from the server.
	ErrPeerClosed = errors.New("closed by peer")
	// ErrMalformedFrame marks an inbound frame that could not be parsed.
	ErrMalformedFrame = errors.New("malformed inbound frame")
	// ErrReconnectExhausted is reported once the reconnect budget is spent.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrWriteBufferFull is returned when the writer cannot keep up.
	ErrWriteBufferFull = errors.New("write buffer full")
)

// BackoffConfig controls reconnect delays.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

// Config holds Client settings.
type Config struct {
	URL        string // base address, e.g. ws://localhost:8080/ws
	SessionID  string
	InstanceID string // generated when empty
	APIKey     string
	Metadata   map[string]string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	Backoff        BackoffConfig

	QueueEnabled bool
	QueueSize    int
	WriteBuffer  int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   15 * time.Second,
		PongTimeout:    30 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   1.5,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  10,
		},
		QueueEnabled: true,
		QueueSize:    100,
		WriteBuffer:  256,
	}
}

// Validate checks that the config can drive a client.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if c.SessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if c.ConnectTimeout <= 0 || c.WriteTimeout <= 0 || c.PingInterval <= 0 || c.PongTimeout <= 0 {
		return fmt.Errorf("timeouts must be > 0")
	}
	if c.Backoff.InitialDelay <= 0 || c.Backoff.Multiplier < 1 || c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("invalid backoff: initial=%s multiplier=%v max=%s",
			c.Backoff.InitialDelay, c.Backoff.Multiplier, c.Backoff.MaxDelay)
	}
	if c.Backoff.MaxAttempts <= 0 {
		return fmt.Errorf("max reconnect attempts must be > 0")
	}
	if c.QueueEnabled && c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be > 0")
	}
	return nil
}

// Package conversation is the single entry point the presentation layer uses:
// chat history, the pending-reply indicator and the deployment progress view.
package conversation

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/deploychat/internal/deployment"
	"github.com/ashureev/deploychat/internal/observer"
	"github.com/ashureev/deploychat/internal/progress"
	"github.com/ashureev/deploychat/internal/protocol"
	"github.com/ashureev/deploychat/internal/transport"
	"github.com/google/uuid"
)

// DefaultPendingTimeout is how long the pending indicator may stay set
// without a reply.
const DefaultPendingTimeout = 3 * time.Second

// ErrEmptyMessage is returned when there is nothing to send.
var ErrEmptyMessage = errors.New("message is empty")

// Transport is the subset of the transport client the controller needs.
type Transport interface {
	Send(frame any) (transport.SendResult, error)
	SessionID() string
	OnMessage(fn func(protocol.Inbound)) func()
	OnConnectionChange(fn func(transport.ConnectionState)) func()
	ConnectionStatus() transport.ConnectionState
}

// Role identifies who authored a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one chat history entry.
type Message struct {
	ID          string
	Role        Role
	Content     string
	Code        string
	Attachments []protocol.Attachment
	CreatedAt   time.Time
}

// EventKind says which part of the controller state changed.
type EventKind int

const (
	EventMessage EventKind = iota + 1
	EventPending
	EventProgress
	EventConnection
)

// Event is delivered to subscribers after each state change.
type Event struct {
	Kind       EventKind
	Message    Message
	Pending    bool
	Progress   deployment.Progress
	Connection transport.ConnectionState
}

// Controller is safe for concurrent use.
type Controller struct {
	transport      Transport
	tracker        *deployment.Tracker
	logger         *slog.Logger
	pendingTimeout time.Duration
	now            func() time.Time

	mu           sync.Mutex
	history      []Message
	pending      bool
	pendingGen   uint64
	pendingTimer *time.Timer
	closed       bool

	events *observer.Set[Event]
	unsubs []func()
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithPendingTimeout overrides the pending indicator ceiling.
func WithPendingTimeout(d time.Duration) Option {
	return func(c *Controller) { c.pendingTimeout = d }
}

// WithTracker supplies the aggregator. Defaults to a fresh tracker.
func WithTracker(t *deployment.Tracker) Option {
	return func(c *Controller) { c.tracker = t }
}

// WithClock overrides the time source used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New wires a controller to t and starts listening for inbound frames.
func New(t Transport, opts ...Option) *Controller {
	c := &Controller{
		transport:      t,
		pendingTimeout: DefaultPendingTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracker == nil {
		c.tracker = deployment.NewTracker()
	}
	c.events = observer.NewSet[Event](func(err error) {
		c.logger.Error("Conversation subscriber panicked", "error", err)
	})
	c.unsubs = append(c.unsubs,
		t.OnMessage(c.handleInbound),
		t.OnConnectionChange(c.handleConnection),
	)
	return c
}

// Subscribe registers fn for state change events.
func (c *Controller) Subscribe(fn func(Event)) func() { return c.events.Add(fn) }

// Close detaches from the transport and stops the pending timer.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopPendingTimerLocked()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

// SendUserMessage appends the message to history right away, forwards it
// as a chat frame and sets the pending indicator. A queued frame counts as
// success; it is flushed on the next open.
func (c *Controller) SendUserMessage(text string, attachments ...protocol.Attachment) (transport.SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return transport.SendFailed, ErrEmptyMessage
	}

	msg := Message{
		ID:          uuid.NewString(),
		Role:        RoleUser,
		Content:     text,
		Attachments: slices.Clone(attachments),
		CreatedAt:   c.now(),
	}
	c.appendMessage(msg)

	frame := protocol.Outbound{
		Type:        protocol.TypeChat,
		SessionID:   c.transport.SessionID(),
		Content:     text,
		Attachments: attachments,
		Timestamp:   msg.CreatedAt.UnixMilli(),
	}
	result, err := c.transport.Send(frame)
	if err != nil {
		c.logger.Warn("Chat message not sent", "error", err)
		return result, err
	}
	c.setPending(true)
	return result, nil
}

// RequestDeployment asks the backend to deploy repoURL. The progress view
// is reset before the frame goes out so the new run starts from an empty
// aggregate and replies that arrive during Send are kept.
func (c *Controller) RequestDeployment(repoURL, branch, serviceName string) (transport.SendResult, error) {
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" {
		return transport.SendFailed, ErrEmptyMessage
	}
	c.tracker.Reset()
	c.events.Notify(Event{Kind: EventProgress, Progress: c.tracker.Snapshot()})
	result, err := c.transport.Send(protocol.Outbound{
		Type:        protocol.TypeDeploy,
		SessionID:   c.transport.SessionID(),
		RepoURL:     repoURL,
		Branch:      branch,
		ServiceName: serviceName,
		Timestamp:   c.now().UnixMilli(),
	})
	if err != nil {
		return result, err
	}
	c.setPending(true)
	return result, nil
}

// History returns a copy of the chat history in insertion order.
func (c *Controller) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

// Pending reports whether a reply is awaited.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Progress returns the current deployment aggregate.
func (c *Controller) Progress() deployment.Progress { return c.tracker.Snapshot() }

// DismissDeployment clears the progress view.
func (c *Controller) DismissDeployment() {
	c.tracker.Reset()
	c.events.Notify(Event{Kind: EventProgress, Progress: c.tracker.Snapshot()})
}

// ConnectionStatus passes through the transport state.
func (c *Controller) ConnectionStatus() transport.ConnectionState {
	return c.transport.ConnectionStatus()
}

func (c *Controller) handleConnection(s transport.ConnectionState) {
	c.events.Notify(Event{Kind: EventConnection, Connection: s})
}

func (c *Controller) handleInbound(msg protocol.Inbound) {
	switch msg.Type {
	case protocol.TypeMessage, protocol.TypeChat:
		c.setPending(false)
		c.appendMessage(Message{
			ID:        uuid.NewString(),
			Role:      RoleAssistant,
			Content:   msg.Text(),
			CreatedAt: c.now(),
		})
		// Replies may embed log lines; only trust them mid-deployment.
		if c.tracker.Active() {
			for _, u := range progress.InterpretText(msg.Text()) {
				u.DeploymentID = msg.DeploymentID
				c.applyUpdate(u)
			}
		}

	case protocol.TypeTyping:
		if msg.Text() == "" {
			c.setPending(true)
			return
		}
		c.interpret(msg)

	case protocol.TypeDeploymentProgress, protocol.TypeAnalysis, protocol.TypeDeploymentComplete:
		c.interpret(msg)

	case protocol.TypeError:
		c.setPending(false)
		c.appendMessage(Message{
			ID:        uuid.NewString(),
			Role:      RoleSystem,
			Content:   msg.Text(),
			Code:      msg.Code,
			CreatedAt: c.now(),
		})
		c.interpret(msg)

	case protocol.TypeConnected:
		c.logger.Debug("Session acknowledged", "session_id", msg.SessionID)

	default:
		c.logger.Debug("Ignoring inbound frame", "type", msg.Type)
	}
}

func (c *Controller) interpret(msg protocol.Inbound) {
	if u, ok := progress.Interpret(msg); ok {
		c.applyUpdate(u)
	}
}

func (c *Controller) applyUpdate(u progress.Update) {
	if !c.tracker.Apply(u) {
		return
	}
	c.events.Notify(Event{Kind: EventProgress, Progress: c.tracker.Snapshot()})
}

func (c *Controller) appendMessage(m Message) {
	c.mu.Lock()
	c.history = append(c.history, m)
	c.mu.Unlock()
	c.events.Notify(Event{Kind: EventMessage, Message: m})
}

// setPending updates the indicator. Setting it arms a timer that clears it
// after pendingTimeout; the generation check discards timers that were
// superseded by a later set or clear.
func (c *Controller) setPending(on bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pendingGen++
	c.stopPendingTimerLocked()
	if on && c.pendingTimeout > 0 {
		gen := c.pendingGen
		c.pendingTimer = time.AfterFunc(c.pendingTimeout, func() { c.expirePending(gen) })
	}
	changed := c.pending != on
	c.pending = on
	c.mu.Unlock()

	if changed {
		c.events.Notify(Event{Kind: EventPending, Pending: on})
	}
}

func (c *Controller) expirePending(gen uint64) {
	c.mu.Lock()
	if gen != c.pendingGen || !c.pending {
		c.mu.Unlock()
		return
	}
	c.pending = false
	c.pendingTimer = nil
	c.mu.Unlock()

	c.logger.Debug("Pending indicator expired without a reply")
	c.events.Notify(Event{Kind: EventPending, Pending: false})
}

func (c *Controller) stopPendingTimerLocked() {
	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
		c.pendingTimer = nil
	}
}

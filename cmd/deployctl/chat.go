package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/deploychat/internal/conversation"
	"github.com/ashureev/deploychat/internal/deployment"
	"github.com/ashureev/deploychat/internal/identity"
	"github.com/ashureev/deploychat/internal/profile"
	"github.com/ashureev/deploychat/internal/transport"
	"github.com/charmbracelet/lipgloss"
)

const helpText = `Commands:
  /deploy <repo-url> [branch]  start a deployment
  /status                      show deployment progress
  /dismiss                     clear the progress view
  /quit                        exit
Anything else is sent as a chat message.`

var errUnknownCommand = errors.New("unknown command")

type commandKind int

const (
	cmdSay commandKind = iota
	cmdDeploy
	cmdStatus
	cmdDismiss
	cmdHelp
	cmdQuit
)

type command struct {
	kind   commandKind
	text   string
	repo   string
	branch string
}

// parseCommand turns one input line into a command. Lines that do not
// start with a slash are chat messages.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSay, text: line}, nil
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/deploy":
		if len(fields) < 2 {
			return command{}, fmt.Errorf("usage: /deploy <repo-url> [branch]")
		}
		c := command{kind: cmdDeploy, repo: fields[1]}
		if len(fields) > 2 {
			c.branch = fields[2]
		}
		return c, nil
	case "/status":
		return command{kind: cmdStatus}, nil
	case "/dismiss":
		return command{kind: cmdDismiss}, nil
	case "/help":
		return command{kind: cmdHelp}, nil
	case "/quit", "/exit":
		return command{kind: cmdQuit}, nil
	}
	return command{}, fmt.Errorf("%w %s, try /help", errUnknownCommand, fields[0])
}

// chatController is the part of conversation.Controller the loop drives.
type chatController interface {
	SendUserMessage(text string) (transport.SendResult, error)
	RequestDeployment(repoURL, branch, serviceName string) (transport.SendResult, error)
	Progress() deployment.Progress
	DismissDeployment()
}

type controllerAdapter struct{ *conversation.Controller }

func (a controllerAdapter) SendUserMessage(text string) (transport.SendResult, error) {
	return a.Controller.SendUserMessage(text)
}

func runChat(ctx context.Context, opts options, in io.Reader, out, errOut io.Writer) error {
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: opts.logLevel()}))

	path := opts.Profile
	if path == "" {
		var err error
		if path, err = profile.DefaultPath(); err != nil {
			return err
		}
	}
	store, err := profile.Open(path, logger)
	if err != nil {
		return fmt.Errorf("open profile: %w", err)
	}
	sessionID, err := identity.LoadOrCreate(store)
	if err != nil {
		return err
	}
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = identity.APIKey(store)
	}

	cfg := transport.DefaultConfig()
	cfg.URL = opts.URL
	cfg.SessionID = sessionID
	cfg.APIKey = apiKey
	cfg.QueueSize = opts.QueueSize
	cfg.Backoff.MaxAttempts = opts.MaxReconnectAttempts

	client, err := transport.NewClient(cfg, transport.WebSocketDialer{}, transport.NewRegistry(logger), logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctrl := conversation.New(client, conversation.WithLogger(logger))
	defer ctrl.Close()

	r := newRenderer(out)
	unsubscribe := ctrl.Subscribe(r.handle)
	defer unsubscribe()

	logger.Info("Connecting", "url", opts.URL, "session_id", sessionID, "api_key", identity.MaskSecret(apiKey))
	r.printf("Session %s. Type /help for commands.\n", sessionID)
	client.Connect()

	return loop(ctx, controllerAdapter{ctrl}, in, r)
}

// loop reads commands until input ends, /quit or ctx is cancelled.
func loop(ctx context.Context, ctrl chatController, in io.Reader, r *renderer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if quit := execute(ctrl, line, r); quit {
				return nil
			}
		}
	}
}

func execute(ctrl chatController, line string, r *renderer) (quit bool) {
	cmd, err := parseCommand(line)
	if err != nil {
		r.printf("! %v\n", err)
		return false
	}

	switch cmd.kind {
	case cmdQuit:
		return true
	case cmdHelp:
		r.printf("%s\n", helpText)
	case cmdStatus:
		r.printf("%s\n", formatProgress(ctrl.Progress(), time.Now()))
	case cmdDismiss:
		ctrl.DismissDeployment()
	case cmdDeploy:
		result, err := ctrl.RequestDeployment(cmd.repo, cmd.branch, "")
		reportSend(r, result, err)
	case cmdSay:
		result, err := ctrl.SendUserMessage(cmd.text)
		reportSend(r, result, err)
	}
	return false
}

func reportSend(r *renderer, result transport.SendResult, err error) {
	switch {
	case err != nil:
		r.printf("! not sent: %v\n", err)
	case result == transport.Queued:
		r.printf("(offline, message queued)\n")
	}
}

// renderer prints controller events. Events arrive on the transport's
// dispatcher goroutine, so writes are serialized.
type renderer struct {
	mu   sync.Mutex
	out  io.Writer
	last string
	conn transport.Status

	assistant lipgloss.Style
	system    lipgloss.Style
	failure   lipgloss.Style
	success   lipgloss.Style
	muted     lipgloss.Style
}

// newRenderer styles output for out. Colors are dropped when out is not a
// terminal.
func newRenderer(out io.Writer) *renderer {
	lr := lipgloss.NewRenderer(out)
	return &renderer{
		out:       out,
		assistant: lr.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		system:    lr.NewStyle().Foreground(lipgloss.Color("11")),
		failure:   lr.NewStyle().Foreground(lipgloss.Color("9")),
		success:   lr.NewStyle().Foreground(lipgloss.Color("10")),
		muted:     lr.NewStyle().Faint(true),
	}
}

func (r *renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *renderer) handle(ev conversation.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case conversation.EventMessage:
		switch ev.Message.Role {
		case conversation.RoleAssistant:
			fmt.Fprintf(r.out, "%s %s\n", r.assistant.Render("assistant>"), ev.Message.Content)
		case conversation.RoleSystem:
			if ev.Message.Code != "" {
				fmt.Fprintln(r.out, r.failure.Render(fmt.Sprintf("[%s] %s", ev.Message.Code, ev.Message.Content)))
			} else {
				fmt.Fprintln(r.out, r.system.Render("[system] "+ev.Message.Content))
			}
		}
	case conversation.EventPending:
		if ev.Pending {
			fmt.Fprintln(r.out, r.muted.Render("assistant is typing..."))
		}
	case conversation.EventProgress:
		if ev.Progress.Status == deployment.StatusIdle {
			r.last = ""
			return
		}
		line := formatProgress(ev.Progress, time.Now())
		if line == r.last {
			return
		}
		r.last = line
		switch ev.Progress.Status {
		case deployment.StatusSuccess:
			fmt.Fprintln(r.out, r.success.Render(line))
		case deployment.StatusFailed:
			fmt.Fprintln(r.out, r.failure.Render(line))
		default:
			fmt.Fprintln(r.out, line)
		}
	case conversation.EventConnection:
		if ev.Connection.Status == r.conn {
			return
		}
		r.conn = ev.Connection.Status
		switch ev.Connection.Status {
		case transport.StatusConnected:
			fmt.Fprintln(r.out, r.success.Render("* connected"))
		case transport.StatusReconnecting:
			fmt.Fprintln(r.out, r.muted.Render(fmt.Sprintf("* reconnecting (attempt %d)", ev.Connection.ReconnectAttempts)))
		case transport.StatusError:
			fmt.Fprintln(r.out, r.failure.Render("* connection error: "+ev.Connection.Error))
		}
	}
}

// formatProgress renders the aggregate as a single status line.
func formatProgress(p deployment.Progress, now time.Time) string {
	switch p.Status {
	case deployment.StatusIdle:
		return "No deployment in progress."
	case deployment.StatusSuccess:
		return fmt.Sprintf("[100%%] deployed in %s: %s", firstNonEmpty(p.Duration, p.Elapsed(now).Round(time.Second).String()), p.URL)
	case deployment.StatusFailed:
		return fmt.Sprintf("[%3d%%] failed at %s: %s", p.Percent, p.Current.Label(), p.Error)
	}
	current := "starting"
	if p.Current != "" {
		current = p.Current.Label()
	}
	return fmt.Sprintf("[%3d%%] %s (%s)", p.Percent, current, p.Elapsed(now).Round(time.Second))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

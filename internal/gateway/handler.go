package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/deploychat/internal/deployment"
	"github.com/ashureev/deploychat/internal/domain"
	"github.com/ashureev/deploychat/internal/engine"
	"github.com/ashureev/deploychat/internal/identity"
	"github.com/ashureev/deploychat/internal/intent"
	"github.com/ashureev/deploychat/internal/progress"
	"github.com/ashureev/deploychat/internal/protocol"
	"github.com/ashureev/deploychat/internal/store"
	"github.com/ashureev/deploychat/internal/verify"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	maxFrameSize = 1 << 20
	writeTimeout = 5 * time.Second
	storeTimeout = 5 * time.Second
)

// Options configures a Handler. Zero values pick defaults; a nil Checker
// skips post-deploy verification.
type Options struct {
	Router         intent.Router
	Checker        *verify.Checker
	ReplaySize     int
	RateLimit      int
	RateWindow     time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Handler serves the chat websocket and runs deployments on behalf of
// connected sessions.
type Handler struct {
	repo     store.Repository
	engine   engine.Engine
	router   intent.Router
	checker  *verify.Checker
	sessions *SessionManager
	replay   *ReplayBuffer
	limiter  *RateLimiter
	origins  []string
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// run is the one active deployment of a session.
type run struct {
	id      string
	repoURL string
	tracker *deployment.Tracker
}

// NewHandler creates a gateway handler.
func NewHandler(repo store.Repository, eng engine.Engine, opts Options) *Handler {
	if opts.Router == nil {
		opts.Router = intent.KeywordRouter{}
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		repo:     repo,
		engine:   eng,
		router:   opts.Router,
		checker:  opts.Checker,
		sessions: NewSessionManager(),
		replay:   NewReplayBuffer(opts.ReplaySize),
		limiter:  NewRateLimiter(opts.RateLimit, opts.RateWindow),
		origins:  opts.AllowedOrigins,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*run),
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.ServeWS)
}

// Close cancels running deployments, waits for them to record their
// outcome and drops every live connection.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	h.limiter.Close()
	h.sessions.CloseAll("server shutting down")
}

// LiveSessions returns the number of connected sessions.
func (h *Handler) LiveSessions() int { return h.sessions.Count() }

// ServeWS upgrades the request and serves one client connection.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !identity.IsValidSessionID(sessionID) {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()
	ws.SetReadLimit(maxFrameSize)

	h.sessions.Register(sessionID, ws)
	defer h.sessions.Unregister(sessionID, ws)

	h.touchSession(sessionID)

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		msg, err := protocol.DecodeOutbound(data)
		if err != nil {
			h.logger.Debug("Dropping malformed frame", "error", err, "session_id", sessionID)
			h.writeFrame(ctx, ws, protocol.Inbound{Type: protocol.TypeError, Code: "invalid_frame", Message: "Malformed message."})
			continue
		}
		h.handleFrame(ctx, ws, sessionID, msg)

		if msg.Type != protocol.TypePing {
			go h.touchSession(sessionID)
		}
	}
}

func (h *Handler) handleFrame(ctx context.Context, ws *websocket.Conn, sessionID string, msg protocol.Outbound) {
	switch msg.Type {
	case protocol.TypeInit:
		h.writeFrame(ctx, ws, protocol.Inbound{Type: protocol.TypeConnected, SessionID: sessionID})
		if !msg.IsReconnect {
			h.replay.Prune(sessionID)
			return
		}
		missed := h.replay.Drain(sessionID)
		for _, data := range missed {
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				h.logger.Debug("Replay interrupted", "error", err, "session_id", sessionID)
				return
			}
		}
		if len(missed) > 0 {
			h.logger.Info("Replayed missed frames", "session_id", sessionID, "count", len(missed))
		}

	case protocol.TypePing:
		h.writeFrame(ctx, ws, protocol.Inbound{Type: protocol.TypePong})

	case protocol.TypeChat:
		h.handleChat(ctx, sessionID, msg)

	case protocol.TypeDeploy:
		h.startDeployment(sessionID, msg.RepoURL, msg.Branch, msg.ServiceName)

	default:
		h.writeFrame(ctx, ws, protocol.Inbound{
			Type:    protocol.TypeError,
			Code:    "unknown_type",
			Message: fmt.Sprintf("Unknown message type %q.", msg.Type),
		})
	}
}

func (h *Handler) handleChat(ctx context.Context, sessionID string, msg protocol.Outbound) {
	if !h.limiter.Allow(sessionID) {
		h.logger.Warn("Chat rate limit exceeded", "session_id", sessionID)
		h.Broadcast(sessionID, protocol.Inbound{Type: protocol.TypeError, Code: "rate_limited", Message: "Too many messages. Please wait a moment."})
		return
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		h.Broadcast(sessionID, protocol.Inbound{Type: protocol.TypeError, Code: "empty_message", Message: "Message is empty."})
		return
	}
	h.record(sessionID, "user", content)

	in := h.router.Route(content)
	switch in.Kind {
	case intent.KindDeploy:
		h.startDeployment(sessionID, in.RepoURL, in.Branch, "")
	case intent.KindStatus:
		h.reply(sessionID, h.statusText(ctx, sessionID))
	default:
		h.reply(sessionID, in.Reply)
	}
}

// Broadcast sends a frame to the session's live connection, or buffers it
// for replay when the session is disconnected.
func (h *Handler) Broadcast(sessionID string, frame any) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
	defer cancel()
	if err := h.sessions.Send(ctx, sessionID, data); err != nil {
		h.replay.Enqueue(sessionID, data)
		h.logger.Debug("Buffered frame for replay", "session_id", sessionID, "reason", err)
	}
	return nil
}

func (h *Handler) reply(sessionID, text string) {
	h.Broadcast(sessionID, protocol.Inbound{Type: protocol.TypeMessage, Content: text})
	h.record(sessionID, "assistant", text)
}

func (h *Handler) writeFrame(ctx context.Context, ws *websocket.Conn, frame protocol.Inbound) {
	data, err := protocol.Encode(frame)
	if err != nil {
		h.logger.Error("Failed to encode frame", "error", err, "type", frame.Type)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		h.logger.Debug("Failed to write frame", "error", err, "type", frame.Type)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.origins)
	return false
}

// storeContext outlives handler shutdown so final records still land.
func (h *Handler) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(h.ctx), storeTimeout)
}

func (h *Handler) touchSession(sessionID string) {
	ctx, cancel := h.storeContext()
	defer cancel()
	if err := h.repo.UpsertSession(ctx, sessionID, time.Now()); err != nil {
		h.logger.Warn("Failed to update last seen", "error", err, "session_id", sessionID)
	}
}

func (h *Handler) record(sessionID, role, content string) {
	ctx, cancel := h.storeContext()
	defer cancel()
	msg := &domain.ChatMessage{SessionID: sessionID, Role: role, Content: identity.SanitizeText(content)}
	if err := h.repo.AppendMessage(ctx, msg); err != nil {
		h.logger.Warn("Failed to store chat message", "error", err, "session_id", sessionID)
	}
}

func (h *Handler) statusText(ctx context.Context, sessionID string) string {
	h.mu.Lock()
	rn := h.runs[sessionID]
	h.mu.Unlock()

	if rn != nil {
		p := rn.tracker.Snapshot()
		stage := "starting"
		if p.Current != "" {
			stage = p.Current.Label()
		}
		return fmt.Sprintf("Deployment %s is %d%% complete. Current stage: %s.", p.DeploymentID, p.Percent, stage)
	}

	recent, err := h.repo.ListDeployments(ctx, sessionID, 1)
	if err != nil {
		h.logger.Warn("Failed to list deployments", "error", err, "session_id", sessionID)
	}
	if len(recent) == 0 {
		return "No deployments yet. Paste a GitHub repository URL to start one."
	}
	d := recent[0]
	switch d.Status {
	case domain.DeploymentSuccess:
		return fmt.Sprintf("Your last deployment of %s succeeded. It is live at %s", d.RepoURL, d.URL)
	case domain.DeploymentFailed:
		return fmt.Sprintf("Your last deployment of %s failed: %s", d.RepoURL, d.Error)
	default:
		return fmt.Sprintf("Deployment %s is %s.", d.ID, d.Status)
	}
}

// startDeployment registers a run for the session and starts it in the
// background. A session runs at most one deployment at a time.
func (h *Handler) startDeployment(sessionID, repoURL, branch, service string) {
	if strings.TrimSpace(repoURL) == "" {
		h.Broadcast(sessionID, protocol.Inbound{Type: protocol.TypeError, Code: "invalid_request", Message: "A repository URL is required."})
		return
	}
	if service == "" {
		service = engine.ServiceNameFromRepo(repoURL)
	} else if err := engine.ValidateServiceName(service); err != nil {
		h.Broadcast(sessionID, protocol.Inbound{Type: protocol.TypeError, Code: "invalid_request", Message: fmt.Sprintf("Service name %q is not usable: %v.", service, err)})
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if cur, ok := h.runs[sessionID]; ok {
		h.mu.Unlock()
		h.reply(sessionID, fmt.Sprintf("Deployment %s of %s is still running. Ask for \"status\" to follow it.", cur.id, cur.repoURL))
		return
	}
	rn := &run{id: uuid.NewString(), repoURL: repoURL, tracker: deployment.NewTracker()}
	rn.tracker.Start(rn.id)
	h.runs[sessionID] = rn
	h.wg.Add(1)
	h.mu.Unlock()

	req := engine.Request{
		DeploymentID: rn.id,
		SessionID:    sessionID,
		RepoURL:      repoURL,
		Branch:       branch,
		ServiceName:  service,
	}
	h.logger.Info("Deployment requested", "session_id", sessionID, "deployment_id", rn.id, "repo_url", repoURL, "service", service)
	h.reply(sessionID, fmt.Sprintf("Starting deployment of %s as service %q.", repoURL, service))

	go h.runDeployment(sessionID, rn, req)
}

// outcome accumulates what a run ended with.
type outcome struct {
	url     string
	stage   string
	failure string
	final   *engine.Event
}

func (h *Handler) runDeployment(sessionID string, rn *run, req engine.Request) {
	defer h.wg.Done()

	start := time.Now()
	h.createRecord(req, start)

	out := h.streamEvents(sessionID, rn, req)
	if out.failure == "" {
		h.verifyService(sessionID, rn, &out)
	}

	finished := time.Now()
	status, url := domain.DeploymentSuccess, out.url
	if out.failure != "" {
		status, url = domain.DeploymentFailed, ""
	}
	ctx, cancel := h.storeContext()
	if err := h.repo.FinishDeployment(ctx, rn.id, status, url, out.failure, finished); err != nil {
		h.logger.Warn("Failed to record deployment outcome", "error", err, "deployment_id", rn.id)
	}
	cancel()

	// The record is final; status questions from here on read the store.
	h.mu.Lock()
	delete(h.runs, sessionID)
	h.mu.Unlock()

	if out.failure != "" {
		h.logger.Warn("Deployment failed", "session_id", sessionID, "deployment_id", rn.id, "stage", out.stage, "error", out.failure)
		h.publish(sessionID, rn, protocol.Inbound{
			Type:         protocol.TypeError,
			Code:         "deployment_failed",
			DeploymentID: rn.id,
			Stage:        out.stage,
			Message:      out.failure,
		})
		h.record(sessionID, "assistant", "Deployment failed: "+out.failure)
		return
	}

	duration := finished.Sub(start).Round(100 * time.Millisecond)
	h.logger.Info("Deployment finished", "session_id", sessionID, "deployment_id", rn.id, "url", url, "duration", duration)
	h.publish(sessionID, rn, protocol.Inbound{
		Type:         protocol.TypeDeploymentComplete,
		DeploymentID: rn.id,
		Status:       string(progress.StatusSuccess),
		URL:          url,
		Duration:     duration.String(),
	})
	h.reply(sessionID, fmt.Sprintf("🎉 Deployment finished in %s. Open your app at %s", duration, url))
}

func (h *Handler) createRecord(req engine.Request, start time.Time) {
	ctx, cancel := h.storeContext()
	defer cancel()
	err := h.repo.CreateDeployment(ctx, &domain.Deployment{
		ID:          req.DeploymentID,
		SessionID:   req.SessionID,
		RepoURL:     req.RepoURL,
		Branch:      req.Branch,
		ServiceName: req.ServiceName,
		Status:      domain.DeploymentRunning,
		StartedAt:   start,
	})
	if err != nil {
		h.logger.Warn("Failed to record deployment", "error", err, "deployment_id", req.DeploymentID)
	}
}

// streamEvents relays engine events until the run ends. Free-text lines go
// out as typing frames with content; structured events as progress frames.
// When verification is on, the final cloud success is held back until the
// service answers.
func (h *Handler) streamEvents(sessionID string, rn *run, req engine.Request) outcome {
	var out outcome
	for ev, err := range h.engine.Deploy(h.ctx, req) {
		if err != nil {
			out.failure = identity.SanitizeText(err.Error())
			if errors.Is(err, context.Canceled) {
				out.failure = "deployment cancelled"
			}
			out.stage = string(rn.tracker.Snapshot().Current)
			return out
		}
		if ev.IsLog() {
			h.publish(sessionID, rn, protocol.Inbound{Type: protocol.TypeTyping, DeploymentID: rn.id, Content: ev.Message})
			continue
		}
		if ev.URL != "" {
			out.url = ev.URL
		}
		status, _ := progress.ParseStatus(ev.Status)
		if status == progress.StatusError {
			h.publish(sessionID, rn, progressFrame(rn.id, ev))
			out.failure, out.stage = identity.SanitizeText(ev.Message), ev.Stage
			if out.failure == "" {
				out.failure = ev.Stage + " failed"
			}
			return out
		}
		if ev.Stage == string(progress.StageCloudDeploy) && status == progress.StatusSuccess {
			out.final = ev
			if h.checker != nil {
				continue
			}
		}
		h.publish(sessionID, rn, progressFrame(rn.id, ev))
	}
	if out.final == nil || out.url == "" {
		out.failure = "deployment ended without a service URL"
		out.stage = string(progress.StageCloudDeploy)
	}
	return out
}

func (h *Handler) verifyService(sessionID string, rn *run, out *outcome) {
	if h.checker == nil || out.final == nil {
		return
	}
	h.publish(sessionID, rn, protocol.Inbound{Type: protocol.TypeTyping, DeploymentID: rn.id, Content: "Checking that " + out.url + " responds..."})

	res, err := h.checker.Check(h.ctx, out.url)
	if err != nil {
		out.failure = fmt.Sprintf("service at %s failed its health check: %v", out.url, err)
		out.stage = string(progress.StageCloudDeploy)
		h.publish(sessionID, rn, protocol.Inbound{
			Type:         protocol.TypeDeploymentProgress,
			DeploymentID: rn.id,
			Stage:        out.stage,
			Status:       string(progress.StatusError),
			Message:      out.failure,
		})
		return
	}

	final := *out.final
	final.Details = make(map[string]any, len(out.final.Details)+1)
	for k, v := range out.final.Details {
		final.Details[k] = v
	}
	final.Details["health_check"] = fmt.Sprintf("HTTP %d in %s", res.StatusCode, res.Latency.Round(time.Millisecond))
	h.publish(sessionID, rn, progressFrame(rn.id, &final))
}

// publish masks credentials in the frame's text, folds it into the run's
// tracker and sends it.
func (h *Handler) publish(sessionID string, rn *run, frame protocol.Inbound) {
	if frame.Timestamp == "" {
		frame.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	frame.Content = identity.SanitizeText(frame.Content)
	frame.Message = identity.SanitizeText(frame.Message)
	if u, ok := progress.Interpret(frame); ok {
		rn.tracker.Apply(u)
	}
	h.Broadcast(sessionID, frame)
}

func progressFrame(deploymentID string, ev *engine.Event) protocol.Inbound {
	return protocol.Inbound{
		Type:         protocol.TypeDeploymentProgress,
		DeploymentID: deploymentID,
		Stage:        ev.Stage,
		Status:       ev.Status,
		Message:      ev.Message,
		Details:      ev.Details,
		Progress:     ev.Progress,
		URL:          ev.URL,
	}
}

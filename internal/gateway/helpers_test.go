package gateway

import (
	"context"
	"encoding/json"
	"iter"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/deploychat/internal/domain"
	"github.com/ashureev/deploychat/internal/engine"
	"github.com/ashureev/deploychat/internal/protocol"
	"github.com/ashureev/deploychat/internal/store"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// fakeRepo is an in-memory store.Repository.
type fakeRepo struct {
	mu          sync.Mutex
	sessions    map[string]*domain.Session
	messages    []*domain.ChatMessage
	deployments map[string]*domain.Deployment
	order       []string
}

var _ store.Repository = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions:    make(map[string]*domain.Session),
		deployments: make(map[string]*domain.Deployment),
	}
}

func (r *fakeRepo) UpsertSession(_ context.Context, id string, seen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastSeenAt = seen
		return nil
	}
	r.sessions[id] = &domain.Session{ID: id, CreatedAt: seen, LastSeenAt: seen}
	return nil
}

func (r *fakeRepo) GetSession(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeRepo) TouchSession(ctx context.Context, id string, seen time.Time) error {
	return r.UpsertSession(ctx, id, seen)
}

func (r *fakeRepo) AppendMessage(_ context.Context, msg *domain.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg.ID = int64(len(r.messages) + 1)
	cp := *msg
	r.messages = append(r.messages, &cp)
	return nil
}

func (r *fakeRepo) ListMessages(_ context.Context, sessionID string, _ int) ([]*domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ChatMessage
	for _, m := range r.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *fakeRepo) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.deployments[d.ID] = &cp
	r.order = append(r.order, d.ID)
	return nil
}

func (r *fakeRepo) FinishDeployment(_ context.Context, id string, status domain.DeploymentStatus, url, errMsg string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Status, d.URL, d.Error, d.FinishedAt = status, url, errMsg, &at
	return nil
}

func (r *fakeRepo) GetDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.deployments[id]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeRepo) ListDeployments(_ context.Context, sessionID string, limit int) ([]*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Deployment
	for _, id := range slices.Backward(r.order) {
		if d := r.deployments[id]; d.SessionID == sessionID {
			cp := *d
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) DeleteExpiredSessions(context.Context, time.Duration) (int64, error) { return 0, nil }

func (r *fakeRepo) Ping(context.Context) error { return nil }

func (r *fakeRepo) Close() error { return nil }

// waitFinished returns the first deployment once it reached a terminal status.
func (r *fakeRepo) waitFinished(t *testing.T) *domain.Deployment {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, d := range r.deployments {
			if d.FinishedAt != nil {
				cp := *d
				r.mu.Unlock()
				return &cp
			}
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a finished deployment")
	return nil
}

func (r *fakeRepo) messagesByRole(role string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.messages {
		if m.Role == role {
			out = append(out, m.Content)
		}
	}
	return out
}

// newTestServer serves h under chi the way the server binary mounts it.
func newTestServer(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return srv
}

func wsURL(srv *httptest.Server, sessionID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sessionID
}

// rawClient is a bare websocket peer speaking the chat protocol.
type rawClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialRaw(t *testing.T, srv *httptest.Server, sessionID string) *rawClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, wsURL(srv, sessionID), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })
	return &rawClient{t: t, ws: ws}
}

func (c *rawClient) send(frame protocol.Outbound) {
	c.t.Helper()
	data, err := protocol.Encode(frame)
	if err != nil {
		c.t.Fatalf("Encode failed: %v", err)
	}
	if err := c.ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		c.t.Fatalf("Write failed: %v", err)
	}
}

func (c *rawClient) next() protocol.Inbound {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		c.t.Fatalf("Read failed: %v", err)
	}
	var msg protocol.Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("Unmarshal failed: %v", err)
	}
	return msg
}

// until reads frames until one of the given type arrives.
func (c *rawClient) until(typ string) (protocol.Inbound, []protocol.Inbound) {
	c.t.Helper()
	var seen []protocol.Inbound
	for {
		msg := c.next()
		seen = append(seen, msg)
		if msg.Type == typ {
			return msg, seen
		}
	}
}

// staticEngine replays a fixed event list.
type staticEngine struct {
	events []*engine.Event
}

func (e staticEngine) Deploy(context.Context, engine.Request) iter.Seq2[*engine.Event, error] {
	return func(yield func(*engine.Event, error) bool) {
		for _, ev := range e.events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (staticEngine) Health(context.Context) error { return nil }

func (staticEngine) Close() {}

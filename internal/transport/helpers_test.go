package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type receivedFrame struct {
	Conn  int
	Path  string
	Frame map[string]any
}

// fakeServer is a chat endpoint that records every frame it receives.
type fakeServer struct {
	srv       *httptest.Server
	frames    chan receivedFrame
	accepted  atomic.Int32
	replyPong atomic.Bool

	mu      sync.Mutex
	conns   []*websocket.Conn
	onFrame func(ws *websocket.Conn, connNum int, frame map[string]any)
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{frames: make(chan receivedFrame, 256)}
	fs.replyPong.Store(true)
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	connNum := int(fs.accepted.Add(1))
	fs.mu.Lock()
	fs.conns = append(fs.conns, ws)
	hook := fs.onFrame
	fs.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame["type"] == "ping" && fs.replyPong.Load() {
			_ = ws.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
		}
		fs.frames <- receivedFrame{Conn: connNum, Path: r.URL.Path, Frame: frame}
		if hook != nil {
			hook(ws, connNum, frame)
		}
	}
}

func (fs *fakeServer) setHook(fn func(ws *websocket.Conn, connNum int, frame map[string]any)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.onFrame = fn
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

// nextFrame returns the next non-ping frame.
func (fs *fakeServer) nextFrame(t *testing.T) receivedFrame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-fs.frames:
			if f.Frame["type"] == "ping" {
				continue
			}
			return f
		case <-deadline:
			t.Fatal("timed out waiting for frame")
			return receivedFrame{}
		}
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.SessionID = "session_abc"
	cfg.ConnectTimeout = time.Second
	cfg.PingInterval = time.Hour
	cfg.PongTimeout = time.Hour
	cfg.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Backoff.MaxDelay = 50 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg Config, dialer Dialer) *Client {
	t.Helper()
	c, err := NewClient(cfg, dialer, nil, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// statusRecorder collects connection states delivered to a client observer.
type statusRecorder struct {
	ch chan ConnectionState
}

func recordStatus(c *Client) *statusRecorder {
	r := &statusRecorder{ch: make(chan ConnectionState, 256)}
	c.OnConnectionChange(func(s ConnectionState) { r.ch <- s })
	return r
}

func (r *statusRecorder) waitFor(t *testing.T, want Status) ConnectionState {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s.Status == want {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
			return ConnectionState{}
		}
	}
}

type failingDialer struct {
	calls atomic.Int32
}

func (d *failingDialer) Dial(context.Context, string) (Conn, error) {
	d.calls.Add(1)
	return nil, errors.New("connection refused")
}

type hangingDialer struct {
	calls atomic.Int32
}

func (d *hangingDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

package transport

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/deploychat/internal/protocol"
	"github.com/coder/websocket"
)

func TestClientSendsInitOnConnect(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, testConfig(fs.wsURL()), nil)
	status := recordStatus(c)

	c.Connect()
	status.waitFor(t, StatusConnected)

	got := fs.nextFrame(t)
	if got.Frame["type"] != "init" {
		t.Fatalf("expected init frame first, got %v", got.Frame)
	}
	if got.Frame["session_id"] != "session_abc" {
		t.Errorf("expected session_abc, got %v", got.Frame["session_id"])
	}
	if got.Frame["instance_id"] == "" || got.Frame["instance_id"] == nil {
		t.Errorf("expected instance id in init frame")
	}
	if _, ok := got.Frame["is_reconnect"]; ok {
		t.Errorf("first connect must not be flagged as reconnect: %v", got.Frame)
	}
	if got.Path != "/session_abc" {
		t.Errorf("expected session id in path, got %q", got.Path)
	}
	if !c.IsConnected() {
		t.Error("expected IsConnected to be true")
	}
}

func TestClientConnectIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, testConfig(fs.wsURL()), nil)
	status := recordStatus(c)

	c.Connect()
	c.Connect()
	status.waitFor(t, StatusConnected)
	c.Connect()

	time.Sleep(50 * time.Millisecond)
	if n := fs.accepted.Load(); n != 1 {
		t.Fatalf("expected exactly one connection, got %d", n)
	}
}

func TestClientQueueFlushesInOrderWithEviction(t *testing.T) {
	fs := newFakeServer(t)
	cfg := testConfig(fs.wsURL())
	cfg.QueueSize = 3
	c := newTestClient(t, cfg, nil)

	for i := 1; i <= 5; i++ {
		res, err := c.Send(protocol.Outbound{Type: protocol.TypeChat, Content: string(rune('0' + i))})
		if err != nil || res != Queued {
			t.Fatalf("send %d: expected queued, got %v (%v)", i, res, err)
		}
	}
	if c.QueueLen() != 3 {
		t.Fatalf("expected 3 queued frames, got %d", c.QueueLen())
	}

	c.Connect()

	if f := fs.nextFrame(t); f.Frame["type"] != "init" {
		t.Fatalf("expected init before queued frames, got %v", f.Frame)
	}
	for _, want := range []string{"3", "4", "5"} {
		f := fs.nextFrame(t)
		if f.Frame["content"] != want {
			t.Fatalf("expected queued content %q, got %v", want, f.Frame)
		}
	}
	if c.QueueLen() != 0 {
		t.Errorf("expected queue drained, got %d", c.QueueLen())
	}

	res, err := c.Send(protocol.Outbound{Type: protocol.TypeChat, Content: "live"})
	if err != nil || res != Sent {
		t.Fatalf("expected sent while connected, got %v (%v)", res, err)
	}
	if f := fs.nextFrame(t); f.Frame["content"] != "live" {
		t.Fatalf("expected live frame, got %v", f.Frame)
	}
}

func TestClientReconnectPreservesIdentity(t *testing.T) {
	fs := newFakeServer(t)
	fs.setHook(func(ws *websocket.Conn, connNum int, frame map[string]any) {
		if connNum == 1 && frame["type"] == "init" {
			_ = ws.Close(websocket.StatusGoingAway, "server restart")
		}
	})
	c := newTestClient(t, testConfig(fs.wsURL()), nil)
	status := recordStatus(c)

	c.Connect()

	first := fs.nextFrame(t)
	if first.Conn != 1 || first.Frame["is_reconnect"] != nil {
		t.Fatalf("unexpected first init: %+v", first)
	}
	status.waitFor(t, StatusReconnecting)

	second := fs.nextFrame(t)
	if second.Conn != 2 {
		t.Fatalf("expected init on second connection, got %+v", second)
	}
	if second.Frame["type"] != "init" || second.Frame["session_id"] != "session_abc" {
		t.Fatalf("expected init with same session id, got %v", second.Frame)
	}
	if second.Frame["is_reconnect"] != true {
		t.Fatalf("expected is_reconnect=true, got %v", second.Frame)
	}
	if second.Frame["instance_id"] != first.Frame["instance_id"] {
		t.Errorf("instance id changed across reconnect")
	}
}

func TestClientHeartbeatDetectsDeadConnection(t *testing.T) {
	fs := newFakeServer(t)
	fs.replyPong.Store(false)
	cfg := testConfig(fs.wsURL())
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 60 * time.Millisecond
	c := newTestClient(t, cfg, nil)
	status := recordStatus(c)

	c.Connect()
	status.waitFor(t, StatusConnected)
	s := status.waitFor(t, StatusReconnecting)
	if s.ReconnectAttempts != 1 {
		t.Errorf("expected first reconnect attempt, got %d", s.ReconnectAttempts)
	}
}

func TestClientPongKeepsConnectionAlive(t *testing.T) {
	fs := newFakeServer(t)
	cfg := testConfig(fs.wsURL())
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PongTimeout = 40 * time.Millisecond
	c := newTestClient(t, cfg, nil)
	status := recordStatus(c)

	var delivered atomic.Int32
	c.OnMessage(func(protocol.Inbound) { delivered.Add(1) })

	c.Connect()
	status.waitFor(t, StatusConnected)
	time.Sleep(150 * time.Millisecond)

	if !c.IsConnected() {
		t.Fatalf("expected connection to stay open, status %v", c.ConnectionStatus())
	}
	if delivered.Load() != 0 {
		t.Fatalf("pong frames must not reach message handlers, got %d", delivered.Load())
	}
	if fs.accepted.Load() != 1 {
		t.Fatalf("expected no reconnects, got %d connections", fs.accepted.Load())
	}
}

func TestClientMalformedInboundIsReported(t *testing.T) {
	fs := newFakeServer(t)
	fs.setHook(func(ws *websocket.Conn, _ int, frame map[string]any) {
		if frame["type"] == "init" {
			ctx := context.Background()
			_ = ws.Write(ctx, websocket.MessageText, []byte("this is not json"))
			_ = ws.Write(ctx, websocket.MessageText, []byte(`{"type":"connected"}`))
		}
	})
	c := newTestClient(t, testConfig(fs.wsURL()), nil)

	errs := make(chan error, 8)
	msgs := make(chan protocol.Inbound, 8)
	c.OnError(func(err error) { errs <- err })
	c.OnMessage(func(m protocol.Inbound) { msgs <- m })

	c.Connect()

	select {
	case m := <-msgs:
		if m.Type != protocol.TypeConnected {
			t.Fatalf("expected connected frame, got %q", m.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for valid frame after malformed one")
	}

	select {
	case err := <-errs:
		if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("expected ErrMalformedFrame, got %v", err)
		}
	default:
		t.Fatal("expected malformed frame to be reported before the next frame")
	}
	select {
	case err := <-errs:
		t.Fatalf("expected exactly one error, got extra %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if !c.IsConnected() {
		t.Fatal("malformed frame must not tear down the connection")
	}
}

func TestClientHandlerPanicDoesNotBlockOthers(t *testing.T) {
	fs := newFakeServer(t)
	fs.setHook(func(ws *websocket.Conn, _ int, frame map[string]any) {
		if frame["type"] == "init" {
			_ = ws.Write(context.Background(), websocket.MessageText, []byte(`{"type":"message","content":"hi"}`))
		}
	})
	c := newTestClient(t, testConfig(fs.wsURL()), nil)

	got := make(chan string, 1)
	errs := make(chan error, 1)
	c.OnMessage(func(protocol.Inbound) { panic("handler bug") })
	c.OnMessage(func(m protocol.Inbound) { got <- m.Content })
	c.OnError(func(err error) { errs <- err })

	c.Connect()

	select {
	case content := <-got:
		if content != "hi" {
			t.Fatalf("unexpected content %q", content)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("second handler never ran")
	}
	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "handler bug") {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected panic to be reported")
	}
}

func TestClientDisconnectStopsReconnect(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, testConfig(fs.wsURL()), nil)
	status := recordStatus(c)

	c.Connect()
	status.waitFor(t, StatusConnected)
	c.Disconnect()
	status.waitFor(t, StatusDisconnected)

	time.Sleep(100 * time.Millisecond)
	if n := fs.accepted.Load(); n != 1 {
		t.Fatalf("expected no reconnect after intentional disconnect, got %d connections", n)
	}
	if got := c.ConnectionStatus().Status; got != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", got)
	}
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	dialer := &failingDialer{}
	cfg := testConfig("ws://localhost:1/ws")
	cfg.Backoff.MaxAttempts = 2
	c := newTestClient(t, cfg, dialer)

	errs := make(chan error, 16)
	c.OnError(func(err error) { errs <- err })

	c.Connect()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case err := <-errs:
			if errors.Is(err, ErrReconnectExhausted) {
				if calls := dialer.calls.Load(); calls != 3 {
					t.Fatalf("expected 3 dial attempts, got %d", calls)
				}
				if s := c.ConnectionStatus(); s.Status != StatusError || !strings.Contains(s.Error, "exhausted") {
					t.Fatalf("expected terminal error status, got %+v", s)
				}
				return
			}
		case <-deadline:
			t.Fatal("client never gave up")
		}
	}
}

func TestClientConnectTimeoutReconnects(t *testing.T) {
	dialer := &hangingDialer{}
	cfg := testConfig("ws://localhost:1/ws")
	cfg.ConnectTimeout = 20 * time.Millisecond
	c := newTestClient(t, cfg, dialer)
	status := recordStatus(c)

	c.Connect()
	status.waitFor(t, StatusReconnecting)

	if dialer.calls.Load() < 1 {
		t.Fatal("expected a dial attempt")
	}
}

func TestClientSendWithoutQueue(t *testing.T) {
	cfg := testConfig("ws://localhost:1/ws")
	cfg.QueueEnabled = false
	c := newTestClient(t, cfg, &failingDialer{})

	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })

	res, err := c.Send(protocol.Outbound{Type: protocol.TypeChat})
	if !errors.Is(err, ErrNotConnected) || res != SendFailed {
		t.Fatalf("expected ErrNotConnected, got %v (%v)", res, err)
	}
	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("expected error handlers to be notified")
	}
}

func TestClientSendEncodeFailure(t *testing.T) {
	c := newTestClient(t, testConfig("ws://localhost:1/ws"), &failingDialer{})

	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })

	res, err := c.Send(map[string]any{"type": "chat", "bad": make(chan int)})
	if err == nil || res != SendFailed {
		t.Fatalf("expected encode failure, got %v (%v)", res, err)
	}
	if c.QueueLen() != 0 {
		t.Fatalf("malformed frame must not be queued")
	}
	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("expected error handlers to be notified")
	}
}

func TestNewClientRegistersInstance(t *testing.T) {
	reg := NewRegistry(nil)
	cfg := testConfig("ws://localhost:1/ws")

	first, err := NewClient(cfg, &failingDialer{}, reg, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer first.Close()
	owner := reg.Owner("session_abc")
	if owner == "" {
		t.Fatal("expected registry to record the first instance")
	}

	second, err := NewClient(cfg, &failingDialer{}, reg, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if reg.Owner("session_abc") == owner {
		t.Fatal("expected newest instance to own the session")
	}
	second.Close()
	if reg.Owner("session_abc") != "" {
		t.Fatal("expected slot released on close")
	}
}

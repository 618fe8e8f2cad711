package conversation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/deploychat/internal/deployment"
	"github.com/ashureev/deploychat/internal/observer"
	"github.com/ashureev/deploychat/internal/progress"
	"github.com/ashureev/deploychat/internal/protocol"
	"github.com/ashureev/deploychat/internal/transport"
)

// fakeTransport records sent frames and lets tests inject inbound ones.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []any
	result  transport.SendResult
	sendErr error
	state   transport.ConnectionState
	// afterSend runs outside the lock once a frame is accepted, standing in
	// for replies the dispatcher delivers before Send returns.
	afterSend func()

	onMessage *observer.Set[protocol.Inbound]
	onConn    *observer.Set[transport.ConnectionState]
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		result:    transport.Sent,
		state:     transport.ConnectionState{Status: transport.StatusConnected},
		onMessage: observer.NewSet[protocol.Inbound](nil),
		onConn:    observer.NewSet[transport.ConnectionState](nil),
	}
}

func (f *fakeTransport) Send(frame any) (transport.SendResult, error) {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return transport.SendFailed, f.sendErr
	}
	f.sent = append(f.sent, frame)
	result, after := f.result, f.afterSend
	f.mu.Unlock()
	if after != nil {
		after()
	}
	return result, nil
}

func (f *fakeTransport) SessionID() string { return "session_test" }

func (f *fakeTransport) OnMessage(fn func(protocol.Inbound)) func() { return f.onMessage.Add(fn) }

func (f *fakeTransport) OnConnectionChange(fn func(transport.ConnectionState)) func() {
	return f.onConn.Add(fn)
}

func (f *fakeTransport) ConnectionStatus() transport.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) deliver(msg protocol.Inbound) { f.onMessage.Notify(msg) }

func (f *fakeTransport) sentFrames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

func newTestController(t *testing.T, opts ...Option) (*Controller, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := New(ft, opts...)
	t.Cleanup(c.Close)
	return c, ft
}

func TestSendUserMessageIsOptimistic(t *testing.T) {
	c, ft := newTestController(t)

	res, err := c.SendUserMessage("  deploy my app  ")
	if err != nil {
		t.Fatalf("SendUserMessage failed: %v", err)
	}
	if res != transport.Sent {
		t.Errorf("result = %s, want sent", res)
	}

	history := c.History()
	if len(history) != 1 || history[0].Role != RoleUser || history[0].Content != "deploy my app" {
		t.Fatalf("history = %+v", history)
	}
	if !c.Pending() {
		t.Error("pending should be set after send")
	}

	frames := ft.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	out, ok := frames[0].(protocol.Outbound)
	if !ok || out.Type != protocol.TypeChat || out.Content != "deploy my app" || out.SessionID != "session_test" {
		t.Errorf("frame = %+v", frames[0])
	}
}

func TestSendUserMessageQueuedStillAppends(t *testing.T) {
	c, ft := newTestController(t)
	ft.result = transport.Queued

	res, err := c.SendUserMessage("hello")
	if err != nil || res != transport.Queued {
		t.Fatalf("got %s, %v", res, err)
	}
	if len(c.History()) != 1 {
		t.Error("queued message should still be in history")
	}
}

func TestSendUserMessageErrors(t *testing.T) {
	c, ft := newTestController(t)
	if _, err := c.SendUserMessage("   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
	if len(c.History()) != 0 {
		t.Error("empty message should not be recorded")
	}

	ft.sendErr = transport.ErrNotConnected
	if _, err := c.SendUserMessage("hi"); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if c.Pending() {
		t.Error("failed send should not set pending")
	}
	if len(c.History()) != 1 {
		t.Error("optimistic entry should remain after a failed send")
	}
}

func TestAssistantReplyClearsPending(t *testing.T) {
	c, ft := newTestController(t)
	c.SendUserMessage("hello")
	ft.deliver(protocol.Inbound{Type: protocol.TypeMessage, Content: "Hi! Paste a repo URL."})

	if c.Pending() {
		t.Error("reply should clear pending")
	}
	history := c.History()
	if len(history) != 2 || history[1].Role != RoleAssistant || history[1].Content != "Hi! Paste a repo URL." {
		t.Errorf("history = %+v", history)
	}
}

func TestPendingExpiresAndLateReplyStillAppends(t *testing.T) {
	c, ft := newTestController(t, WithPendingTimeout(20*time.Millisecond))

	cleared := make(chan struct{}, 4)
	c.Subscribe(func(e Event) {
		if e.Kind == EventPending && !e.Pending {
			cleared <- struct{}{}
		}
	})

	c.SendUserMessage("first")
	select {
	case <-cleared:
	case <-time.After(2 * time.Second):
		t.Fatal("pending indicator never expired")
	}
	if c.Pending() {
		t.Fatal("pending should be cleared after the ceiling")
	}

	// A second send re-arms the indicator; the late reply to the first
	// message must still be appended and clear it again.
	c.SendUserMessage("second")
	if !c.Pending() {
		t.Fatal("second send should set pending")
	}
	ft.deliver(protocol.Inbound{Type: protocol.TypeMessage, Content: "late reply"})
	if c.Pending() {
		t.Error("late reply should clear pending")
	}
	history := c.History()
	if len(history) != 3 || history[2].Content != "late reply" {
		t.Errorf("history = %+v", history)
	}
}

func TestStalePendingTimerIgnored(t *testing.T) {
	c, ft := newTestController(t, WithPendingTimeout(30*time.Millisecond))
	c.SendUserMessage("one")
	ft.deliver(protocol.Inbound{Type: protocol.TypeMessage, Content: "reply"})
	time.Sleep(15 * time.Millisecond)
	c.SendUserMessage("two")

	// The first timer was stopped on clear; the second must still be live
	// shortly after the first would have fired.
	time.Sleep(20 * time.Millisecond)
	if !c.Pending() {
		t.Error("pending cleared by a superseded timer")
	}
}

func TestProgressFramesDoNotTouchHistory(t *testing.T) {
	c, ft := newTestController(t)
	var progressEvents int
	c.Subscribe(func(e Event) {
		if e.Kind == EventProgress {
			progressEvents++
		}
	})

	ft.deliver(protocol.Inbound{Type: protocol.TypeDeploymentProgress, DeploymentID: "dep-1", Stage: "repo_clone", Status: "in-progress", Message: "Cloning"})
	ft.deliver(protocol.Inbound{Type: protocol.TypeTyping, Content: "🔍 Scanning project structure..."})
	ft.deliver(protocol.Inbound{Type: protocol.TypeDeploymentProgress, DeploymentID: "dep-1", Stage: "repo_clone", Status: "success"})

	if n := len(c.History()); n != 0 {
		t.Errorf("history has %d entries, want 0", n)
	}
	p := c.Progress()
	if p.DeploymentID != "dep-1" || p.Status != deployment.StatusRunning {
		t.Errorf("progress = %s/%s", p.DeploymentID, p.Status)
	}
	if p.Current != progress.StageCodeAnalysis {
		t.Errorf("current = %s, want code_analysis", p.Current)
	}
	// The repeated repo_clone success is a no-op and emits nothing.
	if progressEvents != 2 {
		t.Errorf("progress events = %d, want 2", progressEvents)
	}
}

func TestChatEmbeddedLinesOnlyDuringDeployment(t *testing.T) {
	c, ft := newTestController(t)

	ft.deliver(protocol.Inbound{Type: protocol.TypeMessage, Content: "Deploying to Cloud Run is simple, want to try?"})
	if c.Progress().Status != deployment.StatusIdle {
		t.Fatal("chat text should not start a deployment")
	}

	ft.deliver(protocol.Inbound{Type: protocol.TypeDeploymentProgress, DeploymentID: "dep-1", Stage: "container_build", Status: "in-progress"})
	ft.deliver(protocol.Inbound{Type: protocol.TypeMessage, Content: "Build is going well.\nImage built in 20s"})
	st, _ := c.Progress().Stage(progress.StageContainerBuild)
	if st.Status != progress.StatusSuccess {
		t.Errorf("container_build = %s, want success from embedded line", st.Status)
	}
	if len(c.History()) != 2 {
		t.Error("chat replies should still be appended")
	}
}

func TestErrorFrame(t *testing.T) {
	c, ft := newTestController(t)
	c.SendUserMessage("deploy")
	ft.deliver(protocol.Inbound{Type: protocol.TypeDeploymentProgress, DeploymentID: "dep-1", Stage: "security_scan", Status: "in-progress"})
	ft.deliver(protocol.Inbound{Type: protocol.TypeError, DeploymentID: "dep-1", Message: "scan failed", Code: "SCAN_FAILED"})

	if c.Pending() {
		t.Error("error should clear pending")
	}
	history := c.History()
	last := history[len(history)-1]
	if last.Role != RoleSystem || last.Code != "SCAN_FAILED" {
		t.Errorf("last entry = %+v", last)
	}
	if p := c.Progress(); p.Status != deployment.StatusFailed || p.Error != "scan failed" {
		t.Errorf("progress = %s %q", p.Status, p.Error)
	}
}

func TestDismissDeployment(t *testing.T) {
	c, ft := newTestController(t)
	ft.deliver(protocol.Inbound{Type: protocol.TypeDeploymentComplete, DeploymentID: "dep-1", URL: "https://x.run.app"})
	if c.Progress().Status != deployment.StatusSuccess {
		t.Fatal("completion frame should finish the deployment")
	}
	c.DismissDeployment()
	if p := c.Progress(); p.Status != deployment.StatusIdle || p.URL != "" {
		t.Errorf("dismiss left %+v", p)
	}
}

func TestRequestDeployment(t *testing.T) {
	c, ft := newTestController(t)
	if _, err := c.RequestDeployment("https://github.com/acme/api", "main", "api"); err != nil {
		t.Fatalf("RequestDeployment failed: %v", err)
	}
	frames := ft.sentFrames()
	out := frames[0].(protocol.Outbound)
	if out.Type != protocol.TypeDeploy || out.RepoURL != "https://github.com/acme/api" || out.Branch != "main" {
		t.Errorf("frame = %+v", out)
	}
	if _, err := c.RequestDeployment(" ", "", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestRequestDeploymentKeepsEarlyProgress(t *testing.T) {
	c, ft := newTestController(t)
	ft.deliver(protocol.Inbound{Type: protocol.TypeDeploymentProgress, DeploymentID: "dep-0", Stage: "repo_clone", Status: "in-progress", Message: "Cloning"})
	ft.deliver(protocol.Inbound{Type: protocol.TypeDeploymentProgress, DeploymentID: "dep-0", Stage: "repo_clone", Status: "error", Message: "clone failed"})
	if p := c.Progress(); p.Status != deployment.StatusFailed {
		t.Fatalf("previous run status = %s, want failed", p.Status)
	}

	ft.afterSend = func() {
		ft.deliver(protocol.Inbound{Type: protocol.TypeDeploymentProgress, DeploymentID: "dep-1", Stage: "repo_clone", Status: "in-progress", Message: "Cloning"})
	}
	if _, err := c.RequestDeployment("https://github.com/acme/api", "", ""); err != nil {
		t.Fatalf("RequestDeployment failed: %v", err)
	}

	p := c.Progress()
	if p.DeploymentID != "dep-1" || p.Status != deployment.StatusRunning || p.Current != progress.StageRepoClone {
		t.Errorf("progress = %s/%s/%s, want dep-1 running at repo_clone", p.DeploymentID, p.Status, p.Current)
	}
}

func TestConnectionEventsForwarded(t *testing.T) {
	c, ft := newTestController(t)
	got := make(chan transport.Status, 1)
	c.Subscribe(func(e Event) {
		if e.Kind == EventConnection {
			got <- e.Connection.Status
		}
	})
	ft.onConn.Notify(transport.ConnectionState{Status: transport.StatusReconnecting})
	if s := <-got; s != transport.StatusReconnecting {
		t.Errorf("status = %s", s)
	}
	if c.ConnectionStatus().Status != transport.StatusConnected {
		t.Error("ConnectionStatus should pass through")
	}
}

func TestCloseDetaches(t *testing.T) {
	c, ft := newTestController(t)
	c.Close()
	ft.deliver(protocol.Inbound{Type: protocol.TypeMessage, Content: "after close"})
	if len(c.History()) != 0 {
		t.Error("closed controller should not receive frames")
	}
	if ft.onMessage.Len() != 0 {
		t.Error("handlers still registered after close")
	}
}

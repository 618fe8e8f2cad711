package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func collect(t *testing.T, e Engine, req Request) ([]*Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []*Event
	for ev, err := range e.Deploy(ctx, req) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestScriptedSuccess(t *testing.T) {
	t.Parallel()
	s := NewScripted(0, nil)
	events, err := collect(t, s, Request{DeploymentID: "dep-1", RepoURL: "https://github.com/acme/Shop-API.git"})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	last := events[len(events)-1]
	if last.Stage != "cloud_deployment" || last.Status != "success" {
		t.Fatalf("last event = %+v", last)
	}
	if last.URL == "" {
		t.Error("final event should carry the service url")
	}

	var logs int
	for _, ev := range events {
		if ev.IsLog() {
			logs++
		}
	}
	if logs != 4 {
		t.Errorf("free-text lines = %d, want 4", logs)
	}
}

func TestScriptedFailure(t *testing.T) {
	t.Parallel()
	s := NewScripted(0, nil)
	s.FailAt = "dockerfile_generation"
	events, err := collect(t, s, Request{RepoURL: "https://github.com/acme/api"})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	last := events[len(events)-1]
	if last.Stage != "dockerfile_generation" || last.Status != "error" {
		t.Errorf("last event = %+v, want dockerfile_generation error", last)
	}
	for _, ev := range events {
		if ev.Stage == "security_scan" {
			t.Error("events continued past the failed stage")
		}
	}
}

func TestScriptedHonorsCancel(t *testing.T) {
	t.Parallel()
	s := NewScripted(time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range s.Deploy(ctx, Request{RepoURL: "x"}) {
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	}
}

func TestServiceNameFromRepo(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"https://github.com/acme/Shop_API.git": "shop-api",
		"https://github.com/acme/web/":         "web",
		"git@github.com:acme/my.app.git":       "my-app",
		"":                                     "app",
		"https://github.com/acme/1st-app":      "app-1st-app",
		"https://github.com/acme/my__app":      "my-app",
		"https://github.com/acme/x":            "app-x",
	}
	tests["https://github.com/acme/"+strings.Repeat("a", 80)] = strings.Repeat("a", MaxServiceNameLen)
	tests["https://github.com/acme/"+strings.Repeat("ab-", 30)] = strings.Repeat("ab-", 21)[:MaxServiceNameLen-1]
	for in, want := range tests {
		got := ServiceNameFromRepo(in)
		if got != want {
			t.Errorf("ServiceNameFromRepo(%q) = %q, want %q", in, got, want)
		}
		if err := ValidateServiceName(got); err != nil {
			t.Errorf("ServiceNameFromRepo(%q) = %q is not valid: %v", in, got, err)
		}
	}
}

func TestValidateServiceName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		wantErr bool
	}{
		{name: "api"},
		{name: "shop-api-2"},
		{name: strings.Repeat("a", MaxServiceNameLen)},
		{name: "", wantErr: true},
		{name: "1st-app", wantErr: true},
		{name: "my--app", wantErr: true},
		{name: "My-App", wantErr: true},
		{name: "api-", wantErr: true},
		{name: "shop_api", wantErr: true},
		{name: "a", wantErr: true},
		{name: strings.Repeat("a", MaxServiceNameLen+1), wantErr: true},
	}
	for _, tt := range tests {
		err := ValidateServiceName(tt.name)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidServiceName) {
				t.Errorf("ValidateServiceName(%q) = %v, want ErrInvalidServiceName", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ValidateServiceName(%q) failed: %v", tt.name, err)
		}
	}
}

// startBufServer serves e and a health service over an in-memory listener.
func startBufServer(t *testing.T, e Engine, status healthpb.HealthCheckResponse_ServingStatus) *GrpcEngine {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterServer(srv, e)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, status)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGrpcConfig("passthrough:///bufnet")
	cfg.ConnectTimeout = 2 * time.Second
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	client, err := NewGrpcEngine(cfg, nil)
	if err != nil {
		t.Fatalf("NewGrpcEngine failed: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestGrpcEngineStreamsEvents(t *testing.T) {
	client := startBufServer(t, NewScripted(0, nil), healthpb.HealthCheckResponse_SERVING)

	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health failed: %v", err)
	}

	events, err := collect(t, client, Request{DeploymentID: "dep-7", RepoURL: "https://github.com/acme/api"})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	want, _ := collect(t, NewScripted(0, nil), Request{DeploymentID: "dep-7", RepoURL: "https://github.com/acme/api"})
	if len(events) != len(want) {
		t.Fatalf("got %d events over gRPC, want %d", len(events), len(want))
	}
	for i := range want {
		if events[i].Stage != want[i].Stage || events[i].Message != want[i].Message {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
	if p := events[10].Progress; p == nil || *p != 50 {
		t.Errorf("progress did not survive the codec: %v", p)
	}
}

func TestGrpcEngineHealthNotServing(t *testing.T) {
	client := startBufServer(t, NewScripted(0, nil), healthpb.HealthCheckResponse_NOT_SERVING)
	if err := client.Health(context.Background()); !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("err = %v, want ErrEngineUnavailable", err)
	}
}

func TestNewGrpcEngineFailsFast(t *testing.T) {
	cfg := DefaultGrpcConfig("passthrough:///nowhere")
	cfg.ConnectTimeout = 100 * time.Millisecond
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return nil, errors.New("refused")
		}),
	}
	if _, err := NewGrpcEngine(cfg, nil); !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("err = %v, want ErrEngineUnavailable", err)
	}
}

func TestJSONCodec(t *testing.T) {
	t.Parallel()
	var c jsonCodec
	data, err := c.Marshal(&Request{RepoURL: "r"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var req Request
	if err := c.Unmarshal(data, &req); err != nil || req.RepoURL != "r" {
		t.Errorf("round trip got %+v, %v", req, err)
	}
	if err := c.Unmarshal([]byte("{"), &req); err == nil {
		t.Error("expected error for malformed payload")
	}
}

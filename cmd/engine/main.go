// deploychat scripted engine: serves the scripted pipeline over gRPC so the
// gateway can be exercised against a real engine connection.
package main

import (
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/deploychat/internal/engine"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

func main() {
	addr := flag.String("addr", ":50051", "listen address")
	delay := flag.Duration("delay", 800*time.Millisecond, "pause between events")
	failAt := flag.String("fail-at", "", "stage that fails, e.g. container_build")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		slog.Error("Failed to listen", "addr", *addr, "error", err)
		os.Exit(1)
	}

	srv := grpc.NewServer(grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime:             time.Minute,
		PermitWithoutStream: false,
	}))
	scripted := engine.NewScripted(*delay, logger)
	scripted.FailAt = *failAt
	engine.RegisterServer(srv, scripted)

	hs := health.NewServer()
	hs.SetServingStatus(engine.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		slog.Info("Shutting down engine")
		hs.Shutdown()
		srv.GracefulStop()
	}()

	slog.Info("Engine listening", "addr", lis.Addr().String(), "fail_at", *failAt)
	if err := srv.Serve(lis); err != nil {
		slog.Error("Engine server failed", "error", err)
		os.Exit(1)
	}
}

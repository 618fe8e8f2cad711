package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the fully qualified gRPC service implemented by engines.
const ServiceName = "deploychat.engine.v1.DeployEngine"

const deployMethod = "/" + ServiceName + "/Deploy"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

var deployStreamDesc = grpc.StreamDesc{
	StreamName:    "Deploy",
	ServerStreams: true,
}

// GrpcConfig holds configuration for the gRPC engine client.
type GrpcConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	DeployTimeout    time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// DialOptions are appended to the defaults; tests use them to inject a
	// bufconn dialer.
	DialOptions []grpc.DialOption
}

// DefaultGrpcConfig returns default client configuration.
func DefaultGrpcConfig(addr string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		DeployTimeout:    30 * time.Minute,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcEngine is an Engine reached over gRPC.
type GrpcEngine struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

var _ Engine = (*GrpcEngine)(nil)

// NewGrpcEngine connects to the engine and waits until the channel is ready
// so a bad address fails at startup.
func NewGrpcEngine(cfg GrpcConfig, logger *slog.Logger) (*GrpcEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to engine at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("%w: %s not ready: %v", ErrEngineUnavailable, cfg.Address, err)
	}

	logger.Info("Connected to deployment engine", "address", cfg.Address)

	return &GrpcEngine{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		addr:    cfg.Address,
		timeout: cfg.DeployTimeout,
		logger:  logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (e *GrpcEngine) Close() {
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			e.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health runs the standard gRPC health check against the engine service.
func (e *GrpcEngine) Health(ctx context.Context) error {
	resp, err := e.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: status %s", ErrEngineUnavailable, resp.GetStatus())
	}
	return nil
}

// Deploy opens a server stream and yields events until the engine ends it.
func (e *GrpcEngine) Deploy(ctx context.Context, req Request) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		if e.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}

		stream, err := e.conn.NewStream(ctx, &deployStreamDesc, deployMethod, grpc.CallContentSubtype(codecName))
		if err != nil {
			yield(nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err))
			return
		}
		if err := stream.SendMsg(&req); err != nil {
			yield(nil, fmt.Errorf("deploy request failed: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("deploy request failed: %w", err))
			return
		}

		for {
			ev := new(Event)
			err := stream.RecvMsg(ev)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				e.logger.Error("Deploy stream error", "error", err, "deployment_id", req.DeploymentID)
				yield(nil, fmt.Errorf("deploy stream error: %w", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// deployServer is the handler type for the engine service.
type deployServer interface {
	Deploy(req *Request, stream grpc.ServerStream) error
}

// serviceDesc mirrors what protoc would generate for a single server
// streaming Deploy method.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*deployServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Deploy",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(Request)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(deployServer).Deploy(req, stream)
			},
		},
	},
	Metadata: "deploychat/engine.proto",
}

// engineServer adapts an Engine to the gRPC service.
type engineServer struct {
	engine Engine
}

func (s engineServer) Deploy(req *Request, stream grpc.ServerStream) error {
	for ev, err := range s.engine.Deploy(stream.Context(), *req) {
		if err != nil {
			return err
		}
		if err := stream.SendMsg(ev); err != nil {
			return err
		}
	}
	return nil
}

// RegisterServer exposes e as the engine service on s. Clients must use the
// json content-subtype, which GrpcEngine does.
func RegisterServer(s *grpc.Server, e Engine) {
	s.RegisterService(&serviceDesc, engineServer{engine: e})
}

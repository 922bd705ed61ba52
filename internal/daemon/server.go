package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/siawfish/kyoos-sub001/internal/api"
	"github.com/siawfish/kyoos-sub001/internal/config"
	"github.com/siawfish/kyoos-sub001/internal/session"
	"github.com/siawfish/kyoos-sub001/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the grpc.health.v1 service name that reports SERVING
// while the message server connection is up.
const HealthService = "kyoos.v1.Sync"

// Server owns the daemon's listeners: gRPC health on the session's Unix
// domain socket and the HTTP control API on loopback.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string

	httpServer *http.Server
	httpLn     net.Listener

	logger *zap.Logger
}

// NewServer binds both listeners. Serving starts with Start.
func NewServer(p Params, settings config.Settings, apiSrv *api.Server, machine *status.Machine, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	httpLn, err := net.Listen("tcp", settings.APIAddr)
	if err != nil {
		_ = listener.Close()
		_ = os.Remove(socketPath)
		return nil, fmt.Errorf("listen api: %w", err)
	}

	hs := health.NewServer()
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	machine.OnEnter(status.Connected, func(status.Change) {
		hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	})
	machine.OnExit(status.Connected, func(status.Change) {
		hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	})

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		httpServer: &http.Server{
			Handler:           apiSrv.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		httpLn: httpLn,
		logger: logger,
	}, nil
}

// APIAddr returns the address the control API is bound to.
func (s *Server) APIAddr() string {
	return s.httpLn.Addr().String()
}

// SocketPath returns the path of the gRPC health socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start serves both listeners in the background.
func (s *Server) Start() {
	s.logger.Info("gRPC health server starting", zap.String("socket", s.socketPath))
	go func() {
		if err := s.grpcServer.Serve(s.listener); err != nil {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	s.logger.Info("control API starting", zap.String("addr", s.APIAddr()))
	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control API error", zap.Error(err))
		}
	}()
}

// Stop shuts both servers down and removes the socket file. Open event
// streams are cut when ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("servers stopping")
	s.health.Shutdown()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
	}
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

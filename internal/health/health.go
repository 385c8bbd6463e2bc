// Package health exposes the sweep status over the standard gRPC health
// checking protocol.
package health

import (
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/agsys/sensor-monitor/internal/logger"
)

// SweepService is the service name whose status tracks sweep outcomes
const SweepService = "sensormonitor.Sweep"

// Server serves gRPC health checks
type Server struct {
	addr string
	srv  *grpc.Server
	hs   *health.Server
	lis  net.Listener
	mu   sync.Mutex
	log  logger.Logger
}

// New creates a Server listening on addr once started. Both the overall
// and the sweep status start as NOT_SERVING.
func New(addr string, log logger.Logger) *Server {
	s := &Server{
		addr: addr,
		srv:  grpc.NewServer(),
		hs:   health.NewServer(),
		log:  log.WithComponent("health"),
	}
	healthpb.RegisterHealthServer(s.srv, s.hs)
	s.hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.hs.SetServingStatus(SweepService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start begins serving in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.lis = lis

	go func() {
		if err := s.srv.Serve(lis); err != nil {
			s.log.Error().Err(err).Msg("Health server stopped")
		}
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("Health server started")
	return nil
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// SetServing records the outcome of the latest sweep
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.hs.SetServingStatus("", status)
	s.hs.SetServingStatus(SweepService, status)
}

// Stop shuts the server down
func (s *Server) Stop() {
	s.hs.Shutdown()
	s.srv.GracefulStop()
}

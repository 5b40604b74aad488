// Package health serves the standard gRPC health protocol. Each pipe is a
// service that reports SERVING while its interface is running; the empty
// service name reports the process itself.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/vio-bridge/internal/bridge"
	"github.com/banshee-data/vio-bridge/internal/monitoring"
)

var logf = monitoring.Component("Health")

// Server mirrors interface states into a gRPC health service.
type Server struct {
	health *health.Server

	running  atomic.Bool
	server   *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// New returns a health server with every named pipe NOT_SERVING and the
// process SERVING.
func New(pipes []string) *Server {
	hs := health.NewServer()
	for _, name := range pipes {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &Server{health: hs}
}

// Update records the state of one interface. It has the shape of a
// bridge.Manager state observer.
func (s *Server) Update(st bridge.Status) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st.State == bridge.StateRunning {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(st.Name, status)
}

// Check answers a health query directly, without a connection.
func (s *Server) Check(service string) healthpb.HealthCheckResponse_ServingStatus {
	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return resp.GetStatus()
}

// Start listens on addr and serves the health service in the background.
func (s *Server) Start(addr string) error {
	if s.running.Load() {
		return fmt.Errorf("health server already running")
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logf("gRPC health listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			logf("gRPC health server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// stopGrace bounds how long Stop waits for open Watch streams.
const stopGrace = 2 * time.Second

// Stop marks every service NOT_SERVING and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	if !s.running.Load() {
		return
	}
	s.running.Store(false)

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(stopGrace):
		s.server.Stop()
		<-stopped
	}
	s.wg.Wait()
	logf("gRPC health server stopped")
}

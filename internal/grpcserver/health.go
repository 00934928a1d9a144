// Package grpcserver exposes the standard gRPC health service. The detector
// service name reports NOT_SERVING while the landmark model is unavailable.
package grpcserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"posecapture/internal/events"
	"posecapture/internal/validate"
)

const (
	// ServiceCapture is the overall capture service.
	ServiceCapture = "posecapture.Capture"
	// ServiceDetector tracks detector availability.
	ServiceDetector = "posecapture.Detector"
)

// Server is a gRPC server carrying the health service.
type Server struct {
	addr   string
	log    *slog.Logger
	grpc   *grpc.Server
	health *health.Server

	mu           sync.Mutex
	detectorDown map[string]bool // by session
}

// New returns a server that will listen on addr.
func New(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:         addr,
		log:          logger,
		grpc:         grpc.NewServer(),
		health:       health.NewServer(),
		detectorDown: make(map[string]bool),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceCapture, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceDetector, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Notify implements events.Observer. The detector is reported down while
// any session's latest detector outcome was a missing model.
func (s *Server) Notify(e events.Event) {
	var down, known bool
	switch e.Type {
	case events.TypeDetectorError:
		down, known = strings.Contains(e.Error, "not loaded"), true
	case events.TypeVerdict:
		if e.Verdict != nil {
			down, known = e.Verdict.Reason == validate.ReasonDetectorUnavailable, true
		}
	case events.TypeSessionClosed:
		known = true
	}
	if !known {
		return
	}

	s.mu.Lock()
	if down {
		s.detectorDown[e.Session] = true
	} else {
		delete(s.detectorDown, e.Session)
	}
	anyDown := len(s.detectorDown) > 0
	s.mu.Unlock()

	status := healthpb.HealthCheckResponse_SERVING
	if anyDown {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceDetector, status)
}

// Serve serves on lis until ctx ends.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down gRPC server...")
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()
	s.log.Info("gRPC server starting", "addr", lis.Addr().String())
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

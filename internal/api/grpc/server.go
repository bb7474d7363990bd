// Package grpcapi serves the gRPC health and reflection services used by
// orchestrators and the healthcheck CLI.
package grpcapi

import (
	"context"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"realtime-transcription-service/internal/observability"
)

// ServiceName is the health service name reported for the listen endpoint.
const ServiceName = "realtime.transcription.Listen"

// Server wraps the gRPC server and its health state.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// New creates the server with logging interceptors, the health service and
// reflection registered. Both services start NOT_SERVING.
func New(logger zerolog.Logger) *Server {
	g := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor()),
	)
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(g, hs)
	reflection.Register(g)

	s := &Server{grpc: g, health: hs, logger: logger.With().Str("component", "grpc").Logger()}
	s.SetServing(false)
	return s
}

// SetServing flips the overall and listen service health.
func (s *Server) SetServing(serving bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve blocks serving lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server started")
	return s.grpc.Serve(lis)
}

// Stop reports NOT_SERVING and stops gracefully, forcing the stop when ctx
// ends first.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("gRPC graceful stop timed out")
		s.grpc.Stop()
		<-done
	}
}

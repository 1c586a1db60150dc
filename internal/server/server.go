// Package server exposes view sync state over gRPC health checks and HTTP
package server

import (
	"net"
	"slices"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/viewstore/internal/logger"
	"github.com/nainya/viewstore/internal/metrics"
	"github.com/nainya/viewstore/pkg/coordinator"
)

// ServicePrefix prefixes the health service name of every view
const ServicePrefix = "viewstore.view."

// ServiceName is the health service reporting on view
func ServiceName(view string) string {
	return ServicePrefix + view
}

// Config holds optional server dependencies
type Config struct {
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	// MaxMessageSize bounds request and response sizes; zero keeps gRPC's default
	MaxMessageSize int
}

// Server is a gRPC server whose health service follows the coordinator.
// A view is SERVING after a successful rebuild and NOT_SERVING after a
// failed one; the overall service is SERVING when every view is.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	coord  *coordinator.Coordinator
	log    *logger.Logger

	mu      sync.Mutex
	serving map[string]bool
}

// NewServer builds the server and subscribes it to coord
func NewServer(coord *coordinator.Coordinator, cfg Config) *Server {
	log := logger.OrNop(cfg.Logger).With("grpc")
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(GrpcMetricsInterceptor(cfg.Metrics, log)),
	}
	if cfg.MaxMessageSize > 0 {
		opts = append(opts,
			grpc.MaxRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxSendMsgSize(cfg.MaxMessageSize),
		)
	}

	s := &Server{
		grpc:    grpc.NewServer(opts...),
		health:  health.NewServer(),
		coord:   coord,
		log:     log,
		serving: make(map[string]bool),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	for _, st := range coord.Status() {
		s.serving[st.Name] = st.Synced
		s.health.SetServingStatus(ServiceName(st.Name), servingStatus(st.Synced))
	}
	s.health.SetServingStatus("", servingStatus(s.allServing()))

	coord.AddListener(coordinator.ListenerFunc(s.syncCompleted))
	return s
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// allServing checks every registered view; callers hold s.mu
func (s *Server) allServing() bool {
	names := s.coord.Registry().Names()
	return !slices.ContainsFunc(names, func(name string) bool { return !s.serving[name] })
}

func (s *Server) syncCompleted(view string, _ *coordinator.SyncReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := err == nil
	if s.serving[view] != ok {
		s.log.Info("view health changed").
			Str("view", view).
			Bool("serving", ok).
			Send()
	}
	s.serving[view] = ok
	s.health.SetServingStatus(ServiceName(view), servingStatus(ok))
	s.health.SetServingStatus("", servingStatus(s.allServing()))
}

// GRPC returns the underlying server for registering more services
func (s *Server) GRPC() *grpc.Server {
	return s.grpc
}

// Serve accepts connections on lis until Stop or GracefulStop
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// GracefulStop marks every service NOT_SERVING and drains open calls
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Stop closes every connection at once
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

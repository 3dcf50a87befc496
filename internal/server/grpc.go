package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"LendLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Config holds the listen addresses and access policy.
type Config struct {
	GRPCAddr   string
	HTTPAddr   string
	AdminToken string
	RateLimit  float64 // requests per second per client IP; 0 disables
	RateBurst  int
}

// Deps holds everything the Exchange service calls into. History,
// Rebuild and Snapshot are nil when Postgres is not configured.
type Deps struct {
	Backend       Backend
	History       HistoryReader
	Rebuild       func(ctx context.Context) error
	Snapshot      func(ctx context.Context) (int64, error)
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// GRPCServer serves the Exchange service over gRPC and the same methods
// as HTTP/JSON routes on a grpc-gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	healthServer  *health.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	exchange      *exchange
	limiter       *ipLimiter
	adminToken    string
	metrics       *observability.Metrics
	log           zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(cfg Config, deps *Deps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      cfg.GRPCAddr,
		httpAddr:      cfg.HTTPAddr,
		healthChecker: deps.HealthChecker,
		exchange: &exchange{
			backend:  deps.Backend,
			history:  deps.History,
			rebuild:  deps.Rebuild,
			snapshot: deps.Snapshot,
		},
		limiter:    newIPLimiter(cfg.RateLimit, cfg.RateBurst),
		adminToken: cfg.AdminToken,
		metrics:    deps.Metrics,
		log:        deps.Logger,
	}

	s.grpcServer = grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(s.rateLimitInterceptor, s.authInterceptor, s.metricsInterceptor),
	)
	s.grpcServer.RegisterService(&exchangeServiceDesc, s.exchange)

	// Health check
	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// GRPC exposes the underlying server, mainly for in-process listeners.
func (s *GRPCServer) GRPC() *grpc.Server {
	return s.grpcServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON server (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// Interceptors
// ============================================================================

func methodName(fullMethod string) string {
	return fullMethod[strings.LastIndex(fullMethod, "/")+1:]
}

func (s *GRPCServer) rateLimitInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if p, ok := peer.FromContext(ctx); ok && !s.limiter.Allow(p.Addr.String()) {
		if s.metrics != nil {
			s.metrics.RateLimited.WithLabelValues("grpc").Inc()
		}
		return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	return handler(ctx, req)
}

func (s *GRPCServer) authInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !adminMethods[methodName(info.FullMethod)] {
		return handler(ctx, req)
	}
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			header = v[0]
		}
	}
	if err := s.checkAdmin(header); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (s *GRPCServer) metricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(methodName(info.FullMethod), start, err)
	return resp, err
}

// checkAdmin validates an "Authorization: Bearer <token>" value. Admin
// methods are refused outright when no token is configured.
func (s *GRPCServer) checkAdmin(header string) error {
	if s.adminToken == "" {
		return status.Error(codes.PermissionDenied, "admin api disabled")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid admin token")
	}
	return nil
}

func (s *GRPCServer) observe(endpoint string, start time.Time, err error) {
	code := status.Code(err)
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, code.String()).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
		}
	}
	if code == codes.Internal {
		s.log.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
	}
}

// Package casserver implements the compatible-mode server side of spec
// §4.5's uniform Execution API: CAS, ActionCache, ByteStream, Capabilities
// and a single-worker Execution service, all speaking the wire protocol
// internal/rexec's client already speaks.
//
// A server is only needed for tests and for standing up a local REAPI
// endpoint to point internal/rexec's client at (e.g. one engine acting as
// another's remote during integration testing); production deployments
// are expected to point at a real REAPI-compatible service. Grounded on
// the teacher's tools/cache/server/rpc_server.go (BuildGrpcServer: a
// grpc.Server wired with TLS, grpc-prometheus, and the standard gRPC
// health service), generalised from Please's custom rpc_cache proto to
// the public github.com/bazelbuild/remote-apis services.
package casserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bs "google.golang.org/genproto/googleapis/bytestream"

	"github.com/forgebuild/forge/internal/actioncache"
	"github.com/forgebuild/forge/internal/clog"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/execapi"
	"github.com/forgebuild/forge/internal/localcas"
)

var log = clog.NewLogger("casserver")

// Server bundles every REAPI service this package backs. A zero Server
// with Store/ActionCache/Executor set is ready to register.
type Server struct {
	pb.UnimplementedContentAddressableStorageServer
	pb.UnimplementedActionCacheServer
	pb.UnimplementedCapabilitiesServer
	pb.UnimplementedExecutionServer
	bs.UnimplementedByteStreamServer

	Store       *localcas.Store
	DigestCtx   *digest.Context
	ActionCache actioncache.Cache
	// Executor runs Execute requests one at a time in-process; a nil
	// Executor makes this endpoint a pure CAS/AC server with
	// ExecutionEnabled reported false, matching spec §4.3's capability
	// negotiation for cache-only backends.
	Executor execapi.API

	instance string

	ops *operationTable
}

// New returns a Server backing instanceName (the REAPI instance_name every
// request must echo; "" matches every request since this engine never
// multiplexes instances on one endpoint).
func New(store *localcas.Store, dctx *digest.Context, ac actioncache.Cache, executor execapi.API, instanceName string) *Server {
	return &Server{
		Store:       store,
		DigestCtx:   dctx,
		ActionCache: ac,
		Executor:    executor,
		instance:    instanceName,
		ops:         newOperationTable(),
	}
}

// Register wires every service this Server implements onto grpcServer,
// plus the standard gRPC health service reporting SERVING, mirroring the
// teacher's BuildGrpcServer.
func (s *Server) Register(grpcServer *grpc.Server) {
	pb.RegisterContentAddressableStorageServer(grpcServer, s)
	pb.RegisterActionCacheServer(grpcServer, s)
	pb.RegisterCapabilitiesServer(grpcServer, s)
	pb.RegisterExecutionServer(grpcServer, s)
	bs.RegisterByteStreamServer(grpcServer, s)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)
}

// Config is the wiring spec §6 names for standing up a CAS/Execution
// endpoint: the listen port plus the optional mTLS material.
type Config struct {
	Port int

	TLSCertFile string
	TLSKeyFile  string
	TLSCACert   string
}

// Listen builds the grpc.Server (with TLS and grpc-prometheus middleware
// when configured) and the net.Listener to serve it on, mirroring the
// teacher's BuildGrpcServer/serverWithAuth split.
func Listen(cfg Config, s *Server) (*grpc.Server, net.Listener, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, nil, fmt.Errorf("casserver: listening on port %d: %w", cfg.Port, err)
	}
	// grpc-prometheus reports per-method RPC counters/latencies; otelgrpc
	// attaches a trace span per RPC (no exporter configured here, so spans
	// are no-ops until a caller installs a global TracerProvider — the
	// instrumentation point is what this engine grounds on buildbarn-
	// bb-storage's pkg/grpc/server.go, which chains the two the same way).
	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_prometheus.UnaryServerInterceptor,
			otelgrpc.UnaryServerInterceptor(),
		)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_prometheus.StreamServerInterceptor,
			otelgrpc.StreamServerInterceptor(),
		)),
	}
	if cfg.TLSCertFile != "" {
		tlsCfg, err := serverTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCACert)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	s.Register(srv)
	grpc_prometheus.Register(srv)
	return srv, lis, nil
}

// serverTLSConfig mirrors the teacher's serverWithAuth: client certs are
// requested, and verified against caCert only when one is given.
func serverTLSConfig(certFile, keyFile, caCertFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("casserver: loading x509 key pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
	}
	if caCertFile != "" {
		pem, err := os.ReadFile(caCertFile)
		if err != nil {
			return nil, fmt.Errorf("casserver: reading CA cert: %w", err)
		}
		cfg.ClientCAs = x509.NewCertPool()
		if !cfg.ClientCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("casserver: no PEM certificates found in %s", caCertFile)
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// DialLocal is a small test/demo helper mirroring how internal/rexec's
// Client dials: insecure, for pointing a Client at a Listen-started
// in-process Server.
func DialLocal(ctx context.Context, address string) (*grpc.ClientConn, error) {
	return grpc.DialContext(ctx, address, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
}

func (s *Server) checkInstance(instanceName string) error {
	if s.instance != "" && instanceName != s.instance {
		return fmt.Errorf("casserver: unknown instance %q", instanceName)
	}
	return nil
}

// Package rexec implements spec §4.3 (remote CAS client) and the remote
// half of spec §4.5 (remote execution API), against the Remote Execution
// API v2 wire protocol (github.com/bazelbuild/remote-apis). It is grounded
// directly on the teacher's src/remote package (remote.go's capability
// negotiation, blobs.go's batching/ByteStream logic, action.go's digesting
// of Command/Action messages), generalised from "a BuildTarget" to the
// spec's own Action/Artifact model.
package rexec

import (
	"context"
	"fmt"
	"sync"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/genproto/googleapis/longrunning"

	"github.com/forgebuild/forge/internal/clog"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/retry"
)

var log = clog.NewLogger("rexec")

// dialTimeout mirrors the teacher's src/remote/remote.go constant.
const dialTimeout = 5 * time.Second

// reqTimeout mirrors the teacher's src/remote/remote.go constant.
const reqTimeout = 2 * time.Minute

// A Client is the engine's connection to one remote CAS/AC/Execution
// endpoint. One Client corresponds to one "host:port" entry of the
// dispatch table (internal/dispatch).
type Client struct {
	conn *grpc.ClientConn

	instance string
	dctx     *digest.Context
	retryCfg retry.Config

	cas  pb.ContentAddressableStorageClient
	ac   pb.ActionCacheClient
	bs   bs.ByteStreamClient
	exec pb.ExecutionClient
	ops  longrunning.OperationsClient

	caps *CapabilitiesCache

	// writeUUIDPrefix is the per-process UUID spec §4.3 requires be
	// embedded in ByteStream write resource names so concurrent writers
	// never collide.
	writeUUIDPrefix string

	mu            sync.RWMutex
	maxBatchSize  int64
	execEnabled   bool
	cacheWritable bool
}

// Dial opens a connection to addr and negotiates capabilities for
// instance. It does not block on capability negotiation failing hard: a
// caller that only needs AC/CAS access can still proceed with the
// conservative defaults the capabilities cache falls back to.
func Dial(ctx context.Context, addr, instance string, dctx *digest.Context, retryCfg retry.Config) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	// grpc_retry.UnaryClientInterceptor handles transient transport-level
	// failures (the teacher's src/remote/remote.go dials with the same
	// interceptor); it is a different layer from internal/retry's
	// application-level backoff, which governs whole-call retries around
	// higher-level operations like Execute.
	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(
			grpc_retry.UnaryClientInterceptor(grpc_retry.WithMax(uint(retryCfg.MaxAttempts))),
			otelgrpc.UnaryClientInterceptor(),
		)),
		grpc.WithBlock())
	if err != nil {
		return nil, fmt.Errorf("rexec: dialing %s: %w", addr, err)
	}
	c := &Client{
		conn:         conn,
		instance:     instance,
		dctx:         dctx,
		retryCfg:     retryCfg,
		cas:          pb.NewContentAddressableStorageClient(conn),
		ac:           pb.NewActionCacheClient(conn),
		bs:           bs.NewByteStreamClient(conn),
		exec:         pb.NewExecutionClient(conn),
		ops:          longrunning.NewOperationsClient(conn),
		caps:         NewCapabilitiesCache(pb.NewCapabilitiesClient(conn)),
		maxBatchSize: conservativeMaxBatchSize,
	}
	c.writeUUIDPrefix = newWriteUUID()
	if caps, err := c.caps.Get(ctx, instance); err != nil {
		log.Warning("rexec: capabilities unreachable for %s, using conservative defaults: %s", addr, err)
	} else {
		c.mu.Lock()
		c.maxBatchSize = caps.MaxBatchTotalSizeBytes
		c.execEnabled = caps.ExecutionEnabled
		c.cacheWritable = caps.CacheWritable
		c.mu.Unlock()
	}
	return c, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) MaxBatchTotalSizeBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxBatchSize
}

func (c *Client) ExecutionEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.execEnabled
}

func (c *Client) CacheWritable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cacheWritable
}

func newWriteUUID() string {
	return uuid.NewString()
}

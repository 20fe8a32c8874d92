package rexec

import (
	"context"
	"sync"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// conservativeMaxBatchSize is the fallback batch cap spec §4.3 describes
// when capabilities are unreachable: "the smallest documented batch cap".
// It matches the teacher's own fallback in src/remote/remote.go (4MB,
// rounded down from gRPC's common 4MB default to leave room for framing
// overhead).
const conservativeMaxBatchSize = 4000000 - 4096

// Capabilities is the subset of the server's GetCapabilities response the
// engine acts on.
type Capabilities struct {
	MaxBatchTotalSizeBytes int64
	ExecutionEnabled       bool
	CacheWritable          bool
	DigestFunction         pb.DigestFunction_Value
}

// A CapabilitiesCache is consulted once per remote instance_name (spec
// §4.3); concurrent readers share a lock, and the first miss for a given
// instance takes the unique lock to populate it (spec §5).
type CapabilitiesCache struct {
	client pb.CapabilitiesClient

	mu    sync.RWMutex
	byKey map[string]Capabilities
}

// NewCapabilitiesCache wraps a Capabilities service client.
func NewCapabilitiesCache(client pb.CapabilitiesClient) *CapabilitiesCache {
	return &CapabilitiesCache{client: client, byKey: map[string]Capabilities{}}
}

// Get returns the cached capabilities for instance, querying the server on
// first use. If the RPC fails, the conservative defaults are returned
// along with the error so the caller can log and continue (spec §4.3).
func (c *CapabilitiesCache) Get(ctx context.Context, instance string) (Capabilities, error) {
	c.mu.RLock()
	if caps, ok := c.byKey[instance]; ok {
		c.mu.RUnlock()
		return caps, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check: another goroutine may have populated it while we waited
	// for the write lock.
	if caps, ok := c.byKey[instance]; ok {
		return caps, nil
	}

	caps := conservativeDefaults()
	qctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	resp, err := c.client.GetCapabilities(qctx, &pb.GetCapabilitiesRequest{InstanceName: instance})
	if err != nil {
		c.byKey[instance] = caps
		return caps, err
	}
	if cc := resp.CacheCapabilities; cc != nil {
		caps.MaxBatchTotalSizeBytes = cc.MaxBatchTotalSizeBytes
		if caps.MaxBatchTotalSizeBytes == 0 {
			caps.MaxBatchTotalSizeBytes = conservativeMaxBatchSize
		}
		if len(cc.DigestFunctions) > 0 {
			caps.DigestFunction = cc.DigestFunctions[0]
		}
		if upd := cc.ActionCacheUpdateCapabilities; upd != nil {
			caps.CacheWritable = upd.UpdateEnabled
		}
	}
	if ec := resp.ExecutionCapabilities; ec != nil {
		caps.ExecutionEnabled = ec.ExecEnabled
	}
	c.byKey[instance] = caps
	return caps, nil
}

func conservativeDefaults() Capabilities {
	return Capabilities{
		MaxBatchTotalSizeBytes: conservativeMaxBatchSize,
		DigestFunction:         pb.DigestFunction_SHA256,
	}
}

// Refresh forces re-negotiation for instance on the next Get, used when a
// server's capabilities may have changed (e.g. after a long-lived
// connection is re-established).
func (c *CapabilitiesCache) Refresh(instance string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byKey, instance)
}

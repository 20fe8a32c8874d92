package casserver

import (
	"context"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	semver "github.com/bazelbuild/remote-apis/build/bazel/semver"
)

// maxBatchTotalSizeBytes mirrors internal/rexec's own conservative
// fallback; this server has no hard message-size ceiling beyond gRPC's
// default, so it reports that same figure rather than inventing a larger
// one a real deployment would need to tune deliberately.
const maxBatchTotalSizeBytes = 4000000 - 4096

// GetCapabilities reports this server's cache/execution capabilities,
// mirroring the fields internal/rexec.CapabilitiesCache consumes.
func (s *Server) GetCapabilities(ctx context.Context, req *pb.GetCapabilitiesRequest) (*pb.ServerCapabilities, error) {
	caps := &pb.ServerCapabilities{
		CacheCapabilities: &pb.CacheCapabilities{
			DigestFunctions: []pb.DigestFunction_Value{pb.DigestFunction_SHA256},
			ActionCacheUpdateCapabilities: &pb.ActionCacheUpdateCapabilities{
				UpdateEnabled: true,
			},
			MaxBatchTotalSizeBytes:      maxBatchTotalSizeBytes,
			SymlinkAbsolutePathStrategy: pb.SymlinkAbsolutePathStrategy_ALLOWED,
		},
		LowApiVersion:  &semver.SemVer{Major: 2},
		HighApiVersion: &semver.SemVer{Major: 2},
	}
	if s.Executor != nil {
		caps.ExecutionCapabilities = &pb.ExecutionCapabilities{
			DigestFunction: pb.DigestFunction_SHA256,
			ExecEnabled:    true,
		}
	}
	return caps, nil
}

package casserver

import (
	"context"
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/actioncache"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/localcas"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dctx := digest.NewContext(digest.Compatible)
	store, err := localcas.New(t.TempDir(), dctx)
	require.NoError(t, err)
	ac, err := actioncache.NewLocal(t.TempDir())
	require.NoError(t, err)
	return New(store, dctx, ac, nil, "")
}

func TestFindMissingBlobsAndBatchRoundTrip(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	data := []byte("hello casserver")
	d := s.DigestCtx.HashData(data)

	missing, err := s.FindMissingBlobs(ctx, &pb.FindMissingBlobsRequest{
		BlobDigests: []*pb.Digest{{Hash: d.Hash, SizeBytes: d.SizeBytes}},
	})
	require.NoError(t, err)
	require.Len(t, missing.MissingBlobDigests, 1)

	_, err = s.BatchUpdateBlobs(ctx, &pb.BatchUpdateBlobsRequest{
		Requests: []*pb.BatchUpdateBlobsRequest_Request{{Digest: &pb.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}, Data: data}},
	})
	require.NoError(t, err)

	missing, err = s.FindMissingBlobs(ctx, &pb.FindMissingBlobsRequest{
		BlobDigests: []*pb.Digest{{Hash: d.Hash, SizeBytes: d.SizeBytes}},
	})
	require.NoError(t, err)
	assert.Empty(t, missing.MissingBlobDigests)

	read, err := s.BatchReadBlobs(ctx, &pb.BatchReadBlobsRequest{
		Digests: []*pb.Digest{{Hash: d.Hash, SizeBytes: d.SizeBytes}},
	})
	require.NoError(t, err)
	require.Len(t, read.Responses, 1)
	assert.Equal(t, data, read.Responses[0].Data)
}

func TestActionCacheRoundTrip(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	actionDigest := &pb.Digest{Hash: "actionhash", SizeBytes: 7}
	_, err := s.GetActionResult(ctx, &pb.GetActionResultRequest{ActionDigest: actionDigest})
	assert.Error(t, err) // NOT_FOUND on a miss

	result := &pb.ActionResult{ExitCode: 3}
	_, err = s.UpdateActionResult(ctx, &pb.UpdateActionResultRequest{ActionDigest: actionDigest, ActionResult: result})
	require.NoError(t, err)

	got, err := s.GetActionResult(ctx, &pb.GetActionResultRequest{ActionDigest: actionDigest})
	require.NoError(t, err)
	assert.Equal(t, int32(3), got.ExitCode)
}

func TestGetCapabilitiesReportsExecutionOnlyWhenWired(t *testing.T) {
	s := newTestServer(t)
	caps, err := s.GetCapabilities(context.Background(), &pb.GetCapabilitiesRequest{})
	require.NoError(t, err)
	assert.Nil(t, caps.ExecutionCapabilities)
	require.NotNil(t, caps.CacheCapabilities)
	assert.Contains(t, caps.CacheCapabilities.DigestFunctions, pb.DigestFunction_SHA256)
}

func TestCheckInstanceRejectsMismatch(t *testing.T) {
	s := newTestServer(t)
	s.instance = "myinstance"
	ctx := context.Background()
	_, err := s.FindMissingBlobs(ctx, &pb.FindMissingBlobsRequest{InstanceName: "other"})
	assert.Error(t, err)

	_, err = s.FindMissingBlobs(ctx, &pb.FindMissingBlobsRequest{InstanceName: "myinstance"})
	assert.NoError(t, err)
}

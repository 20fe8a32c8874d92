package rexec

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	bs "google.golang.org/genproto/googleapis/bytestream"

	"github.com/forgebuild/forge/internal/actioncache"
	"github.com/forgebuild/forge/internal/casserver"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/localcas"
	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/retry"
)

func TestClassifyTransientVsFatal(t *testing.T) {
	assert.True(t, classify(nil).OK)

	transient := classify(status.Error(codes.Unavailable, "down"))
	assert.False(t, transient.Fatal)
	assert.Error(t, transient.Err)

	transient = classify(status.Error(codes.DeadlineExceeded, "slow"))
	assert.False(t, transient.Fatal)

	// RESOURCE_EXHAUSTED is deliberately fatal per spec §4.9's exhaustive
	// retryable set: retrying into an overloaded peer only compounds it.
	fatal := classify(status.Error(codes.ResourceExhausted, "shed"))
	assert.True(t, fatal.Fatal)

	fatal = classify(status.Error(codes.InvalidArgument, "bad"))
	assert.True(t, fatal.Fatal)
}

func TestEffectiveChunkSizeCapsToNegotiatedMax(t *testing.T) {
	assert.Equal(t, int64(streamChunkSize), effectiveChunkSize(0))
	assert.Equal(t, int64(streamChunkSize), effectiveChunkSize(streamChunkSize*4))
	assert.Equal(t, int64(1024), effectiveChunkSize(1024))
}

// newTestServerAddr stands up a real casserver (CAS + ByteStream + AC) on
// a loopback port and returns its address, mirroring the teacher's own
// integration-test style of dialing a real in-process gRPC server rather
// than mocking the client.
func newTestServerAddr(t *testing.T) string {
	t.Helper()
	dctx := digest.NewContext(digest.Compatible)
	store, err := localcas.New(t.TempDir(), dctx)
	require.NoError(t, err)
	ac, err := actioncache.NewLocal(t.TempDir())
	require.NoError(t, err)
	s := casserver.New(store, dctx, ac, nil, "")

	srv, lis, err := casserver.Listen(casserver.Config{Port: 0}, s)
	require.NoError(t, err)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	_, port, err := net.SplitHostPort(lis.Addr().String())
	require.NoError(t, err)
	return "127.0.0.1:" + port
}

func dialTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	dctx := digest.NewContext(digest.Compatible)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, "", dctx, retry.Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxAttempts: 3})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// TestUploadBatchDownloadBatchRoundTrip covers the ordinary small-blob
// path: FindMissing, UploadBatch, and DownloadBatch against a real server.
func TestUploadBatchDownloadBatchRoundTrip(t *testing.T) {
	addr := newTestServerAddr(t)
	c := dialTestClient(t, addr)
	ctx := context.Background()

	data := []byte("small blob, fits in one batch")
	d := c.dctx.HashData(data)

	missing, err := c.FindMissing(ctx, []model.Digest{d})
	require.NoError(t, err)
	require.Len(t, missing, 1)

	require.NoError(t, c.UploadBatch(ctx, []Blob{{Digest: d, Data: data}}))

	missing, err = c.FindMissing(ctx, []model.Digest{d})
	require.NoError(t, err)
	assert.Empty(t, missing)

	got, err := c.DownloadBatch(ctx, []model.Digest{d})
	require.NoError(t, err)
	assert.Equal(t, data, got[d.Hash])
}

// TestUploadStreamDownloadStreamRoundTrip covers spec §8 testable property
// 5 for a blob handed to ByteStream directly: it must round-trip exactly
// even when its size forces more than one streamChunkSize-sized Write
// message, and the server's negotiated MaxBatchTotalSizeBytes must be
// respected as the effective per-message cap.
func TestUploadStreamDownloadStreamRoundTrip(t *testing.T) {
	addr := newTestServerAddr(t)
	c := dialTestClient(t, addr)
	ctx := context.Background()

	// Force a small effective chunk size so this test exercises multiple
	// Write messages without needing a multi-megabyte payload.
	c.mu.Lock()
	c.maxBatchSize = 64
	c.mu.Unlock()

	data := bytes.Repeat([]byte("x"), 64*10+7) // not an exact chunk multiple
	d := c.dctx.HashData(data)

	require.NoError(t, c.UploadStream(ctx, d, data))

	got, err := c.DownloadStream(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// fakeWriteStream implements bs.ByteStream_WriteClient over an in-memory
// buffer; it reports an Unavailable disconnect once a configured number of
// bytes have been sent on its first use, so the owning fakeByteStream can
// exercise UploadStream's resume-from-QueryWriteStatus path.
type fakeWriteStream struct {
	grpc.ClientStream
	owner *fakeByteStream
	sent  int64
}

func (s *fakeWriteStream) Send(req *bs.WriteRequest) error {
	if s.owner.attempt == 1 && s.sent+int64(len(req.Data)) > s.owner.failAfter {
		s.owner.committedAtFailure = s.owner.received
		return status.Error(codes.Unavailable, "simulated disconnect")
	}
	s.owner.received = append(s.owner.received, req.Data...)
	s.sent += int64(len(req.Data))
	return nil
}

func (s *fakeWriteStream) CloseAndRecv() (*bs.WriteResponse, error) {
	return &bs.WriteResponse{CommittedSize: int64(len(s.owner.received))}, nil
}

// fakeByteStream is a minimal bs.ByteStreamClient that fails partway
// through the first Write attempt and reports the true committed offset
// via QueryWriteStatus, mirroring a real ByteStream server recovering from
// a dropped connection.
type fakeByteStream struct {
	failAfter          int64
	attempt            int
	received           []byte
	committedAtFailure []byte
}

func (f *fakeByteStream) Write(ctx context.Context, opts ...grpc.CallOption) (bs.ByteStream_WriteClient, error) {
	f.attempt++
	return &fakeWriteStream{owner: f}, nil
}

func (f *fakeByteStream) QueryWriteStatus(ctx context.Context, in *bs.QueryWriteStatusRequest, opts ...grpc.CallOption) (*bs.QueryWriteStatusResponse, error) {
	return &bs.QueryWriteStatusResponse{CommittedSize: int64(len(f.committedAtFailure)), Complete: false}, nil
}

func (f *fakeByteStream) Read(ctx context.Context, in *bs.ReadRequest, opts ...grpc.CallOption) (bs.ByteStream_ReadClient, error) {
	panic("not used by this test")
}

// TestUploadStreamResumesFromCommittedOffset covers spec §8 testable
// property 7: a retried write queries QueryWriteStatus and resumes from
// the committed offset instead of resending bytes the peer already has.
func TestUploadStreamResumesFromCommittedOffset(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 5) // 40 bytes
	fake := &fakeByteStream{failAfter: 16}

	c := &Client{
		bs:              fake,
		retryCfg:        retry.Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxAttempts: 3},
		writeUUIDPrefix: "test-uuid",
		maxBatchSize:    8, // small chunk size so the failure lands mid-stream
	}

	err := c.UploadStream(context.Background(), model.Digest{Hash: "deadbeef", SizeBytes: int64(len(data))}, data)
	require.NoError(t, err)

	// The first attempt must have been cut short at failAfter, and the
	// resumed attempt must have sent only the remaining bytes: together
	// they reconstruct the whole payload with nothing resent or skipped.
	assert.Equal(t, data, fake.received)
}

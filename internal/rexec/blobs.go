package rexec

import (
	"bytes"
	"context"
	"fmt"
	"io"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	bs "google.golang.org/genproto/googleapis/bytestream"

	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/retry"
)

// streamChunkSize is the size of a chunk sent per ByteStream Write/Read
// message: a fixed window, never exceeding the negotiated message cap
// (spec §4.3), mirroring the teacher's src/remote/blobs.go chunkSize.
const streamChunkSize = 2 * 1024 * 1024

// Blob pairs a digest with its payload, for upload, or with a destination
// for download.
type Blob struct {
	Digest model.Digest
	Data   []byte
}

// FindMissing filters digests down to the subset the remote CAS does not
// already hold (spec §4.3's FindMissingBlobs-based upload filtering).
func (c *Client) FindMissing(ctx context.Context, digests []model.Digest) ([]model.Digest, error) {
	if len(digests) == 0 {
		return nil, nil
	}
	req := &pb.FindMissingBlobsRequest{
		InstanceName: c.instance,
		BlobDigests:  make([]*pb.Digest, len(digests)),
	}
	for i, d := range digests {
		req.BlobDigests[i] = toProtoDigest(d)
	}
	var resp *pb.FindMissingBlobsResponse
	err := retry.Do(ctx, c.retryCfg, "FindMissingBlobs", func(ctx context.Context, attempt int) retry.Result {
		rctx, cancel := context.WithTimeout(ctx, reqTimeout)
		defer cancel()
		var err error
		resp, err = c.cas.FindMissingBlobs(rctx, req)
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Digest, len(resp.MissingBlobDigests))
	for i, d := range resp.MissingBlobDigests {
		out[i] = fromProtoDigest(d)
	}
	return out, nil
}

// UploadBatch uploads blobs that individually and collectively fit under
// MaxBatchTotalSizeBytes via BatchUpdateBlobs, splitting greedily into
// batches (spec §4.3). Blobs too large for any batch must go through
// UploadStream instead; UploadBatch returns an error if handed one.
func (c *Client) UploadBatch(ctx context.Context, blobs []Blob) error {
	maxBatch := c.MaxBatchTotalSizeBytes()
	var batch []Blob
	var size int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := c.sendBatch(ctx, batch)
		batch = batch[:0]
		size = 0
		return err
	}
	for _, b := range blobs {
		if b.Digest.SizeBytes > maxBatch {
			return fmt.Errorf("rexec: blob %s exceeds batch size limit, use UploadStream", b.Digest)
		}
		if size+b.Digest.SizeBytes > maxBatch {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, b)
		size += b.Digest.SizeBytes
	}
	return flush()
}

func (c *Client) sendBatch(ctx context.Context, batch []Blob) error {
	reqs := make([]*pb.BatchUpdateBlobsRequest_Request, len(batch))
	for i, b := range batch {
		reqs[i] = &pb.BatchUpdateBlobsRequest_Request{
			Digest: toProtoDigest(b.Digest),
			Data:   b.Data,
		}
	}
	return retry.Do(ctx, c.retryCfg, "BatchUpdateBlobs", func(ctx context.Context, attempt int) retry.Result {
		rctx, cancel := context.WithTimeout(ctx, reqTimeout)
		defer cancel()
		resp, err := c.cas.BatchUpdateBlobs(rctx, &pb.BatchUpdateBlobsRequest{
			InstanceName: c.instance,
			Requests:     reqs,
		})
		if r := classify(err); r.Err != nil || r.Fatal {
			return r
		}
		for _, rr := range resp.Responses {
			if rr.Status.GetCode() != int32(codes.OK) {
				return retry.Result{Fatal: true, Err: fmt.Errorf("rexec: %s: %s", rr.Digest.Hash, rr.Status.GetMessage())}
			}
		}
		return retry.Result{OK: true}
	})
}

// DownloadBatch retrieves blobs via BatchReadBlobs, returning their data
// keyed by hash.
func (c *Client) DownloadBatch(ctx context.Context, digests []model.Digest) (map[string][]byte, error) {
	if len(digests) == 0 {
		return map[string][]byte{}, nil
	}
	req := &pb.BatchReadBlobsRequest{
		InstanceName: c.instance,
		Digests:      make([]*pb.Digest, len(digests)),
	}
	for i, d := range digests {
		req.Digests[i] = toProtoDigest(d)
	}
	out := map[string][]byte{}
	err := retry.Do(ctx, c.retryCfg, "BatchReadBlobs", func(ctx context.Context, attempt int) retry.Result {
		rctx, cancel := context.WithTimeout(ctx, reqTimeout)
		defer cancel()
		resp, err := c.cas.BatchReadBlobs(rctx, req)
		if r := classify(err); r.Err != nil || r.Fatal {
			return r
		}
		for _, rr := range resp.Responses {
			if rr.Status.GetCode() != int32(codes.OK) {
				return retry.Result{Fatal: true, Err: fmt.Errorf("rexec: %s: %s", rr.Digest.Hash, rr.Status.GetMessage())}
			}
			out[rr.Digest.Hash] = rr.Data
		}
		return retry.Result{OK: true}
	})
	return out, err
}

// UploadStream uploads a single blob over ByteStream, resuming from
// QueryWriteStatus if a prior attempt left a partial write (spec §4.3).
func (c *Client) UploadStream(ctx context.Context, d model.Digest, data []byte) error {
	name := c.writeResourceName(d)
	return retry.Do(ctx, c.retryCfg, "ByteStream.Write", func(ctx context.Context, attempt int) retry.Result {
		offset := int64(0)
		if attempt > 1 {
			rctx, cancel := context.WithTimeout(ctx, reqTimeout)
			qresp, err := c.bs.QueryWriteStatus(rctx, &bs.QueryWriteStatusRequest{ResourceName: name})
			cancel()
			if err == nil {
				if qresp.Complete {
					return retry.Result{OK: true}
				}
				offset = qresp.CommittedSize
			}
		}
		return classify(c.writeFrom(ctx, name, data, offset))
	})
}

// effectiveChunkSize caps streamChunkSize to the negotiated
// MaxBatchTotalSizeBytes when that cap is smaller, so a ByteStream Write
// never sends a message larger than a peer advertised it would accept.
func effectiveChunkSize(maxBatch int64) int64 {
	chunk := int64(streamChunkSize)
	if maxBatch > 0 && maxBatch < chunk {
		return maxBatch
	}
	return chunk
}

func (c *Client) writeFrom(ctx context.Context, name string, data []byte, offset int64) error {
	rctx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()
	stream, err := c.bs.Write(rctx)
	if err != nil {
		return err
	}
	chunk := effectiveChunkSize(c.MaxBatchTotalSizeBytes())
	for offset < int64(len(data)) {
		end := offset + chunk
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if err := stream.Send(&bs.WriteRequest{
			ResourceName: name,
			WriteOffset:  offset,
			Data:         data[offset:end],
		}); err != nil {
			return err
		}
		offset = end
	}
	if err := stream.Send(&bs.WriteRequest{ResourceName: name, WriteOffset: offset, FinishWrite: true}); err != nil {
		return err
	}
	_, err = stream.CloseAndRecv()
	return err
}

// DownloadStream retrieves a single blob over ByteStream.
func (c *Client) DownloadStream(ctx context.Context, d model.Digest) ([]byte, error) {
	var out bytes.Buffer
	err := retry.Do(ctx, c.retryCfg, "ByteStream.Read", func(ctx context.Context, attempt int) retry.Result {
		out.Reset()
		rctx, cancel := context.WithTimeout(ctx, reqTimeout)
		defer cancel()
		stream, err := c.bs.Read(rctx, &bs.ReadRequest{ResourceName: c.readResourceName(d)})
		if err != nil {
			return classify(err)
		}
		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				return retry.Result{OK: true}
			}
			if err != nil {
				return classify(err)
			}
			out.Write(resp.Data)
		}
	})
	return out.Bytes(), err
}

// writeResourceName builds the ByteStream write resource name spec §4.3
// requires, embedding the client's per-process UUID so concurrent writers
// of the same digest never collide.
func (c *Client) writeResourceName(d model.Digest) string {
	name := fmt.Sprintf("uploads/%s/blobs/%s/%d", c.writeUUIDPrefix, d.Hash, d.SizeBytes)
	if c.instance != "" {
		name = c.instance + "/" + name
	}
	return name
}

func (c *Client) readResourceName(d model.Digest) string {
	name := fmt.Sprintf("blobs/%s/%d", d.Hash, d.SizeBytes)
	if c.instance != "" {
		name = c.instance + "/" + name
	}
	return name
}

func toProtoDigest(d model.Digest) *pb.Digest {
	return &pb.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}
}

func fromProtoDigest(d *pb.Digest) model.Digest {
	return model.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}
}

// classify maps a gRPC error onto the retry package's fatal/transient
// split: UNAVAILABLE and DEADLINE_EXCEEDED are transient, everything else
// (including a nil error, which is success) is treated as fatal so a
// single bad request doesn't get retried forever. RESOURCE_EXHAUSTED is
// deliberately fatal, not transient: spec §4.9 makes the retryable set
// exhaustive, and retrying a request a peer is actively shedding only
// compounds the overload.
func classify(err error) retry.Result {
	if err == nil {
		return retry.Result{OK: true}
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return retry.Result{Err: err}
	default:
		return retry.Result{Fatal: true, Err: err}
	}
}

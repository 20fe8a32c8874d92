package casserver

import (
	"context"
	"fmt"
	"io"
	"os"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/genproto/googleapis/rpc/code"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/proto"

	bs "google.golang.org/genproto/googleapis/bytestream"

	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/model"
)

// FindMissingBlobs implements the CAS service's existence check (spec
// §4.3's server side), mirroring internal/rexec.Client.FindMissing in
// reverse: a blob is present if either the plain-file or executable shard
// has it (the server doesn't know in advance which bit the client used).
func (s *Server) FindMissingBlobs(ctx context.Context, req *pb.FindMissingBlobsRequest) (*pb.FindMissingBlobsResponse, error) {
	if err := s.checkInstance(req.InstanceName); err != nil {
		return nil, err
	}
	resp := &pb.FindMissingBlobsResponse{}
	for _, d := range req.BlobDigests {
		md := model.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}
		if !s.blobAvailable(md) {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d)
		}
	}
	return resp, nil
}

func (s *Server) blobAvailable(d model.Digest) bool {
	return s.Store.Has(d, false, false) || s.Store.Has(d, true, false)
}

// BatchUpdateBlobs implements the small-object upload path.
func (s *Server) BatchUpdateBlobs(ctx context.Context, req *pb.BatchUpdateBlobsRequest) (*pb.BatchUpdateBlobsResponse, error) {
	if err := s.checkInstance(req.InstanceName); err != nil {
		return nil, err
	}
	resp := &pb.BatchUpdateBlobsResponse{Responses: make([]*pb.BatchUpdateBlobsResponse_Response, len(req.Requests))}
	for i, r := range req.Requests {
		st := &statuspb.Status{Code: int32(code.Code_OK)}
		if _, err := s.Store.StoreBlob(r.Data, false); err != nil {
			st = &statuspb.Status{Code: int32(code.Code_INTERNAL), Message: err.Error()}
		}
		resp.Responses[i] = &pb.BatchUpdateBlobsResponse_Response{Digest: r.Digest, Status: st}
	}
	return resp, nil
}

// BatchReadBlobs implements the small-object download path.
func (s *Server) BatchReadBlobs(ctx context.Context, req *pb.BatchReadBlobsRequest) (*pb.BatchReadBlobsResponse, error) {
	if err := s.checkInstance(req.InstanceName); err != nil {
		return nil, err
	}
	resp := &pb.BatchReadBlobsResponse{Responses: make([]*pb.BatchReadBlobsResponse_Response, len(req.Digests))}
	for i, d := range req.Digests {
		md := model.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}
		data, err := s.readBlob(md)
		if err != nil {
			resp.Responses[i] = &pb.BatchReadBlobsResponse_Response{
				Digest: d,
				Status: &statuspb.Status{Code: int32(code.Code_NOT_FOUND), Message: err.Error()},
			}
			continue
		}
		resp.Responses[i] = &pb.BatchReadBlobsResponse_Response{
			Digest: d,
			Data:   data,
			Status: &statuspb.Status{Code: int32(code.Code_OK)},
		}
	}
	return resp, nil
}

func (s *Server) readBlob(d model.Digest) ([]byte, error) {
	if p := s.Store.BlobPath(d, false); p != "" {
		return readFile(p)
	}
	if p := s.Store.BlobPath(d, true); p != "" {
		return readFile(p)
	}
	return nil, fmt.Errorf("casserver: blob %s not found", d)
}

// GetTree implements the recursive directory listing RPC: in compatible
// mode a stored tree payload already IS a marshalled Directory message
// (internal/digest.CanonicalCompatibleTree), so this just walks the tree
// and streams each node back, following the teacher's pattern of keeping
// wire framing as close to the on-disk payload as possible.
func (s *Server) GetTree(req *pb.GetTreeRequest, stream pb.ContentAddressableStorage_GetTreeServer) error {
	if err := s.checkInstance(req.InstanceName); err != nil {
		return err
	}
	if s.DigestCtx.Mode() != digest.Compatible {
		return fmt.Errorf("casserver: GetTree requires compatible hash mode")
	}
	root := model.Digest{Hash: req.RootDigest.Hash, SizeBytes: req.RootDigest.SizeBytes}
	var dirs []*pb.Directory
	if err := s.collectTree(root, &dirs); err != nil {
		return err
	}
	return stream.Send(&pb.GetTreeResponse{Directories: dirs})
}

func (s *Server) collectTree(d model.Digest, out *[]*pb.Directory) error {
	p := s.Store.TreePath(d)
	if p == "" {
		return fmt.Errorf("casserver: tree %s not found", d)
	}
	payload, err := readFile(p)
	if err != nil {
		return err
	}
	dir := &pb.Directory{}
	if err := proto.Unmarshal(payload, dir); err != nil {
		return fmt.Errorf("casserver: decoding tree %s: %w", d, err)
	}
	*out = append(*out, dir)
	for _, child := range dir.Directories {
		if err := s.collectTree(model.Digest{Hash: child.Digest.Hash, SizeBytes: child.Digest.SizeBytes}, out); err != nil {
			return err
		}
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Read implements the ByteStream download path, chunking the object back
// to the client the way internal/rexec.Client.DownloadStream expects.
func (s *Server) Read(req *bs.ReadRequest, stream bs.ByteStream_ReadServer) error {
	d, isTree, err := parseResourceName(req.ResourceName)
	if err != nil {
		return err
	}
	var path string
	if isTree {
		path = s.Store.TreePath(d)
	} else {
		path = s.Store.BlobPath(d, false)
		if path == "" {
			path = s.Store.BlobPath(d, true)
		}
	}
	if path == "" {
		return fmt.Errorf("casserver: object %s not found", d)
	}
	data, err := readFile(path)
	if err != nil {
		return err
	}
	offset := req.ReadOffset
	if offset < 0 || offset > int64(len(data)) {
		return fmt.Errorf("casserver: invalid read offset %d for %d-byte object", offset, len(data))
	}
	data = data[offset:]
	if req.ReadLimit > 0 && int64(len(data)) > req.ReadLimit {
		data = data[:req.ReadLimit]
	}
	const chunk = 128 * 1024
	for len(data) > 0 {
		n := chunk
		if n > len(data) {
			n = len(data)
		}
		if err := stream.Send(&bs.ReadResponse{Data: data[:n]}); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Write implements the ByteStream upload path: the client streams chunks
// keyed by resource name until FinishWrite, mirroring
// internal/rexec.Client.writeFrom in reverse.
func (s *Server) Write(stream bs.ByteStream_WriteServer) error {
	var name string
	var buf []byte
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if name == "" {
			name = req.ResourceName
		}
		buf = append(buf, req.Data...)
		if req.FinishWrite {
			break
		}
	}
	if _, err := s.Store.StoreBlob(buf, false); err != nil {
		return err
	}
	return stream.SendAndClose(&bs.WriteResponse{CommittedSize: int64(len(buf))})
}

// QueryWriteStatus always reports no partial write on record: this
// server's Write accumulates the whole payload in memory before
// committing, so there is never a resumable partial upload to report.
func (s *Server) QueryWriteStatus(ctx context.Context, req *bs.QueryWriteStatusRequest) (*bs.QueryWriteStatusResponse, error) {
	return &bs.QueryWriteStatusResponse{CommittedSize: 0, Complete: false}, nil
}

// parseResourceName extracts the digest (and whether the resource names a
// tree) out of a ByteStream resource name of the shape
// "[instance/]blobs/<hash>/<size>" or "[instance/]uploads/<uuid>/blobs/<hash>/<size>".
// This server has no separate tree-addressed resource space: trees and
// blobs share the hash/size naming, disambiguated by which shard actually
// holds the digest.
func parseResourceName(name string) (model.Digest, bool, error) {
	parts := splitNonEmpty(name, '/')
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "blobs" {
			var size int64
			if _, err := fmt.Sscanf(parts[i+2], "%d", &size); err != nil {
				return model.Digest{}, false, fmt.Errorf("casserver: malformed resource name %q: %w", name, err)
			}
			return model.Digest{Hash: parts[i+1], SizeBytes: size}, false, nil
		}
	}
	return model.Digest{}, false, fmt.Errorf("casserver: malformed resource name %q", name)
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

package casserver

import (
	"context"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/forgebuild/forge/internal/model"
)

// GetActionResult implements the server side of
// internal/rexec.Client.GetActionResult: an AC miss is NOT_FOUND, matching
// what that client already expects.
func (s *Server) GetActionResult(ctx context.Context, req *pb.GetActionResultRequest) (*pb.ActionResult, error) {
	if err := s.checkInstance(req.InstanceName); err != nil {
		return nil, err
	}
	d := model.Digest{Hash: req.ActionDigest.Hash, SizeBytes: req.ActionDigest.SizeBytes}
	result, ok, err := s.ActionCache.Get(ctx, d)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if !ok {
		return nil, status.Error(codes.NotFound, "action not in cache")
	}
	return toProtoActionResult(result), nil
}

// UpdateActionResult implements the AC write path; this server never
// refuses writes (spec §4.3's CacheWritable capability is always true for
// casserver instances, unlike a production REAPI endpoint that may be
// read-only).
func (s *Server) UpdateActionResult(ctx context.Context, req *pb.UpdateActionResultRequest) (*pb.ActionResult, error) {
	if err := s.checkInstance(req.InstanceName); err != nil {
		return nil, err
	}
	d := model.Digest{Hash: req.ActionDigest.Hash, SizeBytes: req.ActionDigest.SizeBytes}
	result := fromProtoActionResult(req.ActionResult)
	if err := s.ActionCache.Put(ctx, d, result); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return req.ActionResult, nil
}

func toProtoActionResult(r *model.ActionResult) *pb.ActionResult {
	out := &pb.ActionResult{ExitCode: r.ExitCode}
	if r.StdoutDigest.Hash != "" {
		out.StdoutDigest = &pb.Digest{Hash: r.StdoutDigest.Hash, SizeBytes: r.StdoutDigest.SizeBytes}
	}
	if r.StderrDigest.Hash != "" {
		out.StderrDigest = &pb.Digest{Hash: r.StderrDigest.Hash, SizeBytes: r.StderrDigest.SizeBytes}
	}
	for path, d := range r.OutputFileDigests {
		out.OutputFiles = append(out.OutputFiles, &pb.OutputFile{Path: path, Digest: &pb.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}})
	}
	for path, d := range r.OutputDirDigests {
		out.OutputDirectories = append(out.OutputDirectories, &pb.OutputDirectory{Path: path, TreeDigest: &pb.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}})
	}
	for path, target := range r.OutputSymlinks {
		out.OutputSymlinks = append(out.OutputSymlinks, &pb.OutputSymlink{Path: path, Target: target})
	}
	return out
}

func fromProtoActionResult(r *pb.ActionResult) *model.ActionResult {
	out := &model.ActionResult{
		OutputFileDigests: map[string]model.Digest{},
		OutputDirDigests:  map[string]model.Digest{},
		OutputSymlinks:    map[string]string{},
	}
	if r == nil {
		return out
	}
	out.ExitCode = r.ExitCode
	if r.StdoutDigest != nil {
		out.StdoutDigest = model.Digest{Hash: r.StdoutDigest.Hash, SizeBytes: r.StdoutDigest.SizeBytes}
	}
	if r.StderrDigest != nil {
		out.StderrDigest = model.Digest{Hash: r.StderrDigest.Hash, SizeBytes: r.StderrDigest.SizeBytes}
	}
	for _, f := range r.OutputFiles {
		out.OutputFileDigests[f.Path] = model.Digest{Hash: f.Digest.Hash, SizeBytes: f.Digest.SizeBytes}
	}
	for _, d := range r.OutputDirectories {
		if d.TreeDigest != nil {
			out.OutputDirDigests[d.Path] = model.Digest{Hash: d.TreeDigest.Hash, SizeBytes: d.TreeDigest.SizeBytes}
		}
	}
	for _, sy := range r.OutputSymlinks {
		out.OutputSymlinks[sy.Path] = sy.Target
	}
	return out
}

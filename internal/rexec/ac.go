package rexec

import (
	"context"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/retry"
)

// GetActionResult looks up actionDigest in the remote action cache. A
// NOT_FOUND status is a cache miss, logged at debug (spec §4.4); any other
// status propagates through the retry wrapper.
func (c *Client) GetActionResult(ctx context.Context, actionDigest model.Digest) (*model.ActionResult, bool, error) {
	var resp *pb.ActionResult
	err := retry.Do(ctx, c.retryCfg, "GetActionResult", func(ctx context.Context, attempt int) retry.Result {
		rctx, cancel := context.WithTimeout(ctx, reqTimeout)
		defer cancel()
		var err error
		resp, err = c.ac.GetActionResult(rctx, &pb.GetActionResultRequest{
			InstanceName: c.instance,
			ActionDigest: toProtoDigest(actionDigest),
		})
		if status.Code(err) == codes.NotFound {
			log.Debug("rexec: action %s not in remote cache", actionDigest)
			return retry.Result{OK: true}
		}
		return classify(err)
	})
	if err != nil {
		return nil, false, err
	}
	if resp == nil {
		return nil, false, nil
	}
	return fromProtoActionResult(resp), true, nil
}

// UpdateActionResult writes result to the remote action cache under
// actionDigest, if the endpoint's capabilities allow cache writes.
func (c *Client) UpdateActionResult(ctx context.Context, actionDigest model.Digest, result *model.ActionResult) error {
	if !c.CacheWritable() {
		return nil
	}
	return retry.Do(ctx, c.retryCfg, "UpdateActionResult", func(ctx context.Context, attempt int) retry.Result {
		rctx, cancel := context.WithTimeout(ctx, reqTimeout)
		defer cancel()
		_, err := c.ac.UpdateActionResult(rctx, &pb.UpdateActionResultRequest{
			InstanceName: c.instance,
			ActionDigest: toProtoDigest(actionDigest),
			ActionResult: toProtoActionResult(result),
		})
		return classify(err)
	})
}

func toProtoActionResult(r *model.ActionResult) *pb.ActionResult {
	out := &pb.ActionResult{
		ExitCode: r.ExitCode,
	}
	if r.StdoutDigest.Hash != "" {
		out.StdoutDigest = toProtoDigest(r.StdoutDigest)
	}
	if r.StderrDigest.Hash != "" {
		out.StderrDigest = toProtoDigest(r.StderrDigest)
	}
	for path, d := range r.OutputFileDigests {
		out.OutputFiles = append(out.OutputFiles, &pb.OutputFile{Path: path, Digest: toProtoDigest(d)})
	}
	for path, d := range r.OutputDirDigests {
		out.OutputDirectories = append(out.OutputDirectories, &pb.OutputDirectory{Path: path, TreeDigest: toProtoDigest(d)})
	}
	for path, target := range r.OutputSymlinks {
		out.OutputSymlinks = append(out.OutputSymlinks, &pb.OutputSymlink{Path: path, Target: target})
	}
	return out
}

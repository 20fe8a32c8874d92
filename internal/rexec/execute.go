package rexec

import (
	"context"
	"fmt"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/retry"
)

// Progress is a callback invoked as a remote execution advances through
// REAPI's stage metadata, used by internal/progress to drive its waiter
// (spec §4.11).
type Progress func(stage pb.ExecutionStage_Value)

// Execute dispatches digest for remote execution and blocks until it
// completes, following the operation stream per spec §4.5. On a mid-stream
// disconnect it falls back to WaitExecution to rejoin the same operation,
// which the teacher's implementation explicitly left as a TODO
// (src/remote/remote.go's execute) — spec §4.5 requires it, so this is one
// of the supplemented behaviours.
func (c *Client) Execute(ctx context.Context, digest model.Digest, timeout time.Duration, onProgress Progress) (*model.ActionResult, error) {
	if !c.ExecutionEnabled() {
		return nil, fmt.Errorf("rexec: remote execution not enabled by endpoint capabilities")
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result *model.ActionResult
	err := retry.Do(rctx, c.retryCfg, "Execute", func(ctx context.Context, attempt int) retry.Result {
		stream, err := c.exec.Execute(ctx, &pb.ExecuteRequest{
			InstanceName: c.instance,
			ActionDigest: toProtoDigest(digest),
		})
		if err != nil {
			return classifyExecute(err)
		}
		var opName string
		var dErr error
		result, opName, dErr = c.drainOperationStream(stream, onProgress)
		if dErr == errStreamBroken && opName != "" {
			result, dErr = c.waitExecution(ctx, opName, onProgress)
		}
		return classifyExecute(dErr)
	})
	return result, err
}

var errStreamBroken = fmt.Errorf("rexec: execution stream broken")

type operationStream interface {
	Recv() (*longrunning.Operation, error)
}

func (c *Client) drainOperationStream(stream operationStream, onProgress Progress) (*model.ActionResult, string, error) {
	var opName string
	for {
		op, err := stream.Recv()
		if err != nil {
			if opName != "" {
				return nil, opName, errStreamBroken
			}
			return nil, "", fmt.Errorf("rexec: receiving operation update: %w", err)
		}
		opName = op.Name
		meta := &pb.ExecuteOperationMetadata{}
		if op.Metadata != nil {
			if err := op.Metadata.UnmarshalTo(meta); err == nil && onProgress != nil {
				onProgress(meta.Stage)
			}
		}
		if !op.Done {
			continue
		}
		return c.decodeOperationResult(op)
	}
}

func (c *Client) waitExecution(ctx context.Context, opName string, onProgress Progress) (*model.ActionResult, error) {
	stream, err := c.exec.WaitExecution(ctx, &pb.WaitExecutionRequest{Name: opName})
	if err != nil {
		return nil, fmt.Errorf("rexec: rejoining operation %s: %w", opName, err)
	}
	result, _, err := c.drainOperationStream(stream, onProgress)
	return result, err
}

func (c *Client) decodeOperationResult(op *longrunning.Operation) (*model.ActionResult, string, error) {
	if opErr := op.GetError(); opErr != nil {
		return nil, op.Name, fmt.Errorf("rexec: %s", opErr.GetMessage())
	}
	anyResp := op.GetResponse()
	if anyResp == nil {
		return nil, op.Name, fmt.Errorf("rexec: operation %s done with no response", op.Name)
	}
	resp := &pb.ExecuteResponse{}
	if err := anyResp.UnmarshalTo(resp); err != nil {
		return nil, op.Name, fmt.Errorf("rexec: decoding ExecuteResponse: %w", err)
	}
	if resp.Status != nil && resp.Status.Code != int32(codes.OK) && resp.Result == nil {
		return nil, op.Name, fmt.Errorf("rexec: %s", resp.Status.Message)
	}
	result := fromProtoActionResult(resp.Result)
	result.Cached = resp.CachedResult
	if resp.Status != nil && resp.Status.Code != int32(codes.OK) {
		return result, op.Name, fmt.Errorf("rexec: %s", resp.Status.Message)
	}
	return result, op.Name, nil
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
		out.StdoutDigest = fromProtoDigest(r.StdoutDigest)
	}
	if r.StderrDigest != nil {
		out.StderrDigest = fromProtoDigest(r.StderrDigest)
	}
	for _, f := range r.OutputFiles {
		out.OutputFileDigests[f.Path] = fromProtoDigest(f.Digest)
	}
	for _, d := range r.OutputDirectories {
		if d.TreeDigest != nil {
			out.OutputDirDigests[d.Path] = fromProtoDigest(d.TreeDigest)
		}
	}
	for _, s := range r.OutputSymlinks {
		out.OutputSymlinks[s.Path] = s.Target
	}
	return out
}

// classifyExecute maps Execute/WaitExecution failures onto retry's
// transient/fatal split: FAILED_PRECONDITION (spec §4.5's "missing input
// blob" signal) is fatal from the scheduler's point of view, since retrying
// without first re-uploading inputs will never succeed.
func classifyExecute(err error) retry.Result {
	if err == nil {
		return retry.Result{OK: true}
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return retry.Result{Err: err}
	case codes.FailedPrecondition:
		return retry.Result{Fatal: true, Err: fmt.Errorf("rexec: missing input blob: %w", err)}
	default:
		return retry.Result{Fatal: true, Err: err}
	}
}

package casserver

import (
	"fmt"
	"sync"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"google.golang.org/genproto/googleapis/longrunning"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/forgebuild/forge/internal/model"
)

// operationTable remembers the terminal Operation for every action this
// server has executed, so a WaitExecution call that arrives after Execute
// already finished still gets a result (mirroring the "operation already
// done" branch of internal/rexec.Client.drainOperationStream).
type operationTable struct {
	mu  sync.Mutex
	ops map[string]*longrunning.Operation
}

func newOperationTable() *operationTable {
	return &operationTable{ops: map[string]*longrunning.Operation{}}
}

func (t *operationTable) put(op *longrunning.Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops[op.Name] = op
}

func (t *operationTable) get(name string) (*longrunning.Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[name]
	return op, ok
}

// Execute runs req's action synchronously via s.Executor and streams back
// a single terminal Operation, the simplest implementation of REAPI's
// Execute RPC that still satisfies internal/rexec.Client's stream-then-
// WaitExecution protocol: this server never reports intermediate QUEUED/
// EXECUTING stages, since its executor has no queueing step of its own.
func (s *Server) Execute(req *pb.ExecuteRequest, stream pb.Execution_ExecuteServer) error {
	if err := s.checkInstance(req.InstanceName); err != nil {
		return err
	}
	if s.Executor == nil {
		return fmt.Errorf("casserver: execution not enabled on this endpoint")
	}
	opName := uuid.NewString()

	actionDigest := model.Digest{Hash: req.ActionDigest.Hash, SizeBytes: req.ActionDigest.SizeBytes}
	action, err := s.loadAction(actionDigest)
	if err != nil {
		return err
	}

	result, execErr := s.Executor.Execute(stream.Context(), action)
	op, err := s.buildOperation(opName, result, execErr)
	if err != nil {
		return err
	}
	s.ops.put(op)
	return stream.Send(op)
}

// WaitExecution rejoins an operation Execute already completed, the one
// path this single-worker server needs for the fallback
// internal/rexec.Client.Execute takes on a broken stream.
func (s *Server) WaitExecution(req *pb.WaitExecutionRequest, stream pb.Execution_WaitExecutionServer) error {
	op, ok := s.ops.get(req.Name)
	if !ok {
		return fmt.Errorf("casserver: unknown operation %s", req.Name)
	}
	return stream.Send(op)
}

// loadAction reconstructs a model.Action from the wire Command/Action
// messages already uploaded to this server's CAS, the inverse of
// internal/rexec.BuildAction/BuildCommand.
func (s *Server) loadAction(actionDigest model.Digest) (*model.Action, error) {
	data, err := s.readBlob(actionDigest)
	if err != nil {
		return nil, fmt.Errorf("casserver: loading action %s: %w", actionDigest, err)
	}
	pbAction := &pb.Action{}
	if err := proto.Unmarshal(data, pbAction); err != nil {
		return nil, fmt.Errorf("casserver: decoding action %s: %w", actionDigest, err)
	}
	cmdDigest := model.Digest{Hash: pbAction.CommandDigest.Hash, SizeBytes: pbAction.CommandDigest.SizeBytes}
	cmdData, err := s.readBlob(cmdDigest)
	if err != nil {
		return nil, fmt.Errorf("casserver: loading command %s: %w", cmdDigest, err)
	}
	pbCmd := &pb.Command{}
	if err := proto.Unmarshal(cmdData, pbCmd); err != nil {
		return nil, fmt.Errorf("casserver: decoding command %s: %w", cmdDigest, err)
	}
	env := map[string]string{}
	for _, e := range pbCmd.EnvironmentVariables {
		env[e.Name] = e.Value
	}
	var props []model.Property
	if pbCmd.Platform != nil {
		for _, p := range pbCmd.Platform.Properties {
			props = append(props, model.Property{Name: p.Name, Value: p.Value})
		}
	}
	a := &model.Action{
		Command:            pbCmd.Arguments,
		Env:                env,
		InputRootDigest:    model.Digest{Hash: pbAction.InputRootDigest.Hash, SizeBytes: pbAction.InputRootDigest.SizeBytes},
		OutputFiles:        pbCmd.OutputFiles,
		OutputDirs:         pbCmd.OutputDirectories,
		PlatformProperties: props,
		DoNotCache:         pbAction.DoNotCache,
	}
	if pbAction.Timeout != nil {
		a.Timeout = pbAction.Timeout.AsDuration()
	}
	return a, nil
}

func (s *Server) buildOperation(name string, result *model.ActionResult, execErr error) (*longrunning.Operation, error) {
	op := &longrunning.Operation{Name: name, Done: true}
	resp := &pb.ExecuteResponse{Status: &rpcstatus.Status{Code: int32(codes.OK)}}
	if execErr != nil {
		resp.Status = &rpcstatus.Status{Code: int32(codes.Internal), Message: execErr.Error()}
	}
	if result != nil {
		resp.Result = toProtoActionResult(result)
		resp.CachedResult = result.Cached
	}
	any, err := anypb.New(resp)
	if err != nil {
		return nil, fmt.Errorf("casserver: packing ExecuteResponse: %w", err)
	}
	op.Result = &longrunning.Operation_Response{Response: any}
	return op, nil
}

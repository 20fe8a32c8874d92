package rexec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/forgebuild/forge/internal/model"
)

// protocolDigest computes the digest of a protocol message the way REAPI
// itself requires: independent of the engine's own native/compatible hash
// mode (internal/digest), since the wire Action/Command/Directory digests
// always use whatever digest function the remote endpoint's capabilities
// negotiated. Capabilities negotiation here only ever selects SHA256,
// the only function every server in the pack's ecosystem is required to
// support, so we hardcode it rather than threading DigestFunction through
// every call site.
func protocolDigest(msg proto.Message) (*pb.Digest, []byte, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("rexec: marshalling %T: %w", msg, err)
	}
	sum := sha256.Sum256(b)
	return &pb.Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(b))}, b, nil
}

// BuildCommand translates a model.Action into the wire Command message
// (spec §4.3/§4.5 bridge between the engine's own Action and REAPI's).
func BuildCommand(a *model.Action) *pb.Command {
	env := make([]*pb.Command_EnvironmentVariable, 0, len(a.Env))
	keys := make([]string, 0, len(a.Env))
	for k := range a.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, &pb.Command_EnvironmentVariable{Name: k, Value: a.Env[k]})
	}
	props := make([]*pb.Platform_Property, len(a.PlatformProperties))
	for i, p := range a.PlatformProperties {
		props[i] = &pb.Platform_Property{Name: p.Name, Value: p.Value}
	}
	outputPaths := append(append([]string{}, a.OutputFiles...), a.OutputDirs...)
	sort.Strings(outputPaths)
	return &pb.Command{
		Arguments:            a.Command,
		EnvironmentVariables: env,
		OutputFiles:          a.OutputFiles,
		OutputDirectories:    a.OutputDirs,
		OutputPaths:          outputPaths,
		Platform:             &pb.Platform{Properties: props},
	}
}

// UploadedAction holds a built command/action pair along with the blobs
// that must be present in CAS before the action can be dispatched.
type UploadedAction struct {
	Command       *pb.Command
	CommandDigest model.Digest
	ActionDigest  model.Digest
	Blobs         []Blob
}

// BuildAction constructs the wire Command and Action messages for a, and
// collects the blobs (command, action) that need uploading alongside the
// already-uploaded input root. It does not perform the upload itself,
// mirroring the teacher's buildAction/uploadAction split (src/remote/action.go)
// so callers can batch this together with input-tree uploads.
func BuildAction(a *model.Action) (*UploadedAction, error) {
	cmd := BuildCommand(a)
	cmdDigest, cmdBytes, err := protocolDigest(cmd)
	if err != nil {
		return nil, err
	}
	pbAction := &pb.Action{
		CommandDigest:   cmdDigest,
		InputRootDigest: &pb.Digest{Hash: a.InputRootDigest.Hash, SizeBytes: a.InputRootDigest.SizeBytes},
		DoNotCache:      a.DoNotCache,
	}
	if a.Timeout > 0 {
		pbAction.Timeout = durationpb.New(a.Timeout)
	}
	actionDigest, actionBytes, err := protocolDigest(pbAction)
	if err != nil {
		return nil, err
	}
	return &UploadedAction{
		Command:       cmd,
		CommandDigest: fromProtoDigest(cmdDigest),
		ActionDigest:  fromProtoDigest(actionDigest),
		Blobs: []Blob{
			{Digest: fromProtoDigest(cmdDigest), Data: cmdBytes},
			{Digest: fromProtoDigest(actionDigest), Data: actionBytes},
		},
	}, nil
}

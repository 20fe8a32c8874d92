package digest

import (
	"encoding/json"
	"fmt"
	"sort"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/forgebuild/forge/internal/model"
)

// ActionDigest computes spec §3's "action digest": the digest of a's
// canonical serialization once its InputRootDigest is resolved. This is
// the key the scheduler uses against the action cache; it is distinct
// from internal/dag's bookkeeping actionID, which exists before an input
// root can be computed and never changes hash mode.
//
// Native mode hashes a stable JSON shadow of the action (spec §3: "native:
// a stable JSON"). Compatible mode hashes the protocol Command/Action
// messages (spec §3: "compatible: the protocol Action message"), matching
// the wire digest internal/rexec computes for the same action so a local
// AC hit and a remote AC hit always agree on key.
func (c *Context) ActionDigest(a *model.Action) (model.Digest, error) {
	if c.mode == Compatible {
		return c.compatibleActionDigest(a)
	}
	return c.nativeActionDigest(a)
}

type canonicalAction struct {
	Command            []string          `json:"command"`
	Env                []canonicalEnvVar `json:"env"`
	InputRootDigest    string            `json:"input_root_digest"`
	OutputFiles        []string          `json:"output_files"`
	OutputDirs         []string          `json:"output_dirs"`
	PlatformProperties []model.Property  `json:"platform_properties"`
	TimeoutMillis      int64             `json:"timeout_millis"`
	DoNotCache         bool              `json:"do_not_cache"`
}

type canonicalEnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (c *Context) nativeActionDigest(a *model.Action) (model.Digest, error) {
	names := make([]string, 0, len(a.Env))
	for k := range a.Env {
		names = append(names, k)
	}
	sort.Strings(names)
	env := make([]canonicalEnvVar, len(names))
	for i, n := range names {
		env[i] = canonicalEnvVar{Name: n, Value: a.Env[n]}
	}
	outFiles := append([]string(nil), a.OutputFiles...)
	outDirs := append([]string(nil), a.OutputDirs...)
	sort.Strings(outFiles)
	sort.Strings(outDirs)

	b, err := json.Marshal(canonicalAction{
		Command:            a.Command,
		Env:                env,
		InputRootDigest:    a.InputRootDigest.String(),
		OutputFiles:        outFiles,
		OutputDirs:         outDirs,
		PlatformProperties: a.PlatformProperties,
		TimeoutMillis:      a.Timeout.Milliseconds(),
		DoNotCache:         a.DoNotCache,
	})
	if err != nil {
		return model.Digest{}, fmt.Errorf("digest: marshalling action: %w", err)
	}
	return c.HashData(b), nil
}

func (c *Context) compatibleActionDigest(a *model.Action) (model.Digest, error) {
	names := make([]string, 0, len(a.Env))
	for k := range a.Env {
		names = append(names, k)
	}
	sort.Strings(names)
	env := make([]*pb.Command_EnvironmentVariable, len(names))
	for i, n := range names {
		env[i] = &pb.Command_EnvironmentVariable{Name: n, Value: a.Env[n]}
	}
	props := make([]*pb.Platform_Property, len(a.PlatformProperties))
	for i, p := range a.PlatformProperties {
		props[i] = &pb.Platform_Property{Name: p.Name, Value: p.Value}
	}
	outputPaths := append(append([]string{}, a.OutputFiles...), a.OutputDirs...)
	sort.Strings(outputPaths)
	cmd := &pb.Command{
		Arguments:            a.Command,
		EnvironmentVariables: env,
		OutputFiles:          a.OutputFiles,
		OutputDirectories:    a.OutputDirs,
		OutputPaths:          outputPaths,
		Platform:             &pb.Platform{Properties: props},
	}
	cmdBytes, err := proto.MarshalOptions{Deterministic: true}.Marshal(cmd)
	if err != nil {
		return model.Digest{}, fmt.Errorf("digest: marshalling command: %w", err)
	}
	cmdDigest := c.HashData(cmdBytes)

	action := &pb.Action{
		CommandDigest:   &pb.Digest{Hash: cmdDigest.Hash, SizeBytes: cmdDigest.SizeBytes},
		InputRootDigest: &pb.Digest{Hash: a.InputRootDigest.Hash, SizeBytes: a.InputRootDigest.SizeBytes},
		DoNotCache:      a.DoNotCache,
	}
	if a.Timeout > 0 {
		action.Timeout = durationpb.New(a.Timeout)
	}
	actionBytes, err := proto.MarshalOptions{Deterministic: true}.Marshal(action)
	if err != nil {
		return model.Digest{}, fmt.Errorf("digest: marshalling action: %w", err)
	}
	return c.HashData(actionBytes), nil
}

package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/actioncache"
	"github.com/forgebuild/forge/internal/dag"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/execapi"
	"github.com/forgebuild/forge/internal/model"
)

// fakeAPI is a minimal in-memory execapi.API, standing in for a real
// subprocess or REAPI backend so these tests exercise the scheduler's
// traversal, caching and bridging logic in isolation.
type fakeAPI struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	execute func(a *model.Action) (*model.ActionResult, error)
	runs    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{blobs: map[string][]byte{}}
}

func (f *fakeAPI) Upload(ctx context.Context, blobs []execapi.Blob, skipFindMissing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range blobs {
		f.blobs[b.Digest.Hash] = b.Data
	}
	return nil
}

func (f *fakeAPI) IsAvailable(ctx context.Context, digests []model.Digest) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(digests))
	for _, d := range digests {
		_, ok := f.blobs[d.Hash]
		out[d.Hash] = ok
	}
	return out, nil
}

func (f *fakeAPI) Execute(ctx context.Context, a *model.Action) (*model.ActionResult, error) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	return f.execute(a)
}

func (f *fakeAPI) RetrieveToPaths(ctx context.Context, objects []execapi.ObjectInfo, paths []string, fallback execapi.API) error {
	return fmt.Errorf("not implemented")
}

func (f *fakeAPI) RetrieveToWriters(ctx context.Context, objects []execapi.ObjectInfo, writers []io.Writer) error {
	return fmt.Errorf("not implemented")
}

func (f *fakeAPI) RetrieveToCAS(ctx context.Context, objects []execapi.ObjectInfo, other execapi.API) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var blobs []execapi.Blob
	for _, o := range objects {
		if data, ok := f.blobs[o.Digest.Hash]; ok {
			blobs = append(blobs, execapi.Blob{Digest: o.Digest, Data: data})
		}
	}
	return other.Upload(ctx, blobs, true)
}

func (f *fakeAPI) RetrieveToMemory(ctx context.Context, object execapi.ObjectInfo) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blobs[object.Digest.Hash], nil
}

// chainResolver builds a two-action chain: actionA (source "in.txt" ->
// "out.txt") feeding actionB ("out.txt" -> "final.txt").
type chainResolver struct{}

var outAPlaceholder = &model.Artifact{Kind: model.ActionOutput, ActionID: "placeholder-a", OutputPath: "out.txt", OutputType: model.File}
var srcArtifact = &model.Artifact{Kind: model.LocalSource, RepoRelativePath: "in.txt"}

func (r *chainResolver) Resolve(a *model.Artifact) (dag.Resolution, error) {
	switch {
	case a.Kind == model.LocalSource && a.RepoRelativePath == "in.txt":
		return dag.Resolution{}, nil
	case a.Kind == model.ActionOutput && a.ActionID == "placeholder-a" && a.OutputPath == "out.txt":
		return dag.Resolution{
			Action: &model.Action{
				Command:     []string{"build-a"},
				OutputFiles: []string{"out.txt"},
			},
			Inputs: []dag.InputSpec{{Path: "in.txt", Artifact: srcArtifact}},
		}, nil
	case a.Kind == model.ActionOutput && a.ActionID == "placeholder-b" && a.OutputPath == "final.txt":
		return dag.Resolution{
			Action: &model.Action{
				Command:     []string{"build-b"},
				OutputFiles: []string{"final.txt"},
			},
			Inputs: []dag.InputSpec{{Path: "out.txt", Artifact: outAPlaceholder}},
		}, nil
	default:
		return dag.Resolution{}, fmt.Errorf("unexpected artifact %+v", a)
	}
}

func buildChainGraph(t *testing.T) (*dag.Graph, *dag.ArtifactNode) {
	t.Helper()
	graph := dag.NewGraph()
	resolver := &chainResolver{}
	builder := dag.NewBuilder(graph, resolver)
	goal := &model.Artifact{Kind: model.ActionOutput, ActionID: "placeholder-b", OutputPath: "final.txt", OutputType: model.File}
	node, err := builder.AddGoal(goal)
	require.NoError(t, err)
	require.NotNil(t, node.Builder)
	return graph, node
}

func newTestDigestContext() *digest.Context {
	return digest.NewContext(digest.Compatible)
}

func TestSchedulerRunsChainInOrder(t *testing.T) {
	graph, goal := buildChainGraph(t)
	dctx := newTestDigestContext()
	local := newFakeAPI()

	sourceContent := []byte("hello source")
	sourceDigest := dctx.HashData(sourceContent)
	local.blobs[sourceDigest.Hash] = sourceContent

	local.execute = func(a *model.Action) (*model.ActionResult, error) {
		switch a.Command[0] {
		case "build-a":
			content := []byte("built by a")
			d := dctx.HashData(content)
			local.mu.Lock()
			local.blobs[d.Hash] = content
			local.mu.Unlock()
			return &model.ActionResult{OutputFileDigests: map[string]model.Digest{"out.txt": d}}, nil
		case "build-b":
			content := []byte("built by b")
			d := dctx.HashData(content)
			local.mu.Lock()
			local.blobs[d.Hash] = content
			local.mu.Unlock()
			return &model.ActionResult{OutputFileDigests: map[string]model.Digest{"final.txt": d}}, nil
		}
		return nil, fmt.Errorf("unexpected command %v", a.Command)
	}

	sched := New(graph, Options{
		Jobs:   2,
		Local:  local,
		Digest: dctx,
		Source: func(path string) (model.Digest, model.ObjectType, error) {
			if path != "in.txt" {
				return model.Digest{}, 0, fmt.Errorf("unknown source %q", path)
			}
			return sourceDigest, model.File, nil
		},
	})

	result, err := sched.Run(context.Background(), []*dag.ArtifactNode{goal})
	require.NoError(t, err)
	assert.Len(t, result.Outcomes, 2)
	assert.Equal(t, 2, local.runs)
	for _, o := range result.Outcomes {
		assert.NoError(t, o.Err)
	}
}

func TestSchedulerCacheHitSkipsExecution(t *testing.T) {
	graph, goal := buildChainGraph(t)
	dctx := newTestDigestContext()
	local := newFakeAPI()

	sourceContent := []byte("hello source")
	sourceDigest := dctx.HashData(sourceContent)
	local.blobs[sourceDigest.Hash] = sourceContent

	onDisk, err := actioncache.NewLocal(t.TempDir())
	require.NoError(t, err)
	tiered := &actioncache.Tiered{Local: onDisk}

	local.execute = func(a *model.Action) (*model.ActionResult, error) {
		content := []byte("content-" + a.Command[0])
		d := dctx.HashData(content)
		local.blobs[d.Hash] = content
		outputName := a.OutputFiles[0]
		return &model.ActionResult{OutputFileDigests: map[string]model.Digest{outputName: d}}, nil
	}

	opts := Options{
		Jobs:   1,
		Local:  local,
		Digest: dctx,
		Cache:  tiered,
		Source: func(path string) (model.Digest, model.ObjectType, error) {
			return sourceDigest, model.File, nil
		},
	}

	first := New(graph, opts)
	_, err = first.Run(context.Background(), []*dag.ArtifactNode{goal})
	require.NoError(t, err)
	firstRuns := local.runs

	graph2, goal2 := buildChainGraph(t)
	second := New(graph2, opts)
	_, err = second.Run(context.Background(), []*dag.ArtifactNode{goal2})
	require.NoError(t, err)

	assert.Equal(t, firstRuns, local.runs, "second run should be entirely served from the action cache")
}

func TestSchedulerPropagatesExecutionFailure(t *testing.T) {
	graph, goal := buildChainGraph(t)
	dctx := newTestDigestContext()
	local := newFakeAPI()
	local.blobs[dctx.HashData([]byte("hello source")).Hash] = []byte("hello source")

	local.execute = func(a *model.Action) (*model.ActionResult, error) {
		if a.Command[0] == "build-a" {
			return nil, fmt.Errorf("boom")
		}
		return &model.ActionResult{OutputFileDigests: map[string]model.Digest{"final.txt": dctx.HashData([]byte("x"))}}, nil
	}

	sched := New(graph, Options{
		Jobs:   1,
		Local:  local,
		Digest: dctx,
		Source: func(path string) (model.Digest, model.ObjectType, error) {
			return dctx.HashData([]byte("hello source")), model.File, nil
		},
	})

	_, err := sched.Run(context.Background(), []*dag.ArtifactNode{goal})
	require.Error(t, err)
}

func TestSchedulerRebuildDetectsFlakiness(t *testing.T) {
	graph, goal := buildChainGraph(t)
	dctx := newTestDigestContext()
	local := newFakeAPI()
	local.blobs[dctx.HashData([]byte("hello source")).Hash] = []byte("hello source")

	call := 0
	local.execute = func(a *model.Action) (*model.ActionResult, error) {
		call++
		content := []byte(fmt.Sprintf("run-%d-%s", call, a.Command[0]))
		d := dctx.HashData(content)
		local.blobs[d.Hash] = content
		return &model.ActionResult{OutputFileDigests: map[string]model.Digest{a.OutputFiles[0]: d}}, nil
	}

	sched := New(graph, Options{
		Jobs:    1,
		Local:   local,
		Digest:  dctx,
		Rebuild: true,
		Source: func(path string) (model.Digest, model.ObjectType, error) {
			return dctx.HashData([]byte("hello source")), model.File, nil
		},
	})

	result, err := sched.Run(context.Background(), []*dag.ArtifactNode{goal})
	require.NoError(t, err)
	assert.Len(t, result.Outcomes, 2)
	assert.Equal(t, 4, local.runs, "rebuild mode should re-run every action once more")
}

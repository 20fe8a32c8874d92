package serve

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/execapi"
	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/retry"
	"github.com/forgebuild/forge/internal/targetcache"
)

// fakeAPI is a minimal execapi.API for this package's tests: only
// IsAvailable and RetrieveToCAS are exercised by the serve server.
type fakeAPI struct {
	blobs map[string]model.Digest
}

func (f *fakeAPI) Upload(ctx context.Context, blobs []execapi.Blob, skipFindMissing bool) error {
	for _, b := range blobs {
		f.blobs[b.Digest.Hash] = b.Digest
	}
	return nil
}

func (f *fakeAPI) IsAvailable(ctx context.Context, digests []model.Digest) (map[string]bool, error) {
	out := make(map[string]bool, len(digests))
	for _, d := range digests {
		_, ok := f.blobs[d.Hash]
		out[d.Hash] = ok
	}
	return out, nil
}

func (f *fakeAPI) Execute(ctx context.Context, a *model.Action) (*model.ActionResult, error) {
	return nil, nil
}

func (f *fakeAPI) RetrieveToPaths(ctx context.Context, objects []execapi.ObjectInfo, paths []string, fallback execapi.API) error {
	return nil
}

func (f *fakeAPI) RetrieveToWriters(ctx context.Context, objects []execapi.ObjectInfo, writers []io.Writer) error {
	return nil
}

func (f *fakeAPI) RetrieveToCAS(ctx context.Context, objects []execapi.ObjectInfo, other execapi.API) error {
	o := other.(*fakeAPI)
	for _, obj := range objects {
		o.blobs[obj.Digest.Hash] = obj.Digest
	}
	return nil
}

func (f *fakeAPI) RetrieveToMemory(ctx context.Context, object execapi.ObjectInfo) ([]byte, error) {
	return nil, nil
}

func testRetryConfig() retry.Config {
	return retry.Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxAttempts: 1}
}

func newTestServer(t *testing.T) (*httptest.Server, *Server, *fakeAPI) {
	t.Helper()
	local := &fakeAPI{blobs: map[string]model.Digest{}}
	cache, err := targetcache.New(t.TempDir(), local, nil)
	require.NoError(t, err)
	srv := &Server{
		RemoteExecutionAddress: "exec.internal:443",
		Compatible:             true,
		TargetCache:            cache,
		Local:                  local,
		SourceTrees: StaticSourceTrees{
			Commits: map[string]model.Digest{
				"deadbeef/": {Hash: "treehash", SizeBytes: 42},
			},
		},
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, srv, local
}

func TestClientConfigurationRoundTrip(t *testing.T) {
	ts, _, _ := newTestServer(t)
	c := NewClient(ts.URL, ts.Client(), testRetryConfig())

	ok, err := c.CheckServeRemoteExecution(context.Background(), "exec.internal:443")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.CheckServeRemoteExecution(context.Background(), "other:443")
	require.NoError(t, err)
	assert.False(t, ok)

	compat, err := c.IsCompatible(context.Background())
	require.NoError(t, err)
	assert.True(t, compat)
}

func TestClientServeCommitTree(t *testing.T) {
	ts, _, _ := newTestServer(t)
	c := NewClient(ts.URL, ts.Client(), testRetryConfig())

	out, err := c.ServeCommitTree(context.Background(), "deadbeef", "", false)
	require.NoError(t, err)
	assert.True(t, out.Found)
	assert.Equal(t, "treehash", out.Tree.Hash)

	out, err = c.ServeCommitTree(context.Background(), "unknown-commit", "", false)
	require.NoError(t, err)
	assert.False(t, out.Found)
}

func TestClientCheckRootTree(t *testing.T) {
	ts, _, local := newTestServer(t)
	c := NewClient(ts.URL, ts.Client(), testRetryConfig())

	d := model.Digest{Hash: "abc123", SizeBytes: 10}
	found, err := c.CheckRootTree(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, found)

	local.blobs[d.Hash] = d
	found, err = c.CheckRootTree(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestClientServeTarget(t *testing.T) {
	ts, srv, _ := newTestServer(t)
	c := NewClient(ts.URL, ts.Client(), testRetryConfig())

	key := targetcache.Key{Digest: model.Digest{Hash: "keyhash", SizeBytes: 3}}
	entry := &targetcache.Entry{
		Artifacts: map[string]targetcache.ArtifactRef{
			"out": {Digest: model.Digest{Hash: "outhash", SizeBytes: 5}, Type: model.File},
		},
	}
	require.NoError(t, srv.TargetCache.Write(context.Background(), key, entry, targetcache.Sync))

	gotEntry, digest, typ, found, err := c.ServeTarget(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "outhash", digest.Hash)
	assert.Equal(t, model.File, typ)
	assert.Equal(t, entry.Artifacts["out"].Digest, gotEntry.Artifacts["out"].Digest)

	_, _, _, found, err = c.ServeTarget(context.Background(), targetcache.Key{Digest: model.Digest{Hash: "missing"}})
	require.NoError(t, err)
	assert.False(t, found)
}

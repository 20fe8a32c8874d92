package actioncache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/model"
)

func TestLocalGetMissThenPutThenHit(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	d := model.Digest{Hash: "abc123", SizeBytes: 4}
	_, ok, err := l.Get(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)

	want := &model.ActionResult{ExitCode: 7, OutputFileDigests: map[string]model.Digest{"out": {Hash: "deadbeef", SizeBytes: 1}}}
	require.NoError(t, l.Put(ctx, d, want))

	got, ok, err := l.Get(ctx, d)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.ExitCode, got.ExitCode)
	assert.Equal(t, want.OutputFileDigests, got.OutputFileDigests)
	// A result read back from the cache must be flagged Cached even though
	// it wasn't when Put, so callers can distinguish a fresh execution.
	assert.True(t, got.Cached)
}

// fakeRemote is a minimal in-memory Cache standing in for the REAPI-backed
// remote AC, so Tiered's write/read policy can be tested without a server.
type fakeRemote struct {
	entries map[string]*model.ActionResult
	puts    int
}

func newFakeRemote() *fakeRemote { return &fakeRemote{entries: map[string]*model.ActionResult{}} }

func (f *fakeRemote) Get(ctx context.Context, d model.Digest) (*model.ActionResult, bool, error) {
	r, ok := f.entries[d.Hash]
	return r, ok, nil
}

func (f *fakeRemote) Put(ctx context.Context, d model.Digest, r *model.ActionResult) error {
	f.puts++
	f.entries[d.Hash] = r
	return nil
}

// TestTieredPutResultSkipsRemoteWhenFromRemoteExecution covers the write
// policy: local always gets the write, remote only when the result didn't
// already come from a remote executor (which would have written its own AC
// entry already).
func TestTieredPutResultSkipsRemoteWhenFromRemoteExecution(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	remote := newFakeRemote()
	tiered := &Tiered{Local: local, Remote: remote}
	ctx := context.Background()

	d := model.Digest{Hash: "localonly", SizeBytes: 2}
	result := &model.ActionResult{ExitCode: 0}

	require.NoError(t, tiered.PutResult(ctx, d, result, true))
	_, hitLocal, err := local.Get(ctx, d)
	require.NoError(t, err)
	assert.True(t, hitLocal)
	assert.Equal(t, 0, remote.puts, "a result that already came from remote execution must not be re-written to remote AC")

	d2 := model.Digest{Hash: "fromlocalexec", SizeBytes: 2}
	require.NoError(t, tiered.PutResult(ctx, d2, result, false))
	assert.Equal(t, 1, remote.puts, "a locally-executed result must be written to remote AC too")
}

// TestTieredGetResultTieredPrefersLocal covers the read order: local is
// consulted before remote, and the fromRemote flag reports which tier
// actually answered.
func TestTieredGetResultTieredPrefersLocal(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	remote := newFakeRemote()
	tiered := &Tiered{Local: local, Remote: remote}
	ctx := context.Background()

	d := model.Digest{Hash: "remoteonly", SizeBytes: 3}
	remote.entries[d.Hash] = &model.ActionResult{ExitCode: 42}

	got, ok, fromRemote, err := tiered.GetResultTiered(ctx, d)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, fromRemote)
	assert.Equal(t, int32(42), got.ExitCode)

	require.NoError(t, local.Put(ctx, d, &model.ActionResult{ExitCode: 1}))
	got, ok, fromRemote, err = tiered.GetResultTiered(ctx, d)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, fromRemote)
	assert.Equal(t, int32(1), got.ExitCode, "local must win once it has an entry, even if remote also has one")
}

// TestTieredGetResultMissWhenNoRemoteConfigured covers the nil-Remote case:
// a miss in local with no remote configured must report a clean miss, not
// a nil-pointer panic.
func TestTieredGetResultMissWhenNoRemoteConfigured(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	tiered := &Tiered{Local: local, Remote: nil}

	_, ok, err := tiered.GetResult(context.Background(), model.Digest{Hash: "nope"})
	require.NoError(t, err)
	assert.False(t, ok)
}

package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/model"
)

// TestHashDataIsDeterministic covers spec §8 testable property 1: hashing
// the same bytes twice, in either mode, must produce the same digest.
func TestHashDataIsDeterministic(t *testing.T) {
	for _, mode := range []Mode{Native, Compatible} {
		t.Run(mode.String(), func(t *testing.T) {
			c := NewContext(mode)
			data := []byte("hello, world")
			d1 := c.HashData(data)
			d2 := c.HashData(data)
			assert.Equal(t, d1, d2)
			assert.Equal(t, int64(len(data)), d1.SizeBytes)
		})
	}
}

func TestHashDataDiffersAcrossModes(t *testing.T) {
	data := []byte("hello, world")
	native := NewContext(Native).HashData(data)
	compatible := NewContext(Compatible).HashData(data)
	assert.NotEqual(t, native.Hash, compatible.Hash, "native (sha1+blob framing) and compatible (sha256, no framing) must diverge")
}

// TestBuildTreeNativeSymlink covers the CanonicalNativeTree symlink fix: a
// tree entry of Type Symlink must no longer make native-mode tree building
// fail, and must be stable across repeated builds.
func TestBuildTreeNativeSymlink(t *testing.T) {
	c := NewContext(Native)
	entries := []TreeEntry{
		{Name: "real.txt", Type: model.File, Digest: c.HashData([]byte("contents"))},
		{Name: "link", Type: model.Symlink, SymlinkTarget: "real.txt"},
	}
	payload1, d1, err := c.BuildTree(entries)
	require.NoError(t, err)
	payload2, d2, err := c.BuildTree(entries)
	require.NoError(t, err)
	assert.Equal(t, payload1, payload2)
	assert.Equal(t, d1, d2)

	decoded, err := c.DecodeTree(payload1)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	var sawLink bool
	for _, e := range decoded {
		if e.Name == "link" {
			sawLink = true
			assert.Equal(t, model.Symlink, e.Type)
		}
	}
	assert.True(t, sawLink)
}

// TestBuildTreeNativeSymlinkTargetChangesDigest ensures the blob digest
// computed for a symlink's target actually depends on the target string,
// not a constant placeholder.
func TestBuildTreeNativeSymlinkTargetChangesDigest(t *testing.T) {
	c := NewContext(Native)
	a := []TreeEntry{{Name: "link", Type: model.Symlink, SymlinkTarget: "a"}}
	b := []TreeEntry{{Name: "link", Type: model.Symlink, SymlinkTarget: "b"}}
	_, da, err := c.BuildTree(a)
	require.NoError(t, err)
	_, db, err := c.BuildTree(b)
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestBuildTreeCompatibleSymlinkRoundTrips(t *testing.T) {
	c := NewContext(Compatible)
	entries := []TreeEntry{
		{Name: "link", Type: model.Symlink, SymlinkTarget: "somewhere/else"},
	}
	payload, _, err := c.BuildTree(entries)
	require.NoError(t, err)
	decoded, err := c.DecodeTree(payload)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, model.Symlink, decoded[0].Type)
	assert.Equal(t, "somewhere/else", decoded[0].SymlinkTarget)
}

func TestBuildTreeNativeRejectsBadHash(t *testing.T) {
	c := NewContext(Native)
	_, _, err := c.BuildTree([]TreeEntry{{Name: "bad", Type: model.File, Digest: model.Digest{Hash: "nothex"}}})
	assert.Error(t, err)
}

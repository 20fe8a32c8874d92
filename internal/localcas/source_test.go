package localcas

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/model"
)

func TestUploadPathSingleFile(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	d, typ, err := s.UploadPath(path)
	require.NoError(t, err)
	assert.Equal(t, model.File, typ)
	assert.NotEmpty(t, s.BlobPath(d, false))
}

func TestUploadPathExecutableFile(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	d, typ, err := s.UploadPath(path)
	require.NoError(t, err)
	assert.Equal(t, model.Executable, typ)
	assert.NotEmpty(t, s.BlobPath(d, true))
}

func TestUploadPathDirectoryFoldsIntoTree(t *testing.T) {
	s := newTestStore(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("b"), 0o644))

	d, typ, err := s.UploadPath(root)
	require.NoError(t, err)
	assert.Equal(t, model.Tree, typ)
	assert.NotEmpty(t, s.TreePath(d))

	// Uploading the identical tree again must produce the same digest.
	d2, _, err := s.UploadPath(root)
	require.NoError(t, err)
	assert.Equal(t, d, d2)
}

func TestUploadPathReusesCachedDigestForUnchangedFile(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "cached.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	d1, _, err := s.UploadPath(path)
	require.NoError(t, err)

	// A second upload of the same unchanged file should hit the cached
	// digest path in UploadPath (cachedSourceDigest + Store.Has) rather
	// than rehash; the digest must come out identical either way.
	d2, _, err := s.UploadPath(path)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	b, ok := cachedSourceDigest(path, statFile(t, path))
	require.True(t, ok)
	assert.Equal(t, d1, b)
}

func statFile(t *testing.T, path string) os.FileInfo {
	t.Helper()
	info, err := os.Lstat(path)
	require.NoError(t, err)
	return info
}

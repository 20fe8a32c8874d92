package localcas

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/digest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), digest.NewContext(digest.Compatible))
	require.NoError(t, err)
	return s
}

func TestStoreBlobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello, world!")
	d, err := s.StoreBlob(data, false)
	require.NoError(t, err)

	p := s.BlobPath(d, false)
	require.NotEmpty(t, p)

	var buf bytes.Buffer
	require.NoError(t, s.DumpToStream(d, false, false, &buf))
	assert.Equal(t, data, buf.Bytes())
}

func TestStoreBlobCollisionReusesExisting(t *testing.T) {
	s := newTestStore(t)
	data := []byte("duplicate content")
	d1, err := s.StoreBlob(data, false)
	require.NoError(t, err)
	d2, err := s.StoreBlob(data, false)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestBlobPathMissingReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	d, err := s.StoreBlob([]byte("x"), false)
	require.NoError(t, err)
	d.Hash = "0000000000000000000000000000000000000000000000000000000000aa"
	assert.Empty(t, s.BlobPath(d, false))
}

func TestSpliceAndReassemble(t *testing.T) {
	s := newTestStore(t)
	data := bytes.Repeat([]byte("abcdefgh"), 400000) // > spliceChunkSize
	m, err := s.Splice(data, false)
	require.NoError(t, err)
	assert.Greater(t, len(m.Chunks), 1)

	got, err := s.Reassemble(m, false)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	back, ok, err := s.Split(m.Digest, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m.Digest, back.Digest)
}

// Package localcas implements spec §4.2: a content-addressed directory
// tree on disk, sharded by object kind and the first two hex digits of the
// hash, with atomic temp-file-then-rename writes.
//
// Grounded on the teacher's src/cache/dir_cache.go (atomic rename pattern,
// per-shard locking discipline) and the layout spec §6 prescribes directly.
package localcas

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/forgebuild/forge/internal/clog"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/model"
)

var log = clog.NewLogger("localcas")

// shard names, matching spec §6's "casf"/"casx"/"cast" directories.
const (
	shardFiles       = "casf"
	shardExecutables = "casx"
	shardTrees       = "cast"
)

// Store is a sharded, content-addressed disk store for one (hash-mode,
// protocol-version) pair. Readers never take a lock; writers take a
// per-shard exclusive lock only around the final rename (spec §5).
type Store struct {
	root string
	dctx *digest.Context

	mu map[string]*sync.Mutex
}

// New returns a Store whose shard directories sit directly under
// protocolRoot. cmd/enginectl passes Configuration.CAS.Root unchanged, so
// no "protocol-dependent/<protocol>" level is added between the configured
// root and the shards.
func New(protocolRoot string, dctx *digest.Context) (*Store, error) {
	s := &Store{root: protocolRoot, dctx: dctx, mu: map[string]*sync.Mutex{
		shardFiles:       {},
		shardExecutables: {},
		shardTrees:       {},
		shardLargeFiles:  {},
		shardLargeTrees:  {},
	}}
	for _, shard := range []string{shardFiles, shardExecutables, shardTrees, shardLargeFiles, shardLargeTrees} {
		if err := os.MkdirAll(filepath.Join(s.root, shard), 0o755); err != nil {
			return nil, fmt.Errorf("localcas: creating shard %s: %w", shard, err)
		}
	}
	if size, err := s.diskUsage(); err != nil {
		log.Warning("localcas: couldn't measure %s: %s", s.root, err)
	} else {
		log.Info("Total CAS size: %s", humanize.Bytes(uint64(size)))
	}
	return s, nil
}

// diskUsage sums the size of every object already on disk under this
// store's root, the way the teacher's src/cache/dir_cache.go totals its own
// cache directory for the same startup log line.
func (s *Store) diskUsage() (int64, error) {
	var total int64
	err := filepath.Walk(s.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func shardFor(exec bool, isTree bool) string {
	if isTree {
		return shardTrees
	}
	if exec {
		return shardExecutables
	}
	return shardFiles
}

func (s *Store) objectPath(shard, hash string) string {
	if len(hash) < 3 {
		return filepath.Join(s.root, shard, hash)
	}
	return filepath.Join(s.root, shard, hash[:2], hash[2:])
}

// StoreBlob writes data under the files or executables shard (exec
// selects which) and returns its digest. On a collision with an existing
// object the existing object is reused and its size is verified, per spec
// §4.2.
func (s *Store) StoreBlob(data []byte, exec bool) (model.Digest, error) {
	d := s.dctx.HashData(data)
	shard := shardFor(exec, false)
	dst := s.objectPath(shard, d.Hash)
	if info, err := os.Stat(dst); err == nil {
		if info.Size() != d.SizeBytes {
			return model.Digest{}, fmt.Errorf("localcas: existing object %s has size %d, want %d", dst, info.Size(), d.SizeBytes)
		}
		return d, nil
	}
	if err := s.atomicWrite(shard, dst, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	}); err != nil {
		return model.Digest{}, err
	}
	return d, nil
}

// StoreFile streams a file already on disk into the store, without loading
// it wholly into memory (the path taken for large build outputs).
func (s *Store) StoreFile(path string, exec bool) (model.Digest, error) {
	d, _, err := s.dctx.HashFile(path, objTypeOf(exec))
	if err != nil {
		return model.Digest{}, err
	}
	shard := shardFor(exec, false)
	dst := s.objectPath(shard, d.Hash)
	if info, err := os.Stat(dst); err == nil {
		if info.Size() != d.SizeBytes {
			return model.Digest{}, fmt.Errorf("localcas: existing object %s has size %d, want %d", dst, info.Size(), d.SizeBytes)
		}
		return d, nil
	}
	if err := s.atomicWrite(shard, dst, func(f *os.File) error {
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(f, src)
		return err
	}); err != nil {
		return model.Digest{}, err
	}
	return d, nil
}

func objTypeOf(exec bool) model.ObjectType {
	if exec {
		return model.Executable
	}
	return model.File
}

// StoreTree stores an already-canonicalised tree payload in the tree shard
// and returns its digest.
func (s *Store) StoreTree(canonicalTreeBytes []byte) (model.Digest, error) {
	d := s.dctx.HashTree(canonicalTreeBytes)
	dst := s.objectPath(shardTrees, d.Hash)
	if _, err := os.Stat(dst); err == nil {
		return d, nil
	}
	if err := s.atomicWrite(shardTrees, dst, func(f *os.File) error {
		_, err := f.Write(canonicalTreeBytes)
		return err
	}); err != nil {
		return model.Digest{}, err
	}
	return d, nil
}

// atomicWrite writes via a temp file in the same shard directory then
// renames into place, taking the shard's lock only around the rename (spec
// §4.2, §5).
func (s *Store) atomicWrite(shard, dst string, write func(*os.File) error) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("localcas: creating %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("localcas: creating temp file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	s.lockShard(shard)
	defer s.unlockShard(shard)
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("localcas: renaming into place: %w", err)
	}
	return nil
}

func (s *Store) lockShard(shard string)   { s.mu[shard].Lock() }
func (s *Store) unlockShard(shard string) { s.mu[shard].Unlock() }

// BlobPath resolves the on-disk path for a digest, or "" if it's missing.
// Read-side resolution is lock-free (spec §4.2/§5).
func (s *Store) BlobPath(d model.Digest, exec bool) string {
	p := s.objectPath(shardFor(exec, false), d.Hash)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// TreePath is BlobPath for the tree shard.
func (s *Store) TreePath(d model.Digest) string {
	p := s.objectPath(shardTrees, d.Hash)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// DumpToStream writes the object at digest to w without an intermediate
// copy into caller memory where the OS supports sendfile-style copying
// (io.Copy already takes that path for *os.File sources).
func (s *Store) DumpToStream(d model.Digest, exec, isTree bool, w io.Writer) error {
	p := s.objectPath(shardFor(exec, isTree), d.Hash)
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("localcas: %s missing from store: %w", d, err)
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Has reports whether a digest is present in the given shard, without
// materialising a path.
func (s *Store) Has(d model.Digest, exec, isTree bool) bool {
	_, err := os.Stat(s.objectPath(shardFor(exec, isTree), d.Hash))
	return err == nil
}

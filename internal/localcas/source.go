package localcas

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/karrick/godirwalk"

	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/model"
)

// UploadPath stages a repository-relative source file or directory tree
// into this store and returns the digest (and object type) it was stored
// under, the filesystem-staging mechanics the scheduler's SourceResolver
// hook leaves to its caller (spec §1's analysis phase picks *which*
// sources to resolve; this is how a concrete resolver turns one into CAS
// content). A single file is stored directly; a directory is walked with
// github.com/karrick/godirwalk (the teacher's own src/fs/walk.go is
// itself a thin wrapper over the same library) and folded bottom-up into
// a nested Tree.
func (s *Store) UploadPath(rootPath string) (model.Digest, model.ObjectType, error) {
	info, err := os.Lstat(rootPath)
	if err != nil {
		return model.Digest{}, model.File, fmt.Errorf("localcas: stat %s: %w", rootPath, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(rootPath)
		if err != nil {
			return model.Digest{}, model.Symlink, fmt.Errorf("localcas: readlink %s: %w", rootPath, err)
		}
		d, err := s.StoreBlob([]byte(target), false)
		return d, model.Symlink, err
	}
	if !info.IsDir() {
		exec := info.Mode()&0o111 != 0
		if d, ok := cachedSourceDigest(rootPath, info); ok && s.Has(d, exec, false) {
			return d, objTypeOf(exec), nil
		}
		d, err := s.StoreFile(rootPath, exec)
		if err == nil {
			recordSourceDigest(rootPath, info, d)
		}
		return d, objTypeOf(exec), err
	}

	children := map[string][]digest.TreeEntry{} // dir (relative to rootPath) -> its entries
	err = godirwalk.Walk(rootPath, &godirwalk.Options{
		Callback: func(path string, ent *godirwalk.Dirent) error {
			if path == rootPath {
				return nil
			}
			rel, err := filepath.Rel(rootPath, path)
			if err != nil {
				return err
			}
			parent := filepath.Dir(rel)
			if parent == "." {
				parent = ""
			}
			name := filepath.Base(rel)

			if ent.IsDir() {
				// Directories are folded once their own children are
				// known, in the post-children callback below; nothing to
				// do on the way in.
				return nil
			}

			var typ model.ObjectType
			var d model.Digest
			if ent.IsSymlink() {
				target, err := os.Readlink(path)
				if err != nil {
					return err
				}
				children[parent] = append(children[parent], digest.TreeEntry{Name: name, Type: model.Symlink, SymlinkTarget: target})
				return nil
			}
			mode, err := os.Lstat(path)
			if err != nil {
				return err
			}
			exec := mode.Mode()&0o111 != 0
			typ = objTypeOf(exec)
			if cached, ok := cachedSourceDigest(path, mode); ok && s.Has(cached, exec, false) {
				d = cached
			} else {
				d, err = s.StoreFile(path, exec)
				if err != nil {
					return err
				}
				recordSourceDigest(path, mode, d)
			}
			children[parent] = append(children[parent], digest.TreeEntry{Name: name, Type: typ, Digest: d})
			return nil
		},
		PostChildrenCallback: func(path string, ent *godirwalk.Dirent) error {
			rel := ""
			if path != rootPath {
				var err error
				rel, err = filepath.Rel(rootPath, path)
				if err != nil {
					return err
				}
			}
			canon, err := s.canonicalTree(children[rel])
			if err != nil {
				return err
			}
			d, err := s.StoreTree(canon)
			if err != nil {
				return err
			}
			if path == rootPath {
				children[rel] = nil
				children["__root__"] = []digest.TreeEntry{{Digest: d}}
				return nil
			}
			parent := filepath.Dir(rel)
			if parent == "." {
				parent = ""
			}
			name := filepath.Base(rel)
			children[parent] = append(children[parent], digest.TreeEntry{Name: name, Type: model.Tree, Digest: d})
			delete(children, rel)
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return model.Digest{}, model.Tree, fmt.Errorf("localcas: walking %s: %w", rootPath, err)
	}
	root := children["__root__"]
	if len(root) != 1 {
		return model.Digest{}, model.Tree, fmt.Errorf("localcas: internal error folding tree at %s", rootPath)
	}
	return root[0].Digest, model.Tree, nil
}

// canonicalTree sorts entries by name (godirwalk doesn't guarantee order
// with Unsorted:true, and the digest must be order-independent of
// directory read order) and canonicalises them for this store's hash mode.
func (s *Store) canonicalTree(entries []digest.TreeEntry) ([]byte, error) {
	sorted := append([]digest.TreeEntry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	if s.dctx.Mode() == digest.Compatible {
		return digest.CanonicalCompatibleTree(sorted)
	}
	return digest.CanonicalNativeTree(sorted)
}

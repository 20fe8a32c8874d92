package execapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/forgebuild/forge/internal/clog"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/localcas"
	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/process"
)

var log = clog.NewLogger("execapi")

// Local is the local-subprocess implementation of API: it stages a working
// directory from the local CAS via hardlinks (falling back to a copy
// across filesystems), runs the command, and captures outputs back into
// CAS (spec §4.5).
type Local struct {
	store    *localcas.Store
	dctx     *digest.Context
	executor *process.Executor
	workRoot string
}

// NewLocal returns a Local executor rooted at workRoot, which owns one
// subdirectory per action invocation.
func NewLocal(store *localcas.Store, dctx *digest.Context, workRoot string) *Local {
	return &Local{store: store, dctx: dctx, executor: process.New(), workRoot: workRoot}
}

func (l *Local) Upload(ctx context.Context, blobs []Blob, skipFindMissing bool) error {
	for _, b := range blobs {
		if _, err := l.store.StoreBlob(b.Data, false); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) IsAvailable(ctx context.Context, digests []model.Digest) (map[string]bool, error) {
	out := make(map[string]bool, len(digests))
	for _, d := range digests {
		out[d.Hash] = l.store.Has(d, false, false) || l.store.Has(d, true, false) || l.store.Has(d, false, true)
	}
	return out, nil
}

// Execute stages action's input root, runs its command, and captures
// outputs into the local CAS, building the ActionResult spec §4.5
// requires.
func (l *Local) Execute(ctx context.Context, action *model.Action) (*model.ActionResult, error) {
	dir, err := os.MkdirTemp(l.workRoot, "action-")
	if err != nil {
		return nil, fmt.Errorf("execapi: creating working directory: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := l.stageInputRoot(dir, action.InputRootDigest); err != nil {
		return nil, fmt.Errorf("execapi: staging inputs: %w", err)
	}

	env := make([]string, 0, len(action.Env))
	for k, v := range action.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	res, err := l.executor.Run(ctx, dir, env, timeout, nil, action.Command)
	if err != nil {
		return nil, err
	}

	result := &model.ActionResult{
		ExitCode:          int32(res.ExitCode),
		OutputFileDigests: map[string]model.Digest{},
		OutputDirDigests:  map[string]model.Digest{},
		OutputSymlinks:    map[string]string{},
	}
	if result.StdoutDigest, err = l.store.StoreBlob(res.Stdout, false); err != nil {
		return nil, err
	}
	if result.StderrDigest, err = l.store.StoreBlob(res.Stderr, false); err != nil {
		return nil, err
	}
	if res.TimedOut {
		return result, fmt.Errorf("execapi: action exceeded its %s timeout", timeout)
	}

	for _, f := range action.OutputFiles {
		d, symlink, err := l.captureOutput(dir, f)
		if err != nil {
			continue // spec: missing declared outputs are caught by VerifyOutputs, not here.
		}
		if symlink != "" {
			result.OutputSymlinks[f] = symlink
		} else {
			result.OutputFileDigests[f] = d
		}
	}
	for _, d := range action.OutputDirs {
		treeDigest, err := l.captureOutputDir(dir, d)
		if err != nil {
			continue
		}
		result.OutputDirDigests[d] = treeDigest
	}
	return result, nil
}

const defaultTimeout = 600_000_000_000 // 600s in nanoseconds, spec §3's "default configurable" timeout.

// stageInputRoot recursively materializes a tree digest at dir via
// hardlinks from the local CAS, falling back to a copy when the link
// syscall fails (e.g. cross-device).
func (l *Local) stageInputRoot(dir string, treeDigest model.Digest) error {
	if treeDigest.Hash == "" {
		return nil
	}
	p := l.store.TreePath(treeDigest)
	if p == "" {
		return fmt.Errorf("execapi: tree %s not present in local CAS", treeDigest)
	}
	payload, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	entries, err := l.dctx.DecodeTree(payload)
	if err != nil {
		return err
	}
	for _, e := range entries {
		dst := filepath.Join(dir, e.Name)
		switch e.Type {
		case model.Tree:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			if err := l.stageInputRoot(dst, e.Digest); err != nil {
				return err
			}
		case model.Symlink:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(e.SymlinkTarget, dst); err != nil {
				return err
			}
		default:
			src := l.store.BlobPath(e.Digest, e.Type == model.Executable)
			if src == "" {
				return fmt.Errorf("execapi: blob %s not present in local CAS", e.Digest)
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := linkOrCopy(src, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// captureOutput reads a declared output file back from the working
// directory and stores it into CAS, returning (digest, "") for a regular
// file or (model.Digest{}, target) if the path turned out to be a symlink.
func (l *Local) captureOutput(dir, relPath string) (model.Digest, string, error) {
	full := filepath.Join(dir, relPath)
	info, err := os.Lstat(full)
	if err != nil {
		return model.Digest{}, "", err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(full)
		if err != nil {
			return model.Digest{}, "", err
		}
		return model.Digest{}, target, nil
	}
	exec := info.Mode()&0o111 != 0
	d, err := l.store.StoreFile(full, exec)
	return d, "", err
}

func (l *Local) captureOutputDir(dir, relPath string) (model.Digest, error) {
	full := filepath.Join(dir, relPath)
	entries, err := l.treeEntriesFor(full)
	if err != nil {
		return model.Digest{}, err
	}
	payload, treeDigest, err := l.dctx.BuildTree(entries)
	if err != nil {
		return model.Digest{}, err
	}
	if _, err := l.store.StoreTree(payload); err != nil {
		return model.Digest{}, err
	}
	return treeDigest, nil
}

func (l *Local) treeEntriesFor(dir string) ([]digest.TreeEntry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var entries []digest.TreeEntry
	for _, de := range dirEntries {
		full := filepath.Join(dir, de.Name())
		if de.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(full)
			if err != nil {
				return nil, err
			}
			entries = append(entries, digest.TreeEntry{Name: de.Name(), Type: model.Symlink, SymlinkTarget: target})
			continue
		}
		if de.IsDir() {
			sub, err := l.treeEntriesFor(full)
			if err != nil {
				return nil, err
			}
			payload, d, err := l.dctx.BuildTree(sub)
			if err != nil {
				return nil, err
			}
			if _, err := l.store.StoreTree(payload); err != nil {
				return nil, err
			}
			entries = append(entries, digest.TreeEntry{Name: de.Name(), Type: model.Tree, Digest: d})
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, err
		}
		exec := info.Mode()&0o111 != 0
		d, err := l.store.StoreFile(full, exec)
		if err != nil {
			return nil, err
		}
		t := model.File
		if exec {
			t = model.Executable
		}
		entries = append(entries, digest.TreeEntry{Name: de.Name(), Type: t, Digest: d})
	}
	return entries, nil
}

func (l *Local) RetrieveToPaths(ctx context.Context, objects []ObjectInfo, paths []string, fallback API) error {
	for i, o := range objects {
		src := l.store.BlobPath(o.Digest, o.Type == model.Executable)
		if src == "" {
			if fallback == nil {
				return fmt.Errorf("execapi: %s missing locally and no fallback configured", o.Digest)
			}
			data, err := fallback.RetrieveToMemory(ctx, o)
			if err != nil {
				return err
			}
			if err := os.WriteFile(paths[i], data, 0o644); err != nil {
				return err
			}
			continue
		}
		if err := linkOrCopy(src, paths[i]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) RetrieveToWriters(ctx context.Context, objects []ObjectInfo, writers []io.Writer) error {
	for i, o := range objects {
		if err := l.store.DumpToStream(o.Digest, o.Type == model.Executable, o.Type == model.Tree, writers[i]); err != nil {
			return err
		}
	}
	return nil
}

// RetrieveToCAS copies each object (and the full tree it roots, when it's
// a Tree) from the local store into other, using other's IsAvailable to
// skip objects it already has (spec §4.5's cross-backend bridge).
func (l *Local) RetrieveToCAS(ctx context.Context, objects []ObjectInfo, other API) error {
	all, err := l.expandTrees(objects)
	if err != nil {
		return err
	}
	digests := make([]model.Digest, len(all))
	for i, o := range all {
		digests[i] = o.Digest
	}
	present, err := other.IsAvailable(ctx, digests)
	if err != nil {
		return err
	}
	var blobs []Blob
	for _, o := range all {
		if present[o.Digest.Hash] {
			continue
		}
		data, err := l.RetrieveToMemory(ctx, o)
		if err != nil {
			return err
		}
		blobs = append(blobs, Blob{Digest: o.Digest, Data: data})
	}
	return other.Upload(ctx, blobs, true)
}

func (l *Local) expandTrees(objects []ObjectInfo) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for _, o := range objects {
		if o.Type == model.Symlink {
			// A symlink's target is embedded in its parent tree's payload,
			// not fetched by digest: it has none of its own to transfer.
			continue
		}
		out = append(out, o)
		if o.Type != model.Tree {
			continue
		}
		p := l.store.TreePath(o.Digest)
		if p == "" {
			continue
		}
		payload, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		entries, err := l.dctx.DecodeTree(payload)
		if err != nil {
			return nil, err
		}
		children := make([]ObjectInfo, len(entries))
		for i, e := range entries {
			children[i] = ObjectInfo{Digest: e.Digest, Type: e.Type}
		}
		sub, err := l.expandTrees(children)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

func (l *Local) RetrieveToMemory(ctx context.Context, object ObjectInfo) ([]byte, error) {
	var buf bytes.Buffer
	if err := l.store.DumpToStream(object.Digest, object.Type == model.Executable, object.Type == model.Tree, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

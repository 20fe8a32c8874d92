package serve

import (
	"context"
	"net/http"

	"github.com/forgebuild/forge/internal/model"
)

// TreeOutcome is the three-way result the original source_tree_client.cpp's
// result_t encodes: Found with a Tree digest, a definite miss (both false),
// or an error (returned separately, fatal).
type TreeOutcome struct {
	Found bool
	Tree  model.Digest
}

type commitTreeRequest struct {
	Commit   string `json:"commit"`
	Subdir   string `json:"subdir"`
	SyncTree bool   `json:"sync_tree"`
}

type treeResponse struct {
	Tree digestJSON `json:"tree"`
}

// ServeCommitTree asks the serve endpoint to resolve a git commit (plus an
// optional subdirectory within it) to a tree digest, optionally syncing the
// resolved tree to the remote-execution CAS (syncTree).
func (c *Client) ServeCommitTree(ctx context.Context, commit, subdir string, syncTree bool) (TreeOutcome, error) {
	var resp treeResponse
	found, err := c.call(ctx, http.MethodPost, "/commit-tree", commitTreeRequest{Commit: commit, Subdir: subdir, SyncTree: syncTree}, &resp)
	if err != nil || !found {
		return TreeOutcome{}, err
	}
	return TreeOutcome{Found: true, Tree: resp.Tree.toDigest()}, nil
}

type archiveTreeRequest struct {
	Content         digestJSON `json:"content"`
	ArchiveType     string     `json:"archive_type"`
	Subdir          string     `json:"subdir"`
	ResolveSymlinks string     `json:"resolve_symlinks,omitempty"`
	SyncTree        bool       `json:"sync_tree"`
}

// ServeArchiveTree asks the serve endpoint to extract an already-uploaded
// archive blob (zip or tar, per archiveType) and resolve its subdir to a
// tree digest. resolveSymlinks mirrors the original's PragmaSpecial values
// ("", "ignore", "partial", "complete").
func (c *Client) ServeArchiveTree(ctx context.Context, content model.Digest, archiveType, subdir, resolveSymlinks string, syncTree bool) (TreeOutcome, error) {
	var resp treeResponse
	req := archiveTreeRequest{
		Content:         toDigestJSON(content),
		ArchiveType:     archiveType,
		Subdir:          subdir,
		ResolveSymlinks: resolveSymlinks,
		SyncTree:        syncTree,
	}
	found, err := c.call(ctx, http.MethodPost, "/archive-tree", req, &resp)
	if err != nil || !found {
		return TreeOutcome{}, err
	}
	return TreeOutcome{Found: true, Tree: resp.Tree.toDigest()}, nil
}

type digestRequest struct {
	Digest digestJSON `json:"digest"`
}

// ServeContent asks the serve endpoint to ensure content (already uploaded
// to the client's own remote CAS) is importable as a single file blob,
// returning whether the request succeeded.
func (c *Client) ServeContent(ctx context.Context, content model.Digest) (bool, error) {
	found, err := c.call(ctx, http.MethodPost, "/content", digestRequest{Digest: toDigestJSON(content)}, nil)
	return found, err
}

// ServeTree asks the serve endpoint to ensure tree (a Directory-tree
// digest already in the remote CAS) is known and importable.
func (c *Client) ServeTree(ctx context.Context, tree model.Digest) (bool, error) {
	found, err := c.call(ctx, http.MethodPost, "/tree", digestRequest{Digest: toDigestJSON(tree)}, nil)
	return found, err
}

// CheckRootTree reports whether tree is already known to the serve
// endpoint's backing store, without importing or syncing anything.
func (c *Client) CheckRootTree(ctx context.Context, tree model.Digest) (bool, error) {
	found, err := c.call(ctx, http.MethodPost, "/check-root-tree", digestRequest{Digest: toDigestJSON(tree)}, nil)
	return found, err
}

// GetRemoteTree asks the serve endpoint to import tree (and everything it
// references) into the remote-execution CAS, so a later action whose input
// root is tree can run without the client re-uploading it.
func (c *Client) GetRemoteTree(ctx context.Context, tree model.Digest) error {
	_, err := c.call(ctx, http.MethodPost, "/remote-tree", digestRequest{Digest: toDigestJSON(tree)}, nil)
	return err
}

// SourceTreeResolver is the server-side hook for commit/archive resolution.
// Full git and archive extraction are out of scope for this engine (spec
// §1's non-goals exclude building a new rule language and its supporting
// source-fetching machinery); a minimal server wires a pre-populated or
// externally-fed implementation rather than shelling out to git itself.
type SourceTreeResolver interface {
	CommitTree(ctx context.Context, commit, subdir string) (model.Digest, bool, error)
	ArchiveTree(ctx context.Context, content model.Digest, archiveType, subdir, resolveSymlinks string) (model.Digest, bool, error)
}

// StaticSourceTrees is a SourceTreeResolver backed by a fixed lookup table,
// useful for tests and for deployments that pre-warm known commits/archives
// out of band instead of teaching the serve endpoint to fetch them itself.
type StaticSourceTrees struct {
	Commits  map[string]model.Digest // key: commit+"/"+subdir
	Archives map[string]model.Digest // key: content.Hash+"/"+archiveType+"/"+subdir
}

func (s StaticSourceTrees) CommitTree(ctx context.Context, commit, subdir string) (model.Digest, bool, error) {
	d, ok := s.Commits[commit+"/"+subdir]
	return d, ok, nil
}

func (s StaticSourceTrees) ArchiveTree(ctx context.Context, content model.Digest, archiveType, subdir, resolveSymlinks string) (model.Digest, bool, error) {
	d, ok := s.Archives[content.Hash+"/"+archiveType+"/"+subdir]
	return d, ok, nil
}

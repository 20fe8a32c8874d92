package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/forgebuild/forge/internal/dag"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/execapi"
	"github.com/forgebuild/forge/internal/model"
)

// resolveArtifact resolves node to a content digest, memoised by artifact
// ID. Known and LocalSource artifacts resolve independently of the
// traversal order; ActionOutput artifacts require their producer action
// to already have an Outcome (guaranteed by the ready-count ordering);
// TreeArtifact builds a fresh subtree from its already-resolved children.
func (s *Scheduler) resolveArtifact(ctx context.Context, node *dag.ArtifactNode) (resolvedLeaf, error) {
	s.mu.Lock()
	if r, ok := s.resolved[node.ID]; ok {
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	a := node.Artifact
	var r resolvedLeaf
	switch a.Kind {
	case model.Known:
		r = resolvedLeaf{Digest: a.KnownDigest, Type: a.KnownType, Backend: "local"}
	case model.LocalSource:
		if s.opts.Source == nil {
			return resolvedLeaf{}, fmt.Errorf("scheduler: no source resolver configured for %q", a.RepoRelativePath)
		}
		d, t, err := s.opts.Source(a.RepoRelativePath)
		if err != nil {
			return resolvedLeaf{}, fmt.Errorf("scheduler: resolving source %q: %w", a.RepoRelativePath, err)
		}
		r = resolvedLeaf{Digest: d, Type: t, Backend: "local"}
	case model.ActionOutput:
		producer := node.Builder
		if producer == nil {
			return resolvedLeaf{}, fmt.Errorf("scheduler: action output artifact %s has no builder", node.ID)
		}
		s.mu.Lock()
		outcome, ok := s.outcomes[producer.ID]
		s.mu.Unlock()
		if !ok || outcome.Result == nil {
			return resolvedLeaf{}, fmt.Errorf("scheduler: producer %s of %s has not finished", producer.ID, node.ID)
		}
		switch a.OutputType {
		case model.Tree:
			d, ok := outcome.Result.OutputDirDigests[a.OutputPath]
			if !ok {
				return resolvedLeaf{}, fmt.Errorf("scheduler: %s did not produce declared output dir %q", producer.ID, a.OutputPath)
			}
			r = resolvedLeaf{Digest: d, Type: model.Tree, Backend: outcome.Backend}
		default:
			if target, ok := outcome.Result.OutputSymlinks[a.OutputPath]; ok {
				r = resolvedLeaf{Type: model.Symlink, Symlink: target, Backend: outcome.Backend}
				break
			}
			d, ok := outcome.Result.OutputFileDigests[a.OutputPath]
			if !ok {
				return resolvedLeaf{}, fmt.Errorf("scheduler: %s did not produce declared output file %q", producer.ID, a.OutputPath)
			}
			r = resolvedLeaf{Digest: d, Type: a.OutputType, Backend: outcome.Backend}
		}
	case model.TreeArtifact:
		entries, leaves, err := s.resolveChildren(ctx, a.Children)
		if err != nil {
			return resolvedLeaf{}, err
		}
		payload, d, err := s.opts.Digest.BuildTree(entries)
		if err != nil {
			return resolvedLeaf{}, fmt.Errorf("scheduler: building tree artifact: %w", err)
		}
		if err := s.bridgeAndUpload(ctx, leaves, []execapi.Blob{{Digest: d, Data: payload}}, "local"); err != nil {
			return resolvedLeaf{}, err
		}
		r = resolvedLeaf{Digest: d, Type: model.Tree, Backend: "local"}
	default:
		return resolvedLeaf{}, fmt.Errorf("scheduler: artifact %s has unknown kind %d", node.ID, a.Kind)
	}

	s.mu.Lock()
	s.resolved[node.ID] = r
	s.mu.Unlock()
	return r, nil
}

func (s *Scheduler) resolveChildren(ctx context.Context, children map[string]*model.Artifact) ([]digest.TreeEntry, []resolvedLeaf, error) {
	names := make([]string, 0, len(children))
	for n := range children {
		names = append(names, n)
	}
	sort.Strings(names)
	var entries []digest.TreeEntry
	var leaves []resolvedLeaf
	for _, name := range names {
		child := children[name]
		node := s.graph.Artifact(child.ID())
		if node == nil {
			if child.Kind == model.ActionOutput {
				return nil, nil, fmt.Errorf("scheduler: tree artifact child %q references an action output never added to the graph", name)
			}
			node = &dag.ArtifactNode{ID: child.ID(), Artifact: child}
		}
		r, err := s.resolveArtifact(ctx, node)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, digest.TreeEntry{Name: name, Type: r.Type, Digest: r.Digest, SymlinkTarget: r.Symlink})
		if r.Type != model.Symlink {
			leaves = append(leaves, r)
		}
	}
	return entries, leaves, nil
}

// trieNode is an intermediate synthetic directory built while merging
// overlapping input paths into one input-root tree.
type trieNode struct {
	leaf     *resolvedLeaf
	children map[string]*trieNode
}

func (n *trieNode) child(name string) *trieNode {
	if n.children == nil {
		n.children = map[string]*trieNode{}
	}
	c, ok := n.children[name]
	if !ok {
		c = &trieNode{}
		n.children[name] = c
	}
	return c
}

func insertPath(root *trieNode, path string, leaf resolvedLeaf) error {
	parts := strings.Split(path, "/")
	n := root
	for _, p := range parts[:len(parts)-1] {
		n = n.child(p)
	}
	last := parts[len(parts)-1]
	leafNode := n.child(last)
	if leafNode.leaf != nil || leafNode.children != nil {
		return fmt.Errorf("scheduler: conflicting input paths at %q", path)
	}
	l := leaf
	leafNode.leaf = &l
	return nil
}

// buildTrieNode canonicalises n into a single digest: a leaf returns its
// own (digest, type, symlink target) directly, a synthetic directory
// recursively builds and stores its children first.
func (s *Scheduler) buildTrieNode(n *trieNode) (resolvedLeaf, []execapi.Blob, []resolvedLeaf, error) {
	if n.leaf != nil {
		if n.leaf.Type == model.Symlink {
			return *n.leaf, nil, nil, nil
		}
		return *n.leaf, nil, []resolvedLeaf{*n.leaf}, nil
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	var entries []digest.TreeEntry
	var blobs []execapi.Blob
	var leaves []resolvedLeaf
	for _, name := range names {
		child := n.children[name]
		r, childBlobs, childLeaves, err := s.buildTrieNode(child)
		if err != nil {
			return resolvedLeaf{}, nil, nil, err
		}
		entries = append(entries, digest.TreeEntry{Name: name, Type: r.Type, Digest: r.Digest, SymlinkTarget: r.Symlink})
		blobs = append(blobs, childBlobs...)
		leaves = append(leaves, childLeaves...)
	}
	payload, d, err := s.opts.Digest.BuildTree(entries)
	if err != nil {
		return resolvedLeaf{}, nil, nil, err
	}
	blobs = append(blobs, execapi.Blob{Digest: d, Data: payload})
	return resolvedLeaf{Digest: d, Type: model.Tree, Backend: "local"}, blobs, leaves, nil
}

// buildInputRoot resolves every input binding of an action and merges them
// into a single input-root tree, staging the result (and bridging any
// input whose content currently lives on a different backend) onto
// targetBackend (spec §4.7 step 4: "construct its input-root tree").
func (s *Scheduler) buildInputRoot(ctx context.Context, bindings []dag.InputBinding, targetBackend string) (model.Digest, error) {
	root := &trieNode{}
	for _, b := range bindings {
		r, err := s.resolveArtifact(ctx, b.Artifact)
		if err != nil {
			return model.Digest{}, err
		}
		if err := insertPath(root, b.Path, r); err != nil {
			return model.Digest{}, err
		}
	}
	rootLeaf, blobs, leaves, err := s.buildTrieNode(root)
	if err != nil {
		return model.Digest{}, err
	}
	if err := s.bridgeAndUpload(ctx, leaves, blobs, targetBackend); err != nil {
		return model.Digest{}, err
	}
	return rootLeaf.Digest, nil
}

// bridgeAndUpload ensures every already-resolved leaf is present on
// targetBackend (copying it there from wherever it currently lives via the
// cross-backend RetrieveToCAS bridge, spec §4.5), then uploads the freshly
// built synthetic blobs (tree payloads that exist nowhere yet) directly.
func (s *Scheduler) bridgeAndUpload(ctx context.Context, leaves []resolvedLeaf, fresh []execapi.Blob, targetBackend string) error {
	target := s.backends[targetBackend]
	byBackend := map[string][]execapi.ObjectInfo{}
	for _, l := range leaves {
		if l.Backend == targetBackend {
			continue
		}
		byBackend[l.Backend] = append(byBackend[l.Backend], execapi.ObjectInfo{Digest: l.Digest, Type: l.Type})
	}
	for backend, objects := range byBackend {
		src, ok := s.backends[backend]
		if !ok {
			return fmt.Errorf("scheduler: input resolved to unknown backend %q", backend)
		}
		if err := src.RetrieveToCAS(ctx, objects, target); err != nil {
			return fmt.Errorf("scheduler: bridging %d objects from %s to %s: %w", len(objects), backend, targetBackend, err)
		}
	}
	if len(fresh) > 0 {
		if err := target.Upload(ctx, fresh, true); err != nil {
			return fmt.Errorf("scheduler: uploading input-root tree to %s: %w", targetBackend, err)
		}
	}
	return nil
}

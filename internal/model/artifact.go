package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ArtifactKind tags which variant of Artifact a value holds.
type ArtifactKind int

const (
	// LocalSource is a repository-root-relative path resolved via a
	// RepositoryConfig; it has no builder action.
	LocalSource ArtifactKind = iota
	// Known is content that already lives in some CAS, addressed directly
	// by digest; it needs no action to produce.
	Known
	// ActionOutput is one output of some action, named by its in-action
	// output path.
	ActionOutput
	// TreeArtifact groups other artifacts together by local path.
	TreeArtifact
)

// An Artifact is a polymorphic handle onto a named value in the DAG. Only
// the fields relevant to Kind are populated; the rest are zero.
type Artifact struct {
	Kind ArtifactKind

	// LocalSource
	RepoRelativePath string

	// Known
	KnownDigest Digest
	KnownType   ObjectType

	// ActionOutput
	ActionID   string
	OutputPath string
	OutputType ObjectType

	// TreeArtifact
	Children map[string]*Artifact
}

// canonical is the JSON-serialisable shadow of an Artifact used to compute
// its stable identifier. It exists separately from Artifact so that field
// ordering (and thus the digest) never depends on Go struct layout, and so
// map-valued Children are serialised in sorted key order.
type canonical struct {
	Kind             string       `json:"kind"`
	RepoRelativePath string       `json:"repo_relative_path,omitempty"`
	KnownDigest      string       `json:"known_digest,omitempty"`
	KnownType        string       `json:"known_type,omitempty"`
	ActionID         string       `json:"action_id,omitempty"`
	OutputPath       string       `json:"output_path,omitempty"`
	OutputType       string       `json:"output_type,omitempty"`
	Children         []childEntry `json:"children,omitempty"`
}

type childEntry struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

func (k ArtifactKind) string() string {
	switch k {
	case LocalSource:
		return "local_source"
	case Known:
		return "known"
	case ActionOutput:
		return "action_output"
	case TreeArtifact:
		return "tree"
	default:
		return "unknown"
	}
}

// ID returns the artifact's stable identifier: a SHA256 hash of its
// canonical JSON description. Two artifacts with equal ID are the same node
// in the DAG (spec §3, "Every artifact has a stable artifact identifier").
//
// This hash is deliberately independent of the process-wide content-hash
// mode (native vs compatible, spec §4.1): it is pure DAG bookkeeping, never
// written to or compared against the CAS.
func (a *Artifact) ID() string {
	c := canonical{
		Kind:             a.Kind.string(),
		RepoRelativePath: a.RepoRelativePath,
		KnownDigest:      a.KnownDigest.String(),
		KnownType:        a.KnownType.String(),
		ActionID:         a.ActionID,
		OutputPath:       a.OutputPath,
		OutputType:       a.OutputType.String(),
	}
	if a.Kind == TreeArtifact {
		names := make([]string, 0, len(a.Children))
		for name := range a.Children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c.Children = append(c.Children, childEntry{Name: name, ID: a.Children[name].ID()})
		}
	}
	b, err := json.Marshal(c)
	if err != nil {
		// canonical only contains strings and a slice of strings; this
		// cannot fail in practice.
		panic(fmt.Sprintf("model: marshalling artifact: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

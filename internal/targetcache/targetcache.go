// Package targetcache implements spec §4.8: a layer in front of the
// analysis phase mapping (repository fingerprint, target, effective
// configuration) to a set of already-known artifacts.
//
// Grounded on the teacher's src/cache package (the local/remote dual-cache
// shape) generalised from "build result" to the spec's own
// artifacts/runfiles/provides entry shape, with the remote write-through
// behaviour spec §4.8 names (upload referenced artifacts before storing
// the entry) newly added — the teacher's cache never had a remote tier at
// this granularity.
package targetcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/forgebuild/forge/internal/clog"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/execapi"
	"github.com/forgebuild/forge/internal/model"
)

var log = clog.NewLogger("targetcache")

// A Strategy controls whether/how Write persists an entry.
type Strategy int

const (
	Disabled Strategy = iota
	Sync
	Async
)

// ArtifactRef is one {digest,type} value inside an Entry's artifacts,
// runfiles, or provides maps.
type ArtifactRef struct {
	Digest model.Digest     `json:"digest"`
	Type   model.ObjectType `json:"type"`
}

// An Entry is the target cache's value type (spec §3's "Target cache
// entry").
type Entry struct {
	Artifacts            map[string]ArtifactRef `json:"artifacts"`
	Runfiles             map[string]ArtifactRef `json:"runfiles"`
	Provides             map[string]ArtifactRef `json:"provides"`
	ImpliedExportTargets []string               `json:"implied_export_targets,omitempty"`
}

// A Key identifies one (repository_fingerprint, target_name,
// effective_configuration) tuple by the digest of its canonical JSON,
// itself stored as a CAS blob so the key is a digest (spec §4.8).
type Key struct {
	Digest model.Digest
}

type keyPayload struct {
	RepositoryFingerprint  string `json:"repository_fingerprint"`
	TargetName             string `json:"target_name"`
	EffectiveConfiguration string `json:"effective_configuration"`
}

// CreateKey builds the canonical JSON for (repoFingerprint, target,
// effectiveConfig), stores it as a blob via store, and returns its digest
// as the Key.
func CreateKey(dctx *digest.Context, store blobStorer, repoFingerprint, target, effectiveConfig string) (Key, error) {
	b, err := json.Marshal(keyPayload{
		RepositoryFingerprint:  repoFingerprint,
		TargetName:             target,
		EffectiveConfiguration: effectiveConfig,
	})
	if err != nil {
		return Key{}, fmt.Errorf("targetcache: marshalling key: %w", err)
	}
	d, err := store(b)
	if err != nil {
		return Key{}, err
	}
	return Key{Digest: d}, nil
}

// blobStorer is the minimal CAS capability CreateKey needs; *localcas.Store
// satisfies it via StoreBlob(data, false).
type blobStorer func([]byte) (model.Digest, error)

// A Cache is the on-disk target cache, keyed by Key.Digest.Hash, rooted at
// protocolRoot/tc (spec §6's "tc" shard).
type Cache struct {
	root   string
	remote execapi.API // nil when no remote CAS is configured
	local  execapi.API
}

// New returns a Cache rooted at protocolRoot/tc. remote may be nil.
func New(protocolRoot string, local, remote execapi.API) (*Cache, error) {
	root := filepath.Join(protocolRoot, "tc")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("targetcache: creating %s: %w", root, err)
	}
	return &Cache{root: root, local: local, remote: remote}, nil
}

func (c *Cache) path(k Key) string {
	h := k.Digest.Hash
	if len(h) < 3 {
		return filepath.Join(c.root, h)
	}
	return filepath.Join(c.root, h[:2], h[2:])
}

// Read returns the entry for k, or (nil, false, nil) on a miss.
func (c *Cache) Read(ctx context.Context, k Key) (*Entry, bool, error) {
	b, err := os.ReadFile(c.path(k))
	if os.IsNotExist(err) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("targetcache: reading %s: %w", k.Digest, err)
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, false, fmt.Errorf("targetcache: decoding %s: %w", k.Digest, err)
	}
	return &e, true, nil
}

// Write persists entry under k according to strategy. In remote mode
// (c.remote != nil), every artifact the entry references is uploaded to
// the remote CAS before the entry itself is stored, so a reader of the
// remote entry can always resolve its contents (spec §4.8).
func (c *Cache) Write(ctx context.Context, k Key, entry *Entry, strategy Strategy) error {
	if strategy == Disabled {
		return nil
	}
	if strategy == Async {
		go func() {
			if err := c.write(context.Background(), k, entry); err != nil {
				log.Warning("targetcache: async write of %s failed: %s", k.Digest, err)
			}
		}()
		return nil
	}
	return c.write(ctx, k, entry)
}

func (c *Cache) write(ctx context.Context, k Key, entry *Entry) error {
	if c.remote != nil {
		if err := c.uploadReferencedArtifacts(ctx, entry); err != nil {
			return fmt.Errorf("targetcache: uploading referenced artifacts: %w", err)
		}
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("targetcache: marshalling entry: %w", err)
	}
	dst := c.path(k)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func (c *Cache) uploadReferencedArtifacts(ctx context.Context, entry *Entry) error {
	refs := allRefs(entry)
	objects := make([]execapi.ObjectInfo, len(refs))
	for i, r := range refs {
		objects[i] = execapi.ObjectInfo{Digest: r.Digest, Type: r.Type}
	}
	return c.local.RetrieveToCAS(ctx, objects, c.remote)
}

func allRefs(e *Entry) []ArtifactRef {
	var out []ArtifactRef
	for _, m := range []map[string]ArtifactRef{e.Artifacts, e.Runfiles, e.Provides} {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, m[k])
		}
	}
	return out
}

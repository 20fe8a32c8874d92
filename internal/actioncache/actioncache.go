// Package actioncache implements spec §4.4: a key-value layer mapping an
// action digest to an ActionResult, local (on-disk, single-writer,
// wait-free reads) and remote (REAPI ActionCache service) variants behind
// one interface.
//
// Grounded on the teacher's src/cache/dir_cache.go for the local on-disk
// shape and src/remote/remote.go's Retrieve/Store for the remote half.
package actioncache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/forgebuild/forge/internal/clog"
	"github.com/forgebuild/forge/internal/model"
)

var log = clog.NewLogger("actioncache")

// A Cache is the common interface both the local and remote action cache
// satisfy.
type Cache interface {
	Get(ctx context.Context, actionDigest model.Digest) (*model.ActionResult, bool, error)
	Put(ctx context.Context, actionDigest model.Digest, result *model.ActionResult) error
}

// Local is an on-disk AC keyed by action digest hash, sharded like the
// CAS (spec §6's "ac" shard). Writes are single-writer; reads are
// wait-free.
type Local struct {
	root string
	mu   sync.Mutex
}

// NewLocal returns a Local AC rooted at protocolRoot/ac.
func NewLocal(protocolRoot string) (*Local, error) {
	root := filepath.Join(protocolRoot, "ac")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("actioncache: creating %s: %w", root, err)
	}
	return &Local{root: root}, nil
}

func (l *Local) path(d model.Digest) string {
	if len(d.Hash) < 3 {
		return filepath.Join(l.root, d.Hash)
	}
	return filepath.Join(l.root, d.Hash[:2], d.Hash[2:])
}

// Get returns the cached result for actionDigest, or (nil, false, nil) on
// a miss.
func (l *Local) Get(ctx context.Context, actionDigest model.Digest) (*model.ActionResult, bool, error) {
	b, err := os.ReadFile(l.path(actionDigest))
	if os.IsNotExist(err) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("actioncache: reading %s: %w", actionDigest, err)
	}
	var r model.ActionResult
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, false, fmt.Errorf("actioncache: decoding %s: %w", actionDigest, err)
	}
	r.Cached = true
	return &r, true, nil
}

// Put writes result under actionDigest's key, atomically.
func (l *Local) Put(ctx context.Context, actionDigest model.Digest, result *model.ActionResult) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("actioncache: marshalling %s: %w", actionDigest, err)
	}
	dst := l.path(actionDigest)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

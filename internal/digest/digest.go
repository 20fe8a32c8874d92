// Package digest implements spec §4.1: fingerprinting byte strings and
// directory trees into stable Digests, under one of two hash modes that
// coexist across the ecosystem but never within a single process.
//
// It is grounded on the teacher's src/fs/hash.go PathHasher (streamed,
// memoised file hashing) generalised to the two wire-compatible digest
// functions spec.md requires. Compatible-mode directories are canonicalised
// as protobuf Directory messages; github.com/buildbarn/go-sha256tree is used
// only by RecomputeCompatible in bridge.go.
package digest

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/forgebuild/forge/internal/model"
)

// Mode selects which hash function and tree encoding a Context uses.
type Mode int

const (
	// Native is git-style SHA1 with git blob/tree framing.
	Native Mode = iota
	// Compatible is plain SHA256 over the raw payload, with
	// protocol-buffer Directory messages for trees.
	Compatible
)

func (m Mode) String() string {
	if m == Compatible {
		return "compatible"
	}
	return "native"
}

// chunkSize bounds how much of a file digest.go reads into memory at once;
// spec §4.1 requires streaming in <=4KiB chunks.
const chunkSize = 4096

// A Context carries the immutable, process-wide hash-mode selection plus
// any per-invocation state that must not leak across runs (the git hash
// bridge table, per the Open Question decision in DESIGN.md: the original's
// GitHashesConverter was process-wide and leaked; ours lives on Context).
type Context struct {
	mode Mode

	Bridge *Bridge
}

// NewContext constructs a Context with its hash mode fixed for its whole
// lifetime. Mode MUST NOT change after this call, matching spec §4.1's
// "selected at startup and MUST NOT change mid-process".
func NewContext(mode Mode) *Context {
	c := &Context{mode: mode}
	c.Bridge = newBridge()
	return c
}

// Mode returns the context's fixed hash mode.
func (c *Context) Mode() Mode {
	return c.mode
}

func (c *Context) newHasher() hash.Hash {
	if c.mode == Compatible {
		return sha256.New()
	}
	return sha1.New()
}

// HashData computes the digest of an in-memory byte string as a blob (file)
// payload.
func (c *Context) HashData(data []byte) model.Digest {
	h := c.newHasher()
	c.writePrefix(h, "blob", int64(len(data)))
	h.Write(data)
	return model.Digest{Hash: hex.EncodeToString(h.Sum(nil)), SizeBytes: int64(len(data))}
}

// HashFile streams a file from disk and returns its digest plus size. It
// never loads the whole file into memory, reading in chunkSize windows.
func (c *Context) HashFile(path string, objType model.ObjectType) (model.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Digest{}, 0, fmt.Errorf("digest: opening %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return model.Digest{}, 0, fmt.Errorf("digest: stat %s: %w", path, err)
	}
	size := info.Size()
	h := c.newHasher()
	kind := "blob"
	if objType == model.Tree {
		kind = "tree"
	}
	c.writePrefix(h, kind, size)
	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.Digest{}, 0, fmt.Errorf("digest: reading %s: %w", path, err)
		}
	}
	return model.Digest{Hash: hex.EncodeToString(h.Sum(nil)), SizeBytes: size}, size, nil
}

// HashTree computes the digest of an already-canonicalised tree payload
// (a git tree encoding in Native mode, a marshalled Directory proto in
// Compatible mode). It never re-applies the blob/tree prefix to compatible
// payloads, per spec §4.1.
func (c *Context) HashTree(canonicalTreeBytes []byte) model.Digest {
	if c.mode == Compatible {
		sum := sha256.Sum256(canonicalTreeBytes)
		return model.Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(canonicalTreeBytes))}
	}
	h := sha1.New()
	c.writePrefix(h, "tree", int64(len(canonicalTreeBytes)))
	h.Write(canonicalTreeBytes)
	return model.Digest{Hash: hex.EncodeToString(h.Sum(nil)), SizeBytes: int64(len(canonicalTreeBytes))}
}

// writePrefix writes the git-style "<kind> <size>\0" framing in Native
// mode. Compatible mode never uses framing, it hashes the raw payload.
func (c *Context) writePrefix(h hash.Hash, kind string, size int64) {
	if c.mode == Native {
		fmt.Fprintf(h, "%s %d\x00", kind, size)
	}
}

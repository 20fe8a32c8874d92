package localcas

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/xattr"

	"github.com/forgebuild/forge/internal/model"
)

// sourceDigestXattrName is the extended attribute UploadPath stashes a
// source file's last-computed digest under, keyed by mtime, so repeated
// uploads of an unchanged source tree skip rehashing file content that
// hasn't changed since the last build. Mirrors the teacher's
// src/fs/attr.go RecordAttr/ReadAttr scheme (xattr primary, sidecar file
// fallback for filesystems that reject xattrs).
const sourceDigestXattrName = "user.forge.digest"

// cachedSourceDigest returns the digest previously recorded for path, if
// path's mtime matches what was recorded against it.
func cachedSourceDigest(path string, info os.FileInfo) (model.Digest, bool) {
	b := readSourceAttr(path)
	if len(b) == 0 {
		return model.Digest{}, false
	}
	parts := strings.SplitN(string(b), ":", 3)
	if len(parts) != 3 {
		return model.Digest{}, false
	}
	mtime, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || mtime != info.ModTime().UnixNano() {
		return model.Digest{}, false
	}
	size, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return model.Digest{}, false
	}
	return model.Digest{Hash: parts[1], SizeBytes: size}, true
}

// recordSourceDigest stashes d against path's current mtime.
func recordSourceDigest(path string, info os.FileInfo, d model.Digest) {
	val := fmt.Sprintf("%d:%s:%d", info.ModTime().UnixNano(), d.Hash, d.SizeBytes)
	if err := xattr.LSet(path, sourceDigestXattrName, []byte(val)); err != nil {
		// Symlinks reject xattrs on Linux, and some filesystems (tmpfs,
		// certain network mounts) reject them outright; the teacher falls
		// back to a sidecar file in the same cases.
		_ = os.WriteFile(fallbackAttrFileName(path), []byte(val), 0o644)
	}
}

func readSourceAttr(path string) []byte {
	if b, err := xattr.LGet(path, sourceDigestXattrName); err == nil {
		return b
	}
	b, _ := os.ReadFile(fallbackAttrFileName(path))
	return b
}

func fallbackAttrFileName(path string) string {
	dir, file := filepath.Split(path)
	return filepath.Join(dir, ".forge_digest_"+file)
}

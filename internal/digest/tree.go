package digest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/forgebuild/forge/internal/model"
)

// A TreeEntry is one child of a directory about to be canonicalised,
// independent of hash mode.
type TreeEntry struct {
	Name   string
	Type   model.ObjectType
	Digest model.Digest

	// SymlinkTarget is set only when Type is model.Symlink: the raw link
	// target string. Symlink entries carry no digest of their own.
	SymlinkTarget string
}

// gitMode returns the git file-mode bits for a tree entry, as used by the
// native-mode tree encoding.
func gitMode(t model.ObjectType) string {
	switch t {
	case model.Tree:
		return "40000"
	case model.Executable:
		return "100755"
	case model.Symlink:
		return "120000"
	default:
		return "100644"
	}
}

// sortKey implements git's tree sort order: entries are sorted by name, but
// a directory's name is compared as if it had a trailing slash, so
// "foo" (file) sorts before "foo.bar" but "foo/" (dir) sorts after it.
func sortKey(e TreeEntry) string {
	if e.Type == model.Tree {
		return e.Name + "/"
	}
	return e.Name
}

// CanonicalNativeTree builds the raw payload of a git tree object: a
// sequence of "<mode> <name>\0<20-byte raw sha1>" records, sorted per
// sortKey. The caller hashes the result with Context.HashTree.
//
// Symlink entries carry no Digest of their own (TreeEntry.SymlinkTarget is
// the only thing set for them): git has no symlink node type, it stores the
// link target as the content of an ordinary blob and the tree entry
// references that blob's sha1 under mode 120000. We compute that blob
// digest here rather than requiring the caller to pre-populate it, since
// the blob only exists to be referenced by this tree entry.
func CanonicalNativeTree(entries []TreeEntry) ([]byte, error) {
	sorted := append([]TreeEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sortKey(sorted[i]) < sortKey(sorted[j]) })
	var buf strings.Builder
	for _, e := range sorted {
		var raw []byte
		if e.Type == model.Symlink {
			raw = symlinkBlobSHA1(e.SymlinkTarget)
		} else {
			var err error
			raw, err = hex.DecodeString(e.Digest.Hash)
			if err != nil {
				return nil, fmt.Errorf("digest: tree entry %q has non-hex hash: %w", e.Name, err)
			}
			if len(raw) != 20 {
				return nil, fmt.Errorf("digest: tree entry %q hash is %d bytes, want 20 (native mode requires SHA1 children)", e.Name, len(raw))
			}
		}
		fmt.Fprintf(&buf, "%s %s\x00", gitMode(e.Type), e.Name)
		buf.Write(raw)
	}
	return []byte(buf.String()), nil
}

// symlinkBlobSHA1 hashes a symlink target the way git hashes blob content:
// sha1("blob <len>\0" + target).
func symlinkBlobSHA1(target string) []byte {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(target))
	io.WriteString(h, target)
	return h.Sum(nil)
}

// CanonicalCompatibleTree builds a protocol-buffer Directory message payload
// (spec §4.1: "directory payload is a protocol-buffer Directory message,
// canonical field order"). Marshalling a proto message with the same field
// values always produces the same bytes for the subset of features we use
// (no maps, no oneofs), so a plain deterministic marshal suffices.
func CanonicalCompatibleTree(entries []TreeEntry) ([]byte, error) {
	sorted := append([]TreeEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	dir := &pb.Directory{}
	for _, e := range sorted {
		d := &pb.Digest{Hash: e.Digest.Hash, SizeBytes: e.Digest.SizeBytes}
		switch e.Type {
		case model.Tree:
			dir.Directories = append(dir.Directories, &pb.DirectoryNode{Name: e.Name, Digest: d})
		case model.Executable:
			dir.Files = append(dir.Files, &pb.FileNode{Name: e.Name, Digest: d, IsExecutable: true})
		case model.Symlink:
			dir.Symlinks = append(dir.Symlinks, &pb.SymlinkNode{Name: e.Name, Target: e.SymlinkTarget})
		default:
			dir.Files = append(dir.Files, &pb.FileNode{Name: e.Name, Digest: d})
		}
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(dir)
}

// DecodeCompatibleTree parses a protocol-buffer Directory payload back into
// TreeEntry form, used when staging a remote-shaped input root onto local
// disk (internal/execapi).
func DecodeCompatibleTree(payload []byte) ([]TreeEntry, error) {
	dir := &pb.Directory{}
	if err := proto.Unmarshal(payload, dir); err != nil {
		return nil, fmt.Errorf("digest: decoding Directory: %w", err)
	}
	entries := make([]TreeEntry, 0, len(dir.Files)+len(dir.Directories)+len(dir.Symlinks))
	for _, f := range dir.Files {
		t := model.File
		if f.IsExecutable {
			t = model.Executable
		}
		entries = append(entries, TreeEntry{Name: f.Name, Type: t, Digest: model.Digest{Hash: f.Digest.Hash, SizeBytes: f.Digest.SizeBytes}})
	}
	for _, d := range dir.Directories {
		entries = append(entries, TreeEntry{Name: d.Name, Type: model.Tree, Digest: model.Digest{Hash: d.Digest.Hash, SizeBytes: d.Digest.SizeBytes}})
	}
	for _, s := range dir.Symlinks {
		entries = append(entries, TreeEntry{Name: s.Name, Type: model.Symlink, SymlinkTarget: s.Target})
	}
	return entries, nil
}

// DecodeNativeTree parses a git tree object payload back into TreeEntry
// form. Symlink entries carry no digest of their own content here; callers
// resolve the link target by reading the blob at Digest as a file object.
func DecodeNativeTree(payload []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	for len(payload) > 0 {
		sp := indexByte(payload, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("digest: malformed tree entry (no mode separator)")
		}
		mode := string(payload[:sp])
		rest := payload[sp+1:]
		nul := indexByte(rest, 0)
		if nul < 0 {
			return nil, fmt.Errorf("digest: malformed tree entry (no name terminator)")
		}
		name := string(rest[:nul])
		rest = rest[nul+1:]
		if len(rest) < 20 {
			return nil, fmt.Errorf("digest: truncated tree entry hash for %q", name)
		}
		entries = append(entries, TreeEntry{
			Name:   name,
			Type:   objectTypeForGitMode(mode),
			Digest: model.Digest{Hash: hex.EncodeToString(rest[:20]), SizeBytes: -1},
		})
		payload = rest[20:]
	}
	return entries, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func objectTypeForGitMode(mode string) model.ObjectType {
	switch mode {
	case "40000":
		return model.Tree
	case "120000":
		return model.Symlink
	case "100755":
		return model.Executable
	default:
		return model.File
	}
}

// BuildTree canonicalises entries according to the Context's mode and
// returns both the payload bytes and its digest.
func (c *Context) BuildTree(entries []TreeEntry) ([]byte, model.Digest, error) {
	var payload []byte
	var err error
	if c.mode == Compatible {
		payload, err = CanonicalCompatibleTree(entries)
	} else {
		payload, err = CanonicalNativeTree(entries)
	}
	if err != nil {
		return nil, model.Digest{}, err
	}
	return payload, c.HashTree(payload), nil
}

// DecodeTree parses a tree payload produced by BuildTree back into entries,
// dispatching on the Context's mode.
func (c *Context) DecodeTree(payload []byte) ([]TreeEntry, error) {
	if c.mode == Compatible {
		return DecodeCompatibleTree(payload)
	}
	return DecodeNativeTree(payload)
}

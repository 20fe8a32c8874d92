// Package model implements the core data types of the execution engine:
// digests, artifacts, actions and action results (spec §3).
package model

import "fmt"

// A Digest is a content fingerprint: a hash plus the size of the payload it
// was computed over. The hash algorithm in use is a process-wide setting
// (see internal/digest) and is not recorded on the Digest itself.
type Digest struct {
	Hash      string
	SizeBytes int64
}

// SizeKnown reports whether the digest carries a known size. Digests read
// back from a ByteStream before the transfer completes may have size -1.
func (d Digest) SizeKnown() bool {
	return d.SizeBytes >= 0
}

// Empty is the zero digest; used as a sentinel for "no such blob" in places
// like ActionResult.StderrDigest when a stream was empty.
var Empty = Digest{}

func (d Digest) String() string {
	return fmt.Sprintf("%s/%d", d.Hash, d.SizeBytes)
}

// ObjectType distinguishes the four kinds of object the CAS ever stores.
type ObjectType int

const (
	File ObjectType = iota
	Executable
	Tree
	Symlink
)

func (t ObjectType) String() string {
	switch t {
	case File:
		return "file"
	case Executable:
		return "executable"
	case Tree:
		return "tree"
	case Symlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// IsExecutable is a convenience used by the local CAS to decide which shard
// (casf vs casx) a given write should land in; File and Executable share the
// same digest space for identical content, but are hinted separately.
func (t ObjectType) IsExecutable() bool {
	return t == Executable
}

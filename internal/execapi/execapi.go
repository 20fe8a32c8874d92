// Package execapi defines the uniform Execution API contract spec §4.5
// names (upload/is_available/create_action/execute/retrieve_to_*) and its
// local subprocess implementation. internal/rexec provides the remote
// implementation of the same contract.
package execapi

import (
	"context"
	"io"

	"github.com/forgebuild/forge/internal/model"
)

// ObjectInfo names one CAS object by digest and kind, as used by the
// retrieve_to_* family.
type ObjectInfo struct {
	Digest model.Digest
	Type   model.ObjectType
}

// An API is the uniform contract both the local and remote executors
// implement (spec §4.5).
type API interface {
	// Upload ensures every blob is present in this backend's CAS,
	// skipping the FindMissingBlobs check when skipFindMissing is true
	// (the caller already knows which blobs are missing).
	Upload(ctx context.Context, blobs []Blob, skipFindMissing bool) error
	// IsAvailable reports which of the given digests are present.
	IsAvailable(ctx context.Context, digests []model.Digest) (map[string]bool, error)
	// Execute runs action and returns its result.
	Execute(ctx context.Context, action *model.Action) (*model.ActionResult, error)
	// RetrieveToPaths materializes each object at its corresponding local
	// path, falling back to fallback (if non-nil) on a local miss.
	RetrieveToPaths(ctx context.Context, objects []ObjectInfo, paths []string, fallback API) error
	// RetrieveToWriters streams each object's content to the paired writer.
	RetrieveToWriters(ctx context.Context, objects []ObjectInfo, writers []io.Writer) error
	// RetrieveToCAS is the cross-backend bridge: copies objects (and any
	// tree they root) from this API's backend into other's.
	RetrieveToCAS(ctx context.Context, objects []ObjectInfo, other API) error
	// RetrieveToMemory reads a single object's full content.
	RetrieveToMemory(ctx context.Context, object ObjectInfo) ([]byte, error)
}

// Blob pairs a digest with its payload, mirroring internal/rexec.Blob
// without creating an import cycle between execapi and rexec.
type Blob struct {
	Digest model.Digest
	Data   []byte
}

package execapi

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/rexec"
)

// Remote adapts an *rexec.Client to the API contract, so the scheduler can
// treat local and remote execution uniformly (spec §4.5).
type Remote struct {
	client         *rexec.Client
	defaultTimeout time.Duration
}

// NewRemote wraps client for use as an API implementation.
func NewRemote(client *rexec.Client, defaultTimeout time.Duration) *Remote {
	return &Remote{client: client, defaultTimeout: defaultTimeout}
}

func (r *Remote) Upload(ctx context.Context, blobs []Blob, skipFindMissing bool) error {
	toUpload := blobs
	if !skipFindMissing {
		digests := make([]model.Digest, len(blobs))
		for i, b := range blobs {
			digests[i] = b.Digest
		}
		missing, err := r.client.FindMissing(ctx, digests)
		if err != nil {
			return err
		}
		want := make(map[string]bool, len(missing))
		for _, d := range missing {
			want[d.Hash] = true
		}
		toUpload = toUpload[:0]
		for _, b := range blobs {
			if want[b.Digest.Hash] {
				toUpload = append(toUpload, b)
			}
		}
	}
	var batch, stream []rexec.Blob
	maxBatch := r.client.MaxBatchTotalSizeBytes()
	for _, b := range toUpload {
		rb := rexec.Blob{Digest: b.Digest, Data: b.Data}
		if b.Digest.SizeBytes >= maxBatch {
			stream = append(stream, rb)
		} else {
			batch = append(batch, rb)
		}
	}
	if len(batch) > 0 {
		if err := r.client.UploadBatch(ctx, batch); err != nil {
			return err
		}
	}
	for _, b := range stream {
		if err := r.client.UploadStream(ctx, b.Digest, b.Data); err != nil {
			return err
		}
	}
	return nil
}

func (r *Remote) IsAvailable(ctx context.Context, digests []model.Digest) (map[string]bool, error) {
	missing, err := r.client.FindMissing(ctx, digests)
	if err != nil {
		return nil, err
	}
	isMissing := make(map[string]bool, len(missing))
	for _, d := range missing {
		isMissing[d.Hash] = true
	}
	out := make(map[string]bool, len(digests))
	for _, d := range digests {
		out[d.Hash] = !isMissing[d.Hash]
	}
	return out, nil
}

func (r *Remote) Execute(ctx context.Context, action *model.Action) (*model.ActionResult, error) {
	built, err := rexec.BuildAction(action)
	if err != nil {
		return nil, err
	}
	if err := r.Upload(ctx, append([]Blob{}, blobsFrom(built.Blobs)...), false); err != nil {
		return nil, fmt.Errorf("execapi: uploading action blobs: %w", err)
	}
	timeout := action.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	return r.client.Execute(ctx, built.ActionDigest, timeout, nil)
}

func blobsFrom(in []rexec.Blob) []Blob {
	out := make([]Blob, len(in))
	for i, b := range in {
		out[i] = Blob{Digest: b.Digest, Data: b.Data}
	}
	return out
}

func (r *Remote) RetrieveToPaths(ctx context.Context, objects []ObjectInfo, paths []string, fallback API) error {
	for i, o := range objects {
		data, err := r.client.DownloadStream(ctx, o.Digest)
		if err != nil {
			if fallback != nil {
				data, err = fallback.RetrieveToMemory(ctx, o)
			}
			if err != nil {
				return err
			}
		}
		if err := writeFile(paths[i], data); err != nil {
			return err
		}
	}
	return nil
}

func (r *Remote) RetrieveToWriters(ctx context.Context, objects []ObjectInfo, writers []io.Writer) error {
	for i, o := range objects {
		data, err := r.client.DownloadStream(ctx, o.Digest)
		if err != nil {
			return err
		}
		if _, err := writers[i].Write(data); err != nil {
			return err
		}
	}
	return nil
}

// RetrieveToCAS copies objects from the remote into other's backend,
// using other's IsAvailable to compute the minimal transfer set (spec
// §4.5). Only the listed objects are copied: unlike Local.RetrieveToCAS,
// it does not walk a Tree to copy the objects the tree references.
func (r *Remote) RetrieveToCAS(ctx context.Context, objects []ObjectInfo, other API) error {
	digests := make([]model.Digest, len(objects))
	for i, o := range objects {
		digests[i] = o.Digest
	}
	present, err := other.IsAvailable(ctx, digests)
	if err != nil {
		return err
	}
	var blobs []Blob
	for _, o := range objects {
		if present[o.Digest.Hash] {
			continue
		}
		data, err := r.RetrieveToMemory(ctx, o)
		if err != nil {
			return err
		}
		blobs = append(blobs, Blob{Digest: o.Digest, Data: data})
	}
	return other.Upload(ctx, blobs, true)
}

func (r *Remote) RetrieveToMemory(ctx context.Context, object ObjectInfo) ([]byte, error) {
	return r.client.DownloadStream(ctx, object.Digest)
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

package serve

import (
	"context"
	"net/http"

	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/targetcache"
)

type serveTargetResponse struct {
	Entry      targetcache.Entry `json:"entry"`
	ObjectInfo objectInfoJSON    `json:"object_info"`
}

type objectInfoJSON struct {
	Digest digestJSON       `json:"digest"`
	Type   model.ObjectType `json:"type"`
}

// ServeTarget retrieves the target cache entry and the object info of its
// exported value for key, the way ServeTarget's caller in the original
// consumes a remote export-target build without running the analysis phase
// itself. It does not stage any blobs into a local CAS; the caller bridges
// the returned ObjectInfo's content the same way any other ActionOutput is
// bridged (internal/scheduler's RetrieveToCAS path).
func (c *Client) ServeTarget(ctx context.Context, key targetcache.Key) (*targetcache.Entry, model.Digest, model.ObjectType, bool, error) {
	var resp serveTargetResponse
	found, err := c.call(ctx, http.MethodPost, "/target", digestRequest{Digest: toDigestJSON(key.Digest)}, &resp)
	if err != nil || !found {
		return nil, model.Digest{}, 0, found, err
	}
	return &resp.Entry, resp.ObjectInfo.Digest.toDigest(), resp.ObjectInfo.Type, true, nil
}

type targetVariablesRequest struct {
	RootTree   digestJSON `json:"root_tree"`
	TargetFile string     `json:"target_file"`
	Target     string     `json:"target"`
}

type targetVariablesResponse struct {
	Variables []string `json:"variables"`
}

// ServeTargetVariables retrieves the flexible configuration variables an
// export target reads, without running the analysis phase locally.
func (c *Client) ServeTargetVariables(ctx context.Context, rootTree model.Digest, targetFile, target string) ([]string, error) {
	var resp targetVariablesResponse
	req := targetVariablesRequest{RootTree: toDigestJSON(rootTree), TargetFile: targetFile, Target: target}
	found, err := c.call(ctx, http.MethodPost, "/target-variables", req, &resp)
	if err != nil || !found {
		return nil, err
	}
	return resp.Variables, nil
}

// TargetVariablesResolver is the server-side hook for ServeTargetVariables.
// Extracting a target's flexible config variables requires re-running
// enough of the analysis phase to parse its target file; that phase is out
// of scope for this engine (spec §1), so the server delegates to whatever
// implementation the deployment wires in.
type TargetVariablesResolver interface {
	TargetVariables(ctx context.Context, rootTree model.Digest, targetFile, target string) ([]string, bool, error)
}

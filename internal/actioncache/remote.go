package actioncache

import (
	"context"

	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/rexec"
)

// Remote adapts an *rexec.Client's GetActionResult/UpdateActionResult
// pair to the Cache interface.
type Remote struct {
	client *rexec.Client
}

// NewRemote wraps client as a remote action cache.
func NewRemote(client *rexec.Client) *Remote {
	return &Remote{client: client}
}

func (r *Remote) Get(ctx context.Context, actionDigest model.Digest) (*model.ActionResult, bool, error) {
	return r.client.GetActionResult(ctx, actionDigest)
}

func (r *Remote) Put(ctx context.Context, actionDigest model.Digest, result *model.ActionResult) error {
	return r.client.UpdateActionResult(ctx, actionDigest, result)
}

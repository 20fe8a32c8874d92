package actioncache

import (
	"context"

	"github.com/forgebuild/forge/internal/model"
)

// Tiered composes a Local and an optional Remote cache per spec §4.4's
// write policy: "after a successful execution the engine writes to local
// AC unconditionally and to remote AC only when the remote executor did
// not already produce the entry." Get consults local first, then remote.
type Tiered struct {
	Local  *Local
	Remote Cache // nil when no remote is configured
}

// GetResult looks up actionDigest in local AC, then remote AC.
func (t *Tiered) GetResult(ctx context.Context, actionDigest model.Digest) (*model.ActionResult, bool, error) {
	r, ok, _, err := t.GetResultTiered(ctx, actionDigest)
	return r, ok, err
}

// GetResultTiered is GetResult plus which tier answered, so a caller that
// needs to know where the result's referenced blobs actually live (the
// scheduler, bridging outputs to the backend that will consume them next)
// doesn't have to duplicate the local-then-remote lookup order.
func (t *Tiered) GetResultTiered(ctx context.Context, actionDigest model.Digest) (result *model.ActionResult, ok bool, fromRemote bool, err error) {
	if r, hit, err := t.Local.Get(ctx, actionDigest); err != nil {
		return nil, false, false, err
	} else if hit {
		return r, true, false, nil
	}
	if t.Remote == nil {
		return nil, false, false, nil
	}
	r, hit, err := t.Remote.Get(ctx, actionDigest)
	return r, hit, hit, err
}

// PutResult writes to local unconditionally, and to remote only when
// fromRemoteExecution is false (a remote executor that already wrote the
// AC entry itself shouldn't be redundantly written again).
func (t *Tiered) PutResult(ctx context.Context, actionDigest model.Digest, result *model.ActionResult, fromRemoteExecution bool) error {
	if err := t.Local.Put(ctx, actionDigest, result); err != nil {
		return err
	}
	if t.Remote != nil && !fromRemoteExecution {
		return t.Remote.Put(ctx, actionDigest, result)
	}
	return nil
}

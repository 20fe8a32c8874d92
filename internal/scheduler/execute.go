package scheduler

import (
	"context"
	"fmt"
	"reflect"

	"github.com/forgebuild/forge/internal/dag"
	"github.com/forgebuild/forge/internal/execapi"
	"github.com/forgebuild/forge/internal/model"
)

// backendFor picks the execapi.API that should run a, consulting the
// platform-properties dispatch table before falling back to Local (spec
// §6 "Address form").
func (s *Scheduler) backendFor(a *model.Action) (string, execapi.API) {
	if s.opts.Dispatch != nil {
		if endpoint, ok := s.opts.Dispatch.Resolve(a.PlatformProperties); ok {
			if api, ok := s.backends[endpoint]; ok {
				return endpoint, api
			}
			log.Warning("scheduler: dispatch endpoint %q has no configured backend, falling back to local", endpoint)
		}
	}
	return "local", s.opts.Local
}

// runOne executes spec §4.7 steps 4-6 for a single action: build its
// input root, look it up in the action cache, execute on a miss, write
// the cache on success, and (in rebuild mode) detect flakiness.
func (s *Scheduler) runOne(ctx context.Context, a *dag.ActionNode) error {
	if a.Action.Timeout <= 0 && s.opts.DefaultTimeout > 0 {
		a.Action.Timeout = s.opts.DefaultTimeout
	}
	backendID, backend := s.backendFor(a.Action)

	rootDigest, err := s.buildInputRoot(ctx, a.Inputs, backendID)
	if err != nil {
		return s.fail(a, fmt.Errorf("scheduler: action %s: %w", a.ID, err))
	}
	a.Action.InputRootDigest = rootDigest

	actionDigest, err := s.opts.Digest.ActionDigest(a.Action)
	if err != nil {
		return s.fail(a, fmt.Errorf("scheduler: action %s: computing action digest: %w", a.ID, err))
	}

	result, cached, err := s.lookupOrExecute(ctx, a, actionDigest, backendID, backend)
	if err != nil {
		return s.fail(a, err)
	}

	if s.opts.Rebuild && !a.Action.DoNotCache {
		if flaky := s.checkFlaky(ctx, a, actionDigest, backendID, backend, result); flaky && s.opts.Strict {
			return s.fail(a, fmt.Errorf("scheduler: action %s is flaky (strict mode)", a.ID))
		}
	}

	if s.opts.Stats != nil {
		if cached {
			s.opts.Stats.Cached++
		} else {
			s.opts.Stats.Executed++
		}
	}

	s.mu.Lock()
	s.outcomes[a.ID] = &Outcome{ActionID: a.ID, Result: result, Backend: backendID}
	s.mu.Unlock()
	return nil
}

// lookupOrExecute tries the action cache (unless the action opts out),
// verifies a hit's declared outputs are all present (treating a partial
// hit as a miss, spec §3), and executes on a miss, writing the cache back
// on success.
func (s *Scheduler) lookupOrExecute(ctx context.Context, a *dag.ActionNode, actionDigest model.Digest, backendID string, backend execapi.API) (*model.ActionResult, bool, error) {
	if s.opts.Cache != nil && !a.Action.DoNotCache {
		if result, ok, fromRemote, err := s.opts.Cache.GetResultTiered(ctx, actionDigest); err != nil {
			log.Warning("scheduler: action cache lookup for %s failed: %s", a.ID, err)
		} else if ok {
			if missing := result.VerifyOutputs(a.Action); missing == "" {
				cacheBackend := "local"
				if fromRemote {
					cacheBackend = "remote"
				}
				if cacheBackend != backendID {
					if src, ok := s.backends[cacheBackend]; ok {
						if err := s.bridgeResult(ctx, src, backend, a.Action, result); err != nil {
							return nil, false, err
						}
					}
				}
				return result, true, nil
			}
			log.Debug("scheduler: action %s cache hit missing declared output, re-executing", a.ID)
		}
	}

	result, err := backend.Execute(ctx, a.Action)
	if err != nil {
		return nil, false, fmt.Errorf("scheduler: executing action %s: %w", a.ID, err)
	}
	if missing := result.VerifyOutputs(a.Action); missing != "" {
		return nil, false, fmt.Errorf("scheduler: action %s did not produce declared output %q", a.ID, missing)
	}
	if s.opts.Cache != nil && !a.Action.DoNotCache {
		if err := s.opts.Cache.PutResult(ctx, actionDigest, result, backendID != "local"); err != nil {
			log.Warning("scheduler: writing action cache entry for %s failed: %s", a.ID, err)
		}
	}
	return result, false, nil
}

// bridgeResult copies a cached result's declared output files and output
// trees from the backend that answered the cache lookup to the one about
// to execute (or, on a hit, consume) the action, using the cross-backend
// bridge. Stdout and stderr blobs are not copied.
func (s *Scheduler) bridgeResult(ctx context.Context, src, dst execapi.API, a *model.Action, result *model.ActionResult) error {
	var objects []execapi.ObjectInfo
	for _, f := range a.OutputFiles {
		if d, ok := result.OutputFileDigests[f]; ok {
			t := model.File
			objects = append(objects, execapi.ObjectInfo{Digest: d, Type: t})
		}
	}
	for _, d := range a.OutputDirs {
		if td, ok := result.OutputDirDigests[d]; ok {
			objects = append(objects, execapi.ObjectInfo{Digest: td, Type: model.Tree})
		}
	}
	if len(objects) == 0 {
		return nil
	}
	return src.RetrieveToCAS(ctx, objects, dst)
}

// checkFlaky re-runs a with the cache bypassed and compares the two
// results digest-by-digest (spec §4.7 step 6). A disagreement is counted
// once per unique action digest; in strict mode it also fails the build.
func (s *Scheduler) checkFlaky(ctx context.Context, a *dag.ActionNode, actionDigest model.Digest, backendID string, backend execapi.API, first *model.ActionResult) bool {
	second, err := backend.Execute(ctx, a.Action)
	if err != nil {
		log.Warning("scheduler: rebuild re-run of action %s failed: %s", a.ID, err)
		return false
	}
	if resultsAgree(first, second) {
		return false
	}
	s.mu.Lock()
	_, already := s.flakyIDs[actionDigest.Hash]
	if !already {
		s.flakyIDs[actionDigest.Hash] = struct{}{}
	}
	s.mu.Unlock()
	if !already {
		if s.opts.Stats != nil {
			s.opts.Stats.Flaky++
		}
		log.Warning("scheduler: action %s is flaky: outputs differ between runs", a.ID)
	}
	return true
}

func resultsAgree(a, b *model.ActionResult) bool {
	if a.ExitCode != b.ExitCode {
		return false
	}
	return reflect.DeepEqual(a.OutputFileDigests, b.OutputFileDigests) &&
		reflect.DeepEqual(a.OutputDirDigests, b.OutputDirDigests) &&
		reflect.DeepEqual(a.OutputSymlinks, b.OutputSymlinks)
}

// fail records a's failure as its Outcome (so it still shows up in a
// terminal Result's diagnostics) and returns the error that stops the
// scheduler.
func (s *Scheduler) fail(a *dag.ActionNode, err error) error {
	s.mu.Lock()
	s.outcomes[a.ID] = &Outcome{ActionID: a.ID, Err: err}
	s.mu.Unlock()
	return err
}

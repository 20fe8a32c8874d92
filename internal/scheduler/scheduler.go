// Package scheduler implements spec §4.7: the traverser that walks a
// closed action DAG, stages each action's input root, consults the action
// cache, dispatches execution to the local or a remote backend, and
// aggregates the result.
//
// Grounded on the teacher's src/core/state.go channel-and-mutex-counter
// pending-work bookkeeping (numActive/numPending/numDone, a Stop signal
// once pending reaches zero), reworked from a label-keyed build queue into
// a ready-count traversal over internal/dag's Action/Artifact nodes, and
// from the teacher's unbounded goroutine-per-target model into an
// errgroup-bounded worker pool (spec §5's "bounded worker pool, size =
// configured jobs").
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/go-multierror"

	"github.com/forgebuild/forge/internal/actioncache"
	"github.com/forgebuild/forge/internal/clog"
	"github.com/forgebuild/forge/internal/dag"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/dispatch"
	"github.com/forgebuild/forge/internal/execapi"
	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/progress"
)

var log = clog.NewLogger("scheduler")

// SourceResolver resolves a repository-relative path (a LocalSource
// artifact) to its content digest, storing the underlying bytes into the
// local backend as a side effect. The analysis phase that produces
// LocalSource artifacts is out of scope (spec §1); this is the scheduler's
// only hook into it.
type SourceResolver func(repoRelativePath string) (model.Digest, model.ObjectType, error)

// Options configures a Scheduler.
type Options struct {
	// Jobs bounds the number of actions running concurrently. Zero means 1.
	Jobs int
	// DefaultCPUWeight is the concurrency weight of an action that sets no
	// "resources:cpu" platform property (spec's supplemented per-action
	// resource accounting).
	DefaultCPUWeight int

	Local  execapi.API
	Remote execapi.API // nil when no default remote is configured

	// Remotes maps a dispatch-table endpoint string to the API that
	// should execute actions routed there; Dispatch picks the endpoint by
	// platform properties, falling back to Local when none matches (or
	// when Dispatch is nil).
	Remotes  map[string]execapi.API
	Dispatch dispatch.Table

	Cache *actioncache.Tiered

	Digest *digest.Context

	Source SourceResolver

	Stats *progress.Statistics

	// Rebuild, when set, re-runs every action a second time with the
	// cache lookup skipped and compares results to detect flakiness
	// (spec §4.7 step 6).
	Rebuild bool
	// Strict turns a detected flaky action into a build failure instead
	// of a reported warning.
	Strict bool

	DefaultTimeout time.Duration
}

// An Outcome records what happened to one action.
type Outcome struct {
	ActionID string
	Result   *model.ActionResult
	Err      error
	Flaky    bool
	// Backend is the id (a dispatch endpoint, or "local") of whichever
	// execapi.API produced Result, so a later action that consumes one of
	// its outputs knows where to bridge the bytes from.
	Backend string
}

// A Result is the terminal report of a Run: completed per-action outcomes
// plus, on a terminal failure, the aggregated diagnostics of whatever was
// still in flight when the scheduler gave up.
type Result struct {
	Outcomes map[string]*Outcome
	Err      error
}

type resolvedLeaf struct {
	Digest  model.Digest
	Type    model.ObjectType
	Symlink string
	Backend string // key into Scheduler.backends
}

// A Scheduler runs one build: it owns the mutable traversal state (ready
// counts, resolved artifact digests, per-action outcomes) for a single
// call to Run.
type Scheduler struct {
	opts  Options
	graph *dag.Graph

	backends map[string]execapi.API

	mu       sync.Mutex
	resolved map[string]resolvedLeaf // artifact ID -> resolved value
	ready    map[string]int          // action ID -> unfinished producer count
	outcomes map[string]*Outcome     // action ID -> outcome, once finished
	seen     map[string]struct{}     // action IDs already enqueued
	flakyIDs map[string]struct{}     // action digest hashes already counted as flaky
}

// New returns a Scheduler that will traverse graph.
func New(graph *dag.Graph, opts Options) *Scheduler {
	if opts.Jobs <= 0 {
		opts.Jobs = 1
	}
	if opts.DefaultCPUWeight <= 0 {
		opts.DefaultCPUWeight = 1
	}
	backends := map[string]execapi.API{"local": opts.Local}
	if opts.Remote != nil {
		backends["remote"] = opts.Remote
	}
	for endpoint, api := range opts.Remotes {
		backends[endpoint] = api
	}
	return &Scheduler{
		opts:     opts,
		graph:    graph,
		backends: backends,
		resolved: map[string]resolvedLeaf{},
		ready:    map[string]int{},
		outcomes: map[string]*Outcome{},
		seen:     map[string]struct{}{},
		flakyIDs: map[string]struct{}{},
	}
}

// Run schedules every action reachable from goals (spec §4.7 steps 2-5)
// and returns once all of them have finished, or the scheduler gives up
// after a terminal failure.
func (s *Scheduler) Run(ctx context.Context, goals []*dag.ArtifactNode) (*Result, error) {
	ready := s.initReadyCounts(goals)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan int, s.opts.Jobs)
	for i := 0; i < cap(sem); i++ {
		sem <- 1
	}

	_, totalActions := s.graph.Len()
	queue := make(chan *dag.ActionNode, totalActions+1)
	var queueMu sync.Mutex
	enqueue := func(a *dag.ActionNode) {
		queueMu.Lock()
		defer queueMu.Unlock()
		if _, ok := s.seen[a.ID]; ok {
			return
		}
		s.seen[a.ID] = struct{}{}
		queue <- a
		if s.opts.Stats != nil {
			s.opts.Stats.Queued++
		}
	}

	var pending sync.WaitGroup
	for _, a := range ready {
		pending.Add(1)
		enqueue(a)
	}

	var terminalErr error
	var terminalMu sync.Mutex

	go func() {
		pending.Wait()
		close(queue)
	}()

	for i := 0; i < s.opts.Jobs; i++ {
		g.Go(func() error {
			for a := range queue {
				weight := s.weightFor(a.Action)
				if err := acquire(gctx, sem, weight); err != nil {
					pending.Done()
					return err
				}
				err := s.runOne(gctx, a)
				release(sem, weight)
				if err != nil {
					terminalMu.Lock()
					if terminalErr == nil {
						terminalErr = err
						cancel()
					}
					terminalMu.Unlock()
				}
				for _, next := range s.onActionFinished(a) {
					pending.Add(1)
					enqueue(next)
				}
				pending.Done()
			}
			return nil
		})
	}

	_ = g.Wait()

	s.mu.Lock()
	outcomes := make(map[string]*Outcome, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}
	s.mu.Unlock()

	if terminalErr != nil {
		return &Result{Outcomes: outcomes, Err: s.collectDiagnostics(terminalErr, outcomes)}, terminalErr
	}
	return &Result{Outcomes: outcomes}, nil
}

func acquire(ctx context.Context, sem chan int, weight int) error {
	for i := 0; i < weight; i++ {
		select {
		case <-sem:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func release(sem chan int, weight int) {
	for i := 0; i < weight; i++ {
		sem <- 1
	}
}

// weightFor is the supplemented per-action resource accounting: an action
// that sets the "resources:cpu" platform property consumes that many
// worker-pool slots instead of a flat 1 (mirrors the teacher's
// src/core/resources.go build-slot weighting).
func (s *Scheduler) weightFor(a *model.Action) int {
	if v, ok := a.PropertyValue("resources:cpu"); ok {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			if n > s.opts.Jobs {
				n = s.opts.Jobs
			}
			return n
		}
	}
	return s.opts.DefaultCPUWeight
}

// initReadyCounts closes the ready-count table for every action reachable
// from goals (spec §4.7 step 1 was already done by dag.Builder; this is
// step 2) and returns the actions with a ready count of zero.
func (s *Scheduler) initReadyCounts(goals []*dag.ArtifactNode) []*dag.ActionNode {
	visited := map[string]bool{}
	var walk func(n *dag.ArtifactNode)
	walk = func(n *dag.ArtifactNode) {
		if n == nil || n.Builder == nil {
			return
		}
		a := n.Builder
		if visited[a.ID] {
			return
		}
		visited[a.ID] = true
		producers := map[string]bool{}
		for _, in := range a.Inputs {
			if in.Artifact.Builder != nil {
				producers[in.Artifact.Builder.ID] = true
			}
		}
		s.ready[a.ID] = len(producers)
		for _, in := range a.Inputs {
			walk(in.Artifact)
		}
	}
	for _, goal := range goals {
		walk(goal)
	}

	var roots []*dag.ActionNode
	for id := range s.ready {
		if s.ready[id] == 0 {
			roots = append(roots, s.graph.Action(id))
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	return roots
}

// onActionFinished decrements the ready count of every action that
// consumes one of a's outputs, returning the ones that just reached zero.
func (s *Scheduler) onActionFinished(a *dag.ActionNode) []*dag.ActionNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	consumers := map[string]*dag.ActionNode{}
	// A consumer may bind a resolver's placeholder artifact node (whose
	// Builder is a) rather than one of a.Outputs' own nodes, so consumers
	// are found through their inputs' builder.
	for id := range s.ready {
		c := s.graph.Action(id)
		if c == nil {
			continue
		}
		for _, in := range c.Inputs {
			if in.Artifact.Builder == a {
				consumers[id] = c
				break
			}
		}
	}
	var next []*dag.ActionNode
	ids := make([]string, 0, len(consumers))
	for id := range consumers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, ok := s.ready[id]; !ok {
			continue // not part of this goal's closure
		}
		s.ready[id]--
		if s.ready[id] == 0 {
			next = append(next, consumers[id])
		}
	}
	return next
}

// collectDiagnostics aggregates per-action errors from whatever finished
// before the terminal failure, per spec §4.7 step 7 ("drains in-flight
// work, collects the partial result set, returns per-action diagnostics").
func (s *Scheduler) collectDiagnostics(cause error, outcomes map[string]*Outcome) error {
	var merr *multierror.Error
	merr = multierror.Append(merr, fmt.Errorf("scheduler: terminal failure: %w", cause))
	ids := make([]string, 0, len(outcomes))
	for id := range outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if o := outcomes[id]; o.Err != nil {
			merr = multierror.Append(merr, fmt.Errorf("action %s: %w", id, o.Err))
		}
	}
	return merr.ErrorOrNil()
}

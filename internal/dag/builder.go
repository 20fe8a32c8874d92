package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/forgebuild/forge/internal/model"
)

// A Resolution is what a Resolver returns for one artifact that needs a
// builder action: the action itself, and the bindings of its inputs to
// in-action paths. An artifact with a nil Action is a source or known leaf.
type Resolution struct {
	Action *model.Action
	Inputs []InputSpec
}

// An InputSpec names one of an action's inputs by the in-action path it
// must be staged at.
type InputSpec struct {
	Path     string
	Artifact *model.Artifact
}

// A Resolver is the DAG's interface to the external analysis phase (spec
// §1, "out of scope ... referenced only through its interface to the
// core"). Given an artifact the DAG hasn't seen yet, it returns the action
// that produces it, or a nil Action for source/known leaves.
type Resolver interface {
	Resolve(artifact *model.Artifact) (Resolution, error)
}

// A CycleError reports a dependency cycle found during construction, with
// the chain printed in insertion order for diagnosis (spec §4.6, testable
// property 2).
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return "dependency cycle found:\n  " + strings.Join(e.Chain, "\n  -> ")
}

// A Builder constructs a Graph depth-first from a set of goal artifacts,
// deduplicating by artifact/action identifier and detecting cycles with an
// in-progress visitation stack (never lazily, per spec §9's design notes).
type Builder struct {
	graph    *Graph
	resolver Resolver

	// stack and onStack implement the cycle check: onStack[id] is true
	// while id's construction is still in progress on the call stack.
	stack   []string
	onStack map[string]bool
}

// NewBuilder returns a Builder that adds nodes to graph, resolving new
// artifacts through resolver.
func NewBuilder(graph *Graph, resolver Resolver) *Builder {
	return &Builder{graph: graph, resolver: resolver, onStack: map[string]bool{}}
}

// AddGoal closes the DAG for one requested output artifact: it resolves the
// artifact and, recursively, every input of its producing action (spec
// §4.7 step 1). It returns the artifact's node.
func (b *Builder) AddGoal(artifact *model.Artifact) (*ArtifactNode, error) {
	return b.addArtifact(artifact)
}

func (b *Builder) addArtifact(artifact *model.Artifact) (*ArtifactNode, error) {
	id := artifact.ID()

	// The in-progress check must run before the already-created fast path:
	// a cyclic back-edge re-enters addArtifact for an id whose node was
	// already inserted into graph.artifacts by the in-progress call further
	// up the stack (getOrCreateArtifact below runs before we recurse into
	// inputs), so checking graph.artifacts first would make onStack dead
	// code for every cycle.
	if b.onStack[id] {
		return nil, &CycleError{Chain: append(append([]string{}, b.stack...), id)}
	}

	b.graph.mu.Lock()
	if existing, ok := b.graph.artifacts[id]; ok {
		b.graph.mu.Unlock()
		return existing, nil
	}
	b.graph.mu.Unlock()

	b.onStack[id] = true
	b.stack = append(b.stack, id)
	defer func() {
		b.stack = b.stack[:len(b.stack)-1]
		delete(b.onStack, id)
	}()

	res, err := b.resolver.Resolve(artifact)
	if err != nil {
		return nil, fmt.Errorf("dag: resolving %s: %w", id, err)
	}

	b.graph.mu.Lock()
	node := b.graph.getOrCreateArtifact(artifact)
	b.graph.mu.Unlock()

	if res.Action == nil {
		// Source or known leaf: no builder action.
		return node, nil
	}

	actionNode, err := b.addAction(res.Action, res.Inputs, node)
	if err != nil {
		// A failed closure must not leave this call's node behind without
		// a builder.
		b.graph.mu.Lock()
		if node.Builder == nil {
			delete(b.graph.artifacts, id)
		}
		b.graph.mu.Unlock()
		return nil, err
	}
	node.Builder = actionNode
	return node, nil
}

// addAction resolves every input of action (recursively closing the DAG
// over them), enforces the builder invariants, and deduplicates the action
// node by its computed ID.
func (b *Builder) addAction(action *model.Action, inputs []InputSpec, producedOutput *ArtifactNode) (*ActionNode, error) {
	if err := validateAction(action); err != nil {
		return nil, err
	}

	sortedInputs := append([]InputSpec(nil), inputs...)
	sort.Slice(sortedInputs, func(i, j int) bool { return sortedInputs[i].Path < sortedInputs[j].Path })

	bindings := make([]InputBinding, 0, len(sortedInputs))
	for _, in := range sortedInputs {
		if !isLexicallyNormalRelative(in.Path) {
			return nil, fmt.Errorf("dag: input path %q is not lexically normal and relative", in.Path)
		}
		childNode, err := b.addArtifact(in.Artifact)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, InputBinding{Path: in.Path, Artifact: childNode})
	}

	id := actionID(action, bindings)

	b.graph.mu.Lock()
	if existing, ok := b.graph.actions[id]; ok {
		b.graph.mu.Unlock()
		return existing, nil
	}
	node := &ActionNode{ID: id, Action: action, Inputs: bindings}
	b.graph.actions[id] = node
	b.graph.mu.Unlock()

	for _, in := range bindings {
		in.Artifact.addConsumer(node)
	}

	outs := make([]OutputBinding, 0, len(action.OutputFiles)+len(action.OutputDirs))
	for _, f := range action.OutputFiles {
		outs = append(outs, b.outputBinding(node, f, model.File))
	}
	for _, d := range action.OutputDirs {
		outs = append(outs, b.outputBinding(node, d, model.Tree))
	}
	sort.Slice(outs, func(i, j int) bool { return outs[i].Path < outs[j].Path })
	node.Outputs = outs
	return node, nil
}

func (b *Builder) outputBinding(action *ActionNode, outPath string, t model.ObjectType) OutputBinding {
	artifact := &model.Artifact{Kind: model.ActionOutput, ActionID: action.ID, OutputPath: outPath, OutputType: t}
	b.graph.mu.Lock()
	node := b.graph.getOrCreateArtifact(artifact)
	b.graph.mu.Unlock()
	node.Builder = action
	return OutputBinding{Path: outPath, Artifact: node}
}

func validateAction(a *model.Action) error {
	if len(a.OutputFiles) == 0 && len(a.OutputDirs) == 0 {
		return fmt.Errorf("dag: action %v declares no outputs", a.Command)
	}
	for _, f := range a.OutputFiles {
		if !isValidOutputPath(f) {
			return fmt.Errorf("dag: output file path %q is invalid", f)
		}
	}
	for _, d := range a.OutputDirs {
		if !isValidOutputPath(d) {
			return fmt.Errorf("dag: output dir path %q is invalid", d)
		}
	}
	return nil
}

// isValidOutputPath enforces spec §4.6: non-empty, lexically normal, not
// "." or "..".
func isValidOutputPath(p string) bool {
	if p == "" || p == "." || p == ".." {
		return false
	}
	return isLexicallyNormalRelative(p)
}

func isLexicallyNormalRelative(p string) bool {
	if p == "" || path.IsAbs(p) {
		return false
	}
	clean := path.Clean(p)
	if clean != p {
		return false
	}
	if clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return false
	}
	return true
}

// actionID computes a DAG-dedup identifier for an action independent of its
// not-yet-known action digest (which requires a resolved input root tree,
// only available once the scheduler stages the action, spec §4.7 step 4).
// It hashes the action's own fields plus the resolved IDs of its input
// artifacts, keyed by in-action path - the "synthetic marker" spec §4.6
// refers to as the `action_id` artifact description for tree actions.
func actionID(a *model.Action, bindings []InputBinding) string {
	type prop struct{ Name, Value string }
	type input struct{ Path, ArtifactID string }
	type shadow struct {
		Command    []string          `json:"command"`
		Env        map[string]string `json:"env"`
		OutputFile []string          `json:"output_files"`
		OutputDir  []string          `json:"output_dirs"`
		Props      []prop            `json:"platform_properties"`
		TimeoutNS  int64             `json:"timeout_ns"`
		DoNotCache bool              `json:"do_not_cache"`
		Inputs     []input           `json:"inputs"`
	}
	s := shadow{
		Command:    a.Command,
		Env:        a.Env,
		OutputFile: append([]string(nil), a.OutputFiles...),
		OutputDir:  append([]string(nil), a.OutputDirs...),
		TimeoutNS:  int64(a.Timeout),
		DoNotCache: a.DoNotCache,
	}
	sort.Strings(s.OutputFile)
	sort.Strings(s.OutputDir)
	for _, p := range a.PlatformProperties {
		s.Props = append(s.Props, prop{p.Name, p.Value})
	}
	for _, in := range bindings {
		s.Inputs = append(s.Inputs, input{Path: in.Path, ArtifactID: in.Artifact.ID})
	}
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("dag: marshalling action: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

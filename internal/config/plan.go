package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/forgebuild/forge/internal/dag"
	"github.com/forgebuild/forge/internal/model"
)

// A Plan is the JSON shape `cmd/enginectl build` reads in place of a real
// analysis phase (spec §1 puts the analysis phase that turns build files
// into actions out of scope, exposing the DAG only through
// dag.Resolver). It names every action and artifact in a build directly,
// the way a test harness or a generated-plan tool would hand the engine a
// pre-resolved graph.
type Plan struct {
	Goals   []string         `json:"goals"`
	Actions []PlanAction     `json:"actions"`
	Sources []PlanLocalInput `json:"sources"`
}

// PlanAction is one action plus the artifact IDs of its declared outputs.
type PlanAction struct {
	ID                 string            `json:"id"`
	Command            []string          `json:"command"`
	Env                map[string]string `json:"env"`
	Inputs             []PlanInput       `json:"inputs"`
	OutputFiles        []string          `json:"output_files"`
	OutputDirs         []string          `json:"output_dirs"`
	PlatformProperties map[string]string `json:"platform_properties"`
	TimeoutSeconds     int               `json:"timeout_seconds"`
	DoNotCache         bool              `json:"do_not_cache"`
}

// PlanInput binds an in-action path to either another action's output
// (ActionID+OutputPath) or a source artifact (SourceID).
type PlanInput struct {
	Path     string `json:"path"`
	ActionID string `json:"action_id,omitempty"`
	Output   string `json:"output,omitempty"`
	SourceID string `json:"source_id,omitempty"`
}

// PlanLocalInput names a repository-relative source file or directory by
// an ID the plan's PlanInput.SourceID entries reference.
type PlanLocalInput struct {
	ID               string `json:"id"`
	RepoRelativePath string `json:"path"`
	Dir              bool   `json:"dir"`
}

// LoadPlan reads and parses a Plan from path.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading plan %s: %w", path, err)
	}
	p := &Plan{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("config: parsing plan %s: %w", path, err)
	}
	return p, nil
}

// planResolver implements dag.Resolver over a Plan already indexed by
// action ID and output artifact ID, so Builder.AddGoal can close the
// graph from nothing but goal artifact identifiers.
type planResolver struct {
	actions map[string]PlanAction
	outputs map[string]*model.Artifact // "actionID\x00outputPath" -> placeholder artifact
	sources map[string]PlanLocalInput
}

func newPlanResolver(p *Plan) *planResolver {
	r := &planResolver{
		actions: map[string]PlanAction{},
		outputs: map[string]*model.Artifact{},
		sources: map[string]PlanLocalInput{},
	}
	for _, a := range p.Actions {
		r.actions[a.ID] = a
		for _, out := range append(append([]string{}, a.OutputFiles...), a.OutputDirs...) {
			typ := model.File
			for _, d := range a.OutputDirs {
				if d == out {
					typ = model.Tree
				}
			}
			r.outputs[a.ID+"\x00"+out] = &model.Artifact{Kind: model.ActionOutput, ActionID: a.ID, OutputPath: out, OutputType: typ}
		}
	}
	for _, s := range p.Sources {
		r.sources[s.ID] = s
	}
	return r
}

// Resolve implements dag.Resolver. The placeholder artifact returned for
// every output of actionID must be the exact pointer AddGoal later
// resolves that action's own outputs to, per this resolver's own "same
// pointer" contract with dag.Builder.
func (r *planResolver) Resolve(artifact *model.Artifact) (dag.Resolution, error) {
	if artifact.Kind != model.ActionOutput {
		return dag.Resolution{}, fmt.Errorf("config: planResolver asked to resolve a non-action artifact")
	}
	a, ok := r.actions[artifact.ActionID]
	if !ok {
		return dag.Resolution{}, fmt.Errorf("config: plan has no action %q", artifact.ActionID)
	}
	var props []model.Property
	for k, v := range a.PlatformProperties {
		props = append(props, model.Property{Name: k, Value: v})
	}
	action := &model.Action{
		Command:            a.Command,
		Env:                a.Env,
		OutputFiles:        a.OutputFiles,
		OutputDirs:         a.OutputDirs,
		PlatformProperties: props,
		DoNotCache:         a.DoNotCache,
	}
	if a.TimeoutSeconds > 0 {
		action.Timeout = time.Duration(a.TimeoutSeconds) * time.Second
	}
	inputs := make([]dag.InputSpec, 0, len(a.Inputs))
	for _, in := range a.Inputs {
		art, err := r.resolveInputArtifact(in)
		if err != nil {
			return dag.Resolution{}, err
		}
		inputs = append(inputs, dag.InputSpec{Path: in.Path, Artifact: art})
	}
	return dag.Resolution{Action: action, Inputs: inputs}, nil
}

func (r *planResolver) resolveInputArtifact(in PlanInput) (*model.Artifact, error) {
	if in.SourceID != "" {
		s, ok := r.sources[in.SourceID]
		if !ok {
			return nil, fmt.Errorf("config: plan has no source %q", in.SourceID)
		}
		return &model.Artifact{Kind: model.LocalSource, RepoRelativePath: s.RepoRelativePath}, nil
	}
	if in.ActionID == "" {
		return nil, fmt.Errorf("config: plan input %q names neither a source nor an action output", in.Path)
	}
	art, ok := r.outputs[in.ActionID+"\x00"+in.Output]
	if !ok {
		return nil, fmt.Errorf("config: plan has no output %q on action %q", in.Output, in.ActionID)
	}
	return art, nil
}

// BuildGraph closes a dag.Graph over every goal artifact named in p,
// using p itself (via planResolver) as the dag.Resolver.
func BuildGraph(p *Plan) (*dag.Graph, []*dag.ArtifactNode, error) {
	resolver := newPlanResolver(p)
	graph := dag.NewGraph()
	builder := dag.NewBuilder(graph, resolver)

	goals := make([]*dag.ArtifactNode, 0, len(p.Goals))
	for _, g := range p.Goals {
		art, err := goalArtifact(resolver, g)
		if err != nil {
			return nil, nil, err
		}
		node, err := builder.AddGoal(art)
		if err != nil {
			return nil, nil, err
		}
		goals = append(goals, node)
	}
	return graph, goals, nil
}

// goalArtifact resolves a goal name (either a plan source ID or an
// "actionID:outputPath" pair) into the model.Artifact AddGoal expects.
func goalArtifact(r *planResolver, goal string) (*model.Artifact, error) {
	if s, ok := r.sources[goal]; ok {
		return &model.Artifact{Kind: model.LocalSource, RepoRelativePath: s.RepoRelativePath}, nil
	}
	for key, art := range r.outputs {
		if key == goal {
			return art, nil
		}
	}
	return nil, fmt.Errorf("config: goal %q is neither a known source nor \"actionID\\x00output\" pair", goal)
}

package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/model"
)

// mapResolver resolves an artifact by its ID from a fixed table; an
// artifact with no entry resolves as a source/known leaf (nil Action),
// matching how internal/scheduler's real Resolver treats LocalSource and
// Known artifacts.
type mapResolver map[string]Resolution

func (m mapResolver) Resolve(a *model.Artifact) (Resolution, error) {
	if res, ok := m[a.ID()]; ok {
		return res, nil
	}
	return Resolution{}, nil
}

func actionOutput(actionID, path string) *model.Artifact {
	return &model.Artifact{Kind: model.ActionOutput, ActionID: actionID, OutputPath: path, OutputType: model.File}
}

func localSource(path string) *model.Artifact {
	return &model.Artifact{Kind: model.LocalSource, RepoRelativePath: path}
}

// TestAddGoalDetectsDirectCycle covers spec §8 testable property 2: two
// actions whose outputs feed each other (A -> B -> A) must fail to close,
// with a CycleError naming both ids, and must not leave either node
// half-built in the graph.
func TestAddGoalDetectsDirectCycle(t *testing.T) {
	artifactA := actionOutput("act-a", "a.out")
	artifactB := actionOutput("act-b", "b.out")

	resolver := mapResolver{
		artifactA.ID(): {
			Action: &model.Action{Command: []string{"build-a"}, OutputFiles: []string{"a.out"}},
			Inputs: []InputSpec{{Path: "in/b", Artifact: artifactB}},
		},
		artifactB.ID(): {
			Action: &model.Action{Command: []string{"build-b"}, OutputFiles: []string{"b.out"}},
			Inputs: []InputSpec{{Path: "in/a", Artifact: artifactA}},
		},
	}

	g := NewGraph()
	b := NewBuilder(g, resolver)
	_, err := b.AddGoal(artifactA)
	require.Error(t, err)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Contains(t, cycleErr.Chain, artifactA.ID())
	assert.Contains(t, cycleErr.Chain, artifactB.ID())

	// No action node should have been left behind for either side of the
	// cycle: a failed closure must not leave the DAG partially built.
	_, actions := g.Len()
	assert.Equal(t, 0, actions, "no action should have committed out of a failed cycle closure")
}

// TestAddGoalDetectsIndirectCycle covers a longer back-edge (A -> B -> C
// -> A), not just the two-node case.
func TestAddGoalDetectsIndirectCycle(t *testing.T) {
	artifactA := actionOutput("act-a", "a.out")
	artifactB := actionOutput("act-b", "b.out")
	artifactC := actionOutput("act-c", "c.out")

	resolver := mapResolver{
		artifactA.ID(): {
			Action: &model.Action{Command: []string{"build-a"}, OutputFiles: []string{"a.out"}},
			Inputs: []InputSpec{{Path: "in/b", Artifact: artifactB}},
		},
		artifactB.ID(): {
			Action: &model.Action{Command: []string{"build-b"}, OutputFiles: []string{"b.out"}},
			Inputs: []InputSpec{{Path: "in/c", Artifact: artifactC}},
		},
		artifactC.ID(): {
			Action: &model.Action{Command: []string{"build-c"}, OutputFiles: []string{"c.out"}},
			Inputs: []InputSpec{{Path: "in/a", Artifact: artifactA}},
		},
	}

	g := NewGraph()
	b := NewBuilder(g, resolver)
	_, err := b.AddGoal(artifactA)
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Contains(t, cycleErr.Chain, artifactA.ID())
}

// TestAddGoalDedupesSharedInput covers spec §8 testable property 3: two
// sibling actions that both depend on the same source artifact must share
// one ArtifactNode, not build it twice.
func TestAddGoalDedupesSharedInput(t *testing.T) {
	shared := localSource("shared/input.txt")
	artifactC := actionOutput("act-c", "c.out")
	artifactD := actionOutput("act-d", "d.out")
	root := actionOutput("act-root", "root.out")

	resolver := mapResolver{
		artifactC.ID(): {
			Action: &model.Action{Command: []string{"build-c"}, OutputFiles: []string{"c.out"}},
			Inputs: []InputSpec{{Path: "in/shared", Artifact: shared}},
		},
		artifactD.ID(): {
			Action: &model.Action{Command: []string{"build-d"}, OutputFiles: []string{"d.out"}},
			Inputs: []InputSpec{{Path: "in/shared", Artifact: shared}},
		},
		root.ID(): {
			Action: &model.Action{Command: []string{"link"}, OutputFiles: []string{"root.out"}},
			Inputs: []InputSpec{
				{Path: "in/c", Artifact: artifactC},
				{Path: "in/d", Artifact: artifactD},
			},
		},
	}

	g := NewGraph()
	b := NewBuilder(g, resolver)
	_, err := b.AddGoal(root)
	require.NoError(t, err)

	_, actions := g.Len()
	assert.Equal(t, 3, actions)

	var cNode, dNode *ActionNode
	for _, n := range g.AllActions() {
		switch n.Action.Command[0] {
		case "build-c":
			cNode = n
		case "build-d":
			dNode = n
		}
	}
	require.NotNil(t, cNode)
	require.NotNil(t, dNode)
	assert.Same(t, cNode.Inputs[0].Artifact, dNode.Inputs[0].Artifact, "both actions must share one ArtifactNode for the same source")
}

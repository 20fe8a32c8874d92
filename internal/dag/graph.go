// Package dag implements spec §4.6: the action DAG and its builder, and
// spec §3's DAG node invariants. It is grounded on the teacher's
// src/core/graph.go (mutex-guarded maps, dedup-by-identifier lookup) and
// src/core/cycle_detector.go, reworked from a label/package graph into an
// artifact/action graph and from the teacher's async cycle-check queue to
// the synchronous in-progress-stack detector spec §9's design notes call
// for ("detect during insertion with a visitation stack; never lazily").
package dag

import (
	"sort"
	"sync"

	"github.com/forgebuild/forge/internal/model"
)

// An ArtifactNode owns an Artifact; it has at most one builder action and a
// set of consumer actions (spec §3 DAG node invariants).
type ArtifactNode struct {
	ID       string
	Artifact *model.Artifact
	Builder  *ActionNode

	mu        sync.Mutex
	consumers map[string]*ActionNode
}

// Consumers returns a sorted-by-ID snapshot of the actions that read this
// artifact.
func (n *ArtifactNode) Consumers() []*ActionNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*ActionNode, 0, len(n.consumers))
	for _, a := range n.consumers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (n *ArtifactNode) addConsumer(a *ActionNode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.consumers == nil {
		n.consumers = map[string]*ActionNode{}
	}
	n.consumers[a.ID] = a
}

// An InputBinding pairs one of an action's inputs with the in-action path
// it must appear at.
type InputBinding struct {
	Path     string
	Artifact *ArtifactNode
}

// An OutputBinding pairs one of an action's declared outputs with the
// artifact node representing it.
type OutputBinding struct {
	Path     string
	Artifact *ArtifactNode
}

// An ActionNode owns an Action; it has sorted lists of input and output
// artifacts, each tagged with its in-action path (spec §3).
type ActionNode struct {
	ID      string
	Action  *model.Action
	Inputs  []InputBinding
	Outputs []OutputBinding
}

// A Graph is the cycle-free action DAG: nodes are artifacts and actions,
// edges encode produced-by/consumed-by (spec §2).
//
// Invariants maintained by Graph: (i) every identifier maps to at most one
// node; (ii) the graph is acyclic; (iii) after graph closure every
// non-source ArtifactNode has exactly one builder; (iv) input paths are
// lexically normal and relative. (i) is enforced here; (ii), (iii) and
// (iv) are enforced by Builder in builder.go.
type Graph struct {
	mu        sync.Mutex
	artifacts map[string]*ArtifactNode
	actions   map[string]*ActionNode
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		artifacts: map[string]*ArtifactNode{},
		actions:   map[string]*ActionNode{},
	}
}

// Artifact looks up an artifact node by its stable identifier, or returns
// nil if none has been added.
func (g *Graph) Artifact(id string) *ArtifactNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.artifacts[id]
}

// Action looks up an action node by its stable identifier, or returns nil.
func (g *Graph) Action(id string) *ActionNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.actions[id]
}

// Len returns the number of artifact nodes and action nodes in the graph.
func (g *Graph) Len() (artifacts, actions int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.artifacts), len(g.actions)
}

// AllActions returns a sorted-by-ID snapshot of every action node.
func (g *Graph) AllActions() []*ActionNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*ActionNode, 0, len(g.actions))
	for _, a := range g.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// getOrCreateArtifact returns the existing node for this artifact's ID, or
// creates and stores one. Callers must hold g.mu.
func (g *Graph) getOrCreateArtifact(a *model.Artifact) *ArtifactNode {
	id := a.ID()
	if n, ok := g.artifacts[id]; ok {
		return n
	}
	n := &ArtifactNode{ID: id, Artifact: a}
	g.artifacts[id] = n
	return n
}

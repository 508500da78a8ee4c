// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package graph

import "github.com/pingcap/tiflow-streamqos/pkg/qos/ids"

// Graph is the sparse, eventually-consistent QoS graph: a mapping from
// GroupVertexID to group vertex, plus the constraints declared over it.
// Secondary indices (gate/vertex/edge lookup) are deliberately not part
// of Graph; they are maintained by the model that owns it, per spec.
type Graph struct {
	GroupVertices map[ids.GroupVertexID]*GroupVertex
	Constraints   map[ids.ConstraintID]*Constraint
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		GroupVertices: make(map[ids.GroupVertexID]*GroupVertex),
		Constraints:   make(map[ids.ConstraintID]*Constraint),
	}
}

// GroupVertexByID returns the group vertex with the given ID, or nil.
func (g *Graph) GroupVertexByID(id ids.GroupVertexID) *GroupVertex {
	return g.GroupVertices[id]
}

// ConstraintByID returns the constraint with the given ID, or nil.
func (g *Graph) ConstraintByID(id ids.ConstraintID) *Constraint {
	return g.Constraints[id]
}

// EnsureGroupVertex returns the group vertex for id, creating an empty
// (shallow) placeholder if it does not exist yet.
func (g *Graph) EnsureGroupVertex(id ids.GroupVertexID) *GroupVertex {
	gv, ok := g.GroupVertices[id]
	if !ok {
		gv = &GroupVertex{ID: id}
		g.GroupVertices[id] = gv
	}
	return gv
}

// IsShallow reports whether at least one group vertex has zero members.
func (g *Graph) IsShallow() bool {
	for _, gv := range g.GroupVertices {
		if len(gv.Members) == 0 {
			return true
		}
	}
	return false
}

// Merge unions a (possibly shallow) fragment into g. Idempotent on
// already-known group vertex IDs and constraint IDs; never overwrites a
// group vertex that already has concrete members with a shallow
// placeholder carried by the fragment.
func (g *Graph) Merge(fragment *Graph) {
	if fragment == nil {
		return
	}
	for id, incoming := range fragment.GroupVertices {
		existing, ok := g.GroupVertices[id]
		if !ok {
			g.GroupVertices[id] = incoming
			continue
		}
		mergeGroupVertex(existing, incoming)
	}
	for id, c := range fragment.Constraints {
		if _, ok := g.Constraints[id]; !ok {
			g.Constraints[id] = c
		}
	}
}

// mergeGroupVertex folds the edges of an incoming (shallow) group vertex
// fragment into an already-known group vertex, without ever discarding
// concrete member data the existing vertex already carries.
func mergeGroupVertex(existing, incoming *GroupVertex) {
	if len(existing.ForwardEdges) == 0 {
		existing.ForwardEdges = incoming.ForwardEdges
	}
	if len(existing.BackwardEdges) == 0 {
		existing.BackwardEdges = incoming.BackwardEdges
	}
	// Incoming fragments from a coordinator are always shallow (no
	// members); never let them clobber members assembled from reporter
	// announcements.
	if len(existing.Members) == 0 && len(incoming.Members) > 0 {
		existing.Members = incoming.Members
	}
}

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

// Package finder implements the constraint-violation finder: a
// depth-first traversal of concrete paths through the QoS graph that
// instantiate one constraint's sequence, summing per-element latencies
// and reporting paths whose sum strays too far from the budget.
package finder

import (
	"time"

	"github.com/pingcap/tiflow-streamqos/pkg/qos/graph"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/ids"
)

// PathElement is one concrete step of an enumerated path: either a
// member vertex or an edge.
type PathElement struct {
	IsVertex bool
	Vertex   *graph.Vertex
	Edge     *graph.Edge
}

// Listener is notified of constraint violations (or significant slack).
type Listener interface {
	OnViolation(constraintID ids.ConstraintID, path []PathElement, excessMillis float64)
}

// SequenceObserver is notified of every fully-enumerated concrete path,
// violating or not, to support offline analysis (the per-constraint
// logger of spec.md §4.4).
type SequenceObserver interface {
	OnSequence(constraintID ids.ConstraintID, path []PathElement, sumMillis float64)
}

// Indices bundles the secondary indices the finder needs to cross
// gate/edge boundaries without graph nodes owning pointers to each
// other.
type Indices struct {
	VertexByID map[ids.VertexID]*graph.Vertex
}

// Find enumerates every concrete path through g that instantiates
// constraint.Sequence, reporting violations to listener (and every
// enumerated path to observer, which may be nil) via the member/gate
// ordering rules of spec.md §4.4.
func Find(
	g *graph.Graph,
	constraint *graph.Constraint,
	idx Indices,
	now time.Time,
	window time.Duration,
	threshold float64,
	listener Listener,
	observer SequenceObserver,
) {
	if constraint == nil || len(constraint.Sequence) == 0 {
		return
	}

	first := constraint.Sequence[0]
	var startGroupID ids.GroupVertexID
	if first.IsVertex {
		startGroupID = first.VertexID()
	} else {
		startGroupID = first.SourceVertexID()
	}

	startGroup := g.GroupVertexByID(startGroupID)
	if startGroup == nil {
		return
	}

	members := orderedMembers(startGroup)

	f := &finder{
		graph:      g,
		constraint: constraint,
		idx:        idx,
		now:        now,
		window:     window,
		threshold:  threshold,
		listener:   listener,
		observer:   observer,
		seqLen:     len(constraint.Sequence),
	}

	for _, member := range members {
		path := make([]PathElement, f.seqLen)
		latencies := make([]float64, f.seqLen)
		f.visit(0, member, path, latencies, map[visitKey]bool{})
	}
}

// orderedMembers returns a group vertex's members sorted by member
// index, the enumeration order spec.md §4.4 mandates.
func orderedMembers(gv *graph.GroupVertex) []*graph.Vertex {
	out := make([]*graph.Vertex, len(gv.Members))
	copy(out, gv.Members)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].MemberIndex > out[j].MemberIndex; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

type visitKey struct {
	vertex          ids.VertexID
	inputGateIndex  int
	outputGateIndex int
}

type finder struct {
	graph      *graph.Graph
	constraint *graph.Constraint
	idx        Indices
	now        time.Time
	window     time.Duration
	threshold  float64
	listener   Listener
	observer   SequenceObserver
	seqLen     int
}

// visit processes sequence position pos, which must be a vertex-step
// whose vertex is currentVertex.
func (f *finder) visit(pos int, currentVertex *graph.Vertex, path []PathElement, latencies []float64, seen map[visitKey]bool) {
	elem := f.constraint.Sequence[pos]
	if !elem.IsVertex || elem.GroupVertexID != currentVertex.GroupVertexID {
		return
	}

	key := visitKey{currentVertex.ID, elem.InputGateIndex, elem.OutputGateIndex}
	if seen[key] {
		return
	}

	if !currentVertex.QosData.IsActive(elem.InputGateIndex, elem.OutputGateIndex, f.now, f.window) {
		return
	}

	path[pos] = PathElement{IsVertex: true, Vertex: currentVertex}
	latencies[pos] = currentVertex.QosData.LatencyMillis(elem.InputGateIndex, elem.OutputGateIndex)

	if pos+1 == f.seqLen {
		f.emit(path, latencies)
		return
	}

	nextSeen := copySeen(seen)
	nextSeen[key] = true

	gate := currentVertex.OutputGates[elem.OutputGateIndex]
	if gate == nil {
		return
	}

	next := f.constraint.Sequence[pos+1]
	if next.IsVertex {
		// Sequences alternate in practice; a vertex-step directly
		// followed by another vertex-step has no edge to cross, so there
		// is no admissible continuation.
		return
	}

	for _, edge := range gate.Edges {
		f.visitEdge(pos+1, edge, next, path, latencies, nextSeen)
	}
}

// visitEdge processes sequence position pos, an edge-step, given a
// candidate edge leaving the previous vertex-step's output gate.
func (f *finder) visitEdge(pos int, edge *graph.Edge, elem graph.SequenceElement, path []PathElement, latencies []float64, seen map[visitKey]bool) {
	if edge.InputGate == nil || edge.InputGate.Index != elem.InputGateIndex {
		return
	}
	if !edge.QosData.IsActive(f.now, f.window) {
		return
	}

	path[pos] = PathElement{IsVertex: false, Edge: edge}
	latencies[pos] = edge.QosData.LatencyMillis

	if pos+1 == f.seqLen {
		f.emit(path, latencies)
		return
	}

	targetVertex := f.idx.VertexByID[edge.InputGate.VertexID]
	if targetVertex == nil {
		return
	}
	if targetVertex.GroupVertexID != elem.TargetGroupVertexID {
		return
	}

	f.visit(pos+1, targetVertex, path, latencies, seen)
}

func (f *finder) emit(path []PathElement, latencies []float64) {
	sum := 0.0
	for _, l := range latencies {
		sum += l
	}

	if f.observer != nil {
		pathCopy := make([]PathElement, len(path))
		copy(pathCopy, path)
		f.observer.OnSequence(f.constraint.ID, pathCopy, sum)
	}

	excess := sum - f.constraint.LatencyBudgetMillis
	if f.constraint.LatencyBudgetMillis == 0 {
		return
	}
	if absFloat(excess)/f.constraint.LatencyBudgetMillis > f.threshold && f.listener != nil {
		pathCopy := make([]PathElement, len(path))
		copy(pathCopy, path)
		f.listener.OnViolation(f.constraint.ID, pathCopy, excess)
	}
}

func copySeen(seen map[visitKey]bool) map[visitKey]bool {
	out := make(map[visitKey]bool, len(seen)+1)
	for k, v := range seen {
		out[k] = v
	}
	return out
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

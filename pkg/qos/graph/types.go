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

import (
	"time"

	"github.com/pingcap/tiflow-streamqos/pkg/qos/ids"
)

// DistributionPattern describes how a group edge fans its parallel
// instances' channels out to the target group's members.
type DistributionPattern int

const (
	// Pointwise connects each source member to exactly one target member.
	Pointwise DistributionPattern = iota
	// Bipartite connects every source member to every target member.
	Bipartite
)

// String implements fmt.Stringer.
func (p DistributionPattern) String() string {
	switch p {
	case Pointwise:
		return "POINTWISE"
	case Bipartite:
		return "BIPARTITE"
	default:
		return "UNKNOWN"
	}
}

// Direction distinguishes input gates from output gates.
type Direction int

const (
	// Input marks a gate through which records enter a vertex.
	Input Direction = iota
	// Output marks a gate through which records leave a vertex.
	Output
)

// GroupEdge connects two group vertices at the logical-operator level,
// describing how their member vertices are wired together.
type GroupEdge struct {
	SourceGroupVertexID ids.GroupVertexID
	OutputGateIndex     int
	TargetGroupVertexID ids.GroupVertexID
	InputGateIndex      int
	Pattern             DistributionPattern
}

// GroupVertex is a logical operator: the parent of parallel member
// vertices, plus the ordered group-level edges describing how it
// connects to upstream/downstream group vertices.
type GroupVertex struct {
	ID            ids.GroupVertexID
	Members       []*Vertex
	ForwardEdges  []*GroupEdge
	BackwardEdges []*GroupEdge
}

// MemberByIndex returns the member vertex at the given member index, or
// nil if no such member has been assembled yet.
func (g *GroupVertex) MemberByIndex(memberIndex int) *Vertex {
	for _, m := range g.Members {
		if m.MemberIndex == memberIndex {
			return m
		}
	}
	return nil
}

// ForwardEdge returns the forward group edge leaving the given output
// gate index, or nil.
func (g *GroupVertex) ForwardEdge(outputGateIndex int) *GroupEdge {
	for _, e := range g.ForwardEdges {
		if e.OutputGateIndex == outputGateIndex {
			return e
		}
	}
	return nil
}

// Gate is a named port, input or output, on a member vertex.
type Gate struct {
	ID       ids.GateID
	VertexID ids.VertexID
	Index    int
	Dir      Direction
	Edges    []*Edge
}

// GateCombination holds the rolling latency sample for one active
// (inputGateIndex, outputGateIndex) combination on a member vertex.
type GateCombination struct {
	InputGateIndex  int
	OutputGateIndex int
	Timestamp       time.Time
	LatencyMillis   float64
}

// IsActive reports whether this combination has received at least one
// sample and that sample is not stale beyond window.
func (c *GateCombination) IsActive(now time.Time, window time.Duration) bool {
	if c == nil || c.Timestamp.IsZero() {
		return false
	}
	return now.Sub(c.Timestamp) <= window
}

// VertexQosData holds the per-(inputGate,outputGate) latency samples of
// one member vertex. A combination exists in the map iff a reporter has
// been announced for it.
type VertexQosData struct {
	combinations map[[2]int]*GateCombination
}

// NewVertexQosData creates an empty record.
func NewVertexQosData() *VertexQosData {
	return &VertexQosData{combinations: make(map[[2]int]*GateCombination)}
}

// Arm registers (inputGateIndex, outputGateIndex) as a combination that
// may receive samples, if it is not already registered. Idempotent.
func (d *VertexQosData) Arm(inputGateIndex, outputGateIndex int) {
	key := [2]int{inputGateIndex, outputGateIndex}
	if _, ok := d.combinations[key]; !ok {
		d.combinations[key] = &GateCombination{
			InputGateIndex:  inputGateIndex,
			OutputGateIndex: outputGateIndex,
		}
	}
}

// Update overwrites the latency sample for an armed combination. A
// sample for a combination that was never armed is a no-op: the
// reporter announcement simply hasn't been assembled yet.
func (d *VertexQosData) Update(inputGateIndex, outputGateIndex int, ts time.Time, latencyMillis float64) {
	key := [2]int{inputGateIndex, outputGateIndex}
	c, ok := d.combinations[key]
	if !ok {
		return
	}
	c.Timestamp = ts
	c.LatencyMillis = latencyMillis
}

// Combination returns the combination record for (i,o), or nil if it was
// never armed.
func (d *VertexQosData) Combination(inputGateIndex, outputGateIndex int) *GateCombination {
	return d.combinations[[2]int{inputGateIndex, outputGateIndex}]
}

// IsActive reports whether (i,o) is armed and has a fresh sample.
func (d *VertexQosData) IsActive(inputGateIndex, outputGateIndex int, now time.Time, window time.Duration) bool {
	return d.Combination(inputGateIndex, outputGateIndex).IsActive(now, window)
}

// LatencyMillis returns the last-known latency for (i,o), or 0 if absent.
func (d *VertexQosData) LatencyMillis(inputGateIndex, outputGateIndex int) float64 {
	c := d.Combination(inputGateIndex, outputGateIndex)
	if c == nil {
		return 0
	}
	return c.LatencyMillis
}

// Vertex (QosVertex) is one parallel instance of a group vertex.
type Vertex struct {
	ID            ids.VertexID
	GroupVertexID ids.GroupVertexID
	MemberIndex   int
	InputGates    map[int]*Gate
	OutputGates   map[int]*Gate
	QosData       *VertexQosData
}

// NewVertex creates a member vertex with empty gate maps and a fresh QoS
// data record.
func NewVertex(id ids.VertexID, groupVertexID ids.GroupVertexID, memberIndex int) *Vertex {
	return &Vertex{
		ID:            id,
		GroupVertexID: groupVertexID,
		MemberIndex:   memberIndex,
		InputGates:    make(map[int]*Gate),
		OutputGates:   make(map[int]*Gate),
		QosData:       NewVertexQosData(),
	}
}

// NumOutputGates returns how many output gates this vertex currently has.
func (v *Vertex) NumOutputGates() int { return len(v.OutputGates) }

// EdgeStatistics captures the latest output-channel behavior sample for
// an edge: throughput and output buffer behavior.
type EdgeStatistics struct {
	ThroughputPerSecond  float64
	OutputBufferLifetime float64
	OutputBufferSizeByte int
}

// EdgeQosData holds the latest channel-latency and output-channel
// statistics samples for one edge.
type EdgeQosData struct {
	LatencyMillis     float64
	LatencyTimestamp  time.Time
	Statistics        EdgeStatistics
	StatsTimestamp    time.Time
	InChain           bool
}

// IsActive reports whether both the latency and statistics samples are
// present and fresh.
func (d *EdgeQosData) IsActive(now time.Time, window time.Duration) bool {
	if d == nil {
		return false
	}
	if d.LatencyTimestamp.IsZero() || d.StatsTimestamp.IsZero() {
		return false
	}
	return now.Sub(d.LatencyTimestamp) <= window && now.Sub(d.StatsTimestamp) <= window
}

// Edge (QosEdge) is directed from one output-gate slot on a source
// member to one input-gate slot on a target member, keyed by source
// ChannelID.
type Edge struct {
	SourceChannelID ids.ChannelID
	OutputGate      *Gate
	InputGate       *Gate
	QosData         *EdgeQosData
}

// NewEdge creates an edge with a fresh QoS data record.
func NewEdge(sourceChannelID ids.ChannelID, outputGate, inputGate *Gate) *Edge {
	return &Edge{
		SourceChannelID: sourceChannelID,
		OutputGate:      outputGate,
		InputGate:       inputGate,
		QosData:         &EdgeQosData{},
	}
}

// SequenceElement is one step of a constraint's sequence: either a
// vertex-step or an edge-step.
type SequenceElement struct {
	IsVertex bool

	// Vertex-step fields.
	GroupVertexID   ids.GroupVertexID
	InputGateIndex  int
	OutputGateIndex int

	// Edge-step fields.
	SourceGroupVertexID ids.GroupVertexID
	TargetGroupVertexID ids.GroupVertexID
}

// VertexID returns the group vertex of a vertex-step.
func (e SequenceElement) VertexID() ids.GroupVertexID { return e.GroupVertexID }

// SourceVertexID returns the source group vertex of an edge-step.
func (e SequenceElement) SourceVertexID() ids.GroupVertexID { return e.SourceGroupVertexID }

// Sequence is an alternating chain of vertex-steps and edge-steps
// defining the path a constraint bounds.
type Sequence []SequenceElement

// Constraint bounds the end-to-end latency of a Sequence.
type Constraint struct {
	ID                  ids.ConstraintID
	Sequence            Sequence
	LatencyBudgetMillis float64
}

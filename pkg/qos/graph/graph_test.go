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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/tiflow-streamqos/pkg/qos/ids"
)

func TestGraph_EnsureGroupVertexIsIdempotent(t *testing.T) {
	g := New()
	id := ids.NewGroupVertexID()

	first := g.EnsureGroupVertex(id)
	second := g.EnsureGroupVertex(id)

	require.Same(t, first, second)
	require.Len(t, g.GroupVertices, 1)
}

func TestGraph_IsShallowReflectsMemberlessGroups(t *testing.T) {
	g := New()
	id := ids.NewGroupVertexID()
	g.EnsureGroupVertex(id)

	require.True(t, g.IsShallow())

	g.GroupVertices[id].Members = append(g.GroupVertices[id].Members, NewVertex(ids.NewVertexID(), id, 0))
	require.False(t, g.IsShallow())
}

func TestGraph_MergeNeverClobbersConcreteMembersWithShallowFragment(t *testing.T) {
	g := New()
	id := ids.NewGroupVertexID()
	concrete := NewVertex(ids.NewVertexID(), id, 0)
	g.GroupVertices[id] = &GroupVertex{ID: id, Members: []*Vertex{concrete}}

	shallowFragment := New()
	shallowFragment.GroupVertices[id] = &GroupVertex{ID: id}

	g.Merge(shallowFragment)

	require.Len(t, g.GroupVertices[id].Members, 1)
	require.Same(t, concrete, g.GroupVertices[id].Members[0])
}

func TestGraph_MergeUnionsForwardAndBackwardEdgesOnlyWhenAbsent(t *testing.T) {
	g := New()
	id := ids.NewGroupVertexID()
	downstream := ids.NewGroupVertexID()

	g.GroupVertices[id] = &GroupVertex{ID: id}

	fragment := New()
	fragment.GroupVertices[id] = &GroupVertex{
		ID: id,
		ForwardEdges: []*GroupEdge{
			{SourceGroupVertexID: id, OutputGateIndex: 0, TargetGroupVertexID: downstream, InputGateIndex: 0, Pattern: Pointwise},
		},
	}

	g.Merge(fragment)
	require.Len(t, g.GroupVertices[id].ForwardEdges, 1)

	// Merging again with a different (conflicting) fragment must not
	// overwrite the forward edges the graph already has.
	otherDownstream := ids.NewGroupVertexID()
	fragment2 := New()
	fragment2.GroupVertices[id] = &GroupVertex{
		ID: id,
		ForwardEdges: []*GroupEdge{
			{SourceGroupVertexID: id, OutputGateIndex: 0, TargetGroupVertexID: otherDownstream, InputGateIndex: 0, Pattern: Bipartite},
		},
	}
	g.Merge(fragment2)

	require.Len(t, g.GroupVertices[id].ForwardEdges, 1)
	require.Equal(t, downstream, g.GroupVertices[id].ForwardEdges[0].TargetGroupVertexID)
}

func TestGroupVertex_MemberByIndexAndForwardEdge(t *testing.T) {
	id := ids.NewGroupVertexID()
	gv := &GroupVertex{ID: id}
	member := NewVertex(ids.NewVertexID(), id, 3)
	gv.Members = append(gv.Members, member)
	gv.ForwardEdges = append(gv.ForwardEdges, &GroupEdge{OutputGateIndex: 1, Pattern: Bipartite})

	require.Same(t, member, gv.MemberByIndex(3))
	require.Nil(t, gv.MemberByIndex(0))
	require.NotNil(t, gv.ForwardEdge(1))
	require.Nil(t, gv.ForwardEdge(0))
}

func TestVertexQosData_ArmAndUpdate(t *testing.T) {
	d := NewVertexQosData()
	require.Nil(t, d.Combination(0, 0))

	d.Arm(0, 0)
	require.NotNil(t, d.Combination(0, 0))
	require.Zero(t, d.LatencyMillis(0, 0))

	// A sample for a combination that was never armed is a no-op.
	d.Update(1, 1, time.Now(), 99)
	require.Nil(t, d.Combination(1, 1))
}

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

// Package ids defines the opaque, fixed-width identifier types shared by
// the QoS manager subsystem. All of them are comparable and usable as map
// keys; none of them carry any semantics beyond equality and hashing.
package ids

import "github.com/google/uuid"

// JobID identifies a streaming job.
type JobID uuid.UUID

// String implements fmt.Stringer.
func (id JobID) String() string {
	return uuid.UUID(id).String()
}

// GroupVertexID identifies a logical operator (group vertex).
type GroupVertexID uuid.UUID

// String implements fmt.Stringer.
func (id GroupVertexID) String() string {
	return uuid.UUID(id).String()
}

// VertexID identifies one parallel instance (member vertex) of a group vertex.
type VertexID uuid.UUID

// String implements fmt.Stringer.
func (id VertexID) String() string {
	return uuid.UUID(id).String()
}

// GateID identifies a single input or output gate on a member vertex.
type GateID uuid.UUID

// String implements fmt.Stringer.
func (id GateID) String() string {
	return uuid.UUID(id).String()
}

// ChannelID identifies the source side of an edge; edges are indexed by it.
type ChannelID uuid.UUID

// String implements fmt.Stringer.
func (id ChannelID) String() string {
	return uuid.UUID(id).String()
}

// ConstraintID identifies a latency constraint declared for a job.
type ConstraintID uuid.UUID

// String implements fmt.Stringer.
func (id ConstraintID) String() string {
	return uuid.UUID(id).String()
}

// NewJobID generates a fresh random JobID.
func NewJobID() JobID { return JobID(uuid.New()) }

// NewGroupVertexID generates a fresh random GroupVertexID.
func NewGroupVertexID() GroupVertexID { return GroupVertexID(uuid.New()) }

// NewVertexID generates a fresh random VertexID.
func NewVertexID() VertexID { return VertexID(uuid.New()) }

// NewGateID generates a fresh random GateID.
func NewGateID() GateID { return GateID(uuid.New()) }

// NewChannelID generates a fresh random ChannelID.
func NewChannelID() ChannelID { return ChannelID(uuid.New()) }

// NewConstraintID generates a fresh random ConstraintID.
func NewConstraintID() ConstraintID { return ConstraintID(uuid.New()) }

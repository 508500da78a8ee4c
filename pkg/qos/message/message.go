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

// Package message defines the wire messages exchanged by the QoS manager
// subsystem, consumed at the host engine's sendData boundary.
package message

import (
	"time"

	"github.com/pingcap/tiflow-streamqos/pkg/qos/graph"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/ids"
)

// Message is implemented by every wire message; dispatch is strictly by
// the JobID it declares.
type Message interface {
	JobID() ids.JobID
}

// VertexReporterID names the (inputGate, outputGate) combination a
// vertex-latency sample belongs to.
type VertexReporterID struct {
	InputGateID  ids.GateID
	OutputGateID ids.GateID
}

// EdgeReporterID names the edge a channel sample belongs to.
type EdgeReporterID struct {
	SourceChannelID ids.ChannelID
}

// VertexLatency is one processing-latency sample for a member vertex.
type VertexLatency struct {
	ReporterID    VertexReporterID
	LatencyMillis float64
	Timestamp     time.Time
}

// EdgeLatency is one channel-latency sample for an edge.
type EdgeLatency struct {
	ReporterID    EdgeReporterID
	LatencyMillis float64
	Timestamp     time.Time
}

// EdgeStatisticsSample is one output-channel statistics sample for an edge.
type EdgeStatisticsSample struct {
	ReporterID EdgeReporterID
	Stats      graph.EdgeStatistics
	Timestamp  time.Time
}

// VertexAnnouncement piggybacks the description of a newly activated
// vertex reporter, carrying enough information to instantiate its
// member vertex and gates in the graph. InputGateIndex/OutputGateIndex
// are -1 when this announcement does not name that side's gate.
type VertexAnnouncement struct {
	GroupVertexID   ids.GroupVertexID
	MemberIndex     int
	VertexID        ids.VertexID
	InputGateIndex  int
	InputGateID     ids.GateID
	OutputGateIndex int
	OutputGateID    ids.GateID
}

// EdgeAnnouncement piggybacks the description of a newly activated edge
// reporter, keyed by source ChannelID, naming the two gates it connects.
// It also names the two endpoint group vertices directly: an edge
// announcement can arrive before either endpoint's member vertex has been
// announced, and the model still needs to recognize the group vertices it
// spans (as shallow placeholders) so the graph's assembly state reflects
// them immediately, rather than waiting on the gates to resolve.
type EdgeAnnouncement struct {
	SourceChannelID     ids.ChannelID
	SourceGroupVertexID ids.GroupVertexID
	OutputGateID        ids.GateID
	TargetGroupVertexID ids.GroupVertexID
	InputGateID         ids.GateID
}

// QosReport bundles samples and announcements from one producer for one
// aggregation interval.
type QosReport struct {
	Job                 ids.JobID
	VertexLatencies      []VertexLatency
	EdgeLatencies        []EdgeLatency
	EdgeStatistics       []EdgeStatisticsSample
	VertexAnnouncements  []VertexAnnouncement
	EdgeAnnouncements    []EdgeAnnouncement
}

// JobID implements Message.
func (r *QosReport) JobID() ids.JobID { return r.Job }

// HasAnnouncements reports whether the report carries any reporter
// announcements.
func (r *QosReport) HasAnnouncements() bool {
	return len(r.VertexAnnouncements) > 0 || len(r.EdgeAnnouncements) > 0
}

// VertexReporterConfig instructs a task-side reporter to activate
// latency sampling for one member vertex's (input,output) combination.
type VertexReporterConfig struct {
	VertexID        ids.VertexID
	InputGateIndex  int
	OutputGateIndex int
}

// EdgeReporterConfig instructs a task-side reporter to activate channel
// sampling for one edge.
type EdgeReporterConfig struct {
	SourceChannelID ids.ChannelID
}

// QosManagerAssignment names the worker elected QoS manager for a job and
// carries the shallow group-level graph fragment and constraints it
// should assemble against.
type QosManagerAssignment struct {
	ManagerWorker string
	ShallowGraph  *graph.Graph
	Constraints   []*graph.Constraint
}

// DeployInstanceQosRolesAction reconfigures a worker's per-job
// environment: which reporters to run and (optionally) that this worker
// has been elected QoS manager. It carries no interval settings; a
// forwarder's intervals come from job configuration.
type DeployInstanceQosRolesAction struct {
	Job             ids.JobID
	ManagerAssignment *QosManagerAssignment
	VertexReporters []VertexReporterConfig
	EdgeReporters   []EdgeReporterConfig
}

// JobID implements Message.
func (a *DeployInstanceQosRolesAction) JobID() ids.JobID { return a.Job }

// LimitBufferSizeAction asks the worker hosting sourceChannelID to shrink
// its output buffer.
type LimitBufferSizeAction struct {
	Job             ids.JobID
	TargetVertexID  ids.VertexID
	SourceChannelID ids.ChannelID
	BufferSizeBytes int
}

// JobID implements Message.
func (a *LimitBufferSizeAction) JobID() ids.JobID { return a.Job }

// ConstructStreamChainAction requests that two consecutive tasks be
// chained. Per design notes, the task-manager-side receiver treats this
// as a no-op: chains are only ever recorded locally via
// StreamChainAnnounce.
type ConstructStreamChainAction struct {
	Job                ids.JobID
	ChainBeginVertexID ids.VertexID
	ChainEndVertexID   ids.VertexID
}

// JobID implements Message.
func (a *ConstructStreamChainAction) JobID() ids.JobID { return a.Job }

// StreamChainAnnounce tells the manager that the vertices between
// ChainBegin and ChainEnd (inclusive) have been chained into a single
// task on their host worker.
type StreamChainAnnounce struct {
	Job        ids.JobID
	ChainBegin ids.VertexID
	ChainEnd   ids.VertexID
}

// JobID implements Message.
func (a *StreamChainAnnounce) JobID() ids.JobID { return a.Job }

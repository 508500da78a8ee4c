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

// Package model implements the QoS model: the incremental graph
// assembly state machine (EMPTY -> SHALLOW -> READY), the announcement
// buffer, sample ingestion, and chain-announce handling of spec.md §4.2.
//
// A Model is not safe for concurrent use; its owner (the per-job QoS
// manager worker) is responsible for serializing all calls, per
// spec.md §5's "no cross-thread graph mutation" rule.
package model

import (
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	qerrors "github.com/pingcap/tiflow-streamqos/pkg/qos/errors"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/finder"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/graph"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/ids"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/message"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/metrics"
)

// State is one of the three assembly states a Model moves through.
type State int

const (
	// Empty means the graph has no group vertices at all.
	Empty State = iota
	// Shallow means the graph has group vertices but at least one has no
	// members yet.
	Shallow
	// Ready means every group vertex has at least one member.
	Ready
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Shallow:
		return "SHALLOW"
	case Ready:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Model is the per-job QoS model: graph plus secondary indices plus
// announcement buffer plus assembly state.
type Model struct {
	job ids.JobID

	state State
	graph *graph.Graph

	gatesByGateID         map[ids.GateID]*graph.Gate
	vertexByID            map[ids.VertexID]*graph.Vertex
	edgeBySourceChannelID map[ids.ChannelID]*graph.Edge

	pendingVertexAnnouncements map[ids.GroupVertexID][]message.VertexAnnouncement
	pendingEdgeAnnouncements   map[ids.ChannelID]message.EdgeAnnouncement

	stalenessWindow    time.Duration
	violationThreshold float64

	sequenceObservers map[ids.ConstraintID]finder.SequenceObserver

	logger *zap.Logger
}

// New creates an empty Model for job, in state Empty.
func New(job ids.JobID, stalenessWindow time.Duration, violationThreshold float64) *Model {
	return &Model{
		job:                        job,
		state:                      Empty,
		graph:                      graph.New(),
		gatesByGateID:              make(map[ids.GateID]*graph.Gate),
		vertexByID:                 make(map[ids.VertexID]*graph.Vertex),
		edgeBySourceChannelID:      make(map[ids.ChannelID]*graph.Edge),
		pendingVertexAnnouncements: make(map[ids.GroupVertexID][]message.VertexAnnouncement),
		pendingEdgeAnnouncements:   make(map[ids.ChannelID]message.EdgeAnnouncement),
		stalenessWindow:            stalenessWindow,
		violationThreshold:         violationThreshold,
		sequenceObservers:          make(map[ids.ConstraintID]finder.SequenceObserver),
		logger: log.L().With(zap.Stringer("job", job)),
	}
}

// State returns the current assembly state.
func (m *Model) State() State { return m.state }

// IsEmpty reports whether the model is in state Empty.
func (m *Model) IsEmpty() bool { return m.state == Empty }

// IsShallow reports whether the model is in state Shallow.
func (m *Model) IsShallow() bool { return m.state == Shallow }

// IsReady reports whether the model is in state Ready.
func (m *Model) IsReady() bool { return m.state == Ready }

// SetSequenceObserver registers an observer that is notified of every
// fully-enumerated sequence for constraintID, violating or not.
func (m *Model) SetSequenceObserver(constraintID ids.ConstraintID, observer finder.SequenceObserver) {
	m.sequenceObservers[constraintID] = observer
}

// LoggingSequenceObserver is the default SequenceObserver: it logs each
// enumerated sequence at debug level for offline analysis.
type LoggingSequenceObserver struct {
	logger *zap.Logger
}

// NewLoggingSequenceObserver builds a LoggingSequenceObserver that logs
// through logger.
func NewLoggingSequenceObserver(logger *zap.Logger) *LoggingSequenceObserver {
	return &LoggingSequenceObserver{logger: logger}
}

// OnSequence implements finder.SequenceObserver.
func (o *LoggingSequenceObserver) OnSequence(constraintID ids.ConstraintID, path []finder.PathElement, sumMillis float64) {
	o.logger.Debug("qos sequence enumerated",
		zap.Stringer("constraint", constraintID),
		zap.Int("steps", len(path)),
		zap.Float64("sum_millis", sumMillis))
}

// MergeShallow unions a group-level fragment (group vertices, group
// edges, constraints) into the graph, per spec.md §4.2. Idempotent on
// already-known IDs; never overwrites concrete member data with shallow
// placeholders.
func (m *Model) MergeShallow(fragment *graph.Graph) {
	m.graph.Merge(fragment)
	m.tryProcessBuffer()
	m.reportGraphMetrics()
}

// ProcessReport ingests a report: it buffers any piggybacked
// announcements, tries to resolve the buffer against the current graph,
// recomputes assembly state, and — only once Ready — ingests the
// report's samples. This unifies the per-state table of spec.md §4.2:
// the only observable difference between states is that EMPTY/SHALLOW
// reports never reach sample ingestion, since samples are ingested only
// in state Ready.
func (m *Model) ProcessReport(report *message.QosReport) {
	if report.HasAnnouncements() {
		m.bufferAnnouncements(report)
	}
	m.tryProcessBuffer()

	if m.state == Ready {
		m.ingestSamples(report)
	}
	m.reportGraphMetrics()
}

// ProcessChainAnnounce walks forward along single-output-gate POINTWISE
// edges from begin to end, marking each traversed edge's QoS data as
// in-chain. Returns ErrInvalidChain if any intermediate vertex does not
// have exactly one output gate or the forward edge is not POINTWISE.
func (m *Model) ProcessChainAnnounce(begin, end ids.VertexID) error {
	current := m.vertexByID[begin]
	if current == nil {
		return qerrors.ErrInvalidChain.GenWithStackByArgs("unknown chain begin vertex")
	}

	for current.ID != end {
		if current.NumOutputGates() != 1 {
			return qerrors.ErrInvalidChain.GenWithStackByArgs("intermediate vertex has more than one output gate")
		}

		groupVertex := m.graph.GroupVertexByID(current.GroupVertexID)
		if groupVertex == nil {
			return qerrors.ErrInvalidChain.GenWithStackByArgs("unknown group vertex")
		}

		var onlyGate *graph.Gate
		for _, g := range current.OutputGates {
			onlyGate = g
		}

		groupEdge := groupVertex.ForwardEdge(onlyGate.Index)
		if groupEdge == nil || groupEdge.Pattern != graph.Pointwise {
			return qerrors.ErrInvalidChain.GenWithStackByArgs("forward edge is not POINTWISE")
		}

		if len(onlyGate.Edges) != 1 {
			return qerrors.ErrInvalidChain.GenWithStackByArgs("pointwise output gate does not have exactly one edge")
		}

		forwardEdge := onlyGate.Edges[0]
		forwardEdge.QosData.InChain = true

		next := m.vertexByID[forwardEdge.InputGate.VertexID]
		if next == nil {
			return qerrors.ErrInvalidChain.GenWithStackByArgs("unknown chain successor vertex")
		}
		current = next
	}
	return nil
}

// FindViolations runs the violation finder for every declared
// constraint, notifying listener of violations of absolute magnitude
// greater than the configured threshold of the constraint's budget.
func (m *Model) FindViolations(listener finder.Listener) {
	now := time.Now()
	idx := finder.Indices{VertexByID: m.vertexByID}
	wrapped := metricsListener{job: m.job, inner: listener}
	for _, c := range m.graph.Constraints {
		observer := m.sequenceObservers[c.ID]
		finder.Find(m.graph, c, idx, now, m.stalenessWindow, m.violationThreshold, wrapped, observer)
	}
}

// metricsListener counts every violation surfaced for job into
// metrics.ViolationCounter before forwarding it to inner, which may be
// nil.
type metricsListener struct {
	job   ids.JobID
	inner finder.Listener
}

// OnViolation implements finder.Listener.
func (l metricsListener) OnViolation(constraintID ids.ConstraintID, path []finder.PathElement, excessMillis float64) {
	metrics.ViolationCounter.WithLabelValues(l.job.String(), constraintID.String()).Inc()
	if l.inner != nil {
		l.inner.OnViolation(constraintID, path, excessMillis)
	}
}

func (m *Model) bufferAnnouncements(report *message.QosReport) {
	for _, a := range report.VertexAnnouncements {
		m.pendingVertexAnnouncements[a.GroupVertexID] = append(m.pendingVertexAnnouncements[a.GroupVertexID], a)
	}
	for _, a := range report.EdgeAnnouncements {
		m.pendingEdgeAnnouncements[a.SourceChannelID] = a
	}
}

// tryProcessBuffer performs the two sweeps of spec.md §4.2 and
// recomputes the assembly state. Both sweeps are re-entrant-safe and
// idempotent on repeated announcements.
func (m *Model) tryProcessBuffer() {
	m.tryProcessVertexAnnouncements()
	m.tryProcessEdgeAnnouncements()
	m.recomputeState()
}

func (m *Model) tryProcessVertexAnnouncements() {
	for groupID, pending := range m.pendingVertexAnnouncements {
		groupVertex := m.graph.EnsureGroupVertex(groupID)
		for _, a := range pending {
			m.assembleVertex(groupVertex, a)
		}
		delete(m.pendingVertexAnnouncements, groupID)
	}
}

func (m *Model) assembleVertex(groupVertex *graph.GroupVertex, a message.VertexAnnouncement) {
	memberVertex := groupVertex.MemberByIndex(a.MemberIndex)
	if memberVertex == nil {
		memberVertex = graph.NewVertex(a.VertexID, groupVertex.ID, a.MemberIndex)
		groupVertex.Members = append(groupVertex.Members, memberVertex)
		m.vertexByID[memberVertex.ID] = memberVertex
	}

	if a.InputGateIndex != -1 {
		if _, ok := memberVertex.InputGates[a.InputGateIndex]; !ok {
			gate := &graph.Gate{ID: a.InputGateID, VertexID: memberVertex.ID, Index: a.InputGateIndex, Dir: graph.Input}
			memberVertex.InputGates[a.InputGateIndex] = gate
			m.gatesByGateID[gate.ID] = gate
		}
	}

	if a.OutputGateIndex != -1 {
		if _, ok := memberVertex.OutputGates[a.OutputGateIndex]; !ok {
			gate := &graph.Gate{ID: a.OutputGateID, VertexID: memberVertex.ID, Index: a.OutputGateIndex, Dir: graph.Output}
			memberVertex.OutputGates[a.OutputGateIndex] = gate
			m.gatesByGateID[gate.ID] = gate
		}
	}

	if a.InputGateIndex != -1 && a.OutputGateIndex != -1 {
		memberVertex.QosData.Arm(a.InputGateIndex, a.OutputGateIndex)
	}
}

func (m *Model) tryProcessEdgeAnnouncements() {
	for channelID, a := range m.pendingEdgeAnnouncements {
		// An edge announcement names its two endpoint group vertices
		// directly, so the graph recognizes them (as shallow placeholders,
		// if nothing else has announced a member yet) even before the
		// gates below resolve — this is what lets a lone edge announcement
		// move the model out of EMPTY.
		m.graph.EnsureGroupVertex(a.SourceGroupVertexID)
		m.graph.EnsureGroupVertex(a.TargetGroupVertexID)

		outputGate := m.gatesByGateID[a.OutputGateID]
		inputGate := m.gatesByGateID[a.InputGateID]
		if outputGate == nil || inputGate == nil {
			continue
		}
		m.assembleEdge(channelID, a, outputGate, inputGate)
		delete(m.pendingEdgeAnnouncements, channelID)
	}
}

func (m *Model) assembleEdge(channelID ids.ChannelID, a message.EdgeAnnouncement, outputGate, inputGate *graph.Gate) {
	if _, ok := m.edgeBySourceChannelID[channelID]; ok {
		return
	}
	if outputGate.Dir != graph.Output || inputGate.Dir != graph.Input {
		m.logger.Warn("qos graph invariant violated, skipping edge",
			zap.Error(qerrors.ErrInternalInvariant.GenWithStackByArgs("edge gate directions mismatched")))
		return
	}
	source := m.vertexByID[outputGate.VertexID]
	target := m.vertexByID[inputGate.VertexID]
	if source == nil || target == nil ||
		source.GroupVertexID != a.SourceGroupVertexID || target.GroupVertexID != a.TargetGroupVertexID {
		m.logger.Warn("qos graph invariant violated, skipping edge",
			zap.Error(qerrors.ErrInternalInvariant.GenWithStackByArgs("edge endpoint groups do not match its gates' vertices")))
		return
	}

	edge := graph.NewEdge(channelID, outputGate, inputGate)
	outputGate.Edges = append(outputGate.Edges, edge)
	inputGate.Edges = append(inputGate.Edges, edge)
	m.edgeBySourceChannelID[channelID] = edge
}

func (m *Model) recomputeState() {
	prev := m.state
	switch {
	case len(m.graph.GroupVertices) == 0:
		m.state = Empty
	case m.graph.IsShallow():
		m.state = Shallow
	default:
		m.state = Ready
	}
	if prev != m.state {
		m.logger.Debug("qos model state transition", zap.Stringer("from", prev), zap.Stringer("to", m.state))
	}
}

func (m *Model) ingestSamples(report *message.QosReport) {
	for _, vl := range report.VertexLatencies {
		m.ingestVertexLatency(vl)
	}
	for _, es := range report.EdgeStatistics {
		m.ingestEdgeStatistics(es)
	}
	for _, el := range report.EdgeLatencies {
		m.ingestEdgeLatency(el)
	}
}

func (m *Model) ingestVertexLatency(vl message.VertexLatency) {
	inputGate := m.gatesByGateID[vl.ReporterID.InputGateID]
	outputGate := m.gatesByGateID[vl.ReporterID.OutputGateID]
	if inputGate == nil || outputGate == nil {
		return
	}
	vertex := m.vertexByID[inputGate.VertexID]
	if vertex == nil {
		return
	}
	vertex.QosData.Update(inputGate.Index, outputGate.Index, vl.Timestamp, vl.LatencyMillis)
}

func (m *Model) ingestEdgeStatistics(es message.EdgeStatisticsSample) {
	edge := m.edgeBySourceChannelID[es.ReporterID.SourceChannelID]
	if edge == nil {
		return
	}
	edge.QosData.Statistics = es.Stats
	edge.QosData.StatsTimestamp = es.Timestamp
}

func (m *Model) ingestEdgeLatency(el message.EdgeLatency) {
	edge := m.edgeBySourceChannelID[el.ReporterID.SourceChannelID]
	if edge == nil {
		return
	}
	edge.QosData.LatencyMillis = el.LatencyMillis
	edge.QosData.LatencyTimestamp = el.Timestamp
}

// EdgeBySourceChannelID exposes the edge index for tests and callers
// that need to assert on assembled edges directly.
func (m *Model) EdgeBySourceChannelID(id ids.ChannelID) *graph.Edge {
	return m.edgeBySourceChannelID[id]
}

// VertexByID exposes the vertex index for tests.
func (m *Model) VertexByID(id ids.VertexID) *graph.Vertex {
	return m.vertexByID[id]
}

// PendingAnnouncementCount returns how many vertex+edge announcements
// remain buffered, for tests and metrics.
func (m *Model) PendingAnnouncementCount() int {
	n := 0
	for _, v := range m.pendingVertexAnnouncements {
		n += len(v)
	}
	return n + len(m.pendingEdgeAnnouncements)
}

// HasSequenceObserver reports whether constraintID has a registered
// SequenceObserver, for tests.
func (m *Model) HasSequenceObserver(constraintID ids.ConstraintID) bool {
	_, ok := m.sequenceObservers[constraintID]
	return ok
}

func (m *Model) reportGraphMetrics() {
	jobLabel := m.job.String()
	metrics.GraphGroupVertexGauge.WithLabelValues(jobLabel).Set(float64(len(m.graph.GroupVertices)))
	metrics.GraphEdgeGauge.WithLabelValues(jobLabel).Set(float64(len(m.edgeBySourceChannelID)))
	metrics.AnnouncementBufferGauge.WithLabelValues(jobLabel).Set(float64(m.PendingAnnouncementCount()))
}

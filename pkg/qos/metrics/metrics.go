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

// Package metrics collects the prometheus metrics exposed by the QoS
// manager subsystem.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// GraphGroupVertexGauge reports the number of group vertices known to
	// a job's QoS graph.
	GraphGroupVertexGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "streaming",
			Subsystem: "qosmanager",
			Name:      "group_vertices",
			Help:      "number of group vertices in the assembled QoS graph",
		}, []string{"job"})

	// GraphEdgeGauge reports the number of edges known to a job's QoS graph.
	GraphEdgeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "streaming",
			Subsystem: "qosmanager",
			Name:      "edges",
			Help:      "number of edges in the assembled QoS graph",
		}, []string{"job"})

	// AnnouncementBufferGauge reports the number of unresolved
	// announcements waiting in the buffer.
	AnnouncementBufferGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "streaming",
			Subsystem: "qosmanager",
			Name:      "buffered_announcements",
			Help:      "number of vertex/edge announcements not yet resolved",
		}, []string{"job"})

	// ViolationCounter counts emitted constraint violations by job and
	// constraint.
	ViolationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streaming",
			Subsystem: "qosmanager",
			Name:      "violations_total",
			Help:      "total number of constraint violations (or significant slack) emitted",
		}, []string{"job", "constraint"})

	// DispatcherQueueDepthGauge reports the current depth of the outbound
	// dispatcher queue.
	DispatcherQueueDepthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "streaming",
			Subsystem: "qosdispatcher",
			Name:      "queue_depth",
			Help:      "number of outbound messages waiting to be dispatched",
		}, []string{"worker"})

	// DispatcherSendFailureCounter counts dropped outbound sends.
	DispatcherSendFailureCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streaming",
			Subsystem: "qosdispatcher",
			Name:      "send_failures_total",
			Help:      "total number of outbound sends that failed or timed out and were dropped",
		}, []string{"worker"})

	// ForwarderBatchSizeHistogram tracks the number of samples bundled per
	// forwarded report.
	ForwarderBatchSizeHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "streaming",
			Subsystem: "qosreporter",
			Name:      "batch_size",
			Help:      "number of samples bundled into a single forwarded report",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"job"})
)

// MustRegister registers all QoS manager collectors with the given
// registerer. Panics on duplicate registration, matching the teacher's
// init-time registration pattern.
func MustRegister(registry prometheus.Registerer) {
	registry.MustRegister(
		GraphGroupVertexGauge,
		GraphEdgeGauge,
		AnnouncementBufferGauge,
		ViolationCounter,
		DispatcherQueueDepthGauge,
		DispatcherSendFailureCounter,
		ForwarderBatchSizeHistogram,
	)
}

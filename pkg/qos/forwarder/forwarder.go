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

// Package forwarder implements the per-job report forwarder: a
// producer-side batcher that collects locally produced samples and
// reporter-config announcements and ships one bundled report per
// aggregation interval to the elected QoS manager worker (spec.md §4.3).
package forwarder

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/tiflow-streamqos/pkg/qos/config"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/dispatch"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/ids"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/message"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/metrics"
)

// Forwarder batches one job's locally produced QoS samples and reporter
// announcements, flushing a bundled report to the elected manager on
// every tick of the aggregation interval.
type Forwarder struct {
	job        ids.JobID
	dispatcher *dispatch.Dispatcher

	mu                  sync.Mutex
	managerWorker       string
	activeVertexReporters map[ids.VertexID]message.VertexReporterConfig
	activeEdgeReporters   map[ids.ChannelID]message.EdgeReporterConfig

	pending message.QosReport

	taggingInterval     int
	aggregationInterval time.Duration

	intervalCh chan time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once

	logger *zap.Logger
}

// New creates a Forwarder for job, shipping reports through dispatcher.
// Intervals default from config.Defaults until ApplyJobConfig overrides
// them.
func New(job ids.JobID, dispatcher *dispatch.Dispatcher) *Forwarder {
	defaults := config.ReporterConfigFrom(config.Defaults{})
	return &Forwarder{
		job:                   job,
		dispatcher:            dispatcher,
		activeVertexReporters: make(map[ids.VertexID]message.VertexReporterConfig),
		activeEdgeReporters:   make(map[ids.ChannelID]message.EdgeReporterConfig),
		pending:               message.QosReport{Job: job},
		taggingInterval:       defaults.TaggingInterval,
		aggregationInterval:   defaults.AggregationInterval,
		intervalCh:            make(chan time.Duration, 1),
		stopCh:                make(chan struct{}),
		doneCh:                make(chan struct{}),
		logger:                log.L().With(zap.Stringer("job", job)),
	}
}

// Start launches the forwarder's aggregation-interval ticker goroutine.
func (f *Forwarder) Start() {
	f.startOnce.Do(func() {
		go f.run()
	})
}

// Stop stops the ticker and drains pending samples with a final flush.
// Safe to call more than once.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
	})
	<-f.doneCh
}

// ApplyJobConfig overrides the aggregation/tagging intervals from job
// configuration, per StreamJobEnvironment.updateAggregationAndTaggingIntervals
// in the original Nephele-streaming source (re-read on every
// registerTask call, not just once at job creation).
func (f *Forwarder) ApplyJobConfig(src config.Source) {
	cfg := config.ReporterConfigFrom(src)
	f.mu.Lock()
	f.taggingInterval = cfg.TaggingInterval
	aggregationChanged := f.aggregationInterval != cfg.AggregationInterval
	f.aggregationInterval = cfg.AggregationInterval
	f.mu.Unlock()

	if aggregationChanged {
		select {
		case f.intervalCh <- cfg.AggregationInterval:
		default:
		}
	}
}

// Reconfigure applies a DeployInstanceQosRolesAction: sets the manager
// target and records the named vertex/edge reporters as active. It does
// not change the tagging or aggregation interval; only ApplyJobConfig
// does.
func (f *Forwarder) Reconfigure(action *message.DeployInstanceQosRolesAction) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if action.ManagerAssignment != nil {
		f.managerWorker = action.ManagerAssignment.ManagerWorker
	}
	for _, vr := range action.VertexReporters {
		f.activeVertexReporters[vr.VertexID] = vr
	}
	for _, er := range action.EdgeReporters {
		f.activeEdgeReporters[er.SourceChannelID] = er
	}

	f.logger.Info("deployed qos roles",
		zap.Int("vertexReporters", len(action.VertexReporters)),
		zap.Int("edgeReporters", len(action.EdgeReporters)),
		zap.Bool("managerAssignment", action.ManagerAssignment != nil))
}

// RecordVertexLatency buffers a vertex-latency sample for the next flush.
func (f *Forwarder) RecordVertexLatency(sample message.VertexLatency) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.VertexLatencies = append(f.pending.VertexLatencies, sample)
}

// RecordEdgeLatency buffers an edge-latency sample for the next flush.
func (f *Forwarder) RecordEdgeLatency(sample message.EdgeLatency) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.EdgeLatencies = append(f.pending.EdgeLatencies, sample)
}

// RecordEdgeStatistics buffers an edge-statistics sample for the next flush.
func (f *Forwarder) RecordEdgeStatistics(sample message.EdgeStatisticsSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.EdgeStatistics = append(f.pending.EdgeStatistics, sample)
}

// AnnounceVertexReporter buffers a vertex reporter announcement for the
// next flush, to be piggybacked on the next report.
func (f *Forwarder) AnnounceVertexReporter(a message.VertexAnnouncement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.VertexAnnouncements = append(f.pending.VertexAnnouncements, a)
}

// AnnounceEdgeReporter buffers an edge reporter announcement for the
// next flush, to be piggybacked on the next report.
func (f *Forwarder) AnnounceEdgeReporter(a message.EdgeAnnouncement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.EdgeAnnouncements = append(f.pending.EdgeAnnouncements, a)
}

func (f *Forwarder) run() {
	defer close(f.doneCh)

	f.mu.Lock()
	interval := f.aggregationInterval
	f.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.flush()
		case <-f.intervalCh:
			f.mu.Lock()
			newInterval := f.aggregationInterval
			f.mu.Unlock()
			ticker.Stop()
			ticker = time.NewTicker(newInterval)
		case <-f.stopCh:
			f.flush()
			return
		}
	}
}

func (f *Forwarder) flush() {
	f.mu.Lock()
	if f.isEmptyLocked() {
		f.mu.Unlock()
		return
	}
	report := f.pending
	f.pending = message.QosReport{Job: f.job}
	target := f.managerWorker
	f.mu.Unlock()

	batchSize := len(report.VertexLatencies) + len(report.EdgeLatencies) + len(report.EdgeStatistics)
	metrics.ForwarderBatchSizeHistogram.WithLabelValues(f.job.String()).Observe(float64(batchSize))

	if target == "" {
		f.logger.Warn("no qos manager elected yet, dropping report", zap.Int("batchSize", batchSize))
		return
	}
	f.dispatcher.Enqueue(target, &report)
}

func (f *Forwarder) isEmptyLocked() bool {
	r := f.pending
	return len(r.VertexLatencies) == 0 && len(r.EdgeLatencies) == 0 &&
		len(r.EdgeStatistics) == 0 && len(r.VertexAnnouncements) == 0 &&
		len(r.EdgeAnnouncements) == 0
}

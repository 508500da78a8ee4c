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

package env

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/tiflow-streamqos/pkg/qos/finder"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/graph"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/ids"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/message"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/model"
)

// manager is the per-job QoS manager worker: a single goroutine that
// owns a model.Model and serializes all graph mutation, per spec.md §5
// ("no cross-thread graph mutation"). Reports, shallow-graph merges and
// chain announcements are handed off as closures over a channel buffered
// to 256 entries (a hand-off blocks while it is full, until the manager
// stops); a ticker periodically runs the violation finder.
type manager struct {
	job   ids.JobID
	model *model.Model

	actions chan func(*model.Model)
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopOnce sync.Once

	adjustmentInterval time.Duration
	listener           finder.Listener

	logger *zap.Logger
}

func newManager(job ids.JobID, stalenessWindow time.Duration, violationThreshold float64, adjustmentInterval time.Duration, listener finder.Listener) *manager {
	return &manager{
		job:                job,
		model:              model.New(job, stalenessWindow, violationThreshold),
		actions:            make(chan func(*model.Model), 256),
		stopCh:             make(chan struct{}),
		doneCh:             make(chan struct{}),
		adjustmentInterval: adjustmentInterval,
		listener:           listener,
		logger:             log.L().With(zap.Stringer("job", job)),
	}
}

func (m *manager) start() {
	go m.run()
}

// stop finishes any in-flight action and exits; idempotent.
func (m *manager) stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh
}

func (m *manager) handOffReport(report *message.QosReport) {
	m.enqueue(func(mo *model.Model) { mo.ProcessReport(report) })
}

func (m *manager) handOffMergeShallow(fragment *graph.Graph) {
	m.enqueue(func(mo *model.Model) {
		mo.MergeShallow(fragment)
		// Every constraint the fragment introduces gets a logging observer
		// so its enumerated sequences reach offline analysis even if no
		// caller ever registers one explicitly.
		for constraintID := range fragment.Constraints {
			mo.SetSequenceObserver(constraintID, model.NewLoggingSequenceObserver(m.logger))
		}
	})
}

func (m *manager) handOffChainAnnounce(begin, end ids.VertexID) {
	m.enqueue(func(mo *model.Model) {
		if err := mo.ProcessChainAnnounce(begin, end); err != nil {
			m.logger.Warn("invalid chain announcement, dropping", zap.Error(err))
		}
	})
}

func (m *manager) enqueue(work func(*model.Model)) {
	select {
	case m.actions <- work:
	case <-m.stopCh:
	}
}

func (m *manager) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.adjustmentInterval)
	defer ticker.Stop()

	for {
		select {
		case work := <-m.actions:
			work(m.model)
		case <-ticker.C:
			m.model.FindViolations(m.listener)
		case <-m.stopCh:
			m.drainActions()
			return
		}
	}
}

// drainActions applies any already-queued work before the manager
// exits, so a shutdown racing with a just-enqueued report still
// observes it rather than silently dropping it.
func (m *manager) drainActions() {
	for {
		select {
		case work := <-m.actions:
			work(m.model)
		default:
			return
		}
	}
}

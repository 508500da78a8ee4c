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

// Package env implements the per-job QoS environment and the process-wide
// plugin entry point that owns one environment per running job, per
// spec.md §4.5 and §4.6.
package env

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/tiflow-streamqos/pkg/qos/config"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/dispatch"
	qerrors "github.com/pingcap/tiflow-streamqos/pkg/qos/errors"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/finder"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/forwarder"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/graph"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/ids"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/message"
)

// Environment is one job's share of the QoS manager subsystem on this
// worker: it owns the report forwarder (created eagerly on the first
// registered task), the manager worker (created lazily, at most once, on
// first manager-role assignment or first inbound QoS report), and the
// per-task coordinators that LimitBufferSizeAction messages address.
type Environment struct {
	job      ids.JobID
	workerID string

	dispatcher *dispatch.Dispatcher
	enforcer   BufferSizeEnforcer
	listener   finder.Listener

	fw *forwarder.Forwarder

	// mgr follows the lazy-instantiation design note of spec.md §9: an
	// atomic pointer gives every caller a fast, lock-free read of an
	// already-running manager, falling back to a double-checked,
	// mutex-guarded slow path the first time one is needed.
	mgr atomic.Pointer[manager]

	mu           sync.Mutex
	coordinators map[ids.VertexID]*taskCoordinator
	managerCfg   config.ManagerConfig
	shutdown     bool

	logger *zap.Logger
}

func newEnvironment(job ids.JobID, workerID string, dispatcher *dispatch.Dispatcher, enforcer BufferSizeEnforcer, listener finder.Listener) *Environment {
	return &Environment{
		job:          job,
		workerID:     workerID,
		dispatcher:   dispatcher,
		enforcer:     enforcer,
		listener:     listener,
		coordinators: make(map[ids.VertexID]*taskCoordinator),
		managerCfg:   config.ManagerConfigFrom(config.Defaults{}),
		logger:       log.L().With(zap.Stringer("job", job)),
	}
}

// RegisterTask adds vertexID to this environment's set of locally hosted
// tasks, starting the forwarder on the first call, and re-reading job
// configuration on every call per the original updateAggregationAndTaggingIntervals
// behavior. Returns ErrAlreadyRegistered if vertexID is already registered.
func (e *Environment) RegisterTask(vertexID ids.VertexID, src config.Source) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shutdown {
		return qerrors.ErrInternalInvariant.GenWithStackByArgs("environment already shut down")
	}
	if _, ok := e.coordinators[vertexID]; ok {
		return qerrors.ErrAlreadyRegistered.GenWithStackByArgs(vertexID.String())
	}

	e.coordinators[vertexID] = newTaskCoordinator(vertexID, e.enforcer, e.logger)
	e.managerCfg = config.ManagerConfigFrom(src)

	if e.fw == nil {
		e.fw = forwarder.New(e.job, e.dispatcher)
		e.fw.Start()
	}
	e.fw.ApplyJobConfig(src)
	return nil
}

// UnregisterTask removes vertexID from this environment. Once the last
// task departs, the environment shuts itself down.
func (e *Environment) UnregisterTask(vertexID ids.VertexID) {
	e.mu.Lock()
	delete(e.coordinators, vertexID)
	empty := len(e.coordinators) == 0
	e.mu.Unlock()

	if empty {
		e.Shutdown()
	}
}

// Handle demultiplexes one inbound message per spec.md §4.5: a QoS report
// or chain announcement goes to the manager (created lazily), a
// deploy-roles action reconfigures the forwarder and, if this worker was
// elected manager, seeds the manager's graph; a buffer-size-limit action
// goes to its addressed task coordinator; a chain-construct action is a
// documented no-op at this layer.
func (e *Environment) Handle(ctx context.Context, msg message.Message) error {
	switch m := msg.(type) {
	case *message.QosReport:
		e.ensureManager().handOffReport(m)
		return nil

	case *message.StreamChainAnnounce:
		e.ensureManager().handOffChainAnnounce(m.ChainBegin, m.ChainEnd)
		return nil

	case *message.DeployInstanceQosRolesAction:
		return e.handleDeployRoles(m)

	case *message.LimitBufferSizeAction:
		e.mu.Lock()
		c := e.coordinators[m.TargetVertexID]
		e.mu.Unlock()
		if c == nil {
			return qerrors.ErrUnknownMessage.GenWithStackByArgs(m.TargetVertexID.String())
		}
		c.handleLimitBufferSize(ctx, m)
		return nil

	case *message.ConstructStreamChainAction:
		// Documented no-op: chains are recorded only via StreamChainAnnounce
		// once the host worker has actually performed the chaining.
		e.logger.Debug("ignoring chain-construct action at task-manager plugin",
			zap.Stringer("begin", m.ChainBeginVertexID), zap.Stringer("end", m.ChainEndVertexID))
		return nil

	default:
		return qerrors.ErrUnknownMessage.GenWithStackByArgs(fmt.Sprintf("%T", msg))
	}
}

func (e *Environment) handleDeployRoles(action *message.DeployInstanceQosRolesAction) error {
	e.mu.Lock()
	fw := e.fw
	e.mu.Unlock()
	if fw == nil {
		return qerrors.ErrInternalInvariant.GenWithStackByArgs("deploy-roles action before any task registered")
	}
	fw.Reconfigure(action)

	if action.ManagerAssignment == nil || action.ManagerAssignment.ManagerWorker != e.workerID {
		return nil
	}

	mgr := e.ensureManager()
	fragment := action.ManagerAssignment.ShallowGraph
	if fragment == nil {
		fragment = graph.New()
	}
	for _, c := range action.ManagerAssignment.Constraints {
		fragment.Constraints[c.ID] = c
	}
	mgr.handOffMergeShallow(fragment)
	return nil
}

// ensureManager returns the running manager, creating it on first use.
// The fast path is a single atomic load; the slow path takes the mutex
// and re-checks before constructing, so concurrent first-callers never
// race to create two managers.
func (e *Environment) ensureManager() *manager {
	if mgr := e.mgr.Load(); mgr != nil {
		return mgr
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if mgr := e.mgr.Load(); mgr != nil {
		return mgr
	}

	mgr := newManager(e.job, e.managerCfg.StalenessWindow, e.managerCfg.ViolationThreshold, e.managerCfg.AdjustmentInterval, e.listener)
	failpoint.Inject("qosManagerDelayedStart", nil)
	mgr.start()
	e.mgr.Store(mgr)
	return mgr
}

// Shutdown tears down this environment's forwarder and manager (if any).
// Idempotent.
func (e *Environment) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	fw := e.fw
	e.coordinators = make(map[ids.VertexID]*taskCoordinator)
	e.mu.Unlock()

	if fw != nil {
		fw.Stop()
	}
	if mgr := e.mgr.Load(); mgr != nil {
		mgr.stop()
	}
}

// RecordVertexLatency forwards a locally measured vertex-latency sample
// to this job's forwarder, for inclusion in its next flushed report.
func (e *Environment) RecordVertexLatency(sample message.VertexLatency) {
	if fw := e.loadForwarder(); fw != nil {
		fw.RecordVertexLatency(sample)
	}
}

// RecordEdgeLatency forwards a locally measured edge-latency sample.
func (e *Environment) RecordEdgeLatency(sample message.EdgeLatency) {
	if fw := e.loadForwarder(); fw != nil {
		fw.RecordEdgeLatency(sample)
	}
}

// RecordEdgeStatistics forwards a locally measured edge-statistics sample.
func (e *Environment) RecordEdgeStatistics(sample message.EdgeStatisticsSample) {
	if fw := e.loadForwarder(); fw != nil {
		fw.RecordEdgeStatistics(sample)
	}
}

// AnnounceVertexReporter piggybacks a vertex reporter announcement on the
// next flushed report.
func (e *Environment) AnnounceVertexReporter(a message.VertexAnnouncement) {
	if fw := e.loadForwarder(); fw != nil {
		fw.AnnounceVertexReporter(a)
	}
}

// AnnounceEdgeReporter piggybacks an edge reporter announcement on the
// next flushed report.
func (e *Environment) AnnounceEdgeReporter(a message.EdgeAnnouncement) {
	if fw := e.loadForwarder(); fw != nil {
		fw.AnnounceEdgeReporter(a)
	}
}

func (e *Environment) loadForwarder() *forwarder.Forwarder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fw
}

// isShutdown reports whether Shutdown has already run.
func (e *Environment) isShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

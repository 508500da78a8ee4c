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
	"context"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pingcap/tiflow-streamqos/pkg/qos/config"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/dispatch"
	qerrors "github.com/pingcap/tiflow-streamqos/pkg/qos/errors"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/finder"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/ids"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/message"
)

// Plugin is the process-wide entry point of the QoS manager subsystem on
// one task manager worker (spec.md §4.6). It owns the single outbound
// dispatcher shared by every job and demultiplexes task registration and
// inbound messages to a per-job Environment, created on first use.
type Plugin struct {
	workerID   string
	dispatcher *dispatch.Dispatcher
	enforcer   BufferSizeEnforcer
	listener   finder.Listener

	mu   sync.Mutex
	envs map[ids.JobID]*Environment

	logger *zap.Logger
}

// NewPlugin wires a Plugin for workerID (this worker's identity), sending
// outbound messages through sender and applying LimitBufferSizeAction via
// enforcer. listener receives every constraint violation detected by any
// job this worker manages; it may be nil.
func NewPlugin(workerID string, sender dispatch.Sender, enforcer BufferSizeEnforcer, listener finder.Listener) *Plugin {
	p := &Plugin{
		workerID:   workerID,
		dispatcher: dispatch.New(workerID, sender),
		enforcer:   enforcer,
		listener:   listener,
		envs:       make(map[ids.JobID]*Environment),
		logger:     log.L().With(zap.String("worker", workerID)),
	}
	p.dispatcher.Start()
	return p
}

// RegisterTask demultiplexes task registration to the per-job environment
// named by job, creating it on first use, per spec.md §4.6.
func (p *Plugin) RegisterTask(job ids.JobID, vertexID ids.VertexID, src config.Source) error {
	return p.environment(job).RegisterTask(vertexID, src)
}

// UnregisterTask removes vertexID from job's environment. Once every task
// of that job has departed, the environment shuts itself down and is
// dropped from the plugin's table.
func (p *Plugin) UnregisterTask(job ids.JobID, vertexID ids.VertexID) {
	p.mu.Lock()
	e, ok := p.envs[job]
	p.mu.Unlock()
	if !ok {
		return
	}
	e.UnregisterTask(vertexID)

	p.mu.Lock()
	if e.isShutdown() {
		delete(p.envs, job)
	}
	p.mu.Unlock()
}

// Handle routes an inbound message to the environment named by its JobID,
// creating one on first use (a QoS report may arrive before any local
// task of that job has registered, per spec.md §4.5's lazy manager
// instantiation). A deploy-roles action that arrives before any task of
// the job has registered is rejected with ErrInternalInvariant.
func (p *Plugin) Handle(ctx context.Context, msg message.Message) error {
	if msg == nil {
		return qerrors.ErrUnknownMessage.GenWithStackByArgs("<nil>")
	}
	return p.environment(msg.JobID()).Handle(ctx, msg)
}

func (p *Plugin) environment(job ids.JobID) *Environment {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.envs[job]
	if !ok {
		e = newEnvironment(job, p.workerID, p.dispatcher, p.enforcer, p.listener)
		p.envs[job] = e
	}
	return e
}

// Shutdown tears down every job environment and the shared dispatcher,
// waiting for all of them to finish draining. Called at process
// shutdown; a second call is a no-op.
func (p *Plugin) Shutdown() {
	p.mu.Lock()
	envs := make([]*Environment, 0, len(p.envs))
	for _, e := range p.envs {
		envs = append(envs, e)
	}
	p.envs = make(map[ids.JobID]*Environment)
	p.mu.Unlock()

	var g errgroup.Group
	for _, e := range envs {
		e := e
		g.Go(func() error {
			e.Shutdown()
			return nil
		})
	}
	_ = g.Wait()

	p.dispatcher.Stop()
}

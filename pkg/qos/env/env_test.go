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
	"testing"
	"time"

	"github.com/pingcap/failpoint"
	"github.com/stretchr/testify/require"

	"github.com/pingcap/tiflow-streamqos/pkg/qos/dispatch"
	qerrors "github.com/pingcap/tiflow-streamqos/pkg/qos/errors"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/graph"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/ids"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/message"
)

type noopSender struct{}

func (noopSender) Send(context.Context, string, message.Message) error { return nil }

type fakeEnforcer struct {
	mu    sync.Mutex
	calls int
}

func (e *fakeEnforcer) LimitBufferSize(context.Context, ids.VertexID, ids.ChannelID, int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return nil
}

func (e *fakeEnforcer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func TestPlugin_RegisterTaskTwiceIsRejected(t *testing.T) {
	p := NewPlugin("worker-1", noopSender{}, nil, nil)
	defer p.Shutdown()

	job := ids.NewJobID()
	vertex := ids.NewVertexID()

	require.NoError(t, p.RegisterTask(job, vertex, nil))
	err := p.RegisterTask(job, vertex, nil)
	require.Error(t, err)
	require.True(t, qerrors.ErrAlreadyRegistered.Equal(err))
}

func TestPlugin_UnregisterLastTaskShutsDownEnvironment(t *testing.T) {
	p := NewPlugin("worker-1", noopSender{}, nil, nil)
	defer p.Shutdown()

	job := ids.NewJobID()
	vertex := ids.NewVertexID()
	require.NoError(t, p.RegisterTask(job, vertex, nil))

	p.UnregisterTask(job, vertex)

	p.mu.Lock()
	_, exists := p.envs[job]
	p.mu.Unlock()
	require.False(t, exists)
}

func TestPlugin_LimitBufferSizeRoutesToRegisteredCoordinator(t *testing.T) {
	enforcer := &fakeEnforcer{}
	p := NewPlugin("worker-1", noopSender{}, enforcer, nil)
	defer p.Shutdown()

	job := ids.NewJobID()
	vertex := ids.NewVertexID()
	require.NoError(t, p.RegisterTask(job, vertex, nil))

	err := p.Handle(context.Background(), &message.LimitBufferSizeAction{
		Job:             job,
		TargetVertexID:  vertex,
		SourceChannelID: ids.NewChannelID(),
		BufferSizeBytes: 4096,
	})
	require.NoError(t, err)
	require.Equal(t, 1, enforcer.count())
}

func TestPlugin_LimitBufferSizeForUnknownVertexIsUnknownMessage(t *testing.T) {
	p := NewPlugin("worker-1", noopSender{}, &fakeEnforcer{}, nil)
	defer p.Shutdown()

	job := ids.NewJobID()
	require.NoError(t, p.RegisterTask(job, ids.NewVertexID(), nil))

	err := p.Handle(context.Background(), &message.LimitBufferSizeAction{
		Job:            job,
		TargetVertexID: ids.NewVertexID(),
	})
	require.Error(t, err)
}

func TestPlugin_ConstructStreamChainActionIsNoop(t *testing.T) {
	p := NewPlugin("worker-1", noopSender{}, nil, nil)
	defer p.Shutdown()

	job := ids.NewJobID()
	require.NoError(t, p.RegisterTask(job, ids.NewVertexID(), nil))

	err := p.Handle(context.Background(), &message.ConstructStreamChainAction{
		Job: job, ChainBeginVertexID: ids.NewVertexID(), ChainEndVertexID: ids.NewVertexID(),
	})
	require.NoError(t, err)
}

func TestPlugin_ManagerAssignmentSeedsManagerOnlyForElectedWorker(t *testing.T) {
	p := NewPlugin("worker-1", noopSender{}, nil, nil)
	defer p.Shutdown()

	job := ids.NewJobID()
	require.NoError(t, p.RegisterTask(job, ids.NewVertexID(), nil))

	err := p.Handle(context.Background(), &message.DeployInstanceQosRolesAction{
		Job:               job,
		ManagerAssignment: &message.QosManagerAssignment{ManagerWorker: "some-other-worker"},
	})
	require.NoError(t, err)

	p.mu.Lock()
	e := p.envs[job]
	p.mu.Unlock()
	require.Nil(t, e.mgr.Load())
}

func TestPlugin_ManagerAssignmentRegistersSequenceObserverPerConstraint(t *testing.T) {
	p := NewPlugin("worker-1", noopSender{}, nil, nil)
	defer p.Shutdown()

	job := ids.NewJobID()
	require.NoError(t, p.RegisterTask(job, ids.NewVertexID(), nil))

	constraintID := ids.NewConstraintID()
	fragment := graph.New()
	fragment.Constraints[constraintID] = &graph.Constraint{ID: constraintID, LatencyBudgetMillis: 100}

	err := p.Handle(context.Background(), &message.DeployInstanceQosRolesAction{
		Job: job,
		ManagerAssignment: &message.QosManagerAssignment{
			ManagerWorker: "worker-1",
			ShallowGraph:  fragment,
		},
	})
	require.NoError(t, err)

	p.mu.Lock()
	e := p.envs[job]
	p.mu.Unlock()

	require.Eventually(t, func() bool {
		mgr := e.mgr.Load()
		return mgr != nil && mgr.model.HasSequenceObserver(constraintID)
	}, time.Second, time.Millisecond)
}

func TestPlugin_QosReportLazilyCreatesManager(t *testing.T) {
	p := NewPlugin("worker-1", noopSender{}, nil, nil)
	defer p.Shutdown()

	job := ids.NewJobID()
	require.NoError(t, p.RegisterTask(job, ids.NewVertexID(), nil))

	err := p.Handle(context.Background(), &message.QosReport{Job: job})
	require.NoError(t, err)

	p.mu.Lock()
	e := p.envs[job]
	p.mu.Unlock()
	require.Eventually(t, func() bool { return e.mgr.Load() != nil }, time.Second, time.Millisecond)
}

func TestPlugin_ShutdownIsIdempotent(t *testing.T) {
	p := NewPlugin("worker-1", noopSender{}, nil, nil)
	require.NoError(t, p.RegisterTask(ids.NewJobID(), ids.NewVertexID(), nil))
	p.Shutdown()
	require.NotPanics(t, func() { p.Shutdown() })
}

func TestEnvironment_DelayedStartFailpointDelaysManagerCreation(t *testing.T) {
	require.NoError(t, failpoint.Enable(
		"github.com/pingcap/tiflow-streamqos/pkg/qos/env/qosManagerDelayedStart", "sleep(50)"))
	defer failpoint.Disable("github.com/pingcap/tiflow-streamqos/pkg/qos/env/qosManagerDelayedStart")

	d := dispatch.New("worker-1", noopSender{})
	d.Start()
	defer d.Stop()

	e := newEnvironment(ids.NewJobID(), "worker-1", d, nil, nil)
	defer e.Shutdown()

	start := time.Now()
	e.ensureManager()
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestEnvironment_ShutdownTwiceIsNoop(t *testing.T) {
	d := dispatch.New("worker-1", noopSender{})
	d.Start()
	defer d.Stop()

	e := newEnvironment(ids.NewJobID(), "worker-1", d, nil, nil)
	require.NoError(t, e.RegisterTask(ids.NewVertexID(), nil))
	e.Shutdown()
	require.NotPanics(t, func() { e.Shutdown() })
}

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

package forwarder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/tiflow-streamqos/pkg/qos/config"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/dispatch"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/ids"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/message"
)

type capturingSender struct {
	mu       sync.Mutex
	reports  []*message.QosReport
	received chan struct{}
}

func newCapturingSender() *capturingSender {
	return &capturingSender{received: make(chan struct{}, 64)}
}

func (s *capturingSender) Send(_ context.Context, _ string, msg message.Message) error {
	report, ok := msg.(*message.QosReport)
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.reports = append(s.reports, report)
	s.mu.Unlock()
	s.received <- struct{}{}
	return nil
}

func (s *capturingSender) waitForReport(t *testing.T) *message.QosReport {
	t.Helper()
	select {
	case <-s.received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for forwarded report")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[len(s.reports)-1]
}

func newTestForwarder(t *testing.T) (*Forwarder, *capturingSender, *dispatch.Dispatcher) {
	t.Helper()
	job := ids.NewJobID()
	sender := newCapturingSender()
	d := dispatch.New("worker-1", sender)
	d.Start()

	f := New(job, d)
	f.Reconfigure(&message.DeployInstanceQosRolesAction{
		Job:               job,
		ManagerAssignment: &message.QosManagerAssignment{ManagerWorker: "manager-1"},
	})
	return f, sender, d
}

func TestForwarder_FlushesBatchedSamplesOnTick(t *testing.T) {
	f, sender, d := newTestForwarder(t)
	defer d.Stop()

	f.ApplyJobConfig(fixedIntervalSource{aggregation: 20 * time.Millisecond})
	f.Start()
	defer f.Stop()

	f.RecordVertexLatency(message.VertexLatency{LatencyMillis: 5})
	f.RecordEdgeLatency(message.EdgeLatency{LatencyMillis: 6})

	report := sender.waitForReport(t)
	require.Len(t, report.VertexLatencies, 1)
	require.Len(t, report.EdgeLatencies, 1)
}

func TestForwarder_EmptyBatchIsNotFlushed(t *testing.T) {
	f, sender, d := newTestForwarder(t)
	defer d.Stop()

	f.ApplyJobConfig(fixedIntervalSource{aggregation: 10 * time.Millisecond})
	f.Start()

	select {
	case <-sender.received:
		t.Fatal("forwarder flushed an empty batch")
	case <-time.After(100 * time.Millisecond):
	}
	f.Stop()
}

func TestForwarder_StopPerformsFinalFlush(t *testing.T) {
	f, sender, d := newTestForwarder(t)
	defer d.Stop()

	// A long interval means the tick would never fire in the test window;
	// only the final flush on Stop should deliver this sample.
	f.ApplyJobConfig(fixedIntervalSource{aggregation: time.Hour})
	f.Start()
	f.AnnounceVertexReporter(message.VertexAnnouncement{MemberIndex: 0})
	f.Stop()

	report := sender.waitForReport(t)
	require.Len(t, report.VertexAnnouncements, 1)
}

func TestForwarder_StopIsIdempotent(t *testing.T) {
	f, _, d := newTestForwarder(t)
	defer d.Stop()
	f.Start()
	f.Stop()
	require.NotPanics(t, func() { f.Stop() })
}

type fixedIntervalSource struct {
	aggregation time.Duration
}

func (s fixedIntervalSource) GetDuration(key string, def time.Duration) time.Duration {
	if key == config.KeyAggregationInterval {
		return s.aggregation
	}
	return def
}
func (s fixedIntervalSource) GetInt(_ string, def int) int         { return def }
func (s fixedIntervalSource) GetFloat(_ string, def float64) float64 { return def }

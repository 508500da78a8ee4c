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

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/tiflow-streamqos/pkg/qos/ids"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/message"
)

type recordingSender struct {
	mu      sync.Mutex
	sent    []string
	failNext bool
}

func (s *recordingSender) Send(_ context.Context, targetWorker string, _ message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("injected failure")
	}
	s.sent = append(s.sent, targetWorker)
	return nil
}

func (s *recordingSender) sentTargets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

type fakeMessage struct{ job ids.JobID }

func (m *fakeMessage) JobID() ids.JobID { return m.job }

func TestDispatcher_DeliversInFIFOOrder(t *testing.T) {
	sender := &recordingSender{}
	d := New("worker-1", sender)
	d.Start()

	d.Enqueue("a", &fakeMessage{})
	d.Enqueue("b", &fakeMessage{})
	d.Enqueue("c", &fakeMessage{})

	d.Stop()
	require.Equal(t, []string{"a", "b", "c"}, sender.sentTargets())
}

func TestDispatcher_StopDrainsQueueBeforeExiting(t *testing.T) {
	sender := &recordingSender{}
	d := New("worker-1", sender)
	d.Start()

	for i := 0; i < 50; i++ {
		d.Enqueue("target", &fakeMessage{})
	}
	d.Stop()

	require.Len(t, sender.sentTargets(), 50)
}

func TestDispatcher_StopIsIdempotent(t *testing.T) {
	d := New("worker-1", &recordingSender{})
	d.Start()
	d.Stop()
	require.NotPanics(t, func() { d.Stop() })
}

func TestDispatcher_EnqueueAfterStopIsNoop(t *testing.T) {
	sender := &recordingSender{}
	d := New("worker-1", sender)
	d.Start()
	d.Stop()

	require.NotPanics(t, func() { d.Enqueue("late", &fakeMessage{}) })
	require.Empty(t, sender.sentTargets())
}

func TestDispatcher_SendFailureIsLoggedAndDropped(t *testing.T) {
	sender := &recordingSender{failNext: true}
	d := New("worker-1", sender)
	d.Start()

	d.Enqueue("a", &fakeMessage{})
	d.Enqueue("b", &fakeMessage{})
	d.Stop()

	// The first send fails (advisory, dropped); the second still goes
	// through, proving the worker keeps running after a send error.
	require.Equal(t, []string{"b"}, sender.sentTargets())
}

func TestDispatcher_ConcurrentProducersDoNotBlock(t *testing.T) {
	sender := &recordingSender{}
	d := New("worker-1", sender)
	d.Start()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				d.Enqueue("t", &fakeMessage{})
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producers blocked on Enqueue")
	}

	d.Stop()
	require.Len(t, sender.sentTargets(), 160)
}

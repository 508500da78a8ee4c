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

// Package dispatch implements the messaging dispatcher: a single
// long-lived worker that owns an unbounded FIFO of outbound
// (targetWorker, message) items, so that report/action producers never
// block on network I/O (spec.md §4.1).
package dispatch

import (
	"context"
	"sync"

	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/tiflow-streamqos/pkg/qos/message"
	"github.com/pingcap/tiflow-streamqos/pkg/qos/metrics"
	qqueue "github.com/pingcap/tiflow-streamqos/internal/queue"
)

// Sender abstracts the host engine's RPC transport. Out of scope per
// spec.md §1; the dispatcher consumes it only through this interface.
type Sender interface {
	Send(ctx context.Context, targetWorker string, msg message.Message) error
}

type outboundItem struct {
	targetWorker string
	msg          message.Message
}

// Dispatcher is the plugin-wide outbound messaging worker described in
// spec.md §4.1. Producers call Enqueue without blocking; a single
// goroutine drains the queue and invokes Sender.Send.
type Dispatcher struct {
	workerID string
	sender   Sender

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *qqueue.ChunkQueue[outboundItem]
	stopped bool

	done chan struct{}

	logger *zap.Logger
}

// New creates a Dispatcher for workerID (this process's worker
// identity, used for metric labels and log fields) that sends through sender.
// Call Start to begin draining.
func New(workerID string, sender Sender) *Dispatcher {
	d := &Dispatcher{
		workerID: workerID,
		sender:   sender,
		queue:    qqueue.NewChunkQueue[outboundItem](),
		done:     make(chan struct{}),
		logger:   log.L().With(zap.String("worker", workerID)),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the dispatcher's draining goroutine.
func (d *Dispatcher) Start() {
	go d.run()
}

// Enqueue appends an outbound message without blocking on network I/O.
// It is a no-op after Stop has been called.
func (d *Dispatcher) Enqueue(targetWorker string, msg message.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.queue.Enqueue(outboundItem{targetWorker: targetWorker, msg: msg})
	metrics.DispatcherQueueDepthGauge.WithLabelValues(d.workerID).Set(float64(d.queue.Size()))
	d.cond.Signal()
}

// Stop drains the queue (every item already enqueued is still sent) and
// stops the worker once it is empty. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		item, ok := d.dequeue()
		if !ok {
			return
		}
		d.send(item)
	}
}

// dequeue blocks until an item is available or the dispatcher has been
// stopped with an empty queue, in which case it returns ok=false.
func (d *Dispatcher) dequeue() (outboundItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.queue.Empty() && !d.stopped {
		d.cond.Wait()
	}
	if d.queue.Empty() {
		return outboundItem{}, false
	}
	item, _ := d.queue.Dequeue()
	metrics.DispatcherQueueDepthGauge.WithLabelValues(d.workerID).Set(float64(d.queue.Size()))
	return item, true
}

func (d *Dispatcher) send(item outboundItem) {
	ctx := context.Background()
	err := d.sender.Send(ctx, item.targetWorker, item.msg)
	failpoint.Inject("qosDispatcherForceSendFailure", func() {
		err = context.DeadlineExceeded
	})
	if err != nil {
		metrics.DispatcherSendFailureCounter.WithLabelValues(d.workerID).Inc()
		d.logger.Warn("qos outbound send failed, dropping message",
			zap.String("target", item.targetWorker), zap.Error(err))
	}
}

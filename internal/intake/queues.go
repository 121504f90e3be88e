// Package intake implements spec.md §4.6: three concurrent, multi-writer
// single-reader producer queues (structure-change, port-value, call
// intake) draining into one protocol worker that processes them each tick
// in a fixed order — structure first, then values, then calls.
//
// Grounded on internal/meshage/message.go's messagePump channel and single
// messageHandler goroutine; the three-way split and fixed drain order are
// this spec's own addition over that one-queue pattern.
package intake

import (
	"github.com/finroc/netcore/internal/metrics"
)

// Task is one unit of queued work, such as decode-and-dispatch of one
// received batch (Peer.ProcessBatch). Process returns connection.ErrDefer
// to ask the worker to retry it on a later tick (§4.3 structure-lock
// deferral).
type Task struct {
	Label   string // free-form description (ProcessBatch uses the connection name); Worker never reads it
	Process func() error
}

// Worker owns the three intake queues and the deferred-structure-task
// backlog (§5 "each plugin instance runs exactly one protocol worker...
// All connection state... is owned by that worker"). Every Task this
// worker runs, across all three queues, executes one at a time on the
// calling goroutine — there is exactly one protocol worker, not a pool of
// them, so nothing here ever needs its own synchronization.
type Worker struct {
	structureCh chan Task
	valueCh     chan Task
	callCh      chan Task

	deferred []Task

	m *metrics.Set
}

// NewWorker creates a Worker with the given per-queue buffer depth.
func NewWorker(queueDepth int, m *metrics.Set) *Worker {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Worker{
		structureCh: make(chan Task, queueDepth),
		valueCh:     make(chan Task, queueDepth),
		callCh:      make(chan Task, queueDepth),
		m:           m,
	}
}

// SubmitStructure, SubmitValue and SubmitCall are the multi-writer side:
// every connection's receive goroutine calls these directly, with no
// locking beyond the channel's own (§4.6 "lock-free, multi-writer/
// single-reader"). A full queue blocks the caller, applying natural
// backpressure to a peer that is outrunning the worker.
func (w *Worker) SubmitStructure(t Task) { w.structureCh <- t }
func (w *Worker) SubmitValue(t Task)     { w.valueCh <- t }
func (w *Worker) SubmitCall(t Task)      { w.callCh <- t }

// QueueDepths is a test/metrics hook reporting how much work is currently
// buffered in each queue plus how many structure tasks are parked waiting
// to retry a contested structure mutex.
func (w *Worker) QueueDepths() (structure, value, call, deferred int) {
	return len(w.structureCh), len(w.valueCh), len(w.callCh), len(w.deferred)
}

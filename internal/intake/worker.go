package intake

import (
	"context"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/finroc/netcore/internal/connection"
)

// Tick implements spec.md §4.6's fixed processing order: structure changes
// drain first (retrying anything deferred by a contested structure mutex
// on a prior tick), then port values, then RPC/pull calls. Each category
// drains exactly the items queued at the moment Tick observes it — a
// producer racing ahead of the worker is picked up on the next tick rather
// than starving the categories behind it.
func (w *Worker) Tick(ctx context.Context) error {
	var errs *multierror.Error

	if err := w.drainStructure(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := w.drainSimple(w.valueCh); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := w.drainSimple(w.callCh); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// drainStructure retries every previously deferred task, then runs
// everything newly queued, one at a time in the order each was submitted
// (§5 "the protocol worker only ever attempts TryLock; it never blocks
// holding this lock" — and, implicitly, it is the one and only thing
// mutating the runtime's port maps, so two structure tasks never run
// concurrently with each other). Tasks that defer again are kept for the
// next tick. ctx is accepted for symmetry with Tick (drainSimple takes
// none) and so a future transport-bound structure task has somewhere to plumb
// cancellation; nothing here currently blocks on it.
func (w *Worker) drainStructure(ctx context.Context) error {
	_ = ctx

	pending := w.deferred
	w.deferred = nil

	n := len(w.structureCh)
	for i := 0; i < n; i++ {
		pending = append(pending, <-w.structureCh)
	}

	var errs *multierror.Error
	for _, t := range pending {
		switch err := t.Process(); {
		case err == connection.ErrDefer:
			w.deferred = append(w.deferred, t)
		case err != nil:
			errs = multierror.Append(errs, err)
		}
	}

	if w.m != nil {
		w.m.StructureExchangeBacklog.WithLabelValues("all").Set(float64(len(w.deferred)))
	}
	return errs.ErrorOrNil()
}

// drainSimple processes every task queued on ch at entry. These tasks
// never return connection.ErrDefer (§4.3: only structure-mutating opcodes
// defer), so there is nothing to retry.
func (w *Worker) drainSimple(ch chan Task) error {
	var errs *multierror.Error

	n := len(ch)
	for i := 0; i < n; i++ {
		t := <-ch
		if err := t.Process(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

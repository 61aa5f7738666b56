// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package bsp

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// A Worker manages the computation cycle of one fleet member: it owns one
// application and one fragment, and drives the application through its
// initial and incremental evaluation phases, one message round per phase,
// until the fleet terminates.
//
// The zero value is not usable; construct workers with New. A worker serves
// one query at a time from a single goroutine.
type Worker struct {
	app  Application
	frag Fragment
	mm   *Manager
	comm CommSpec
	ctx  Context
	log  zerolog.Logger
	init bool
}

// New constructs a new worker for the given application and fragment. The
// worker must be initialized with Init before its first query.
func New(app Application, frag Fragment) *Worker {
	return &Worker{app: app, frag: frag, mm: NewManager(), log: zerolog.Nop()}
}

// SetLogger sets the logger used for diagnostic output. The default
// discards everything. Progress diagnostics are emitted only on the
// coordinator rank; they carry no protocol significance.
func (w *Worker) SetLogger(log zerolog.Logger) { w.log = log }

// Manager returns the worker's message manager.
func (w *Worker) Manager() *Manager { return w.mm }

// Init prepares the worker to run queries: it readies the fragment for the
// application's declared message strategy, binds the message manager to the
// transport, and hands the engine configuration to the application if it
// wants one. Init must be called exactly once, before any Query.
func (w *Worker) Init(comm CommSpec, tr Transport, engine EngineSpec) error {
	if w.init {
		return protocolErrorf("worker is already initialized")
	}
	if err := comm.validate(); err != nil {
		return &ConfigError{Reason: "invalid comm spec", Err: err}
	}
	if tr.Rank() != comm.Rank || tr.Workers() != comm.Workers {
		return configErrorf("transport is rank %d of %d, comm spec says rank %d of %d",
			tr.Rank(), tr.Workers(), comm.Rank, comm.Workers)
	}
	if err := w.frag.PrepareToRun(w.app.MessageStrategy(), w.app.NeedSplitEdges()); err != nil {
		return &ConfigError{Reason: "fragment cannot run application", Err: err}
	}
	if err := w.mm.Init(tr); err != nil {
		return err
	}
	if pe, ok := w.app.(ParallelEngine); ok {
		pe.InitParallelEngine(engine)
	}
	w.comm = comm
	w.init = true
	return nil
}

// Query runs one query of the application across the fleet. All workers
// must call Query together: the call opens and closes with full-fleet
// barriers, and every phase in between is a collective round.
//
// A failure inside any phase is fatal to the whole fleet. The failing
// worker broadcasts an abort, so Query fails on every rank rather than
// leaving the others deadlocked in a collective operation. There is no
// partial retry; recovery means rerunning the query on all workers.
func (w *Worker) Query(args ...string) error {
	if !w.init {
		return protocolErrorf("Query called before Init")
	}

	// No worker may begin while another is still finishing setup.
	if err := w.mm.Barrier(); err != nil {
		return err
	}

	ctx := w.app.NewContext(w.frag)
	if err := ctx.Init(w.mm, args...); err != nil {
		return w.abort(fmt.Errorf("context init: %w", err))
	}
	w.phaseDone("Init", 0)

	if err := w.mm.Start(); err != nil {
		return err
	}

	if err := w.mm.StartARound(); err != nil {
		return err
	}
	if err := w.app.PEval(w.frag, ctx, w.mm); err != nil {
		return w.abort(&PhaseError{Phase: "PEval", Err: err})
	}
	if err := w.mm.FinishARound(); err != nil {
		return err
	}
	w.phaseDone("PEval", 0)

	for step := 1; !w.mm.ToTerminate(); step++ {
		if err := w.mm.StartARound(); err != nil {
			return err
		}
		if err := w.app.IncEval(w.frag, ctx, w.mm); err != nil {
			return w.abort(&PhaseError{Phase: "IncEval", Step: step, Err: err})
		}
		if err := w.mm.FinishARound(); err != nil {
			return err
		}
		w.phaseDone("IncEval", step)
	}

	if err := w.mm.Barrier(); err != nil {
		return err
	}
	if err := w.mm.Finalize(); err != nil {
		return err
	}
	w.ctx = ctx
	return nil
}

// abort tells the fleet the query failed, then surfaces err locally.
func (w *Worker) abort(err error) error {
	w.mm.Abort(err)
	return err
}

// phaseDone emits a progress diagnostic on the coordinator rank.
func (w *Worker) phaseDone(phase string, step int) {
	if !w.comm.IsCoordinator() {
		return
	}
	ev := w.log.Debug().Str("phase", phase)
	if step > 0 {
		ev = ev.Int("step", step)
	}
	ev.Msg("phase finished")
}

// GetContext returns the context of the most recently completed query. It
// reports ErrNoActiveQuery if no query has completed.
func (w *Worker) GetContext() (Context, error) {
	if w.ctx == nil {
		return nil, ErrNoActiveQuery
	}
	return w.ctx, nil
}

// Output writes the result of the most recently completed query to sink.
func (w *Worker) Output(sink io.Writer) error {
	ctx, err := w.GetContext()
	if err != nil {
		return err
	}
	return ctx.Output(sink)
}

// Finalize releases the worker's resources, shutting down the message
// manager and its transport. It is safe to call multiple times.
func (w *Worker) Finalize() error { return w.mm.Close() }

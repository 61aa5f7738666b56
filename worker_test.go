// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package bsp_test

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/bsp"
	"github.com/creachadair/bsp/graph"
	"github.com/creachadair/bsp/mesh"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

var errFake = errors.New("synthetic failure")

// A stubApp is a scriptable application whose phases are supplied by the
// test. A nil phase does nothing and succeeds.
type stubApp struct {
	strategy bsp.MessageStrategy
	split    bool
	peval    func(frag bsp.Fragment, ctx *stubContext, mm *bsp.Manager) error
	inceval  func(frag bsp.Fragment, ctx *stubContext, mm *bsp.Manager) error

	engine *bsp.EngineSpec // records the spec handed to InitParallelEngine
}

type stubContext struct {
	frag bsp.Fragment
	args []string
}

func (s *stubApp) MessageStrategy() bsp.MessageStrategy { return s.strategy }
func (s *stubApp) NeedSplitEdges() bool                 { return s.split }

func (s *stubApp) NewContext(frag bsp.Fragment) bsp.Context { return &stubContext{frag: frag} }

func (s *stubApp) InitParallelEngine(spec bsp.EngineSpec) { s.engine = &spec }

func (s *stubApp) PEval(frag bsp.Fragment, ctx bsp.Context, mm *bsp.Manager) error {
	if s.peval == nil {
		return nil
	}
	return s.peval(frag, ctx.(*stubContext), mm)
}

func (s *stubApp) IncEval(frag bsp.Fragment, ctx bsp.Context, mm *bsp.Manager) error {
	if s.inceval == nil {
		return nil
	}
	return s.inceval(frag, ctx.(*stubContext), mm)
}

func (c *stubContext) Init(mm *bsp.Manager, args ...string) error { c.args = args; return nil }

func (c *stubContext) Output(w io.Writer) error {
	_, err := io.WriteString(w, strings.Join(c.args, " "))
	return err
}

// isoFrag builds a fragment of the graph whose vertices are the isolated
// ids 0..workers-1, so every rank owns exactly one vertex and mirrors none.
func isoFrag(workers, rank int) (*graph.Fragment, error) {
	b := graph.NewBuilder()
	for id := range workers {
		b.AddVertex(uint64(id))
	}
	return b.Fragment(bsp.CommSpec{Workers: workers, Rank: rank})
}

// ping sends a one-byte message to the rank's own inner vertex, keeping the
// fleet out of termination for one more round.
func ping(frag bsp.Fragment, mm *bsp.Manager) error {
	return mm.SendToVertex(frag, frag.InnerVertices().Lo, []byte{1})
}

// The incremental phase runs once per active round: with every worker
// sending through step 3 and falling quiet at step 4, each worker sees
// exactly four incremental phases.
func TestQueryStepCount(t *testing.T) {
	defer leaktest.Check(t)()
	const fleet = 3

	calls := make([]int, fleet)
	runFleet(t, fleet, func(rank int, tr *mesh.Mesh) error {
		frag, err := isoFrag(fleet, rank)
		if err != nil {
			return err
		}
		app := &stubApp{
			strategy: bsp.AlongEdges,
			peval: func(frag bsp.Fragment, _ *stubContext, mm *bsp.Manager) error {
				return ping(frag, mm)
			},
			inceval: func(frag bsp.Fragment, _ *stubContext, mm *bsp.Manager) error {
				calls[rank]++
				if calls[rank] < 4 {
					return ping(frag, mm)
				}
				return nil
			},
		}

		w := bsp.New(app, frag)
		if err := w.Init(bsp.CommSpec{Workers: fleet, Rank: rank}, tr, bsp.EngineSpec{}); err != nil {
			return err
		}
		defer w.Finalize()
		return w.Query()
	})

	for rank, n := range calls {
		if n != 4 {
			t.Errorf("worker %d: %d incremental phases, want 4", rank, n)
		}
	}
}

// A phase failure on one worker must fail the query on every worker instead
// of leaving the rest of the fleet blocked in a collective operation.
func TestQueryPhaseFailure(t *testing.T) {
	defer leaktest.Check(t)()
	const fleet = 3

	ms := mesh.NewLocal(fleet)
	workers := make([]*bsp.Worker, fleet)
	errs := make([]error, fleet)

	g := taskgroup.New(nil)
	for rank, tr := range ms {
		g.Go(func() error {
			frag, err := isoFrag(fleet, rank)
			if err != nil {
				errs[rank] = err
				return nil
			}
			app := &stubApp{
				strategy: bsp.AlongEdges,
				peval: func(frag bsp.Fragment, _ *stubContext, mm *bsp.Manager) error {
					return ping(frag, mm)
				},
				inceval: func(frag bsp.Fragment, _ *stubContext, mm *bsp.Manager) error {
					if rank == 2 {
						return errFake
					}
					return ping(frag, mm)
				},
			}
			w := bsp.New(app, frag)
			if err := w.Init(bsp.CommSpec{Workers: fleet, Rank: rank}, tr, bsp.EngineSpec{}); err != nil {
				errs[rank] = err
				return nil
			}
			workers[rank] = w
			errs[rank] = w.Query()
			return nil
		})
	}

	done := make(chan struct{})
	go func() { g.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("fleet still blocked after phase failure")
	}
	for _, w := range workers {
		if w != nil {
			w.Finalize()
		}
	}
	for _, tr := range ms {
		tr.Close()
	}

	var pe *bsp.PhaseError
	if !errors.As(errs[2], &pe) {
		t.Errorf("worker 2: got %[1]T (%[1]v), want *PhaseError", errs[2])
	} else {
		if pe.Phase != "IncEval" {
			t.Errorf("worker 2: failed phase %q, want IncEval", pe.Phase)
		}
		if !errors.Is(pe, errFake) {
			t.Errorf("worker 2: error %v does not wrap the phase failure", pe)
		}
	}
	for _, rank := range []int{0, 1} {
		var ae *bsp.AbortError
		if !errors.As(errs[rank], &ae) {
			t.Errorf("worker %d: got %[2]T (%[2]v), want *AbortError", rank, errs[rank])
		} else if ae.Rank != 2 {
			t.Errorf("worker %d: abort attributed to rank %d, want 2", rank, ae.Rank)
		}
	}
}

// A worker can serve queries back to back, and each query's context
// replaces the previous one.
func TestRequery(t *testing.T) {
	defer leaktest.Check(t)()

	runFleet(t, 1, func(rank int, tr *mesh.Mesh) error {
		frag, err := isoFrag(1, 0)
		if err != nil {
			return err
		}
		app := &stubApp{strategy: bsp.AlongEdges}
		w := bsp.New(app, frag)
		if err := w.Init(bsp.CommSpec{Workers: 1}, tr, bsp.EngineSpec{Threads: 2}); err != nil {
			return err
		}
		defer w.Finalize()

		if app.engine == nil || app.engine.Threads != 2 {
			t.Errorf("engine spec: got %+v, want Threads 2", app.engine)
		}

		if _, err := w.GetContext(); !errors.Is(err, bsp.ErrNoActiveQuery) {
			t.Errorf("GetContext before query: got %v, want ErrNoActiveQuery", err)
		}
		if err := w.Output(io.Discard); !errors.Is(err, bsp.ErrNoActiveQuery) {
			t.Errorf("Output before query: got %v, want ErrNoActiveQuery", err)
		}

		for _, args := range [][]string{{"first"}, {"second", "query"}} {
			if err := w.Query(args...); err != nil {
				return err
			}
			var sb strings.Builder
			if err := w.Output(&sb); err != nil {
				return err
			}
			if got, want := sb.String(), strings.Join(args, " "); got != want {
				t.Errorf("Output: got %q, want %q", got, want)
			}
		}
		return nil
	})
}

func TestWorkerMisuse(t *testing.T) {
	defer leaktest.Check(t)()

	frag, err := isoFrag(1, 0)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	ms := mesh.NewLocal(1)
	defer ms[0].Close()

	t.Run("queryBeforeInit", func(t *testing.T) {
		w := bsp.New(&stubApp{}, frag)
		var pe *bsp.ProtocolError
		if err := w.Query(); !errors.As(err, &pe) {
			t.Errorf("Query: got %[1]T (%[1]v), want *ProtocolError", err)
		}
	})
	t.Run("badCommSpec", func(t *testing.T) {
		w := bsp.New(&stubApp{}, frag)
		var ce *bsp.ConfigError
		if err := w.Init(bsp.CommSpec{Workers: 2, Rank: 5}, ms[0], bsp.EngineSpec{}); !errors.As(err, &ce) {
			t.Errorf("Init: got %[1]T (%[1]v), want *ConfigError", err)
		}
	})
	t.Run("commTransportMismatch", func(t *testing.T) {
		w := bsp.New(&stubApp{}, frag)
		var ce *bsp.ConfigError
		if err := w.Init(bsp.CommSpec{Workers: 4, Rank: 0}, ms[0], bsp.EngineSpec{}); !errors.As(err, &ce) {
			t.Errorf("Init: got %[1]T (%[1]v), want *ConfigError", err)
		}
	})
	t.Run("unsupportedApplication", func(t *testing.T) {
		w := bsp.New(&stubApp{split: true}, frag)
		var ce *bsp.ConfigError
		if err := w.Init(bsp.CommSpec{Workers: 1}, ms[0], bsp.EngineSpec{}); !errors.As(err, &ce) {
			t.Errorf("Init: got %[1]T (%[1]v), want *ConfigError", err)
		}
	})
	t.Run("doubleInit", func(t *testing.T) {
		w := bsp.New(&stubApp{}, frag)
		if err := w.Init(bsp.CommSpec{Workers: 1}, ms[0], bsp.EngineSpec{}); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if err := w.Init(bsp.CommSpec{Workers: 1}, ms[0], bsp.EngineSpec{}); err == nil {
			t.Error("second Init did not report an error")
		}
	})
}

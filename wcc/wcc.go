// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package wcc implements weakly-connected-component labeling as a bsp
// application.
//
// Every vertex is labeled with the smallest vertex identifier in its
// component. The algorithm keeps all labels in a single sync buffer with a
// minimum merge operator: each phase lowers labels along local edges to a
// fixpoint, and the buffer carries the surviving changes across partitions
// between rounds. Labels only ever decrease, so the computation terminates
// when no label changes anywhere in the fleet.
package wcc

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"github.com/creachadair/bsp"
)

// App is the connected-component application. It is stateless and may be
// shared by any number of workers and queries.
type App struct{}

// New constructs the application.
func New() *App { return new(App) }

// MessageStrategy implements a method of the [bsp.Application] interface.
// Labels can improve on either side of a cut edge, so mirrors push changes
// back to their owners and owners push to all mirrors.
func (*App) MessageStrategy() bsp.MessageStrategy { return bsp.SyncAll }

// NeedSplitEdges implements a method of the [bsp.Application] interface.
func (*App) NeedSplitEdges() bool { return false }

// NewContext implements a method of the [bsp.Application] interface.
func (*App) NewContext(frag bsp.Fragment) bsp.Context { return &Context{frag: frag} }

// PEval assigns every local vertex its own identifier as its label, then
// lowers labels along local edges to a fixpoint. The initial assignments and
// everything the fixpoint improves are propagated by the sync buffer.
func (*App) PEval(frag bsp.Fragment, ctx bsp.Context, mm *bsp.Manager) error {
	c := ctx.(*Context)
	for v := range frag.Vertices().All() {
		c.labels.SetValue(v, frag.GetID(v))
	}
	c.propagate()
	return nil
}

// IncEval lowers labels along local edges to a fixpoint again, starting from
// whatever the round delivery merged in.
func (*App) IncEval(frag bsp.Fragment, ctx bsp.Context, mm *bsp.Manager) error {
	ctx.(*Context).propagate()
	return nil
}

// Context holds the per-query state of the component labeling.
type Context struct {
	frag   bsp.Fragment
	labels bsp.SyncBuffer[uint64]
}

// Init implements a method of the [bsp.Context] interface.
func (c *Context) Init(mm *bsp.Manager, args ...string) error {
	if len(args) != 0 {
		return fmt.Errorf("unexpected query arguments %q", args)
	}
	c.labels.Init(c.frag.Vertices(), math.MaxUint64, bsp.Uint64Codec{}, bsp.MergeMin)
	return mm.RegisterSyncBuffer(c.frag, &c.labels, bsp.SyncAll)
}

// Label returns the current component label of v.
func (c *Context) Label(v bsp.Vertex) uint64 { return c.labels.Value(v) }

// propagate lowers labels along local edges until nothing changes. Each
// inner vertex takes the minimum over itself and its neighbors, and pushes
// that minimum back out to them; outer vertices participate as endpoints of
// the cut edges.
func (c *Context) propagate() {
	inner := c.frag.InnerVertices()
	for changed := true; changed; {
		changed = false
		for u := range inner.All() {
			min := c.labels.Value(u)
			for _, w := range c.frag.Neighbors(u) {
				if l := c.labels.Value(w); l < min {
					min = l
				}
			}
			if min < c.labels.Value(u) {
				c.labels.SetValue(u, min)
				changed = true
			}
			for _, w := range c.frag.Neighbors(u) {
				if min < c.labels.Value(w) {
					c.labels.SetValue(w, min)
					changed = true
				}
			}
		}
	}
}

// Output implements a method of the [bsp.Context] interface. It writes one
// "<vertex-id> <label>" line per inner vertex.
func (c *Context) Output(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for v := range c.frag.InnerVertices().All() {
		fmt.Fprintf(bw, "%d %d\n", c.frag.GetID(v), c.labels.Value(v))
	}
	return bw.Flush()
}

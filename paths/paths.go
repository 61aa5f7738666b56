// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package paths implements single-source hop-distance computation (BFS
// levels) as a bsp application.
//
// Unlike the wcc package, paths manages its messages explicitly: each phase
// relaxes distances across local edges, and improvements to vertices owned
// by other partitions are sent to their owners with SendToVertex. The
// computation terminates when no worker improves any distance.
package paths

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"github.com/creachadair/bsp"
)

// App is the hop-distance application for a fixed source vertex. It is
// stateless apart from the source and may be shared by workers and queries.
type App struct {
	Source uint64 // external identifier of the source vertex
}

// New constructs the application with the given source vertex.
func New(source uint64) *App { return &App{Source: source} }

// MessageStrategy implements a method of the [bsp.Application] interface.
func (*App) MessageStrategy() bsp.MessageStrategy { return bsp.AlongEdges }

// NeedSplitEdges implements a method of the [bsp.Application] interface.
func (*App) NeedSplitEdges() bool { return false }

// NewContext implements a method of the [bsp.Application] interface.
func (*App) NewContext(frag bsp.Fragment) bsp.Context { return &Context{frag: frag} }

// PEval seeds the source vertex at distance zero on the partition owning it
// and relaxes outward; every other worker contributes nothing this round.
func (a *App) PEval(frag bsp.Fragment, ctx bsp.Context, mm *bsp.Manager) error {
	c := ctx.(*Context)
	v, ok := frag.Locate(a.Source)
	if !ok || !frag.InnerVertices().Contains(v) {
		return nil
	}
	c.dist[v] = 0
	return c.relax(mm, []bsp.Vertex{v})
}

// IncEval folds the delivered distance improvements in and relaxes from the
// vertices they touched.
func (a *App) IncEval(frag bsp.Fragment, ctx bsp.Context, mm *bsp.Manager) error {
	c := ctx.(*Context)
	var frontier []bsp.Vertex
	err := mm.EachMessage(frag, func(v bsp.Vertex, data []byte) error {
		d, err := bsp.Uint64Codec{}.Decode(data)
		if err != nil {
			return err
		}
		if d < c.dist[v] {
			c.dist[v] = d
			frontier = append(frontier, v)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.relax(mm, frontier)
}

// Context holds the per-query distances. Outer vertices carry the best
// distance already reported to their owner, which suppresses duplicate
// sends along parallel local paths.
type Context struct {
	frag bsp.Fragment
	dist []uint64
}

// Init implements a method of the [bsp.Context] interface.
func (c *Context) Init(mm *bsp.Manager, args ...string) error {
	if len(args) != 0 {
		return fmt.Errorf("unexpected query arguments %q", args)
	}
	c.dist = make([]uint64, c.frag.Vertices().Len())
	for i := range c.dist {
		c.dist[i] = math.MaxUint64
	}
	return nil
}

// Dist returns the current hop distance of v, or math.MaxUint64 if v is not
// known to be reachable.
func (c *Context) Dist(v bsp.Vertex) uint64 { return c.dist[v] }

// relax runs a local breadth-first pass from the given frontier. Improved
// inner vertices join the queue; improved outer vertices are reported to
// their owners for the next round.
func (c *Context) relax(mm *bsp.Manager, queue []bsp.Vertex) error {
	inner := c.frag.InnerVertices()
	for len(queue) != 0 {
		u := queue[0]
		queue = queue[1:]
		nd := c.dist[u] + 1
		for _, w := range c.frag.Neighbors(u) {
			if nd >= c.dist[w] {
				continue
			}
			c.dist[w] = nd
			if inner.Contains(w) {
				queue = append(queue, w)
			} else {
				err := mm.SendToVertex(c.frag, w, bsp.Uint64Codec{}.Append(nil, nd))
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Output implements a method of the [bsp.Context] interface. It writes one
// "<vertex-id> <distance>" line per inner vertex; unreachable vertices
// report the distance "inf".
func (c *Context) Output(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for v := range c.frag.InnerVertices().All() {
		if d := c.dist[v]; d == math.MaxUint64 {
			fmt.Fprintf(bw, "%d inf\n", c.frag.GetID(v))
		} else {
			fmt.Fprintf(bw, "%d %d\n", c.frag.GetID(v), d)
		}
	}
	return bw.Flush()
}

// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package graph provides a simple in-memory edge-cut fragment implementation
// of the bsp.Fragment interface, partitioned by hashing vertex identifiers
// across the fleet.
//
// Every worker feeds the same edge list to a Builder and carves out its own
// fragment; cross-partition edges determine which vertices each fragment
// mirrors. The package exists for tests, examples, and single-process runs;
// production deployments supply their own fragment implementations.
package graph

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/creachadair/bsp"
	"github.com/creachadair/mds/mapset"
)

// A Builder accumulates an undirected edge list describing the whole graph.
// The zero value is not usable; construct builders with NewBuilder.
type Builder struct {
	ids mapset.Set[uint64]
	adj map[uint64]mapset.Set[uint64]
}

// NewBuilder constructs an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{ids: mapset.New[uint64](), adj: make(map[uint64]mapset.Set[uint64])}
}

// AddVertex records the vertex with the given identifier. Adding a vertex
// twice is harmless.
func (b *Builder) AddVertex(id uint64) {
	b.ids.Add(id)
	if b.adj[id] == nil {
		b.adj[id] = mapset.New[uint64]()
	}
}

// AddEdge records an undirected edge between u and v, adding the endpoints
// as needed. Self-loops are discarded; they carry no messages.
func (b *Builder) AddEdge(u, v uint64) {
	b.AddVertex(u)
	b.AddVertex(v)
	if u == v {
		return
	}
	au, av := b.adj[u], b.adj[v]
	au.Add(v)
	av.Add(u)
}

// Parse reads an edge list from r, one "u v" pair of vertex identifiers per
// line. Blank lines and lines starting with "#" are ignored. A line with a
// single identifier records an isolated vertex.
func Parse(r io.Reader) (*Builder, error) {
	b := NewBuilder()
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fs := strings.Fields(text)
		if len(fs) > 2 {
			return nil, fmt.Errorf("line %d: got %d fields, want 1 or 2", line, len(fs))
		}
		ids := make([]uint64, len(fs))
		for i, f := range fs {
			id, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid vertex %q: %w", line, f, err)
			}
			ids[i] = id
		}
		if len(ids) == 1 {
			b.AddVertex(ids[0])
		} else {
			b.AddEdge(ids[0], ids[1])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

// ownerOf maps a vertex identifier to the rank that owns it.
func ownerOf(id uint64, workers int) int { return int(id % uint64(workers)) }

// Fragment carves out the partition of the graph owned by comm.Rank. Inner
// vertices are assigned by hashing identifiers across comm.Workers ranks;
// the fragment mirrors, as outer vertices, every remote vertex adjacent to
// one of its inner vertices.
func (b *Builder) Fragment(comm bsp.CommSpec) (*Fragment, error) {
	if comm.Workers <= 0 || comm.Rank < 0 || comm.Rank >= comm.Workers {
		return nil, fmt.Errorf("invalid rank %d of %d", comm.Rank, comm.Workers)
	}

	var inner, outer []uint64
	outerSeen := mapset.New[uint64]()
	for id := range b.ids {
		if ownerOf(id, comm.Workers) != comm.Rank {
			continue
		}
		inner = append(inner, id)
		for nb := range b.adj[id] {
			if ownerOf(nb, comm.Workers) != comm.Rank && !outerSeen.Has(nb) {
				outerSeen.Add(nb)
				outer = append(outer, nb)
			}
		}
	}
	slices.Sort(inner)
	slices.Sort(outer)

	f := &Fragment{
		workers: comm.Workers,
		rank:    comm.Rank,
		ni:      len(inner),
		oids:    make([]uint64, 0, len(inner)+len(outer)),
		index:   make(map[uint64]bsp.Vertex, len(inner)+len(outer)),
	}
	for _, id := range inner {
		f.index[id] = bsp.Vertex(len(f.oids))
		f.oids = append(f.oids, id)
	}
	for _, id := range outer {
		f.index[id] = bsp.Vertex(len(f.oids))
		f.oids = append(f.oids, id)
	}

	// Adjacency is materialized for inner vertices only; outer vertices are
	// value mirrors, their edges live on the partitions that own them.
	f.adj = make([][]bsp.Vertex, len(f.oids))
	f.mirrors = make([][]int, f.ni)
	for i, id := range inner {
		nbs := slices.Sorted(maps.Keys(b.adj[id]))
		vs := make([]bsp.Vertex, len(nbs))
		ranks := mapset.New[int]()
		for j, nb := range nbs {
			vs[j] = f.index[nb]
			if r := ownerOf(nb, comm.Workers); r != comm.Rank {
				ranks.Add(r)
			}
		}
		f.adj[i] = vs
		f.mirrors[i] = slices.Sorted(maps.Keys(ranks))
	}
	return f, nil
}

// A Fragment is one worker's partition of the graph. It implements the
// bsp.Fragment interface and is immutable after construction.
type Fragment struct {
	workers int
	rank    int
	ni      int            // number of inner vertices; handles [0,ni) are inner
	oids    []uint64       // handle → external identifier
	index   map[uint64]bsp.Vertex
	adj     [][]bsp.Vertex // inner handle → neighbors; empty for outer
	mirrors [][]int        // inner handle → ranks mirroring it
}

// Vertices implements a method of the [bsp.Fragment] interface.
func (f *Fragment) Vertices() bsp.VertexRange {
	return bsp.VertexRange{Lo: 0, Hi: bsp.Vertex(len(f.oids))}
}

// InnerVertices implements a method of the [bsp.Fragment] interface.
func (f *Fragment) InnerVertices() bsp.VertexRange {
	return bsp.VertexRange{Lo: 0, Hi: bsp.Vertex(f.ni)}
}

// OuterVertices implements a method of the [bsp.Fragment] interface.
func (f *Fragment) OuterVertices() bsp.VertexRange {
	return bsp.VertexRange{Lo: bsp.Vertex(f.ni), Hi: bsp.Vertex(len(f.oids))}
}

// GetID implements a method of the [bsp.Fragment] interface.
func (f *Fragment) GetID(v bsp.Vertex) uint64 { return f.oids[v] }

// Locate implements a method of the [bsp.Fragment] interface.
func (f *Fragment) Locate(id uint64) (bsp.Vertex, bool) {
	v, ok := f.index[id]
	return v, ok
}

// OwnerRank implements a method of the [bsp.Fragment] interface.
func (f *Fragment) OwnerRank(v bsp.Vertex) int { return ownerOf(f.oids[v], f.workers) }

// MirrorRanks implements a method of the [bsp.Fragment] interface.
func (f *Fragment) MirrorRanks(v bsp.Vertex) []int {
	if int(v) < f.ni {
		return f.mirrors[v]
	}
	return nil
}

// Neighbors implements a method of the [bsp.Fragment] interface.
func (f *Fragment) Neighbors(v bsp.Vertex) []bsp.Vertex { return f.adj[v] }

// PrepareToRun implements a method of the [bsp.Fragment] interface. The
// fragment supports every message strategy but cannot split edge lists.
func (f *Fragment) PrepareToRun(ms bsp.MessageStrategy, needSplitEdges bool) error {
	if needSplitEdges {
		return fmt.Errorf("fragment does not support split edges")
	}
	return nil
}

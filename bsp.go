// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package bsp

import (
	"fmt"
	"io"
	"iter"
	"runtime"
)

// A Vertex is the handle of a vertex inside one fragment. Handles are dense
// local indices: the vertices of a fragment occupy a contiguous range with
// the inner vertices first and the outer mirrors after them. A handle is
// only meaningful to the fragment that issued it.
type Vertex int

// A VertexRange is a half-open range [Lo, Hi) of vertex handles.
type VertexRange struct {
	Lo, Hi Vertex
}

// Len reports the number of vertices in the range.
func (r VertexRange) Len() int { return int(r.Hi - r.Lo) }

// Contains reports whether v lies within the range.
func (r VertexRange) Contains(v Vertex) bool { return v >= r.Lo && v < r.Hi }

// All ranges over the vertices of r in increasing handle order.
func (r VertexRange) All() iter.Seq[Vertex] {
	return func(yield func(Vertex) bool) {
		for v := r.Lo; v < r.Hi; v++ {
			if !yield(v) {
				return
			}
		}
	}
}

// A MessageStrategy declares how an application's messages travel between
// fragments. The fragment is told the strategy once, before the first query,
// so it can prepare whatever routing structures the strategy needs.
type MessageStrategy int

const (
	// AlongEdges: the application sends explicit messages along edges with
	// [Manager.SendToVertex]; no automatic synchronization occurs.
	AlongEdges MessageStrategy = iota

	// SyncOnOuterVertex: each round, dirty inner-vertex values are pushed to
	// every rank that holds the vertex as an outer mirror. Mirrors are
	// passive sinks; their local changes are not pushed back.
	SyncOnOuterVertex

	// SyncAll: each round, dirty inner-vertex values are pushed to all
	// mirror ranks and dirty outer-vertex values are pushed back to the
	// owner. Changes reach every copy of a vertex within two rounds.
	SyncAll
)

func (s MessageStrategy) String() string {
	switch s {
	case AlongEdges:
		return "along-edges"
	case SyncOnOuterVertex:
		return "sync-on-outer-vertex"
	case SyncAll:
		return "sync-all"
	default:
		return fmt.Sprintf("strategy:%d", int(s))
	}
}

// A Fragment is one worker's partition of the graph. It is immutable for the
// duration of a query. The vertices of a fragment are the inner vertices it
// owns plus outer mirrors of vertices owned by other partitions that its
// edges refer to.
type Fragment interface {
	// Vertices returns the range of all local vertices, inner and outer.
	Vertices() VertexRange

	// InnerVertices returns the range of vertices owned by this partition.
	InnerVertices() VertexRange

	// OuterVertices returns the range of mirrored vertices.
	OuterVertices() VertexRange

	// GetID returns the external (original) identifier of v.
	GetID(v Vertex) uint64

	// Locate returns the local handle for an external identifier, and
	// reports whether the fragment holds that vertex at all.
	Locate(id uint64) (Vertex, bool)

	// OwnerRank returns the rank of the worker that owns v.
	OwnerRank(v Vertex) int

	// MirrorRanks returns the ranks that hold the inner vertex v as an
	// outer mirror. For an outer vertex the result is empty.
	MirrorRanks(v Vertex) []int

	// Neighbors returns the vertices adjacent to v. A fragment is only
	// required to know the adjacency of its inner vertices.
	Neighbors(v Vertex) []Vertex

	// PrepareToRun readies the fragment for an application with the given
	// message strategy and edge-splitting requirement. It is called once,
	// during Worker.Init, and reports an error if the fragment cannot
	// support the requested capabilities.
	PrepareToRun(ms MessageStrategy, needSplitEdges bool) error
}

// An Application is a stateless vertex-centric algorithm. The same instance
// may be shared by queries and by workers; all per-query state lives in the
// Context it constructs.
type Application interface {
	// MessageStrategy declares how the application's updates travel.
	MessageStrategy() MessageStrategy

	// NeedSplitEdges declares whether the fragment must split edge lists.
	NeedSplitEdges() bool

	// NewContext constructs a fresh context bound to frag.
	NewContext(frag Fragment) Context

	// PEval runs the initial evaluation phase inside the first round.
	PEval(frag Fragment, ctx Context, mm *Manager) error

	// IncEval runs one incremental evaluation phase inside one round.
	IncEval(frag Fragment, ctx Context, mm *Manager) error
}

// A Context carries the mutable state of one query. It is created fresh by
// each call to Worker.Query and owned exclusively by that worker until the
// next query replaces it.
type Context interface {
	// Init prepares the context before the first round. No round is active
	// when Init runs; it must not send messages, but it may register sync
	// buffers with the manager.
	Init(mm *Manager, args ...string) error

	// Output writes the query result to w, one "<vertex-id> <value>" line
	// per inner vertex in iteration order.
	Output(w io.Writer) error
}

// ParallelEngine is an optional interface an Application may implement to
// receive the engine configuration during Worker.Init.
type ParallelEngine interface {
	InitParallelEngine(spec EngineSpec)
}

// A CommSpec describes the fleet topology: how many workers exist, which
// rank this process is, and which rank acts as the coordinator. The
// coordinator is used only to gate diagnostic output, never for correctness
// decisions. A CommSpec is immutable for the lifetime of the process.
type CommSpec struct {
	Workers     int // total number of workers in the fleet
	Rank        int // the rank of this worker, 0-based
	Coordinator int // the rank designated as coordinator
}

// IsCoordinator reports whether this worker is the coordinator.
func (c CommSpec) IsCoordinator() bool { return c.Rank == c.Coordinator }

func (c CommSpec) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("fleet size %d out of range", c.Workers)
	}
	if c.Rank < 0 || c.Rank >= c.Workers {
		return fmt.Errorf("rank %d out of range [0,%d)", c.Rank, c.Workers)
	}
	if c.Coordinator < 0 || c.Coordinator >= c.Workers {
		return fmt.Errorf("coordinator %d out of range [0,%d)", c.Coordinator, c.Workers)
	}
	return nil
}

// An EngineSpec configures intra-process parallelism for the application's
// phase bodies. The engine core does not interpret it; it is handed to
// applications that implement [ParallelEngine].
type EngineSpec struct {
	Threads int // number of threads a phase may use; 0 means GOMAXPROCS
}

// NumThreads returns the effective thread budget.
func (e EngineSpec) NumThreads() int {
	if e.Threads > 0 {
		return e.Threads
	}
	return runtime.GOMAXPROCS(0)
}

// A Channel is a reliable ordered stream of packets shared by two workers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet in binary format to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Transport connects a worker to the rest of a fixed fleet of workers,
// addressable by rank. Links are reliable and ordered; packets from one
// sender arrive in the order sent, without loss or duplication.
type Transport interface {
	// Rank returns the rank of the local worker.
	Rank() int

	// Workers returns the total number of workers in the fleet.
	Workers() int

	// Send delivers pkt to the worker with the given rank.
	Send(to int, pkt *Packet) error

	// Recv returns the next packet from any remote worker, along with the
	// rank it came from. It blocks until a packet arrives or the transport
	// is closed.
	Recv() (from int, pkt *Packet, err error)

	// Close shuts down the transport. Pending and future operations report
	// an error.
	Close() error
}

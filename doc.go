// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package bsp implements a bulk-synchronous engine for distributed
// vertex-centric graph computation.
//
// A fleet of worker processes, each holding one partition (a "fragment") of a
// graph, executes an algorithm in alternating rounds of local computation and
// global message exchange until no worker anywhere has anything left to say.
//
// # Workers
//
// The top-level type defined by this package is the [Worker]. A worker owns
// one [Application] and one [Fragment], and drives the application through
// its evaluation phases:
//
//	w := bsp.New(app, frag)
//	if err := w.Init(comm, tr, bsp.EngineSpec{}); err != nil {
//	   log.Fatalf("Init: %v", err)
//	}
//	if err := w.Query(); err != nil {
//	   log.Fatalf("Query: %v", err)
//	}
//
// Query runs the application's PEval phase once, then repeats IncEval until
// the fleet reaches global termination. Each phase executes inside one
// message round; messages sent during round k become visible to their
// destination at the start of round k+1, never earlier and never later.
//
// # Rounds and termination
//
// The [Manager] owns the round lifecycle. StartARound delivers the traffic
// of the previous round, FinishARound flushes the messages buffered during
// the round, batched per destination rank, and folds every worker's send
// count into a fleet-wide sum. ToTerminate reports true exactly when that
// sum was zero: termination is a property of the whole fleet, never of a
// single worker. Every worker must reach every round boundary; a worker
// that skips one deadlocks the fleet.
//
// # Sync buffers
//
// A [SyncBuffer] turns changes to a per-vertex value array into outgoing
// messages automatically. Register a buffer with the manager and every value
// changed during a round is pushed to the ranks that hold that vertex, where
// it is folded in through the buffer's merge operator:
//
//	var labels bsp.SyncBuffer[uint64]
//	labels.Init(frag.Vertices(), math.MaxUint64, bsp.Uint64Codec{}, bsp.MergeMin)
//	mm.RegisterSyncBuffer(frag, &labels, bsp.SyncAll)
//
// The merge operator must be commutative and idempotent, and must report
// whether it changed the current value; an update that changes nothing is
// not propagated further.
//
// # Transports
//
// Workers exchange binary packets over a [Transport], a fixed mesh of
// reliable ordered point-to-point links. The mesh package provides a
// transport over [Channel] implementations from the channel package,
// including fully in-process fleets for testing.
package bsp

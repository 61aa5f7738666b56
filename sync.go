// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package bsp

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/creachadair/mds/mapset"
)

// A MergeFunc folds an incoming value into the current value of a sync
// buffer slot, and reports whether it changed the current value.
//
// A merge function must be commutative (any arrival order yields the same
// final value) and idempotent (re-applying a value that already won leaves
// the slot unchanged and reports false). These properties are what make the
// buffered values deterministic across message interleavings.
type MergeFunc[V any] func(cur *V, in V) bool

// MergeMin keeps the minimum of the current and incoming values.
func MergeMin[V cmp.Ordered](cur *V, in V) bool {
	if in < *cur {
		*cur = in
		return true
	}
	return false
}

// MergeMax keeps the maximum of the current and incoming values.
func MergeMax[V cmp.Ordered](cur *V, in V) bool {
	if in > *cur {
		*cur = in
		return true
	}
	return false
}

// A Codec translates sync buffer values to and from their wire encoding.
type Codec[V any] interface {
	// Append appends the encoding of v to buf and returns the result.
	Append(buf []byte, v V) []byte

	// Decode decodes a value from data.
	Decode(data []byte) (V, error)
}

// Uint64Codec encodes uint64 values as 8 big-endian bytes.
type Uint64Codec struct{}

// Append implements a method of the [Codec] interface.
func (Uint64Codec) Append(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

// Decode implements a method of the [Codec] interface.
func (Uint64Codec) Decode(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("bad uint64 value (%d bytes)", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// Float64Codec encodes float64 values as 8 big-endian bytes of their IEEE
// 754 representation.
type Float64Codec struct{}

// Append implements a method of the [Codec] interface.
func (Float64Codec) Append(buf []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
}

// Decode implements a method of the [Codec] interface.
func (Float64Codec) Decode(data []byte) (float64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("bad float64 value (%d bytes)", len(data))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
}

// A Syncer is a value buffer that a [Manager] can synchronize across the
// fleet. The only implementation is [SyncBuffer]; the interface exists so a
// manager can hold buffers of different value types.
type Syncer interface {
	// flush emits one entry per dirty vertex to every rank the registered
	// strategy routes it to, then clears the dirty marks.
	flush(frag Fragment, strategy MessageStrategy, emit func(rank int, e Entry))

	// ingest folds an incoming entry into the buffer and reports whether it
	// changed the stored value.
	ingest(frag Fragment, id uint64, data []byte) (bool, error)
}

// A SyncBuffer tracks changes to one per-vertex value array and merges
// remote updates into it. Register a buffer with [Manager.RegisterSyncBuffer]
// and every value changed during a round is packaged as outgoing messages at
// FinishARound; incoming updates are applied through the merge operator at
// the next StartARound.
//
// After all rounds complete, every vertex's buffered value is the merge
// fixpoint of all updates produced anywhere in the fleet for that vertex.
//
// A SyncBuffer must be initialized with Init before use, and is owned by a
// single query; it is not safe for concurrent use.
type SyncBuffer[V any] struct {
	rng   VertexRange
	vals  []V
	dirty mapset.Set[Vertex]
	merge MergeFunc[V]
	codec Codec[V]
}

// Init allocates one slot per vertex in rng, all set to sentinel. The codec
// provides the wire encoding for values. The merge operator may be nil, in
// which case an incoming update unconditionally overwrites the slot;
// overwrites are last-writer-wins and do not propagate further, so callers
// needing deterministic multi-source updates must supply a merge operator.
func (b *SyncBuffer[V]) Init(rng VertexRange, sentinel V, codec Codec[V], merge MergeFunc[V]) {
	b.rng = rng
	b.vals = make([]V, rng.Len())
	for i := range b.vals {
		b.vals[i] = sentinel
	}
	b.dirty = mapset.New[Vertex]()
	b.codec = codec
	b.merge = merge
}

// Range returns the vertex range the buffer was initialized with.
func (b *SyncBuffer[V]) Range() VertexRange { return b.rng }

// Value returns the current value of v's slot.
func (b *SyncBuffer[V]) Value(v Vertex) V { return b.vals[v-b.rng.Lo] }

// SetValue stores val in v's slot and marks it dirty for the current round.
// Dirty marks are cleared when the manager packages outgoing deltas at the
// end of the round.
func (b *SyncBuffer[V]) SetValue(v Vertex, val V) {
	b.vals[v-b.rng.Lo] = val
	b.dirty.Add(v)
}

// IsDirty reports whether v's slot has changed since the last flush.
func (b *SyncBuffer[V]) IsDirty(v Vertex) bool { return b.dirty.Has(v) }

// DirtyCount reports the number of dirty slots.
func (b *SyncBuffer[V]) DirtyCount() int { return len(b.dirty) }

// flush implements a method of the [Syncer] interface.
//
// Routing: a dirty inner vertex goes to every rank mirroring it; a dirty
// outer vertex goes back to its owner, but only under SyncAll. Neither
// destination set ever includes the local rank.
func (b *SyncBuffer[V]) flush(frag Fragment, strategy MessageStrategy, emit func(rank int, e Entry)) {
	inner := frag.InnerVertices()
	for v := range b.dirty {
		e := Entry{ID: frag.GetID(v), Data: b.codec.Append(nil, b.Value(v))}
		if inner.Contains(v) {
			for _, r := range frag.MirrorRanks(v) {
				emit(r, e)
			}
		} else if strategy == SyncAll {
			emit(frag.OwnerRank(v), e)
		}
	}
	clear(b.dirty)
}

// ingest implements a method of the [Syncer] interface. An update that
// changes the slot re-marks it dirty, so the change propagates onward in the
// next round; an update the merge operator rejects is dropped without
// further effect.
func (b *SyncBuffer[V]) ingest(frag Fragment, id uint64, data []byte) (bool, error) {
	v, ok := frag.Locate(id)
	if !ok {
		return false, protocolErrorf("sync update for unknown vertex %d", id)
	}
	if !b.rng.Contains(v) {
		return false, protocolErrorf("sync update for vertex %d outside buffer range", id)
	}
	val, err := b.codec.Decode(data)
	if err != nil {
		return false, fmt.Errorf("sync update for vertex %d: %w", id, err)
	}
	i := v - b.rng.Lo
	if b.merge == nil {
		b.vals[i] = val // last writer wins, no onward propagation
		return true, nil
	}
	if b.merge(&b.vals[i], val) {
		b.dirty.Add(v)
		return true, nil
	}
	return false, nil
}

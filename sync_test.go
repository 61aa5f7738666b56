// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package bsp

import (
	"math"
	"math/rand"
	"testing"
)

// fakeFrag is a minimal single-partition fragment for exercising sync
// buffers without a transport: vertices 0..n-1 are inner with the given
// mirror ranks, vertices n.. are outer mirrors owned by rank 1.
type fakeFrag struct {
	inner   int
	total   int
	mirrors []int
}

func (f *fakeFrag) Vertices() VertexRange      { return VertexRange{Lo: 0, Hi: Vertex(f.total)} }
func (f *fakeFrag) InnerVertices() VertexRange { return VertexRange{Lo: 0, Hi: Vertex(f.inner)} }
func (f *fakeFrag) OuterVertices() VertexRange {
	return VertexRange{Lo: Vertex(f.inner), Hi: Vertex(f.total)}
}
func (f *fakeFrag) GetID(v Vertex) uint64 { return uint64(v) * 10 }
func (f *fakeFrag) Locate(id uint64) (Vertex, bool) {
	if id%10 != 0 || int(id/10) >= f.total {
		return 0, false
	}
	return Vertex(id / 10), true
}
func (f *fakeFrag) OwnerRank(v Vertex) int {
	if int(v) < f.inner {
		return 0
	}
	return 1
}
func (f *fakeFrag) MirrorRanks(v Vertex) []int {
	if int(v) < f.inner {
		return f.mirrors
	}
	return nil
}
func (f *fakeFrag) Neighbors(v Vertex) []Vertex { return nil }
func (f *fakeFrag) PrepareToRun(ms MessageStrategy, split bool) error { return nil }

func TestSyncBufferBasic(t *testing.T) {
	frag := &fakeFrag{inner: 2, total: 3, mirrors: []int{1, 2}}

	var buf SyncBuffer[uint64]
	buf.Init(frag.Vertices(), math.MaxUint64, Uint64Codec{}, MergeMin)

	for v := range frag.Vertices().All() {
		if got := buf.Value(v); got != math.MaxUint64 {
			t.Errorf("Value(%d): got %d, want sentinel", v, got)
		}
	}

	// Setting 5 then 3 on one vertex within a round leaves 3, dirty once.
	buf.SetValue(0, 5)
	buf.SetValue(0, 3)
	if got := buf.Value(0); got != 3 {
		t.Errorf("Value(0): got %d, want 3", got)
	}
	if n := buf.DirtyCount(); n != 1 {
		t.Errorf("DirtyCount: got %d, want 1", n)
	}

	// Flushing an inner vertex emits one entry per mirror rank, then clears
	// the dirty marks.
	got := make(map[int][]Entry)
	buf.flush(frag, SyncOnOuterVertex, func(rank int, e Entry) {
		got[rank] = append(got[rank], e)
	})
	for _, rank := range []int{1, 2} {
		es := got[rank]
		if len(es) != 1 {
			t.Fatalf("rank %d: got %d entries, want 1", rank, len(es))
		}
		if es[0].ID != 0 {
			t.Errorf("rank %d: got entry for vertex %d, want 0", rank, es[0].ID)
		}
		val, err := Uint64Codec{}.Decode(es[0].Data)
		if err != nil {
			t.Fatalf("decode entry: %v", err)
		}
		if val != 3 {
			t.Errorf("rank %d: got value %d, want 3", rank, val)
		}
	}
	if n := buf.DirtyCount(); n != 0 {
		t.Errorf("DirtyCount after flush: got %d, want 0", n)
	}
}

func TestSyncBufferStrategies(t *testing.T) {
	frag := &fakeFrag{inner: 1, total: 2, mirrors: []int{1}}
	enc := func(v uint64) []byte { return Uint64Codec{}.Append(nil, v) }

	t.Run("outerDroppedOnSyncOuter", func(t *testing.T) {
		var buf SyncBuffer[uint64]
		buf.Init(frag.Vertices(), math.MaxUint64, Uint64Codec{}, MergeMin)
		buf.SetValue(1, 7) // an outer vertex
		var emitted int
		buf.flush(frag, SyncOnOuterVertex, func(int, Entry) { emitted++ })
		if emitted != 0 {
			t.Errorf("flush: emitted %d entries, want 0", emitted)
		}
		if n := buf.DirtyCount(); n != 0 {
			t.Errorf("DirtyCount after flush: got %d, want 0", n)
		}
	})

	t.Run("outerToOwnerOnSyncAll", func(t *testing.T) {
		var buf SyncBuffer[uint64]
		buf.Init(frag.Vertices(), math.MaxUint64, Uint64Codec{}, MergeMin)
		buf.SetValue(1, 7)
		got := make(map[int]int)
		buf.flush(frag, SyncAll, func(rank int, e Entry) { got[rank]++ })
		if got[1] != 1 || len(got) != 1 {
			t.Errorf("flush: got emissions %v, want exactly one to rank 1", got)
		}
	})

	t.Run("ingestChangeMarksDirty", func(t *testing.T) {
		var buf SyncBuffer[uint64]
		buf.Init(frag.Vertices(), math.MaxUint64, Uint64Codec{}, MergeMin)
		changed, err := buf.ingest(frag, 0, enc(9))
		if err != nil || !changed {
			t.Fatalf("ingest 9: got (%v, %v), want (true, nil)", changed, err)
		}
		if !buf.IsDirty(0) {
			t.Error("vertex 0 not dirty after a winning ingest")
		}
	})

	t.Run("ingestUnknownVertex", func(t *testing.T) {
		var buf SyncBuffer[uint64]
		buf.Init(frag.Vertices(), math.MaxUint64, Uint64Codec{}, MergeMin)
		if _, err := buf.ingest(frag, 12345, enc(1)); err == nil {
			t.Error("ingest for unknown vertex did not report an error")
		}
	})

	t.Run("lastWriterWinsDoesNotPropagate", func(t *testing.T) {
		var buf SyncBuffer[uint64]
		buf.Init(frag.Vertices(), 0, Uint64Codec{}, nil)
		changed, err := buf.ingest(frag, 0, enc(42))
		if err != nil || !changed {
			t.Fatalf("ingest: got (%v, %v), want (true, nil)", changed, err)
		}
		if got := buf.Value(0); got != 42 {
			t.Errorf("Value(0): got %d, want 42", got)
		}
		if buf.IsDirty(0) {
			t.Error("overwrite marked the slot dirty; overwrites must not propagate")
		}
	})
}

// Applying the same updates in any order must yield the same fixpoint, and
// re-applying an update that already won must change nothing and report no
// change.
func TestMergeCommutativity(t *testing.T) {
	frag := &fakeFrag{inner: 1, total: 1}
	enc := func(v uint64) []byte { return Uint64Codec{}.Append(nil, v) }
	updates := []uint64{9, 4, 77, 4, 13, 2, 900}

	rng := rand.New(rand.NewSource(20230817))
	var want uint64 = math.MaxUint64
	for _, u := range updates {
		want = min(want, u)
	}

	for trial := 0; trial < 20; trial++ {
		perm := rng.Perm(len(updates))

		var buf SyncBuffer[uint64]
		buf.Init(frag.Vertices(), math.MaxUint64, Uint64Codec{}, MergeMin)
		for _, i := range perm {
			buf.ingest(frag, 0, enc(updates[i]))
		}
		if got := buf.Value(0); got != want {
			t.Fatalf("trial %d: fixpoint %d, want %d", trial, got, want)
		}

		// Idempotence: the winner changes nothing when re-applied.
		clear(buf.dirty)
		changed, err := buf.ingest(frag, 0, enc(want))
		if err != nil {
			t.Fatalf("re-ingest: unexpected error: %v", err)
		}
		if changed {
			t.Error("re-ingest of the winning value reported a change")
		}
		if buf.IsDirty(0) {
			t.Error("re-ingest of the winning value marked the slot dirty")
		}
	}
}

// An update the merge operator rejects must not generate an outgoing
// message in a later round.
func TestNoOpPruning(t *testing.T) {
	frag := &fakeFrag{inner: 1, total: 1, mirrors: []int{1}}
	enc := func(v uint64) []byte { return Uint64Codec{}.Append(nil, v) }

	var buf SyncBuffer[uint64]
	buf.Init(frag.Vertices(), math.MaxUint64, Uint64Codec{}, MergeMin)

	buf.SetValue(0, 5)
	buf.flush(frag, SyncOnOuterVertex, func(int, Entry) {})

	// A losing update leaves no trace.
	if changed, err := buf.ingest(frag, 0, enc(8)); err != nil || changed {
		t.Fatalf("ingest 8: got (%v, %v), want (false, nil)", changed, err)
	}
	var emitted int
	buf.flush(frag, SyncOnOuterVertex, func(int, Entry) { emitted++ })
	if emitted != 0 {
		t.Errorf("flush after rejected update: emitted %d entries, want 0", emitted)
	}
	if got := buf.Value(0); got != 5 {
		t.Errorf("Value(0): got %d, want 5", got)
	}
}

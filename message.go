// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package bsp

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
)

// managerState tracks the lifecycle of a Manager:
//
//	created → initialized → roundIdle ⇄ roundActive → closed
//
// Finalize returns an idle manager to initialized so the worker can run the
// next query; Close is terminal.
type managerState int

const (
	stateCreated managerState = iota
	stateInitialized
	stateRoundIdle
	stateRoundActive
	stateClosed
)

// A regBuffer is a sync buffer bound to the manager for the current query.
type regBuffer struct {
	frag     Fragment
	buf      Syncer
	strategy MessageStrategy
}

// A Manager owns the round lifecycle for one worker: it batches and
// exchanges messages between rounds, delivers each round's traffic at the
// start of the next, and detects global termination by folding every
// worker's per-round send count into a fleet-wide sum.
//
// A Manager serves a single query thread. Its round-boundary methods block
// in collective operations that every worker in the fleet must reach; they
// are not safe for concurrent use with each other. SendToVertex may be
// called from multiple goroutines within a round.
type Manager struct {
	tr    Transport
	tasks *taskgroup.Group

	μ sync.Mutex

	state     managerState
	round     uint32                      // current round; 0 before StartARound
	epoch     uint32                      // barrier epoch counter
	sent      uint64                      // messages sent during the active round
	total     uint64                      // fleet-wide sum from the last FinishARound
	haveTotal bool                        // whether total is valid for this query
	inbox     []Entry                     // raw messages delivered for the active round
	out       map[int][]Entry             // raw messages buffered for remote ranks
	pending   map[uint32]map[byte][]Entry // round → buffer index → arrived entries
	bufs      []regBuffer                 // registered sync buffers, wire index i+1
	counts    map[uint32][]uint64         // round → counts received from remote ranks
	barrier   map[uint32]int              // epoch → barrier arrivals
	fatal     error                       // transport or protocol failure; permanent
	aborted   error                       // fleet abort for the current query
	wake      chan struct{}               // 1-buffered wakeup for the waiting query thread
}

// NewManager constructs a new unstarted manager. Call Init to bind it to a
// transport before use.
func NewManager() *Manager { return new(Manager) }

// Init binds the manager to tr and starts its receive loop. It must be
// called exactly once, before Start.
func (m *Manager) Init(tr Transport) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.state != stateCreated {
		return protocolErrorf("manager is already initialized")
	}
	m.tr = tr
	m.out = make(map[int][]Entry)
	m.pending = make(map[uint32]map[byte][]Entry)
	m.counts = make(map[uint32][]uint64)
	m.barrier = make(map[uint32]int)
	m.wake = make(chan struct{}, 1)

	g := taskgroup.New(nil)
	m.tasks = g
	g.Go(m.readLoop)

	m.state = stateInitialized
	return nil
}

// readLoop receives packets from the transport until it closes or a
// protocol fatal error occurs.
func (m *Manager) readLoop() error {
	for {
		from, pkt, err := m.tr.Recv()
		if err != nil {
			m.fail(err)
			return nil
		}
		if err := m.dispatch(from, pkt); err != nil {
			m.fail(err)
			return nil
		}
	}
}

// dispatch routes one received packet. Unknown packet types are discarded.
func (m *Manager) dispatch(from int, pkt *Packet) error {
	switch pkt.Type {
	case PacketMessage:
		var b Batch
		if err := b.UnmarshalBinary(pkt.Payload); err != nil {
			return err
		}
		m.μ.Lock()
		m.addPending(b.Round, b.Buffer, b.Entries...)
		m.μ.Unlock()

	case PacketCount:
		var c Count
		if err := c.UnmarshalBinary(pkt.Payload); err != nil {
			return err
		}
		m.μ.Lock()
		m.counts[c.Round] = append(m.counts[c.Round], c.Sent)
		m.μ.Unlock()
		m.notify()

	case PacketBarrier:
		var b Barrier
		if err := b.UnmarshalBinary(pkt.Payload); err != nil {
			return err
		}
		m.μ.Lock()
		m.barrier[b.Epoch]++
		m.μ.Unlock()
		m.notify()

	case PacketAbort:
		var a Abort
		if err := a.UnmarshalBinary(pkt.Payload); err != nil {
			return err
		}
		m.μ.Lock()
		if m.aborted == nil {
			m.aborted = &AbortError{Rank: int(a.Rank), Message: a.Message}
		}
		m.μ.Unlock()
		m.notify()

	default:
		// Unrecognized packets are dropped.
	}
	return nil
}

// addPending files entries under the round they were sent in. The caller
// must hold m.μ.
func (m *Manager) addPending(round uint32, buffer byte, es ...Entry) {
	bucket := m.pending[round]
	if bucket == nil {
		bucket = make(map[byte][]Entry)
		m.pending[round] = bucket
	}
	bucket[buffer] = append(bucket[buffer], es...)
}

// fail records a transport or protocol failure and wakes the query thread.
func (m *Manager) fail(err error) {
	m.μ.Lock()
	if m.fatal == nil {
		m.fatal = err
	}
	m.μ.Unlock()
	m.notify()
}

// notify nudges the query thread to re-check its wait condition.
func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// failureLocked returns the error that should abort the current operation,
// if any. The caller must hold m.μ.
func (m *Manager) failureLocked() error {
	if m.fatal != nil {
		return m.fatal
	}
	return m.aborted
}

// wait blocks until pred holds or the manager fails. The caller must not
// hold m.μ; pred is evaluated with m.μ held.
func (m *Manager) wait(pred func() bool) error {
	for {
		m.μ.Lock()
		err := m.failureLocked()
		ok := err == nil && pred()
		m.μ.Unlock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		<-m.wake
	}
}

// Start begins a query's message epoch, clearing any carried-over round
// state. The manager must be initialized and between queries.
func (m *Manager) Start() error {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.state != stateInitialized {
		return protocolErrorf("Start: manager not between queries")
	}
	if m.fatal != nil {
		return m.fatal
	}
	m.round = 0
	m.sent = 0
	m.total = 0
	m.haveTotal = false
	m.inbox = nil
	m.aborted = nil // recovery restarts the whole query across the fleet
	m.state = stateRoundIdle
	return nil
}

// StartARound begins a message round. It delivers the traffic of the
// previous round: sync buffer updates are folded in through their merge
// operators, and raw messages become visible to EachMessage. Messages sent
// during round k are observable only from round k+1 on, which is what lets
// a phase mutate local state freely while remote messages are in flight.
func (m *Manager) StartARound() error {
	m.μ.Lock()
	if err := m.failureLocked(); err != nil {
		m.μ.Unlock()
		return err
	}
	if m.state != stateRoundIdle {
		m.μ.Unlock()
		return protocolErrorf("StartARound: no round may begin in state %d", m.state)
	}
	m.round++
	m.state = stateRoundActive
	bucket := m.pending[m.round-1]
	delete(m.pending, m.round-1)
	m.inbox = bucket[rawBuffer]
	bufs := m.bufs
	m.μ.Unlock()

	// Apply sync updates outside the lock: merge operators are user code.
	for i, rb := range bufs {
		for _, e := range bucket[byte(i+1)] {
			if _, err := rb.buf.ingest(rb.frag, e.ID, e.Data); err != nil {
				return err
			}
		}
	}
	return nil
}

// SendToVertex sends data to the vertex v, to be delivered to the worker
// owning v at the start of the next round. Messages to vertices owned by
// the local rank loop back through the same delivery path.
func (m *Manager) SendToVertex(frag Fragment, v Vertex, data []byte) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	if err := m.failureLocked(); err != nil {
		return err
	}
	if m.state != stateRoundActive {
		return protocolErrorf("SendToVertex: no round is active")
	}
	e := Entry{ID: frag.GetID(v), Data: data}
	m.sent++
	if dst := frag.OwnerRank(v); dst == m.tr.Rank() {
		m.addPending(m.round, rawBuffer, e)
	} else {
		m.out[dst] = append(m.out[dst], e)
	}
	return nil
}

// EachMessage calls f for each raw message delivered for the active round,
// resolving each destination to its local vertex handle. It stops early if
// f reports an error.
func (m *Manager) EachMessage(frag Fragment, f func(v Vertex, data []byte) error) error {
	m.μ.Lock()
	if m.state != stateRoundActive {
		m.μ.Unlock()
		return protocolErrorf("EachMessage: no round is active")
	}
	inbox := m.inbox
	m.μ.Unlock()

	for _, e := range inbox {
		v, ok := frag.Locate(e.ID)
		if !ok {
			return protocolErrorf("message for unknown vertex %d", e.ID)
		}
		if err := f(v, e.Data); err != nil {
			return err
		}
	}
	return nil
}

// RegisterSyncBuffer binds buf to the manager for the current query. From
// then on, every value change recorded in the buffer during a round is
// packaged as outgoing messages at FinishARound, and incoming updates are
// applied through the buffer's merge operator at the next StartARound.
// Registrations are cleared by Finalize.
func (m *Manager) RegisterSyncBuffer(frag Fragment, buf Syncer, strategy MessageStrategy) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.state != stateInitialized && m.state != stateRoundIdle {
		return protocolErrorf("RegisterSyncBuffer: no query is being set up")
	}
	if strategy != SyncOnOuterVertex && strategy != SyncAll {
		return protocolErrorf("RegisterSyncBuffer: strategy %v does not synchronize", strategy)
	}
	m.bufs = append(m.bufs, regBuffer{frag: frag, buf: buf, strategy: strategy})
	return nil
}

// FinishARound ends the active round. It packages the dirty slots of every
// registered sync buffer and flushes all buffered messages to their
// destination workers, batched per rank, then exchanges send counts with
// the whole fleet. Every worker must call FinishARound every round, even
// with nothing to send: the count exchange is a collective operation, and a
// worker that skips it deadlocks the fleet.
func (m *Manager) FinishARound() error {
	m.μ.Lock()
	if err := m.failureLocked(); err != nil {
		m.μ.Unlock()
		return err
	}
	if m.state != stateRoundActive {
		m.μ.Unlock()
		return protocolErrorf("FinishARound: no round is active")
	}
	round := m.round
	bufs := m.bufs
	m.μ.Unlock()

	// Package sync deltas per destination rank. Fragment lookups and codecs
	// run outside the lock.
	self := m.tr.Rank()
	batches := make(map[int]map[byte][]Entry)
	var synced uint64
	for i, rb := range bufs {
		bid := byte(i + 1)
		rb.buf.flush(rb.frag, rb.strategy, func(rank int, e Entry) {
			if rank == self {
				return // sync strategies never route to the local rank
			}
			dm := batches[rank]
			if dm == nil {
				dm = make(map[byte][]Entry)
				batches[rank] = dm
			}
			dm[bid] = append(dm[bid], e)
			synced++
		})
	}

	m.μ.Lock()
	m.sent += synced
	sent := m.sent
	m.sent = 0
	out := m.out
	m.out = make(map[int][]Entry)
	m.μ.Unlock()

	for rank, es := range out {
		dm := batches[rank]
		if dm == nil {
			dm = make(map[byte][]Entry)
			batches[rank] = dm
		}
		dm[rawBuffer] = append(dm[rawBuffer], es...)
	}

	// Flush batches, then announce this round's send count to every rank.
	// Links are ordered, so a count from a rank implies all of its messages
	// for the round have already arrived.
	for rank, dm := range batches {
		for bid, es := range dm {
			pkt := &Packet{Type: PacketMessage, Payload: Batch{Round: round, Buffer: bid, Entries: es}.Encode()}
			if err := m.tr.Send(rank, pkt); err != nil {
				return err
			}
		}
	}
	cnt := &Packet{Type: PacketCount, Payload: Count{Round: round, Sent: sent}.Encode()}
	for rank := range m.tr.Workers() {
		if rank == self {
			continue
		}
		if err := m.tr.Send(rank, cnt); err != nil {
			return err
		}
	}

	want := m.tr.Workers() - 1
	if err := m.wait(func() bool { return len(m.counts[round]) == want }); err != nil {
		return err
	}

	m.μ.Lock()
	defer m.μ.Unlock()
	total := sent
	for _, c := range m.counts[round] {
		total += c
	}
	delete(m.counts, round)
	m.total = total
	m.haveTotal = true
	m.state = stateRoundIdle
	return nil
}

// ToTerminate reports whether the fleet reached global termination: no
// worker anywhere produced an outgoing message during the last completed
// round. The fleet-wide sum was already exchanged by FinishARound, so this
// is a local query.
func (m *Manager) ToTerminate() bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.state == stateRoundIdle && m.haveTotal && m.total == 0
}

// Barrier blocks until every worker in the fleet has reached a matching
// Barrier call. It may not be invoked while a round is active.
func (m *Manager) Barrier() error {
	m.μ.Lock()
	if err := m.failureLocked(); err != nil {
		m.μ.Unlock()
		return err
	}
	if m.state != stateInitialized && m.state != stateRoundIdle {
		m.μ.Unlock()
		return protocolErrorf("Barrier: a round is active")
	}
	m.epoch++
	epoch := m.epoch
	m.μ.Unlock()

	pkt := &Packet{Type: PacketBarrier, Payload: Barrier{Epoch: epoch}.Encode()}
	for rank := range m.tr.Workers() {
		if rank == m.tr.Rank() {
			continue
		}
		if err := m.tr.Send(rank, pkt); err != nil {
			return err
		}
	}

	want := m.tr.Workers() - 1
	if err := m.wait(func() bool { return m.barrier[epoch] == want }); err != nil {
		return err
	}
	m.μ.Lock()
	delete(m.barrier, epoch)
	m.μ.Unlock()
	return nil
}

// Abort broadcasts a fleet-wide abort for the current query, so workers
// blocked in collective operations fail instead of deadlocking, and records
// the error locally. Send failures are ignored: the transport may already
// be down, and the local failure still surfaces.
func (m *Manager) Abort(err error) {
	pkt := &Packet{Type: PacketAbort, Payload: Abort{Rank: uint32(m.tr.Rank()), Message: err.Error()}.Encode()}
	for rank := range m.tr.Workers() {
		if rank == m.tr.Rank() {
			continue
		}
		m.tr.Send(rank, pkt)
	}
	m.μ.Lock()
	if m.aborted == nil {
		m.aborted = err
	}
	m.μ.Unlock()
	m.notify()
}

// Finalize releases the per-query state: registered sync buffers, undelivered
// messages, and round counters. The manager returns to the between-queries
// state. It is safe to call multiple times.
func (m *Manager) Finalize() error {
	m.μ.Lock()
	defer m.μ.Unlock()
	switch m.state {
	case stateCreated:
		return protocolErrorf("Finalize: manager was never initialized")
	case stateRoundActive:
		return protocolErrorf("Finalize: a round is active")
	case stateClosed:
		return nil
	}
	m.bufs = nil
	m.inbox = nil
	m.out = make(map[int][]Entry)
	m.pending = make(map[uint32]map[byte][]Entry)
	m.counts = make(map[uint32][]uint64)
	m.haveTotal = false
	m.state = stateInitialized
	return nil
}

// Close shuts down the transport and stops the receive loop. It is safe to
// call multiple times. Close reports nil if the transport closed cleanly.
func (m *Manager) Close() error {
	m.μ.Lock()
	if m.state == stateCreated || m.state == stateClosed {
		m.state = stateClosed
		m.μ.Unlock()
		return nil
	}
	m.state = stateClosed
	tr := m.tr
	m.μ.Unlock()

	err := tr.Close()
	m.tasks.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

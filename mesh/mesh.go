// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package mesh provides a bsp.Transport over a full mesh of point-to-point
// channels among a fixed fleet of workers.
package mesh

import (
	"fmt"
	"net"
	"sync"

	"github.com/creachadair/bsp"
	"github.com/creachadair/bsp/channel"
	"github.com/creachadair/taskgroup"
)

// A Mesh connects one worker to every other member of a fixed fleet. Each
// remote rank is reached over its own ordered channel; received packets from
// all links are merged into a single stream for Recv.
//
// A mesh supports one sender and one receiver; the bsp.Manager satisfies
// that by construction.
type Mesh struct {
	rank  int
	links []bsp.Channel // indexed by rank; nil at the local rank
	tasks *taskgroup.Group
	inc   chan inbound
	done  chan struct{}
	close sync.Once
}

type inbound struct {
	from int
	pkt  *bsp.Packet
}

// New constructs a mesh for the worker with the given rank. links must have
// one entry per fleet member, with a channel to each remote rank and nil at
// the local rank. New starts one receive pump per link; the caller owns the
// channels and must Close the mesh to release them.
func New(rank int, links []bsp.Channel) *Mesh {
	m := &Mesh{
		rank:  rank,
		links: links,
		inc:   make(chan inbound, len(links)),
		done:  make(chan struct{}),
	}
	g := taskgroup.New(nil)
	m.tasks = g
	for from, ch := range links {
		if ch == nil {
			continue
		}
		g.Go(func() error {
			for {
				pkt, err := ch.Recv()
				if err != nil {
					return nil // link closed
				}
				select {
				case m.inc <- inbound{from: from, pkt: pkt}:
				case <-m.done:
					return nil
				}
			}
		})
	}
	return m
}

// Rank implements a method of the [bsp.Transport] interface.
func (m *Mesh) Rank() int { return m.rank }

// Workers implements a method of the [bsp.Transport] interface.
func (m *Mesh) Workers() int { return len(m.links) }

// Send implements a method of the [bsp.Transport] interface.
func (m *Mesh) Send(to int, pkt *bsp.Packet) error {
	if to < 0 || to >= len(m.links) || m.links[to] == nil {
		return fmt.Errorf("no link to rank %d", to)
	}
	return m.links[to].Send(pkt)
}

// Recv implements a method of the [bsp.Transport] interface. It returns the
// next packet received on any link, with the rank it arrived from.
func (m *Mesh) Recv() (int, *bsp.Packet, error) {
	in, ok := <-m.inc
	if !ok {
		return 0, nil, net.ErrClosed
	}
	return in.from, in.pkt, nil
}

// Close implements a method of the [bsp.Transport] interface. It closes all
// links and stops the receive pumps. It is safe to call multiple times.
func (m *Mesh) Close() error {
	m.close.Do(func() {
		close(m.done)
		for _, ch := range m.links {
			if ch != nil {
				ch.Close()
			}
		}
		m.tasks.Wait()
		close(m.inc)
	})
	return nil
}

// NewLocal constructs a fully in-process fleet of n meshes wired pairwise
// with direct channels, suitable for testing and single-process runs. The
// mesh at index i is the transport for rank i.
func NewLocal(n int) []*Mesh {
	links := make([][]bsp.Channel, n)
	for i := range links {
		links[i] = make([]bsp.Channel, n)
	}
	for i := range n {
		for j := i + 1; j < n; j++ {
			a, b := channel.Direct()
			links[i][j] = a
			links[j][i] = b
		}
	}
	ms := make([]*Mesh, n)
	for i := range n {
		ms[i] = New(i, links[i])
	}
	return ms
}

// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package mesh_test

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/creachadair/bsp"
	"github.com/creachadair/bsp/mesh"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

func TestLocalFleet(t *testing.T) {
	defer leaktest.Check(t)()
	const fleet = 3

	ms := mesh.NewLocal(fleet)
	for rank, m := range ms {
		if m.Rank() != rank {
			t.Errorf("mesh %d: Rank is %d", rank, m.Rank())
		}
		if m.Workers() != fleet {
			t.Errorf("mesh %d: Workers is %d, want %d", rank, m.Workers(), fleet)
		}
	}

	// Every worker sends one tagged packet to every other worker, then
	// receives until it has heard from all its peers.
	g := taskgroup.New(nil)
	for rank, m := range ms {
		g.Go(func() error {
			for to := range fleet {
				if to == rank {
					continue
				}
				pkt := &bsp.Packet{
					Type:    bsp.PacketMessage,
					Payload: []byte(fmt.Sprintf("%d->%d", rank, to)),
				}
				if err := m.Send(to, pkt); err != nil {
					t.Errorf("send %d to %d: %v", rank, to, err)
				}
			}
			seen := make(map[int]bool)
			for len(seen) < fleet-1 {
				from, pkt, err := m.Recv()
				if err != nil {
					t.Errorf("recv at %d: %v", rank, err)
					return nil
				}
				if seen[from] {
					t.Errorf("recv at %d: duplicate packet from %d", rank, from)
				}
				seen[from] = true
				want := fmt.Sprintf("%d->%d", from, rank)
				if got := string(pkt.Payload); got != want {
					t.Errorf("recv at %d: payload %q, want %q", rank, got, want)
				}
			}
			return nil
		})
	}
	g.Wait()

	for _, m := range ms {
		m.Close()
	}
}

func TestSendErrors(t *testing.T) {
	defer leaktest.Check(t)()

	ms := mesh.NewLocal(2)
	defer func() {
		for _, m := range ms {
			m.Close()
		}
	}()

	pkt := &bsp.Packet{Type: bsp.PacketBarrier}
	for _, to := range []int{-1, 2, 100} {
		if err := ms[0].Send(to, pkt); err == nil {
			t.Errorf("Send to rank %d did not report an error", to)
		}
	}
	// There is no loopback link; the local rank is not addressable.
	if err := ms[0].Send(0, pkt); err == nil {
		t.Error("Send to own rank did not report an error")
	}
}

func TestClose(t *testing.T) {
	defer leaktest.Check(t)()

	ms := mesh.NewLocal(2)

	if err := ms[0].Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := ms[0].Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, _, err := ms[0].Recv(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Recv after close: got %v, want %v", err, net.ErrClosed)
	}
	if err := ms[0].Send(1, &bsp.Packet{}); err == nil {
		t.Error("Send after close did not report an error")
	}

	// Closing rank 0 severed the shared links, so rank 1 cannot send either.
	if err := ms[1].Send(0, &bsp.Packet{}); err == nil {
		t.Error("peer Send after close did not report an error")
	}
	ms[1].Close()
	if _, _, err := ms[1].Recv(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("peer Recv after close: got %v, want %v", err, net.ErrClosed)
	}
}

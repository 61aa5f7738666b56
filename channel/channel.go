// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the bsp.Channel interface.
package channel

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/creachadair/bsp"
)

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa. Closing either end closes the whole pair: pending and
// future operations on both ends report an error, so a worker can shut down
// without waiting for its peer.
func Direct() (A, B bsp.Channel) {
	p := &pair{
		a2b:  make(chan *bsp.Packet),
		b2a:  make(chan *bsp.Packet),
		done: make(chan struct{}),
	}
	A = direct{pair: p, send: p.a2b, recv: p.b2a}
	B = direct{pair: p, send: p.b2a, recv: p.a2b}
	return
}

type pair struct {
	a2b, b2a chan *bsp.Packet
	done     chan struct{} // closed when either end closes
	close    sync.Once
}

type direct struct {
	*pair
	send chan<- *bsp.Packet
	recv <-chan *bsp.Packet
}

// Send implements a method of the [bsp.Channel] interface.
func (d direct) Send(pkt *bsp.Packet) error {
	select {
	case d.send <- pkt:
		return nil
	case <-d.done:
		return net.ErrClosed
	}
}

// Recv implements a method of the [bsp.Channel] interface.
func (d direct) Recv() (*bsp.Packet, error) {
	select {
	case pkt := <-d.recv:
		return pkt, nil
	case <-d.done:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [bsp.Channel] interface. It is safe to
// close both ends of a pair.
func (d direct) Close() error {
	d.pair.close.Do(func() { close(d.done) })
	return nil
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives packets on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [bsp.Channel] interface.
func (c IOChannel) Send(pkt *bsp.Packet) error {
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [bsp.Channel] interface.
func (c IOChannel) Recv() (*bsp.Packet, error) {
	var pkt bsp.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [bsp.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package bsp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Packet is the parsed format of a BSP wire packet.
type Packet struct {
	Protocol byte
	Type     PacketType
	Payload  []byte
}

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(p.Payload)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	buf := [8]byte{'B', 'G', p.Protocol, byte(p.Type)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(p.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if p := string(buf[:3]); p != "BG\x00" {
		return int64(nr), fmt.Errorf("invalid protocol version %q", p)
	}

	p.Protocol = buf[2]
	p.Type = PacketType(buf[3])

	if psize := binary.BigEndian.Uint32(buf[4:]); psize > 0 {
		p.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}

	return int64(nr), err
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	switch p.Type {
	case PacketMessage:
		var b Batch
		if err := b.UnmarshalBinary(p.Payload); err == nil {
			pay = b.String()
		}
	case PacketCount:
		var c Count
		if err := c.UnmarshalBinary(p.Payload); err == nil {
			pay = c.String()
		}
	case PacketBarrier:
		var b Barrier
		if err := b.UnmarshalBinary(p.Payload); err == nil {
			pay = b.String()
		}
	case PacketAbort:
		var a Abort
		if err := a.UnmarshalBinary(p.Payload); err == nil {
			pay = a.String()
		}
	}
	if pay == "" {
		pay = fmt.Sprint(p.Payload)
	}
	return fmt.Sprintf("Packet(BG%v, %v, %s)", p.Protocol, p.Type, pay)
}

// PacketType describes the structure type of a BSP wire packet.
//
// Packet type values from 0 to 127 inclusive are reserved by the protocol.
// Workers silently discard packets of types they do not recognize.
type PacketType byte

const (
	PacketMessage PacketType = 2 // a batch of per-vertex messages for one round
	PacketCount   PacketType = 3 // a worker's send count for one round
	PacketBarrier PacketType = 4 // a fleet barrier arrival
	PacketAbort   PacketType = 5 // a fleet-wide query abort
)

func (p PacketType) String() string {
	switch p {
	case PacketMessage:
		return "MESSAGE"
	case PacketCount:
		return "COUNT"
	case PacketBarrier:
		return "BARRIER"
	case PacketAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// An Entry is a single per-vertex message: a value destined for the vertex
// with the given external identifier.
type Entry struct {
	ID   uint64 // external identifier of the destination vertex
	Data []byte // encoded value
}

// rawBuffer is the batch buffer index carrying explicit application
// messages. Registered sync buffers use indices 1 and up, in registration
// order.
const rawBuffer byte = 0

// Batch is the payload format for a message packet: all the entries one
// worker sends another for a single buffer during a single round.
type Batch struct {
	Round   uint32 // the round during which the entries were sent
	Buffer  byte   // destination buffer index; 0 is the raw message inbox
	Entries []Entry
}

// Encode encodes the batch in binary format.
func (b Batch) Encode() []byte {
	size := 5
	for _, e := range b.Entries {
		size += 12 + len(e.Data) // 8 vertex ID, 4 data length
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, b.Round)
	buf = append(buf, b.Buffer)
	for _, e := range b.Entries {
		buf = binary.BigEndian.AppendUint64(buf, e.ID)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Data)))
		buf = append(buf, e.Data...)
	}
	return buf
}

// UnmarshalBinary decodes data into a message batch payload.
// It implements encoding.BinaryUnmarshaler.
func (b *Batch) UnmarshalBinary(data []byte) error {
	if len(data) < 5 { // 4 round, 1 buffer
		return fmt.Errorf("short batch payload (%d bytes)", len(data))
	}
	b.Round = binary.BigEndian.Uint32(data[0:])
	b.Buffer = data[4]
	b.Entries = nil
	data = data[5:]
	for len(data) != 0 {
		if len(data) < 12 {
			return fmt.Errorf("short batch entry (%d bytes)", len(data))
		}
		id := binary.BigEndian.Uint64(data[0:])
		dlen := int(binary.BigEndian.Uint32(data[8:]))
		if len(data[12:]) < dlen {
			return fmt.Errorf("truncated batch entry (want %d bytes, have %d)", dlen, len(data[12:]))
		}
		var val []byte
		if dlen > 0 {
			val = data[12 : 12+dlen]
		}
		b.Entries = append(b.Entries, Entry{ID: id, Data: val})
		data = data[12+dlen:]
	}
	return nil
}

// String returns a human-friendly rendering of the batch.
func (b Batch) String() string {
	return fmt.Sprintf("Batch(Round=%d, Buffer=%d, %d entries)", b.Round, b.Buffer, len(b.Entries))
}

// Count is the payload format for a count packet, one worker's contribution
// to the fleet-wide sum of messages sent during a round.
type Count struct {
	Round uint32
	Sent  uint64
}

// Encode encodes the count in binary format.
func (c Count) Encode() []byte {
	buf := make([]byte, 12) // 4 round, 8 count
	binary.BigEndian.PutUint32(buf[0:], c.Round)
	binary.BigEndian.PutUint64(buf[4:], c.Sent)
	return buf
}

// UnmarshalBinary decodes data into a count payload.
// It implements encoding.BinaryUnmarshaler.
func (c *Count) UnmarshalBinary(data []byte) error {
	if len(data) != 12 { // 4 round, 8 count
		return fmt.Errorf("bad count payload (%d bytes)", len(data))
	}
	c.Round = binary.BigEndian.Uint32(data[0:])
	c.Sent = binary.BigEndian.Uint64(data[4:])
	return nil
}

// String returns a human-friendly rendering of the count.
func (c Count) String() string {
	return fmt.Sprintf("Count(Round=%d, Sent=%d)", c.Round, c.Sent)
}

// Barrier is the payload format for a barrier packet, announcing that a
// worker has reached the fleet barrier with the given epoch.
type Barrier struct {
	Epoch uint32
}

// Encode encodes the barrier in binary format.
func (b Barrier) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, b.Epoch)
	return buf
}

// UnmarshalBinary decodes data into a barrier payload.
// It implements encoding.BinaryUnmarshaler.
func (b *Barrier) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("bad barrier payload (%d bytes)", len(data))
	}
	b.Epoch = binary.BigEndian.Uint32(data)
	return nil
}

// String returns a human-friendly rendering of the barrier.
func (b Barrier) String() string { return fmt.Sprintf("Barrier(Epoch=%d)", b.Epoch) }

// Abort is the payload format for an abort packet, broadcast by a worker
// whose query failed so the rest of the fleet fails instead of deadlocking.
type Abort struct {
	Rank    uint32 // the rank that originated the abort
	Message string // the text of the originating error
}

// Encode encodes the abort in binary format.
func (a Abort) Encode() []byte {
	buf := make([]byte, 4+len(a.Message))
	binary.BigEndian.PutUint32(buf[0:], a.Rank)
	copy(buf[4:], a.Message)
	return buf
}

// UnmarshalBinary decodes data into an abort payload.
// It implements encoding.BinaryUnmarshaler.
func (a *Abort) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("short abort payload (%d bytes)", len(data))
	}
	a.Rank = binary.BigEndian.Uint32(data[0:])
	a.Message = string(data[4:])
	return nil
}

// String returns a human-friendly rendering of the abort.
func (a Abort) String() string {
	return fmt.Sprintf("Abort(Rank=%d, %q)", a.Rank, a.Message)
}

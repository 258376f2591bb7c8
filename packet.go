// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import "github.com/nuvanta-labs/rnet/internal"

// PacketFlag marks delivery semantics and internal bookkeeping state on a
// Packet (§3).
type PacketFlag uint32

const (
	// PacketFlagReliable requests in-order, retransmitted delivery.
	PacketFlagReliable PacketFlag = 1 << iota
	// PacketFlagUnsequenced requests delivery with no ordering guarantee and
	// no retransmission; duplicates within the unsequenced window are
	// dropped.
	PacketFlagUnsequenced
	// packetFlagNoAllocate marks a Packet whose Data slice is borrowed from
	// the caller rather than copied; the caller is responsible for keeping
	// it alive until the packet is released.
	packetFlagNoAllocate
	// packetFlagUnreliableFragment marks an internal fragment of an
	// unreliable/unsequenced send; such fragments bypass the
	// regular unreliable throttle-drop check as a group.
	packetFlagUnreliableFragment
	// PacketFlagSent is set on the last release of a packet that was
	// actually handed to the socket at least once (§9 design note).
	PacketFlagSent
)

// Packet is a reference-counted payload buffer (§3). A Packet is created by
// NewPacket or delivered via a Receive Event; it is destroyed once its
// reference count reaches zero. Once a Packet has been queued on any peer
// its reference count is at least 1 until that queued reference is
// released — callers must not mutate Data after handing a Packet to
// (*Peer).Send.
type Packet struct {
	Data  []byte
	Flags PacketFlag
	// UserData is opaque storage for the caller; rnet never inspects it.
	UserData interface{}

	refCount int
	onFree   func(*Packet)
}

// NewPacket allocates a Packet that owns a copy of data. Use
// PacketFlagReliable for in-order guaranteed delivery, PacketFlagUnsequenced
// for delivery with no ordering or retry, or neither for sequenced-but-
// unreliable delivery.
func NewPacket(data []byte, flags PacketFlag) *Packet {
	owned := make([]byte, len(data))
	copy(owned, data)
	return &Packet{Data: owned, Flags: flags, refCount: 1}
}

// NewPacketNoCopy wraps data without copying it. The caller must not mutate
// or reuse data until the packet's reference count reaches zero (for
// example via onFree, set internally when the packet is queued).
func NewPacketNoCopy(data []byte, flags PacketFlag) *Packet {
	return &Packet{Data: data, Flags: flags | packetFlagNoAllocate, refCount: 1}
}

func (p *Packet) ref() *Packet {
	p.refCount++
	return p
}

// release drops one reference; once the count reaches zero the packet is
// considered destroyed and its onFree callback, if any, fires.
func (p *Packet) release() {
	internal.Assert(p.refCount > 0)
	p.refCount--
	if p.refCount <= 0 {
		if p.onFree != nil {
			p.onFree(p)
		}
	}
}

// Release drops the application's reference to a Packet delivered via an
// EventReceive. Callers must release every such packet exactly once; rnet
// holds no other reference to it once the event has been returned.
func (p *Packet) Release() {
	p.release()
}

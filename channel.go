// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import "github.com/nuvanta-labs/rnet/internal"

// outgoingCommand is a command queued for transmission or awaiting
// acknowledgement (§3). It lives on exactly one of a peer's
// outgoing/outgoingSendReliable/sentReliable sequences at a time.
type outgoingCommand struct {
	command          command
	channelID        uint8
	flags            uint8 // ack/unsequenced flag bits to OR into the wire header
	owner            *Peer
	packet           *Packet
	fragmentOffset   uint32
	fragmentLength   uint32
	reliableSeq      uint16
	unreliableSeq    uint16
	sendAttempts     uint16
	sentTime         uint32
	roundTripTimeout uint32
	queueTime        uint32

	// fragment-group bookkeeping, only meaningful when packet != nil and
	// the group spans more than one command.
	fragmentCount  uint32
	fragmentNumber uint32
	startSeq       uint16
	// totalLength is the full reassembled length of the fragment group this
	// command belongs to (distinct from len(packet.Data), which for an FEC
	// shard is just that one shard's size).
	totalLength uint32
}

// release drops this command's reference (if any) on its packet. Safe to
// call once a command has been fully handled (acked, timed out past limit,
// or sent as unreliable).
func (c *outgoingCommand) release() {
	if c.packet != nil {
		c.packet.release()
		c.packet = nil
	}
}

// incomingCommand represents one reliable/unreliable/fragment command that
// has arrived but not yet been delivered to the application (§3).
type incomingCommand struct {
	command            command
	channelID          uint8
	reliableSeq        uint16
	unreliableSeq      uint16
	packet             *Packet
	fragmentCount      uint32
	fragmentsRemaining uint32
	fragmentBitset     []uint32
}

func newIncomingFragmentGroup(totalLength, fragmentCount uint32) (*Packet, []uint32) {
	p := &Packet{Data: make([]byte, totalLength), Flags: PacketFlagReliable, refCount: 1}
	words := (fragmentCount + 31) / 32
	if words == 0 {
		words = 1
	}
	return p, make([]uint32, words)
}

func fragmentBitSet(bits []uint32, index uint32) bool {
	return bits[index/32]&(1<<(index%32)) != 0
}

func fragmentBitSetMark(bits []uint32, index uint32) {
	bits[index/32] |= 1 << (index % 32)
}

// acknowledgement is queued on peer.acknowledgements awaiting emission as an
// ACKNOWLEDGE command on the next transmit pass (§3).
type acknowledgement struct {
	sentTime uint32
	header   commandHeader
}

// channel holds per-(peer,channel-id) sequencing and window state (§3, §4.2).
type channel struct {
	outgoingReliableSeq   uint16
	outgoingUnreliableSeq uint16
	usedReliableWindows   uint16 // bitmap over the 16 reliable windows
	reliableWindows       [reliableWindows]uint16

	incomingReliableSeq   uint16
	incomingUnreliableSeq uint16

	// incomingReliable buffers reliable (and reliable-fragment-group)
	// commands that have arrived out of order, awaiting the contiguous
	// prefix that lets them promote to the peer's dispatched queue (§4.4).
	// Unreliable/unsequenced commands carry no retransmission and so are
	// dispatched as soon as they arrive, with no equivalent buffer.
	incomingReliable *list[incomingCommand]
}

func newChannel() *channel {
	return &channel{
		incomingReliable: newList[incomingCommand](),
	}
}

// windowAdmits reports whether a newly transmitted reliable command in
// window w may be admitted given the channel's currently in-flight windows
// (§4.2): the window must lie within
// [current, current+FREE_RELIABLE_WINDOWS-1) modulo reliableWindows, and
// must not already be "used" unless it's the current window being
// continued.
func (ch *channel) windowAdmits(w uint32) bool {
	current := reliableWindowIndex(ch.outgoingReliableSeq)
	for i := uint32(0); i < freeReliableWindows-1; i++ {
		if (current+i)%reliableWindows == w {
			return true
		}
	}
	return false
}

func (ch *channel) incrementWindow(w uint32) {
	internal.Assert(w < reliableWindows)
	ch.usedReliableWindows |= 1 << w
	ch.reliableWindows[w]++
}

func (ch *channel) decrementWindow(w uint32) {
	internal.Assert(w < reliableWindows)
	if ch.reliableWindows[w] > 0 {
		ch.reliableWindows[w]--
	}
	if ch.reliableWindows[w] == 0 {
		ch.usedReliableWindows &^= 1 << w
	}
}

// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import "fmt"

// fragmentPayload is the maximum payload carried per fragment, the MTU
// minus the largest relevant command header (§8 scenario 2: ceil(8000 /
// (1400-36)) == 6 uses this same header budget).
func (p *Peer) fragmentPayload() int {
	budget := int(p.mtu) - protocolHeaderMaxSize - commandSizes[cmdSendFragment]
	if budget < 1 {
		budget = 1
	}
	return budget
}

// Send queues packet for delivery to this peer on channelID. Ownership of
// packet transfers to the peer on success; on failure the caller retains
// it (§7).
func (p *Peer) Send(channelID uint8, packet *Packet) error {
	if p.State != StateConnected && p.State != StateDisconnectLater {
		return ErrPeerNotConnected
	}
	if int(channelID) >= len(p.channels) {
		return ErrInvalidChannel
	}
	if uint32(len(packet.Data)) > p.host.maximumPacketSize {
		return ErrPacketTooLarge
	}

	ch := p.channels[channelID]
	fragPayload := p.fragmentPayload()

	if len(packet.Data) <= fragPayload || packet.Flags&PacketFlagUnsequenced != 0 && len(packet.Data) <= fragPayload {
		return p.sendWhole(channelID, ch, packet)
	}
	return p.sendFragmented(channelID, ch, packet, fragPayload)
}

func (p *Peer) sendWhole(channelID uint8, ch *channel, packet *Packet) error {
	packet.ref()

	if packet.Flags&PacketFlagReliable != 0 {
		ch.outgoingReliableSeq++
		oc := &outgoingCommand{
			command:       cmdSendReliable,
			channelID:     channelID,
			owner:         p,
			packet:        packet,
			reliableSeq:   ch.outgoingReliableSeq,
			fragmentLength: uint32(len(packet.Data)),
		}
		oc.queueTime = p.host.serviceTime
		p.outgoingSendReliable.pushBack(oc)
		p.totalWaitingData += uint32(len(packet.Data))
		return nil
	}

	unseq := packet.Flags&PacketFlagUnsequenced != 0
	oc := &outgoingCommand{
		command:        cmdSendUnreliable,
		channelID:      channelID,
		owner:          p,
		packet:         packet,
		fragmentLength: uint32(len(packet.Data)),
	}
	if unseq {
		oc.command = cmdSendUnsequenced
		oc.flags = flagUnsequenced
		p.outgoingUnsequencedGroup++
		oc.unreliableSeq = p.outgoingUnsequencedGroup
	} else {
		ch.outgoingUnreliableSeq++
		oc.unreliableSeq = ch.outgoingUnreliableSeq
	}
	oc.queueTime = p.host.serviceTime
	p.outgoing.pushBack(oc)
	return nil
}

// sendFragmented splits packet into SEND_FRAGMENT/SEND_UNRELIABLE_FRAGMENT
// commands (§4.5, §8 scenario 2). Reliable fragment groups use the
// channel's reliable sequence for every fragment's command header
// (startSeq shared, reliableSeq bumped per-fragment so each fragment is
// independently acked); unreliable/unsequenced groups share one
// unreliable/unsequenced sequence number across the whole group.
func (p *Peer) sendFragmented(channelID uint8, ch *channel, packet *Packet, fragPayload int) error {
	total := uint32(len(packet.Data))
	fragmentCount := (total + uint32(fragPayload) - 1) / uint32(fragPayload)
	if fragmentCount > maximumFragmentCount {
		return fmt.Errorf("%w: fragment count %d exceeds maximum", ErrPacketTooLarge, fragmentCount)
	}

	reliable := packet.Flags&PacketFlagReliable != 0
	unsequenced := packet.Flags&PacketFlagUnsequenced != 0

	var startSeq uint16
	if reliable {
		startSeq = ch.outgoingReliableSeq + 1
	} else if unsequenced {
		p.outgoingUnsequencedGroup++
		startSeq = p.outgoingUnsequencedGroup
	} else {
		ch.outgoingUnreliableSeq++
		startSeq = ch.outgoingUnreliableSeq
	}

	if p.host.FEC != nil && !reliable {
		return p.sendFragmentedWithFEC(channelID, ch, packet, fragPayload, int(fragmentCount), startSeq, unsequenced)
	}

	for i := uint32(0); i < fragmentCount; i++ {
		offset := i * uint32(fragPayload)
		end := offset + uint32(fragPayload)
		if end > total {
			end = total
		}
		frag := packet.ref()
		oc := &outgoingCommand{
			packet:         frag,
			channelID:      channelID,
			owner:          p,
			fragmentOffset: offset,
			fragmentLength: end - offset,
			fragmentCount:  fragmentCount,
			fragmentNumber: i,
			startSeq:       startSeq,
			totalLength:    total,
			queueTime:      p.host.serviceTime,
		}
		switch {
		case reliable:
			ch.outgoingReliableSeq++
			oc.command = cmdSendFragment
			oc.reliableSeq = ch.outgoingReliableSeq
			p.outgoingSendReliable.pushBack(oc)
			p.totalWaitingData += oc.fragmentLength
		case unsequenced:
			oc.command = cmdSendUnreliableFragment
			oc.flags = flagUnsequenced
			oc.unreliableSeq = startSeq
			p.outgoing.pushBack(oc)
		default:
			oc.command = cmdSendUnreliableFragment
			oc.unreliableSeq = startSeq
			p.outgoing.pushBack(oc)
		}
	}
	// The whole-packet reference taken above for each fragment leaves one
	// extra reference (the original caller's); release it now that every
	// fragment holds its own.
	packet.release()
	return nil
}

// applyAckThrottle updates packetThrottle per the measured RTT vs the last
// epoch's lowest RTT/variance (§4.7).
func (p *Peer) applyAckThrottle(rtt uint32) {
	if p.lastRTT <= p.lastRTTVariance {
		p.packetThrottle = p.packetThrottleLimit
		return
	}
	if rtt <= p.lastRTT {
		p.packetThrottle += p.packetThrottleAcceleration
		if p.packetThrottle > p.packetThrottleLimit {
			p.packetThrottle = p.packetThrottleLimit
		}
		return
	}
	if rtt > p.lastRTT+2*p.lastRTTVariance {
		if p.packetThrottle > p.packetThrottleDeceleration {
			p.packetThrottle -= p.packetThrottleDeceleration
		} else {
			p.packetThrottle = 0
		}
	}
}

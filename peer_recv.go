// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

// updateRTT folds a freshly measured round-trip sample into the peer's
// smoothed RTT/variance estimate (§4.4) and refreshes the throttle-epoch
// snapshot that applyAckThrottle compares against once per
// packetThrottleInterval.
func (p *Peer) updateRTT(now, rtt uint32) {
	if p.RTT == 0 {
		p.RTT = rtt
		p.rttVariance = rtt / 2
	} else {
		diff := int64(rtt) - int64(p.RTT)
		if diff < 0 {
			diff = -diff
		}
		p.rttVariance = (p.rttVariance*3 + uint32(diff)) / 4
		p.RTT = (p.RTT*7 + rtt) / 8
	}
	if p.lowestRTT == 0 || p.RTT < p.lowestRTT {
		p.lowestRTT = p.RTT
	}
	if p.rttVariance > p.highestRTTVariance {
		p.highestRTTVariance = p.rttVariance
	}
	if timeDifference(now, p.packetThrottleEpoch) >= p.packetThrottleInterval {
		p.packetThrottleEpoch = now
		p.lastRTT = p.RTT
		p.lastRTTVariance = p.rttVariance
	}
}

// handleAcknowledge matches an ACKNOWLEDGE command against the peer's
// sent-but-unconfirmed reliable commands, retiring the match, updating RTT,
// and releasing its packet reference (§4.4).
func (h *Host) handleAcknowledge(p *Peer, ack ackCommand, hdr protocolHeader) {
	// Reconstruct the full 32-bit sentTime from the wire's 16-bit field
	// using the host's current service-time high half, correcting for
	// rollover if the low 16 bits' sign bits disagree (§4.4 step 1). A
	// reconstructed time in the future means the datagram is stale or
	// forged; discard it rather than corrupt RTT/throttle state.
	receivedSentTime := uint32(ack.receivedSentTime) | (h.serviceTime & 0xFFFF0000)
	if (receivedSentTime & 0x8000) > (h.serviceTime & 0x8000) {
		receivedSentTime -= 0x10000
	}
	if timeLess(h.serviceTime, receivedSentTime) {
		return
	}
	rtt := timeDifference(h.serviceTime, receivedSentTime)
	if rtt == 0 {
		rtt = 1
	}

	for n := p.sentReliable.begin(); n != p.sentReliable.end(); n = n.next {
		oc := n.value
		if oc.channelID != ack.header.channelID || oc.reliableSeq != ack.header.reliableSeq {
			continue
		}
		remove(n)

		if oc.channelID != 0xFF {
			ch := p.channels[oc.channelID]
			ch.decrementWindow(reliableWindowIndex(oc.reliableSeq))
		}
		if oc.packet != nil {
			p.totalWaitingData -= oc.fragmentLength
		}

		p.updateRTT(h.serviceTime, rtt)
		p.applyAckThrottle(p.RTT)
		p.earliestTimeout = 0

		kind := oc.command
		oc.release()

		switch kind {
		case cmdDisconnect:
			p.State = StateZombie
			h.queueDispatch(p)
		}
		break
	}

	if p.State == StateDisconnectLater && p.outgoing.empty() && p.outgoingSendReliable.empty() && p.sentReliable.empty() {
		p.Disconnect(p.eventData)
	}
}

// handleConnect accepts a brand-new incoming connection attempt (§4.3). p is
// a freshly allocated peer slot with only its address set.
func (h *Host) handleConnect(p *Peer, c connectCommand) {
	if p.State != StateDisconnected {
		return
	}

	channelCount := int(c.channelCount)
	if channelCount < protocolMinimumChannelCount {
		channelCount = protocolMinimumChannelCount
	}
	if channelCount > h.channelLimit {
		channelCount = h.channelLimit
	}
	p.setupChannels(channelCount)

	p.outgoingPeerID = c.outgoingPeerID
	p.connectID = c.connectID
	p.incomingSessionID = c.outgoingSessionID
	p.outgoingSessionID = c.incomingSessionID
	p.eventData = c.data

	if c.mtu < p.mtu {
		p.mtu = c.mtu
	}
	if p.mtu < protocolMinimumMTU {
		p.mtu = protocolMinimumMTU
	}
	if c.windowSize < p.windowSize {
		p.windowSize = c.windowSize
	}

	p.incomingBandwidth = c.incomingBandwidth
	p.outgoingBandwidth = c.outgoingBandwidth
	if c.packetThrottleInterval != 0 {
		p.packetThrottleInterval = c.packetThrottleInterval
		p.packetThrottleAcceleration = c.packetThrottleAcceleration
		p.packetThrottleDeceleration = c.packetThrottleDeceleration
	}

	p.State = StateAcknowledgingConnect
	oc := &outgoingCommand{command: cmdVerifyConnect, channelID: 0xFF}
	p.queueOutgoingReliableSystem(oc)
	h.recalculateBandwidthLimits = true
}

// handleVerifyConnect completes the client side of the handshake (§4.3).
func (h *Host) handleVerifyConnect(p *Peer, c connectCommand) {
	if p.State != StateConnecting || c.connectID != p.connectID {
		p.reset()
		return
	}

	p.outgoingPeerID = c.outgoingPeerID
	if c.mtu < p.mtu {
		p.mtu = c.mtu
	}
	if int(c.channelCount) < len(p.channels) {
		p.channels = p.channels[:c.channelCount]
	}
	p.incomingBandwidth = c.incomingBandwidth
	p.outgoingBandwidth = c.outgoingBandwidth

	p.State = StateConnectionSucceeded
	h.queueDispatch(p)
	h.recalculateBandwidthLimits = true
}

// handleDisconnect tears down p once the remote side requests it; the
// ACKNOWLEDGE (if this command carried the reliable/ack flag) is queued by
// the caller in processCommands (§4.3).
func (h *Host) handleDisconnect(p *Peer, d disconnectCommand) {
	if p.State == StateDisconnected || p.State == StateZombie {
		return
	}
	p.eventData = d.data
	p.State = StateZombie
	h.queueDispatch(p)
}

// seq16Less is the wraparound "a comes before b" comparison used for
// reliable-sequence duplicate checks.
func seq16Less(a, b uint16) bool { return int16(a-b) < 0 }

func (h *Host) handleSendReliable(p *Peer, sr sendReliableCommand, data []byte) {
	if int(sr.header.channelID) >= len(p.channels) {
		return
	}
	ch := p.channels[sr.header.channelID]
	if !sequenceAhead(sr.header.reliableSeq, ch.incomingReliableSeq) {
		return
	}
	pkt := NewPacket(data, PacketFlagReliable)
	ic := &incomingCommand{command: cmdSendReliable, channelID: sr.header.channelID, reliableSeq: sr.header.reliableSeq, packet: pkt}
	h.insertIncomingReliable(p, ch, ic)
}

func (h *Host) handleSendFragment(p *Peer, sf sendFragmentCommand, payload []byte) {
	if int(sf.header.channelID) >= len(p.channels) {
		return
	}
	if sf.fragmentCount == 0 || sf.fragmentNumber >= sf.fragmentCount {
		return
	}
	if sf.fragmentCount > maximumFragmentCount || sf.totalLength > h.maximumPacketSize {
		// §4.5: fatal — an unauthenticated remote could otherwise drive an
		// unbounded allocation via newIncomingFragmentGroup.
		return
	}
	if sf.totalLength < sf.fragmentCount {
		// §4.5: the reliable fragment path rejects a group whose declared
		// total length could not possibly span every fragment; the
		// unreliable path intentionally does not make this check.
		return
	}

	ch := p.channels[sf.header.channelID]
	key := fecGroupKey{channelID: sf.header.channelID, startSeq: sf.startSeq}
	ic, ok := p.reliableFragmentGroups[key]
	if !ok {
		if !sequenceAhead(sf.header.reliableSeq, ch.incomingReliableSeq) {
			return
		}
		packet, bits := newIncomingFragmentGroup(sf.totalLength, sf.fragmentCount)
		ic = &incomingCommand{
			command:            cmdSendFragment,
			channelID:          sf.header.channelID,
			reliableSeq:        sf.startSeq,
			packet:             packet,
			fragmentCount:      sf.fragmentCount,
			fragmentsRemaining: sf.fragmentCount,
			fragmentBitset:     bits,
		}
		p.reliableFragmentGroups[key] = ic
	}

	if fragmentBitSet(ic.fragmentBitset, sf.fragmentNumber) {
		return
	}
	fragmentBitSetMark(ic.fragmentBitset, sf.fragmentNumber)
	ic.fragmentsRemaining--
	end := sf.fragmentOffset + uint32(len(payload))
	if end > uint32(len(ic.packet.Data)) {
		end = uint32(len(ic.packet.Data))
	}
	if sf.fragmentOffset < end {
		copy(ic.packet.Data[sf.fragmentOffset:end], payload)
	}
	if ic.fragmentsRemaining > 0 {
		return
	}
	delete(p.reliableFragmentGroups, key)
	h.insertIncomingReliable(p, ch, ic)
}

// insertIncomingReliable inserts a fully-formed (or, for a fragment group,
// fully-assembled) reliable command into ch's ordered buffer and promotes
// any now-contiguous prefix onto p.dispatched (§4.4, §4.10).
func (h *Host) insertIncomingReliable(p *Peer, ch *channel, ic *incomingCommand) {
	for n := ch.incomingReliable.begin(); n != ch.incomingReliable.end(); n = n.next {
		if n.value.reliableSeq == ic.reliableSeq {
			ic.packet.release()
			return
		}
	}

	pos := ch.incomingReliable.end()
	for n := ch.incomingReliable.begin(); n != ch.incomingReliable.end(); n = n.next {
		if seq16Less(ic.reliableSeq, n.value.reliableSeq) {
			pos = n
			break
		}
	}
	ch.incomingReliable.insertBefore(pos, &listNode[incomingCommand]{value: ic})

	// Walk the now-contiguous prefix, tallying how far incomingReliableSeq
	// advances, then splice the whole run onto p.dispatched in one O(1)
	// moveRange instead of popping and re-pushing node by node.
	first := ch.incomingReliable.begin()
	last := first
	for last != ch.incomingReliable.end() && last.value.reliableSeq == ch.incomingReliableSeq+1 {
		span := last.value.fragmentCount
		if span == 0 {
			span = 1
		}
		ch.incomingReliableSeq += uint16(span)
		last = last.next
	}
	if last != first {
		moveRange(p.dispatched.end(), first, last)
	}

	if !p.dispatched.empty() {
		h.queueDispatch(p)
	}
}

func (h *Host) handleSendUnreliable(p *Peer, su sendUnreliableCommand, data []byte) {
	if int(su.header.channelID) >= len(p.channels) {
		return
	}
	ch := p.channels[su.header.channelID]
	if !seq16After(su.unreliableSeq, ch.incomingUnreliableSeq) {
		return
	}
	ch.incomingUnreliableSeq = su.unreliableSeq

	pkt := NewPacket(data, 0)
	ic := &incomingCommand{command: cmdSendUnreliable, channelID: su.header.channelID, unreliableSeq: su.unreliableSeq, packet: pkt}
	p.dispatched.pushBack(ic)
	h.queueDispatch(p)
}

func (h *Host) handleSendUnsequenced(p *Peer, su sendUnsequencedCommand, data []byte) {
	if int(su.header.channelID) >= len(p.channels) {
		return
	}
	group := su.unsequencedGroup
	diff := uint32(group-p.incomingUnsequencedGroup) & sequenceNumberMask
	if diff >= unsequencedWindowSize {
		for i := range p.unsequencedWindow {
			p.unsequencedWindow[i] = 0
		}
		p.incomingUnsequencedGroup = group
		diff = 0
	}
	if fragmentBitSet(p.unsequencedWindow[:], diff) {
		return
	}
	fragmentBitSetMark(p.unsequencedWindow[:], diff)

	pkt := NewPacket(data, PacketFlagUnsequenced)
	ic := &incomingCommand{command: cmdSendUnsequenced, channelID: su.header.channelID, unreliableSeq: group, packet: pkt}
	p.dispatched.pushBack(ic)
	h.queueDispatch(p)
}

// handleSendUnreliableFragment reassembles one shard/fragment of an
// unreliable or unsequenced fragment group (§4.5, §4.13). When the host has
// FEC enabled this delegates to the peer's Reed-Solomon reassembly; plain
// groups are reassembled the same way a reliable fragment group is, but
// dispatched immediately on completion with no sequence-window gating
// (there is nothing to retransmit, so out-of-order delivery across groups
// is an accepted trade-off of unreliable delivery).
func (h *Host) handleSendUnreliableFragment(p *Peer, sf sendFragmentCommand, payload []byte, unsequenced bool) {
	if int(sf.header.channelID) >= len(p.channels) {
		return
	}
	if sf.fragmentCount == 0 || sf.fragmentNumber >= sf.fragmentCount {
		return
	}
	if sf.fragmentCount > maximumFragmentCount || sf.totalLength > h.maximumPacketSize {
		// §4.5: fatal — bound the reassembly allocation against a forged
		// fragmentCount/totalLength before it reaches newIncomingFragmentGroup.
		return
	}

	if p.host.FEC != nil {
		pkt, err := p.receiveFECFragment(sf, payload, unsequenced)
		if err != nil {
			h.logger.Debugf("peer %d: FEC reconstruct on channel %d: %v", p.incomingPeerID, sf.header.channelID, err)
			return
		}
		if pkt == nil {
			return
		}
		ic := &incomingCommand{command: cmdSendUnreliableFragment, channelID: sf.header.channelID, packet: pkt}
		p.dispatched.pushBack(ic)
		h.queueDispatch(p)
		return
	}

	key := fecGroupKey{channelID: sf.header.channelID, startSeq: sf.startSeq}
	group, ok := p.unreliableFragmentGroups[key]
	if !ok {
		packet, bits := newIncomingFragmentGroup(sf.totalLength, sf.fragmentCount)
		packet.Flags = 0
		group = &incomingCommand{
			command:            cmdSendUnreliableFragment,
			channelID:          sf.header.channelID,
			packet:             packet,
			fragmentCount:      sf.fragmentCount,
			fragmentsRemaining: sf.fragmentCount,
			fragmentBitset:     bits,
		}
		p.unreliableFragmentGroups[key] = group
	}
	if fragmentBitSet(group.fragmentBitset, sf.fragmentNumber) {
		return
	}
	fragmentBitSetMark(group.fragmentBitset, sf.fragmentNumber)
	group.fragmentsRemaining--
	end := sf.fragmentOffset + uint32(len(payload))
	if end > uint32(len(group.packet.Data)) {
		end = uint32(len(group.packet.Data))
	}
	if sf.fragmentOffset < end {
		copy(group.packet.Data[sf.fragmentOffset:end], payload)
	}
	if group.fragmentsRemaining > 0 {
		return
	}
	delete(p.unreliableFragmentGroups, key)
	p.dispatched.pushBack(group)
	h.queueDispatch(p)
}

func (h *Host) handleBandwidthLimit(p *Peer, b bandwidthLimitCommand) {
	p.incomingBandwidth = b.incomingBandwidth
	p.outgoingBandwidth = b.outgoingBandwidth
	h.recalculateBandwidthLimits = true
}

func (h *Host) handleThrottleConfigure(p *Peer, t throttleConfigureCommand) {
	p.packetThrottleInterval = t.interval
	p.packetThrottleAcceleration = t.acceleration
	p.packetThrottleDeceleration = t.deceleration
}

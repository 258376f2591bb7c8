// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import "math/rand"

const checksumSize = 4

// sendPeer runs one encode/send pass for p (§4.11): resend any reliable
// commands whose round-trip timeout has elapsed, then pack as many
// acknowledgements, admitted reliable commands, and throttled
// unreliable/unsequenced commands as fit within one MTU-sized datagram.
func (h *Host) sendPeer(p *Peer) {
	if p.address == nil || p.State == StateDisconnected || p.State == StateZombie {
		return
	}

	h.resendTimedOutReliable(p)

	if p.acknowledgements.empty() && p.outgoingSendReliable.empty() && p.outgoing.empty() {
		return
	}

	headerSize := protocolHeaderMaxSize
	body := make([]byte, 0, p.mtu)
	budget := int(p.mtu) - headerSize
	if h.checksum != nil {
		budget -= checksumSize
	}
	commandsWritten := 0
	// wroteReliable tracks whether this datagram carries any ack-flagged
	// (reliable) command; bare ACKNOWLEDGE commands don't count, matching
	// the header's conditional sentTime field (§4.11 step 6).
	wroteReliable := false

	// 1. Acknowledgements first (§4.11 step).
	for !p.acknowledgements.empty() && commandsWritten < protocolMaximumPacketCommands {
		n := p.acknowledgements.begin()
		ack := n.value
		size := commandSizes[cmdAcknowledge]
		if size > budget {
			break
		}
		remove(n)
		cmd := ackCommand{
			header:              commandHeader{command: uint8(cmdAcknowledge), channelID: ack.header.channelID, reliableSeq: ack.header.reliableSeq},
			receivedReliableSeq: ack.header.reliableSeq,
			receivedSentTime:    uint16(ack.sentTime),
		}
		b := make([]byte, size)
		cmd.encode(b)
		body = append(body, b...)
		budget -= size
		commandsWritten++
	}

	// 2. Reliable commands, subject to per-channel window admission.
	for n := p.outgoingSendReliable.begin(); n != p.outgoingSendReliable.end() && commandsWritten < protocolMaximumPacketCommands; {
		oc := n.value
		next := n.next

		var ch *channel
		var w uint32
		admitted := true
		if oc.channelID != 0xFF {
			ch = p.channels[oc.channelID]
			w = reliableWindowIndex(oc.reliableSeq)
			admitted = ch.windowAdmits(w)
		}

		size := commandSizes[oc.command]
		if oc.packet != nil {
			size += int(oc.fragmentLength)
		}
		if !admitted || size > budget {
			break
		}

		remove(n)
		b := h.encodeOutgoingCommand(oc, true)
		body = append(body, b...)
		budget -= size
		commandsWritten++
		wroteReliable = true

		if ch != nil {
			ch.incrementWindow(w)
		}

		oc.sentTime = h.serviceTime
		oc.sendAttempts++
		oc.roundTripTimeout = h.serviceTime + reliableResendTimeout(oc.sendAttempts, p.RTT, p.rttVariance)
		p.sentReliable.pushBack(oc)
		p.packetsSent++

		n = next
	}

	// 3. Unreliable/unsequenced commands: no retransmission, so they are
	// consumed from the queue whether or not they end up being sent.
	for n := p.outgoing.begin(); n != p.outgoing.end() && commandsWritten < protocolMaximumPacketCommands; {
		oc := n.value
		next := n.next
		remove(n)

		if oc.channelID != 0xFF && !h.throttleAdmits(p) {
			oc.release()
			n = next
			continue
		}

		size := commandSizes[oc.command]
		if oc.packet != nil {
			size += int(oc.fragmentLength)
		}
		if size > budget {
			oc.release()
			n = next
			continue
		}

		b := h.encodeOutgoingCommand(oc, false)
		body = append(body, b...)
		budget -= size
		commandsWritten++
		p.packetsSent++
		oc.release()

		n = next
	}

	if commandsWritten == 0 {
		return
	}

	h.transmit(p, body, wroteReliable)
	p.lastSendTime = h.serviceTime
}

// reliableResendTimeout computes the next retransmission deadline for a
// reliable command, growing with each attempt (§4.6, exponential backoff
// bounded by the peer's RTT estimate).
func reliableResendTimeout(attempts uint16, rtt, rttVariance uint32) uint32 {
	timeout := rtt + 4*rttVariance
	if timeout < timeoutMinimumDefault {
		timeout = timeoutMinimumDefault
	}
	for i := uint16(1); i < attempts; i++ {
		timeout *= 2
		if timeout > timeoutMaximumDefault {
			timeout = timeoutMaximumDefault
			break
		}
	}
	return timeout
}

// throttleAdmits applies the peer's packetThrottle probability (§4.7) to one
// unreliable/unsequenced data send.
func (h *Host) throttleAdmits(p *Peer) bool {
	if p.packetThrottle >= packetThrottleScale {
		return true
	}
	return uint32(rand.Intn(packetThrottleScale)) < p.packetThrottle
}

// resendTimedOutReliable requeues any sent-but-unacknowledged command whose
// roundTripTimeout has elapsed back onto outgoingSendReliable for another
// attempt, disconnecting the peer once its earliest still-outstanding
// timeout has run past timeoutMaximum, or past timeoutMinimum with its
// attempt count past timeoutLimit (§4.4, §4.6). earliestTimeout tracks the
// sentTime of the oldest command timed out since the last acknowledgement
// and is reset to 0 by handleAcknowledge.
func (h *Host) resendTimedOutReliable(p *Peer) {
	anchor := p.outgoingSendReliable.begin()
	for n := p.sentReliable.begin(); n != p.sentReliable.end(); {
		oc := n.value
		next := n.next

		if timeDifference(h.serviceTime, oc.sentTime) < oc.roundTripTimeout {
			n = next
			continue
		}

		if p.earliestTimeout == 0 || timeLess(oc.sentTime, p.earliestTimeout) {
			p.earliestTimeout = oc.sentTime
		}

		if p.earliestTimeout != 0 &&
			(timeDifference(h.serviceTime, p.earliestTimeout) >= p.timeoutMaximum ||
				(uint32(1)<<(oc.sendAttempts-1) >= p.timeoutLimit &&
					timeDifference(h.serviceTime, p.earliestTimeout) >= p.timeoutMinimum)) {
			h.logger.Debugf("peer %d: reliable command exceeded resend limit", p.incomingPeerID)
			p.State = StateZombie
			h.queueDispatch(p)
			return
		}

		p.packetsLost++

		remove(n)
		if oc.channelID != 0xFF {
			ch := p.channels[oc.channelID]
			ch.decrementWindow(reliableWindowIndex(oc.reliableSeq))
		}
		p.outgoingSendReliable.insertBefore(anchor, n)

		n = next
	}
}

// encodeOutgoingCommand serializes oc's command header, kind-specific tail,
// and (if present) payload into a freshly allocated byte slice.
func (h *Host) encodeOutgoingCommand(oc *outgoingCommand, reliable bool) []byte {
	flags := oc.flags
	if reliable {
		flags |= flagAcknowledge
	}
	hdr := commandHeader{command: uint8(oc.command) | flags, channelID: oc.channelID, reliableSeq: oc.reliableSeq}

	switch oc.command {
	case cmdConnect:
		b := make([]byte, commandSizes[cmdConnect])
		c := h.connectCommandFor(oc, hdr)
		c.encodeConnect(b)
		return b
	case cmdVerifyConnect:
		b := make([]byte, commandSizes[cmdVerifyConnect])
		c := h.connectCommandFor(oc, hdr)
		c.encodeVerifyConnect(b)
		return b
	case cmdDisconnect:
		b := make([]byte, commandSizes[cmdDisconnect])
		disconnectCommand{header: hdr, data: oc.fragmentOffset}.encode(b)
		return b
	case cmdPing:
		b := make([]byte, commandSizes[cmdPing])
		hdr.encode(b)
		return b
	case cmdThrottleConfigure:
		b := make([]byte, commandSizes[cmdThrottleConfigure])
		tc := throttleConfigureCommand{header: hdr}
		if oc.owner != nil && oc.owner.pendingThrottleConfigure != nil {
			cfg := oc.owner.pendingThrottleConfigure
			tc.interval = cfg.interval
			tc.acceleration = cfg.acceleration
			tc.deceleration = cfg.deceleration
		}
		tc.encode(b)
		return b
	case cmdBandwidthLimit:
		b := make([]byte, commandSizes[cmdBandwidthLimit])
		bandwidthLimitCommand{header: hdr, incomingBandwidth: h.incomingBandwidth, outgoingBandwidth: h.outgoingBandwidth}.encode(b)
		return b
	case cmdSendReliable:
		size := commandSizes[cmdSendReliable]
		b := make([]byte, size+len(oc.packet.Data))
		sendReliableCommand{header: hdr, dataLength: uint16(len(oc.packet.Data))}.encode(b)
		copy(b[size:], oc.packet.Data)
		return b
	case cmdSendUnreliable:
		size := commandSizes[cmdSendUnreliable]
		b := make([]byte, size+len(oc.packet.Data))
		sendUnreliableCommand{header: hdr, unreliableSeq: oc.unreliableSeq, dataLength: uint16(len(oc.packet.Data))}.encode(b)
		copy(b[size:], oc.packet.Data)
		return b
	case cmdSendUnsequenced:
		size := commandSizes[cmdSendUnsequenced]
		b := make([]byte, size+len(oc.packet.Data))
		sendUnsequencedCommand{header: hdr, unsequencedGroup: oc.unreliableSeq, dataLength: uint16(len(oc.packet.Data))}.encode(b)
		copy(b[size:], oc.packet.Data)
		return b
	case cmdSendFragment, cmdSendUnreliableFragment:
		size := commandSizes[cmdSendFragment]
		// A regular fragment's packet is a ref to the whole unfragmented
		// buffer and must be sliced at its offset; an FEC shard's packet
		// (fec.go) holds only that shard's own bytes already.
		var payload []byte
		if uint32(len(oc.packet.Data)) == oc.fragmentLength {
			payload = oc.packet.Data
		} else {
			payload = oc.packet.Data[oc.fragmentOffset : oc.fragmentOffset+oc.fragmentLength]
		}
		b := make([]byte, size+len(payload))
		sendFragmentCommand{
			header:         hdr,
			startSeq:       oc.startSeq,
			dataLength:     uint16(len(payload)),
			fragmentCount:  oc.fragmentCount,
			fragmentNumber: oc.fragmentNumber,
			totalLength:    oc.totalLength,
			fragmentOffset: oc.fragmentOffset,
		}.encode(b)
		copy(b[size:], payload)
		return b
	default:
		b := make([]byte, commandHeaderSize)
		hdr.encode(b)
		return b
	}
}

// connectCommandFor builds the shared CONNECT/VERIFY_CONNECT tail for p
// (looked up via oc's owning peer, threaded through the outgoing command's
// packet-less fields since neither command carries a payload).
func (h *Host) connectCommandFor(oc *outgoingCommand, hdr commandHeader) connectCommand {
	p := oc.owner
	return connectCommand{
		header:                     hdr,
		outgoingPeerID:             p.incomingPeerID,
		incomingSessionID:          p.outgoingSessionID,
		outgoingSessionID:          p.incomingSessionID,
		mtu:                        p.mtu,
		windowSize:                 p.windowSize,
		channelCount:               uint32(len(p.channels)),
		incomingBandwidth:          p.incomingBandwidth,
		outgoingBandwidth:          p.outgoingBandwidth,
		packetThrottleInterval:     p.packetThrottleInterval,
		packetThrottleAcceleration: p.packetThrottleAcceleration,
		packetThrottleDeceleration: p.packetThrottleDeceleration,
		connectID:                  p.connectID,
		data:                       p.eventData,
	}
}

// transmit finishes a datagram for p: writes the protocol header, optional
// checksum, optional compression, and hands the result to the socket.
// sentTime is set only when the datagram carries at least one ack-flagged
// (reliable) command, keeping the header's sentTime field genuinely
// conditional (§4.11 step 6) rather than always paying its two bytes.
func (h *Host) transmit(p *Peer, body []byte, sentTime bool) {
	if h.compressor != nil {
		compressed := h.compressor.Compress(make([]byte, 0, len(body)), body)
		if len(compressed) < len(body) {
			body = compressed
			p.pendingCompressedFlag = true
		} else {
			p.pendingCompressedFlag = false
		}
	}

	peerIDAndFlags := p.outgoingPeerID & maximumPeerID
	peerIDAndFlags |= uint16(p.outgoingSessionID&0x3) << headerSessionShift
	if sentTime {
		peerIDAndFlags |= headerFlagSentTime
	}
	if p.pendingCompressedFlag {
		peerIDAndFlags |= headerFlagCompressed
	}

	headerSize := protocolHeaderMinSize
	if sentTime {
		headerSize = protocolHeaderMaxSize
	}
	hdr := make([]byte, headerSize)
	putUint16(hdr[0:2], peerIDAndFlags)
	if sentTime {
		putUint16(hdr[2:4], uint16(h.serviceTime))
	}

	// connectID seeds the checksum's own field before it is computed
	// (§4.11 step 7): a datagram replayed against a stale session
	// computes a different sum even if every other byte matches, since
	// the peer's connectID changes every connection attempt. A peer that
	// hasn't finished the handshake (outgoingPeerID unresolved) seeds 0.
	var connectID uint32
	if p.outgoingPeerID < maximumPeerID {
		connectID = p.connectID
	}

	datagram := make([]byte, 0, headerSize+checksumSize+len(body))
	datagram = append(datagram, hdr...)

	if h.checksum != nil {
		sumBuf := make([]byte, checksumSize)
		putChecksum(sumBuf, connectID)
		datagram = append(datagram, sumBuf...)
		datagram = append(datagram, body...)
		sum := h.checksum(datagram)
		putChecksum(datagram[headerSize:headerSize+checksumSize], sum)
	} else {
		datagram = append(datagram, body...)
	}

	if err := h.socket.Send(p.address, datagram); err != nil {
		h.logger.Errorf("send to peer %d: %v", p.incomingPeerID, err)
		return
	}
	h.totalSentData += uint32(len(datagram))
	h.totalSentPackets++
	p.outgoingDataTotal += uint32(len(datagram))
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

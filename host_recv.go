// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import "net"

// receiveDatagram runs one decode/receive pass over a single incoming
// datagram (§4.12): optional intercept, protocol header parsing, optional
// checksum verification, optional decompression, then one dispatch per
// command found in the body.
func (h *Host) receiveDatagram(data []byte, addr net.Addr) {
	if h.intercept != nil && h.intercept(h, addr, data) {
		return
	}
	if len(data) < protocolHeaderMinSize {
		return
	}

	peerIDAndFlags := uint16(data[0])<<8 | uint16(data[1])
	hdr := protocolHeader{peerIDAndFlags: peerIDAndFlags}
	offset := protocolHeaderMinSize
	if hdr.hasSentTime() {
		if len(data) < protocolHeaderMaxSize {
			return
		}
		hdr.sentTime = uint16(data[2])<<8 | uint16(data[3])
		offset = protocolHeaderMaxSize
	}

	body := data[offset:]

	if h.checksum != nil {
		if len(body) < checksumSize {
			return
		}
		want := uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])

		// The checksum was computed over the whole datagram with this
		// field seeded by the sender's connectID (§4.12 step 3); rebuild
		// that same input using whatever connectID we know for this
		// peer/address before recomputing, so a datagram replayed from a
		// stale session doesn't verify against a coincidentally-valid sum.
		var connectID uint32
		if known := h.knownPeer(hdr.peerID(), addr); known != nil {
			connectID = known.connectID
		}
		seeded := make([]byte, 0, len(data))
		seeded = append(seeded, data[:offset]...)
		seeded = append(seeded, byte(connectID>>24), byte(connectID>>16), byte(connectID>>8), byte(connectID))
		seeded = append(seeded, body[checksumSize:]...)
		if h.checksum(seeded) != want {
			h.logger.Debugf("datagram from %s: checksum mismatch", addr)
			return
		}
		body = body[checksumSize:]
	}

	if hdr.compressed() {
		if h.compressor == nil {
			h.logger.Debugf("datagram from %s: compressed but no compressor configured", addr)
			return
		}
		decompressed, err := h.compressor.Decompress(make([]byte, 0, len(body)*2), body)
		if err != nil {
			h.logger.Debugf("datagram from %s: decompress: %v", addr, err)
			return
		}
		body = decompressed
	}

	peerID := hdr.peerID()
	var p *Peer
	if peerID == maximumPeerID {
		p = h.peersByAddr[addr.String()]
		if p == nil {
			p = h.acceptIncoming(addr)
			if p == nil {
				return
			}
		}
	} else {
		if int(peerID) >= len(h.peers) {
			return
		}
		p = h.peers[peerID]
		if p.State == StateDisconnected {
			return
		}
	}

	h.totalReceivedData += uint32(len(data))
	h.totalReceivedPackets++
	p.incomingDataTotal += uint32(len(data))
	p.lastReceiveTime = h.serviceTime

	h.processCommands(p, hdr, body)
}

// knownPeer looks up an already-allocated peer matching peerID/addr without
// allocating a new one, used to recover the connectID a checksum was seeded
// with before the datagram has been fully validated for dispatch.
func (h *Host) knownPeer(peerID uint16, addr net.Addr) *Peer {
	if peerID == maximumPeerID {
		return h.peersByAddr[addr.String()]
	}
	if int(peerID) >= len(h.peers) {
		return nil
	}
	return h.peers[peerID]
}

// acceptIncoming allocates a peer slot for a never-seen-before address that
// just sent us (presumably) a CONNECT, returning nil if the host is full.
// The real channel negotiation happens once the CONNECT command itself is
// parsed in handleConnect.
func (h *Host) acceptIncoming(addr net.Addr) *Peer {
	p := h.allocatePeer()
	if p == nil {
		return nil
	}
	p.address = addr
	p.lastReceiveTime = h.serviceTime
	p.lastSendTime = h.serviceTime
	h.peersByAddr[addr.String()] = p
	return p
}

// processCommands walks body, decoding and dispatching one command at a
// time (§4.12). A malformed trailing command truncates the datagram
// silently rather than erroring the whole receive pass, matching the
// reference implementation's tolerance of garbage after a parse failure.
func (h *Host) processCommands(p *Peer, hdr protocolHeader, body []byte) {
	for len(body) >= commandHeaderSize {
		ch := decodeCommandHeader(body)
		kind := ch.kind()
		if kind == cmdNone || kind >= cmdCount {
			return
		}
		baseSize := commandSizes[kind]
		if baseSize == 0 || len(body) < baseSize {
			return
		}

		acknowledge := body[0]&flagAcknowledge != 0
		unsequenced := body[0]&flagUnsequenced != 0

		var consumed int
		switch kind {
		case cmdAcknowledge:
			h.handleAcknowledge(p, decodeAckCommand(body), hdr)
			consumed = baseSize
		case cmdConnect:
			if len(body) < commandSizes[cmdConnect] {
				return
			}
			h.handleConnect(p, decodeConnectCommand(body, true))
			consumed = commandSizes[cmdConnect]
		case cmdVerifyConnect:
			h.handleVerifyConnect(p, decodeConnectCommand(body, false))
			consumed = baseSize
		case cmdDisconnect:
			h.handleDisconnect(p, decodeDisconnectCommand(body))
			consumed = baseSize
		case cmdPing:
			consumed = baseSize
		case cmdSendReliable:
			sr := decodeSendReliableCommand(body)
			if len(body) < baseSize+int(sr.dataLength) {
				return
			}
			h.handleSendReliable(p, sr, body[baseSize:baseSize+int(sr.dataLength)])
			consumed = baseSize + int(sr.dataLength)
		case cmdSendUnreliable:
			su := decodeSendUnreliableCommand(body)
			if len(body) < baseSize+int(su.dataLength) {
				return
			}
			h.handleSendUnreliable(p, su, body[baseSize:baseSize+int(su.dataLength)])
			consumed = baseSize + int(su.dataLength)
		case cmdSendUnsequenced:
			su := decodeSendUnsequencedCommand(body)
			if len(body) < baseSize+int(su.dataLength) {
				return
			}
			h.handleSendUnsequenced(p, su, body[baseSize:baseSize+int(su.dataLength)])
			consumed = baseSize + int(su.dataLength)
		case cmdSendFragment, cmdSendUnreliableFragment:
			sf := decodeSendFragmentCommand(body)
			if len(body) < baseSize+int(sf.dataLength) {
				return
			}
			payload := body[baseSize : baseSize+int(sf.dataLength)]
			if kind == cmdSendFragment {
				h.handleSendFragment(p, sf, payload)
			} else {
				h.handleSendUnreliableFragment(p, sf, payload, unsequenced)
			}
			consumed = baseSize + int(sf.dataLength)
		case cmdBandwidthLimit:
			h.handleBandwidthLimit(p, decodeBandwidthLimitCommand(body))
			consumed = baseSize
		case cmdThrottleConfigure:
			h.handleThrottleConfigure(p, decodeThrottleConfigureCommand(body))
			consumed = baseSize
		default:
			return
		}

		if acknowledge && kind != cmdAcknowledge {
			p.queueAcknowledgement(ch, uint32(hdr.sentTime))
		}

		body = body[consumed:]
	}
}

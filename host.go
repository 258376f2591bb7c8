// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import (
	"math/rand"
	"net"
	"time"
)

// Host multiplexes many Peer sessions over a single Socket (§3). A Host is
// not safe for concurrent use by multiple goroutines; Service/CheckEvents/
// Flush/Connect/Broadcast must all be called from one goroutine at a time
// (§5). Running several independent Hosts concurrently, each on its own
// goroutine, is fine and is how cmd/rnet-monitor supervises a fleet of them.
type Host struct {
	socket Socket

	peers       []*Peer
	peersByAddr map[string]*Peer

	channelLimit int
	mtu          uint32

	incomingBandwidth      uint32
	outgoingBandwidth      uint32
	bandwidthThrottleEpoch uint32

	recalculateBandwidthLimits bool

	totalSentData        uint32
	totalSentPackets      uint32
	totalReceivedData     uint32
	totalReceivedPackets  uint32

	connectIDSource *rand.Rand
	startTime       time.Time
	serviceTime     uint32

	dispatchQueue *list[Peer]

	compressor Compressor
	checksum   ChecksumFunc
	// intercept, when non-nil, is given every raw incoming datagram before
	// protocol decoding; returning true means the host considers the
	// datagram fully handled and skips its own decode pass (§6.3).
	intercept func(h *Host, addr net.Addr, data []byte) bool

	logger Logger

	// FEC enables forward error correction for unreliable/unsequenced
	// fragment groups across every peer of this host (§4.13).
	FEC *FECConfig
	// Stats, when non-nil, receives periodic PeerSample snapshots (§4.14).
	Stats StatsSink

	maximumPacketSize uint32

	recvBuf []byte
	sendBuf []byte

	closed bool
}

// HostOption configures optional Host behavior at construction time.
type HostOption func(*Host)

// WithChannelLimit bounds how many channels a connecting peer may negotiate.
func WithChannelLimit(n int) HostOption {
	return func(h *Host) { h.channelLimit = n }
}

// WithBandwidthLimit sets this host's advertised incoming/outgoing bandwidth
// caps in bytes/sec (0 means unlimited), used by the fair-share throttle
// (§4.8).
func WithBandwidthLimit(incoming, outgoing uint32) HostOption {
	return func(h *Host) {
		h.incomingBandwidth = incoming
		h.outgoingBandwidth = outgoing
	}
}

// WithCompressor installs a whole-datagram Compressor (§6.3).
func WithCompressor(c Compressor) HostOption {
	return func(h *Host) { h.compressor = c }
}

// WithChecksum installs a per-datagram ChecksumFunc (§6.3).
func WithChecksum(f ChecksumFunc) HostOption {
	return func(h *Host) { h.checksum = f }
}

// WithIntercept installs a raw-datagram intercept hook (§6.3).
func WithIntercept(f func(h *Host, addr net.Addr, data []byte) bool) HostOption {
	return func(h *Host) { h.intercept = f }
}

// WithLogger overrides the default logger (DefaultLogger).
func WithLogger(l Logger) HostOption {
	return func(h *Host) { h.logger = l }
}

// WithFEC enables forward error correction for unreliable/unsequenced
// fragment groups (§4.13).
func WithFEC(cfg FECConfig) HostOption {
	return func(h *Host) { h.FEC = &cfg }
}

// WithStatsSink installs a StatsSink for periodic PeerSample delivery (§4.14).
func WithStatsSink(s StatsSink) HostOption {
	return func(h *Host) { h.Stats = s }
}

// WithMTU overrides the default maximum transmission unit assumed for new
// peers (§6.1).
func WithMTU(mtu uint32) HostOption {
	return func(h *Host) { h.mtu = mtu }
}

// NewHost creates a Host bound to socket, capable of tracking up to
// peerCount simultaneous peers.
func NewHost(socket Socket, peerCount int, opts ...HostOption) (*Host, error) {
	h := &Host{
		socket:            socket,
		peers:             make([]*Peer, peerCount),
		peersByAddr:       make(map[string]*Peer, peerCount),
		channelLimit:       protocolMaximumChannelCount,
		mtu:                protocolMaximumMTU,
		maximumPacketSize:  32 * 1024 * 1024,
		connectIDSource:    rand.New(rand.NewSource(time.Now().UnixNano())),
		startTime:          time.Now(),
		dispatchQueue:      newList[Peer](),
		checksum:           CRC32Checksum,
		logger:             DefaultLogger,
		recvBuf:            make([]byte, maximumMTU),
		sendBuf:            make([]byte, maximumMTU),
	}
	for _, opt := range opts {
		opt(h)
	}
	for i := range h.peers {
		h.peers[i] = newPeer(h, uint16(i))
	}
	return h, nil
}

func (h *Host) now() uint32 {
	return uint32(time.Since(h.startTime).Milliseconds())
}

// Close releases the underlying socket. Any peers still connected are left
// to time out on the remote side; use Flush/Disconnect first for a graceful
// teardown.
func (h *Host) Close() error {
	h.closed = true
	return h.socket.Close()
}

// allocatePeer finds a free (disconnected) peer slot, or nil if the host is
// at capacity.
func (h *Host) allocatePeer() *Peer {
	for _, p := range h.peers {
		if p.State == StateDisconnected {
			return p
		}
	}
	return nil
}

// Connect begins a connection attempt to addr, returning the Peer
// representing it immediately (it is not yet usable for Send until an
// EventConnect is delivered). channelCount must be within
// [protocolMinimumChannelCount, Host's channelLimit] (§4.3).
func (h *Host) Connect(addr net.Addr, channelCount int, data uint32) (*Peer, error) {
	if channelCount < protocolMinimumChannelCount {
		channelCount = protocolMinimumChannelCount
	}
	if channelCount > h.channelLimit {
		channelCount = h.channelLimit
	}

	p := h.allocatePeer()
	if p == nil {
		return nil, ErrHostFull
	}

	p.address = addr
	p.setupChannels(channelCount)
	p.outgoingPeerID = maximumPeerID
	p.connectID = h.connectIDSource.Uint32()
	p.outgoingSessionID = 0xFF
	p.incomingSessionID = 0xFF
	p.mtu = h.mtu
	p.State = StateConnecting
	p.lastReceiveTime = h.now()
	p.lastSendTime = h.now()
	p.incomingBandwidth = h.incomingBandwidth
	p.outgoingBandwidth = h.outgoingBandwidth
	h.peersByAddr[addr.String()] = p

	p.eventData = data
	oc := &outgoingCommand{
		command:   cmdConnect,
		channelID: 0xFF,
	}
	p.queueOutgoingReliableSystem(oc)

	return p, nil
}

// ChannelLimit overrides how many channels a connecting peer may negotiate.
func (h *Host) ChannelLimit(n int) { h.channelLimit = n }

// BandwidthLimit overrides this host's advertised bandwidth caps and queues
// a BANDWIDTH_LIMIT notice to every connected peer (§4.8, enet_host_bandwidth_limit).
func (h *Host) BandwidthLimit(incoming, outgoing uint32) {
	h.incomingBandwidth = incoming
	h.outgoingBandwidth = outgoing
	h.recalculateBandwidthLimits = true
}

// Broadcast queues packet for delivery to every connected peer on channelID
// (enet_host_broadcast). The packet's reference count is incremented once
// per recipient; the caller's own reference is released when Broadcast
// returns.
func (h *Host) Broadcast(channelID uint8, packet *Packet) {
	for _, p := range h.peers {
		if p.State != StateConnected {
			continue
		}
		_ = p.Send(channelID, packet.ref())
	}
	packet.release()
}

// Flush sends any queued outgoing commands for every peer without waiting
// for incoming datagrams (enet_host_flush).
func (h *Host) Flush() {
	h.serviceTime = h.now()
	h.bandwidthThrottle()
	for _, p := range h.peers {
		h.sendPeer(p)
	}
}

// flushOnePeer sends p's queued outgoing commands immediately, used by
// Peer.Disconnect/DisconnectNow for the fire-and-forget pre-handshake path.
func (h *Host) flushOnePeer(p *Peer) {
	h.serviceTime = h.now()
	h.sendPeer(p)
}

// CheckEvents drains one already-queued event (dispatched in an earlier
// Service/receive pass) without touching the network. It returns
// (false, nil) when no event is pending.
func (h *Host) CheckEvents(event *Event) (bool, error) {
	return h.dispatchOne(event), nil
}

// Service runs one cooperative cycle of the host (§4.9): it flushes queued
// sends, reads and processes any pending datagrams up to timeoutMs, checks
// peer timeouts, recalculates bandwidth throttling when due, and finally
// dispatches at most one ready event into event. It returns true if event
// was filled in.
func (h *Host) Service(event *Event, timeoutMs uint32) (bool, error) {
	if event != nil {
		*event = Event{}
		if h.dispatchOne(event) {
			return true, nil
		}
	}

	h.serviceTime = h.now()

	if h.recalculateBandwidthLimits {
		h.recalculateBandwidthLimits = false
		h.bandwidthThrottle()
	}

	for _, p := range h.peers {
		h.checkPeerTimeouts(p)
		h.sampleAndRecord(p)
	}

	for _, p := range h.peers {
		h.sendPeer(p)
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		n, addr, err := h.socket.Receive(h.recvBuf, deadline)
		if err != nil {
			return false, err
		}
		if n == 0 {
			break
		}
		h.receiveDatagram(h.recvBuf[:n], addr)
		if time.Now().After(deadline) {
			break
		}
	}

	h.serviceTime = h.now()
	for _, p := range h.peers {
		h.sendPeer(p)
	}

	if event != nil {
		return h.dispatchOne(event), nil
	}
	return false, nil
}

// dispatchOne pops the front of the dispatch queue (§4.10) into event,
// reporting whether anything was available. A peer re-enters the dispatch
// queue (needsDispatch) as long as it still has dispatched packets or a
// pending connect/disconnect notification.
func (h *Host) dispatchOne(event *Event) bool {
	for n := h.dispatchQueue.begin(); n != h.dispatchQueue.end(); n = h.dispatchQueue.begin() {
		p := n.value
		remove(n)
		p.needsDispatch = false

		if p.State == StateZombie && p.dispatched.empty() {
			event.Type = EventDisconnect
			event.Peer = p
			event.Data = p.eventData
			p.reset()
			return true
		}

		if p.State == StateConnectionSucceeded || p.State == StateAcknowledgingConnect {
			p.State = StateConnected
			event.Type = EventConnect
			event.Peer = p
			event.Data = p.eventData
			return true
		}

		if !p.dispatched.empty() {
			dn := p.dispatched.begin()
			ic := dn.value
			remove(dn)
			event.Type = EventReceive
			event.Peer = p
			event.ChannelID = ic.channelID
			event.Packet = ic.packet
			if !p.dispatched.empty() || p.State == StateZombie {
				h.queueDispatch(p)
			}
			return true
		}

		if p.State == StateZombie || p.State == StateDisconnecting {
			event.Type = EventDisconnect
			event.Peer = p
			event.Data = p.eventData
			p.reset()
			return true
		}
	}
	return false
}

func (h *Host) queueDispatch(p *Peer) {
	if p.needsDispatch {
		return
	}
	p.needsDispatch = true
	h.dispatchQueue.pushBack(p)
}

// checkPeerTimeouts disconnects (without notification) any peer that has
// not been heard from within its configured timeout window (§4.6), and
// issues an implicit keep-alive PING when a connected peer has gone half its
// ping interval with no outgoing reliable traffic.
func (h *Host) checkPeerTimeouts(p *Peer) {
	if p.State == StateDisconnected || p.State == StateZombie {
		return
	}

	elapsed := timeDifference(h.serviceTime, p.lastReceiveTime)
	if elapsed >= p.timeoutMinimum && elapsed >= p.timeoutMaximum {
		h.logger.Debugf("peer %d timed out after %dms", p.incomingPeerID, elapsed)
		p.State = StateZombie
		h.queueDispatch(p)
		return
	}

	if p.State == StateConnected && timeDifference(h.serviceTime, p.lastSendTime) >= p.pingInterval {
		p.Ping()
	}
}

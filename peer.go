// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import (
	"net"
)

// PeerState is the peer session state machine (§3, §4.3).
type PeerState int

const (
	StateDisconnected PeerState = iota
	StateConnecting
	StateAcknowledgingConnect
	StateConnectionPending
	StateConnectionSucceeded
	StateConnected
	StateDisconnectLater
	StateDisconnecting
	StateAcknowledgingDisconnect
	StateZombie
)

func (s PeerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAcknowledgingConnect:
		return "acknowledging-connect"
	case StateConnectionPending:
		return "connection-pending"
	case StateConnectionSucceeded:
		return "connection-succeeded"
	case StateConnected:
		return "connected"
	case StateDisconnectLater:
		return "disconnect-later"
	case StateDisconnecting:
		return "disconnecting"
	case StateAcknowledgingDisconnect:
		return "acknowledging-disconnect"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// peer flag bits (§3).
type peerFlag uint8

const (
	peerFlagNeedsDispatch peerFlag = 1 << iota
	peerFlagContinueSending
)

// Default throttle/timeout constants (§4.6, §4.7, §4.8).
const (
	defaultPacketThrottleInterval     = 5000
	defaultPacketThrottleAcceleration = 2
	defaultPacketThrottleDeceleration = 2
	packetThrottleScale               = 32
	packetThrottleCounter              = 7

	timeoutLimitDefault   = 32
	timeoutMinimumDefault = 5000
	timeoutMaximumDefault = 30000

	packetLossScale    = 1 << 16
	packetLossInterval = 10_000

	pingIntervalDefault = 500
)

// Peer is one session multiplexed over a Host's shared socket (§3).
type Peer struct {
	host *Host

	incomingPeerID uint16
	outgoingPeerID uint16
	incomingSessionID uint8
	outgoingSessionID uint8
	connectID      uint32

	address net.Addr

	State PeerState

	channels []*channel

	incomingBandwidth uint32
	outgoingBandwidth uint32

	incomingBandwidthThrottleEpoch uint32
	outgoingBandwidthThrottleEpoch uint32
	incomingDataTotal              uint32
	outgoingDataTotal              uint32

	packetThrottle             uint32
	packetThrottleLimit        uint32
	packetThrottleCounterState uint32
	packetThrottleInterval     uint32
	packetThrottleAcceleration uint32
	packetThrottleDeceleration uint32
	packetThrottleEpoch        uint32

	lastRTT          uint32
	lowestRTT        uint32
	lastRTTVariance  uint32
	highestRTTVariance uint32
	RTT              uint32
	rttVariance      uint32

	packetsSent uint32
	packetsLost uint32
	packetLoss  uint32
	packetLossVariance uint32
	packetLossEpoch    uint32

	mtu        uint32
	windowSize uint32

	reliableDataInTransit uint32
	totalWaitingData      uint32

	acknowledgements *list[acknowledgement]

	outgoing              *list[outgoingCommand]
	outgoingSendReliable  *list[outgoingCommand]
	sentReliable          *list[outgoingCommand]

	dispatched *list[incomingCommand]

	outgoingReliableSeqPeer uint16 // system-channel (0xFF) reliable seq

	incomingUnsequencedGroup uint16
	outgoingUnsequencedGroup uint16
	unsequencedWindow        [unsequencedWindowSize / 32]uint32

	eventData uint32

	earliestTimeout uint32
	nextTimeout     uint32

	timeoutLimit   uint32
	timeoutMinimum uint32
	timeoutMaximum uint32

	lastReceiveTime   uint32
	lastSendTime      uint32
	lastPingSentTime  uint32
	pingInterval      uint32

	needsDispatch   bool
	continueSending bool

	// FECGroups reassembles FEC-protected unreliable/unsequenced fragment
	// groups (§4.13). Keyed by (channelID, startSeq).
	fecGroups map[fecGroupKey]*fecReassembly

	// reliableFragmentGroups reassembles in-progress SEND_FRAGMENT groups,
	// keyed by (channelID, startSeq), until every fragment has arrived.
	reliableFragmentGroups map[fecGroupKey]*incomingCommand
	// unreliableFragmentGroups is the same, for SEND_UNRELIABLE_FRAGMENT
	// groups when FEC is not in use.
	unreliableFragmentGroups map[fecGroupKey]*incomingCommand

	// pendingThrottleConfigure carries the parameters for a queued
	// THROTTLE_CONFIGURE command until it is serialized at send time.
	pendingThrottleConfigure *throttleConfigureCommand

	// pendingCompressedFlag records whether the datagram currently being
	// assembled for this peer ended up compressed, set by transmit and read
	// back while finishing the protocol header.
	pendingCompressedFlag bool
}

func newPeer(host *Host, incomingPeerID uint16) *Peer {
	p := &Peer{
		host:                       host,
		incomingPeerID:             incomingPeerID,
		State:                      StateDisconnected,
		acknowledgements:           newList[acknowledgement](),
		outgoing:                   newList[outgoingCommand](),
		outgoingSendReliable:       newList[outgoingCommand](),
		sentReliable:               newList[outgoingCommand](),
		dispatched:                 newList[incomingCommand](),
		packetThrottle:             defaultPacketThrottle,
		packetThrottleLimit:        packetThrottleScale,
		packetThrottleInterval:     defaultPacketThrottleInterval,
		packetThrottleAcceleration: defaultPacketThrottleAcceleration,
		packetThrottleDeceleration: defaultPacketThrottleDeceleration,
		timeoutLimit:               timeoutLimitDefault,
		timeoutMinimum:             timeoutMinimumDefault,
		timeoutMaximum:             timeoutMaximumDefault,
		pingInterval:               pingIntervalDefault,
		mtu:                        protocolMaximumMTU,
		windowSize:                 protocolMaximumWindowSize,
		fecGroups:                  make(map[fecGroupKey]*fecReassembly),
		reliableFragmentGroups:     make(map[fecGroupKey]*incomingCommand),
		unreliableFragmentGroups:   make(map[fecGroupKey]*incomingCommand),
	}
	return p
}

const defaultPacketThrottle = packetThrottleScale

// ChannelCount returns the negotiated number of channels for this peer.
func (p *Peer) ChannelCount() int { return len(p.channels) }

// RemoteAddr returns the peer's remote network address.
func (p *Peer) RemoteAddr() net.Addr { return p.address }

// ID returns the peer's slot index within its Host, the same value
// StatsSink samples key on as PeerSample.PeerID.
func (p *Peer) ID() uint16 { return p.incomingPeerID }

// reset tears the peer session down immediately with no event (§4.3
// peer_reset / peer_disconnect_now).
func (p *Peer) reset() {
	if p.address != nil {
		delete(p.host.peersByAddr, p.address.String())
	}
	*p = Peer{
		host:           p.host,
		incomingPeerID: p.incomingPeerID,
		State:          StateDisconnected,
	}
	p.acknowledgements = newList[acknowledgement]()
	p.outgoing = newList[outgoingCommand]()
	p.outgoingSendReliable = newList[outgoingCommand]()
	p.sentReliable = newList[outgoingCommand]()
	p.dispatched = newList[incomingCommand]()
	p.packetThrottle = defaultPacketThrottle
	p.packetThrottleLimit = packetThrottleScale
	p.packetThrottleInterval = defaultPacketThrottleInterval
	p.packetThrottleAcceleration = defaultPacketThrottleAcceleration
	p.packetThrottleDeceleration = defaultPacketThrottleDeceleration
	p.timeoutLimit = timeoutLimitDefault
	p.timeoutMinimum = timeoutMinimumDefault
	p.timeoutMaximum = timeoutMaximumDefault
	p.pingInterval = pingIntervalDefault
	p.mtu = protocolMaximumMTU
	p.windowSize = protocolMaximumWindowSize
	p.fecGroups = make(map[fecGroupKey]*fecReassembly)
	p.reliableFragmentGroups = make(map[fecGroupKey]*incomingCommand)
	p.unreliableFragmentGroups = make(map[fecGroupKey]*incomingCommand)
}

// setupChannels allocates n fresh channel states, discarding any existing
// ones (used at handshake time once the channel count is negotiated).
func (p *Peer) setupChannels(n int) {
	p.channels = make([]*channel, n)
	for i := range p.channels {
		p.channels[i] = newChannel()
	}
}

// Disconnect requests a graceful disconnect carrying data, delivered to the
// remote peer as a DISCONNECT Event once the teardown handshake completes
// (§4.3).
func (p *Peer) Disconnect(data uint32) {
	if p.State == StateDisconnecting || p.State == StateDisconnected || p.State == StateAcknowledgingDisconnect || p.State == StateZombie {
		return
	}
	p.eventData = data
	if p.State == StateConnected || p.State == StateDisconnectLater {
		oc := &outgoingCommand{
			command:        cmdDisconnect,
			channelID:      0xFF,
			fragmentOffset: data,
		}
		p.queueOutgoingReliableSystem(oc)
		p.State = StateDisconnecting
		return
	}
	// Pre-handshake: fire-and-forget unsequenced DISCONNECT, then reset.
	oc := &outgoingCommand{command: cmdDisconnect, channelID: 0xFF, flags: flagUnsequenced, fragmentOffset: data}
	p.queueOutgoingUnsequencedSystem(oc)
	p.host.flushOnePeer(p)
	p.reset()
}

// DisconnectLater behaves like Disconnect but, if the peer still has
// queued/in-flight reliable data, waits for the queues to drain before
// actually starting the teardown handshake (§4.3).
func (p *Peer) DisconnectLater(data uint32) {
	if p.State != StateConnected && p.State != StateDisconnectLater {
		p.Disconnect(data)
		return
	}
	if p.outgoing.empty() && p.outgoingSendReliable.empty() && p.sentReliable.empty() {
		p.Disconnect(data)
		return
	}
	p.eventData = data
	p.State = StateDisconnectLater
}

// DisconnectNow tears the session down synchronously with no notification
// to either side (§4.3 peer_disconnect_now).
func (p *Peer) DisconnectNow(data uint32) {
	if p.State == StateDisconnected {
		return
	}
	if p.State != StateZombie && p.State != StateConnecting {
		oc := &outgoingCommand{command: cmdDisconnect, channelID: 0xFF, flags: flagUnsequenced, fragmentOffset: data}
		p.queueOutgoingUnsequencedSystem(oc)
		p.host.flushOnePeer(p)
	}
	p.reset()
}

// Ping requests a PING be sent on the next transmit pass, resetting the
// peer's ping timer.
func (p *Peer) Ping() {
	if p.State != StateConnected {
		return
	}
	oc := &outgoingCommand{command: cmdPing, channelID: 0xFF}
	p.queueOutgoingReliableSystem(oc)
}

// PingInterval overrides how often an implicit keep-alive PING is sent when
// no other reliable traffic is outstanding.
func (p *Peer) PingInterval(interval uint32) {
	if interval == 0 {
		interval = pingIntervalDefault
	}
	p.pingInterval = interval
}

// Timeout overrides this peer's disconnect-on-timeout parameters (§4.6).
func (p *Peer) Timeout(limit, minimum, maximum uint32) {
	p.timeoutLimit = limit
	p.timeoutMinimum = minimum
	p.timeoutMaximum = maximum
}

// ThrottleConfigure overrides this peer's throttle interval/acceleration/
// deceleration (§4.7) and informs the remote side via THROTTLE_CONFIGURE.
func (p *Peer) ThrottleConfigure(interval, acceleration, deceleration uint32) {
	p.packetThrottleInterval = interval
	p.packetThrottleAcceleration = acceleration
	p.packetThrottleDeceleration = deceleration

	oc := &outgoingCommand{command: cmdThrottleConfigure, channelID: 0xFF}
	p.queueOutgoingReliableSystem(oc)
	// stash the params for encode-time serialization
	p.pendingThrottleConfigure = &throttleConfigureCommand{
		interval:     interval,
		acceleration: acceleration,
		deceleration: deceleration,
	}
}

func (p *Peer) queueOutgoingReliableSystem(oc *outgoingCommand) {
	oc.owner = p
	oc.reliableSeq = p.outgoingReliableSeqPeer + 1
	p.outgoingReliableSeqPeer = oc.reliableSeq
	oc.queueTime = p.host.serviceTime
	p.outgoingSendReliable.pushBack(oc)
}

func (p *Peer) queueOutgoingUnsequencedSystem(oc *outgoingCommand) {
	oc.owner = p
	oc.queueTime = p.host.serviceTime
	p.outgoing.pushBack(oc)
}

// queueAcknowledgement records that a command header should be acked on
// the next transmit pass (§4.12 step 5).
func (p *Peer) queueAcknowledgement(h commandHeader, sentTime uint32) {
	ack := &acknowledgement{sentTime: sentTime, header: h}
	p.acknowledgements.pushBack(ack)
}

// isConnectedLike reports whether the peer is usefully alive for bandwidth
// accounting purposes (§4.8, §8 invariant 6).
func (p *Peer) isConnectedLike() bool {
	return p.State == StateConnected || p.State == StateDisconnectLater
}

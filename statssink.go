// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import "sync"

// PeerSample is one periodic snapshot of a peer's health (§4.14, added by
// this expansion).
type PeerSample struct {
	PeerID            uint16
	State             PeerState
	RTT               uint32
	RTTVariance       uint32
	PacketThrottle    uint32
	PacketsSent       uint32
	PacketsLost       uint32
	IncomingDataTotal uint32
	OutgoingDataTotal uint32
}

// StatsSink receives fire-and-forget PeerSample snapshots; implementations
// must not block the caller for long, since samples are produced inline
// during Host.Service.
type StatsSink interface {
	Record(sample PeerSample)
}

// MemoryStatsSink is an in-memory StatsSink keeping the last N samples per
// peer, useful for tests and for cmd/rnet-monitor's dashboard.
type MemoryStatsSink struct {
	mu      sync.Mutex
	perPeer int
	samples map[uint16][]PeerSample
}

// NewMemoryStatsSink creates a StatsSink retaining up to perPeer samples per
// peer ID, discarding the oldest once full.
func NewMemoryStatsSink(perPeer int) *MemoryStatsSink {
	if perPeer <= 0 {
		perPeer = 64
	}
	return &MemoryStatsSink{perPeer: perPeer, samples: make(map[uint16][]PeerSample)}
}

func (s *MemoryStatsSink) Record(sample PeerSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.samples[sample.PeerID], sample)
	if len(list) > s.perPeer {
		list = list[len(list)-s.perPeer:]
	}
	s.samples[sample.PeerID] = list
}

// Samples returns a copy of the retained samples for peerID, oldest first.
func (s *MemoryStatsSink) Samples(peerID uint16) []PeerSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerSample, len(s.samples[peerID]))
	copy(out, s.samples[peerID])
	return out
}

// sampleAndRecord builds a PeerSample for p and hands it to h.Stats, if one
// is configured. Called once per service cycle per peer (§4.14).
func (h *Host) sampleAndRecord(p *Peer) {
	if h.Stats == nil || !p.isConnectedLike() {
		return
	}
	h.Stats.Record(PeerSample{
		PeerID:            p.incomingPeerID,
		State:             p.State,
		RTT:               p.RTT,
		RTTVariance:       p.rttVariance,
		PacketThrottle:    p.packetThrottle,
		PacketsSent:       p.packetsSent,
		PacketsLost:       p.packetsLost,
		IncomingDataTotal: p.incomingDataTotal,
		OutgoingDataTotal: p.outgoingDataTotal,
	})
}

// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

// bandwidthThrottleIntervalDefault is ENET_HOST_BANDWIDTH_THROTTLE_INTERVAL:
// the host-level recompute cadence for bandwidthThrottle (§4.8), distinct
// from the per-peer packetThrottleInterval (§4.7) used for RTT/packet-loss
// averaging.
const bandwidthThrottleIntervalDefault = 1000

// bandwidthThrottle recalculates every connected peer's packetThrottleLimit
// so that the sum of what peers are permitted to send does not exceed this
// host's outgoingBandwidth, sharing capacity fairly rather than
// first-come-first-served (§4.8, enet_host_bandwidth_throttle). It is a
// no-op when the host has no outgoing bandwidth cap.
func (h *Host) bandwidthThrottle() {
	elapsed := timeDifference(h.serviceTime, h.bandwidthThrottleEpoch)
	if elapsed < bandwidthThrottleIntervalDefault {
		return
	}
	h.bandwidthThrottleEpoch = h.serviceTime

	peerCount := 0
	dataTotal := uint32(0)
	for _, p := range h.peers {
		if !p.isConnectedLike() {
			continue
		}
		peerCount++
		dataTotal += p.outgoingDataTotal
		p.outgoingDataTotal = 0
	}
	if peerCount == 0 {
		return
	}

	if h.outgoingBandwidth == 0 {
		for _, p := range h.peers {
			if p.isConnectedLike() {
				p.packetThrottleLimit = packetThrottleScale
			}
		}
		return
	}

	// Step 1: peers whose own advertised incomingBandwidth already caps them
	// below their fair share are satisfied outright and removed from the
	// pool being divided.
	bandwidthLimit := (h.outgoingBandwidth * elapsed) / 1000
	remaining := peerCount
	needsAdjustment := true
	throttle := make(map[*Peer]uint32, peerCount)

	for needsAdjustment && remaining > 0 {
		needsAdjustment = false
		fairShare := bandwidthLimit / uint32(remaining)
		for _, p := range h.peers {
			if !p.isConnectedLike() {
				continue
			}
			if _, done := throttle[p]; done {
				continue
			}
			if p.incomingBandwidth != 0 && p.incomingBandwidth <= fairShare {
				throttle[p] = packetThrottleScale
				if bandwidthLimit > p.incomingBandwidth {
					bandwidthLimit -= p.incomingBandwidth
				} else {
					bandwidthLimit = 0
				}
				remaining--
				needsAdjustment = true
			}
		}
	}

	// Step 2: whatever capacity remains is split evenly among the peers
	// that were not already satisfied in step 1.
	fairShare := uint32(0)
	if remaining > 0 {
		fairShare = bandwidthLimit / uint32(remaining)
	}
	for _, p := range h.peers {
		if !p.isConnectedLike() {
			continue
		}
		if _, done := throttle[p]; done {
			continue
		}
		limit := uint32(packetThrottleScale)
		if dataTotal > 0 {
			share := (fairShare * packetThrottleScale) / max32(h.outgoingBandwidth, 1)
			if share < packetThrottleScale {
				limit = share
			}
		}
		throttle[p] = limit
	}

	for p, limit := range throttle {
		p.packetThrottleLimit = limit
		if p.packetThrottle > limit {
			p.packetThrottle = limit
		}
	}
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

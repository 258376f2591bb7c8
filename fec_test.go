// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFECRoundTripNoLoss(t *testing.T) {
	cfg := &FECConfig{DataShards: 4, ParityShards: 2}
	sender := newPeer(&Host{FEC: cfg}, 0)
	receiver := newPeer(&Host{FEC: cfg}, 1)

	payload := make([]byte, 4001)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, sender.sendFragmentedWithFEC(0, nil, NewPacket(payload, 0), 0, 0, 7, false))

	shardCount := 0
	sender.outgoing.forEach(func(*outgoingCommand) { shardCount++ })
	require.Equal(t, cfg.total(), shardCount)

	var reassembled *Packet
	for n := sender.outgoing.begin(); n != sender.outgoing.end(); n = n.next {
		oc := n.value
		sf := sendFragmentCommand{
			header:         commandHeader{channelID: oc.channelID},
			startSeq:       oc.startSeq,
			fragmentCount:  oc.fragmentCount,
			fragmentNumber: oc.fragmentNumber,
			totalLength:    oc.totalLength,
		}
		p, err := receiver.receiveFECFragment(sf, oc.packet.Data, false)
		require.NoError(t, err)
		if p != nil {
			reassembled = p
		}
	}

	require.NotNil(t, reassembled)
	require.Equal(t, payload, reassembled.Data)
}

func TestFECRoundTripWithShardLoss(t *testing.T) {
	cfg := &FECConfig{DataShards: 4, ParityShards: 2}
	sender := newPeer(&Host{FEC: cfg}, 0)
	receiver := newPeer(&Host{FEC: cfg}, 1)

	payload := make([]byte, 999)
	for i := range payload {
		payload[i] = byte(i * 3)
	}

	require.NoError(t, sender.sendFragmentedWithFEC(0, nil, NewPacket(payload, 0), 0, 0, 11, false))

	var reassembled *Packet
	dropped := uint32(1) // drop one data shard; parity must cover for it
	for n := sender.outgoing.begin(); n != sender.outgoing.end(); n = n.next {
		oc := n.value
		if oc.fragmentNumber == dropped {
			continue
		}
		sf := sendFragmentCommand{
			header:         commandHeader{channelID: oc.channelID},
			startSeq:       oc.startSeq,
			fragmentCount:  oc.fragmentCount,
			fragmentNumber: oc.fragmentNumber,
			totalLength:    oc.totalLength,
		}
		p, err := receiver.receiveFECFragment(sf, oc.packet.Data, false)
		require.NoError(t, err)
		if p != nil {
			reassembled = p
		}
	}

	require.NotNil(t, reassembled)
	require.Equal(t, payload, reassembled.Data)
}

func TestFECGroupEvictedAfterReassembly(t *testing.T) {
	cfg := &FECConfig{DataShards: 2, ParityShards: 1}
	receiver := newPeer(&Host{FEC: cfg}, 0)

	sf := sendFragmentCommand{startSeq: 5, fragmentCount: 2, totalLength: 4}
	for i := uint32(0); i < 2; i++ {
		sf.fragmentNumber = i
		_, err := receiver.receiveFECFragment(sf, []byte{1, 2}, false)
		require.NoError(t, err)
	}
	require.Empty(t, receiver.fecGroups)
}

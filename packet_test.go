// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketNewPacketCopies(t *testing.T) {
	src := []byte("hello")
	p := NewPacket(src, PacketFlagReliable)
	src[0] = 'H'
	require.Equal(t, byte('h'), p.Data[0], "NewPacket must own a copy, not alias the caller's slice")
	require.Equal(t, PacketFlagReliable, p.Flags)
}

func TestPacketNoCopyAliases(t *testing.T) {
	src := []byte("hello")
	p := NewPacketNoCopy(src, 0)
	src[0] = 'H'
	require.Equal(t, byte('H'), p.Data[0])
	require.NotZero(t, p.Flags&packetFlagNoAllocate)
}

func TestPacketRefCounting(t *testing.T) {
	p := NewPacket([]byte("x"), 0)
	freed := false
	p.onFree = func(*Packet) { freed = true }

	p.ref()
	p.Release()
	require.False(t, freed, "packet should still be alive after releasing only one of two references")

	p.Release()
	require.True(t, freed)
}

func TestPacketReleaseBelowZeroPanics(t *testing.T) {
	p := NewPacket([]byte("x"), 0)
	p.Release()
	require.Panics(t, func() { p.Release() })
}

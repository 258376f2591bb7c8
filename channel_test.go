// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelWindowAdmitsCurrentAndAhead(t *testing.T) {
	ch := newChannel()
	ch.outgoingReliableSeq = 0 // window 0

	require.True(t, ch.windowAdmits(0))
	require.True(t, ch.windowAdmits(1))
	require.True(t, ch.windowAdmits(freeReliableWindows-2))
	require.False(t, ch.windowAdmits(freeReliableWindows-1))
	require.False(t, ch.windowAdmits(reliableWindows-1))
}

func TestChannelIncrementDecrementWindow(t *testing.T) {
	ch := newChannel()

	ch.incrementWindow(3)
	require.NotZero(t, ch.usedReliableWindows&(1<<3))
	require.Equal(t, uint16(1), ch.reliableWindows[3])

	ch.incrementWindow(3)
	require.Equal(t, uint16(2), ch.reliableWindows[3])

	ch.decrementWindow(3)
	require.Equal(t, uint16(1), ch.reliableWindows[3])
	require.NotZero(t, ch.usedReliableWindows&(1<<3), "window still in use with one command outstanding")

	ch.decrementWindow(3)
	require.Zero(t, ch.reliableWindows[3])
	require.Zero(t, ch.usedReliableWindows&(1<<3), "window should be marked free once its count drops to zero")
}

func TestChannelDecrementWindowNeverGoesNegative(t *testing.T) {
	ch := newChannel()
	require.NotPanics(t, func() { ch.decrementWindow(0) })
	require.Zero(t, ch.reliableWindows[0])
}

func TestChannelWindowIndexOutOfRangeAsserts(t *testing.T) {
	ch := newChannel()
	require.Panics(t, func() { ch.incrementWindow(reliableWindows) })
	require.Panics(t, func() { ch.decrementWindow(reliableWindows) })
}

// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package rnet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTimeWrapping(t *testing.T) {
	require.True(t, timeLess(100, 200))
	require.False(t, timeLess(200, 100))

	// a millisecond clock that has wrapped all the way around still
	// orders correctly against a small value near zero.
	require.True(t, timeLess(0xFFFFFFFF, 10))
	require.False(t, timeLess(10, 0xFFFFFFFF))

	require.True(t, timeLessEqual(100, 100))
	require.True(t, timeGreaterEqual(100, 100))
	require.True(t, timeGreater(200, 100))
}

func TestTimeDifferenceSaturatesAtZero(t *testing.T) {
	require.Equal(t, uint32(50), timeDifference(150, 100))
	require.Equal(t, uint32(0), timeDifference(100, 150))
}

func TestSequenceAhead(t *testing.T) {
	require.False(t, sequenceAhead(10, 10), "equal sequence numbers are not ahead")
	require.True(t, sequenceAhead(11, 10))
	require.False(t, sequenceAhead(9, 10), "a sequence number behind cur is not ahead")

	// wraps across the 16-bit boundary
	require.True(t, sequenceAhead(5, 0xFFFE))

	// right at the free-window budget boundary
	require.True(t, sequenceAhead(uint16(10+(freeReliableWindows-1)*reliableWindowSize), 10))
	require.False(t, sequenceAhead(uint16(10+(freeReliableWindows-1)*reliableWindowSize+1), 10))
}

func TestReliableWindowIndex(t *testing.T) {
	require.Equal(t, uint32(0), reliableWindowIndex(0))
	require.Equal(t, uint32(1), reliableWindowIndex(reliableWindowSize))
	windows, windowSize := reliableWindows, reliableWindowSize
	require.Equal(t, uint32(0), reliableWindowIndex(uint16(windows)*uint16(windowSize)))
}

func TestSeq16After(t *testing.T) {
	require.True(t, seq16After(2, 1))
	require.False(t, seq16After(1, 2))
	require.False(t, seq16After(1, 1))
}

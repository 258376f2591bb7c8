// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRangeCoderCompressorRoundTrip(t *testing.T) {
	c := NewRangeCoderCompressor()
	src := []byte("datagram datagram datagram payload, repeated for compressibility")

	compressed := c.Compress(nil, src)
	out, err := c.Decompress(nil, compressed)
	require.NoError(t, err)
	require.Equal(t, src, out)
}

func TestZappyCompressorRoundTrip(t *testing.T) {
	c := NewZappyCompressor()
	src := []byte("datagram datagram datagram payload, repeated for compressibility")

	compressed := c.Compress(nil, src)
	out, err := c.Decompress(nil, compressed)
	require.NoError(t, err)
	require.Equal(t, src, out)
}

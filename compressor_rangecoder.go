// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import "github.com/nuvanta-labs/rnet/internal/rangecoder"

// RangeCoderCompressor is the default whole-datagram Compressor (§6.3),
// equivalent to enet_host_compress_with_range_coder: an adaptive order-2
// PPM range coder tuned for single small datagrams rather than bulk data.
// It carries no state between calls, so one instance is safe to share
// across every peer on a Host.
type RangeCoderCompressor struct{}

// NewRangeCoderCompressor returns the default Compressor installed by
// WithCompressor(NewRangeCoderCompressor()).
func NewRangeCoderCompressor() *RangeCoderCompressor {
	return &RangeCoderCompressor{}
}

func (RangeCoderCompressor) Compress(dst, in []byte) []byte {
	return rangecoder.Compress(dst, in)
}

func (RangeCoderCompressor) Decompress(dst, in []byte) ([]byte, error) {
	return rangecoder.Decompress(dst, in)
}

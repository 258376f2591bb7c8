// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import "github.com/vzex/zappy"

// ZappyCompressor is an alternate Compressor (§6.3) installable in place
// of RangeCoderCompressor via WithCompressor. It trades the range coder's
// per-byte adaptive modeling for zappy's block LZ scheme, which costs less
// CPU per datagram at the expense of compression ratio on short payloads.
type ZappyCompressor struct{}

// NewZappyCompressor returns a ZappyCompressor.
func NewZappyCompressor() *ZappyCompressor {
	return &ZappyCompressor{}
}

func (ZappyCompressor) Compress(dst, in []byte) []byte {
	out, err := zappy.Encode(dst, in)
	if err != nil {
		return in
	}
	return out
}

func (ZappyCompressor) Decompress(dst, in []byte) ([]byte, error) {
	return zappy.Decode(dst, in)
}

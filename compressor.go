// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

// Compressor is the optional whole-datagram compression hook (§6.3),
// mirroring enet_host_compress/enet_host_compress_with_range_coder. A Host
// with a nil Compressor sends datagrams uncompressed.
type Compressor interface {
	// Compress writes a compressed form of in into dst (growing it as
	// needed) and returns the compressed slice. If the compressed form
	// would not be smaller than in, implementations may return in
	// unchanged; the wire format's PacketFlagCompressed-equivalent bit
	// only gets set when the returned slice is actually shorter.
	Compress(dst, in []byte) []byte
	// Decompress expands a datagram previously produced by Compress.
	Decompress(dst, in []byte) ([]byte, error)
}

// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build windows

package rnet

import "net"

// Windows lacks the SyscallConn-level socket tuning available on
// linux/darwin (golang.org/x/sys/unix doesn't target windows); the
// read/write buffer sizes set here are the only knobs turned.
const socketBufferSize = 2 * 1024 * 1024

func tuneSocketBuffers(conn *net.UDPConn) {
	_ = conn.SetReadBuffer(socketBufferSize)
	_ = conn.SetWriteBuffer(socketBufferSize)
}

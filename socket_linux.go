// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build linux

package rnet

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketBufferSize is the read/write buffer size requested on the
// underlying UDP socket, matching the teacher's udp_linux.go sizing
// rationale (enough headroom for a host juggling many peers' worth of
// in-flight datagrams without kernel-level drops).
const socketBufferSize = 2 * 1024 * 1024

func tuneSocketBuffers(conn *net.UDPConn) {
	_ = conn.SetReadBuffer(socketBufferSize)
	_ = conn.SetWriteBuffer(socketBufferSize)

	sc, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = sc.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
}

// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build darwin

package rnet

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

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

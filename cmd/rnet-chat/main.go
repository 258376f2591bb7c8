// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Command rnet-chat is a minimal bidirectional line-oriented chat over
// rnet: one side listens, the other dials, and afterward each line typed
// on stdin is sent as a reliable packet while received packets are
// written to stdout.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nuvanta-labs/rnet"
	"github.com/nuvanta-labs/rnet/internal/streambuf"
)

var (
	debug   = flag.Bool("debug", false, "enable debug logging")
	dial    = flag.String("dial", "", "remote address to connect to; if empty, this side only listens")
	channel = flag.Uint("channel", 0, "channel ID to send/receive on")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s [-dial remote-addr] listen-addr

  listen-addr: local address to bind, in the form [<host>]:<port>
  -dial:       if set, connect out to this address after binding

`, os.Args[0])
		os.Exit(1)
	}
	listenAddr := args[0]

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zap.InfoLevel)
	if *debug {
		logConfig.Level.SetLevel(zap.DebugLevel)
	}
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	plainLogger, err := logConfig.Build()
	if err != nil {
		panic(err)
	}
	logger := plainLogger.Sugar()

	sock, err := rnet.NewUDPSocket("udp", listenAddr)
	if err != nil {
		logger.Fatalf("could not listen on %q: %v", listenAddr, err)
	}

	host, err := rnet.NewHost(sock, 8, rnet.WithLogger(rnet.NewLogrLogger(zapr.NewLogger(plainLogger))))
	if err != nil {
		logger.Fatalf("could not create host: %v", err)
	}
	defer func() {
		if err := host.Close(); err != nil {
			logger.Errorf("failed to close host: %v", err)
		}
	}()

	chatChannel := uint8(*channel)

	inbox := streambuf.New(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go readStdinInto(ctx, inbox)

	var remote *rnet.Peer
	if *dial != "" {
		addr, err := net.ResolveUDPAddr("udp", *dial)
		if err != nil {
			logger.Fatalf("could not resolve %q: %v", *dial, err)
		}
		remote, err = host.Connect(addr, int(chatChannel)+1, 0)
		if err != nil {
			logger.Fatalf("could not connect to %q: %v", *dial, err)
		}
		logger.Infof("connecting to %s", *dial)
	} else {
		logger.Infof("listening on %s", listenAddr)
	}

	out := bufio.NewWriter(os.Stdout)
	var lineBuf []byte
	readBuf := make([]byte, 4096)

	var event rnet.Event
	for {
		happened, err := host.Service(&event, 50)
		if err != nil {
			logger.Fatalf("service failed: %v", err)
		}
		if happened {
			switch event.Type {
			case rnet.EventConnect:
				remote = event.Peer
				logger.Infof("peer %s connected", event.Peer.RemoteAddr())
			case rnet.EventDisconnect:
				logger.Infof("peer %s disconnected", event.Peer.RemoteAddr())
				if remote == event.Peer {
					remote = nil
				}
			case rnet.EventReceive:
				_, _ = out.Write(event.Packet.Data)
				_, _ = out.Write([]byte("\n"))
				_ = out.Flush()
				event.Packet.Release()
			}
		}

		if remote == nil {
			continue
		}
		for {
			line, ok := nextLine(inbox, readBuf, &lineBuf)
			if !ok {
				break
			}
			if err := remote.Send(chatChannel, rnet.NewPacket(line, rnet.PacketFlagReliable)); err != nil {
				logger.Errorf("send failed: %v", err)
			}
		}
	}
}

// readStdinInto copies raw stdin bytes into inbox until EOF or ctx is done.
func readStdinInto(ctx context.Context, inbox *streambuf.Buffer) {
	defer inbox.Close()
	r := bufio.NewReader(os.Stdin)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if appendErr := inbox.Append(ctx, buf[:n]); appendErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// nextLine drains whatever bytes are currently queued in inbox into
// lineBuf, returning a complete line (without its trailing newline) once
// one has accumulated, or ok=false if nothing is queued right now.
func nextLine(inbox *streambuf.Buffer, scratch []byte, lineBuf *[]byte) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	n, err := inbox.Consume(ctx, scratch)
	if err != nil {
		return nil, false
	}
	for _, b := range scratch[:n] {
		if b == '\n' {
			line := make([]byte, len(*lineBuf))
			copy(line, *lineBuf)
			*lineBuf = (*lineBuf)[:0]
			return line, true
		}
		*lineBuf = append(*lineBuf, b)
	}
	return nil, false
}

// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Command rnet-monitor listens for rnet connections on one or more
// addresses and renders a single live-updating terminal table aggregating
// per-peer health across the whole fleet.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/nuvanta-labs/rnet"
)

var debug = flag.Bool("debug", false, "enable debug logging")

func main() {
	flag.Parse()

	listenAddrs := flag.Args()
	if len(listenAddrs) == 0 {
		_, _ = fmt.Fprintf(os.Stderr, "usage: %s listen-addr [listen-addr ...]\n", os.Args[0])
		os.Exit(1)
	}

	if *debug {
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	agg := newAggregator()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, addr := range listenAddrs {
		addr := addr
		group.Go(func() error {
			return runListener(groupCtx, addr, agg)
		})
	}

	pterm.Info.Printfln("monitoring rnet traffic on %d listener(s)", len(listenAddrs))

	area, err := pterm.DefaultArea.Start()
	if err != nil {
		pterm.Error.Printfln("could not start display area: %v", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

render:
	for {
		select {
		case <-ctx.Done():
			break render
		case <-ticker.C:
			area.Update(agg.render())
		}
	}
	_ = area.Stop()

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		pterm.Error.Printfln("listener failed: %v", err)
		os.Exit(1)
	}
}

// runListener drives one Host on addr until ctx is cancelled, feeding every
// PeerSample it produces into agg.
func runListener(ctx context.Context, addr string, agg *aggregator) error {
	sock, err := rnet.NewUDPSocket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", addr, err)
	}

	sink := &forwardingSink{addr: addr, agg: agg}
	host, err := rnet.NewHost(sock, 64, rnet.WithStatsSink(sink))
	if err != nil {
		return fmt.Errorf("create host for %q: %w", addr, err)
	}
	defer func() { _ = host.Close() }()

	var event rnet.Event
	for {
		if ctx.Err() != nil {
			return nil
		}
		happened, err := host.Service(&event, 50)
		if err != nil {
			return fmt.Errorf("service %q: %w", addr, err)
		}
		if happened && event.Type == rnet.EventReceive {
			event.Packet.Release()
		}
	}
}

// forwardingSink adapts a per-listener StatsSink into the shared
// aggregator, tagging each sample with the listener address it came from
// since peer IDs are only unique within one Host.
type forwardingSink struct {
	addr string
	agg  *aggregator
}

func (s *forwardingSink) Record(sample rnet.PeerSample) {
	s.agg.record(s.addr, sample)
}

type aggregatorKey struct {
	addr string
	peer uint16
}

// aggregator collects the latest PeerSample from every listener, safe for
// concurrent Record calls from each listener's own goroutine alongside the
// rendering goroutine's periodic reads.
type aggregator struct {
	mu     sync.Mutex
	latest map[aggregatorKey]rnet.PeerSample
}

func newAggregator() *aggregator {
	return &aggregator{latest: make(map[aggregatorKey]rnet.PeerSample)}
}

func (a *aggregator) record(addr string, sample rnet.PeerSample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latest[aggregatorKey{addr: addr, peer: sample.PeerID}] = sample
}

func (a *aggregator) render() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows := pterm.TableData{
		{"listener", "peer", "state", "rtt (ms)", "throttle", "sent", "lost", "in bytes", "out bytes"},
	}
	for key, s := range a.latest {
		rows = append(rows, []string{
			key.addr,
			fmt.Sprintf("%d", s.PeerID),
			s.State.String(),
			fmt.Sprintf("%d", s.RTT),
			fmt.Sprintf("%d", s.PacketThrottle),
			fmt.Sprintf("%d", s.PacketsSent),
			fmt.Sprintf("%d", s.PacketsLost),
			fmt.Sprintf("%d", s.IncomingDataTotal),
			fmt.Sprintf("%d", s.OutgoingDataTotal),
		})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return fmt.Sprintf("render error: %v", err)
	}
	return out
}

// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package streambuf provides a bounded, goroutine-safe byte queue for
// bridging a blocking io.Reader/io.Writer (stdin, stdout) onto a Host's
// cooperative Service loop, which can only drain or fill queues from
// whichever goroutine happens to be calling Service.
package streambuf

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Append/Consume once Close has been called.
var ErrClosed = errors.New("streambuf: closed")

// Buffer is a fixed-capacity circular byte queue with at most one pending
// waiter on each side (one appender waiting for space, one consumer
// waiting for bytes) — enough for the single stdin-writer/single-drainer
// shape a CLI pipe needs, without the generality of a channel-of-[]byte.
type Buffer struct {
	mu   sync.Mutex
	buf  []byte
	start, end int
	wraps      bool

	readWaiter      chan struct{}
	readTrigger     int
	writeWaiter     chan struct{}
	writeTrigger    int
	closed          bool
}

// New returns a Buffer with the given byte capacity.
func New(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, capacity)}
}

func (b *Buffer) spaceUsed() int {
	if b.wraps {
		return len(b.buf) + b.end - b.start
	}
	return b.end - b.start
}

func (b *Buffer) spaceAvailable() int {
	if b.wraps {
		return b.start - b.end
	}
	return len(b.buf) - b.end + b.start
}

// Append blocks until all of data has been queued, ctx is done, or the
// buffer is closed.
func (b *Buffer) Append(ctx context.Context, data []byte) error {
	for {
		ok, err := b.tryAppend(data)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		waitChan, cancel, err := b.waitForSpace(len(data))
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		case _, ok := <-waitChan:
			if !ok {
				return ErrClosed
			}
		}
	}
}

// Consume blocks until at least one byte is available, ctx is done, or the
// buffer is closed, then does a short read into data.
func (b *Buffer) Consume(ctx context.Context, data []byte) (int, error) {
	for {
		if n, ok := b.tryConsume(data); ok {
			return n, nil
		}
		waitChan, cancel, err := b.waitForBytes(1)
		if err != nil {
			return 0, err
		}
		select {
		case <-ctx.Done():
			cancel()
			return 0, ctx.Err()
		case _, ok := <-waitChan:
			if !ok {
				return 0, ErrClosed
			}
		}
	}
}

func (b *Buffer) waitForSpace(n int) (<-chan struct{}, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, ErrClosed
	}
	if b.writeWaiter != nil {
		return nil, nil, errors.New("streambuf: a writer is already waiting")
	}
	ww := make(chan struct{}, 1)
	if b.spaceAvailable() >= n {
		ww <- struct{}{}
		close(ww)
		return ww, func() {}, nil
	}
	b.writeWaiter = ww
	b.writeTrigger = n
	return ww, func() { b.cancelWait(&b.writeWaiter, ww) }, nil
}

func (b *Buffer) waitForBytes(n int) (<-chan struct{}, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, ErrClosed
	}
	if b.readWaiter != nil {
		return nil, nil, errors.New("streambuf: a reader is already waiting")
	}
	rw := make(chan struct{}, 1)
	if b.spaceUsed() >= n {
		rw <- struct{}{}
		close(rw)
		return rw, func() {}, nil
	}
	b.readWaiter = rw
	b.readTrigger = n
	return rw, func() { b.cancelWait(&b.readWaiter, rw) }, nil
}

func (b *Buffer) cancelWait(slot *chan struct{}, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if *slot == ch {
		*slot = nil
	}
}

func (b *Buffer) tryAppend(data []byte) (ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, ErrClosed
	}
	if b.spaceAvailable() < len(data) {
		return false, nil
	}

	if !b.wraps {
		n := len(b.buf) - b.end
		if len(data) < n {
			n = len(data)
		}
		copy(b.buf[b.end:b.end+n], data[:n])
		data = data[n:]
		b.end += n
		if b.end == len(b.buf) {
			b.end = 0
			b.wraps = true
		}
	}
	if b.wraps && len(data) > 0 {
		if len(data) > b.start-b.end {
			panic(fmt.Sprintf("streambuf: internal error appending %d bytes (start=%d end=%d size=%d)", len(data), b.start, b.end, len(b.buf)))
		}
		copy(b.buf[b.end:b.end+len(data)], data)
		b.end += len(data)
	}
	if b.readWaiter != nil && b.spaceUsed() >= b.readTrigger {
		rw := b.readWaiter
		b.readWaiter = nil
		rw <- struct{}{}
		close(rw)
	}
	return true, nil
}

func (b *Buffer) tryConsume(data []byte) (n int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	have := b.spaceUsed()
	if have == 0 {
		return 0, false
	}
	if len(data) > have {
		data = data[:have]
	}
	b.popLocked(data)
	return len(data), true
}

func (b *Buffer) popLocked(data []byte) {
	if b.wraps {
		n := len(b.buf) - b.start
		if len(data) < n {
			n = len(data)
		}
		copy(data[:n], b.buf[b.start:b.start+n])
		data = data[n:]
		b.start += n
		if b.start == len(b.buf) {
			b.start = 0
			b.wraps = false
		}
	}
	if !b.wraps && len(data) > 0 {
		if len(data) > b.end-b.start {
			panic(fmt.Sprintf("streambuf: internal error consuming %d bytes (start=%d end=%d size=%d)", len(data), b.start, b.end, len(b.buf)))
		}
		copy(data, b.buf[b.start:b.start+len(data)])
		b.start += len(data)
	}
	if b.writeWaiter != nil && b.spaceAvailable() >= b.writeTrigger {
		ww := b.writeWaiter
		b.writeWaiter = nil
		ww <- struct{}{}
		close(ww)
	}
}

// Close unblocks any pending Append/Consume with ErrClosed. Further calls
// also fail with ErrClosed.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	if b.readWaiter != nil {
		close(b.readWaiter)
		b.readWaiter = nil
	}
	if b.writeWaiter != nil {
		close(b.writeWaiter)
		b.writeWaiter = nil
	}
}

// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package streambuf

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendConsumeRoundTrip(t *testing.T) {
	b := New(16)
	ctx := context.Background()

	require.NoError(t, b.Append(ctx, []byte("hello")))

	out := make([]byte, 16)
	n, err := b.Consume(ctx, out)
	require.NoError(t, err)
	require.Equal(t, "hello", string(out[:n]))
}

func TestAppendWrapsAroundBuffer(t *testing.T) {
	b := New(4)
	ctx := context.Background()

	require.NoError(t, b.Append(ctx, []byte("ab")))
	out := make([]byte, 2)
	n, err := b.Consume(ctx, out)
	require.NoError(t, err)
	require.Equal(t, "ab", string(out[:n]))

	// start/end have both advanced past the buffer's midpoint; this append
	// must wrap around to the front of the backing array.
	require.NoError(t, b.Append(ctx, []byte("cdef")))
	n, err = b.Consume(ctx, out)
	require.NoError(t, err)
	require.Equal(t, "cd", string(out[:n]))
	n, err = b.Consume(ctx, out)
	require.NoError(t, err)
	require.Equal(t, "ef", string(out[:n]))
}

func TestConsumeBlocksUntilAppend(t *testing.T) {
	b := New(8)
	ctx := context.Background()

	done := make(chan []byte, 1)
	go func() {
		out := make([]byte, 8)
		n, err := b.Consume(ctx, out)
		require.NoError(t, err)
		done <- out[:n]
	}()

	time.Sleep(20 * time.Millisecond) // give the consumer time to start waiting
	require.NoError(t, b.Append(ctx, []byte("go")))

	select {
	case got := <-done:
		require.Equal(t, "go", string(got))
	case <-time.After(time.Second):
		t.Fatal("Consume never unblocked after Append")
	}
}

func TestAppendBlocksUntilSpace(t *testing.T) {
	b := New(4)
	ctx := context.Background()
	require.NoError(t, b.Append(ctx, []byte("abcd"))) // fill it

	appended := make(chan struct{})
	go func() {
		require.NoError(t, b.Append(ctx, []byte("ef")))
		close(appended)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-appended:
		t.Fatal("Append should still be blocked: no space freed yet")
	default:
	}

	out := make([]byte, 2)
	_, err := b.Consume(ctx, out)
	require.NoError(t, err)

	select {
	case <-appended:
	case <-time.After(time.Second):
		t.Fatal("Append never unblocked after space was freed")
	}
}

func TestCloseUnblocksWaiters(t *testing.T) {
	b := New(4)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		out := make([]byte, 4)
		_, err := b.Consume(ctx, out)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Consume never unblocked after Close")
	}

	require.ErrorIs(t, b.Append(ctx, []byte("x")), ErrClosed)
}

func TestAppendRespectsContextCancellation(t *testing.T) {
	b := New(2)
	ctx := context.Background()
	require.NoError(t, b.Append(ctx, []byte("xy"))) // fill it, no space left

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := b.Append(cctx, []byte("z"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

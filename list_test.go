// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListPushBackOrder(t *testing.T) {
	l := newList[int]()
	require.True(t, l.empty())

	a, b, c := 1, 2, 3
	l.pushBack(&a)
	l.pushBack(&b)
	l.pushBack(&c)

	var got []int
	l.forEach(func(v *int) { got = append(got, *v) })
	require.Equal(t, []int{1, 2, 3}, got)
	require.False(t, l.empty())
}

func TestListRemove(t *testing.T) {
	l := newList[int]()
	a, b, c := 1, 2, 3
	l.pushBack(&a)
	nb := l.pushBack(&b)
	l.pushBack(&c)

	remove(nb)

	var got []int
	l.forEach(func(v *int) { got = append(got, *v) })
	require.Equal(t, []int{1, 3}, got)
}

func TestListMoveRange(t *testing.T) {
	src := newList[int]()
	dst := newList[int]()

	a, b, c, d, e := 1, 2, 3, 4, 99
	src.pushBack(&a)
	first := src.pushBack(&b)
	src.pushBack(&c)
	last := src.pushBack(&d) // moveRange moves the half-open range [first, last)

	dst.pushBack(&e) // give dst one pre-existing element to splice in front of

	moveRange(dst.begin(), first, last)

	var gotSrc []int
	src.forEach(func(v *int) { gotSrc = append(gotSrc, *v) })
	require.Equal(t, []int{1, 4}, gotSrc, "moved elements must be unlinked from src")

	var gotDst []int
	dst.forEach(func(v *int) { gotDst = append(gotDst, *v) })
	require.Equal(t, []int{2, 3, 99}, gotDst)

	// backward links must stay consistent too: walking src from its tail
	// must retrace the same (now-shorter) sequence, and removing the
	// remaining src tail must not corrupt dst.
	require.Same(t, src.end().prev, src.begin().next, "src should now contain exactly two linked nodes")
	remove(src.begin().next) // removes d; must not touch dst's nodes
	var gotDstAfter []int
	dst.forEach(func(v *int) { gotDstAfter = append(gotDstAfter, *v) })
	require.Equal(t, []int{2, 3, 99}, gotDstAfter, "dst must be unaffected by a later src removal")
}

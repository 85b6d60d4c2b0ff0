// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushDropsOldestAtCapacity(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	require.Equal(t, 3, b.Count())
	require.Equal(t, []int{3, 4, 5}, b.Items())
}

func TestPeekPopOrder(t *testing.T) {
	b := New[string](2)
	b.Push("a")
	b.Push("b")

	head, err := b.Peek()
	require.NoError(t, err)
	require.Equal(t, "a", head)

	v, err := b.Pop()
	require.NoError(t, err)
	require.Equal(t, "a", v)
	require.Equal(t, 1, b.Count())

	_, err = b.Pop()
	require.NoError(t, err)
	_, err = b.Pop()
	require.ErrorIs(t, err, ErrEmpty)
}

func TestSetCapacityShrinkDropsOldest(t *testing.T) {
	b := New[int](5)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	b.SetCapacity(2)
	require.Equal(t, 2, b.Count())
	require.Equal(t, []int{4, 5}, b.Items())

	b.Push(6)
	require.Equal(t, []int{5, 6}, b.Items())
}

func TestSetCapacityGrowPreservesOrder(t *testing.T) {
	b := New[int](2)
	b.Push(1)
	b.Push(2)
	b.SetCapacity(4)
	b.Push(3)
	b.Push(4)
	require.Equal(t, []int{1, 2, 3, 4}, b.Items())
}

// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("rejects non-positive capacity", func(t *testing.T) {
		_, err := New(0)
		require.ErrorIs(t, err, ErrInvalidCapacity)

		_, err = New(-5)
		require.ErrorIs(t, err, ErrInvalidCapacity)
	})

	t.Run("creates empty buffer", func(t *testing.T) {
		b, err := New(10)
		require.NoError(t, err)
		assert.Equal(t, 0, b.Len())
		assert.Equal(t, 10, b.Capacity())
		assert.Equal(t, 10, b.Free())
	})
}

func TestAppend(t *testing.T) {
	t.Run("appends within capacity", func(t *testing.T) {
		b, _ := New(5)
		require.NoError(t, b.Append([]int{1, 2, 3}))
		assert.Equal(t, []int{1, 2, 3}, b.Tokens())
		assert.Equal(t, 2, b.Free())
	})

	t.Run("rejects overflow and leaves buffer unchanged", func(t *testing.T) {
		b, _ := New(4)
		require.NoError(t, b.Append([]int{1, 2, 3}))
		err := b.Append([]int{4, 5})
		require.ErrorIs(t, err, ErrOverflow)
		assert.Equal(t, []int{1, 2, 3}, b.Tokens())
	})
}

func TestTrimFront(t *testing.T) {
	b, _ := New(10)
	require.NoError(t, b.Append([]int{1, 2, 3, 4, 5}))

	assert.Equal(t, 2, b.TrimFront(2))
	assert.Equal(t, []int{3, 4, 5}, b.Tokens())

	// Trimming more than the length clamps.
	assert.Equal(t, 3, b.TrimFront(100))
	assert.Equal(t, 0, b.Len())

	assert.Equal(t, 0, b.TrimFront(-1))
}

func TestReplace(t *testing.T) {
	t.Run("replaces wholesale", func(t *testing.T) {
		b, _ := New(5)
		require.NoError(t, b.Append([]int{9, 9}))
		dropped := b.Replace([]int{1, 2, 3})
		assert.Equal(t, 0, dropped)
		assert.Equal(t, []int{1, 2, 3}, b.Tokens())
	})

	t.Run("clips to most recent tokens on overflow", func(t *testing.T) {
		b, _ := New(3)
		dropped := b.Replace([]int{1, 2, 3, 4, 5})
		assert.Equal(t, 2, dropped)
		assert.Equal(t, []int{3, 4, 5}, b.Tokens())
	})
}

func TestCapacityInvariant(t *testing.T) {
	// For any sequence of operations, Len never exceeds Capacity.
	b, _ := New(8)
	for i := 0; i < 100; i++ {
		if b.Free() < 3 {
			b.TrimFront(3 - b.Free())
		}
		require.NoError(t, b.Append([]int{i, i + 1, i + 2}))
		require.LessOrEqual(t, b.Len(), b.Capacity())
	}
}

func TestTokensReturnsCopy(t *testing.T) {
	b, _ := New(4)
	require.NoError(t, b.Append([]int{1, 2}))
	got := b.Tokens()
	got[0] = 42
	assert.Equal(t, []int{1, 2}, b.Tokens())
}

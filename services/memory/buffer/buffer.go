// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package buffer implements the bounded token buffer that every memory
// policy mutates.
//
// The buffer is an ordered, capacity-bounded sequence of integer token
// identifiers. Index 0 is the oldest token; insertion order defines
// recency. The buffer never exceeds its capacity: callers that would
// overflow it must evict first (the policy engine's job) or use Replace,
// which hard-clips to the most recent tokens.
//
// Thread Safety: Buffer is NOT safe for concurrent use. It is owned
// exclusively by a single policy engine; one conversation maps to one
// buffer with no concurrent mutation (see the engine's session wrapper
// for the serialization guarantee).
package buffer

import (
	"errors"
	"fmt"
)

// ErrInvalidCapacity is returned when a buffer is created with a
// non-positive capacity.
var ErrInvalidCapacity = errors.New("buffer capacity must be positive")

// ErrOverflow is returned by Append when the tokens would not fit.
// Policies must evict before appending; hitting this error indicates a
// programming error in the caller, not a recoverable condition.
var ErrOverflow = errors.New("append would exceed buffer capacity")

// Buffer is a bounded ordered sequence of token identifiers.
type Buffer struct {
	capacity int
	tokens   []int
}

// New creates a Buffer with the given capacity.
//
// Inputs:
//   - capacity: Maximum number of tokens the buffer may hold. Must be > 0.
//
// Outputs:
//   - *Buffer: The empty buffer.
//   - error: ErrInvalidCapacity if capacity <= 0.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return &Buffer{
		capacity: capacity,
		tokens:   make([]int, 0, capacity),
	}, nil
}

// Len returns the number of tokens currently buffered.
func (b *Buffer) Len() int {
	return len(b.tokens)
}

// Capacity returns the fixed maximum length.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Free returns the remaining room before the capacity is reached.
func (b *Buffer) Free() int {
	return b.capacity - len(b.tokens)
}

// Tokens returns a copy of the buffered tokens, oldest first.
func (b *Buffer) Tokens() []int {
	out := make([]int, len(b.tokens))
	copy(out, b.tokens)
	return out
}

// At returns the token at position i. Panics on out-of-range access,
// matching slice semantics.
func (b *Buffer) At(i int) int {
	return b.tokens[i]
}

// Append adds tokens to the end of the buffer.
//
// Outputs:
//   - error: ErrOverflow if the tokens would exceed capacity. The buffer
//     is left unchanged on error.
func (b *Buffer) Append(tokens []int) error {
	if len(b.tokens)+len(tokens) > b.capacity {
		return fmt.Errorf("%w: len %d + new %d > cap %d",
			ErrOverflow, len(b.tokens), len(tokens), b.capacity)
	}
	b.tokens = append(b.tokens, tokens...)
	return nil
}

// TrimFront removes up to n tokens from the front (oldest side) and
// returns the number actually removed.
func (b *Buffer) TrimFront(n int) int {
	if n <= 0 {
		return 0
	}
	if n > len(b.tokens) {
		n = len(b.tokens)
	}
	b.tokens = append(b.tokens[:0], b.tokens[n:]...)
	return n
}

// Replace swaps the entire contents of the buffer. If tokens exceed
// capacity, only the most recent capacity tokens are kept (recency wins).
// Returns the number of tokens dropped by the clip.
func (b *Buffer) Replace(tokens []int) int {
	dropped := 0
	if len(tokens) > b.capacity {
		dropped = len(tokens) - b.capacity
		tokens = tokens[dropped:]
	}
	b.tokens = append(b.tokens[:0], tokens...)
	return dropped
}

// Reset empties the buffer without changing its capacity.
func (b *Buffer) Reset() {
	b.tokens = b.tokens[:0]
}

// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contextbuilder

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordDecoder maps token 99 to a period and everything else to a plain
// word.
type wordDecoder struct{}

func (wordDecoder) Decode(tokens []int) (string, error) {
	out := ""
	for _, t := range tokens {
		if t == 99 {
			out += "."
		} else {
			out += fmt.Sprintf(" w%d", t)
		}
	}
	return out, nil
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func TestBuildPassthroughUnderCap(t *testing.T) {
	b := New(100, 10)
	in := seq(50)
	out, hits := b.Build(wordDecoder{}, in)
	assert.Equal(t, in, out)
	assert.Zero(t, hits)
}

func TestBuildNeverExceedsCap(t *testing.T) {
	b := New(40, 10)
	out, _ := b.Build(wordDecoder{}, seq(200))
	assert.LessOrEqual(t, len(out), 40)
}

func TestBuildKeepsRecentTail(t *testing.T) {
	b := New(40, 10)
	in := seq(200)
	out, _ := b.Build(wordDecoder{}, in)
	// The last windowSize tokens survive verbatim at the end.
	require.GreaterOrEqual(t, len(out), 10)
	assert.Equal(t, in[190:], out[len(out)-10:])
}

func TestBuildPreservesSentenceAnchors(t *testing.T) {
	// Token 99 decodes to ".", so position 4 (after it) is an anchor.
	in := []int{1, 2, 3, 99, 5, 6, 7, 8, 9, 10, 11, 12}
	b := New(6, 3)
	out, _ := b.Build(wordDecoder{}, in)

	assert.LessOrEqual(t, len(out), 6)
	assert.Contains(t, out, 5, "token after the sentence terminator is anchored")
	assert.Equal(t, []int{10, 11, 12}, out[len(out)-3:])
}

func TestBuildIdempotent(t *testing.T) {
	b := New(40, 10)
	in := seq(200)
	first, _ := b.Build(wordDecoder{}, in)
	second, _ := b.Build(wordDecoder{}, first)
	assert.Equal(t, first, second, "a window already under the cap passes through")
}

func TestAnchorCacheHitOnRepeat(t *testing.T) {
	b := New(40, 10)
	in := seq(200)

	_, hits := b.Build(wordDecoder{}, in)
	assert.Equal(t, 0, hits)

	_, hits = b.Build(wordDecoder{}, in)
	assert.Equal(t, 1, hits, "identical retained tokens hit the boundary cache")
	assert.Equal(t, uint64(1), b.CacheHits())
}

func TestAnchorCacheClearsAtLimit(t *testing.T) {
	b := New(10, 2)
	for i := 0; i < anchorCacheLimit+20; i++ {
		in := seq(30)
		in[0] = 1000 + i // unique content per iteration
		b.Build(wordDecoder{}, in)
	}
	assert.LessOrEqual(t, len(b.anchorCache), anchorCacheLimit)
}

// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package contextbuilder assembles the final prompt window from a
// policy's retained tokens.
//
// The builder is deterministic: given the same retained tokens it always
// produces the same window, regardless of which policy produced them. It
// keeps a recent tail window, preserves sentence-boundary anchor
// positions across the whole sequence, and trims from the head when the
// union still exceeds the cap.
package contextbuilder

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
	"strings"
)

// Decoder turns token IDs back into text. Only single-token decodes are
// required by the builder.
type Decoder interface {
	Decode(tokens []int) (string, error)
}

// DefaultWindowSize is the tail window preserved verbatim.
const DefaultWindowSize = 256

// anchorCacheLimit caps the boundary cache; at the limit the cache is
// cleared wholesale rather than evicted piecemeal, matching the
// flat cost profile of recomputing anchors for a fresh conversation.
const anchorCacheLimit = 100

// Builder produces bounded context windows.
//
// Thread Safety: not safe for concurrent use. The engine serializes
// turns, so the builder never sees concurrent calls.
type Builder struct {
	maxTokens  int
	windowSize int

	anchorCache map[uint64][]int
	cacheHits   uint64
}

// New creates a Builder capped at maxTokens. windowSize values of zero
// or less select DefaultWindowSize.
func New(maxTokens, windowSize int) *Builder {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Builder{
		maxTokens:   maxTokens,
		windowSize:  windowSize,
		anchorCache: make(map[uint64][]int),
	}
}

// CacheHits returns the cumulative anchor cache hit count.
func (b *Builder) CacheHits() uint64 { return b.cacheHits }

// Build selects at most maxTokens tokens from the policy's output.
//
// Inputs:
//   - dec: Decoder used to locate sentence boundaries.
//   - policyOut: The tokens a memory policy chose to retain.
//
// Outputs:
//   - []int: The context window, never longer than maxTokens.
//   - int: Anchor cache hits incurred by this call.
func (b *Builder) Build(dec Decoder, policyOut []int) ([]int, int) {
	hitsBefore := b.cacheHits

	if len(policyOut) <= b.maxTokens {
		return policyOut, int(b.cacheHits - hitsBefore)
	}

	anchors := b.boundaries(dec, policyOut)

	keep := make(map[int]struct{}, b.windowSize+len(anchors))
	start := len(policyOut) - b.windowSize
	if start < 0 {
		start = 0
	}
	for i := start; i < len(policyOut); i++ {
		keep[i] = struct{}{}
	}
	for _, a := range anchors {
		keep[a] = struct{}{}
	}

	kept := make([]int, 0, len(keep))
	for i := range keep {
		kept = append(kept, i)
	}
	sort.Ints(kept)
	if len(kept) > b.maxTokens {
		kept = kept[len(kept)-b.maxTokens:]
	}

	out := make([]int, len(kept))
	for i, idx := range kept {
		out[i] = policyOut[idx]
	}
	return out, int(b.cacheHits - hitsBefore)
}

// boundaries returns sorted anchor positions: position 0, the last
// position, and every position following a token that decodes to text
// containing a sentence terminator or newline. Results are memoized by
// token-content hash.
func (b *Builder) boundaries(dec Decoder, toks []int) []int {
	key := tokenKey(toks)
	if cached, ok := b.anchorCache[key]; ok {
		b.cacheHits++
		return cached
	}

	set := map[int]struct{}{0: {}}
	for i := 0; i < len(toks)-1; i++ {
		text, err := dec.Decode(toks[i : i+1])
		if err != nil {
			// An undecodable token ends the scan; the positional
			// anchors below still apply.
			break
		}
		if strings.ContainsAny(text, ".!?\n") {
			set[i+1] = struct{}{}
		}
	}
	if len(toks) > 0 {
		set[len(toks)-1] = struct{}{}
	}

	result := make([]int, 0, len(set))
	for i := range set {
		if i >= 0 && i < len(toks) {
			result = append(result, i)
		}
	}
	sort.Ints(result)

	if len(b.anchorCache) < anchorCacheLimit {
		b.anchorCache[key] = result
	} else {
		b.anchorCache = make(map[uint64][]int)
	}
	return result
}

func tokenKey(toks []int) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, t := range toks {
		binary.LittleEndian.PutUint64(buf[:], uint64(t))
		h.Write(buf[:])
	}
	return h.Sum64()
}

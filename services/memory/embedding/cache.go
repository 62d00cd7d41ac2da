// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package embedding provides a content-addressed embedding cache and the
// clustering used to pick semantic representatives from span embeddings.
package embedding

import (
	"container/list"
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"
)

// TextEncoder produces one embedding per input text, in input order.
type TextEncoder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// DefaultCacheSize bounds the cache when the caller passes zero.
const DefaultCacheSize = 2048

// CacheStats counts cache activity since construction or Reset.
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

// HitRate returns Hits/(Hits+Misses), or 0 with no lookups.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache memoizes span embeddings keyed by the span's token content.
// Identical token sequences hit the cache regardless of their position
// in the buffer. Eviction is LRU.
//
// Thread Safety: all methods are safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	encoder  TextEncoder
	capacity int
	entries  map[uint64]*list.Element
	order    *list.List // front = most recently used

	hits      uint64
	misses    uint64
	evictions uint64
}

type cacheEntry struct {
	key    uint64
	vector []float32
}

// NewCache wraps encoder with an LRU of the given capacity.
// A capacity of zero or less selects DefaultCacheSize.
func NewCache(encoder TextEncoder, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &Cache{
		encoder:  encoder,
		capacity: capacity,
		entries:  make(map[uint64]*list.Element),
		order:    list.New(),
	}
}

// SpanKey hashes a token span with FNV-64a. The key depends only on the
// token IDs, so a span re-encountered after buffer eviction still hits.
func SpanKey(tokens []int) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, tok := range tokens {
		binary.LittleEndian.PutUint64(buf[:], uint64(tok))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// EncodeSpans returns one embedding per span, batch-encoding only the
// spans missing from the cache. texts[i] must be the decoded form of
// spans[i]; it is what the underlying encoder sees on a miss.
//
// Outputs:
//   - [][]float32: Embeddings aligned with spans. Cached vectors are
//     shared, not copied; callers must not mutate them.
//   - error: Non-nil if the underlying encoder failed; no partial
//     results are returned.
func (c *Cache) EncodeSpans(ctx context.Context, spans [][]int, texts []string) ([][]float32, error) {
	if len(spans) != len(texts) {
		return nil, fmt.Errorf("embedding: %d spans but %d texts", len(spans), len(texts))
	}

	keys := make([]uint64, len(spans))
	result := make([][]float32, len(spans))
	var missIdx []int

	c.mu.Lock()
	for i, span := range spans {
		keys[i] = SpanKey(span)
		if vec, ok := c.get(keys[i]); ok {
			result[i] = vec
			c.hits++
		} else {
			missIdx = append(missIdx, i)
			c.misses++
		}
	}
	c.mu.Unlock()

	if len(missIdx) == 0 {
		return result, nil
	}

	missTexts := make([]string, len(missIdx))
	for j, i := range missIdx {
		missTexts[j] = texts[i]
	}

	vecs, err := c.encoder.EmbedTexts(ctx, missTexts)
	if err != nil {
		return nil, fmt.Errorf("embedding: encode %d spans: %w", len(missTexts), err)
	}
	if len(vecs) != len(missIdx) {
		return nil, fmt.Errorf("embedding: encoder returned %d vectors for %d texts", len(vecs), len(missTexts))
	}

	c.mu.Lock()
	for j, i := range missIdx {
		result[i] = vecs[j]
		c.put(keys[i], vecs[j])
	}
	c.mu.Unlock()

	return result, nil
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
	}
}

// Reset drops all cached vectors and zeroes the counters.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*list.Element)
	c.order.Init()
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// get must be called with c.mu held.
func (c *Cache) get(key uint64) ([]float32, bool) {
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).vector, true
}

// put must be called with c.mu held.
func (c *Cache) put(key uint64, vec []float32) {
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).vector = vec
		c.order.MoveToFront(elem)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, vector: vec})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
		c.evictions++
	}
}

// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEncoder embeds each text as a deterministic 2-dim vector and
// records how many texts it was asked to encode.
type countingEncoder struct {
	calls int
	texts int
	fail  bool
}

func (e *countingEncoder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	e.texts += len(texts)
	if e.fail {
		return nil, errors.New("encoder offline")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), float32(len(t) % 3)}
	}
	return out, nil
}

func TestEncodeSpansCachesByContent(t *testing.T) {
	enc := &countingEncoder{}
	c := NewCache(enc, 16)
	ctx := context.Background()

	spans := [][]int{{1, 2, 3}, {4, 5}}
	texts := []string{"one two three", "four five"}

	first, err := c.EncodeSpans(ctx, spans, texts)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 2, enc.texts)

	// Same token content at a different buffer position still hits.
	second, err := c.EncodeSpans(ctx, spans, texts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, enc.texts, "no new encoder work on full hit")

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-9)
}

func TestEncodeSpansPartialMiss(t *testing.T) {
	enc := &countingEncoder{}
	c := NewCache(enc, 16)
	ctx := context.Background()

	_, err := c.EncodeSpans(ctx, [][]int{{1, 2}}, []string{"ab"})
	require.NoError(t, err)

	got, err := c.EncodeSpans(ctx, [][]int{{1, 2}, {3, 4}}, []string{"ab", "cd"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, enc.calls)
	assert.Equal(t, 2, enc.texts, "only the new span reached the encoder")
}

func TestEncodeSpansLengthMismatch(t *testing.T) {
	c := NewCache(&countingEncoder{}, 16)
	_, err := c.EncodeSpans(context.Background(), [][]int{{1}}, nil)
	assert.Error(t, err)
}

func TestEncoderFailurePropagates(t *testing.T) {
	c := NewCache(&countingEncoder{fail: true}, 16)
	_, err := c.EncodeSpans(context.Background(), [][]int{{1}}, []string{"a"})
	assert.Error(t, err)
}

func TestCacheEvictsLRU(t *testing.T) {
	enc := &countingEncoder{}
	c := NewCache(enc, 2)
	ctx := context.Background()

	_, err := c.EncodeSpans(ctx,
		[][]int{{1}, {2}, {3}},
		[]string{"a", "b", "c"})
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, uint64(1), stats.Evictions)

	// Span {1} was evicted; re-encoding it is a miss.
	_, err = c.EncodeSpans(ctx, [][]int{{1}}, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), c.Stats().Misses)
}

func TestSpanKeyDistinguishesOrder(t *testing.T) {
	assert.NotEqual(t, SpanKey([]int{1, 2}), SpanKey([]int{2, 1}))
	assert.Equal(t, SpanKey([]int{1, 2}), SpanKey([]int{1, 2}))
}

func TestFitSeparatesObviousClusters(t *testing.T) {
	embs := [][]float32{
		{0, 0}, {0.1, 0}, {0, 0.1},
		{10, 10}, {10.1, 10}, {10, 10.1},
	}
	cl := NewClusterer(1, 20)
	a := cl.Fit(embs, 2)

	require.Len(t, a.Labels, 6)
	assert.Equal(t, a.Labels[0], a.Labels[1])
	assert.Equal(t, a.Labels[0], a.Labels[2])
	assert.Equal(t, a.Labels[3], a.Labels[4])
	assert.Equal(t, a.Labels[3], a.Labels[5])
	assert.NotEqual(t, a.Labels[0], a.Labels[3])
	assert.ElementsMatch(t, []int{3, 3}, a.Counts)
}

func TestFitTrivialWhenKExceedsN(t *testing.T) {
	cl := NewClusterer(1, 20)
	a := cl.Fit([][]float32{{1, 0}, {0, 1}}, 5)
	assert.Equal(t, []int{0, 1}, a.Labels)
	assert.Len(t, a.Centroids, 2)
}

func TestWarmStartKeepsClusterIdentities(t *testing.T) {
	embs := [][]float32{
		{0, 0}, {0.1, 0},
		{10, 10}, {10.1, 10},
	}
	cl := NewClusterer(1, 20)
	first := cl.Fit(embs, 2)
	second := cl.Fit(embs, 2)
	// With unchanged data and warm-started centroids, labels are stable.
	assert.Equal(t, first.Labels, second.Labels)
}

func TestSelectRepresentativesOnePerCluster(t *testing.T) {
	embs := [][]float32{
		{0, 0}, {0.1, 0},
		{10, 10}, {10.1, 10},
	}
	cl := NewClusterer(1, 20)
	a := cl.Fit(embs, 2)

	reps := SelectRepresentatives(a, embs, 0)
	require.Len(t, reps, 2)
	assert.True(t, reps[0] < reps[1], "representatives must be sorted")
	assert.NotEqual(t, a.Labels[reps[0]], a.Labels[reps[1]])
}

func TestSelectRepresentativesRecencyBias(t *testing.T) {
	// One tight cluster: with full recency bias the last member wins.
	embs := [][]float32{{0, 0}, {0.01, 0}, {0.02, 0}}
	cl := NewClusterer(1, 20)
	a := cl.Fit(embs, 1)

	reps := SelectRepresentatives(a, embs, 1.0)
	require.Len(t, reps, 1)
	assert.Equal(t, 2, reps[0])
}

func TestUniquenessFavorsSmallClusters(t *testing.T) {
	a := Assignment{
		Labels: []int{0, 0, 0, 1},
		Counts: []int{3, 1},
	}
	u := Uniqueness(a)
	require.Len(t, u, 4)
	assert.InDelta(t, 1.0, u[3], 1e-9, "singleton cluster normalizes to 1")
	assert.InDelta(t, 1.0/3.0, u[0], 1e-9)
}

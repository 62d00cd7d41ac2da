// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"context"
	"sort"
	"strings"

	"github.com/finitemem/finitemem/services/memory/embedding"
	"github.com/finitemem/finitemem/services/memory/knapsack"
)

// span is a half-open token range with its decoded text.
type span struct {
	start, end int
	text       string
}

// evictSemantic clusters overlapping token spans by embedding, keeps
// one representative span per cluster plus all recent spans, and trims
// the selection to budget with the knapsack selector.
func (e *Engine) evictSemantic(ctx context.Context, newTokens []int) []int {
	e.mu.Lock()
	cur := e.buf.Tokens()
	if len(cur)+len(newTokens) <= e.opts.MaxTokens {
		e.appendLocked(newTokens)
		out := e.buf.Tokens()
		e.mu.Unlock()
		return out
	}
	e.mu.Unlock()

	if e.cache == nil {
		return e.evictSliding(ctx, newTokens)
	}

	spans := e.spanize(cur, embedSpanSize, embedSpanStride)
	if len(spans) < max(2, e.opts.SemanticClusters*2) {
		return e.evictSliding(ctx, newTokens)
	}

	embs, err := e.embedSpans(ctx, cur, spans)
	if err != nil {
		e.logger.Warn("span embedding failed, falling back to sliding", "error", err.Error())
		e.mu.Lock()
		e.stats.FallbackCount++
		e.mu.Unlock()
		return e.evictSliding(ctx, newTokens)
	}

	keepSpans := e.selectSpans(cur, spans, embs, len(newTokens))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buf.Len() != len(cur) {
		return e.slideLocked(newTokens)
	}

	var newBuf []int
	for _, i := range keepSpans {
		s := spans[i]
		start := min(max(s.start, 0), len(cur))
		end := min(max(s.end, start), len(cur))
		newBuf = append(newBuf, cur[start:end]...)
	}

	if merged := len(spans) - len(keepSpans); merged > 0 {
		e.stats.ClustersMerged += merged
	}
	if evicted := len(cur) - len(newBuf); evicted > 0 {
		e.stats.Evictions += evicted
	}

	e.replaceLocked(newBuf, nil)
	e.appendLocked(newTokens)
	return e.buf.Tokens()
}

// selectSpans picks the span indices to keep: cluster representatives,
// recent spans, then a knapsack trim to the token budget.
func (e *Engine) selectSpans(cur []int, spans []span, embs [][]float32, nNew int) []int {
	assignment := e.cluster.Fit(embs, e.opts.SemanticClusters)
	reps := embedding.SelectRepresentatives(assignment, embs, e.opts.RecencyBias)

	keep := make(map[int]struct{}, len(reps))
	for _, i := range reps {
		keep[i] = struct{}{}
	}

	// Recent spans always survive clustering.
	recencyThreshold := len(cur) - e.opts.MaxTokens/4
	for i, s := range spans {
		if s.start >= recencyThreshold {
			keep[i] = struct{}{}
		}
	}

	items := make([]knapsack.Item, 0, len(keep))
	for i := range keep {
		items = append(items, knapsack.Item{
			ID:    i,
			Start: spans[i].start,
			End:   spans[i].end,
			Value: float64(spans[i].end - spans[i].start),
		})
	}

	budget := e.opts.MaxTokens - nNew
	chosen := knapsack.AutoChoose(items, budget)
	sort.Ints(chosen)
	return chosen
}

// spanize cuts tokens into overlapping spans, decoding each one and
// dropping spans whose text is blank.
func (e *Engine) spanize(tokens []int, size, stride int) []span {
	var out []span
	for i := 0; i < len(tokens); i += stride {
		end := min(i+size, len(tokens))
		if end <= i {
			break
		}
		text, err := e.gen.Decode(tokens[i:end])
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, span{start: i, end: end, text: text})
	}
	return out
}

// embedSpans runs the spans through the content-addressed cache.
func (e *Engine) embedSpans(ctx context.Context, tokens []int, spans []span) ([][]float32, error) {
	spanTokens := make([][]int, len(spans))
	texts := make([]string, len(spans))
	for i, s := range spans {
		spanTokens[i] = tokens[s.start:s.end]
		texts[i] = s.text
	}
	return e.cache.EncodeSpans(ctx, spanTokens, texts)
}

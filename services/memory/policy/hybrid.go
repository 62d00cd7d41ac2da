// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"context"

	"github.com/finitemem/finitemem/services/memory/embedding"
)

const (
	hybridImportanceWeight = 0.6
	hybridSemanticWeight   = 0.4
)

// evictHybrid blends per-token importance with semantic uniqueness and
// keeps the top-scoring tokens plus a recent tail. Tokens in small
// embedding clusters score higher on uniqueness; when the backend
// cannot embed, the semantic term is zero and the policy reduces to
// importance.
func (e *Engine) evictHybrid(ctx context.Context, newTokens []int) []int {
	e.mu.Lock()
	cur := e.buf.Tokens()
	if len(cur)+len(newTokens) <= e.opts.MaxTokens {
		e.appendLocked(newTokens)
		out := e.buf.Tokens()
		e.mu.Unlock()
		return out
	}
	e.mu.Unlock()

	imp := e.collectImportance(ctx, cur, hybridProbes)
	if imp == nil {
		imp = recencyRamp(len(cur))
	}

	sem := e.semanticScores(ctx, cur)

	combined := make([]float64, len(cur))
	for i := range combined {
		combined[i] = hybridImportanceWeight*imp[i] + hybridSemanticWeight*sem[i]
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buf.Len() != len(cur) {
		return e.slideLocked(newTokens)
	}

	target := e.opts.MaxTokens - len(newTokens)
	recencyBudget := max(minRecencyBudget, target/4)
	scoredBudget := max(0, target-recencyBudget)

	keep := make(map[int]struct{})
	if scoredBudget > 0 {
		for _, i := range rankByScore(combined)[:min(scoredBudget, len(cur))] {
			keep[i] = struct{}{}
		}
	}
	for i := max(0, len(cur)-recencyBudget); i < len(cur); i++ {
		keep[i] = struct{}{}
	}

	kept := sortedKeys(keep)
	newBuf := make([]int, len(kept))
	for j, i := range kept {
		newBuf[j] = cur[i]
	}

	if evicted := len(cur) - len(newBuf); evicted > 0 {
		e.stats.Evictions += evicted
	}

	e.replaceLocked(newBuf, nil)
	e.appendLocked(newTokens)
	return e.buf.Tokens()
}

// semanticScores maps span-level uniqueness down to per-token scores,
// normalized to [0,1]. Failures yield zeros, never an error.
func (e *Engine) semanticScores(ctx context.Context, cur []int) []float64 {
	out := make([]float64, len(cur))
	if e.cache == nil {
		return out
	}

	spans := e.spanize(cur, embedSpanSize, embedSpanStride)
	if len(spans) < 2 {
		return out
	}

	embs, err := e.embedSpans(ctx, cur, spans)
	if err != nil {
		e.logger.Debug("hybrid span embedding failed", "error", err.Error())
		return out
	}

	assignment := e.cluster.Fit(embs, e.opts.SemanticClusters)
	uniq := embedding.Uniqueness(assignment)
	for i, s := range spans {
		for j := s.start; j < min(s.end, len(cur)); j++ {
			out[j] = uniq[i]
		}
	}
	return out
}

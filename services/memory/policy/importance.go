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
)

// evictImportance keeps the highest-scoring tokens plus a recent tail.
// Scores come from model attention when the backend exposes it, then
// from logit probes, then from a recency ramp.
func (e *Engine) evictImportance(ctx context.Context, newTokens []int) []int {
	e.mu.Lock()
	cur := e.buf.Tokens()
	if len(cur)+len(newTokens) <= e.opts.MaxTokens {
		e.appendLocked(newTokens)
		out := e.buf.Tokens()
		e.mu.Unlock()
		return out
	}
	e.mu.Unlock()

	imp := e.collectImportance(ctx, cur, importanceProbes)

	e.mu.Lock()
	defer e.mu.Unlock()

	// The buffer may have changed while scoring (hard-deadline races);
	// rescore against reality rather than committing stale indices.
	if e.buf.Len() != len(cur) {
		return e.slideLocked(newTokens)
	}

	// Merge: a token's importance only ever ratchets up.
	if imp != nil {
		if len(e.attn) != len(cur) {
			e.attn = make([]float64, len(cur))
		}
		for i, s := range imp {
			if i < len(e.attn) && s > e.attn[i] {
				e.attn[i] = s
			}
		}
	}

	target := e.opts.MaxTokens - len(newTokens)
	recencyBudget := max(minRecencyBudget, target/4)
	importanceBudget := max(0, target-recencyBudget)

	keep := make(map[int]struct{})
	if len(e.attn) == len(cur) && importanceBudget > 0 {
		for _, i := range rankByScore(e.attn)[:min(importanceBudget, len(cur))] {
			keep[i] = struct{}{}
		}
	}
	for i := max(0, len(cur)-recencyBudget); i < len(cur); i++ {
		keep[i] = struct{}{}
	}

	kept := sortedKeys(keep)
	newBuf := make([]int, len(kept))
	newScores := make([]float64, len(kept))
	for j, i := range kept {
		newBuf[j] = cur[i]
		if i < len(e.attn) {
			newScores[j] = e.attn[i]
		}
	}

	evicted := len(cur) - len(newBuf)
	if evicted > 0 {
		e.stats.Evictions += evicted
		e.stats.ImportanceEvictions += evicted
	}

	e.replaceLocked(newBuf, newScores)
	e.appendLocked(newTokens)
	return e.buf.Tokens()
}

// collectImportance returns one score per token of ctxIDs, or nil when
// no scoring path is available for a short context.
func (e *Engine) collectImportance(ctx context.Context, ctxIDs []int, nProbes int) []float64 {
	if scorer := e.caps.Scorer(); scorer != nil {
		scores, err := scorer.AttentionScores(ctx, ctxIDs)
		if err == nil && len(scores) == len(ctxIDs) {
			return scores
		}
		if err != nil {
			e.logger.Debug("attention scoring failed", "error", err.Error())
		}
	}
	if len(ctxIDs) > probeSpanSize {
		return e.logitProbeImportance(ctx, ctxIDs, nProbes, probeSpanSize)
	}
	return nil
}

// logitProbeImportance scores tokens by masking spans and measuring the
// model's top-logit shift. Without a prober it falls back to a recency
// ramp in [0.3, 1.0].
func (e *Engine) logitProbeImportance(ctx context.Context, ctxIDs []int, nProbes, spanSize int) []float64 {
	n := len(ctxIDs)
	if n < spanSize {
		return onesSlice(n)
	}

	prober := e.caps.Prober()
	if prober == nil {
		return recencyRamp(n)
	}

	baseline, err := prober.TopLogit(ctx, ctxIDs, 0, 0)
	if err != nil {
		e.logger.Debug("logit probe baseline failed", "error", err.Error())
		return recencyRamp(n)
	}

	scores := make([]float64, n)
	nSpans := max(1, n/spanSize)
	for _, spanIdx := range spreadIndices(nSpans, min(nProbes, nSpans)) {
		start := spanIdx * spanSize
		end := min(start+spanSize, n)
		if end-start >= n {
			continue
		}
		masked, probeErr := prober.TopLogit(ctx, ctxIDs, start, end)
		if probeErr != nil {
			e.logger.Debug("logit probe failed", "error", probeErr.Error())
			return recencyRamp(n)
		}
		delta := baseline - masked
		if delta < 0 {
			delta = -delta
		}
		for i := start; i < end; i++ {
			scores[i] += delta
		}
	}

	maxScore := 0.0
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	if maxScore > 0 {
		for i := range scores {
			scores[i] /= maxScore
		}
	}
	return scores
}

// rankByScore orders indices by score descending; equal scores prefer
// the higher index so ties break toward recency.
func rankByScore(scores []float64) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		ia, ib := idx[a], idx[b]
		if scores[ia] != scores[ib] {
			return scores[ia] > scores[ib]
		}
		return ia > ib
	})
	return idx
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func onesSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1.0
	}
	return out
}

// recencyRamp assigns scores from 0.3 (oldest) to 1.0 (newest).
func recencyRamp(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		recency := 0.0
		if n > 1 {
			recency = float64(i) / float64(n-1)
		}
		out[i] = 0.3 + 0.7*recency
	}
	return out
}

// spreadIndices returns count indices spread evenly over [0, spans-1].
func spreadIndices(spans, count int) []int {
	if count <= 1 {
		return []int{0}
	}
	out := make([]int, count)
	for j := range out {
		out[j] = j * (spans - 1) / (count - 1)
	}
	return out
}

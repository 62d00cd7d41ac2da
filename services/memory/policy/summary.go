// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"context"
	"strings"
)

const (
	// summaryCharLimit bounds the extractive summary text.
	summaryCharLimit = 200

	// maxSummaryTokens is the absolute cap on one summary's length.
	maxSummaryTokens = 128
)

// evictRollingSummary periodically compresses the older half of the
// buffer into a short extractive summary that is verified by the QA
// gate, then appends new tokens with FIFO overflow handling.
func (e *Engine) evictRollingSummary(ctx context.Context, newTokens []int) []int {
	e.mu.Lock()
	e.tokensSinceSummary += len(newTokens)
	due := e.tokensSinceSummary >= e.opts.SummaryInterval && e.buf.Len() > e.opts.SummaryInterval
	var toSum, keepRecent []int
	if due {
		cur := e.buf.Tokens()
		cutoff := len(cur) / 2
		toSum = cur[:cutoff]
		keepRecent = cur[cutoff:]
	}
	e.mu.Unlock()

	if due {
		capTokens := min(maxSummaryTokens, e.opts.MaxTokens/8)
		summary := e.createSummary(toSum, capTokens)

		e.mu.Lock()
		rebuilt := make([]int, 0, len(e.summaryTokens)+len(summary)+len(keepRecent))
		rebuilt = append(rebuilt, e.summaryTokens...)
		rebuilt = append(rebuilt, summary...)
		rebuilt = append(rebuilt, keepRecent...)
		e.replaceLocked(rebuilt, nil)

		e.summaryTokens = append(e.summaryTokens, summary...)
		carriedLimit := e.opts.MaxTokens / 4
		needsResummarize := len(e.summaryTokens) > carriedLimit
		carried := append([]int(nil), e.summaryTokens...)
		e.tokensSinceSummary = 0
		e.mu.Unlock()

		// Re-summarize the carried summary when it grows past a quarter
		// of the budget, so old summaries shrink instead of accreting.
		if needsResummarize {
			condensed := e.createSummary(carried, e.opts.MaxTokens/8)
			e.mu.Lock()
			e.summaryTokens = condensed
			e.mu.Unlock()
		}
	}

	return e.evictSliding(ctx, newTokens)
}

// createSummary produces a naive extractive summary: the first sentence
// of the decoded text, capped at summaryCharLimit characters. The QA
// gate rejects summaries that hallucinate facts; on rejection the
// summary degrades to plain truncation of the source text. Decode or
// encode failures degrade further to raw token truncation.
func (e *Engine) createSummary(tokens []int, maxSummary int) []int {
	if len(tokens) == 0 {
		return nil
	}
	if maxSummary <= 0 {
		maxSummary = 1
	}

	text, err := e.gen.Decode(tokens)
	if err != nil {
		return clipTokens(tokens, maxSummary)
	}

	sentence, _, _ := strings.Cut(text, ".")
	summaryText := clipRunes(sentence, summaryCharLimit)
	if summaryText == "" {
		summaryText = clipRunes(text, summaryCharLimit)
	}

	if !e.gate.Verify(text, summaryText) {
		e.logger.Warn("summary failed verification, using truncation fallback")
		summaryText = clipRunes(text, maxSummary*4)
	}

	ids, err := e.gen.Encode(summaryText)
	if err != nil {
		return clipTokens(tokens, maxSummary)
	}

	e.mu.Lock()
	e.stats.SummariesCreated++
	e.mu.Unlock()

	return clipTokens(ids, maxSummary)
}

func clipTokens(tokens []int, n int) []int {
	if len(tokens) <= n {
		return append([]int(nil), tokens...)
	}
	return append([]int(nil), tokens[:n]...)
}

func clipRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

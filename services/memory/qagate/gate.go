// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package qagate verifies summary fidelity by checking for hallucinated
// facts.
//
// The gate extracts three fact categories from both the source text and
// the summary: numeric/date tokens, capitalized proper-name candidates,
// and quoted substrings. Facts that appear in the summary but not in the
// source are hallucinations; fidelity is the fraction of summary facts
// that are grounded. A summary with no extractable facts trivially passes
// (nothing to falsify), as does an empty summary.
package qagate

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	reDecimal   = regexp.MustCompile(`\b\d+\.\d+\b`)
	reYear      = regexp.MustCompile(`\b\d{4}\b`)
	reInteger   = regexp.MustCompile(`\b\d+\b`)
	reSlashDate = regexp.MustCompile(`\d{1,2}/\d{1,2}/\d{2,4}`)
	reDashDate  = regexp.MustCompile(`\d{1,2}-\d{1,2}-\d{2,4}`)
	reNonWord   = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
	reDouble    = regexp.MustCompile(`"([^"]+)"`)
	reSingle    = regexp.MustCompile(`'([^']+)'`)
)

// Gate verifies that generated summaries do not introduce facts absent
// from their source.
type Gate struct {
	// Strict fails the check on any hallucinated fact. When false, the
	// gate passes as long as fidelity meets Threshold.
	Strict bool

	// Threshold is the minimum grounded-fact fraction in lenient mode.
	Threshold float64
}

// DefaultThreshold is the lenient-mode fidelity floor.
const DefaultThreshold = 0.75

// New creates a lenient Gate with the default threshold.
func New() *Gate {
	return &Gate{Threshold: DefaultThreshold}
}

// NewStrict creates a Gate that rejects any hallucinated fact.
func NewStrict() *Gate {
	return &Gate{Strict: true, Threshold: DefaultThreshold}
}

// Report details a single verification.
type Report struct {
	// SummaryFacts is the number of facts extracted from the summary.
	SummaryFacts int

	// Hallucinated is the number of summary facts absent from the source.
	Hallucinated int

	// Fidelity is 1 - Hallucinated/SummaryFacts, or 1.0 when the summary
	// has no extractable facts.
	Fidelity float64

	// Passed reports whether the gate's mode accepts this summary.
	Passed bool
}

// Verify reports whether the summary's facts are grounded in the source.
func (g *Gate) Verify(source, summary string) bool {
	return g.Inspect(source, summary).Passed
}

// Inspect runs verification and returns the full report.
func (g *Gate) Inspect(source, summary string) Report {
	if strings.TrimSpace(summary) == "" {
		// Vacuous truth: an empty summary claims nothing.
		return Report{Fidelity: 1.0, Passed: true}
	}

	srcNumbers := extractNumbers(source)
	sumNumbers := extractNumbers(summary)
	srcNames := extractProperNames(source)
	sumNames := extractProperNames(summary)
	srcQuotes := extractQuoted(source)
	sumQuotes := extractQuoted(summary)

	total := len(sumNumbers) + len(sumNames) + len(sumQuotes)
	if total == 0 {
		return Report{Fidelity: 1.0, Passed: true}
	}

	hallucinated := countMissing(sumNumbers, srcNumbers) +
		countMissing(sumNames, srcNames) +
		countMissing(sumQuotes, srcQuotes)

	fidelity := 1.0 - float64(hallucinated)/float64(total)

	passed := fidelity >= g.Threshold
	if g.Strict {
		passed = hallucinated == 0
	}

	return Report{
		SummaryFacts: total,
		Hallucinated: hallucinated,
		Fidelity:     fidelity,
		Passed:       passed,
	}
}

// RegenerateFunc produces a replacement summary for VerifyWithRetry.
type RegenerateFunc func(ctx context.Context) (string, error)

// VerifyWithRetry verifies the summary and, on failure, re-invokes the
// caller-supplied regenerate function up to maxRetries times until a
// summary passes or attempts are exhausted.
//
// Outputs:
//   - string: The final summary (the last attempt, passing or not).
//   - bool: Whether the final summary passed verification.
func (g *Gate) VerifyWithRetry(ctx context.Context, source, summary string, regen RegenerateFunc, maxRetries int) (string, bool) {
	current := summary
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if g.Verify(source, current) {
			return current, true
		}
		if attempt == maxRetries || regen == nil {
			break
		}
		next, err := regen(ctx)
		if err != nil {
			break
		}
		current = next
	}
	return current, false
}

// extractNumbers collects integers, decimals, 4-digit years, and
// slash/dash dates.
func extractNumbers(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, re := range []*regexp.Regexp{reDecimal, reYear, reInteger, reSlashDate, reDashDate} {
		for _, m := range re.FindAllString(text, -1) {
			out[m] = struct{}{}
		}
	}
	return out
}

// extractProperNames collects capitalized words that are not the opening
// word of a sentence. A capitalized word immediately following
// sentence-ending punctuation (or starting the text) is assumed to owe
// its capital to sentence position, not to being a name.
func extractProperNames(text string) map[string]struct{} {
	words := strings.Fields(text)
	out := make(map[string]struct{})

	for i, word := range words {
		clean := reNonWord.ReplaceAllString(word, "")
		if clean == "" {
			continue
		}
		first, _ := utf8.DecodeRuneInString(clean)
		if !unicode.IsUpper(first) {
			continue
		}
		if i == 0 {
			continue
		}
		prev := words[i-1]
		if strings.HasSuffix(prev, ".") || strings.HasSuffix(prev, "!") || strings.HasSuffix(prev, "?") {
			continue
		}
		out[clean] = struct{}{}
	}
	return out
}

// extractQuoted collects substrings inside double or single quotes.
func extractQuoted(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, re := range []*regexp.Regexp{reDouble, reSingle} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			out[m[1]] = struct{}{}
		}
	}
	return out
}

func countMissing(candidates, source map[string]struct{}) int {
	missing := 0
	for c := range candidates {
		if _, ok := source[c]; !ok {
			missing++
		}
	}
	return missing
}

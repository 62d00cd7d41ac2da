// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package knapsack implements budget-constrained span selection for
// memory policies.
//
// Given a set of spans with values and a token budget, ChooseUnderBudget
// picks spans that maximize value while never exceeding the budget. The
// greedy value-per-token heuristic is an approximation; ChooseUnderBudgetExact
// is the dynamic-programming variant, provably optimal but O(n·budget), for
// small item counts.
package knapsack

import "sort"

// Item is a candidate span with a selection value. Start/End are a
// half-open range over some token sequence; the span's size is End-Start
// (clamped to at least 1 so zero-width items cannot be selected for free).
type Item struct {
	ID    int
	Start int
	End   int
	Value float64
}

// Size returns the token cost of selecting the item.
func (it Item) Size() int {
	if it.End-it.Start < 1 {
		return 1
	}
	return it.End - it.Start
}

// ChooseUnderBudget selects item IDs to maximize value under the budget
// using a greedy value-per-token heuristic.
//
// The selection never exceeds the budget. Returns the chosen item IDs in
// ascending order. An empty input or non-positive budget yields nil.
func ChooseUnderBudget(items []Item, budget int) []int {
	if len(items) == 0 || budget <= 0 {
		return nil
	}

	ranked := make([]Item, len(items))
	copy(ranked, items)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Value/float64(ranked[i].Size()) > ranked[j].Value/float64(ranked[j].Size())
	})

	var selected []int
	total := 0
	for _, it := range ranked {
		if total+it.Size() <= budget {
			selected = append(selected, it.ID)
			total += it.Size()
		}
	}

	sort.Ints(selected)
	return selected
}

// ChooseUnderBudgetExact selects item IDs using 0/1-knapsack dynamic
// programming. The result is optimal: its total value is always at least
// that of the greedy selection for the same input.
//
// Cost is O(len(items)·budget); intended for small item counts. Callers
// choose between this and ChooseUnderBudget based on the item-count and
// latency trade-off (see AutoChoose).
func ChooseUnderBudgetExact(items []Item, budget int) []int {
	if len(items) == 0 || budget <= 0 {
		return nil
	}

	n := len(items)
	sizes := make([]int, n)
	for i, it := range items {
		sizes[i] = it.Size()
	}

	// dp[i][w] = best value using items[0:i] with budget w.
	dp := make([][]float64, n+1)
	for i := range dp {
		dp[i] = make([]float64, budget+1)
	}

	for i := 1; i <= n; i++ {
		size := sizes[i-1]
		value := items[i-1].Value
		for w := 0; w <= budget; w++ {
			dp[i][w] = dp[i-1][w]
			if size <= w && dp[i-1][w-size]+value > dp[i][w] {
				dp[i][w] = dp[i-1][w-size] + value
			}
		}
	}

	var selected []int
	w := budget
	for i := n; i > 0; i-- {
		if dp[i][w] != dp[i-1][w] {
			selected = append(selected, items[i-1].ID)
			w -= sizes[i-1]
		}
	}

	sort.Ints(selected)
	return selected
}

// exactThreshold is the item count below which the DP variant is cheap
// enough to prefer unconditionally.
const exactThreshold = 64

// AutoChoose uses the exact DP variant when the item count is small and
// the greedy heuristic otherwise.
func AutoChoose(items []Item, budget int) []int {
	if len(items) <= exactThreshold {
		return ChooseUnderBudgetExact(items, budget)
	}
	return ChooseUnderBudget(items, budget)
}

// PartitionBudget splits an integer budget proportionally by weight into
// (recency, importance, semantic) shares. The remainder after integer
// division goes to the semantic share so the three parts always sum
// exactly to total. Zero total weight yields (0, 0, total).
func PartitionBudget(total int, recencyW, importanceW, semanticW float64) (recency, importance, semantic int) {
	if total <= 0 {
		return 0, 0, 0
	}
	sum := recencyW + importanceW + semanticW
	if sum <= 0 {
		return 0, 0, total
	}

	recency = int(float64(total) * recencyW / sum)
	importance = int(float64(total) * importanceW / sum)
	semantic = total - recency - importance
	return recency, importance, semantic
}

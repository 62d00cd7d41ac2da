// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package knapsack

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func totalSize(items []Item, ids []int) int {
	byID := make(map[int]Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	sum := 0
	for _, id := range ids {
		sum += byID[id].Size()
	}
	return sum
}

func totalValue(items []Item, ids []int) float64 {
	byID := make(map[int]Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	sum := 0.0
	for _, id := range ids {
		sum += byID[id].Value
	}
	return sum
}

func TestChooseUnderBudget(t *testing.T) {
	t.Run("prefers high value per token", func(t *testing.T) {
		items := []Item{
			{ID: 0, Start: 0, End: 10, Value: 5.0},
			{ID: 1, Start: 10, End: 20, Value: 3.0},
			{ID: 2, Start: 20, End: 30, Value: 8.0},
		}
		got := ChooseUnderBudget(items, 25)
		assert.Contains(t, got, 0)
		assert.Contains(t, got, 2)
		assert.NotContains(t, got, 1)
	})

	t.Run("empty input and zero budget", func(t *testing.T) {
		assert.Nil(t, ChooseUnderBudget(nil, 100))
		assert.Nil(t, ChooseUnderBudget([]Item{{ID: 0, End: 5, Value: 1}}, 0))
	})

	t.Run("returns sorted ids", func(t *testing.T) {
		items := []Item{
			{ID: 3, Start: 0, End: 2, Value: 1.0},
			{ID: 1, Start: 2, End: 4, Value: 9.0},
			{ID: 2, Start: 4, End: 6, Value: 5.0},
		}
		got := ChooseUnderBudget(items, 100)
		assert.Equal(t, []int{1, 2, 3}, got)
	})
}

func TestBudgetRespected(t *testing.T) {
	// Property: total selected size never exceeds the budget, for both
	// variants, across random inputs.
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(12)
		items := make([]Item, n)
		pos := 0
		for i := range items {
			size := 1 + rng.Intn(20)
			items[i] = Item{ID: i, Start: pos, End: pos + size, Value: rng.Float64() * 10}
			pos += size
		}
		budget := 1 + rng.Intn(pos)

		greedy := ChooseUnderBudget(items, budget)
		exact := ChooseUnderBudgetExact(items, budget)

		require.LessOrEqual(t, totalSize(items, greedy), budget, "greedy over budget")
		require.LessOrEqual(t, totalSize(items, exact), budget, "exact over budget")

		// The DP solution is optimal, so its value dominates greedy.
		require.GreaterOrEqual(t,
			totalValue(items, exact)+1e-9, totalValue(items, greedy),
			"exact value below greedy value")
	}
}

func TestChooseUnderBudgetExact(t *testing.T) {
	// Classic case where greedy by density is suboptimal: one dense small
	// item blocks two items that together are worth more.
	items := []Item{
		{ID: 0, Start: 0, End: 6, Value: 60}, // density 10
		{ID: 1, Start: 0, End: 5, Value: 45}, // density 9
		{ID: 2, Start: 0, End: 5, Value: 45}, // density 9
	}
	exact := ChooseUnderBudgetExact(items, 10)
	assert.Equal(t, []int{1, 2}, exact)
	assert.Equal(t, 90.0, totalValue(items, exact))
}

func TestPartitionBudget(t *testing.T) {
	tests := []struct {
		name                string
		total               int
		rw, iw, sw          float64
		wantR, wantI, wantS int
	}{
		{"even thirds with remainder to semantic", 100, 1, 1, 1, 33, 33, 34},
		{"default weights", 100, 0.25, 0.50, 0.25, 25, 50, 25},
		{"zero weights give all to semantic", 50, 0, 0, 0, 0, 0, 50},
		{"zero total", 0, 1, 1, 1, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, i, s := PartitionBudget(tt.total, tt.rw, tt.iw, tt.sw)
			assert.Equal(t, tt.wantR, r)
			assert.Equal(t, tt.wantI, i)
			assert.Equal(t, tt.wantS, s)
			assert.Equal(t, tt.total, r+i+s, "shares must sum to total")
		})
	}
}

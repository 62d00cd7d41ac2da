// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedding

import (
	"math"
	"math/rand"
	"sort"
)

// Assignment is the result of clustering a set of span embeddings.
type Assignment struct {
	// Centroids holds one mean vector per cluster.
	Centroids [][]float32

	// Labels maps each input embedding to its cluster index.
	Labels []int

	// Counts is the number of members per cluster.
	Counts []int
}

// Clusterer runs seeded k-means over span embeddings. Successive calls
// with the same k warm-start from the previous centroids, which keeps
// cluster identities stable across turns and converges in very few
// iterations once the conversation's topics settle.
//
// Thread Safety: a Clusterer is not safe for concurrent use; the engine
// owns one per session.
type Clusterer struct {
	maxIter int
	rng     *rand.Rand

	prev [][]float32
}

// NewClusterer creates a deterministic clusterer. maxIter values of zero
// or less select 10 iterations.
func NewClusterer(seed int64, maxIter int) *Clusterer {
	if maxIter <= 0 {
		maxIter = 10
	}
	return &Clusterer{
		maxIter: maxIter,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Fit clusters embs into k groups. When k exceeds the number of
// embeddings, every embedding gets its own cluster.
func (c *Clusterer) Fit(embs [][]float32, k int) Assignment {
	n := len(embs)
	if n == 0 || k <= 0 {
		c.prev = nil
		return Assignment{}
	}
	if k >= n {
		return c.trivial(embs)
	}

	centroids := c.initialCentroids(embs, k)
	labels := make([]int, n)

	for iter := 0; iter < c.maxIter; iter++ {
		changed := false
		for i, e := range embs {
			best := nearestCentroid(e, centroids)
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		centroids = recomputeCentroids(embs, labels, k, centroids)
		if !changed && iter > 0 {
			break
		}
	}

	counts := make([]int, k)
	for _, l := range labels {
		counts[l]++
	}

	c.prev = centroids
	return Assignment{Centroids: centroids, Labels: labels, Counts: counts}
}

// trivial assigns one cluster per embedding.
func (c *Clusterer) trivial(embs [][]float32) Assignment {
	n := len(embs)
	centroids := make([][]float32, n)
	labels := make([]int, n)
	counts := make([]int, n)
	for i, e := range embs {
		centroids[i] = append([]float32(nil), e...)
		labels[i] = i
		counts[i] = 1
	}
	c.prev = centroids
	return Assignment{Centroids: centroids, Labels: labels, Counts: counts}
}

// initialCentroids reuses the previous run's centroids when the cluster
// count and dimensionality are unchanged; otherwise it samples k
// distinct embeddings.
func (c *Clusterer) initialCentroids(embs [][]float32, k int) [][]float32 {
	if len(c.prev) == k && len(c.prev[0]) == len(embs[0]) {
		out := make([][]float32, k)
		for i, p := range c.prev {
			out[i] = append([]float32(nil), p...)
		}
		return out
	}

	perm := c.rng.Perm(len(embs))
	out := make([][]float32, k)
	for i := 0; i < k; i++ {
		out[i] = append([]float32(nil), embs[perm[i]]...)
	}
	return out
}

func nearestCentroid(e []float32, centroids [][]float32) int {
	best, bestDist := 0, math.Inf(1)
	for i, cen := range centroids {
		if d := sqDist(e, cen); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// recomputeCentroids averages cluster members. Empty clusters keep their
// old centroid so k stays fixed.
func recomputeCentroids(embs [][]float32, labels []int, k int, old [][]float32) [][]float32 {
	dim := len(embs[0])
	sums := make([][]float64, k)
	counts := make([]int, k)
	for i := range sums {
		sums[i] = make([]float64, dim)
	}
	for i, e := range embs {
		l := labels[i]
		counts[l]++
		for d, v := range e {
			sums[l][d] += float64(v)
		}
	}

	out := make([][]float32, k)
	for i := 0; i < k; i++ {
		if counts[i] == 0 {
			out[i] = old[i]
			continue
		}
		vec := make([]float32, dim)
		for d := 0; d < dim; d++ {
			vec[d] = float32(sums[i][d] / float64(counts[i]))
		}
		out[i] = vec
	}
	return out
}

func sqDist(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// SelectRepresentatives picks one span index per cluster, scoring each
// member by closeness to its centroid blended with recency:
//
//	score = (1 - normDist)*(1 - bias) + recency*bias
//
// where recency is the span's position normalized to [0,1] and normDist
// is its centroid distance normalized by the cluster's maximum. The
// returned indices are sorted ascending.
func SelectRepresentatives(a Assignment, embs [][]float32, recencyBias float64) []int {
	if len(a.Centroids) == 0 || len(embs) == 0 {
		return nil
	}
	if recencyBias < 0 {
		recencyBias = 0
	} else if recencyBias > 1 {
		recencyBias = 1
	}

	n := len(embs)
	k := len(a.Centroids)

	// Per-cluster max distance for normalization.
	maxDist := make([]float64, k)
	dists := make([]float64, n)
	for i, e := range embs {
		l := a.Labels[i]
		d := math.Sqrt(sqDist(e, a.Centroids[l]))
		dists[i] = d
		if d > maxDist[l] {
			maxDist[l] = d
		}
	}

	bestIdx := make([]int, k)
	bestScore := make([]float64, k)
	for i := range bestIdx {
		bestIdx[i] = -1
	}

	for i := range embs {
		l := a.Labels[i]
		normDist := 0.0
		if maxDist[l] > 0 {
			normDist = dists[i] / maxDist[l]
		}
		recency := 0.0
		if n > 1 {
			recency = float64(i) / float64(n-1)
		}
		score := (1-normDist)*(1-recencyBias) + recency*recencyBias
		// Ties favor the later span.
		if bestIdx[l] == -1 || score >= bestScore[l] {
			bestIdx[l] = i
			bestScore[l] = score
		}
	}

	var out []int
	for _, idx := range bestIdx {
		if idx >= 0 {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

// Uniqueness scores each span as the reciprocal of its cluster's size,
// normalized so the maximum is 1. Spans in small clusters carry
// information few other spans share.
func Uniqueness(a Assignment) []float64 {
	if len(a.Labels) == 0 {
		return nil
	}
	out := make([]float64, len(a.Labels))
	maxVal := 0.0
	for i, l := range a.Labels {
		v := 1.0 / float64(a.Counts[l])
		out[i] = v
		if v > maxVal {
			maxVal = v
		}
	}
	if maxVal > 0 {
		for i := range out {
			out[i] /= maxVal
		}
	}
	return out
}

// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"sort"
	"sync"
	"time"
)

// TurnMetrics captures one turn's observations.
type TurnMetrics struct {
	Timestamp        time.Time `json:"timestamp"`
	TokensSeen       int       `json:"tokens_seen"`
	TokensRetained   int       `json:"tokens_retained"`
	CompressionRatio float64   `json:"compression_ratio"`
	PolicyLatencyMS  float64   `json:"policy_latency_ms"`
	FallbackOccurred bool      `json:"fallback_occurred"`
	CacheHit         bool      `json:"cache_hit"`
	Evictions        int       `json:"evictions"`
}

// DefaultWindowTurns is the rolling window length when unset.
const DefaultWindowTurns = 100

// Window keeps a rolling window of recent turns plus cumulative
// counters, and aggregates them into a Summary on demand.
//
// Thread Safety: all methods are safe for concurrent use.
type Window struct {
	mu       sync.Mutex
	capacity int
	turns    []TurnMetrics
	head     int
	filled   bool

	totalTurns       int
	totalCacheHits   int
	totalCacheMisses int
	startTime        time.Time
}

// NewWindow creates a Window holding the most recent capacity turns.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowTurns
	}
	return &Window{
		capacity:  capacity,
		turns:     make([]TurnMetrics, capacity),
		startTime: time.Now(),
	}
}

// Observe records one completed turn. The stats argument carries the
// session's cumulative counters at the end of the turn.
func (w *Window) Observe(stats Stats, policyLatency time.Duration, cacheHit bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.turns[w.head] = TurnMetrics{
		Timestamp:        time.Now(),
		TokensSeen:       stats.TokensSeen,
		TokensRetained:   stats.TokensRetained,
		CompressionRatio: stats.CompressionRatio,
		PolicyLatencyMS:  float64(policyLatency.Microseconds()) / 1000.0,
		FallbackOccurred: stats.FallbackCount > 0,
		CacheHit:         cacheHit,
		Evictions:        stats.Evictions,
	}
	w.head = (w.head + 1) % w.capacity
	if w.head == 0 {
		w.filled = true
	}

	w.totalTurns++
	if cacheHit {
		w.totalCacheHits++
	} else {
		w.totalCacheMisses++
	}
}

// Summary aggregates the window and cumulative counters.
type Summary struct {
	TotalTurns    int     `json:"total_turns"`
	UptimeSeconds float64 `json:"uptime_seconds"`

	TokensPerSecond float64 `json:"tokens_per_second"`
	TurnsPerSecond  float64 `json:"turns_per_second"`

	AvgCompressionRatio float64 `json:"avg_compression_ratio"`
	MinCompressionRatio float64 `json:"min_compression_ratio"`
	MaxCompressionRatio float64 `json:"max_compression_ratio"`

	PolicyLatencyP50MS float64 `json:"policy_latency_p50_ms"`
	PolicyLatencyP95MS float64 `json:"policy_latency_p95_ms"`
	PolicyLatencyP99MS float64 `json:"policy_latency_p99_ms"`
	PolicyLatencyMaxMS float64 `json:"policy_latency_max_ms"`

	FallbackRate float64 `json:"fallback_rate"`
	CacheHitRate float64 `json:"cache_hit_rate"`
	RecentTurns  int     `json:"recent_turns"`
}

// Summarize computes the current Summary.
func (w *Window) Summarize() Summary {
	w.mu.Lock()
	defer w.mu.Unlock()

	uptime := time.Since(w.startTime).Seconds()
	out := Summary{
		TotalTurns:    w.totalTurns,
		UptimeSeconds: uptime,
	}

	recent := w.recentLocked()
	out.RecentTurns = len(recent)
	if len(recent) == 0 {
		return out
	}

	latest := recent[len(recent)-1]
	if uptime > 0 {
		out.TokensPerSecond = float64(latest.TokensSeen) / uptime
		out.TurnsPerSecond = float64(w.totalTurns) / uptime
	}

	latencies := make([]float64, 0, len(recent))
	out.MinCompressionRatio = recent[0].CompressionRatio
	var compSum float64
	fallbacks := 0
	for _, t := range recent {
		compSum += t.CompressionRatio
		if t.CompressionRatio < out.MinCompressionRatio {
			out.MinCompressionRatio = t.CompressionRatio
		}
		if t.CompressionRatio > out.MaxCompressionRatio {
			out.MaxCompressionRatio = t.CompressionRatio
		}
		if t.FallbackOccurred {
			fallbacks++
		}
		latencies = append(latencies, t.PolicyLatencyMS)
	}
	out.AvgCompressionRatio = compSum / float64(len(recent))
	out.FallbackRate = float64(fallbacks) / float64(len(recent))

	hitTotal := w.totalCacheHits + w.totalCacheMisses
	if hitTotal > 0 {
		out.CacheHitRate = float64(w.totalCacheHits) / float64(hitTotal)
	}

	sort.Float64s(latencies)
	out.PolicyLatencyP50MS = percentile(latencies, 0.50)
	out.PolicyLatencyP95MS = percentile(latencies, 0.95)
	out.PolicyLatencyP99MS = percentile(latencies, 0.99)
	out.PolicyLatencyMaxMS = latencies[len(latencies)-1]

	return out
}

// Reset clears all state and restarts the uptime clock.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.head = 0
	w.filled = false
	w.totalTurns = 0
	w.totalCacheHits = 0
	w.totalCacheMisses = 0
	w.startTime = time.Now()
}

// recentLocked returns the window's turns in arrival order. Caller
// holds w.mu.
func (w *Window) recentLocked() []TurnMetrics {
	if !w.filled {
		return w.turns[:w.head]
	}
	out := make([]TurnMetrics, 0, w.capacity)
	out = append(out, w.turns[w.head:]...)
	out = append(out, w.turns[:w.head]...)
	return out
}

// percentile indexes into a sorted slice the way a rank-based estimator
// does; sorted must be non-empty.
func percentile(sorted []float64, p float64) float64 {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

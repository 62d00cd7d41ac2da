// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry carries the controller's diagnostics: cumulative
// stats, hook fan-out, OTel instruments, a rolling per-turn metrics
// window, and a JSONL turn dumper.
package telemetry

// Stats accumulates memory-controller counters over a session's
// lifetime. The engine owns one Stats value and serializes access; the
// zero value is ready to use.
type Stats struct {
	TokensSeen          int     `json:"tokens_seen"`
	TokensRetained      int     `json:"tokens_retained"`
	CacheHits           int     `json:"cache_hits"`
	Evictions           int     `json:"evictions"`
	CompressionRatio    float64 `json:"compression_ratio"`
	SummariesCreated    int     `json:"summaries_created"`
	ClustersMerged      int     `json:"clusters_merged"`
	ImportanceEvictions int     `json:"importance_evictions"`

	PolicyLatencyMS  float64 `json:"policy_latency_ms"`
	TotalPolicyCalls int     `json:"total_policy_calls"`
	FallbackCount    int     `json:"fallback_count"`
	AnchorCacheHits  int     `json:"anchor_cache_hits"`
}

// UpdateCompression recomputes CompressionRatio from the seen/retained
// counters. With nothing retained the ratio divides by one, never zero.
func (s *Stats) UpdateCompression() {
	retained := s.TokensRetained
	if retained < 1 {
		retained = 1
	}
	s.CompressionRatio = float64(s.TokensSeen) / float64(retained)
}

// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the controller's OTel instruments.
type Metrics struct {
	Turns            metric.Int64Counter
	TokensSeen       metric.Int64Counter
	Evictions        metric.Int64Counter
	Fallbacks        metric.Int64Counter
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	TurnLatency      metric.Float64Histogram
	PolicyLatency    metric.Float64Histogram
	CompressionRatio metric.Float64Histogram
}

// NewMetrics registers the controller's instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.Turns, err = meter.Int64Counter("finitemem_turns_total",
		metric.WithDescription("Chat turns processed")); err != nil {
		return nil, fmt.Errorf("create turns counter: %w", err)
	}
	if m.TokensSeen, err = meter.Int64Counter("finitemem_tokens_seen_total",
		metric.WithDescription("Tokens ingested across all turns")); err != nil {
		return nil, fmt.Errorf("create tokens counter: %w", err)
	}
	if m.Evictions, err = meter.Int64Counter("finitemem_evictions_total",
		metric.WithDescription("Tokens evicted by memory policies")); err != nil {
		return nil, fmt.Errorf("create evictions counter: %w", err)
	}
	if m.Fallbacks, err = meter.Int64Counter("finitemem_policy_fallbacks_total",
		metric.WithDescription("Policy runs that degraded to sliding")); err != nil {
		return nil, fmt.Errorf("create fallbacks counter: %w", err)
	}
	if m.CacheHits, err = meter.Int64Counter("finitemem_embedding_cache_hits_total",
		metric.WithDescription("Embedding cache hits")); err != nil {
		return nil, fmt.Errorf("create cache hits counter: %w", err)
	}
	if m.CacheMisses, err = meter.Int64Counter("finitemem_embedding_cache_misses_total",
		metric.WithDescription("Embedding cache misses")); err != nil {
		return nil, fmt.Errorf("create cache misses counter: %w", err)
	}
	if m.TurnLatency, err = meter.Float64Histogram("finitemem_turn_latency_seconds",
		metric.WithDescription("End-to-end chat turn latency")); err != nil {
		return nil, fmt.Errorf("create turn latency histogram: %w", err)
	}
	if m.PolicyLatency, err = meter.Float64Histogram("finitemem_policy_latency_seconds",
		metric.WithDescription("Memory policy execution latency")); err != nil {
		return nil, fmt.Errorf("create policy latency histogram: %w", err)
	}
	if m.CompressionRatio, err = meter.Float64Histogram("finitemem_compression_ratio",
		metric.WithDescription("tokens_seen / tokens_retained per turn")); err != nil {
		return nil, fmt.Errorf("create compression histogram: %w", err)
	}
	return m, nil
}

// OTelHook bridges engine callbacks onto the OTel instruments.
type OTelHook struct {
	metrics *Metrics

	prevEvictions  int
	prevFallbacks  int
	prevTokensSeen int
}

// NewOTelHook wraps metrics in a Hook.
func NewOTelHook(metrics *Metrics) *OTelHook {
	return &OTelHook{metrics: metrics}
}

func (h *OTelHook) OnChatStart(string, string) {}

func (h *OTelHook) OnChatComplete(sessionID string, stats Stats, latency time.Duration) {
	ctx := context.Background()
	h.metrics.Turns.Add(ctx, 1)
	h.metrics.TurnLatency.Record(ctx, latency.Seconds())
	h.metrics.CompressionRatio.Record(ctx, stats.CompressionRatio)

	// Stats carries cumulative counts; emit deltas.
	if d := stats.Evictions - h.prevEvictions; d > 0 {
		h.metrics.Evictions.Add(ctx, int64(d))
	}
	h.prevEvictions = stats.Evictions
	if d := stats.FallbackCount - h.prevFallbacks; d > 0 {
		h.metrics.Fallbacks.Add(ctx, int64(d))
	}
	h.prevFallbacks = stats.FallbackCount
	if d := stats.TokensSeen - h.prevTokensSeen; d > 0 {
		h.metrics.TokensSeen.Add(ctx, int64(d))
	}
	h.prevTokensSeen = stats.TokensSeen
}

func (h *OTelHook) OnPolicyExecute(policy string, latency time.Duration, tokensBefore, tokensAfter int) {
	h.metrics.PolicyLatency.Record(context.Background(), latency.Seconds(),
		metric.WithAttributes(attribute.String("policy", policy)))
}

func (h *OTelHook) OnCacheHit(hits int) {
	h.metrics.CacheHits.Add(context.Background(), int64(hits))
}

func (h *OTelHook) OnCacheMiss(misses int) {
	h.metrics.CacheMisses.Add(context.Background(), int64(misses))
}

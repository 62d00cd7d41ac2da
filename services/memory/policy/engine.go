// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"context"
	"sync"
	"time"

	"github.com/finitemem/finitemem/pkg/logging"
	"github.com/finitemem/finitemem/services/memory/backend"
	"github.com/finitemem/finitemem/services/memory/buffer"
	"github.com/finitemem/finitemem/services/memory/embedding"
	"github.com/finitemem/finitemem/services/memory/latency"
	"github.com/finitemem/finitemem/services/memory/qagate"
	"github.com/finitemem/finitemem/services/memory/telemetry"
)

// Options configures a policy Engine.
type Options struct {
	// MaxTokens is the hard buffer budget. Required.
	MaxTokens int

	// Variant selects the eviction policy.
	Variant Variant

	// SemanticClusters is k for the semantic and hybrid variants.
	SemanticClusters int

	// SummaryInterval is the token count between rolling summaries.
	SummaryInterval int

	// RecencyBias weights recency when picking cluster representatives.
	RecencyBias float64

	// LatencyBudget bounds non-sliding policy execution. Zero disables
	// the guard.
	LatencyBudget time.Duration

	// HardDeadline cancels an over-budget policy run instead of letting
	// it finish and discarding the result.
	HardDeadline bool

	// StrictGate makes the summary QA gate reject any hallucinated
	// fact instead of applying the lenient fidelity threshold.
	StrictGate bool

	// EmbeddingCacheSize bounds the span embedding cache.
	EmbeddingCacheSize int

	// Seed makes clustering deterministic.
	Seed int64
}

const (
	defaultSemanticClusters = 8
	defaultSummaryInterval  = 512
	defaultRecencyBias      = 0.15

	// Span geometry for importance probing and semantic embedding.
	probeSpanSize    = 32
	embedSpanSize    = 64
	embedSpanStride  = 32
	importanceProbes = 8
	hybridProbes     = 6

	// minRecencyBudget is the floor on the always-kept recent tail.
	minRecencyBudget = 64
)

// Engine applies a memory policy to the token buffer.
//
// Thread Safety: Apply and the accessors are safe for concurrent use;
// internally a mutex serializes state commits. Callers normally let the
// conversation engine serialize turns anyway.
type Engine struct {
	opts    Options
	gen     backend.Generator
	caps    backend.Capabilities
	logger  *logging.Logger
	guard   *latency.Guard
	gate    *qagate.Gate
	cache   *embedding.Cache
	cluster *embedding.Clusterer

	mu                 sync.Mutex
	buf                *buffer.Buffer
	attn               []float64
	summaryTokens      []int
	tokensSinceSummary int
	stats              telemetry.Stats
}

// New creates a policy engine over a fresh buffer.
//
// The semantic and hybrid variants need an embedding-capable backend;
// when gen does not embed, semantic construction fails and hybrid runs
// on importance scores alone.
func New(gen backend.Generator, opts Options, logger *logging.Logger) (*Engine, error) {
	if opts.MaxTokens <= 0 {
		return nil, buffer.ErrInvalidCapacity
	}
	if opts.SemanticClusters <= 0 {
		opts.SemanticClusters = defaultSemanticClusters
	}
	if opts.SummaryInterval <= 0 {
		opts.SummaryInterval = defaultSummaryInterval
	}
	if opts.RecencyBias == 0 {
		opts.RecencyBias = defaultRecencyBias
	}
	if logger == nil {
		logger = logging.Discard()
	}

	buf, err := buffer.New(opts.MaxTokens)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:   opts,
		gen:    gen,
		caps:   backend.ProbeCapabilities(gen),
		logger: logger,
		buf:    buf,
	}

	if enc, ok := gen.(embedding.TextEncoder); ok {
		e.cache = embedding.NewCache(enc, opts.EmbeddingCacheSize)
		e.cluster = embedding.NewClusterer(opts.Seed, 0)
	} else if opts.Variant == Semantic {
		return nil, ErrNoEmbedder
	}

	if opts.LatencyBudget > 0 {
		mode := latency.ModeSoft
		if opts.HardDeadline {
			mode = latency.ModeHard
		}
		e.guard = &latency.Guard{Budget: opts.LatencyBudget, Mode: mode, Logger: logger}
	}

	if opts.StrictGate {
		e.gate = qagate.NewStrict()
	} else {
		e.gate = qagate.New()
	}

	return e, nil
}

// Apply runs the configured policy for a batch of new tokens and
// returns the resulting buffer contents. It never fails: policy errors,
// panics, and blown latency budgets all degrade to sliding eviction.
func (e *Engine) Apply(ctx context.Context, newTokens []int) []int {
	start := time.Now()

	e.mu.Lock()
	e.stats.TotalPolicyCalls++
	e.mu.Unlock()

	var out []int
	if e.guard == nil || e.opts.Variant == Sliding {
		out = e.applySafe(ctx, newTokens)
	} else {
		out, _ = latency.Run(e.guard, ctx,
			func(ctx context.Context) ([]int, error) {
				return e.applyVariant(ctx, newTokens), nil
			},
			func() []int {
				e.mu.Lock()
				e.stats.FallbackCount++
				e.mu.Unlock()
				// In soft mode the primary has already committed, so
				// this append leaves the batch in the buffer twice
				// until the next eviction trims it.
				return e.evictSliding(context.Background(), newTokens)
			},
		)
	}

	e.mu.Lock()
	e.stats.PolicyLatencyMS = float64(time.Since(start).Microseconds()) / 1000.0
	e.stats.TokensSeen += len(newTokens)
	e.stats.TokensRetained = len(out)
	e.stats.UpdateCompression()
	if e.cache != nil {
		cs := e.cache.Stats()
		e.stats.CacheHits = int(cs.Hits)
	}
	e.mu.Unlock()

	return out
}

// applySafe runs the variant directly, converting a panic into a
// sliding fallback so unguarded configurations stay total too.
func (e *Engine) applySafe(ctx context.Context, newTokens []int) (out []int) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("policy panicked, falling back to sliding",
				"policy", e.opts.Variant.String(), "panic", r)
			e.mu.Lock()
			e.stats.FallbackCount++
			e.mu.Unlock()
			out = e.evictSliding(ctx, newTokens)
		}
	}()
	return e.applyVariant(ctx, newTokens)
}

func (e *Engine) applyVariant(ctx context.Context, newTokens []int) []int {
	switch e.opts.Variant {
	case Importance:
		return e.evictImportance(ctx, newTokens)
	case Semantic:
		return e.evictSemantic(ctx, newTokens)
	case RollingSummary:
		return e.evictRollingSummary(ctx, newTokens)
	case Hybrid:
		return e.evictHybrid(ctx, newTokens)
	default:
		return e.evictSliding(ctx, newTokens)
	}
}

// evictSliding drops the oldest tokens to make room, FIFO. Overflow is
// counted even when the incoming batch alone exceeds the budget.
func (e *Engine) evictSliding(_ context.Context, newTokens []int) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slideLocked(newTokens)
}

// slideLocked is the sliding eviction core, shared by the fallback
// paths. Caller holds e.mu.
func (e *Engine) slideLocked(newTokens []int) []int {
	cur := e.buf.Len()
	overflow := cur + len(newTokens) - e.opts.MaxTokens
	if overflow > 0 {
		trim := min(overflow, cur)
		e.buf.TrimFront(trim)
		e.attn = trimFront(e.attn, trim)
		e.stats.Evictions += overflow
	}
	e.appendLocked(newTokens)
	return e.buf.Tokens()
}

// appendLocked appends newTokens, clipping to the most recent tokens if
// the batch alone exceeds the remaining room. Caller holds e.mu.
func (e *Engine) appendLocked(newTokens []int) {
	free := e.buf.Free()
	if len(newTokens) > free {
		newTokens = newTokens[len(newTokens)-free:]
	}
	if len(newTokens) == 0 {
		return
	}
	if err := e.buf.Append(newTokens); err != nil {
		// Free() was consulted above; an error here means a logic bug.
		panic(err)
	}
	e.attn = append(e.attn, make([]float64, len(newTokens))...)
}

// replaceLocked swaps the buffer contents and score track. Caller holds
// e.mu; kept and scores must be aligned.
func (e *Engine) replaceLocked(kept []int, scores []float64) {
	e.buf.Replace(kept)
	if len(scores) == len(kept) {
		e.attn = scores
	} else {
		e.attn = make([]float64, e.buf.Len())
	}
}

// Tokens returns a copy of the current buffer contents.
func (e *Engine) Tokens() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf.Tokens()
}

// Len returns the current buffer length.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf.Len()
}

// Stats returns a snapshot of the policy counters.
func (e *Engine) Stats() telemetry.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Variant returns the configured policy variant.
func (e *Engine) Variant() Variant { return e.opts.Variant }

// MaxTokens returns the buffer budget.
func (e *Engine) MaxTokens() int { return e.opts.MaxTokens }

// EmbeddingCacheStats returns span-cache counters, or zero values when
// the backend cannot embed.
func (e *Engine) EmbeddingCacheStats() embedding.CacheStats {
	if e.cache == nil {
		return embedding.CacheStats{}
	}
	return e.cache.Stats()
}

// Reset clears buffer, scores, summaries, and stats.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf.Reset()
	e.attn = nil
	e.summaryTokens = nil
	e.tokensSinceSummary = 0
	e.stats = telemetry.Stats{}
	if e.cache != nil {
		e.cache.Reset()
	}
}

// Restore replaces the engine's mutable state from a checkpoint.
func (e *Engine) Restore(tokens []int, scores []float64, summaryTokens []int, tokensSinceSummary int, stats telemetry.Stats) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf.Replace(tokens)
	if len(scores) == e.buf.Len() {
		e.attn = append([]float64(nil), scores...)
	} else {
		e.attn = make([]float64, e.buf.Len())
	}
	e.summaryTokens = append([]int(nil), summaryTokens...)
	e.tokensSinceSummary = tokensSinceSummary
	e.stats = stats
}

// Snapshot returns the mutable state for checkpointing.
func (e *Engine) Snapshot() (tokens []int, scores []float64, summaryTokens []int, tokensSinceSummary int, stats telemetry.Stats) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf.Tokens(),
		append([]float64(nil), e.attn...),
		append([]int(nil), e.summaryTokens...),
		e.tokensSinceSummary,
		e.stats
}

func trimFront(s []float64, n int) []float64 {
	if n >= len(s) {
		return nil
	}
	return append([]float64(nil), s[n:]...)
}

// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine drives complete conversation turns: tokenize, apply
// the memory policy, build the bounded context window, generate, and
// fold the reply back into memory.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finitemem/finitemem/pkg/logging"
	"github.com/finitemem/finitemem/services/memory/backend"
	"github.com/finitemem/finitemem/services/memory/checkpoint"
	"github.com/finitemem/finitemem/services/memory/config"
	"github.com/finitemem/finitemem/services/memory/contextbuilder"
	"github.com/finitemem/finitemem/services/memory/policy"
	"github.com/finitemem/finitemem/services/memory/telemetry"
)

// TurnResult is the outcome of one chat turn.
type TurnResult struct {
	Response      string          `json:"response"`
	TokensUsed    int             `json:"tokens_used"`
	ContextLength int             `json:"context_length"`
	Stats         telemetry.Stats `json:"stats"`
	MemoryPolicy  string          `json:"memory_policy"`
}

// Options wires an Engine's collaborators. Only Config is required;
// nil observability fields are disabled.
type Options struct {
	Config config.Config
	Logger *logging.Logger
	Hook   telemetry.Hook
	Window *telemetry.Window
	Dumper *telemetry.TurnDumper
}

// Engine owns one conversation's memory and drives its turns.
//
// Thread Safety: all methods are safe for concurrent use; turns are
// serialized by an internal mutex so the buffer, builder, and history
// advance atomically per turn.
type Engine struct {
	sessionID string
	cfg       config.Config
	gen       backend.Generator
	caps      backend.Capabilities
	pol       *policy.Engine
	builder   *contextbuilder.Builder
	logger    *logging.Logger
	hook      telemetry.Hook
	window    *telemetry.Window
	dumper    *telemetry.TurnDumper

	mu              sync.Mutex
	history         []checkpoint.Turn
	prevCacheHits   uint64
	prevCacheMisses uint64
}

// New builds an Engine from configuration.
func New(gen backend.Generator, opts Options) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	variant, err := policy.ParseVariant(cfg.Memory.Policy)
	if err != nil {
		return nil, err
	}

	pol, err := policy.New(gen, policy.Options{
		MaxTokens:          cfg.Memory.MaxTokens,
		Variant:            variant,
		SemanticClusters:   cfg.Memory.SemanticClusters,
		SummaryInterval:    cfg.Memory.SummaryInterval,
		RecencyBias:        cfg.Memory.RecencyBias,
		LatencyBudget:      cfg.Memory.LatencyBudget,
		HardDeadline:       cfg.Memory.HardDeadline,
		StrictGate:         cfg.Memory.StrictGate,
		EmbeddingCacheSize: cfg.Memory.EmbeddingCacheSize,
		Seed:               cfg.Memory.Seed,
	}, logger)
	if err != nil {
		return nil, err
	}

	hook := opts.Hook
	if hook == nil {
		hook = telemetry.NopHook{}
	}

	e := &Engine{
		sessionID: uuid.NewString(),
		cfg:       cfg,
		gen:       gen,
		caps:      backend.ProbeCapabilities(gen),
		pol:       pol,
		builder:   contextbuilder.New(cfg.Memory.MaxTokens, cfg.Memory.WindowSize),
		logger:    logger,
		hook:      hook,
		window:    opts.Window,
		dumper:    opts.Dumper,
	}

	logger.Info("engine initialized",
		"session_id", e.sessionID,
		"policy", variant.String(),
		"max_tokens", cfg.Memory.MaxTokens,
		"window", cfg.Memory.WindowSize,
		"model", gen.ModelName(),
	)
	return e, nil
}

// SessionID returns the engine's session identifier.
func (e *Engine) SessionID() string { return e.sessionID }

// Chat processes one user message and returns the model's reply.
// Blank messages are a no-op turn, not an error.
func (e *Engine) Chat(ctx context.Context, message string) (*TurnResult, error) {
	return e.chat(ctx, message, nil)
}

// ChatStream behaves like Chat but additionally emits reply text
// chunks as they arrive, when the backend supports streaming.
func (e *Engine) ChatStream(ctx context.Context, message string, emit func(chunk string) error) (*TurnResult, error) {
	return e.chat(ctx, message, emit)
}

func (e *Engine) chat(ctx context.Context, message string, emit func(string) error) (*TurnResult, error) {
	start := time.Now()
	e.hook.OnChatStart(e.sessionID, message)

	e.mu.Lock()
	defer e.mu.Unlock()

	if strings.TrimSpace(message) == "" {
		return &TurnResult{
			ContextLength: e.pol.Len(),
			Stats:         e.statsLocked(),
			MemoryPolicy:  e.pol.Variant().String(),
		}, nil
	}

	msgTokens, err := e.gen.Encode(message)
	if err != nil {
		return nil, fmt.Errorf("engine: encode message: %w", err)
	}
	if len(msgTokens) == 0 {
		msgTokens = []int{0}
	}

	// Fold the user's tokens into memory.
	before := e.pol.Len() + len(msgTokens)
	policyStart := time.Now()
	policyOut := e.pol.Apply(ctx, msgTokens)
	policyLatency := time.Since(policyStart)
	e.hook.OnPolicyExecute(e.pol.Variant().String(), policyLatency, before, len(policyOut))

	// Enforce the hard context bound.
	contextTokens, _ := e.builder.Build(e.gen, policyOut)

	genIDs, err := e.generate(ctx, contextTokens, emit)
	if err != nil {
		return nil, fmt.Errorf("engine: generate: %w", err)
	}
	if len(genIDs) == 0 {
		genIDs = []int{0}
	}

	response, err := e.gen.Decode(genIDs)
	if err != nil {
		return nil, fmt.Errorf("engine: decode reply: %w", err)
	}

	// Fold the reply into memory too.
	e.pol.Apply(ctx, genIDs)

	e.history = append(e.history,
		checkpoint.Turn{Role: "user", Content: message, Tokens: len(msgTokens)},
		checkpoint.Turn{Role: "assistant", Content: response, Tokens: len(genIDs)},
	)

	stats := e.statsLocked()
	result := &TurnResult{
		Response:      response,
		TokensUsed:    len(genIDs),
		ContextLength: len(contextTokens),
		Stats:         stats,
		MemoryPolicy:  e.pol.Variant().String(),
	}

	e.observe(message, response, stats, policyLatency, time.Since(start))
	return result, nil
}

// generate dispatches to the streaming path when requested and
// available.
func (e *Engine) generate(ctx context.Context, contextTokens []int, emit func(string) error) ([]int, error) {
	maxNew := e.cfg.Backend.MaxNewTokens
	if emit != nil {
		if streamer := e.caps.Streamer(); streamer != nil {
			return streamer.GenerateStream(ctx, contextTokens, maxNew, emit)
		}
	}
	toks, err := e.gen.Generate(ctx, contextTokens, maxNew)
	if err != nil {
		return nil, err
	}
	if emit != nil {
		text, derr := e.gen.Decode(toks)
		if derr == nil {
			if emitErr := emit(text); emitErr != nil {
				return nil, emitErr
			}
		}
	}
	return toks, nil
}

// observe publishes turn telemetry. Caller holds e.mu.
func (e *Engine) observe(input, output string, stats telemetry.Stats, policyLatency, turnLatency time.Duration) {
	// The cache counters are cumulative; hooks feed monotonic
	// instruments, so only this turn's delta is reported.
	cacheStats := e.pol.EmbeddingCacheStats()
	hitDelta := cacheStats.Hits - e.prevCacheHits
	missDelta := cacheStats.Misses - e.prevCacheMisses
	e.prevCacheHits = cacheStats.Hits
	e.prevCacheMisses = cacheStats.Misses
	if hitDelta > 0 {
		e.hook.OnCacheHit(int(hitDelta))
	}
	if missDelta > 0 {
		e.hook.OnCacheMiss(int(missDelta))
	}

	if e.window != nil {
		e.window.Observe(stats, policyLatency, hitDelta > 0)
	}
	if e.dumper != nil {
		if err := e.dumper.Write(input, output, stats, map[string]string{
			"session_id": e.sessionID,
			"policy":     e.pol.Variant().String(),
		}); err != nil {
			e.logger.Warn("turn dump failed", "error", err.Error())
		}
	}
	e.hook.OnChatComplete(e.sessionID, stats, turnLatency)
}

// statsLocked merges policy counters with the builder's anchor cache
// hits. Caller holds e.mu.
func (e *Engine) statsLocked() telemetry.Stats {
	stats := e.pol.Stats()
	stats.AnchorCacheHits = int(e.builder.CacheHits())
	return stats
}

// Stats returns the session's cumulative counters.
func (e *Engine) Stats() telemetry.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statsLocked()
}

// History returns a copy of the conversation so far.
func (e *Engine) History() []checkpoint.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]checkpoint.Turn(nil), e.history...)
}

// ContextWindow returns the current buffer decoded to text.
func (e *Engine) ContextWindow() (string, error) {
	toks := e.pol.Tokens()
	if len(toks) == 0 {
		return "", nil
	}
	return e.gen.Decode(toks)
}

// Reset clears all conversation state.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pol.Reset()
	e.history = nil
	e.prevCacheHits = 0
	e.prevCacheMisses = 0
}

// Checkpoint captures the session for persistence.
func (e *Engine) Checkpoint() checkpoint.Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()

	tokens, scores, summaryTokens, since, stats := e.pol.Snapshot()
	stats.AnchorCacheHits = int(e.builder.CacheHits())

	return checkpoint.Checkpoint{
		Config: checkpoint.Config{
			MaxTokens:        e.cfg.Memory.MaxTokens,
			MemoryPolicy:     e.cfg.Memory.Policy,
			WindowSize:       e.cfg.Memory.WindowSize,
			SemanticClusters: e.cfg.Memory.SemanticClusters,
			SummaryInterval:  e.cfg.Memory.SummaryInterval,
		},
		State: checkpoint.State{
			TokenBuffer:        tokens,
			AttentionScores:    scores,
			SummaryTokens:      summaryTokens,
			TokensSinceSummary: since,
			History:            append([]checkpoint.Turn(nil), e.history...),
		},
		Stats: stats,
		Metadata: checkpoint.Metadata{
			Model:     e.gen.ModelName(),
			Turns:     len(e.history) / 2,
			SessionID: e.sessionID,
			SavedAt:   time.Now().UTC(),
		},
	}
}

// Restore replaces the session state from a checkpoint. The buffer is
// clipped to this engine's budget when the checkpoint was taken under
// a larger one.
func (e *Engine) Restore(cp checkpoint.Checkpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pol.Restore(cp.State.TokenBuffer, cp.State.AttentionScores,
		cp.State.SummaryTokens, cp.State.TokensSinceSummary, cp.Stats)
	e.history = append([]checkpoint.Turn(nil), cp.State.History...)

	// Rebaseline the hook deltas on the live cache, which Restore does
	// not clear.
	cacheStats := e.pol.EmbeddingCacheStats()
	e.prevCacheHits = cacheStats.Hits
	e.prevCacheMisses = cacheStats.Misses
	if cp.Metadata.SessionID != "" {
		e.sessionID = cp.Metadata.SessionID
	}

	e.logger.Info("checkpoint restored",
		"session_id", e.sessionID,
		"turns", cp.Metadata.Turns,
		"model", cp.Metadata.Model,
	)
}

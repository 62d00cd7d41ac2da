// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"time"

	"github.com/finitemem/finitemem/pkg/logging"
)

// Hook receives lifecycle callbacks from the engine. Implementations
// must be cheap and must not panic; they run inline on the turn path.
type Hook interface {
	// OnChatStart fires before a turn is processed.
	OnChatStart(sessionID, message string)

	// OnChatComplete fires after a turn, with the session's cumulative
	// stats and the turn's wall time.
	OnChatComplete(sessionID string, stats Stats, latency time.Duration)

	// OnPolicyExecute fires after each policy application.
	OnPolicyExecute(policy string, latency time.Duration, tokensBefore, tokensAfter int)

	// OnCacheHit and OnCacheMiss fire for embedding-cache lookups.
	OnCacheHit(hits int)
	OnCacheMiss(misses int)
}

// NopHook ignores every callback.
type NopHook struct{}

func (NopHook) OnChatStart(string, string)                       {}
func (NopHook) OnChatComplete(string, Stats, time.Duration)      {}
func (NopHook) OnPolicyExecute(string, time.Duration, int, int)  {}
func (NopHook) OnCacheHit(int)                                   {}
func (NopHook) OnCacheMiss(int)                                  {}

// SlogHook logs every callback at debug level, except turn completion
// which logs at info.
type SlogHook struct {
	Logger *logging.Logger
}

// NewSlogHook wraps logger in a Hook.
func NewSlogHook(logger *logging.Logger) *SlogHook {
	return &SlogHook{Logger: logger}
}

func (h *SlogHook) OnChatStart(sessionID, message string) {
	h.Logger.Debug("chat start", "session_id", sessionID, "message_len", len(message))
}

func (h *SlogHook) OnChatComplete(sessionID string, stats Stats, latency time.Duration) {
	h.Logger.Info("chat complete",
		"session_id", sessionID,
		"latency_ms", latency.Milliseconds(),
		"tokens_seen", stats.TokensSeen,
		"tokens_retained", stats.TokensRetained,
		"compression_ratio", stats.CompressionRatio,
		"evictions", stats.Evictions,
	)
}

func (h *SlogHook) OnPolicyExecute(policy string, latency time.Duration, tokensBefore, tokensAfter int) {
	h.Logger.Debug("policy executed",
		"policy", policy,
		"latency_ms", latency.Milliseconds(),
		"tokens_before", tokensBefore,
		"tokens_after", tokensAfter,
	)
}

func (h *SlogHook) OnCacheHit(hits int) {
	h.Logger.Debug("embedding cache hit", "hits", hits)
}

func (h *SlogHook) OnCacheMiss(misses int) {
	h.Logger.Debug("embedding cache miss", "misses", misses)
}

// MultiHook fans callbacks out to several hooks in order.
type MultiHook []Hook

func (m MultiHook) OnChatStart(sessionID, message string) {
	for _, h := range m {
		h.OnChatStart(sessionID, message)
	}
}

func (m MultiHook) OnChatComplete(sessionID string, stats Stats, latency time.Duration) {
	for _, h := range m {
		h.OnChatComplete(sessionID, stats, latency)
	}
}

func (m MultiHook) OnPolicyExecute(policy string, latency time.Duration, before, after int) {
	for _, h := range m {
		h.OnPolicyExecute(policy, latency, before, after)
	}
}

func (m MultiHook) OnCacheHit(hits int) {
	for _, h := range m {
		h.OnCacheHit(hits)
	}
}

func (m MultiHook) OnCacheMiss(misses int) {
	for _, h := range m {
		h.OnCacheMiss(misses)
	}
}

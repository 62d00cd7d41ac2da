// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package backend defines the model interface the memory engine drives,
// plus concrete implementations: a tiktoken tokenizer, an OpenAI-hosted
// backend, and a deterministic scripted backend for tests and offline
// use.
package backend

import "context"

// Generator is the minimal surface every backend provides.
type Generator interface {
	// Encode tokenizes text.
	Encode(text string) ([]int, error)

	// Decode detokenizes IDs. Implementations must handle single
	// tokens; the context builder decodes one token at a time.
	Decode(tokens []int) (string, error)

	// Generate produces up to maxNewTokens continuation tokens for the
	// given context window.
	Generate(ctx context.Context, contextTokens []int, maxNewTokens int) ([]int, error)

	// ModelName identifies the backend for logs and checkpoints.
	ModelName() string
}

// AttentionScorer is implemented by backends that can expose per-token
// attention weights over a context window. Scores align with the input
// tokens; higher means more attended.
type AttentionScorer interface {
	AttentionScores(ctx context.Context, contextTokens []int) ([]float64, error)
}

// LogitProber is implemented by backends that can report the model's
// top-logit value when a span of the context is masked out. The
// importance policy turns the drop in confidence into a span score.
type LogitProber interface {
	TopLogit(ctx context.Context, contextTokens []int, maskStart, maskEnd int) (float64, error)
}

// StreamingGenerator is implemented by backends that can stream
// generated text incrementally. The callback receives each text chunk;
// returning an error stops the stream.
type StreamingGenerator interface {
	GenerateStream(ctx context.Context, contextTokens []int, maxNewTokens int, emit func(chunk string) error) ([]int, error)
}

// Capabilities records which optional interfaces a backend satisfies.
// Probing once at construction keeps the per-turn hot path free of type
// assertions.
type Capabilities struct {
	Attention bool
	Logits    bool
	Streaming bool

	scorer   AttentionScorer
	prober   LogitProber
	streamer StreamingGenerator
}

// ProbeCapabilities inspects gen once and returns a typed handle.
func ProbeCapabilities(gen Generator) Capabilities {
	var c Capabilities
	if s, ok := gen.(AttentionScorer); ok {
		c.Attention = true
		c.scorer = s
	}
	if p, ok := gen.(LogitProber); ok {
		c.Logits = true
		c.prober = p
	}
	if st, ok := gen.(StreamingGenerator); ok {
		c.Streaming = true
		c.streamer = st
	}
	return c
}

// Scorer returns the attention interface, or nil when unsupported.
func (c Capabilities) Scorer() AttentionScorer { return c.scorer }

// Prober returns the logit-probe interface, or nil when unsupported.
func (c Capabilities) Prober() LogitProber { return c.prober }

// Streamer returns the streaming interface, or nil when unsupported.
func (c Capabilities) Streamer() StreamingGenerator { return c.streamer }

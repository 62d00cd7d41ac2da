// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backend

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
)

// Scripted is a deterministic in-process backend with a word-level
// tokenizer. It implements every optional capability, which makes it the
// test double for all five memory policies and the engine's offline
// mode. Generation either replays a scripted list of replies or echoes a
// digest of the context.
//
// Thread Safety: safe for concurrent use.
type Scripted struct {
	mu      sync.Mutex
	vocab   map[string]int
	words   []string
	replies []string
	turn    int
}

// NewScripted creates a backend that replays replies in order, cycling
// when exhausted. With no replies it echoes the tail of the context.
func NewScripted(replies ...string) *Scripted {
	return &Scripted{
		vocab:   make(map[string]int),
		replies: replies,
	}
}

// Encode splits text on whitespace and assigns stable word IDs.
func (s *Scripted) Encode(text string) ([]int, error) {
	fields := strings.Fields(text)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, len(fields))
	for i, w := range fields {
		id, ok := s.vocab[w]
		if !ok {
			id = len(s.words)
			s.vocab[w] = id
			s.words = append(s.words, w)
		}
		out[i] = id
	}
	return out, nil
}

// Decode joins word IDs with spaces.
func (s *Scripted) Decode(tokens []int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := make([]string, len(tokens))
	for i, t := range tokens {
		if t < 0 || t >= len(s.words) {
			return "", fmt.Errorf("backend: unknown token %d", t)
		}
		parts[i] = s.words[t]
	}
	return strings.Join(parts, " "), nil
}

// ModelName identifies the scripted backend.
func (s *Scripted) ModelName() string { return "scripted" }

// Generate returns the next scripted reply, or an echo of the context
// tail when no script was provided. Output is truncated to
// maxNewTokens.
func (s *Scripted) Generate(ctx context.Context, contextTokens []int, maxNewTokens int) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := s.nextReply(contextTokens)
	toks, err := s.Encode(text)
	if err != nil {
		return nil, err
	}
	if maxNewTokens > 0 && len(toks) > maxNewTokens {
		toks = toks[:maxNewTokens]
	}
	return toks, nil
}

// GenerateStream emits the reply word by word.
func (s *Scripted) GenerateStream(ctx context.Context, contextTokens []int, maxNewTokens int, emit func(chunk string) error) ([]int, error) {
	toks, err := s.Generate(ctx, contextTokens, maxNewTokens)
	if err != nil {
		return nil, err
	}
	if emit != nil {
		for i, t := range toks {
			word, derr := s.Decode([]int{t})
			if derr != nil {
				return nil, derr
			}
			if i > 0 {
				word = " " + word
			}
			if err := emit(word); err != nil {
				return nil, err
			}
		}
	}
	return toks, nil
}

func (s *Scripted) nextReply(contextTokens []int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.replies) > 0 {
		reply := s.replies[s.turn%len(s.replies)]
		s.turn++
		return reply
	}

	// Echo mode: acknowledge the most recent words.
	tail := contextTokens
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	parts := []string{"ack:"}
	for _, t := range tail {
		if t >= 0 && t < len(s.words) {
			parts = append(parts, s.words[t])
		}
	}
	s.turn++
	return strings.Join(parts, " ")
}

// AttentionScores returns a deterministic score per context token: a
// recency ramp with periodic emphasis, normalized to [0,1].
func (s *Scripted) AttentionScores(ctx context.Context, contextTokens []int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(contextTokens)
	out := make([]float64, n)
	for i := range out {
		recency := 0.0
		if n > 1 {
			recency = float64(i) / float64(n-1)
		}
		emphasis := 0.0
		if contextTokens[i]%7 == 0 {
			emphasis = 0.5
		}
		out[i] = (recency + emphasis) / 1.5
	}
	return out, nil
}

// TopLogit reports a confidence that drops with the amount of masked
// content, so probing different spans yields different deltas.
func (s *Scripted) TopLogit(ctx context.Context, contextTokens []int, maskStart, maskEnd int) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if maskStart < 0 || maskEnd > len(contextTokens) || maskStart > maskEnd {
		return 0, fmt.Errorf("backend: mask [%d,%d) out of range", maskStart, maskEnd)
	}
	var sum float64
	for _, t := range contextTokens[maskStart:maskEnd] {
		sum += float64(t%13) + 1
	}
	return 10.0 - math.Tanh(sum/50.0), nil
}

// EmbedTexts produces a 26-dim letter-frequency embedding per text.
// Texts about the same words land near each other, which is enough for
// clustering tests.
func (s *Scripted) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 26)
		total := 0
		for _, r := range strings.ToLower(text) {
			if r >= 'a' && r <= 'z' {
				vec[r-'a']++
				total++
			}
		}
		if total > 0 {
			for d := range vec {
				vec[d] /= float32(total)
			}
		}
		out[i] = vec
	}
	return out, nil
}

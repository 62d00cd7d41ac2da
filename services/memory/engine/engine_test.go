// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finitemem/finitemem/services/memory/backend"
	"github.com/finitemem/finitemem/services/memory/config"
	"github.com/finitemem/finitemem/services/memory/telemetry"
)

func testConfig(maxTokens int) config.Config {
	cfg := config.Default()
	cfg.Memory.MaxTokens = maxTokens
	cfg.Memory.WindowSize = 8
	cfg.Backend.Kind = "scripted"
	cfg.Backend.MaxNewTokens = 64
	cfg.Telemetry.MetricExporter = "none"
	return cfg
}

func newTestEngine(t *testing.T, maxTokens int, replies ...string) (*Engine, *backend.Scripted) {
	t.Helper()
	gen := backend.NewScripted(replies...)
	eng, err := New(gen, Options{Config: testConfig(maxTokens)})
	require.NoError(t, err)
	return eng, gen
}

func TestChatTurn(t *testing.T) {
	eng, _ := newTestEngine(t, 100, "the quick brown fox")

	res, err := eng.Chat(context.Background(), "hello there world")
	require.NoError(t, err)

	assert.Equal(t, "the quick brown fox", res.Response)
	assert.Equal(t, 4, res.TokensUsed)
	assert.Equal(t, 3, res.ContextLength)
	assert.Equal(t, "sliding", res.MemoryPolicy)
	assert.Equal(t, 7, res.Stats.TokensSeen)

	history := eng.History()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "hello there world", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "the quick brown fox", history[1].Content)
}

func TestBlankMessageIsNoOp(t *testing.T) {
	eng, _ := newTestEngine(t, 100, "reply")

	res, err := eng.Chat(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, res.Response)
	assert.Empty(t, eng.History())
	assert.Zero(t, eng.Stats().TokensSeen)
}

func TestBoundedMemoryAcrossManyTurns(t *testing.T) {
	eng, _ := newTestEngine(t, 30, "short ack")

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		msg := fmt.Sprintf("turn%d alpha%d beta%d gamma%d", i, i, i, i)
		_, err := eng.Chat(ctx, msg)
		require.NoError(t, err)
	}

	stats := eng.Stats()
	assert.LessOrEqual(t, stats.TokensRetained, 30)
	assert.Positive(t, stats.Evictions)
	assert.Greater(t, stats.CompressionRatio, 1.0)
}

func TestChatStreamMatchesResponse(t *testing.T) {
	eng, _ := newTestEngine(t, 100, "streamed words arrive in order")

	var chunks []string
	res, err := eng.ChatStream(context.Background(), "go", func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, res.Response, strings.Join(chunks, ""))
	assert.Len(t, chunks, 5)
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	eng, gen := newTestEngine(t, 100, "first reply", "second reply")
	ctx := context.Background()

	_, err := eng.Chat(ctx, "opening message here")
	require.NoError(t, err)
	_, err = eng.Chat(ctx, "followup message here")
	require.NoError(t, err)

	cp := eng.Checkpoint()
	assert.Equal(t, 2, cp.Metadata.Turns)
	assert.Equal(t, "scripted", cp.Metadata.Model)

	wantWindow, err := eng.ContextWindow()
	require.NoError(t, err)

	// The restored engine shares the backend so the vocabulary holds.
	fresh, err := New(gen, Options{Config: testConfig(100)})
	require.NoError(t, err)
	fresh.Restore(cp)

	gotWindow, err := fresh.ContextWindow()
	require.NoError(t, err)
	assert.Equal(t, wantWindow, gotWindow)
	assert.Equal(t, eng.History(), fresh.History())
	assert.Equal(t, eng.SessionID(), fresh.SessionID())
	assert.Equal(t, eng.Stats().TokensSeen, fresh.Stats().TokensSeen)
}

func TestSessionPreservesTurnOrder(t *testing.T) {
	eng, _ := newTestEngine(t, 200, "one", "two", "three")
	sess := NewSession(eng)
	defer sess.Close()

	ctx := context.Background()
	var futures []*Future
	for i := 0; i < 3; i++ {
		f, err := sess.Submit(ctx, fmt.Sprintf("message number %d", i))
		require.NoError(t, err)
		futures = append(futures, f)
	}

	want := []string{"one", "two", "three"}
	for i, f := range futures {
		res, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, want[i], res.Response)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	eng, _ := newTestEngine(t, 100, "reply")
	sess := NewSession(eng)
	require.NoError(t, sess.Close())

	_, err := sess.Submit(context.Background(), "too late")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestResetClearsState(t *testing.T) {
	eng, _ := newTestEngine(t, 100, "reply")
	_, err := eng.Chat(context.Background(), "hello world again")
	require.NoError(t, err)

	eng.Reset()
	assert.Empty(t, eng.History())
	window, err := eng.ContextWindow()
	require.NoError(t, err)
	assert.Empty(t, window)
}

func TestUnknownPolicyRejected(t *testing.T) {
	cfg := testConfig(100)
	cfg.Memory.Policy = "magic"
	_, err := New(backend.NewScripted("x"), Options{Config: cfg})
	require.Error(t, err)
}

// recordingHook captures every cache callback payload.
type recordingHook struct {
	hits   []int
	misses []int
}

func (h *recordingHook) OnChatStart(string, string)                            {}
func (h *recordingHook) OnChatComplete(string, telemetry.Stats, time.Duration) {}
func (h *recordingHook) OnPolicyExecute(string, time.Duration, int, int)       {}
func (h *recordingHook) OnCacheHit(n int)                                      { h.hits = append(h.hits, n) }
func (h *recordingHook) OnCacheMiss(n int)                                     { h.misses = append(h.misses, n) }

func TestCacheHookDeliversPerTurnDeltas(t *testing.T) {
	cfg := testConfig(200)
	cfg.Memory.Policy = "semantic"
	cfg.Memory.SemanticClusters = 2

	// Message and reply are the same 32 distinct words, so the buffer is
	// a pure cycle and embedding spans repeat across evictions.
	words := make([]string, 32)
	for i := range words {
		words[i] = fmt.Sprintf("tok%02d", i)
	}
	sentence := strings.Join(words, " ")

	hook := &recordingHook{}
	eng, err := New(backend.NewScripted(sentence), Options{Config: cfg, Hook: hook})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := eng.Chat(ctx, sentence)
		require.NoError(t, err)
	}

	// Summing the per-turn payloads must reproduce the cumulative
	// counters exactly, so monotonic instruments never overcount.
	var sumHits, sumMisses int
	for _, n := range hook.hits {
		sumHits += n
	}
	for _, n := range hook.misses {
		sumMisses += n
	}

	stats := eng.Stats()
	require.Positive(t, stats.CacheHits)
	assert.Equal(t, stats.CacheHits, sumHits)
	assert.Positive(t, sumMisses)
}

// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finitemem/finitemem/services/memory/telemetry"
)

func sample() Checkpoint {
	return Checkpoint{
		Config: Config{
			MaxTokens:        512,
			MemoryPolicy:     "hybrid",
			WindowSize:       128,
			SemanticClusters: 4,
			SummaryInterval:  256,
		},
		State: State{
			TokenBuffer:        []int{1, 2, 3, 4},
			AttentionScores:    []float64{0, 0.5, 0.9, 0},
			SummaryTokens:      []int{9, 9},
			TokensSinceSummary: 17,
			History: []Turn{
				{Role: "user", Content: "hello", Tokens: 1},
				{Role: "assistant", Content: "hi there", Tokens: 2},
			},
		},
		Stats: telemetry.Stats{TokensSeen: 40, TokensRetained: 4, Evictions: 36, CompressionRatio: 10},
		Metadata: Metadata{
			Model:     "scripted",
			Turns:     1,
			SessionID: "s-1",
			SavedAt:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	data, err := Marshal(sample())
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, sample(), got)
}

func TestUnmarshalRejectsMissingSections(t *testing.T) {
	cases := map[string]error{
		`{"state":{},"stats":{},"metadata":{}}`:  ErrMissingConfig,
		`{"config":{},"stats":{},"metadata":{}}`: ErrMissingState,
		`{"config":{},"state":{},"metadata":{}}`: ErrMissingStats,
		`{"config":{},"state":{},"stats":{}}`:    ErrMissingMetadata,
	}
	for doc, want := range cases {
		_, err := Unmarshal([]byte(doc))
		assert.ErrorIs(t, err, want, doc)
	}
}

func TestUnmarshalRejectsEmptySections(t *testing.T) {
	_, err := Unmarshal([]byte(`{"config":{},"state":{},"stats":{},"metadata":{}}`))
	var missing *MissingKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "config.max_tokens", missing.Key)
}

func TestUnmarshalRejectsMissingSubkeys(t *testing.T) {
	cases := map[string]string{
		`{"config":{"memory_policy":"sliding"},"state":{},"stats":{},"metadata":{}}`:                                                                                                                  "config.max_tokens",
		`{"config":{"max_tokens":64},"state":{},"stats":{},"metadata":{}}`:                                                                                                                            "config.memory_policy",
		`{"config":{"max_tokens":64,"memory_policy":"sliding"},"state":{"attention_scores":[],"summary_tokens":[],"tokens_since_summary":0,"conversation_history":[]},"stats":{},"metadata":{}}`:      "state.token_buffer",
		`{"config":{"max_tokens":64,"memory_policy":"sliding"},"state":{"token_buffer":[],"attention_scores":[],"summary_tokens":[],"tokens_since_summary":0,"conversation_history":[]},"stats":{},"metadata":{"turns":0}}`: "metadata.model",
	}
	for doc, wantKey := range cases {
		_, err := Unmarshal([]byte(doc))
		var missing *MissingKeyError
		require.ErrorAs(t, err, &missing, doc)
		assert.Equal(t, wantKey, missing.Key, doc)
	}
}

func TestUnmarshalAcceptsNullValues(t *testing.T) {
	// Key presence is what matters; explicit nulls restore as zeroes.
	doc := `{
		"config":{"max_tokens":64,"memory_policy":"sliding"},
		"state":{"token_buffer":null,"attention_scores":null,"summary_tokens":null,
		         "tokens_since_summary":0,"conversation_history":null},
		"stats":{},
		"metadata":{"model":"scripted","turns":0}}`
	cp, err := Unmarshal([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 64, cp.Config.MaxTokens)
	assert.Empty(t, cp.State.TokenBuffer)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	assert.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := OpenStore(StoreConfig{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put("session-a", sample()))

	got, err := store.Get("session-a")
	require.NoError(t, err)
	assert.Equal(t, sample(), got)
}

func TestStoreGetMissing(t *testing.T) {
	store, err := OpenStore(StoreConfig{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get("absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreDeleteAndList(t *testing.T) {
	store, err := OpenStore(StoreConfig{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put("a", sample()))
	require.NoError(t, store.Put("b", sample()))

	ids, err := store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, store.Delete("a"))
	require.NoError(t, store.Delete("a"), "deleting twice is fine")

	ids, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestOpenStoreRequiresPath(t *testing.T) {
	_, err := OpenStore(StoreConfig{})
	assert.Error(t, err)
}

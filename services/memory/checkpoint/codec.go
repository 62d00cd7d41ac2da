// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package checkpoint persists and restores conversation state. The wire
// format is JSON with four top-level sections: config, state, stats,
// and metadata. A checkpoint missing any section is rejected rather
// than loaded partially.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/finitemem/finitemem/services/memory/telemetry"
)

// Codec errors.
var (
	ErrMissingConfig   = errors.New("checkpoint: missing config section")
	ErrMissingState    = errors.New("checkpoint: missing state section")
	ErrMissingStats    = errors.New("checkpoint: missing stats section")
	ErrMissingMetadata = errors.New("checkpoint: missing metadata section")
)

// MissingKeyError reports a section that is present but lacks a
// required key, e.g. "state.token_buffer".
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return "checkpoint: missing key " + e.Key
}

// Config captures the settings the conversation ran under. Restoring
// into an engine with a different MaxTokens clips the buffer to the
// new budget.
type Config struct {
	MaxTokens        int    `json:"max_tokens"`
	MemoryPolicy     string `json:"memory_policy"`
	WindowSize       int    `json:"window_size"`
	SemanticClusters int    `json:"semantic_clusters"`
	SummaryInterval  int    `json:"summary_interval"`
}

// Turn is one conversation message.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
}

// State is the controller's mutable memory.
type State struct {
	TokenBuffer        []int     `json:"token_buffer"`
	AttentionScores    []float64 `json:"attention_scores"`
	SummaryTokens      []int     `json:"summary_tokens"`
	TokensSinceSummary int       `json:"tokens_since_summary"`
	History            []Turn    `json:"conversation_history"`
}

// Metadata describes the checkpoint's provenance.
type Metadata struct {
	Model     string    `json:"model"`
	Turns     int       `json:"turns"`
	SessionID string    `json:"session_id,omitempty"`
	SavedAt   time.Time `json:"saved_at,omitempty"`
}

// Checkpoint is the full persisted document.
type Checkpoint struct {
	Config   Config          `json:"config"`
	State    State           `json:"state"`
	Stats    telemetry.Stats `json:"stats"`
	Metadata Metadata        `json:"metadata"`
}

// Marshal encodes the checkpoint as indented JSON.
func Marshal(cp Checkpoint) ([]byte, error) {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode: %w", err)
	}
	return data, nil
}

// Unmarshal decodes and validates a checkpoint document. Raw sections
// on the envelope distinguish a missing section from an empty one, and
// required keys inside config, state, and metadata are checked for
// presence, so truncated or foreign JSON is rejected instead of
// restored as zeroes.
func Unmarshal(data []byte) (Checkpoint, error) {
	var envelope struct {
		Config   json.RawMessage `json:"config"`
		State    json.RawMessage `json:"state"`
		Stats    json.RawMessage `json:"stats"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
	}

	switch {
	case envelope.Config == nil:
		return Checkpoint{}, ErrMissingConfig
	case envelope.State == nil:
		return Checkpoint{}, ErrMissingState
	case envelope.Stats == nil:
		return Checkpoint{}, ErrMissingStats
	case envelope.Metadata == nil:
		return Checkpoint{}, ErrMissingMetadata
	}

	if err := requireKeys("config", envelope.Config,
		"max_tokens", "memory_policy"); err != nil {
		return Checkpoint{}, err
	}
	if err := requireKeys("state", envelope.State,
		"token_buffer", "attention_scores", "summary_tokens",
		"tokens_since_summary", "conversation_history"); err != nil {
		return Checkpoint{}, err
	}
	if err := requireKeys("metadata", envelope.Metadata,
		"model", "turns"); err != nil {
		return Checkpoint{}, err
	}

	var cp Checkpoint
	for _, section := range []struct {
		raw json.RawMessage
		dst any
	}{
		{envelope.Config, &cp.Config},
		{envelope.State, &cp.State},
		{envelope.Stats, &cp.Stats},
		{envelope.Metadata, &cp.Metadata},
	} {
		if err := json.Unmarshal(section.raw, section.dst); err != nil {
			return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
		}
	}
	return cp, nil
}

// requireKeys checks that each key is present in the section. A key
// set to null counts as present; only absence is an error.
func requireKeys(section string, raw json.RawMessage, keys ...string) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("checkpoint: decode %s: %w", section, err)
	}
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return &MissingKeyError{Key: section + "." + k}
		}
	}
	return nil
}

// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the memory controller's
// configuration from YAML files and defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full controller configuration.
//
// Thread Safety: safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	// Memory contains the policy and budget settings.
	Memory MemoryConfig `json:"memory" yaml:"memory" validate:"required"`

	// Backend selects and configures the model backend.
	Backend BackendConfig `json:"backend" yaml:"backend"`

	// Server configures the HTTP surface.
	Server ServerConfig `json:"server" yaml:"server"`

	// Telemetry configures metric export and turn dumping.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Logging configures structured log output.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// MemoryConfig holds the policy engine settings.
type MemoryConfig struct {
	// MaxTokens is the hard token budget for the buffer.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" validate:"gt=0"`

	// Policy names the eviction policy.
	Policy string `json:"policy" yaml:"policy" validate:"oneof=sliding importance semantic rolling_summary hybrid"`

	// WindowSize is the context builder's always-kept recent tail.
	WindowSize int `json:"window_size" yaml:"window_size" validate:"gte=0"`

	// SemanticClusters is k for semantic clustering.
	SemanticClusters int `json:"semantic_clusters" yaml:"semantic_clusters" validate:"gte=0"`

	// SummaryInterval is the token count between rolling summaries.
	SummaryInterval int `json:"summary_interval" yaml:"summary_interval" validate:"gte=0"`

	// RecencyBias weights recency in representative selection, 0..1.
	RecencyBias float64 `json:"recency_bias" yaml:"recency_bias" validate:"gte=0,lte=1"`

	// LatencyBudget bounds policy execution; zero disables the guard.
	LatencyBudget time.Duration `json:"latency_budget" yaml:"latency_budget" validate:"gte=0"`

	// HardDeadline cancels over-budget policy runs instead of letting
	// them finish.
	HardDeadline bool `json:"hard_deadline" yaml:"hard_deadline"`

	// StrictGate rejects summaries with any hallucinated fact.
	StrictGate bool `json:"strict_gate" yaml:"strict_gate"`

	// EmbeddingCacheSize bounds the span embedding cache.
	EmbeddingCacheSize int `json:"embedding_cache_size" yaml:"embedding_cache_size" validate:"gte=0"`

	// Seed makes clustering deterministic.
	Seed int64 `json:"seed" yaml:"seed"`
}

// BackendConfig selects the model backend.
type BackendConfig struct {
	// Kind is "openai" or "scripted".
	Kind string `json:"kind" yaml:"kind" validate:"oneof=openai scripted"`

	// Model is the hosted model name (openai kind).
	Model string `json:"model" yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"`

	// BaseURL points at an OpenAI-compatible server; empty uses the
	// default endpoint.
	BaseURL string `json:"base_url" yaml:"base_url"`

	// MaxNewTokens caps generation length per turn.
	MaxNewTokens int `json:"max_new_tokens" yaml:"max_new_tokens" validate:"gt=0"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `json:"addr" yaml:"addr"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// TelemetryConfig holds the observability settings.
type TelemetryConfig struct {
	// MetricExporter is "prometheus" or "none".
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=prometheus none"`

	// WindowTurns is the rolling metrics window length.
	WindowTurns int `json:"window_turns" yaml:"window_turns" validate:"gte=0"`

	// DumpPath enables the JSONL turn dump when non-empty.
	DumpPath string `json:"dump_path" yaml:"dump_path"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`

	// Dir enables JSON file logging when non-empty.
	Dir string `json:"dir" yaml:"dir"`

	// JSON switches console output to JSON.
	JSON bool `json:"json" yaml:"json"`
}

// Default returns a working configuration for the scripted backend.
func Default() Config {
	return Config{
		Memory: MemoryConfig{
			MaxTokens:          4096,
			Policy:             "sliding",
			WindowSize:         256,
			SemanticClusters:   8,
			SummaryInterval:    512,
			RecencyBias:        0.15,
			LatencyBudget:      0,
			EmbeddingCacheSize: 2048,
			Seed:               42,
		},
		Backend: BackendConfig{
			Kind:         "openai",
			Model:        "gpt-4o-mini",
			APIKeyEnv:    "OPENAI_API_KEY",
			MaxNewTokens: 256,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			MetricExporter: "prometheus",
			WindowTurns:    100,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the struct's validation tags.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command finitemem runs a bounded-memory LLM conversation: an
// interactive REPL, an HTTP service, and checkpoint administration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/finitemem/finitemem/pkg/logging"
	"github.com/finitemem/finitemem/services/memory/backend"
	"github.com/finitemem/finitemem/services/memory/config"
)

const version = "1.0.0"

var (
	cfgPath  string
	logLevel string

	rootCmd = &cobra.Command{
		Use:   "finitemem",
		Short: "Bounded-memory conversation controller for LLMs",
		Long: `Finitemem keeps an LLM conversation inside a fixed token budget.
Five eviction policies (sliding, importance, semantic, rolling_summary,
hybrid) decide what to forget as the conversation grows.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	rootCmd.AddCommand(chatCmd, serveCmd, checkpointCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file (or defaults) and applies flag
// overrides.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg config.Config, quiet bool) *logging.Logger {
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "finitemem",
		JSON:    cfg.Logging.JSON,
		Quiet:   quiet,
	})
}

// newBackend constructs the configured model backend. The offline flag
// forces the scripted backend regardless of config.
func newBackend(cfg config.Config, offline bool) (backend.Generator, error) {
	if offline || cfg.Backend.Kind == "scripted" {
		return backend.NewScripted(), nil
	}

	apiKey := os.Getenv(cfg.Backend.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("backend: %s is not set (or use --offline)", cfg.Backend.APIKeyEnv)
	}

	var opts []backend.OpenAIOption
	if cfg.Backend.BaseURL != "" {
		opts = append(opts, backend.WithBaseURL(apiKey, cfg.Backend.BaseURL))
	}
	gen, err := backend.NewOpenAI(apiKey, cfg.Backend.Model, opts...)
	if err != nil {
		return nil, err
	}
	return gen, nil
}

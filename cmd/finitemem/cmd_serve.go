// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/finitemem/finitemem/services/memory/checkpoint"
	"github.com/finitemem/finitemem/services/memory/engine"
	"github.com/finitemem/finitemem/services/memory/server"
	"github.com/finitemem/finitemem/services/memory/telemetry"
)

var (
	serveAddr      string
	serveOffline   bool
	serveStorePath string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP chat service",
		Long: `Serves the conversation engine over HTTP: POST /v1/chat,
GET /v1/stats, a websocket stream at /v1/stream, Prometheus metrics at
/metrics, and checkpoint administration under /v1/checkpoints.`,
		RunE: runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveOffline, "offline", false, "use the deterministic scripted backend")
	serveCmd.Flags().StringVar(&serveStorePath, "store", "", "checkpoint store directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger := newLogger(cfg, false)
	defer logger.Close()

	shutdownMetrics, err := telemetry.InitProvider(telemetry.ProviderConfig{
		ServiceName:    "finitemem",
		ServiceVersion: version,
		Exporter:       cfg.Telemetry.MetricExporter,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(ctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err.Error())
		}
	}()

	gen, err := newBackend(cfg, serveOffline)
	if err != nil {
		return err
	}

	window := telemetry.NewWindow(cfg.Telemetry.WindowTurns)

	hooks := telemetry.MultiHook{telemetry.NewSlogHook(logger)}
	if cfg.Telemetry.MetricExporter == "prometheus" {
		metrics, err := telemetry.NewMetrics(otel.Meter("finitemem"))
		if err != nil {
			return err
		}
		hooks = append(hooks, telemetry.NewOTelHook(metrics))
	}

	var dumper *telemetry.TurnDumper
	if cfg.Telemetry.DumpPath != "" {
		dumper, err = telemetry.NewTurnDumper(cfg.Telemetry.DumpPath, telemetry.DefaultDumpBuffer)
		if err != nil {
			return err
		}
		defer dumper.Flush()
	}

	eng, err := engine.New(gen, engine.Options{
		Config: cfg,
		Logger: logger,
		Hook:   hooks,
		Window: window,
		Dumper: dumper,
	})
	if err != nil {
		return err
	}

	var store *checkpoint.Store
	if serveStorePath != "" {
		store, err = checkpoint.OpenStore(checkpoint.StoreConfig{Path: serveStorePath, Logger: logger.Slog()})
		if err != nil {
			return err
		}
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(eng, cfg, logger, server.Options{Store: store, Window: window})
	return srv.Run(ctx)
}

// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// ProviderConfig controls metric export.
type ProviderConfig struct {
	// ServiceName identifies this service in exported metrics.
	ServiceName string `json:"service_name"`

	// ServiceVersion is the version string for this service.
	ServiceVersion string `json:"service_version"`

	// Exporter selects the metric exporter: "prometheus" or "none".
	Exporter string `json:"exporter"`
}

// DefaultProviderConfig returns development defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		ServiceName:    "finitemem",
		ServiceVersion: "1.0.0",
		Exporter:       "prometheus",
	}
}

var (
	prometheusHandlerMu sync.RWMutex
	prometheusHandler   http.Handler
)

// MetricsHandler returns the /metrics HTTP handler, or nil when the
// prometheus exporter is not active.
//
// Thread Safety: safe for concurrent use.
func MetricsHandler() http.Handler {
	prometheusHandlerMu.RLock()
	defer prometheusHandlerMu.RUnlock()
	return prometheusHandler
}

// InitProvider installs the global MeterProvider per cfg. The returned
// shutdown function must be called on exit.
func InitProvider(cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if cfg.Exporter == "none" || cfg.Exporter == "" {
		return noop, nil
	}
	if cfg.Exporter != "prometheus" {
		return nil, fmt.Errorf("telemetry: unknown metric exporter %q", cfg.Exporter)
	}

	// The OTel prometheus exporter registers with the default prometheus
	// registry, so promhttp.Handler() serves our instruments.
	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: create prometheus exporter: %w", err)
	}

	prometheusHandlerMu.Lock()
	prometheusHandler = promhttp.Handler()
	prometheusHandlerMu.Unlock()

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

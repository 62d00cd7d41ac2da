// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server exposes the conversation engine over HTTP: chat,
// stats, checkpoints, Prometheus metrics, and a websocket stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/finitemem/finitemem/pkg/logging"
	"github.com/finitemem/finitemem/services/memory/checkpoint"
	"github.com/finitemem/finitemem/services/memory/config"
	"github.com/finitemem/finitemem/services/memory/engine"
	"github.com/finitemem/finitemem/services/memory/telemetry"
)

// Options carries the server's optional collaborators. A nil Store
// disables the checkpoint endpoints; a nil Window disables the rolling
// summary in /v1/stats.
type Options struct {
	Store  *checkpoint.Store
	Window *telemetry.Window
}

// Server is the HTTP front end for one conversation engine.
//
// Thread Safety: safe for concurrent use; per-turn serialization is
// the engine's job.
type Server struct {
	cfg    config.ServerConfig
	eng    *engine.Engine
	store  *checkpoint.Store
	window *telemetry.Window
	logger *logging.Logger
	router *gin.Engine
}

// New wires the routes and returns a ready Server.
func New(eng *engine.Engine, cfg config.Config, logger *logging.Logger, opts Options) *Server {
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Server{
		cfg:    cfg.Server,
		eng:    eng,
		store:  opts.Store,
		window: opts.Window,
		logger: logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", s.handleMetrics)

	v1 := router.Group("/v1")
	{
		v1.POST("/chat", s.handleChat)
		v1.GET("/stats", s.handleStats)
		v1.GET("/history", s.handleHistory)
		v1.GET("/context", s.handleContext)
		v1.POST("/reset", s.handleReset)
		v1.GET("/stream", s.handleStream)
	}

	if s.store != nil {
		cp := router.Group("/v1/checkpoints")
		{
			cp.GET("", s.handleCheckpointList)
			cp.POST("/:name", s.handleCheckpointSave)
			cp.POST("/:name/restore", s.handleCheckpointRestore)
			cp.DELETE("/:name", s.handleCheckpointDelete)
		}
	}

	s.router = router
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.logger.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

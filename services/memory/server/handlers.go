// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/finitemem/finitemem/services/memory/checkpoint"
	"github.com/finitemem/finitemem/services/memory/telemetry"
)

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message string `json:"message" binding:"required"`
}

// StatsResponse bundles the cumulative counters with the rolling
// window summary when one is configured.
type StatsResponse struct {
	SessionID string             `json:"session_id"`
	Stats     telemetry.Stats    `json:"stats"`
	Window    *telemetry.Summary `json:"window,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session_id": s.eng.SessionID()})
}

// handleMetrics serves the Prometheus exposition, or 503 when no
// exporter is configured.
func (s *Server) handleMetrics(c *gin.Context) {
	h := telemetry.MetricsHandler()
	if h == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics exporter not configured"})
		return
	}
	h.ServeHTTP(c.Writer, c.Request)
}

func (s *Server) handleChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.eng.Chat(c.Request.Context(), req.Message)
	if err != nil {
		s.logger.Error("chat turn failed", "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleStats(c *gin.Context) {
	resp := StatsResponse{
		SessionID: s.eng.SessionID(),
		Stats:     s.eng.Stats(),
	}
	if s.window != nil {
		summary := s.window.Summarize()
		resp.Window = &summary
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session_id": s.eng.SessionID(),
		"history":    s.eng.History(),
	})
}

func (s *Server) handleContext(c *gin.Context) {
	text, err := s.eng.ContextWindow()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"context": text})
}

func (s *Server) handleReset(c *gin.Context) {
	s.eng.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleCheckpointList(c *gin.Context) {
	names, err := s.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": names})
}

func (s *Server) handleCheckpointSave(c *gin.Context) {
	name := c.Param("name")
	cp := s.eng.Checkpoint()
	if err := s.store.Put(name, cp); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": name, "turns": cp.Metadata.Turns})
}

func (s *Server) handleCheckpointRestore(c *gin.Context) {
	name := c.Param("name")
	cp, err := s.store.Get(name)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "checkpoint not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.eng.Restore(cp)
	c.JSON(http.StatusOK, gin.H{"restored": name, "turns": cp.Metadata.Turns})
}

func (s *Server) handleCheckpointDelete(c *gin.Context) {
	name := c.Param("name")
	if err := s.store.Delete(name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": name})
}

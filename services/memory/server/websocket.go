// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/finitemem/finitemem/services/memory/engine"
)

// WSRequest is one streamed chat turn from the client.
type WSRequest struct {
	Message string `json:"message"`
}

// WSEvent is a server-to-client stream frame. Type is "session",
// "chunk", "done", or "error".
type WSEvent struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id,omitempty"`
	Content   string             `json:"content,omitempty"`
	Result    *engine.TurnResult `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStream upgrades to a websocket and serves chat turns on it.
// Each request produces zero or more "chunk" frames followed by one
// "done" (or "error") frame.
func (s *Server) handleStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err.Error())
		return
	}
	defer ws.Close()

	s.logger.Info("websocket client connected", "session_id", s.eng.SessionID())
	if err := ws.WriteJSON(WSEvent{Type: "session", SessionID: s.eng.SessionID()}); err != nil {
		return
	}

	for {
		var req WSRequest
		if err := ws.ReadJSON(&req); err != nil {
			s.logger.Info("websocket client disconnected", "error", err.Error())
			return
		}

		result, err := s.eng.ChatStream(c.Request.Context(), req.Message, func(chunk string) error {
			return ws.WriteJSON(WSEvent{Type: "chunk", Content: chunk})
		})
		if err != nil {
			if werr := ws.WriteJSON(WSEvent{Type: "error", Error: err.Error()}); werr != nil {
				return
			}
			continue
		}
		if err := ws.WriteJSON(WSEvent{Type: "done", Result: result}); err != nil {
			return
		}
	}
}

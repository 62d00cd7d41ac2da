// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finitemem/finitemem/services/memory/backend"
	"github.com/finitemem/finitemem/services/memory/checkpoint"
	"github.com/finitemem/finitemem/services/memory/config"
	"github.com/finitemem/finitemem/services/memory/engine"
	"github.com/finitemem/finitemem/services/memory/telemetry"
)

func testServer(t *testing.T, replies ...string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Memory.MaxTokens = 200
	cfg.Backend.Kind = "scripted"
	cfg.Backend.MaxNewTokens = 64
	cfg.Telemetry.MetricExporter = "none"

	eng, err := engine.New(backend.NewScripted(replies...), engine.Options{Config: cfg})
	require.NoError(t, err)

	store, err := checkpoint.OpenStore(checkpoint.StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return New(eng, cfg, nil, Options{
		Store:  store,
		Window: telemetry.NewWindow(telemetry.DefaultWindowTurns),
	})
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s := testServer(t, "ok")
	w := doJSON(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "session_id")
}

func TestChatEndpoint(t *testing.T) {
	s := testServer(t, "hello from the model")

	w := doJSON(t, s, http.MethodPost, "/v1/chat", `{"message":"hi there friend"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var result engine.TurnResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "hello from the model", result.Response)
	assert.Equal(t, "sliding", result.MemoryPolicy)
	assert.Positive(t, result.Stats.TokensSeen)
}

func TestChatRejectsMissingMessage(t *testing.T) {
	s := testServer(t, "x")
	w := doJSON(t, s, http.MethodPost, "/v1/chat", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s := testServer(t, "reply one", "reply two")
	doJSON(t, s, http.MethodPost, "/v1/chat", `{"message":"first message here"}`)

	w := doJSON(t, s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.Positive(t, resp.Stats.TokensSeen)
}

func TestHistoryAndReset(t *testing.T) {
	s := testServer(t, "a reply")
	doJSON(t, s, http.MethodPost, "/v1/chat", `{"message":"a question"}`)

	w := doJSON(t, s, http.MethodGet, "/v1/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "a question")

	w = doJSON(t, s, http.MethodPost, "/v1/reset", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/history", "")
	var resp struct {
		History []checkpoint.Turn `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.History)
}

func TestCheckpointEndpoints(t *testing.T) {
	s := testServer(t, "persisted reply")
	doJSON(t, s, http.MethodPost, "/v1/chat", `{"message":"remember this turn"}`)

	w := doJSON(t, s, http.MethodPost, "/v1/checkpoints/snap1", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/checkpoints", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "snap1")

	doJSON(t, s, http.MethodPost, "/v1/reset", "")

	w = doJSON(t, s, http.MethodPost, "/v1/checkpoints/snap1/restore", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/history", "")
	assert.Contains(t, w.Body.String(), "remember this turn")

	w = doJSON(t, s, http.MethodDelete, "/v1/checkpoints/snap1", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/checkpoints/snap1/restore", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpointWithoutExporter(t *testing.T) {
	s := testServer(t, "x")
	w := doJSON(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebSocketStream(t *testing.T) {
	s := testServer(t, "streamed reply words")

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	var hello WSEvent
	require.NoError(t, ws.ReadJSON(&hello))
	assert.Equal(t, "session", hello.Type)
	assert.NotEmpty(t, hello.SessionID)

	require.NoError(t, ws.WriteJSON(WSRequest{Message: "stream me please"}))

	var chunks []string
	for {
		var ev WSEvent
		require.NoError(t, ws.ReadJSON(&ev))
		switch ev.Type {
		case "chunk":
			chunks = append(chunks, ev.Content)
			continue
		case "done":
			require.NotNil(t, ev.Result)
			assert.Equal(t, "streamed reply words", ev.Result.Response)
			assert.Equal(t, ev.Result.Response, strings.Join(chunks, ""))
			return
		default:
			t.Fatalf("unexpected event type %q", ev.Type)
		}
	}
}

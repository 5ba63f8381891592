// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketHandler upgrades HTTP requests and serves one VirtualServer per
// connection. Every binary message is one envelope; replies and pushes share
// the connection.
type WebSocketHandler struct {
	newServer    func(r *http.Request) *VirtualServer
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	writeTimeout time.Duration
}

// NewWebSocketHandler creates a handler that builds a fresh server for each
// connection with newServer.
func NewWebSocketHandler(newServer func(r *http.Request) *VirtualServer) *WebSocketHandler {
	return &WebSocketHandler{
		newServer: newServer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
			CheckOrigin:     SameOriginCheck,
		},
		logger:       slog.Default(),
		writeTimeout: 10 * time.Second,
	}
}

// SetCheckOrigin replaces the origin policy. The default is SameOriginCheck.
func (h *WebSocketHandler) SetCheckOrigin(check func(r *http.Request) bool) {
	h.upgrader.CheckOrigin = check
}

// SetLogger sets the connection logger.
func (h *WebSocketHandler) SetLogger(logger *slog.Logger) {
	h.logger = logger
}

// SameOriginCheck accepts requests without an Origin header and requests
// whose Origin host matches the request host.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return r.Host != "" && originURL.Host == r.Host
}

// ServeHTTP implements http.Handler.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	vs := h.newServer(r)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	write := func(data []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			h.logger.Debug("websocket write failed", "remote", r.RemoteAddr, "err", err)
			cancel()
		}
	}
	vs.SetPushFunc(write)
	defer func() {
		vs.SetPushFunc(nil)
		if err := vs.Close(context.WithoutCancel(ctx)); err != nil {
			h.logger.Warn("closing session views", "err", err)
		}
	}()

	for ctx.Err() == nil {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				h.logger.Warn("websocket closed unexpectedly", "remote", r.RemoteAddr, "err", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if out := vs.Respond(ctx, msg); out != nil {
			write(out)
		}
	}
}

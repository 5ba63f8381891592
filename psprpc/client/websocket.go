// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn carries envelopes as binary WebSocket messages, one envelope
// per message. Pushes arrive on the same connection as replies.
type WebSocketConn struct {
	conn   *websocket.Conn
	client *Client

	writeMu sync.Mutex
	done    chan struct{}
	err     error
}

// DialWebSocket connects to url and returns a Client bound to the
// connection. The read loop runs until the connection closes or Close is
// called; the Client is closed when it stops.
func DialWebSocket(ctx context.Context, url string, header http.Header, opts ...Option) (*Client, *WebSocketConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	ws := &WebSocketConn{conn: conn, done: make(chan struct{})}
	ws.client = NewClient(ws.send, opts...)
	go ws.readLoop()
	return ws.client, ws, nil
}

func (ws *WebSocketConn) send(ctx context.Context, _ *Client, data []byte) error {
	select {
	case <-ws.done:
		return connClosed(ws.err)
	default:
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.conn.SetWriteDeadline(deadline)
		defer func() { _ = ws.conn.SetWriteDeadline(time.Time{}) }()
	}
	return ws.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (ws *WebSocketConn) readLoop() {
	defer func() {
		close(ws.done)
		ws.client.Close(connClosed(ws.err))
	}()
	for {
		kind, msg, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				ws.client.logger.Warn("websocket closed unexpectedly", "error", err)
			}
			ws.err = err
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := ws.client.Receive(msg); err != nil {
			ws.client.logger.Warn("inbound envelope", "error", err)
		}
	}
}

// Done is closed when the read loop exits.
func (ws *WebSocketConn) Done() <-chan struct{} { return ws.done }

// Close sends a close frame and tears the connection down.
func (ws *WebSocketConn) Close() error {
	ws.writeMu.Lock()
	_ = ws.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ws.writeMu.Unlock()
	err := ws.conn.Close()
	<-ws.done
	return err
}

// ErrConnClosed is returned by sends on a closed transport.
var ErrConnClosed = errors.New("connection closed")

func connClosed(cause error) error {
	if cause == nil {
		return ErrConnClosed
	}
	return fmt.Errorf("%w: %v", ErrConnClosed, cause)
}

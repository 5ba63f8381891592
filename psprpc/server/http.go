// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/Query-farm/vgi-perspective/psprpc/client"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const (
	arrowContentType    = "application/vnd.apache.arrow.stream"
	zstdEncoding        = "zstd"
	defaultZstdLevel    = 3
	defaultHTTPPrefix   = "/psp"
	maxRequestBodyBytes = psprpc.MaxFrameSize
	defaultSessionIdle  = 30 * time.Minute
)

// HttpServer serves psprpc over HTTP. Each POST carries one request
// envelope; the reply body is a sequence of length-prefixed envelopes:
// pushes raised while serving the request, then the reply. A request with
// nothing to send back gets 204.
//
// Every HTTP client gets its own VirtualServer. A POST without a session
// header opens a session and the reply carries its id in the
// client.SessionHeader header; later requests echo it. Sessions idle for
// longer than the idle timeout are closed.
type HttpServer struct {
	newServer func(r *http.Request) *VirtualServer
	prefix    string
	level     int
	idle      time.Duration

	mu       sync.Mutex
	mux      *http.ServeMux
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	sessions map[string]*httpSession
}

type httpSession struct {
	server *VirtualServer

	// mu serializes the session's requests; pushes are collected per request.
	mu       sync.Mutex
	lastUsed atomic.Int64
}

// NewHttpServer creates an HTTP transport that builds a fresh server for
// each session with newServer.
func NewHttpServer(newServer func(r *http.Request) *VirtualServer) *HttpServer {
	dec, _ := zstd.NewReader(nil)
	h := &HttpServer{
		newServer: newServer,
		prefix:    defaultHTTPPrefix,
		level:     defaultZstdLevel,
		idle:      defaultSessionIdle,
		dec:       dec,
		sessions:  make(map[string]*httpSession),
	}
	h.routes()
	return h
}

// PerSession returns a constructor for NewHttpServer and
// NewWebSocketHandler that builds each session's server over handler.
func PerSession(handler Handler, opts ...Option) func(*http.Request) *VirtualServer {
	return func(*http.Request) *VirtualServer { return NewVirtualServer(handler, opts...) }
}

// SetPrefix sets the request path. The default is "/psp".
func (h *HttpServer) SetPrefix(prefix string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prefix = prefix
	h.routes()
}

// SetCompressionLevel sets the zstd level (1-22) used for replies to
// clients that accept zstd. Zero disables reply compression.
func (h *HttpServer) SetCompressionLevel(level int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.level = level
	h.enc = nil
}

// SetIdleTimeout sets how long a session may go without requests before it
// is closed. Zero keeps sessions until Close. The default is 30 minutes.
func (h *HttpServer) SetIdleTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idle = d
}

// Sessions returns the number of open sessions.
func (h *HttpServer) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close closes every open session, deleting their views.
func (h *HttpServer) Close(ctx context.Context) error {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*httpSession)
	h.mu.Unlock()

	var errs []error
	for id, sess := range sessions {
		if err := sess.server.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (h *HttpServer) routes() {
	h.mux = http.NewServeMux()
	h.mux.HandleFunc(fmt.Sprintf("POST %s", h.prefix), h.handle)
	h.mux.HandleFunc(fmt.Sprintf("DELETE %s", h.prefix), h.handleEndSession)
	h.mux.HandleFunc(fmt.Sprintf("GET %s", h.prefix), h.handleLandingPage)
	h.mux.HandleFunc("/", h.handleNotFound)
}

// ServeHTTP implements http.Handler.
func (h *HttpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	mux := h.mux
	h.mu.Unlock()
	mux.ServeHTTP(w, r)
}

// session returns the session named by the request header, opening a new
// one when the header is absent. Opening a session sweeps idle ones.
func (h *HttpServer) session(r *http.Request) (string, *httpSession, bool) {
	id := r.Header.Get(client.SessionHeader)
	now := time.Now()

	h.mu.Lock()
	if id != "" {
		sess, ok := h.sessions[id]
		h.mu.Unlock()
		return id, sess, ok
	}
	var expired []*httpSession
	if h.idle > 0 {
		for sid, sess := range h.sessions {
			if sess.idleSince(now) > h.idle {
				expired = append(expired, sess)
				delete(h.sessions, sid)
			}
		}
	}
	id = uuid.NewString()
	sess := &httpSession{server: h.newServer(r)}
	sess.lastUsed.Store(now.UnixNano())
	h.sessions[id] = sess
	h.mu.Unlock()

	for _, old := range expired {
		if err := old.server.Close(context.WithoutCancel(r.Context())); err != nil {
			old.server.logger.Warn("closing idle http session", "err", err)
		}
	}
	return id, sess, true
}

func (s *httpSession) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastUsed.Load()))
}

func (h *HttpServer) handle(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != arrowContentType {
		http.Error(w, fmt.Sprintf("unsupported content type: %s", ct), http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxRequestBodyBytes {
		http.Error(w, psprpc.ErrFrameTooLarge.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if strings.EqualFold(r.Header.Get("Content-Encoding"), zstdEncoding) {
		if body, err = h.dec.DecodeAll(body, nil); err != nil {
			http.Error(w, fmt.Sprintf("decompressing request: %v", err), http.StatusBadRequest)
			return
		}
	}

	id, sess, ok := h.session(r)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown session %q", id), http.StatusNotFound)
		return
	}
	w.Header().Set(client.SessionHeader, id)

	var out bytes.Buffer
	sess.mu.Lock()
	sess.lastUsed.Store(time.Now().UnixNano())
	sess.server.SetPushFunc(func(data []byte) { _ = psprpc.WriteFrame(&out, data) })
	reply := sess.server.Respond(r.Context(), body)
	sess.server.SetPushFunc(nil)
	sess.mu.Unlock()
	if reply != nil {
		if err := psprpc.WriteFrame(&out, reply); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if out.Len() == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	data := out.Bytes()
	if strings.Contains(r.Header.Get("Accept-Encoding"), zstdEncoding) {
		h.mu.Lock()
		enc, err := h.encoder()
		h.mu.Unlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if enc != nil {
			data = enc.EncodeAll(data, nil)
			w.Header().Set("Content-Encoding", zstdEncoding)
		}
	}
	w.Header().Set("Content-Type", arrowContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleEndSession closes the session named by the request header.
func (h *HttpServer) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(client.SessionHeader)
	h.mu.Lock()
	sess, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		http.Error(w, fmt.Sprintf("unknown session %q", id), http.StatusNotFound)
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.server.Close(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// encoder lazily builds the zstd encoder for the current level. It returns
// nil when reply compression is off. Callers hold h.mu.
func (h *HttpServer) encoder() (*zstd.Encoder, error) {
	if h.level <= 0 || h.enc != nil {
		return h.enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(h.level)))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	h.enc = enc
	return enc, nil
}

// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"net/http"

	"github.com/Query-farm/vgi-perspective/psprpc/server"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newRouter mounts the transports. Each HTTP session and each WebSocket
// connection gets its own VirtualServer over the shared engine.
func newRouter(d *runtimeDeps, f httpFlags) http.Handler {
	fresh := func(*http.Request) *server.VirtualServer { return d.newServer() }
	httpSrv := server.NewHttpServer(fresh)
	httpSrv.SetPrefix(f.prefix)
	httpSrv.SetCompressionLevel(f.compression)

	ws := server.NewWebSocketHandler(fresh)
	ws.SetLogger(slog.Default().With("component", "websocket"))
	if f.anyOrigin {
		ws.SetCheckOrigin(func(*http.Request) bool { return true })
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post(f.prefix, httpSrv.ServeHTTP)
	r.Get(f.prefix, httpSrv.ServeHTTP)
	r.Delete(f.prefix, httpSrv.ServeHTTP)
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		d.metrics.SessionOpened()
		defer d.metrics.SessionClosed()
		ws.ServeHTTP(w, r)
	})
	r.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

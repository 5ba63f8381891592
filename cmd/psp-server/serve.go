// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/Query-farm/vgi-perspective/psprpc/boltstore"
	"github.com/Query-farm/vgi-perspective/psprpc/memengine"
	pspotel "github.com/Query-farm/vgi-perspective/psprpc/otel"
	pspprom "github.com/Query-farm/vgi-perspective/psprpc/prom"
	"github.com/Query-farm/vgi-perspective/psprpc/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// runtimeDeps is what every serving mode shares.
type runtimeDeps struct {
	engine   *memengine.Engine
	hook     psprpc.DispatchHook
	metrics  *pspprom.Metrics
	registry *prometheus.Registry
	store    *boltstore.Store
	shutdown func(context.Context) error
}

func setup(ctx context.Context, g *globalFlags) (*runtimeDeps, error) {
	eng, err := buildEngine(ctx, g)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d := &runtimeDeps{
		engine:   eng,
		metrics:  pspprom.New(pspprom.WithRegistry(reg)),
		registry: reg,
		shutdown: func(context.Context) error { return nil },
	}
	if g.state != "" {
		store, err := boltstore.Open(g.state, boltstore.Options{Logger: slog.Default().With("component", "state")})
		if err != nil {
			return nil, err
		}
		if _, err := store.Load(ctx, eng); err != nil {
			store.Close()
			return nil, err
		}
		d.store = store
	}
	d.hook = d.metrics
	if g.otel {
		shutdown, err := setupTelemetry()
		if err != nil {
			return nil, err
		}
		d.shutdown = shutdown
		d.hook = psprpc.ChainHooks(d.metrics, pspotel.NewHook(pspotel.DefaultConfig()))
	}
	return d, nil
}

func (d *runtimeDeps) newServer() *server.VirtualServer {
	return server.NewVirtualServer(d.engine,
		server.WithDispatchHook(d.hook),
		server.WithLogger(slog.Default().With("component", "server")),
	)
}

func (d *runtimeDeps) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown", "err", err)
	}
	if d.store != nil {
		if err := d.store.Save(ctx, d.engine); err != nil {
			slog.Error("saving tables", "err", err)
		}
		if err := d.store.Close(); err != nil {
			slog.Warn("closing state file", "err", err)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func stdioCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve length-prefixed frames on stdin and stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			d, err := setup(ctx, g)
			if err != nil {
				return err
			}
			defer d.close()
			return d.newServer().RunStdio(ctx)
		},
	}
}

type httpFlags struct {
	addr            string
	prefix          string
	compression     int
	anyOrigin       bool
	shutdownTimeout time.Duration
}

func httpCmd(g *globalFlags) *cobra.Command {
	var f httpFlags
	cmd := &cobra.Command{
		Use:   "http",
		Short: "Serve HTTP, WebSocket and Prometheus endpoints",
		Long: `Serve the engine over HTTP.

Endpoints:
  POST {prefix}   one request envelope per call, one session per client
  DELETE {prefix} end the session named by the Psp-Session header
  GET  /ws        WebSocket, one session per connection
  GET  /metrics   Prometheus metrics
  GET  /healthz   liveness`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			d, err := setup(ctx, g)
			if err != nil {
				return err
			}
			defer d.close()
			return serveHTTP(ctx, d, f)
		},
	}
	cmd.Flags().StringVarP(&f.addr, "addr", "a", "127.0.0.1:8080", "Listen address")
	cmd.Flags().StringVar(&f.prefix, "prefix", "/psp", "Path of the request endpoint")
	cmd.Flags().IntVar(&f.compression, "compression", 3, "zstd level for replies, 0 disables")
	cmd.Flags().BoolVar(&f.anyOrigin, "any-origin", false, "Accept WebSocket connections from any origin")
	cmd.Flags().DurationVar(&f.shutdownTimeout, "shutdown-timeout", 10*time.Second, "Grace period for open connections")
	return cmd
}

func serveHTTP(ctx context.Context, d *runtimeDeps, f httpFlags) error {
	ln, err := net.Listen("tcp", f.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", f.addr, err)
	}
	srv := &http.Server{
		Handler:           newRouter(d, f),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	slog.Info("listening", "addr", ln.Addr().String(), "prefix", f.prefix)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), f.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

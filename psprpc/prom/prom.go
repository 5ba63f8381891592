// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package pspprom exports Prometheus metrics for psprpc servers. Metrics
// implements [psprpc.DispatchHook]; install it with
// server.WithDispatchHook and serve the registry with promhttp.
package pspprom

import (
	"context"
	"errors"
	"time"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/Query-farm/vgi-perspective/psprpc/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures Metrics.
type Config struct {
	// Namespace is the metrics namespace (default: "perspective").
	Namespace string
	// Subsystem is the metrics subsystem (default: "rpc").
	Subsystem string
	// ConstLabels are added to all metrics.
	ConstLabels prometheus.Labels
	// Buckets are the request duration histogram buckets.
	// Default: prometheus.DefBuckets
	Buckets []float64
	// Registry receives the collectors. Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures Metrics.
type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

// Metrics holds the psprpc collectors.
//
//   - requests_total: requests by kind, category and status
//   - request_duration_seconds: dispatch duration by kind
//   - request_errors_total: failed requests by kind and error kind
//   - pushes_total: subscription pushes raised while serving requests
//   - bytes_total: envelope bytes by direction
//   - in_flight_requests: requests being dispatched
//   - sessions: open transport sessions
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	pushes   prometheus.Counter
	bytes    *prometheus.CounterVec
	inFlight prometheus.Gauge
	sessions prometheus.Gauge
}

var _ psprpc.DispatchHook = (*Metrics)(nil)

// New registers the collectors with the configured registry.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "perspective",
		Subsystem: "rpc",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of psprpc requests served",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind", "category", "status"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Request dispatch duration in seconds",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"kind"}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "request_errors_total",
			Help:        "Total number of failed requests",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind", "error_kind"}),

		pushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "pushes_total",
			Help:        "Total number of subscription pushes sent",
			ConstLabels: cfg.ConstLabels,
		}),

		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "bytes_total",
			Help:        "Envelope bytes by direction",
			ConstLabels: cfg.ConstLabels,
		}, []string{"direction"}),

		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "in_flight_requests",
			Help:        "Number of requests being dispatched",
			ConstLabels: cfg.ConstLabels,
		}),

		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "sessions",
			Help:        "Number of open transport sessions",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

type dispatchToken struct{ start time.Time }

func (m *Metrics) OnDispatchStart(ctx context.Context, _ psprpc.DispatchInfo) (context.Context, psprpc.HookToken) {
	m.inFlight.Inc()
	return ctx, dispatchToken{start: time.Now()}
}

func (m *Metrics) OnDispatchEnd(_ context.Context, token psprpc.HookToken, info psprpc.DispatchInfo, stats *psprpc.CallStatistics, err error) {
	m.inFlight.Dec()
	status := "ok"
	if err != nil {
		status = "error"
		m.errors.WithLabelValues(info.Kind, errorKind(err)).Inc()
	}
	m.requests.WithLabelValues(info.Kind, info.Category, status).Inc()
	if t, ok := token.(dispatchToken); ok {
		m.duration.WithLabelValues(info.Kind).Observe(time.Since(t.start).Seconds())
	}
	if stats != nil {
		m.bytes.WithLabelValues("in").Add(float64(stats.InputBytes))
		m.bytes.WithLabelValues("out").Add(float64(stats.OutputBytes))
		m.pushes.Add(float64(stats.Pushes))
	}
}

// SessionOpened and SessionClosed track the sessions gauge.
func (m *Metrics) SessionOpened() { m.sessions.Inc() }

func (m *Metrics) SessionClosed() { m.sessions.Dec() }

func errorKind(err error) string {
	var vsErr *server.VirtualServerError
	if errors.As(err, &vsErr) {
		return string(vsErr.Kind)
	}
	return string(server.KindInternal)
}

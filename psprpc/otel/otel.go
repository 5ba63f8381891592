// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package pspotel provides OpenTelemetry instrumentation for psprpc servers.
// It implements [psprpc.DispatchHook] to trace every dispatched request and
// record request counts and durations.
//
// Usage:
//
//	hook := pspotel.NewHook(pspotel.DefaultConfig())
//	vs := server.NewVirtualServer(engine, server.WithDispatchHook(hook))
package pspotel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/Query-farm/vgi-perspective/psprpc/server"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "psprpc"

// Config selects providers and what the hook records. Nil providers and a
// nil propagator fall back to the otel globals.
type Config struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	// Propagator reads trace context from envelope metadata.
	Propagator propagation.TextMapPropagator

	EnableTracing    bool
	EnableMetrics    bool
	RecordExceptions bool

	// ServiceName becomes rpc.service; empty means "perspective".
	ServiceName string
	// CustomAttributes are appended to each span's attributes.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns a Config with tracing, metrics and exception
// recording on. Providers and the propagator are resolved from the global
// OTel SDK when the hook is built.
func DefaultConfig() Config {
	return Config{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// Hook implements psprpc.DispatchHook. One Hook may be shared by every
// VirtualServer of a process.
type Hook struct {
	cfg               Config
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
	pushCounter       metric.Int64Counter
}

var _ psprpc.DispatchHook = (*Hook)(nil)

// NewHook builds a hook from cfg.
func NewHook(cfg Config) *Hook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "perspective"
	}

	h := &Hook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		h.requestCounter, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of psprpc requests"),
		)
		h.durationHistogram, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of psprpc requests"),
		)
		h.pushCounter, _ = meter.Int64Counter("rpc.server.pushes",
			metric.WithUnit("{message}"),
			metric.WithDescription("Subscription pushes raised while serving requests"),
		)
	}
	return h
}

// ServerOption returns a server option installing a hook built from cfg.
func ServerOption(cfg Config) server.Option {
	return server.WithDispatchHook(NewHook(cfg))
}

type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnDispatchStart extracts the parent trace context and starts a server span.
func (h *Hook) OnDispatchStart(ctx context.Context, info psprpc.DispatchInfo) (context.Context, psprpc.HookToken) {
	if h.cfg.Propagator != nil && info.TransportMetadata != nil {
		ctx = h.cfg.Propagator.Extract(ctx, propagation.MapCarrier(info.TransportMetadata))
	}
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "psprpc"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Kind),
		attribute.String("rpc.psprpc.category", info.Category),
		attribute.String("rpc.psprpc.entity_id", info.EntityID),
		attribute.Int64("rpc.psprpc.msg_id", int64(info.MsgID)),
		attribute.String("rpc.psprpc.server_id", info.ServerID),
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)
	if v := info.TransportMetadata["remote_addr"]; v != "" {
		attrs = append(attrs, attribute.String("net.peer.ip", v))
	}

	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("psprpc/%s", info.Kind),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnDispatchEnd records metrics and ends the span.
func (h *Hook) OnDispatchEnd(ctx context.Context, token psprpc.HookToken, info psprpc.DispatchInfo, stats *psprpc.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		attrs := metric.WithAttributes(
			attribute.String("rpc.system", "psprpc"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Kind),
			attribute.String("rpc.psprpc.category", info.Category),
			attribute.String("status", status),
		)
		h.requestCounter.Add(ctx, 1, attrs)
		h.durationHistogram.Record(ctx, time.Since(st.startTime).Seconds(), attrs)
		if stats != nil && stats.Pushes > 0 {
			h.pushCounter.Add(ctx, stats.Pushes, attrs)
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	if stats != nil {
		st.span.SetAttributes(
			attribute.Int64("rpc.psprpc.input_bytes", stats.InputBytes),
			attribute.Int64("rpc.psprpc.output_bytes", stats.OutputBytes),
			attribute.Int64("rpc.psprpc.pushes", stats.Pushes),
		)
	}
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
		st.span.SetAttributes(attribute.String("rpc.psprpc.error_kind", errorKind(err)))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}

func errorKind(err error) string {
	var vsErr *server.VirtualServerError
	if errors.As(err, &vsErr) {
		return string(vsErr.Kind)
	}
	return fmt.Sprintf("%T", err)
}

// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package pspprom

import (
	"context"
	"testing"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/Query-farm/vgi-perspective/psprpc/memengine"
	"github.com/Query-farm/vgi-perspective/psprpc/server"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func send(t *testing.T, vs *server.VirtualServer, msgID uint32, entity string, p psprpc.Payload) {
	t.Helper()
	data, err := psprpc.EncodeRequest(&psprpc.Request{MsgID: msgID, EntityID: entity, Payload: p})
	require.NoError(t, err)
	_, _ = vs.HandleRequest(context.Background(), data)
}

func TestDispatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithConstLabels(prometheus.Labels{"node": "a"}))
	vs := server.NewVirtualServer(memengine.New(), server.WithDispatchHook(m))

	send(t, vs, 1, "t", &psprpc.MakeTableReq{Data: psprpc.FromCSV("x\n1\n")})
	send(t, vs, 2, "t", &psprpc.TableSizeReq{})
	send(t, vs, 3, "missing", &psprpc.ViewDimensionsReq{})

	assert.Equal(t, 1.0, counterValue(t, m.requests.WithLabelValues("make_table_req", "table", "ok")))
	assert.Equal(t, 1.0, counterValue(t, m.requests.WithLabelValues("table_size_req", "table", "ok")))
	assert.Equal(t, 1.0, counterValue(t, m.requests.WithLabelValues("view_dimensions_req", "view", "error")))
	assert.Equal(t, 1.0, counterValue(t, m.errors.WithLabelValues("view_dimensions_req", "unknown_view_id")))
	assert.Positive(t, counterValue(t, m.bytes.WithLabelValues("in")))
	assert.Equal(t, 0.0, gaugeValue(t, m.inFlight))

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "perspective_rpc_request_duration_seconds" {
			assert.Len(t, f.GetMetric(), 3)
			assert.Equal(t, "a", f.GetMetric()[0].GetLabel()[1].GetValue())
		}
	}
}

func TestSessionGauge(t *testing.T) {
	m := New(WithRegistry(prometheus.NewRegistry()), WithNamespace("test"))
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	assert.Equal(t, 1.0, gaugeValue(t, m.sessions))
}

func TestCustomBuckets(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithBuckets([]float64{0.5, 1}))
	m.duration.WithLabelValues("k").Observe(0.1)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "perspective_rpc_request_duration_seconds" {
			found = true
			assert.Len(t, f.GetMetric()[0].GetHistogram().GetBucket(), 2)
		}
	}
	assert.True(t, found)
}

// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/Query-farm/vgi-perspective/benchmark"
	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/Query-farm/vgi-perspective/psprpc/client"
	"github.com/Query-farm/vgi-perspective/psprpc/memengine"
	"github.com/Query-farm/vgi-perspective/psprpc/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopback(tb testing.TB) *client.Client {
	tb.Helper()
	c := server.NewLoopbackClient(server.NewVirtualServer(memengine.New()))
	require.NoError(tb, c.Init(context.Background()))
	return c
}

func ticks(tb testing.TB, c *client.Client, rows int) *client.Table {
	tb.Helper()
	data, err := benchmark.TicksArrow(0, rows)
	require.NoError(tb, err)
	index := "id"
	table, err := c.Table(context.Background(), data, client.TableInitOptions{Index: &index})
	require.NoError(tb, err)
	return table
}

func TestFixturesAgree(t *testing.T) {
	ctx := context.Background()
	c := loopback(t)
	fromArrow := ticks(t, c, 50)
	fromCSV, err := c.Table(ctx, benchmark.TicksCSV(0, 50), client.TableInitOptions{})
	require.NoError(t, err)

	schema, err := fromArrow.Schema(ctx)
	require.NoError(t, err)
	assert.Equal(t, benchmark.TickSchema, schema)
	schema, err = fromCSV.Schema(ctx)
	require.NoError(t, err)
	assert.Equal(t, benchmark.TickSchema, schema)

	a, err := fromArrow.View(ctx, nil)
	require.NoError(t, err)
	b, err := fromCSV.View(ctx, nil)
	require.NoError(t, err)
	want, err := a.ToCSV(ctx, client.ViewWindow{})
	require.NoError(t, err)
	got, err := b.ToCSV(ctx, client.ViewWindow{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTicksUpsertByIndex(t *testing.T) {
	ctx := context.Background()
	c := loopback(t)
	table := ticks(t, c, 100)
	more, err := benchmark.TicksArrow(90, 20)
	require.NoError(t, err)
	require.NoError(t, table.Update(ctx, more, client.UpdateOptions{}))
	size, err := table.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(110), size)
}

func BenchmarkMakeTable(b *testing.B) {
	for _, rows := range []int{100, 10_000} {
		data, err := benchmark.TicksArrow(0, rows)
		require.NoError(b, err)
		b.Run(fmt.Sprintf("rows=%d", rows), func(b *testing.B) {
			c := loopback(b)
			ctx := context.Background()
			b.ReportAllocs()
			for b.Loop() {
				table, err := c.Table(ctx, data, client.TableInitOptions{})
				if err != nil {
					b.Fatal(err)
				}
				if err := table.Delete(ctx, client.DeleteOptions{}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkViewToColumns(b *testing.B) {
	ctx := context.Background()
	c := loopback(b)
	table := ticks(b, c, 10_000)
	sorts := []psprpc.Sort{{Column: "px", Dir: psprpc.SortDesc}}
	filters := []psprpc.Filter{{Column: "sym", Op: "!=", Term: psprpc.ScalarTerm(psprpc.StringScalar("TSLA"))}}
	view, err := table.View(ctx, &psprpc.ViewConfigUpdate{Sort: &sorts, Filter: &filters})
	require.NoError(b, err)
	end := uint32(100)
	window := client.ViewWindow{Viewport: psprpc.Viewport{EndRow: &end}}

	b.ReportAllocs()
	for b.Loop() {
		if _, err := view.ToColumns(ctx, window); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkUpdateWithSubscriber(b *testing.B) {
	ctx := context.Background()
	c := loopback(b)
	table := ticks(b, c, 1_000)
	view, err := table.View(ctx, nil)
	require.NoError(b, err)
	_, err = view.OnUpdate(ctx, func(client.OnUpdateData) {}, client.OnUpdateOptions{Mode: server.UpdateModeRow})
	require.NoError(b, err)
	batch, err := benchmark.TicksArrow(0, 10)
	require.NoError(b, err)

	b.ReportAllocs()
	for b.Loop() {
		if err := table.Update(ctx, batch, client.UpdateOptions{}); err != nil {
			b.Fatal(err)
		}
	}
}

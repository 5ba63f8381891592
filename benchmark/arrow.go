// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"bytes"
	"fmt"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var tickArrowSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "sym", Type: arrow.BinaryTypes.String},
	{Name: "qty", Type: arrow.PrimitiveTypes.Int64},
	{Name: "px", Type: arrow.PrimitiveTypes.Float64},
	{Name: "day", Type: arrow.FixedWidthTypes.Date32},
}, nil)

// TicksArrow returns rows [from, from+n) as a one-batch Arrow IPC stream.
func TicksArrow(from, n int) (psprpc.UpdateData, error) {
	mem := memory.NewGoAllocator()
	ids := array.NewInt64Builder(mem)
	defer ids.Release()
	syms := array.NewStringBuilder(mem)
	defer syms.Release()
	qtys := array.NewInt64Builder(mem)
	defer qtys.Release()
	pxs := array.NewFloat64Builder(mem)
	defer pxs.Release()
	days := array.NewDate32Builder(mem)
	defer days.Release()

	for i := from; i < from+n; i++ {
		t := tickAt(i)
		ids.Append(t.id)
		syms.Append(t.sym)
		qtys.Append(t.qty)
		pxs.Append(t.px)
		days.Append(arrow.Date32FromTime(t.day))
	}

	cols := []arrow.Array{ids.NewArray(), syms.NewArray(), qtys.NewArray(), pxs.NewArray(), days.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	batch := array.NewRecordBatch(tickArrowSchema, cols, int64(n))
	defer batch.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(tickArrowSchema))
	if err := w.Write(batch); err != nil {
		return psprpc.UpdateData{}, fmt.Errorf("writing ticks: %w", err)
	}
	if err := w.Close(); err != nil {
		return psprpc.UpdateData{}, fmt.Errorf("closing ticks stream: %w", err)
	}
	return psprpc.FromArrow(buf.Bytes()), nil
}

// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package benchmark generates synthetic tick tables for load tests and
// demos. The same rows are available as CSV text and as an Arrow stream.
package benchmark

import (
	"fmt"
	"strings"
	"time"

	"github.com/Query-farm/vgi-perspective/psprpc"
)

// Symbols cycled through by the generators.
var Symbols = []string{"AAPL", "MSFT", "NVDA", "AMZN", "GOOG", "META", "TSLA"}

// TickSchema is the schema of generated tables.
var TickSchema = psprpc.Schema{
	{Name: "id", Type: psprpc.TypeInteger},
	{Name: "sym", Type: psprpc.TypeString},
	{Name: "qty", Type: psprpc.TypeInteger},
	{Name: "px", Type: psprpc.TypeFloat},
	{Name: "day", Type: psprpc.TypeDate},
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// tick is row i. Values are deterministic so runs are comparable.
type tick struct {
	id  int64
	sym string
	qty int64
	px  float64
	day time.Time
}

func tickAt(i int) tick {
	return tick{
		id:  int64(i),
		sym: Symbols[i%len(Symbols)],
		qty: int64((i*37)%200 - 100),
		px:  100 + float64((i*7919)%10000)/100,
		day: epoch.AddDate(0, 0, i%365),
	}
}

// TicksCSV returns rows [from, from+n) as CSV with a header.
func TicksCSV(from, n int) psprpc.UpdateData {
	var b strings.Builder
	b.WriteString("id,sym,qty,px,day\n")
	for i := from; i < from+n; i++ {
		t := tickAt(i)
		fmt.Fprintf(&b, "%d,%s,%d,%g,%s\n", t.id, t.sym, t.qty, t.px, t.day.Format(time.DateOnly))
	}
	return psprpc.FromCSV(b.String())
}
